package config

// EnvPrefix is handed to envconfig; every tag spells out its full name anyway.
const EnvPrefix = "COURIER"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	TransportRedisStreams = "redis-streams"
	TransportPubSub       = "pubsub"

	BackendTable     = "table"
	BackendMessageDB = "messagedb"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const (
	EnvAppEnv          = "COURIER_APP_ENV"
	EnvDBDSN           = "COURIER_DB_DSN"
	EnvDBDriver        = "COURIER_DB_DRIVER"
	EnvDBHost          = "COURIER_DB_HOST"
	EnvDBUser          = "COURIER_DB_USER"
	EnvDBName          = "COURIER_DB_NAME"
	EnvRedisURL        = "COURIER_REDIS_URL"
	EnvEventStore      = "COURIER_EVENTSTORE_BACKEND"
	EnvOutboxTransport = "COURIER_OUTBOX_TRANSPORT"
	EnvOutboxChunkSize = "COURIER_OUTBOX_CHUNK_SIZE"
	EnvConsumerGroup   = "COURIER_CONSUMER_GROUP"
	EnvGCPProjectID    = "COURIER_GCP_PROJECT_ID"
	EnvPubSubTopic     = "COURIER_PUBSUB_TOPIC"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
