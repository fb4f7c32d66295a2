package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App        AppConfig
	DB         DBConfig
	Redis      RedisConfig
	EventStore EventStoreConfig
	Outbox     OutboxConfig
	Streams    StreamsConfig
	Consumer   ConsumerConfig
	GCP        GCPConfig
	PubSub     PubSubConfig
	Ops        OpsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	if c.Outbox.Transport == TransportPubSub {
		if strings.TrimSpace(c.GCP.ProjectID) == "" {
			return fmt.Errorf("%s is required when %s=%s", EnvGCPProjectID, EnvOutboxTransport, TransportPubSub)
		}
		if strings.TrimSpace(c.PubSub.Topic) == "" {
			return fmt.Errorf("%s is required when %s=%s", EnvPubSubTopic, EnvOutboxTransport, TransportPubSub)
		}
	}
	return nil
}

type AppConfig struct {
	Env          string `envconfig:"COURIER_APP_ENV" required:"true"`
	LogLevel     string `envconfig:"COURIER_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"COURIER_LOG_WARN_STACK" default:"false"`
	AutoMigrate  bool   `envconfig:"COURIER_AUTO_MIGRATE" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"COURIER_DB_DSN"`
	Driver string `envconfig:"COURIER_DB_DRIVER" default:"postgres" validate:"oneof=postgres sqlite"`

	LegacyHost     string `envconfig:"COURIER_DB_HOST"`
	LegacyPort     int    `envconfig:"COURIER_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"COURIER_DB_USER"`
	LegacyPassword string `envconfig:"COURIER_DB_PASSWORD"`
	LegacyName     string `envconfig:"COURIER_DB_NAME"`
	LegacySSLMode  string `envconfig:"COURIER_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"COURIER_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"COURIER_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"COURIER_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"COURIER_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"COURIER_REDIS_URL"`
	Address      string        `envconfig:"COURIER_REDIS_ADDR"`
	Password     string        `envconfig:"COURIER_REDIS_PASSWORD"`
	DB           int           `envconfig:"COURIER_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"COURIER_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"COURIER_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"COURIER_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"COURIER_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"COURIER_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type EventStoreConfig struct {
	Backend string `envconfig:"COURIER_EVENTSTORE_BACKEND" default:"table" validate:"oneof=table messagedb"`
}

type OutboxConfig struct {
	ChunkSize    int           `envconfig:"COURIER_OUTBOX_CHUNK_SIZE" default:"100" validate:"gt=0"`
	PollInterval time.Duration `envconfig:"COURIER_OUTBOX_POLL_INTERVAL" default:"1s"`
	Transport    string        `envconfig:"COURIER_OUTBOX_TRANSPORT" default:"redis-streams" validate:"oneof=redis-streams pubsub"`
	Exclusive    bool          `envconfig:"COURIER_OUTBOX_EXCLUSIVE" default:"false"`
	LockTTL      time.Duration `envconfig:"COURIER_OUTBOX_LOCK_TTL" default:"30s"`
}

type StreamsConfig struct {
	Stream string `envconfig:"COURIER_STREAM_NAME" default:"courier-messages" validate:"required"`
	MaxLen int64  `envconfig:"COURIER_STREAM_MAX_LEN" default:"0"`
}

type ConsumerConfig struct {
	Group           string        `envconfig:"COURIER_CONSUMER_GROUP" default:"courier-consumers" validate:"required"`
	Name            string        `envconfig:"COURIER_CONSUMER_NAME"`
	ChunkSize       int           `envconfig:"COURIER_CONSUMER_CHUNK_SIZE" default:"100" validate:"gt=0"`
	BlockFor        time.Duration `envconfig:"COURIER_CONSUMER_BLOCK_FOR" default:"2s"`
	PollInterval    time.Duration `envconfig:"COURIER_CONSUMER_POLL_INTERVAL" default:"1s"`
	CreateStream    bool          `envconfig:"COURIER_CONSUMER_CREATE_STREAM" default:"true"`
	ReclaimMinIdle  time.Duration `envconfig:"COURIER_CONSUMER_RECLAIM_MIN_IDLE" default:"1m"`
	ReclaimInterval time.Duration `envconfig:"COURIER_CONSUMER_RECLAIM_INTERVAL" default:"30s"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"COURIER_GCP_PROJECT_ID"`
}

type PubSubConfig struct {
	Topic string `envconfig:"COURIER_PUBSUB_TOPIC"`
}

type OpsConfig struct {
	Port string `envconfig:"COURIER_OPS_PORT" default:"9090"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
