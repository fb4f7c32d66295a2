package instance

import "github.com/angelmondragon/courier/pkg/env"

const defaultConsumerName = "worker-0"

// ConsumerName returns the identity this process uses inside a consumer group.
func ConsumerName() string {
	if id := env.First("COURIER_WORKER_ID", "WORKER_ID", "HOSTNAME"); id != "" {
		return id
	}
	return defaultConsumerName
}
