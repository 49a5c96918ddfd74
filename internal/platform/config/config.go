package config

import (
	"os"
	"strings"
	"time"
)

// Server captures process-level configuration. Per-endpoint outbound call
// configuration lives with the gateway; this only covers what main needs to
// wire infrastructure.
type Server struct {
	Addr string

	Redis    RedisConfig
	Postgres PostgresConfig

	Kafka KafkaConfig

	// Webhook secrets keyed by source name, resolved from
	// BASTION_WEBHOOK_SECRET_<SOURCE> environment variables.
	WebhookSecrets map[string][]byte

	// Outbound endpoint base URLs keyed by endpoint name, resolved from
	// BASTION_ENDPOINT_<NAME> environment variables.
	EndpointTargets map[string]string
}

// RedisConfig configures the optional Redis client used for the idempotency
// key store. An empty URL disables Redis and falls back to in-memory stores.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// PostgresConfig configures the optional Postgres pool backing the usage
// ledger and the dead letter store. An empty URL falls back to memory.
type PostgresConfig struct {
	URL string
}

// KafkaConfig configures the optional audit event publisher. No brokers
// means events stay in the in-memory sink.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() Server {
	addr := os.Getenv("BASTION_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	topic := os.Getenv("BASTION_KAFKA_TOPIC")
	if topic == "" {
		topic = "bastion.audit"
	}

	var brokers []string
	if v := os.Getenv("BASTION_KAFKA_BROKERS"); v != "" {
		brokers = strings.Split(v, ",")
	}

	return Server{
		Addr: addr,
		Redis: RedisConfig{
			URL:          os.Getenv("BASTION_REDIS_URL"),
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Postgres: PostgresConfig{
			URL: os.Getenv("BASTION_POSTGRES_URL"),
		},
		Kafka: KafkaConfig{
			Brokers: brokers,
			Topic:   topic,
		},
		WebhookSecrets:  webhookSecretsFromEnv(os.Environ()),
		EndpointTargets: endpointTargetsFromEnv(os.Environ()),
	}
}

const (
	webhookSecretPrefix  = "BASTION_WEBHOOK_SECRET_"
	endpointTargetPrefix = "BASTION_ENDPOINT_"
)

// webhookSecretsFromEnv collects per-source webhook secrets. The source name
// is the lowercased suffix of the variable name.
func webhookSecretsFromEnv(environ []string) map[string][]byte {
	secrets := make(map[string][]byte)
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		source, found := strings.CutPrefix(name, webhookSecretPrefix)
		if !found || source == "" {
			continue
		}
		secrets[strings.ToLower(source)] = []byte(value)
	}
	return secrets
}

// endpointTargetsFromEnv collects outbound endpoint URLs. The endpoint name
// is the lowercased suffix of the variable name.
func endpointTargetsFromEnv(environ []string) map[string]string {
	targets := make(map[string]string)
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		endpoint, found := strings.CutPrefix(name, endpointTargetPrefix)
		if !found || endpoint == "" {
			continue
		}
		targets[strings.ToLower(endpoint)] = value
	}
	return targets
}
