package configuration

import (
	"time"

	"github.com/go-playground/validator/v10"

	commonconfig "github.com/G-Research/jobtracker/internal/common/config"
)

const (
	MemoryStore   = "memory"
	PostgresStore = "postgres"

	NoDedup       = "none"
	MemoryDedup   = "memory"
	RedisDedup    = "redis"
	PostgresDedup = "postgres"

	LogNotifier    = "log"
	PulsarNotifier = "pulsar"
)

type Configuration struct {
	// Port on which prometheus metrics are served. Zero disables the metrics server
	MetricsPort uint16
	Store       StoreConfig
	// Required if Store.Type or Dedup.Type is postgres
	Postgres *commonconfig.PostgresConfig
	// Required if Dedup.Type is redis
	Redis  *commonconfig.RedisConfig
	Pulsar commonconfig.PulsarConfig
	Topics TopicsConfig
	// Prefix of the subscription names. Each consumer subscribes as <prefix>-<kind>
	SubscriptionPrefix string `validate:"required"`
	Buffer             BufferConfig
	Watcher            WatcherConfig
	Dedup              DedupConfig
	Report             ReportConfig
	Notifier           NotifierConfig
}

type StoreConfig struct {
	// Either "memory" or "postgres"
	Type string `validate:"oneof=memory postgres"`
	// Upper bound on every call the consumers, buffer and watcher make to the store
	OperationTimeout time.Duration `validate:"gt=0"`
}

type TopicsConfig struct {
	JobSubmissions  string `validate:"required"`
	FileCollections string `validate:"required"`
	FileOutcomes    string `validate:"required"`
	Verifications   string `validate:"required"`
	ControlPlane    string `validate:"required"`
	// Only used by the pulsar notifier
	Notifications string
	// Messages negatively acknowledged without requeue are published here. Empty discards them
	DeadLetter string
}

// BufferConfig controls the batching of verification outcomes.
type BufferConfig struct {
	// Pending count at which the enqueueing call flushes inline
	MaxUnacknowledgedMessages int `validate:"gt=0"`
	// Period of the timer-triggered flush
	FlushInterval time.Duration `validate:"gt=0"`
	// Number of consecutive failed flushes after which the tracker shuts down
	MaxConsecutiveFlushFailures int `validate:"gt=0"`
	// How often the verification consumer acknowledges persisted messages when no new ones arrive
	AckInterval time.Duration `validate:"gt=0"`
}

type WatcherConfig struct {
	PollInterval time.Duration `validate:"gt=0"`
	// Jobs with no activity for this long are quarantined. There is no default
	StalenessTimeout time.Duration `validate:"required,gt=0"`
}

// DedupConfig controls the idempotency keys recorded for submission and collection messages.
type DedupConfig struct {
	// One of "none", "memory", "redis" or "postgres"
	Type string `validate:"oneof=none memory redis postgres"`
	// How long a processed message id is remembered. Required unless Type is "none"
	Expiry time.Duration
	// How often expired ids are removed. Required by the postgres store only
	CleanupInterval time.Duration
}

type ReportConfig struct {
	// Reports are written to <OutputRoot>/<extraction dir>/reports/<job id>.yaml
	OutputRoot string `validate:"required"`
}

type NotifierConfig struct {
	// Either "log" or "pulsar"
	Type string `validate:"oneof=log pulsar"`
	// Timeout for publishing a notification
	SendTimeout time.Duration
}

func (c Configuration) Validate() error {
	validate := validator.New()
	validate.RegisterStructValidation(configurationValidation, Configuration{})
	return validate.Struct(c)
}

func configurationValidation(sl validator.StructLevel) {
	c := sl.Current().Interface().(Configuration)
	if (c.Store.Type == PostgresStore || c.Dedup.Type == PostgresDedup) && c.Postgres == nil {
		sl.ReportError(c.Postgres, "Postgres", "Postgres", "required_for_postgres", "")
	}
	if c.Dedup.Type != NoDedup && c.Dedup.Expiry <= 0 {
		sl.ReportError(c.Dedup.Expiry, "Expiry", "Expiry", "required_for_dedup", "")
	}
	if c.Dedup.Type == PostgresDedup && c.Dedup.CleanupInterval <= 0 {
		sl.ReportError(c.Dedup.CleanupInterval, "CleanupInterval", "CleanupInterval", "required_for_postgres_dedup", "")
	}
	if c.Dedup.Type == RedisDedup && c.Redis == nil {
		sl.ReportError(c.Redis, "Redis", "Redis", "required_for_redis", "")
	}
	if c.Notifier.Type == PulsarNotifier && c.Topics.Notifications == "" {
		sl.ReportError(c.Topics.Notifications, "Notifications", "Notifications", "required_for_pulsar_notifier", "")
	}
}
