// Package jobtracker wires the extraction job tracker together.
package jobtracker

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/go-redis/redis"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/G-Research/jobtracker/internal/common"
	"github.com/G-Research/jobtracker/internal/common/database"
	"github.com/G-Research/jobtracker/internal/common/dedup"
	"github.com/G-Research/jobtracker/internal/common/logging"
	"github.com/G-Research/jobtracker/internal/common/pulsarutils"
	"github.com/G-Research/jobtracker/internal/jobtracker/configuration"
	"github.com/G-Research/jobtracker/internal/jobtracker/consumers"
	"github.com/G-Research/jobtracker/internal/jobtracker/controlplane"
	"github.com/G-Research/jobtracker/internal/jobtracker/jobstore"
	"github.com/G-Research/jobtracker/internal/jobtracker/jobstore/memory"
	"github.com/G-Research/jobtracker/internal/jobtracker/jobstore/postgres"
	"github.com/G-Research/jobtracker/internal/jobtracker/metrics"
	"github.com/G-Research/jobtracker/internal/jobtracker/notify"
	"github.com/G-Research/jobtracker/internal/jobtracker/report"
	"github.com/G-Research/jobtracker/internal/jobtracker/transport"
	"github.com/G-Research/jobtracker/internal/jobtracker/verification"
	"github.com/G-Research/jobtracker/internal/jobtracker/watcher"
)

const (
	dedupTableName = "processed_messages"
	dedupCacheSize = 10000
)

// Core holds the components that do not depend on the transport.
type Core struct {
	Store        jobstore.JobStore
	Buffer       *verification.Buffer[consumers.Delivery]
	Submissions  *consumers.JobSubmissionConsumer
	Collections  *consumers.FileCollectionConsumer
	Outcomes     *consumers.FileOutcomeConsumer
	Verification *consumers.VerificationConsumer
	Watcher      *watcher.Watcher
	ControlPlane *controlplane.Consumer
}

// NewCore builds the consumers, buffer and watcher around store. onFatal is called if the buffer cannot
// persist outcomes.
func NewCore(
	config *configuration.Configuration,
	store jobstore.JobStore,
	dedupStore dedup.Store,
	generator report.Generator,
	notifier notify.Notifier,
	clock clock.WithTicker,
	m *metrics.Metrics,
	onFatal func(error),
) *Core {
	timeout := config.Store.OperationTimeout
	buffer := verification.NewBuffer[consumers.Delivery](store, clock, verification.Options{
		MaxUnacknowledgedMessages:   config.Buffer.MaxUnacknowledgedMessages,
		FlushInterval:               config.Buffer.FlushInterval,
		MaxConsecutiveFlushFailures: config.Buffer.MaxConsecutiveFlushFailures,
		OperationTimeout:            timeout,
		OnFatal:                     onFatal,
	}, m)
	w := watcher.New(store, generator, notifier, clock, config.Watcher.PollInterval, config.Watcher.StalenessTimeout, timeout, m)
	return &Core{
		Store:        store,
		Buffer:       buffer,
		Submissions:  consumers.NewJobSubmissionConsumer(store, dedupStore, timeout, m),
		Collections:  consumers.NewFileCollectionConsumer(store, dedupStore, timeout, m),
		Outcomes:     consumers.NewFileOutcomeConsumer(store, timeout, m),
		Verification: consumers.NewVerificationConsumer(buffer, clock, config.Buffer.AckInterval, m),
		Watcher:      w,
		ControlPlane: controlplane.NewConsumer(w, m),
	}
}

// Run starts the tracker and blocks until ctx is cancelled or a component fails.
func Run(ctx context.Context, config *configuration.Configuration) error {
	logger := logging.NewComponentLogger("jobtracker")
	clk := clock.RealClock{}
	g, ctx := errgroup.WithContext(ctx)

	if config.MetricsPort != 0 {
		shutdownMetrics := common.ServeMetrics(config.MetricsPort)
		defer shutdownMetrics()
	}
	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	var db *pgxpool.Pool
	if config.Postgres != nil && (config.Store.Type == configuration.PostgresStore || config.Dedup.Type == configuration.PostgresDedup) {
		var err error
		db, err = database.OpenPgxPool(ctx, *config.Postgres)
		if err != nil {
			return errors.WithMessage(err, "connecting to postgres")
		}
		defer db.Close()
	}

	store, err := NewJobStore(ctx, config, db, clk)
	if err != nil {
		return err
	}
	dedupStore, err := newDedupStore(ctx, g, config, db)
	if err != nil {
		return err
	}

	pulsarClient, err := pulsarutils.NewPulsarClient(&config.Pulsar)
	if err != nil {
		return errors.WithMessage(err, "creating pulsar client")
	}
	defer pulsarClient.Close()

	var deadLetter pulsar.Producer
	if config.Topics.DeadLetter != "" {
		deadLetter, err = createProducer(pulsarClient, config, config.Topics.DeadLetter)
		if err != nil {
			return err
		}
		defer deadLetter.Close()
	}

	var notifier notify.Notifier = notify.NewLogNotifier()
	if config.Notifier.Type == configuration.PulsarNotifier {
		producer, err := createProducer(pulsarClient, config, config.Topics.Notifications)
		if err != nil {
			return err
		}
		defer producer.Close()
		notifier = notify.NewPulsarNotifier(producer, config.Notifier.SendTimeout, clk)
	}

	fatal := make(chan error, 1)
	onFatal := func(err error) {
		select {
		case fatal <- err:
		default:
		}
	}
	generator := report.NewSummaryGenerator(afero.NewOsFs(), config.Report.OutputRoot, clk)
	core := NewCore(config, store, dedupStore, generator, notifier, clk, m, onFatal)

	handlers := map[string]consumers.Consumer{
		config.Topics.JobSubmissions:  core.Submissions,
		config.Topics.FileCollections: core.Collections,
		config.Topics.FileOutcomes:    core.Outcomes,
		config.Topics.Verifications:   core.Verification,
		config.Topics.ControlPlane:    core.ControlPlane,
	}
	for topic, handler := range handlers {
		subscription := fmt.Sprintf("%s-%s", config.SubscriptionPrefix, handler.Kind())
		consumer, err := transport.Subscribe(pulsarClient, topic, subscription, config.Pulsar.SubscriptionType)
		if err != nil {
			return errors.WithMessagef(err, "subscribing to %s", topic)
		}
		defer consumer.Close()
		runner := transport.NewRunner(consumer, handler, deadLetter, config.Pulsar, clk)
		g.Go(func() error {
			return runner.Run(ctx)
		})
	}

	g.Go(func() error {
		return core.Buffer.Run(ctx)
	})
	g.Go(func() error {
		return core.Verification.Run(ctx)
	})
	g.Go(func() error {
		return core.Watcher.Run(ctx)
	})
	g.Go(func() error {
		select {
		case err := <-fatal:
			return err
		case <-ctx.Done():
			return nil
		}
	})

	logger.Infof("Job tracker started with %s store and %s de-duplication", config.Store.Type, config.Dedup.Type)
	err = g.Wait()
	logger.Info("Job tracker stopped")
	return err
}

// NewJobStore opens the store selected by config. db is required for the postgres store, whose migrations
// are applied before it is returned.
func NewJobStore(ctx context.Context, config *configuration.Configuration, db *pgxpool.Pool, clk clock.Clock) (jobstore.JobStore, error) {
	switch config.Store.Type {
	case configuration.MemoryStore:
		log.Warn("Using the in-memory job store; job state is lost on restart")
		return memory.NewJobStore(clk)
	case configuration.PostgresStore:
		if db == nil {
			return nil, errors.New("the postgres job store requires a postgres connection")
		}
		if err := Migrate(ctx, db); err != nil {
			return nil, err
		}
		return postgres.NewJobStore(db, clk)
	default:
		return nil, errors.Errorf("unknown store type %q", config.Store.Type)
	}
}

// Migrate brings the job store schema up to date.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	migrations, err := postgres.Migrations()
	if err != nil {
		return err
	}
	return errors.WithMessage(database.UpdateDatabase(ctx, db, migrations), "migrating job store")
}

func newDedupStore(ctx context.Context, g *errgroup.Group, config *configuration.Configuration, db *pgxpool.Pool) (dedup.Store, error) {
	switch config.Dedup.Type {
	case configuration.NoDedup, "":
		return dedup.NoopStore{}, nil
	case configuration.MemoryDedup:
		return dedup.NewMemoryStore(config.Dedup.Expiry), nil
	case configuration.RedisDedup:
		return dedup.NewRedisStore(redis.NewClient(config.Redis.AsOptions()), config.Dedup.Expiry), nil
	case configuration.PostgresDedup:
		store, err := dedup.NewPostgresStore(db, dedupCacheSize, dedupTableName)
		if err != nil {
			return nil, err
		}
		cleanupInterval := config.Dedup.CleanupInterval
		if cleanupInterval <= 0 {
			cleanupInterval = time.Hour
		}
		g.Go(func() error {
			return store.PeriodicCleanup(ctx, cleanupInterval, config.Dedup.Expiry)
		})
		return store, nil
	default:
		return nil, errors.Errorf("unknown de-duplication type %q", config.Dedup.Type)
	}
}

func createProducer(client pulsar.Client, config *configuration.Configuration, topic string) (pulsar.Producer, error) {
	producer, err := client.CreateProducer(pulsar.ProducerOptions{
		Topic:            topic,
		CompressionType:  config.Pulsar.CompressionType,
		CompressionLevel: config.Pulsar.CompressionLevel,
	})
	return producer, errors.Wrapf(err, "creating producer for %s", topic)
}
