package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/G-Research/jobtracker/internal/common/logging"
	"github.com/G-Research/jobtracker/internal/common/trackererrors"
)

// PostgresStore records processed keys in a postgres table, with a local LRU cache in front of it.
// Keys are removed by Cleanup once they are older than the configured lifespan. Removing keys does not
// evict them from the caches of other replicas.
type PostgresStore struct {
	cache     *simplelru.LRU
	db        *pgxpool.Pool
	tableName string
}

func NewPostgresStore(db *pgxpool.Pool, cacheSize int, tableName string) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.WithStack(&trackererrors.ErrInvalidArgument{
			Name:    "db",
			Value:   db,
			Message: "db must be non-nil",
		})
	}
	if tableName == "" {
		return nil, errors.WithStack(&trackererrors.ErrInvalidArgument{
			Name:    "TableName",
			Value:   tableName,
			Message: "TableName must be non-empty",
		})
	}
	cache, err := simplelru.NewLRU(cacheSize, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &PostgresStore{
		cache:     cache,
		db:        db,
		tableName: tableName,
	}, nil
}

func (s *PostgresStore) Seen(ctx context.Context, key string) (bool, error) {
	if _, ok := s.cache.Get(key); ok {
		return true, nil
	}
	var exists bool
	sql := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE key = $1)`, s.tableName)
	err := s.db.QueryRow(ctx, sql, key).Scan(&exists)
	if isUndefinedTable(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.WithStack(err)
	}
	if exists {
		s.cache.Add(key, struct{}{})
	}
	return exists, nil
}

// Mark inserts key. The table is created on first use.
func (s *PostgresStore) Mark(ctx context.Context, key string) error {
	err := s.insert(ctx, key)
	if isUndefinedTable(err) {
		if err := s.createTable(ctx); err != nil {
			return err
		}
		err = s.insert(ctx, key)
	}
	if err != nil {
		return err
	}
	s.cache.Add(key, struct{}{})
	return nil
}

func (s *PostgresStore) insert(ctx context.Context, key string) error {
	sql := fmt.Sprintf(`INSERT INTO %s (key, inserted) VALUES ($1, now()) ON CONFLICT (key) DO NOTHING`, s.tableName)
	_, err := s.db.Exec(ctx, sql, key)
	return errors.WithStack(err)
}

func (s *PostgresStore) createTable(ctx context.Context) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf(`CREATE TABLE %s (key text PRIMARY KEY, inserted timestamptz NOT NULL)`, s.tableName))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.DuplicateTable {
		// Someone else just created it
		return nil
	}
	return errors.WithStack(err)
}

// Cleanup removes all keys older than lifespan.
func (s *PostgresStore) Cleanup(ctx context.Context, lifespan time.Duration) error {
	sql := fmt.Sprintf(`DELETE FROM %s WHERE inserted <= (now() - $1::interval)`, s.tableName)
	_, err := s.db.Exec(ctx, sql, lifespan)
	if isUndefinedTable(err) {
		return nil
	}
	return errors.WithStack(err)
}

// PeriodicCleanup runs Cleanup every interval until ctx is cancelled.
func (s *PostgresStore) PeriodicCleanup(ctx context.Context, interval time.Duration, lifespan time.Duration) error {
	log := logrus.StandardLogger().WithField("service", "DedupCleanup")
	log.Info("service started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			start := time.Now()
			if err := s.Cleanup(ctx, lifespan); err != nil {
				logging.WithStacktrace(log, err).WithField("delay", time.Since(start)).Warn("cleanup failed")
			} else {
				log.WithField("delay", time.Since(start)).Debug("cleanup succeeded")
			}
		}
	}
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable
}
