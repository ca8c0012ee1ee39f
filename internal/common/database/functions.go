package database

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	commonconfig "github.com/G-Research/jobtracker/internal/common/config"
)

// CreateConnectionString renders libpq key/value connection parameters, sorted by key.
func CreateConnectionString(values map[string]string) string {
	// https://www.postgresql.org/docs/10/libpq-connect.html#id-1.7.3.8.3.5
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"='"+replacer.Replace(values[k])+"'")
	}
	return strings.Join(parts, " ")
}

func OpenPgxPool(ctx context.Context, config commonconfig.PostgresConfig) (*pgxpool.Pool, error) {
	connString := CreateConnectionString(config.Connection)
	if config.MaxOpenConns > 0 {
		connString += fmt.Sprintf(" pool_max_conns=%d", config.MaxOpenConns)
	}
	db, err := pgxpool.Connect(ctx, connString)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, errors.WithStack(err)
	}
	return db, nil
}
