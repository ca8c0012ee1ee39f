package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	commonconfig "github.com/G-Research/jobtracker/internal/common/config"
	"github.com/G-Research/jobtracker/internal/common/util"
)

const testConnectionString = "host=localhost port=5432 user=postgres password=psw sslmode=disable"

// ErrNoTestDatabase is returned by WithTestDb when no local Postgres instance accepts connections.
var ErrNoTestDatabase = errors.New("no postgres instance available for tests")

// WithTestDb spins up a Postgres database for testing
//
//	migrations: perform the list of migrations before entering the action callback
//	configOverride: optional PostgresConfig to specify which instance to connect to. Defaults to localhost
//	                note: if an override is specified, the database will not be cleaned up after the test
//	action: callback for client code
func WithTestDb(migrations []Migration, configOverride *commonconfig.PostgresConfig, action func(db *pgxpool.Pool) error) error {
	ctx := context.Background()

	var testDbPool *pgxpool.Pool
	if configOverride != nil {
		db, err := OpenPgxPool(ctx, *configOverride)
		if err != nil {
			return errors.WithStack(err)
		}
		testDbPool = db
		defer testDbPool.Close()
	} else {
		// Connect and create a dedicated database for the test
		dbName := "test_" + util.NewULID()
		db, err := pgx.Connect(ctx, testConnectionString)
		if err != nil {
			return errors.Wrap(ErrNoTestDatabase, err.Error())
		}
		defer db.Close(ctx)

		_, err = db.Exec(ctx, "CREATE DATABASE "+dbName)
		if err != nil {
			return errors.WithStack(err)
		}

		// Connect again: this time to the database we just created. This is the database we use for tests
		testDbPool, err = pgxpool.Connect(ctx, testConnectionString+" dbname="+dbName)
		if err != nil {
			return errors.WithStack(err)
		}

		defer func() {
			testDbPool.Close()
			// disconnect all db user before cleanup
			_, err = db.Exec(ctx,
				`SELECT pg_terminate_backend(pg_stat_activity.pid)
			 FROM pg_stat_activity WHERE pg_stat_activity.datname = '`+dbName+`';`)
			if err != nil {
				fmt.Println("Failed to disconnect users")
			}

			_, err = db.Exec(ctx, "DROP DATABASE "+dbName)
			if err != nil {
				fmt.Println("Failed to drop database")
			}
		}()
	}

	err := UpdateDatabase(ctx, testDbPool, migrations)
	if err != nil {
		return errors.WithStack(err)
	}

	return action(testDbPool)
}
