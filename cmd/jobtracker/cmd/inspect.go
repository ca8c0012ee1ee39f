package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"
	"k8s.io/utils/clock"

	"github.com/G-Research/jobtracker/internal/common/database"
	"github.com/G-Research/jobtracker/internal/common/trackererrors"
	"github.com/G-Research/jobtracker/internal/jobtracker/configuration"
	"github.com/G-Research/jobtracker/internal/jobtracker/jobstore"
	"github.com/G-Research/jobtracker/internal/jobtracker/jobstore/postgres"
	"github.com/G-Research/jobtracker/internal/jobtracker/model"
)

const defaultTimeout = 30 * time.Second

func inspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Inspect the job store",
	}
	cmd.AddCommand(inspectQuarantinedCmd())
	return cmd
}

func inspectQuarantinedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quarantined [jobId]",
		Short: "Print one quarantined job, or the causes of all quarantined jobs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()
			return withPostgresStore(ctx, config, func(store *postgres.JobStore) error {
				if len(args) == 1 {
					quarantined, err := store.GetQuarantinedJob(ctx, args[0])
					if trackererrors.IsNotFound(err) {
						return locateJob(ctx, store, args[0])
					}
					if err != nil {
						return err
					}
					return printYaml(cmd, quarantined)
				}
				quarantined, err := store.ListQuarantinedJobs(ctx)
				if err != nil {
					return err
				}
				for _, job := range quarantined {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", job.Job.JobId, job.QuarantinedAt.Format(time.RFC3339), job.Cause)
				}
				return nil
			})
		},
	}
}

// locateJob returns an error naming where a job that is not quarantined can be found.
func locateJob(ctx context.Context, store jobstore.JobStore, jobId string) error {
	_, err := store.GetJob(ctx, jobId)
	if err == nil {
		return errors.Errorf("job %s is still active", jobId)
	}
	if !trackererrors.IsNotFound(err) {
		return err
	}
	archived, err := store.GetArchivedJob(ctx, jobId)
	if err == nil {
		return errors.Errorf("job %s was archived at %s", jobId, archived.CompletedAt.Format(time.RFC3339))
	}
	if !trackererrors.IsNotFound(err) {
		return err
	}
	return errors.Errorf("job %s is unknown", jobId)
}

func printYaml(cmd *cobra.Command, quarantined *model.QuarantinedJob) error {
	data, err := yaml.Marshal(quarantined)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return errors.WithStack(err)
}

// withPostgresStore runs action against the postgres job store. Jobs held by the in-memory store are only
// visible to the process that owns them.
func withPostgresStore(ctx context.Context, config *configuration.Configuration, action func(store *postgres.JobStore) error) error {
	if config.Store.Type != configuration.PostgresStore {
		return errors.Errorf("inspection requires the postgres store, configured store is %s", config.Store.Type)
	}
	return withDb(ctx, config, func(db *pgxpool.Pool) error {
		store, err := postgres.NewJobStore(db, clock.RealClock{})
		if err != nil {
			return err
		}
		return action(store)
	})
}

func withDb(ctx context.Context, config *configuration.Configuration, action func(db *pgxpool.Pool) error) error {
	if config.Postgres == nil {
		return errors.New("no postgres connection configured")
	}
	db, err := database.OpenPgxPool(ctx, *config.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()
	return action(db)
}
