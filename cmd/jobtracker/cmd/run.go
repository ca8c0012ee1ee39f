package cmd

import (
	"github.com/spf13/cobra"

	"github.com/G-Research/jobtracker/internal/common/app"
	"github.com/G-Research/jobtracker/internal/jobtracker"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Consume pipeline messages and archive or quarantine jobs as they complete",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := app.CreateContextWithShutdown()
			defer cancel()
			return jobtracker.Run(ctx, config)
		},
	}
	cmd.Flags().Uint16("metricsPort", 0, "Port to serve prometheus metrics on, overriding the configured one")
	return cmd
}
