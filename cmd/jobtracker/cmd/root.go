package cmd

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/G-Research/jobtracker/internal/common"
	commonconfig "github.com/G-Research/jobtracker/internal/common/config"
	"github.com/G-Research/jobtracker/internal/jobtracker/configuration"
)

const (
	defaultConfigPath = "./config/jobtracker"
	configFlag        = "config"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "jobtracker",
		Short:        "jobtracker follows extraction jobs from submission to report",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringSlice(configFlag, nil, "Fully qualified path to application configuration files, applied in order")

	cmd.AddCommand(
		runCmd(),
		processJobsCmd(),
		inspectCmd(),
		migrateCmd(),
	)
	return cmd
}

// loadConfig reads the default configuration overridden by the files given with --config, then validates it.
func loadConfig(cmd *cobra.Command) (*configuration.Configuration, error) {
	overrides, err := cmd.Flags().GetStringSlice(configFlag)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var config configuration.Configuration
	if _, err := common.LoadConfig(&config, defaultConfigPath, overrides, cmd.LocalFlags()); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		commonconfig.LogValidationErrors(err)
		return nil, errors.New("invalid configuration")
	}
	return &config, nil
}
