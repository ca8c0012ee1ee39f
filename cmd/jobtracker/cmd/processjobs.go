package cmd

import (
	"context"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/G-Research/jobtracker/internal/common/pulsarutils"
	"github.com/G-Research/jobtracker/internal/jobtracker/controlplane"
)

func processJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process-jobs [jobId]",
		Short: "Ask running trackers to check one job, or all jobs, for completion now",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			jobId := ""
			if len(args) == 1 {
				jobId = args[0]
			}
			timeout, err := cmd.Flags().GetDuration("timeout")
			if err != nil {
				return errors.WithStack(err)
			}

			client, err := pulsarutils.NewPulsarClient(&config.Pulsar)
			if err != nil {
				return err
			}
			defer client.Close()
			producer, err := client.CreateProducer(pulsar.ProducerOptions{Topic: config.Topics.ControlPlane})
			if err != nil {
				return errors.WithStack(err)
			}
			defer producer.Close()

			publisher := controlplane.NewPublisher(producer, timeout, clock.RealClock{})
			messageId, err := publisher.PublishProcessJobs(context.Background(), jobId)
			if err != nil {
				return err
			}
			log.WithField("messageId", messageId).Info("Published process jobs command")
			return nil
		},
	}
	cmd.Flags().Duration("timeout", defaultTimeout, "How long to wait for the command to be published")
	return cmd
}
