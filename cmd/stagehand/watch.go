package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andrej220/stagehand/internal/lg"
	"github.com/andrej220/stagehand/internal/sink"
	"github.com/andrej220/stagehand/pkg/consumer"
	dm "github.com/andrej220/stagehand/pkg/shared-models"
)

func newWatchCmd() *cobra.Command {
	cfg := consumer.Config{Topic: sink.DefaultKafkaTopic}
	cmd := &cobra.Command{
		Use:     "watch",
		Short:   "Print stage reports as they are published to Kafka",
		Example: "stagehand watch --brokers localhost:9092",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := lg.New(&lg.Config{ServiceName: serviceName + "-watch", Format: "console"})
			defer log.Sync()

			c, err := consumer.NewConsumer[dm.StageReport](cfg, log)
			if err != nil {
				return err
			}
			defer c.Close()
			out := cmd.OutOrStdout()
			return c.Each(cmd.Context(), func(r dm.StageReport) error {
				printReport(out, r)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&cfg.Brokers, "brokers", []string{"localhost:9092"}, "kafka brokers")
	cmd.Flags().StringVar(&cfg.Topic, "topic", cfg.Topic, "report topic")
	cmd.Flags().StringVar(&cfg.GroupID, "group", "", "consumer group, resumes from committed offsets")
	return cmd
}

func printReport(w io.Writer, r dm.StageReport) {
	test := r.Test
	if test == "" {
		test = "-"
	}
	status := "ok"
	var failed []string
	for _, s := range r.Specs {
		if !s.Success {
			failed = append(failed, fmt.Sprintf("%q", s.Name))
		}
	}
	if !r.Success {
		status = "FAILED"
	}
	fmt.Fprintf(w, "%s %-12s %-12s %-6s %3d specs %7.2fs", r.Started.Format("15:04:05"), test, r.Stage, status, len(r.Specs), r.ElapsedSec)
	if len(failed) > 0 {
		fmt.Fprintf(w, "  failed: %s", strings.Join(failed, ", "))
	}
	fmt.Fprintln(w)
}
