package main

import (
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/andrej220/stagehand/internal/agent"
	"github.com/andrej220/stagehand/internal/lg"
	"github.com/andrej220/stagehand/internal/serverutil"
)

func newAgentCmd() *cobra.Command {
	var (
		alias  string
		debug  bool
		format string
	)
	cfg := serverutil.DefaultServerConfig()
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Serve command execution and file transfer for a remote orchestrator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if alias == "" {
				alias, _ = os.Hostname()
			}
			log := lg.New(&lg.Config{ServiceName: serviceName + "-agent", Debug: debug, Format: format})
			defer log.Sync()
			log = log.With(lg.String("alias", alias))
			log.Info("agent starting", lg.String("addr", cfg.Addr))
			return agent.New(alias, afero.NewOsFs(), log).Run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	cmd.Flags().DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "grace period for in-flight requests")
	cmd.Flags().StringVar(&alias, "alias", "", "name used in logs, defaults to the hostname")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	cmd.Flags().StringVar(&format, "log-format", "json", "log format: json or console")
	return cmd
}
