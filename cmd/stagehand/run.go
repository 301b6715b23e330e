package main

import (
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/andrej220/stagehand/internal/lg"
	"github.com/andrej220/stagehand/internal/orchestrator"
	"github.com/andrej220/stagehand/internal/sink"
	"github.com/andrej220/stagehand/pkg/config"
)

type runOptions struct {
	configPath string
	resultsDir string
	tests      []string
	debug      bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run the task hooks and tests of a workload configuration",
		Example: "stagehand run -c stagehand.yaml --test ycsb_load --results reports",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorkload(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", config.DefaultFileName, "workload configuration file")
	cmd.Flags().StringVar(&opts.resultsDir, "results", "", "directory for stage reports and the effective configuration")
	cmd.Flags().StringSliceVarP(&opts.tests, "test", "t", nil, "test ids to run, all when empty")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "enable debug logging")
	return cmd
}

func runWorkload(cmd *cobra.Command, opts runOptions) error {
	fsys := afero.NewOsFs()
	cfg, err := config.Load(fsys, opts.configPath)
	if err != nil {
		return err
	}
	if opts.resultsDir != "" {
		cfg.Results.Dir = opts.resultsDir
	}
	if opts.debug {
		cfg.Log.Debug = true
	}
	if cfg.Log.ServiceName == "" {
		cfg.Log.ServiceName = serviceName
	}

	log := lg.New(&cfg.Log)
	defer log.Sync()

	ctx := cmd.Context()
	results, err := sink.Open(ctx, cfg.Results, fsys, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := results.Close(); err != nil {
			log.Warn("closing result sinks", lg.Err(err))
		}
	}()

	if cfg.Results.Dir != "" {
		if err := cfg.Save(fsys, cfg.Results.Dir); err != nil {
			log.Warn("cannot save effective configuration", lg.Err(err))
		}
	}

	o, err := orchestrator.New(cfg, cfg.Factory(fsys, log), results, log)
	if err != nil {
		return err
	}
	if err := o.Run(ctx, opts.tests...); err != nil {
		log.Error("task failed", lg.Err(err))
		return err
	}
	log.Info("task finished", lg.Int("stages", len(o.Results())))
	return nil
}
