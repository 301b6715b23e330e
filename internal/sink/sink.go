// Package sink publishes stage reports to result stores.
package sink

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"github.com/andrej220/stagehand/internal/lg"
	dm "github.com/andrej220/stagehand/pkg/shared-models"
)

type Sink interface {
	Publish(ctx context.Context, report dm.StageReport) error
	Close() error
}

type Config struct {
	// Dir enables the file sink.
	Dir   string       `yaml:"dir,omitempty" json:"dir,omitempty"`
	Kafka *KafkaConfig `yaml:"kafka,omitempty" json:"kafka,omitempty"`
	Mongo *MongoConfig `yaml:"mongo,omitempty" json:"mongo,omitempty"`
}

// Open builds every sink enabled in cfg. With none enabled reports are only logged.
func Open(ctx context.Context, cfg Config, fsys afero.Fs, log lg.Logger) (Sink, error) {
	log = lg.OrDiscard(log)
	var sinks Multi
	if cfg.Dir != "" {
		sinks = append(sinks, NewFile(fsys, cfg.Dir))
	}
	if cfg.Kafka != nil {
		sinks = append(sinks, NewKafka(*cfg.Kafka, log))
	}
	if cfg.Mongo != nil {
		m, err := NewMongo(ctx, *cfg.Mongo, log)
		if err != nil {
			sinks.Close()
			return nil, err
		}
		sinks = append(sinks, m)
	}
	return append(sinks, Log{log}), nil
}

// Multi publishes to every sink and merges their failures.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, report dm.StageReport) error {
	var result *multierror.Error
	for _, s := range m {
		if err := s.Publish(ctx, report); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (m Multi) Close() error {
	var result *multierror.Error
	for _, s := range m {
		if err := s.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Log writes a one-line account of each report.
type Log struct {
	Logger lg.Logger
}

func (l Log) Publish(_ context.Context, r dm.StageReport) error {
	failed := 0
	for _, s := range r.Specs {
		if !s.Success {
			failed++
		}
	}
	fields := []lg.Field{
		lg.String("exuid", r.ExecutionID.String()),
		lg.String("test", r.Test),
		lg.String("stage", r.Stage),
		lg.Int("specs", len(r.Specs)),
		lg.Int("failed", failed),
		lg.Float64("elapsed_sec", r.ElapsedSec),
	}
	if r.Success {
		lg.OrDiscard(l.Logger).Info("stage report", fields...)
	} else {
		lg.OrDiscard(l.Logger).Warn("stage report", fields...)
	}
	return nil
}

func (Log) Close() error { return nil }

func reportName(r dm.StageReport) string {
	test := r.Test
	if test == "" {
		test = "task"
	}
	return fmt.Sprintf("%s/%s-%s.json", test, r.Stage, r.ExecutionID)
}
