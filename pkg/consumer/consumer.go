// Package consumer reads JSON documents from a Kafka topic.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/segmentio/kafka-go"

	"github.com/andrej220/stagehand/internal/lg"
)

type Config struct {
	Brokers []string `yaml:"brokers" json:"brokers" validate:"required,min=1,dive,hostname_port"`
	Topic   string   `yaml:"topic" json:"topic" validate:"required"`
	// GroupID enables committed offsets; without it every run starts at the newest message.
	GroupID string `yaml:"group_id,omitempty" json:"group_id,omitempty"`
}

var validate = validator.New()

type messageReader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

type Consumer[T any] struct {
	reader messageReader
	commit bool
	log    lg.Logger
}

func NewConsumer[T any](cfg Config, log lg.Logger) (*Consumer[T], error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("consumer config: %w", err)
	}
	rc := kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		GroupID: cfg.GroupID,
		Topic:   cfg.Topic,
	}
	if cfg.GroupID == "" {
		rc.StartOffset = kafka.LastOffset
	}
	return &Consumer[T]{reader: kafka.NewReader(rc), commit: cfg.GroupID != "", log: lg.OrDiscard(log)}, nil
}

// Read returns the next document. A message that does not decode is returned
// as a *DecodeError and is committed, so the next Read moves past it.
func (c *Consumer[T]) Read(ctx context.Context) (T, error) {
	var zero T

	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return zero, err
	}

	var payload T
	decodeErr := json.Unmarshal(msg.Value, &payload)
	if c.commit {
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return zero, err
		}
	}
	if decodeErr != nil {
		return zero, &DecodeError{Partition: msg.Partition, Offset: msg.Offset, Err: decodeErr}
	}
	return payload, nil
}

// Each calls fn for every document until ctx is done or fn returns an error.
// Undecodable messages are logged and skipped.
func (c *Consumer[T]) Each(ctx context.Context, fn func(T) error) error {
	for {
		v, err := c.Read(ctx)
		var de *DecodeError
		switch {
		case errors.As(err, &de):
			c.log.Warn("skipping malformed message", lg.Int("partition", de.Partition), lg.Any("offset", de.Offset), lg.Err(de.Err))
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := fn(v); err != nil {
			return err
		}
	}
}

func (c *Consumer[T]) Close() error {
	return c.reader.Close()
}

type DecodeError struct {
	Partition int
	Offset    int64
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("message %d/%d: %v", e.Partition, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
