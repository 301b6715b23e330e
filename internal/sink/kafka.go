package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/andrej220/stagehand/internal/lg"
	dm "github.com/andrej220/stagehand/pkg/shared-models"
)

// DefaultKafkaTopic receives reports when KafkaConfig.Topic is empty.
const DefaultKafkaTopic = "stagehand-results"

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" json:"brokers" validate:"required,min=1,dive,hostname_port"`
	Topic   string   `yaml:"topic,omitempty" json:"topic,omitempty"`
}

type messageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Kafka publishes every report as one message keyed by its execution ID.
type Kafka struct {
	writer messageWriter
	topic  string
	log    lg.Logger
}

func NewKafka(cfg KafkaConfig, log lg.Logger) *Kafka {
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	return &Kafka{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			Async:                  false,
			AllowAutoTopicCreation: true,
		},
		topic: topic,
		log:   lg.OrDiscard(log),
	}
}

func (k *Kafka) Publish(ctx context.Context, r dm.StageReport) error {
	message, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("kafka sink: marshal report: %w", err)
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   r.ExecutionID[:],
		Value: message,
		Time:  time.Now(),
	})
	if err != nil {
		if errors.Is(err, kafka.UnknownTopicOrPartition) {
			k.log.Error("Kafka topic does not exist",
				lg.String("topic", k.topic),
				lg.String("action", "Create the topic manually or enable auto-creation"))
		}
		return fmt.Errorf("kafka sink: %w", err)
	}
	return nil
}

func (k *Kafka) Close() error { return k.writer.Close() }
