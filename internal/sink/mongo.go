package sink

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/andrej220/stagehand/internal/lg"
	dm "github.com/andrej220/stagehand/pkg/shared-models"
)

const connectTimeout = 10 * time.Second

type MongoConfig struct {
	URI        string `yaml:"uri" json:"uri" validate:"required"`
	Database   string `yaml:"database" json:"database" validate:"required"`
	Collection string `yaml:"collection,omitempty" json:"collection,omitempty"`
}

type collection interface {
	InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
}

// reportDocument stores a report under its execution ID.
type reportDocument struct {
	ID             string `bson:"_id"`
	dm.StageReport `bson:",inline"`
}

// Mongo inserts one document per report.
type Mongo struct {
	client *mongo.Client
	coll   collection
	log    lg.Logger
}

func NewMongo(ctx context.Context, cfg MongoConfig, log lg.Logger) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	name := cfg.Collection
	if name == "" {
		name = "stage_reports"
	}
	return &Mongo{
		client: client,
		coll:   client.Database(cfg.Database).Collection(name),
		log:    lg.OrDiscard(log),
	}, nil
}

func (m *Mongo) Publish(ctx context.Context, r dm.StageReport) error {
	doc := reportDocument{ID: r.ExecutionID.String(), StageReport: r}
	if _, err := m.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("mongo sink: InsertOne failed: %w", err)
	}
	m.log.Debug("report stored", lg.String("exuid", doc.ID))
	return nil
}

func (m *Mongo) Close() error {
	if m.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	return m.client.Disconnect(ctx)
}
