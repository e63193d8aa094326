package queueconfig

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var ErrNotFound = errors.New("queue config not found")

type mongoRepository struct {
	configs *mongo.Collection
}

// NewRepository creates a new queue config repository
func NewRepository(db *mongo.Database) Repository {
	return &mongoRepository{configs: db.Collection("queue_configs")}
}

func (r *mongoRepository) FindAllEnabled(ctx context.Context) ([]*QueueConfig, error) {
	opts := options.Find().SetSort(bson.D{{Key: "queueIdentifier", Value: 1}})
	cursor, err := r.configs.Find(ctx, bson.M{"status": QueueConfigStatusActive}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var configs []*QueueConfig
	if err := cursor.All(ctx, &configs); err != nil {
		return nil, err
	}
	return configs, nil
}

func (r *mongoRepository) FindByIdentifier(ctx context.Context, identifier string) (*QueueConfig, error) {
	var cfg QueueConfig
	err := r.configs.FindOne(ctx, bson.M{"queueIdentifier": identifier}).Decode(&cfg)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &cfg, nil
}

func (r *mongoRepository) Insert(ctx context.Context, cfg *QueueConfig) error {
	now := time.Now()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	_, err := r.configs.InsertOne(ctx, cfg)
	return err
}

func (r *mongoRepository) Update(ctx context.Context, cfg *QueueConfig) error {
	cfg.UpdatedAt = time.Now()
	_, err := r.configs.ReplaceOne(ctx, bson.M{"_id": cfg.ID}, cfg)
	return err
}

func (r *mongoRepository) SetStatus(ctx context.Context, id string, status QueueConfigStatus) error {
	_, err := r.configs.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": status, "updatedAt": time.Now()}},
	)
	return err
}

func (r *mongoRepository) Delete(ctx context.Context, id string) error {
	_, err := r.configs.DeleteOne(ctx, bson.M{"_id": id})
	return err
}
