package dispatchpool

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var ErrNotFound = errors.New("dispatch pool config not found")

type mongoRepository struct {
	pools *mongo.Collection
}

// NewRepository creates a new dispatch pool config repository
func NewRepository(db *mongo.Database) Repository {
	return &mongoRepository{pools: db.Collection("dispatch_pools")}
}

func (r *mongoRepository) FindAllEnabled(ctx context.Context) ([]*DispatchPool, error) {
	opts := options.Find().SetSort(bson.D{{Key: "code", Value: 1}})
	cursor, err := r.pools.Find(ctx, bson.M{"status": DispatchPoolStatusActive}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var pools []*DispatchPool
	if err := cursor.All(ctx, &pools); err != nil {
		return nil, err
	}
	return pools, nil
}

func (r *mongoRepository) Insert(ctx context.Context, pool *DispatchPool) error {
	now := time.Now()
	pool.CreatedAt = now
	pool.UpdatedAt = now
	_, err := r.pools.InsertOne(ctx, pool)
	return err
}

func (r *mongoRepository) Update(ctx context.Context, pool *DispatchPool) error {
	pool.UpdatedAt = time.Now()
	_, err := r.pools.ReplaceOne(ctx, bson.M{"_id": pool.ID}, pool)
	return err
}

func (r *mongoRepository) SetStatus(ctx context.Context, id string, status DispatchPoolStatus) error {
	_, err := r.pools.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": status, "updatedAt": time.Now()}},
	)
	return err
}

func (r *mongoRepository) Delete(ctx context.Context, id string) error {
	_, err := r.pools.DeleteOne(ctx, bson.M{"_id": id})
	return err
}
