package standby

import (
	"context"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// lockDocument is a distributed lock record in MongoDB
type lockDocument struct {
	ID         string    `bson:"_id"`
	InstanceID string    `bson:"instanceId"`
	ExpiresAt  time.Time `bson:"expiresAt"`
}

// MongoLockProvider implements distributed locking using a MongoDB
// collection, for deployments that run a Mongo replica set but no Redis.
type MongoLockProvider struct {
	locks *mongo.Collection
}

// NewMongoLockProvider creates a new MongoDB-based lock provider
func NewMongoLockProvider(db *mongo.Database) *MongoLockProvider {
	locks := db.Collection("leader_locks")

	indexModel := mongo.IndexModel{
		Keys: bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().
			SetExpireAfterSeconds(0).
			SetName("ttl_expiresAt"),
	}
	if _, err := locks.Indexes().CreateOne(context.Background(), indexModel); err != nil {
		slog.Debug("Could not create leader lock TTL index (may already exist)", "error", err)
	}

	return &MongoLockProvider{locks: locks}
}

// TryAcquire acquires the lock if it is unheld, expired, or already owned by
// this instance, via an atomic findOneAndUpdate upsert.
func (p *MongoLockProvider) TryAcquire(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	now := time.Now()
	filter := bson.M{
		"_id": key,
		"$or": []bson.M{
			{"expiresAt": bson.M{"$lt": now}},
			{"instanceId": instanceID},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"instanceId": instanceID,
			"expiresAt":  now.Add(ttl),
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var result lockDocument
	err := p.locks.FindOneAndUpdate(ctx, filter, update, opts).Decode(&result)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		if err == mongo.ErrNoDocuments {
			doc := lockDocument{ID: key, InstanceID: instanceID, ExpiresAt: now.Add(ttl)}
			if _, insertErr := p.locks.InsertOne(ctx, doc); insertErr != nil {
				if mongo.IsDuplicateKeyError(insertErr) {
					return false, nil
				}
				return false, insertErr
			}
			return true, nil
		}
		return false, err
	}

	return result.InstanceID == instanceID, nil
}

// Refresh extends the lock TTL if this instance still owns it
func (p *MongoLockProvider) Refresh(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	filter := bson.M{"_id": key, "instanceId": instanceID}
	update := bson.M{"$set": bson.M{"expiresAt": time.Now().Add(ttl)}}

	result, err := p.locks.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}
	return result.MatchedCount > 0, nil
}

// Release releases the lock if this instance owns it
func (p *MongoLockProvider) Release(ctx context.Context, key, instanceID string) error {
	_, err := p.locks.DeleteOne(ctx, bson.M{"_id": key, "instanceId": instanceID})
	return err
}

// GetHolder returns the current (non-expired) lock holder, or "" if unheld
func (p *MongoLockProvider) GetHolder(ctx context.Context, key string) (string, error) {
	var doc lockDocument
	err := p.locks.FindOne(ctx, bson.M{"_id": key, "expiresAt": bson.M{"$gt": time.Now()}}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return "", nil
		}
		return "", err
	}
	return doc.InstanceID, nil
}

// IsAvailable checks that MongoDB is reachable
func (p *MongoLockProvider) IsAvailable(ctx context.Context) bool {
	return p.locks.Database().Client().Ping(ctx, nil) == nil
}

// Close is a no-op; the MongoDB client's lifecycle is owned by the caller
func (p *MongoLockProvider) Close() error {
	return nil
}
