package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fathima-sithara/securechat/internal/domain"
)

type MongoKeyStore struct {
	coll    *mongo.Collection
	timeout time.Duration
}

func NewMongoKeyStore(ctx context.Context, coll *mongo.Collection, timeout time.Duration) (*MongoKeyStore, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ictx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := coll.Indexes().CreateMany(ictx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "device_id", Value: 1}},
			Options: options.Index().SetName("user_device_unique").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "is_active", Value: 1}, {Key: "updated_at", Value: -1}},
			Options: options.Index().SetName("user_active_idx"),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create device key indexes: %w", err)
	}
	return &MongoKeyStore{coll: coll, timeout: timeout}, nil
}

func (s *MongoKeyStore) UpsertKey(ctx context.Context, k domain.DeviceKey) (*domain.DeviceKey, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	createdAt := k.CreatedAt
	if createdAt.IsZero() {
		createdAt = k.UpdatedAt
	}
	filter := bson.M{"user_id": k.UserID, "device_id": k.DeviceID}
	update := bson.M{
		"$set": bson.M{
			"public_key":  k.PublicKey,
			"fingerprint": k.Fingerprint,
			"is_active":   true,
			"updated_at":  k.UpdatedAt,
		},
		"$setOnInsert": bson.M{"created_at": createdAt},
	}
	if _, err := s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return nil, err
	}

	var d deviceKeyDoc
	if err := s.coll.FindOne(ctx, filter).Decode(&d); err != nil {
		return nil, err
	}
	out := d.toDomain()
	return &out, nil
}

func (s *MongoKeyStore) GetKey(ctx context.Context, userID, deviceID string) (*domain.DeviceKey, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var d deviceKeyDoc
	err := s.coll.FindOne(ctx, bson.M{"user_id": userID, "device_id": deviceID}).Decode(&d)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	out := d.toDomain()
	return &out, nil
}

func (s *MongoKeyStore) ListActiveKeys(ctx context.Context, userIDs []string) ([]domain.DeviceKey, error) {
	out := []domain.DeviceKey{}
	if len(userIDs) == 0 {
		return out, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	filter := bson.M{"user_id": bson.M{"$in": userIDs}, "is_active": true}
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "device_id", Value: 1}})
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var d deviceKeyDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		out = append(out, d.toDomain())
	}
	return out, cur.Err()
}

func (s *MongoKeyStore) DeactivateKey(ctx context.Context, userID, deviceID string, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	filter := bson.M{"user_id": userID, "device_id": deviceID}
	res, err := s.coll.UpdateOne(ctx, bson.M{"user_id": userID, "device_id": deviceID, "is_active": true},
		bson.M{"$set": bson.M{"is_active": false, "updated_at": now}})
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}
	// already inactive is fine, missing is not
	n, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *MongoKeyStore) DeleteUserKeys(ctx context.Context, userID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.coll.DeleteMany(ctx, bson.M{"user_id": userID})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}
