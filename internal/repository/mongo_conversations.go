package repository

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fathima-sithara/securechat/internal/domain"
	"github.com/fathima-sithara/securechat/internal/metric"
)

var errVersionConflict = errors.New("version conflict")

// MongoConversationStore keeps each conversation, messages included, in one
// document. Writes are compare-and-swap on the version field.
type MongoConversationStore struct {
	coll       *mongo.Collection
	timeout    time.Duration
	maxRetries uint64
}

func NewMongoConversationStore(ctx context.Context, coll *mongo.Collection, timeout time.Duration, maxRetries int) (*MongoConversationStore, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	r := &MongoConversationStore{coll: coll, timeout: timeout, maxRetries: uint64(maxRetries)}

	ictx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := coll.Indexes().CreateMany(ictx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "participants", Value: 1}, {Key: "updated_at", Value: -1}},
			Options: options.Index().SetName("participants_updated_idx"),
		},
		{
			Keys: bson.D{{Key: "pair_key", Value: 1}},
			Options: options.Index().
				SetName("pair_key_unique").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"pair_key": bson.M{"$type": "string"}}),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create conversation indexes: %w", err)
	}
	return r, nil
}

func (r *MongoConversationStore) Create(ctx context.Context, c *domain.Conversation) (*domain.Conversation, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	pk := c.PairKey()
	if pk != "" {
		existing, err := r.findOne(ctx, bson.M{"pair_key": pk})
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, false, err
		}
	}

	stored := c.Clone()
	stored.Version = 1
	if _, err := r.coll.InsertOne(ctx, toConversationDoc(stored)); err != nil {
		if mongo.IsDuplicateKeyError(err) && pk != "" {
			// lost a create race for the same pair
			existing, ferr := r.findOne(ctx, bson.M{"pair_key": pk})
			if ferr != nil {
				return nil, false, ferr
			}
			return existing, false, nil
		}
		return nil, false, err
	}
	return stored, true, nil
}

func (r *MongoConversationStore) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *MongoConversationStore) findOne(ctx context.Context, filter bson.M) (*domain.Conversation, error) {
	var d conversationDoc
	if err := r.coll.FindOne(ctx, filter).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrConversationNotFound
		}
		return nil, err
	}
	return d.toDomain(), nil
}

func (r *MongoConversationStore) ListForUser(ctx context.Context, userID string) ([]*domain.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	opts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: -1}}).
		SetProjection(bson.M{"messages": 0})
	cur, err := r.coll.Find(ctx, bson.M{"participants": userID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := []*domain.Conversation{}
	for cur.Next(ctx) {
		var d conversationDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		out = append(out, d.toDomain())
	}
	return out, cur.Err()
}

func (r *MongoConversationStore) ListIDsForUser(ctx context.Context, userID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cur, err := r.coll.Find(ctx, bson.M{"participants": userID}, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	ids := []string{}
	for cur.Next(ctx) {
		var d struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		ids = append(ids, d.ID)
	}
	return ids, cur.Err()
}

func (r *MongoConversationStore) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, r.maxRetries), ctx)
}

// Update loads the aggregate, applies mutate to it and writes it back only if
// nobody else has written in between, retrying on conflict.
func (r *MongoConversationStore) Update(ctx context.Context, id string, mutate MutateFunc) (*domain.Conversation, error) {
	var out *domain.Conversation
	op := func() error {
		octx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		cur, err := r.findOne(octx, bson.M{"_id": id})
		if err != nil {
			return backoff.Permanent(err)
		}
		prev := cur.Version
		if err := mutate(cur); err != nil {
			return backoff.Permanent(err)
		}
		cur.Version = prev + 1

		res, err := r.coll.ReplaceOne(octx, bson.M{"_id": id, "version": prev}, toConversationDoc(cur))
		if err != nil {
			return backoff.Permanent(err)
		}
		if res.MatchedCount == 0 {
			metric.StoreConflicts.Inc()
			return errVersionConflict
		}
		out = cur
		return nil
	}
	if err := backoff.Retry(op, r.retryPolicy(ctx)); err != nil {
		if errors.Is(err, errVersionConflict) {
			return nil, fmt.Errorf("%w: conversation %s is busy, try again", domain.ErrConflict, id)
		}
		return nil, err
	}
	return out, nil
}

func (r *MongoConversationStore) Delete(ctx context.Context, id string, guard func(*domain.Conversation) error) (*domain.Conversation, error) {
	var out *domain.Conversation
	op := func() error {
		octx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		cur, err := r.findOne(octx, bson.M{"_id": id})
		if err != nil {
			return backoff.Permanent(err)
		}
		if guard != nil {
			if err := guard(cur); err != nil {
				return backoff.Permanent(err)
			}
		}
		res, err := r.coll.DeleteOne(octx, bson.M{"_id": id, "version": cur.Version})
		if err != nil {
			return backoff.Permanent(err)
		}
		if res.DeletedCount == 0 {
			metric.StoreConflicts.Inc()
			return errVersionConflict
		}
		out = cur
		return nil
	}
	if err := backoff.Retry(op, r.retryPolicy(ctx)); err != nil {
		if errors.Is(err, errVersionConflict) {
			return nil, fmt.Errorf("%w: conversation %s is busy, try again", domain.ErrConflict, id)
		}
		return nil, err
	}
	return out, nil
}

func (r *MongoConversationStore) Search(ctx context.Context, userID, query, conversationID string, limit int) ([]domain.SearchHit, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	match := bson.M{"participants": userID}
	if conversationID != "" {
		match["_id"] = conversationID
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$unwind", Value: "$messages"}},
		{{Key: "$match", Value: bson.M{
			"messages.deleted_at": nil,
			"messages.encrypted":  false,
			"messages.content":    bson.M{"$regex": regexp.QuoteMeta(query), "$options": "i"},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "messages.created_at", Value: -1}}}},
	}
	if limit > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$limit", Value: limit}})
	}
	pipeline = append(pipeline, bson.D{{Key: "$project", Value: bson.M{"_id": 0, "conversation_id": "$_id", "message": "$messages"}}})

	cur, err := r.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	hits := []domain.SearchHit{}
	for cur.Next(ctx) {
		var row struct {
			ConversationID string     `bson:"conversation_id"`
			Message        messageDoc `bson:"message"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		hits = append(hits, domain.SearchHit{ConversationID: row.ConversationID, Message: row.Message.toDomain()})
	}
	return hits, cur.Err()
}
