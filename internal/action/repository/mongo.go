package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"campus-auth/backend/internal/action/domain"
)

// TokensCollection is the collection name used by MongoRepository.
const TokensCollection = "action_tokens"

type tokenDoc struct {
	TokenID   string     `bson:"_id"`
	AccountID string     `bson:"account_id"`
	DeviceID  string     `bson:"device_id,omitempty"`
	Action    string     `bson:"action"`
	Used      bool       `bson:"used"`
	UsedAt    *time.Time `bson:"used_at,omitempty"`
	ExpiresAt time.Time  `bson:"expires_at"`
	CreatedAt time.Time  `bson:"created_at"`
}

// MongoRepository stores action-link records keyed by token id.
type MongoRepository struct {
	coll *mongo.Collection
}

// NewMongoRepository returns an action-token repository over db's action_tokens collection.
func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{coll: db.Collection(TokensCollection)}
}

func (r *MongoRepository) Create(ctx context.Context, t *domain.Token) error {
	doc := tokenDoc{
		TokenID:   t.TokenID,
		AccountID: t.AccountID,
		DeviceID:  t.DeviceID,
		Action:    string(t.Action),
		ExpiresAt: t.ExpiresAt.UTC(),
		CreatedAt: t.CreatedAt.UTC(),
	}
	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateToken
		}
		return fmt.Errorf("action: create: %w", err)
	}
	return nil
}

func (r *MongoRepository) Get(ctx context.Context, tokenID string) (*domain.Token, error) {
	var d tokenDoc
	err := r.coll.FindOne(ctx, bson.M{"_id": tokenID}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("action: get: %w", err)
	}
	return &domain.Token{
		TokenID:   d.TokenID,
		AccountID: d.AccountID,
		DeviceID:  d.DeviceID,
		Action:    domain.Action(d.Action),
		Used:      d.Used,
		UsedAt:    d.UsedAt,
		ExpiresAt: d.ExpiresAt,
		CreatedAt: d.CreatedAt,
	}, nil
}

// MarkUsed filters on used=false so only one concurrent update can match.
func (r *MongoRepository) MarkUsed(ctx context.Context, tokenID string, at time.Time) (bool, error) {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": tokenID, "used": false},
		bson.M{"$set": bson.M{"used": true, "used_at": at.UTC()}})
	if err != nil {
		return false, fmt.Errorf("action: mark used: %w", err)
	}
	return res.ModifiedCount == 1, nil
}
