package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"campus-auth/backend/internal/session/domain"
)

// SessionsCollection is the collection name used by MongoRepository.
const SessionsCollection = "sessions"

type geoDoc struct {
	Country string `bson:"country"`
	Region  string `bson:"region"`
	City    string `bson:"city"`
}

type sessionDoc struct {
	ID               string     `bson:"_id"`
	AccountID        string     `bson:"account_id"`
	DeviceID         string     `bson:"device_id"`
	RefreshTokenHash string     `bson:"refresh_token_hash"`
	TokenIdentifier  string     `bson:"token_identifier"`
	AccessExpiresAt  time.Time  `bson:"access_expires_at"`
	ExpiresAt        time.Time  `bson:"expires_at"`
	CreatedAt        time.Time  `bson:"created_at"`
	LastUsedAt       time.Time  `bson:"last_used_at"`
	IsRevoked        bool       `bson:"is_revoked"`
	RevokedAt        *time.Time `bson:"revoked_at,omitempty"`
	Trusted          bool       `bson:"trusted"`
	TrustVerifiedAt  *time.Time `bson:"trust_verified_at,omitempty"`
	IP               string     `bson:"ip"`
	UserAgent        string     `bson:"user_agent"`
	Geo              *geoDoc    `bson:"geo,omitempty"`
	RiskScore        int        `bson:"risk_score"`
}

// MongoRepository stores sessions in a MongoDB collection. Conditional updates use single-document
// atomic operations, so the rotation guarantee matches the Postgres store.
type MongoRepository struct {
	coll *mongo.Collection
}

// NewMongoRepository returns a session repository over db's sessions collection.
func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{coll: db.Collection(SessionsCollection)}
}

// EnsureIndexes creates the unique device index and the lookup indexes.
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "device_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "device_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "refresh_token_hash", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("session: ensure indexes: %w", err)
	}
	return nil
}

// Create inserts s.
func (r *MongoRepository) Create(ctx context.Context, s *domain.Session) error {
	if _, err := r.coll.InsertOne(ctx, toDoc(s)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateDevice
		}
		return fmt.Errorf("session: create: %w", err)
	}
	return nil
}

// GetByDeviceID returns the session for deviceID, or nil.
func (r *MongoRepository) GetByDeviceID(ctx context.Context, deviceID string) (*domain.Session, error) {
	return decodeOne(r.coll.FindOne(ctx, bson.M{"device_id": deviceID}))
}

// LatestByAccount returns the newest session of the account, or nil.
func (r *MongoRepository) LatestByAccount(ctx context.Context, accountID string) (*domain.Session, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	return decodeOne(r.coll.FindOne(ctx, bson.M{"account_id": accountID}, opts))
}

// ListByAccount returns the account's sessions, newest first.
func (r *MongoRepository) ListByAccount(ctx context.Context, accountID string) ([]*domain.Session, error) {
	return r.find(ctx, bson.M{"account_id": accountID})
}

// Rotate swaps in gen with a filtered UpdateOne; MatchedCount tells whether the condition held.
func (r *MongoRepository) Rotate(ctx context.Context, id, presentedHash string, gen domain.Generation) (bool, error) {
	filter := bson.M{
		"_id":                id,
		"refresh_token_hash": presentedHash,
		"is_revoked":         false,
		"expires_at":         bson.M{"$gte": gen.LastUsedAt.UTC()},
	}
	set := bson.M{
		"refresh_token_hash": gen.RefreshTokenHash,
		"token_identifier":   gen.TokenIdentifier,
		"access_expires_at":  gen.AccessExpiresAt.UTC(),
		"expires_at":         gen.ExpiresAt.UTC(),
		"last_used_at":       gen.LastUsedAt.UTC(),
		"ip":                 gen.Origin.IP,
		"user_agent":         gen.Origin.UserAgent,
		"risk_score":         gen.RiskScore,
	}
	update := bson.M{"$set": set}
	if g := toGeoDoc(gen.Origin.Geo); g != nil {
		set["geo"] = g
	} else {
		update["$unset"] = bson.M{"geo": ""}
	}
	res, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("session: rotate: %w", err)
	}
	return res.MatchedCount == 1, nil
}

// Revoke marks session id revoked if it is still active.
func (r *MongoRepository) Revoke(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "is_revoked": false},
		bson.M{"$set": bson.M{"is_revoked": true, "revoked_at": at.UTC()}})
	if err != nil {
		return false, fmt.Errorf("session: revoke: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

// RevokeDevice revokes the account's session on deviceID and returns it.
func (r *MongoRepository) RevokeDevice(ctx context.Context, accountID, deviceID string, at time.Time) (*domain.Session, bool, error) {
	filter := bson.M{"account_id": accountID, "device_id": deviceID}
	s, err := decodeOne(r.coll.FindOneAndUpdate(ctx,
		bson.M{"account_id": accountID, "device_id": deviceID, "is_revoked": false},
		bson.M{"$set": bson.M{"is_revoked": true, "revoked_at": at.UTC()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)))
	if err != nil {
		return nil, false, err
	}
	if s != nil {
		return s, true, nil
	}
	s, err = decodeOne(r.coll.FindOne(ctx, filter))
	return s, false, err
}

// RevokeByRefreshHash revokes the active session holding hash.
func (r *MongoRepository) RevokeByRefreshHash(ctx context.Context, hash string, at time.Time) (*domain.Session, error) {
	return decodeOne(r.coll.FindOneAndUpdate(ctx,
		bson.M{"refresh_token_hash": hash, "is_revoked": false},
		bson.M{"$set": bson.M{"is_revoked": true, "revoked_at": at.UTC()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)))
}

// RevokeAllByAccount revokes every active session of the account. Sessions are revoked one at a
// time so each returned session is one this call actually changed.
func (r *MongoRepository) RevokeAllByAccount(ctx context.Context, accountID string, at time.Time) ([]*domain.Session, error) {
	var out []*domain.Session
	for {
		s, err := decodeOne(r.coll.FindOneAndUpdate(ctx,
			bson.M{"account_id": accountID, "is_revoked": false},
			bson.M{"$set": bson.M{"is_revoked": true, "revoked_at": at.UTC()}},
			options.FindOneAndUpdate().SetReturnDocument(options.After)))
		if err != nil {
			return out, fmt.Errorf("session: revoke all: %w", err)
		}
		if s == nil {
			return out, nil
		}
		out = append(out, s)
	}
}

// MarkTrusted trusts the account's device session.
func (r *MongoRepository) MarkTrusted(ctx context.Context, accountID, deviceID string, at time.Time) (bool, error) {
	filter := bson.M{"account_id": accountID, "device_id": deviceID}
	res, err := r.coll.UpdateOne(ctx, filter, mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"trusted":           true,
			"trust_verified_at": bson.M{"$ifNull": bson.A{"$trust_verified_at", at.UTC()}},
		}}},
	})
	if err != nil {
		return false, fmt.Errorf("session: mark trusted: %w", err)
	}
	return res.MatchedCount == 1, nil
}

func (r *MongoRepository) find(ctx context.Context, filter bson.M) ([]*domain.Session, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	cursor, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("session: find: %w", err)
	}
	defer cursor.Close(ctx)
	var docs []sessionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("session: decode: %w", err)
	}
	out := make([]*domain.Session, len(docs))
	for i := range docs {
		out[i] = fromDoc(&docs[i])
	}
	return out, nil
}

func decodeOne(res *mongo.SingleResult) (*domain.Session, error) {
	var d sessionDoc
	if err := res.Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: decode: %w", err)
	}
	return fromDoc(&d), nil
}

func toGeoDoc(g *domain.Geo) *geoDoc {
	if g == nil {
		return nil
	}
	return &geoDoc{Country: g.Country, Region: g.Region, City: g.City}
}

func toDoc(s *domain.Session) *sessionDoc {
	return &sessionDoc{
		ID:               s.ID,
		AccountID:        s.AccountID,
		DeviceID:         s.DeviceID,
		RefreshTokenHash: s.RefreshTokenHash,
		TokenIdentifier:  s.TokenIdentifier,
		AccessExpiresAt:  s.AccessExpiresAt.UTC(),
		ExpiresAt:        s.ExpiresAt.UTC(),
		CreatedAt:        s.CreatedAt.UTC(),
		LastUsedAt:       s.LastUsedAt.UTC(),
		IsRevoked:        s.IsRevoked,
		RevokedAt:        s.RevokedAt,
		Trusted:          s.Trusted,
		TrustVerifiedAt:  s.TrustVerifiedAt,
		IP:               s.Origin.IP,
		UserAgent:        s.Origin.UserAgent,
		Geo:              toGeoDoc(s.Origin.Geo),
		RiskScore:        s.RiskScore,
	}
}

func fromDoc(d *sessionDoc) *domain.Session {
	s := &domain.Session{
		ID:               d.ID,
		AccountID:        d.AccountID,
		DeviceID:         d.DeviceID,
		RefreshTokenHash: d.RefreshTokenHash,
		TokenIdentifier:  d.TokenIdentifier,
		AccessExpiresAt:  d.AccessExpiresAt,
		ExpiresAt:        d.ExpiresAt,
		CreatedAt:        d.CreatedAt,
		LastUsedAt:       d.LastUsedAt,
		IsRevoked:        d.IsRevoked,
		RevokedAt:        d.RevokedAt,
		Trusted:          d.Trusted,
		TrustVerifiedAt:  d.TrustVerifiedAt,
		Origin:           domain.Origin{IP: d.IP, UserAgent: d.UserAgent},
		RiskScore:        d.RiskScore,
	}
	if d.Geo != nil {
		s.Origin.Geo = &domain.Geo{Country: d.Geo.Country, Region: d.Geo.Region, City: d.Geo.City}
	}
	return s
}
