// Package mongo implements the License Store on MongoDB.
//
// Records written by older deployments may lack status; they are read as
// ASSIGNED when machineId is empty and ACTIVATED otherwise.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"keyserver/internal/config"
	apperrors "keyserver/internal/errors"
	"keyserver/internal/license"
)

const (
	keyIndexName    = "licenseKey_unique"
	userIDIndexName = "userId_unique"
)

// licenseDoc is the stored shape. Field names match existing collections.
type licenseDoc struct {
	LicenseKey  string     `bson:"licenseKey"`
	Email       string     `bson:"email"`
	UserID      string     `bson:"userId,omitempty"`
	Name        string     `bson:"name,omitempty"`
	Phone       string     `bson:"phoneNumber,omitempty"`
	Status      string     `bson:"status,omitempty"`
	MachineID   *string    `bson:"machineId"`
	CreatedAt   time.Time  `bson:"createdAt"`
	ActivatedAt *time.Time `bson:"activatedAt,omitempty"`
}

func toDoc(lic *license.License) licenseDoc {
	doc := licenseDoc{
		LicenseKey:  lic.LicenseKey,
		Email:       lic.Email,
		UserID:      lic.UserID,
		Name:        lic.Name,
		Phone:       lic.Phone,
		Status:      string(lic.Status),
		CreatedAt:   lic.CreatedAt,
		ActivatedAt: lic.ActivatedAt,
	}
	if lic.MachineID != "" {
		m := lic.MachineID
		doc.MachineID = &m
	}
	return doc
}

func (d licenseDoc) toLicense() *license.License {
	lic := &license.License{
		LicenseKey: d.LicenseKey,
		Email:      d.Email,
		UserID:     d.UserID,
		Name:       d.Name,
		Phone:      d.Phone,
		Status:     license.Status(d.Status),
		CreatedAt:  d.CreatedAt.UTC(),
	}
	if d.MachineID != nil {
		lic.MachineID = *d.MachineID
	}
	if d.ActivatedAt != nil {
		at := d.ActivatedAt.UTC()
		lic.ActivatedAt = &at
	}
	return lic
}

// Store persists licenses in one collection.
type Store struct {
	coll   *mongo.Collection
	logger *slog.Logger
}

// New wraps an existing collection.
func New(coll *mongo.Collection, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{coll: coll, logger: logger.With(slog.String("component", "mongo_store"))}
}

// Open connects to cfg.MongoURI, pings, and ensures the indexes. The
// returned close func disconnects the client.
func Open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*Store, func(), error) {
	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, nil, apperrors.NewStorageError("connect mongo", err)
	}
	disconnect := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Disconnect(ctx)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		disconnect()
		return nil, nil, apperrors.NewStorageError("mongo ping failed", err)
	}

	store := New(client.Database(cfg.MongoDatabase).Collection(cfg.MongoCollection), logger)
	if err := store.EnsureIndexes(connectCtx); err != nil {
		disconnect()
		return nil, nil, err
	}
	store.logger.Info("mongo license store ready",
		slog.String("database", cfg.MongoDatabase),
		slog.String("collection", cfg.MongoCollection))
	return store, disconnect, nil
}

// EnsureIndexes creates the unique indexes on licenseKey and userId. The
// userId index is partial so that legacy records without one coexist.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "licenseKey", Value: 1}},
			Options: options.Index().SetName(keyIndexName).SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "userId", Value: 1}},
			Options: options.Index().SetName(userIDIndexName).SetUnique(true).
				SetPartialFilterExpression(bson.M{"userId": bson.M{"$type": "string"}}),
		},
	})
	if err != nil {
		return apperrors.NewStorageError("create indexes", err)
	}
	return nil
}

func (s *Store) FindByKey(ctx context.Context, key string) (*license.License, error) {
	return s.findOne(ctx, bson.M{"licenseKey": key})
}

func (s *Store) FindByEmailAndKey(ctx context.Context, email, key string) (*license.License, error) {
	return s.findOne(ctx, bson.M{"licenseKey": key, "email": email})
}

func (s *Store) findOne(ctx context.Context, filter bson.M) (*license.License, error) {
	var doc licenseDoc
	err := s.coll.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, license.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find license: %w", err)
	}
	return doc.toLicense(), nil
}

func (s *Store) Create(ctx context.Context, lic *license.License) error {
	_, err := s.coll.InsertOne(ctx, toDoc(lic))
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		if isUserIDDuplicate(err) {
			return license.ErrDuplicateUserID
		}
		return license.ErrDuplicateKey
	}
	return fmt.Errorf("insert license: %w", err)
}

// isUserIDDuplicate reports whether a duplicate-key error came from the
// userId index rather than the key index.
func isUserIDDuplicate(err error) bool {
	var we mongo.WriteException
	if !errors.As(err, &we) {
		return false
	}
	for _, e := range we.WriteErrors {
		if e.Code == 11000 && strings.Contains(e.Message, userIDIndexName) {
			return true
		}
	}
	return false
}

// expectedFilter matches records currently in the expected state,
// including legacy records stored without a status.
func expectedFilter(key string, expected license.Status) bson.M {
	if expected == license.StatusAssigned {
		return bson.M{
			"licenseKey": key,
			"$or": bson.A{
				bson.M{"status": string(license.StatusAssigned)},
				bson.M{"status": bson.M{"$exists": false}, "machineId": nil},
			},
		}
	}
	return bson.M{"licenseKey": key, "status": string(expected)}
}

// Update applies the activation with a conditional UpdateOne. No match
// means another writer moved the record first, or the key is unknown.
func (s *Store) Update(ctx context.Context, lic *license.License, expected license.Status) (*license.License, error) {
	set := bson.M{
		"status":    string(lic.Status),
		"machineId": lic.MachineID,
	}
	if lic.ActivatedAt != nil {
		set["activatedAt"] = *lic.ActivatedAt
	}

	res, err := s.coll.UpdateOne(ctx, expectedFilter(lic.LicenseKey, expected), bson.M{"$set": set})
	if err != nil {
		return nil, fmt.Errorf("update license: %w", err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.FindByKey(ctx, lic.LicenseKey); err != nil {
			return nil, err
		}
		return nil, license.ErrTransitionConflict
	}

	return lic.Clone(), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.coll.Database().Client().Ping(ctx, nil)
}
