// Package mongostore reads legacy credentials from the MongoDB
// calendar_connections collection.
package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/quantumlife/labcal/internal/core"
	"github.com/quantumlife/labcal/internal/legacy"
	"github.com/quantumlife/labcal/internal/logging"
)

// Collection holds the legacy documents.
const Collection = "calendar_connections"

// Store is a legacy.Store backed by MongoDB.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
	log    *logging.Logger
}

// Open connects to uri and verifies the primary is reachable.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	if uri == "" || database == "" {
		return nil, fmt.Errorf("mongo uri and database: %w", core.ErrMissingRequired)
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri).SetConnectTimeout(10 * time.Second))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: ping mongo: %v", core.ErrStoreUnavailable, err)
	}

	return New(client, database), nil
}

// New wraps an existing client.
func New(client *mongo.Client, database string) *Store {
	return &Store{
		client: client,
		coll:   client.Database(database).Collection(Collection),
		log:    logging.Component("legacy-mongo"),
	}
}

func (s *Store) List(ctx context.Context) ([]*legacy.Credential, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := s.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: find legacy credentials: %v", core.ErrStoreUnavailable, err)
	}
	defer cursor.Close(ctx)

	var out []*legacy.Credential
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode legacy credentials: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteAll(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, fmt.Errorf("%w: delete legacy credentials: %v", core.ErrStoreUnavailable, err)
	}
	s.log.WithContext(ctx).WithField("deleted", res.DeletedCount).Info("legacy credentials deleted")
	return int(res.DeletedCount), nil
}

// Insert writes a record. Used to seed the collection in tests and tools.
func (s *Store) Insert(ctx context.Context, c *legacy.Credential) error {
	if _, err := s.coll.InsertOne(ctx, c); err != nil {
		return fmt.Errorf("insert legacy credential: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
