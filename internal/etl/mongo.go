package etl

import (
	"context"
	"fmt"
	"time"

	"github.com/BartekS5/invoice-ingest/pkg/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDeadLetter stores quarantined records in a MongoDB collection. The
// document _id is the record key (source file ID and record index), taken
// from the upsert filter, so a replayed quarantine leaves the existing
// document in place.
type MongoDeadLetter struct {
	Client     *mongo.Client
	Collection *mongo.Collection
	Timeout    time.Duration
}

func NewMongoDeadLetter(client *mongo.Client, database, collection string) *MongoDeadLetter {
	return &MongoDeadLetter{
		Client:     client,
		Collection: client.Database(database).Collection(collection),
		Timeout:    10 * time.Second,
	}
}

func (m *MongoDeadLetter) Quarantine(ctx context.Context, dl models.DeadLetter) error {
	ctx, cancel := context.WithTimeout(ctx, m.Timeout)
	defer cancel()

	filter := bson.M{"_id": dl.Key}
	update := bson.M{"$setOnInsert": dl}
	_, err := m.Collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to store dead letter %s: %w", dl.Key, err)
	}
	return nil
}

// Count returns the number of quarantined records stored for a source file.
func (m *MongoDeadLetter) Count(ctx context.Context, sourceFileID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, m.Timeout)
	defer cancel()
	return m.Collection.CountDocuments(ctx, bson.M{"source_file_id": sourceFileID})
}

func (m *MongoDeadLetter) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.Timeout)
	defer cancel()
	return m.Client.Disconnect(ctx)
}
