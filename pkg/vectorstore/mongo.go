package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/lorekeep/lorekeep/pkg/config"
	"github.com/lorekeep/lorekeep/pkg/domain"
)

const (
	mongoCollectionPrefix = "vs_"
	vectorIndexName       = "vector_index"
	indexReadyTimeout     = 5 * time.Minute
	indexPollInterval     = 3 * time.Second
)

// Mongo maps each logical collection to a document collection plus an
// Atlas vector search index. Index creation waits until the index
// reports queryable, because searches against a provisioning index
// silently return nothing.
type Mongo struct {
	client   *mongo.Client
	database string
}

func NewMongo(ctx context.Context, cfg config.MongoConfig) (*Mongo, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("%w: mongodb uri", domain.ErrConfigMissing)
	}
	if cfg.Database == "" {
		cfg.Database = "lorekeep"
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("%w: connect mongodb: %v", domain.ErrBackendUnavailable, err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: ping mongodb: %v", domain.ErrBackendUnavailable, err)
	}
	return &Mongo{client: client, database: cfg.Database}, nil
}

func (m *Mongo) collection(name string) *mongo.Collection {
	return m.client.Database(m.database).Collection(mongoCollectionPrefix + name)
}

func (m *Mongo) EnsureCollection(ctx context.Context, name string, dim int) error {
	coll := m.collection(name)

	ready, err := m.indexQueryable(ctx, coll)
	if err != nil {
		return err
	}
	if ready {
		return nil
	}

	definition := bson.D{
		{Key: "fields", Value: bson.A{
			bson.D{
				{Key: "type", Value: "vector"},
				{Key: "path", Value: "vector"},
				{Key: "numDimensions", Value: dim},
				{Key: "similarity", Value: "cosine"},
			},
		}},
	}
	_, err = coll.SearchIndexes().CreateOne(ctx, mongo.SearchIndexModel{
		Definition: definition,
		Options:    options.SearchIndexes().SetName(vectorIndexName).SetType("vectorSearch"),
	})
	if err != nil && !isIndexExistsError(err) {
		return fmt.Errorf("create vector index for %s: %w", name, err)
	}

	return m.waitIndexReady(ctx, coll, name)
}

// waitIndexReady polls until the search index reports queryable.
func (m *Mongo) waitIndexReady(ctx context.Context, coll *mongo.Collection, name string) error {
	deadline := time.Now().Add(indexReadyTimeout)
	for {
		ready, err := m.indexQueryable(ctx, coll)
		if err != nil {
			return err
		}
		if ready {
			log.Info().Str("collection", name).Msg("vector search index ready")
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: vector index for %s not ready after %s",
				domain.ErrBackendUnavailable, name, indexReadyTimeout)
		}
		select {
		case <-time.After(indexPollInterval):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
		}
	}
}

func (m *Mongo) indexQueryable(ctx context.Context, coll *mongo.Collection) (bool, error) {
	cursor, err := coll.SearchIndexes().List(ctx,
		options.SearchIndexes().SetName(vectorIndexName))
	if err != nil {
		// Listing search indexes on a collection that does not exist yet
		// fails on some server versions; treat it as "no index".
		return false, nil
	}
	defer func() { _ = cursor.Close(ctx) }()

	for cursor.Next(ctx) {
		var doc struct {
			Queryable bool `bson:"queryable"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return false, fmt.Errorf("decode index status: %w", err)
		}
		return doc.Queryable, nil
	}
	return false, cursor.Err()
}

func (m *Mongo) ListCollections(ctx context.Context) ([]string, error) {
	names, err := m.client.Database(m.database).ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, m.wrap("list collections", err)
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if strings.HasPrefix(n, mongoCollectionPrefix) {
			out = append(out, strings.TrimPrefix(n, mongoCollectionPrefix))
		}
	}
	return out, nil
}

func (m *Mongo) DeleteCollection(ctx context.Context, name string) error {
	if err := m.collection(name).Drop(ctx); err != nil {
		return m.wrap("drop collection", err)
	}
	return nil
}

type mongoPoint struct {
	ID      string            `bson:"_id"`
	Vector  []float32         `bson:"vector"`
	Payload map[string]string `bson:"payload,omitempty"`
}

func (m *Mongo) Upsert(ctx context.Context, name string, points []domain.VectorPoint) error {
	if len(points) == 0 {
		return nil
	}
	coll := m.collection(name)
	models := make([]mongo.WriteModel, 0, len(points))
	for _, p := range points {
		doc := mongoPoint{ID: p.ID, Vector: p.Vector, Payload: p.Payload}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: "_id", Value: p.ID}}).
			SetReplacement(doc).
			SetUpsert(true))
	}
	if _, err := coll.BulkWrite(ctx, models); err != nil {
		return m.wrap("upsert points", err)
	}
	return nil
}

func (m *Mongo) DeletePoints(ctx context.Context, name string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := m.collection(name).DeleteMany(ctx, bson.D{
		{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}},
	})
	if err != nil {
		return m.wrap("delete points", err)
	}
	return nil
}

func (m *Mongo) Search(ctx context.Context, name string, query []float32, k int, minScore float32) ([]domain.SearchHit, error) {
	if k <= 0 {
		k = 10
	}
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$vectorSearch", Value: bson.D{
			{Key: "index", Value: vectorIndexName},
			{Key: "path", Value: "vector"},
			{Key: "queryVector", Value: query},
			{Key: "numCandidates", Value: k * 10},
			{Key: "limit", Value: k},
		}}},
		bson.D{{Key: "$project", Value: bson.D{
			{Key: "payload", Value: 1},
			{Key: "score", Value: bson.D{{Key: "$meta", Value: "vectorSearchScore"}}},
		}}},
	}

	cursor, err := m.collection(name).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, m.wrap("vector search", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var hits []domain.SearchHit
	for cursor.Next(ctx) {
		var doc struct {
			ID      string            `bson:"_id"`
			Score   float64           `bson:"score"`
			Payload map[string]string `bson:"payload"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode search hit: %w", err)
		}
		score := float32(doc.Score)
		if minScore >= 0 && score < minScore {
			continue
		}
		hits = append(hits, domain.SearchHit{ID: doc.ID, Score: score, Payload: doc.Payload})
	}
	return hits, cursor.Err()
}

func (m *Mongo) Health(ctx context.Context) error {
	if err := m.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}
	return nil
}

func (m *Mongo) Close() error {
	return m.client.Disconnect(context.Background())
}

func (m *Mongo) wrap(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return fmt.Errorf("%w: %s: %v", domain.ErrBackendUnavailable, op, err)
	}
	return fmt.Errorf("mongodb %s: %w", op, err)
}

func isIndexExistsError(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Name == "IndexAlreadyExists" || cmdErr.Code == 68
	}
	return strings.Contains(err.Error(), "already exists")
}
