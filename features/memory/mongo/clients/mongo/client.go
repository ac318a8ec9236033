// Package mongo implements the low-level MongoDB client used by the memory
// store. One document per record, keyed by the record ID, indexed by pair and
// creation time.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/dyadlab/relmc/sim/memory"
)

const (
	defaultCollection = "pair_memories"
	defaultTimeout    = 5 * time.Second
	clientName        = "memory-mongo"
)

// Client exposes Mongo-backed operations for memory records.
type Client interface {
	health.Pinger

	Add(ctx context.Context, rec *memory.Record) error
	List(ctx context.Context, pairID string, kind memory.Kind) ([]*memory.Record, error)
}

// Options configures the Mongo client implementation.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	mcoll := opts.Client.Database(opts.Database).Collection(collName)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Add(ctx context.Context, rec *memory.Record) error {
	if rec.ID == "" {
		return errors.New("record id is required")
	}
	if rec.PairID == "" {
		return errors.New("pair id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.coll.InsertOne(ctx, toDocument(rec))
	return err
}

func (c *client) List(ctx context.Context, pairID string, kind memory.Kind) ([]*memory.Record, error) {
	if pairID == "" {
		return nil, errors.New("pair id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"pair_id": pairID}
	if kind != "" {
		filter["kind"] = string(kind)
	}
	cur, err := c.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []recordDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return fromDocuments(docs), nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type recordDocument struct {
	ID         string            `bson:"_id"`
	PairID     string            `bson:"pair_id"`
	Kind       string            `bson:"kind"`
	Content    string            `bson:"content"`
	Valence    float64           `bson:"valence"`
	Importance float64           `bson:"importance"`
	Turn       int               `bson:"turn"`
	CreatedAt  time.Time         `bson:"created_at"`
	Metadata   map[string]string `bson:"metadata,omitempty"`
}

func toDocument(rec *memory.Record) recordDocument {
	return recordDocument{
		ID:         rec.ID,
		PairID:     rec.PairID,
		Kind:       string(rec.Kind),
		Content:    rec.Content,
		Valence:    rec.Valence,
		Importance: rec.Importance,
		Turn:       rec.Turn,
		CreatedAt:  rec.CreatedAt.UTC(),
		Metadata:   cloneMetadata(rec.Metadata),
	}
}

func fromDocuments(docs []recordDocument) []*memory.Record {
	if len(docs) == 0 {
		return nil
	}
	result := make([]*memory.Record, len(docs))
	for i, doc := range docs {
		result[i] = &memory.Record{
			ID:         doc.ID,
			PairID:     doc.PairID,
			Kind:       memory.Kind(doc.Kind),
			Content:    doc.Content,
			Valence:    doc.Valence,
			Importance: doc.Importance,
			Turn:       doc.Turn,
			CreatedAt:  doc.CreatedAt,
			Metadata:   cloneMetadata(doc.Metadata),
		}
	}
	return result
}

func cloneMetadata(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys: bson.D{{Key: "pair_id", Value: 1}, {Key: "created_at", Value: 1}},
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

type collection interface {
	InsertOne(ctx context.Context, doc any) (*mongodriver.InsertOneResult, error)
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel) (string, error)
}

type cursor interface {
	All(ctx context.Context, results any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, doc)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	return c.coll.Find(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel) (string, error) {
	return v.view.CreateOne(ctx, model)
}
