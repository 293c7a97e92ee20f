package storage

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/angzarr-io/angzarr/gen/angzarrpb"
	"github.com/angzarr-io/angzarr/internal/angerr"
)

// ProjectionStore is an optional side-store for projection payloads,
// donated by LerianStudio-midaz's mongo-driver usage. Per spec §3
// Ownership, the event log exclusively owns event bytes and their
// ordering; the coordinator owns the position cursor (Store.Get/SetPosition)
// regardless of where a projection's payload lives. This store exists for
// projectors that would rather let the framework hold their read model
// than stand up their own database -- it is never required, and the
// projector coordinator (C5) works with projectors that persist state
// entirely on their own.
type ProjectionStore interface {
	WriteProjection(ctx context.Context, projection *angzarrpb.Projection) error
	ReadProjection(ctx context.Context, domain string, root [16]byte, projector string) (*angzarrpb.Projection, error)
}

// MongoProjectionStore implements ProjectionStore against a single
// collection keyed by (projector, domain, root).
type MongoProjectionStore struct {
	coll *mongo.Collection
}

type mongoProjectionDoc struct {
	Projector string `bson:"projector"`
	Domain    string `bson:"domain"`
	Root      []byte `bson:"root"`
	Sequence  uint32 `bson:"sequence"`
	TypeURL   string `bson:"type_url"`
	Value     []byte `bson:"value"`
}

// NewMongoProjectionStore connects to uri and ensures the unique index
// over (projector, domain, root) exists.
func NewMongoProjectionStore(ctx context.Context, uri, database, collection string) (*MongoProjectionStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	coll := client.Database(database).Collection(collection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "projector", Value: 1}, {Key: "domain", Value: 1}, {Key: "root", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure projection index: %w", err)
	}
	return &MongoProjectionStore{coll: coll}, nil
}

func (s *MongoProjectionStore) WriteProjection(ctx context.Context, projection *angzarrpb.Projection) error {
	var root [16]byte
	copy(root[:], projection.GetCover().GetRoot().GetValue())
	filter := bson.D{
		{Key: "projector", Value: projection.GetProjector()},
		{Key: "domain", Value: projection.GetCover().GetDomain()},
		{Key: "root", Value: root[:]},
	}
	update := bson.D{{Key: "$set", Value: mongoProjectionDoc{
		Projector: projection.GetProjector(),
		Domain:    projection.GetCover().GetDomain(),
		Root:      root[:],
		Sequence:  projection.GetSequence(),
		TypeURL:   projection.GetState().GetTypeUrl(),
		Value:     projection.GetState().GetValue(),
	}}}
	_, err := s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return angerr.Wrap(angerr.StorageUnavailable, "failed to write projection", err)
	}
	return nil
}

func (s *MongoProjectionStore) ReadProjection(ctx context.Context, domain string, root [16]byte, projector string) (*angzarrpb.Projection, error) {
	var doc mongoProjectionDoc
	err := s.coll.FindOne(ctx, bson.D{
		{Key: "projector", Value: projector},
		{Key: "domain", Value: domain},
		{Key: "root", Value: root[:]},
	}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, angerr.Wrap(angerr.StorageUnavailable, "failed to read projection", err)
	}
	return &angzarrpb.Projection{
		Cover:     &angzarrpb.Cover{Domain: domain, Root: &angzarrpb.UUID{Value: append([]byte(nil), root[:]...)}},
		Projector: projector,
		Sequence:  doc.Sequence,
		State:     &anypb.Any{TypeUrl: doc.TypeURL, Value: doc.Value},
	}, nil
}

var _ ProjectionStore = (*MongoProjectionStore)(nil)
