// Package mongosync implements a livestore.SyncAdapter backed by a MongoDB
// change stream, grounded on the teacher's Watch/startWatching loop in
// nodestorage/v2/storage_impl.go: an initial Find populates the collection,
// then a change stream feeds incremental inserts/updates/deletes.
package mongosync

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"livestore"
)

// Document is the minimal shape this adapter requires of a row: a stable
// string identity alongside whatever the caller's row type carries, so the
// adapter doesn't have to know the row's Go type to extract its key.
type Document interface {
	DocumentID() string
}

// Adapter syncs a livestore.Collection[string, T] from a MongoDB
// collection, mirroring every insert/update/delete as a change-stream
// event, per spec.md §4.7's SyncAdapter contract.
type Adapter[T Document] struct {
	coll    *mongo.Collection
	decode  func(bson.Raw) (T, error)
	resume  bson.Raw
}

// New builds an Adapter reading from coll, decoding each document with
// decode.
func New[T Document](coll *mongo.Collection, decode func(bson.Raw) (T, error)) *Adapter[T] {
	return &Adapter[T]{coll: coll, decode: decode}
}

// Start implements livestore.SyncAdapter: it loads the current collection
// contents as one commit, marks the collection ready, then applies every
// subsequent change-stream event as its own commit until ctx is cancelled.
func (a *Adapter[T]) Start(ctx context.Context, ctrl *livestore.SyncController[string, T]) error {
	cur, err := a.coll.Find(ctx, bson.M{})
	if err != nil {
		return fmt.Errorf("mongosync: initial find: %w", err)
	}
	defer cur.Close(ctx)

	ctrl.Begin()
	for cur.Next(ctx) {
		doc, err := a.decode(cur.Current)
		if err != nil {
			return fmt.Errorf("mongosync: decode initial document: %w", err)
		}
		if err := ctrl.Write(livestore.Change[string, T]{Type: livestore.ChangeInsert, Key: doc.DocumentID(), Value: doc}); err != nil {
			return err
		}
	}
	if err := cur.Err(); err != nil {
		return fmt.Errorf("mongosync: initial find cursor: %w", err)
	}
	if err := ctrl.Commit(); err != nil {
		return err
	}
	if err := ctrl.MarkReady(); err != nil {
		return err
	}

	stream, err := a.coll.Watch(ctx, mongo.Pipeline{}, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return fmt.Errorf("mongosync: watch: %w", err)
	}
	defer stream.Close(ctx)

	for stream.Next(ctx) {
		a.resume = stream.ResumeToken()

		var event struct {
			OperationType string `bson:"operationType"`
			FullDocument  bson.Raw `bson:"fullDocument"`
			DocumentKey   struct {
				ID string `bson:"_id"`
			} `bson:"documentKey"`
		}
		if err := stream.Decode(&event); err != nil {
			return fmt.Errorf("mongosync: decode change event: %w", err)
		}

		ctrl.Begin()
		switch event.OperationType {
		case "insert", "replace", "update":
			doc, err := a.decode(event.FullDocument)
			if err != nil {
				return fmt.Errorf("mongosync: decode changed document: %w", err)
			}
			if err := ctrl.Write(livestore.Change[string, T]{Type: livestore.ChangeUpdate, Key: doc.DocumentID(), Value: doc}); err != nil {
				return err
			}
		case "delete":
			var zero T
			if err := ctrl.Write(livestore.Change[string, T]{Type: livestore.ChangeDelete, Key: event.DocumentKey.ID, Value: zero}); err != nil {
				return err
			}
		}
		if err := ctrl.Commit(); err != nil {
			return err
		}
	}
	return stream.Err()
}

// SyncMetadata implements livestore.MetadataProvider, exposing the last
// observed change-stream resume token.
func (a *Adapter[T]) SyncMetadata() any { return a.resume }
