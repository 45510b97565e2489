// Package badgersnap persists a livestore.Collection's visible state to an
// on-disk BadgerDB store, grounded on the KV setup and get/set/delete
// shape of nodestorage/v2/cache/badger.go's BadgerCache.
//
// Unlike mongosync and rediscache, badgersnap is not a SyncAdapter: it
// does not feed a collection, it drains one. It subscribes to
// SubscribeChanges and mirrors every published change batch into Badger
// (optimistic changes and their rollbacks included), giving the
// collection a durable local snapshot it can warm-start from on restart.
package badgersnap

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"livestore"
)

// Sink mirrors a livestore.Collection[K,T] into a BadgerDB store.
type Sink[K comparable, T any] struct {
	db        *badger.DB
	keyPrefix []byte
	encodeKey func(K) []byte
	unsub     func()
}

// Open opens (creating if necessary) a BadgerDB store at dir and returns a
// Sink ready to be attached to a collection with Attach.
func Open[K comparable, T any](dir string, encodeKey func(K) []byte) (*Sink[K, T], error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgersnap: open %q: %w", dir, err)
	}
	return &Sink[K, T]{db: db, keyPrefix: []byte("livestore:"), encodeKey: encodeKey}, nil
}

// Attach subscribes the sink to coll's change feed and writes every
// insert/update/delete it publishes to Badger as it happens. The feed
// carries optimistic changes and rollback compensations as well as synced
// ones, so the store follows the collection's visible state. The returned
// detach function stops the mirror but leaves the store open.
func (s *Sink[K, T]) Attach(coll *livestore.Collection[K, T]) func() {
	unsub := coll.SubscribeChanges(func(batch []livestore.Change[K, T]) {
		_ = s.db.Update(func(txn *badger.Txn) error {
			for _, ch := range batch {
				key := s.dbKey(ch.Key)
				switch ch.Type {
				case livestore.ChangeDelete:
					if err := txn.Delete(key); err != nil && err != badger.ErrKeyNotFound {
						return err
					}
				default:
					val, err := json.Marshal(ch.Value)
					if err != nil {
						return fmt.Errorf("badgersnap: marshal %v: %w", ch.Key, err)
					}
					if err := txn.Set(key, val); err != nil {
						return err
					}
				}
			}
			return nil
		})
	})
	s.unsub = unsub
	return unsub
}

// LoadAll reads every row currently persisted under this sink's prefix,
// decoding each with decode. Intended to seed a SyncAdapter's initial
// snapshot (see mongosync/rediscache's snap callbacks) from the last
// durable state before the live source has produced anything.
func (s *Sink[K, T]) LoadAll(decode func(value []byte) (T, error)) ([]T, error) {
	var rows []T
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(s.keyPrefix); it.ValidForPrefix(s.keyPrefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				row, err := decode(val)
				if err != nil {
					return err
				}
				rows = append(rows, row)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badgersnap: load all: %w", err)
	}
	return rows, nil
}

// Close closes the underlying BadgerDB store.
func (s *Sink[K, T]) Close() error {
	return s.db.Close()
}

func (s *Sink[K, T]) dbKey(k K) []byte {
	return append(bytes.Clone(s.keyPrefix), s.encodeKey(k)...)
}
