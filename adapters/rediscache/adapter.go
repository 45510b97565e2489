// Package rediscache implements a livestore.SyncAdapter that fans change
// batches out across processes over a Redis channel, grounded on the
// connection setup in nodestorage/v2/cache/redis.go (NewRedisCache's
// client construction and Ping health check) and the publish/subscribe
// shape of luvjson/crdtpubsub's RedisPubSub.
package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"livestore"
)

// Adapter syncs a livestore.Collection[K,T] by loading an initial snapshot
// from Redis and then following every subsequent change published on
// channel by another process running the same collection.
type Adapter[K comparable, T any] struct {
	client  *redis.Client
	channel string
	decode  func([]byte) (K, T, livestore.ChangeType, error)
	snap    func(ctx context.Context) ([]livestore.Change[K, T], error)
}

// New builds an Adapter reading the initial snapshot via snap and
// decoding each published message with decode.
func New[K comparable, T any](client *redis.Client, channel string,
	snap func(ctx context.Context) ([]livestore.Change[K, T], error),
	decode func([]byte) (K, T, livestore.ChangeType, error),
) *Adapter[K, T] {
	return &Adapter[K, T]{client: client, channel: channel, snap: snap, decode: decode}
}

// wireMessage is the payload published to the channel for every commit.
type wireMessage struct {
	Type livestore.ChangeType `json:"type"`
	Key  json.RawMessage      `json:"key"`
	Val  json.RawMessage      `json:"val"`
}

// Start implements livestore.SyncAdapter: it pings Redis, loads the
// initial snapshot as one commit, marks the collection ready, then applies
// every message received on the subscribed channel as its own commit
// until ctx is cancelled.
func (a *Adapter[K, T]) Start(ctx context.Context, ctrl *livestore.SyncController[K, T]) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := a.client.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("rediscache: connect: %w", err)
	}

	sub := a.client.Subscribe(ctx, a.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("rediscache: subscribe %q: %w", a.channel, err)
	}

	initial, err := a.snap(ctx)
	if err != nil {
		return fmt.Errorf("rediscache: initial snapshot: %w", err)
	}
	ctrl.Begin()
	for _, ch := range initial {
		if err := ctrl.Write(ch); err != nil {
			return err
		}
	}
	if err := ctrl.Commit(); err != nil {
		return err
	}
	if err := ctrl.MarkReady(); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			key, val, typ, err := a.decode([]byte(msg.Payload))
			if err != nil {
				return fmt.Errorf("rediscache: decode message: %w", err)
			}
			ctrl.Begin()
			if err := ctrl.Write(livestore.Change[K, T]{Type: typ, Key: key, Value: val}); err != nil {
				return err
			}
			if err := ctrl.Commit(); err != nil {
				return err
			}
		}
	}
}

// Publish marshals a change as JSON and publishes it on channel, for a
// writer process to notify every reader process syncing the same
// collection through this adapter.
func Publish[K comparable, T any](ctx context.Context, client *redis.Client, channel string, typ livestore.ChangeType, key K, val T) error {
	keyJSON, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("rediscache: marshal key: %w", err)
	}
	valJSON, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("rediscache: marshal value: %w", err)
	}
	payload, err := json.Marshal(wireMessage{Type: typ, Key: keyJSON, Val: valJSON})
	if err != nil {
		return fmt.Errorf("rediscache: marshal message: %w", err)
	}
	return client.Publish(ctx, channel, payload).Err()
}

// SyncMetadata implements livestore.MetadataProvider, exposing the
// subscribed channel name.
func (a *Adapter[K, T]) SyncMetadata() any { return a.channel }
