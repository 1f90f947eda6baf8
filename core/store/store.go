// Package store defines the durable store the session is persisted to: a blob
// side for audio and image bytes, and a small snapshot side for settings.
package store

import (
	"context"
	"errors"

	"AudioDeck/model"
)

// ErrNotFound is returned when a blob or the snapshot does not exist.
var ErrNotFound = errors.New("not found")

// BlobStore keeps binary payloads keyed by track id.
type BlobStore interface {
	PutBinary(ctx context.Context, id string, meta model.AssetMeta, data []byte) error
	GetBinary(ctx context.Context, id string) (model.AssetMeta, []byte, error)
	DeleteBinary(ctx context.Context, id string) error
	ClearAll(ctx context.Context) error
}

// SnapshotStore keeps the single settings snapshot of a session.
type SnapshotStore interface {
	PutSnapshot(ctx context.Context, data []byte) error
	GetSnapshot(ctx context.Context) ([]byte, error)
	DeleteSnapshot(ctx context.Context) error
}

// Durable 把两类存储组合成一个持久化入口
type Durable struct {
	Blobs     BlobStore
	Snapshots SnapshotStore
}

func (d *Durable) PutBinary(ctx context.Context, id string, meta model.AssetMeta, data []byte) error {
	return d.Blobs.PutBinary(ctx, id, meta, data)
}

func (d *Durable) GetBinary(ctx context.Context, id string) (model.AssetMeta, []byte, error) {
	return d.Blobs.GetBinary(ctx, id)
}

func (d *Durable) DeleteBinary(ctx context.Context, id string) error {
	return d.Blobs.DeleteBinary(ctx, id)
}

func (d *Durable) ClearAll(ctx context.Context) error {
	return d.Blobs.ClearAll(ctx)
}

func (d *Durable) PutSnapshot(ctx context.Context, data []byte) error {
	return d.Snapshots.PutSnapshot(ctx, data)
}

func (d *Durable) GetSnapshot(ctx context.Context) ([]byte, error) {
	return d.Snapshots.GetSnapshot(ctx)
}

func (d *Durable) DeleteSnapshot(ctx context.Context) error {
	return d.Snapshots.DeleteSnapshot(ctx)
}
