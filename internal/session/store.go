package session

import "context"

// SnapshotStore persists the last settled snapshot of each session so a
// conversation can be shown before the socket comes up or exported later.
type SnapshotStore interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, key Key) (Snapshot, bool, error)
	Delete(ctx context.Context, key Key) error
}
