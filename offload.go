package tagbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

type (
	// BlobStore persists opaque snapshot payloads that are too large to be
	// carried inline
	BlobStore interface {
		Put(ctx context.Context, key string, data []byte) error
		Get(ctx context.Context, key string) ([]byte, error)
		Delete(ctx context.Context, key string) error
	}

	// SnapshotEnvelope carries a projection snapshot either inline or as a
	// reference into a BlobStore. Exactly one of the two is set
	SnapshotEnvelope struct {
		InlineState    *ProjectionSnapshot `json:"inline_state,omitempty"`
		OffloadedState *OffloadedSnapshot  `json:"offloaded_state,omitempty"`
		IsOffloaded    bool                `json:"is_offloaded"`
	}

	// ProjectionSnapshot captures a MultiProjectionActor: the safe fold and
	// the events still buffered inside the safe window
	ProjectionSnapshot struct {
		Payload          json.RawMessage  `json:"payload"`
		ProjectorName    string           `json:"projector_name"`
		ProjectorVersion string           `json:"projector_version"`
		LastSortableID   SortableUniqueID `json:"last_sortable_id"`
		Unsafe           []*Event         `json:"unsafe,omitempty"`
		Version          int64            `json:"version"`
		IsCaughtUp       bool             `json:"is_caught_up"`
	}

	// OffloadedSnapshot references a ProjectionSnapshot stored in a
	// BlobStore under Key
	OffloadedSnapshot struct {
		Key              string           `json:"key"`
		ProjectorName    string           `json:"projector_name"`
		ProjectorVersion string           `json:"projector_version"`
		LastSortableID   SortableUniqueID `json:"last_sortable_id"`
		Version          int64            `json:"version"`
		Size             int              `json:"size"`
	}

	// Offloader decides whether a snapshot travels inline or through the
	// BlobStore
	Offloader struct {
		blobs     BlobStore
		threshold int
	}

	// MemoryBlobStore is an in-process BlobStore
	MemoryBlobStore struct {
		blobs map[string][]byte
		mu    sync.RWMutex
	}
)

// Validate checks that exactly one representation is present and agrees
// with IsOffloaded
func (e *SnapshotEnvelope) Validate() error {
	if e == nil {
		return ErrInvalidEnvelope
	}
	inline := e.InlineState != nil
	offloaded := e.OffloadedState != nil
	if inline == offloaded || offloaded != e.IsOffloaded {
		return ErrInvalidEnvelope
	}
	return nil
}

// NewOffloader creates an Offloader. Snapshots whose encoding exceeds
// threshold bytes are moved into blobs. A nil BlobStore keeps every
// snapshot inline
func NewOffloader(blobs BlobStore, threshold int) *Offloader {
	return &Offloader{
		blobs:     blobs,
		threshold: threshold,
	}
}

// Wrap builds the envelope for the snapshot
func (o *Offloader) Wrap(
	ctx context.Context, snap *ProjectionSnapshot,
) (*SnapshotEnvelope, error) {
	if o.blobs == nil || o.threshold <= 0 {
		return inlineEnvelope(snap), nil
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	if len(data) <= o.threshold {
		return inlineEnvelope(snap), nil
	}

	key := offloadKey(snap)
	if err := o.blobs.Put(ctx, key, data); err != nil {
		return nil, fmt.Errorf("offload snapshot: %w", err)
	}
	return &SnapshotEnvelope{
		IsOffloaded: true,
		OffloadedState: &OffloadedSnapshot{
			Key:              key,
			ProjectorName:    snap.ProjectorName,
			ProjectorVersion: snap.ProjectorVersion,
			LastSortableID:   snap.LastSortableID,
			Version:          snap.Version,
			Size:             len(data),
		},
	}, nil
}

// Unwrap returns the snapshot an envelope carries, fetching it from the
// BlobStore when it was offloaded
func (o *Offloader) Unwrap(
	ctx context.Context, env *SnapshotEnvelope,
) (*ProjectionSnapshot, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if !env.IsOffloaded {
		return env.InlineState, nil
	}
	if o.blobs == nil {
		return nil, ErrNoBlobStore
	}

	ref := env.OffloadedState
	data, err := o.blobs.Get(ctx, ref.Key)
	if err != nil {
		return nil, fmt.Errorf("load offloaded snapshot %s: %w", ref.Key, err)
	}
	var snap ProjectionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	if snap.ProjectorName != ref.ProjectorName ||
		snap.ProjectorVersion != ref.ProjectorVersion {
		return nil, fmt.Errorf("%w: offloaded snapshot %s",
			ErrProjectorMismatch, ref.Key,
		)
	}
	return &snap, nil
}

func inlineEnvelope(snap *ProjectionSnapshot) *SnapshotEnvelope {
	return &SnapshotEnvelope{InlineState: snap}
}

func offloadKey(snap *ProjectionSnapshot) string {
	return fmt.Sprintf("projection/%s/%s/%s",
		snap.ProjectorName, snap.ProjectorVersion, snap.LastSortableID,
	)
}

// NewMemoryBlobStore creates an empty MemoryBlobStore
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{
		blobs: map[string][]byte{},
	}
}

func (m *MemoryBlobStore) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = slices.Clone(data)
	return nil
}

func (m *MemoryBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
	}
	return slices.Clone(data), nil
}

func (m *MemoryBlobStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key)
	return nil
}

// Keys lists the stored keys in sorted order
func (m *MemoryBlobStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.blobs))
}

// IsBlobNotFound reports whether err means a key was missing
func IsBlobNotFound(err error) bool {
	return errors.Is(err, ErrBlobNotFound)
}
