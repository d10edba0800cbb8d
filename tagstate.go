package tagbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

type (
	// TagState is one tag's events folded through one projector
	TagState[T any] struct {
		Payload          T
		LastSortableID   SortableUniqueID
		TagGroup         string
		TagContent       string
		ProjectorName    string
		ProjectorVersion string
		Version          int64
	}

	// SerializableTagState is the persisted form of a TagState
	SerializableTagState struct {
		Payload          json.RawMessage  `json:"payload"`
		LastSortableID   SortableUniqueID `json:"last_sortable_id"`
		TagGroup         string           `json:"tag_group"`
		TagContent       string           `json:"tag_content"`
		ProjectorName    string           `json:"projector_name"`
		ProjectorVersion string           `json:"projector_version"`
		Version          int64            `json:"version"`
	}

	// TagStateCache persists tag states so a fresh actor can warm start
	// instead of folding the tag's entire history. Load returns nil when
	// nothing was saved under the key
	TagStateCache interface {
		LoadTagState(ctx context.Context, key string) (*SerializableTagState, error)
		SaveTagState(ctx context.Context, key string, st *SerializableTagState) error
	}

	// TagStateActor folds a single tag through a single projector and keeps
	// the result. Calls are serialized
	TagStateActor[T any] struct {
		tag         Tag
		projector   *Projector[T]
		store       EventStore
		consistency *TagConsistency
		cache       TagStateCache
		worker      *SnapshotWorker
		logger      *zap.Logger
		state       *TagState[T]
		syncedTip   SortableUniqueID
		every       int64
		unsaved     int64
		mu          sync.Mutex
		warmed      bool
	}
)

// GetTagState returns the current state of tag as folded by the projector,
// using the Tagbox's shared actor for the pair
func GetTagState[T any](
	ctx context.Context, tb *Tagbox, tag Tag, p *Projector[T],
) (*TagState[T], error) {
	a, err := TagStateActorFor(tb, tag, p)
	if err != nil {
		return nil, err
	}
	return a.GetState(ctx)
}

// TagStateActorFor returns the Tagbox's actor for the tag and projector
func TagStateActorFor[T any](
	tb *Tagbox, tag Tag, p *Projector[T],
) (*TagStateActor[T], error) {
	key := tagStateKey(tag, p.Name)
	entry := tb.tagStates.Get(key, func() any {
		return newTagStateActor(tb, tag, p)
	})
	a, ok := entry.(*TagStateActor[T])
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProjectorMismatch, p.Name)
	}
	a.setProjector(p)
	return a, nil
}

func newTagStateActor[T any](
	tb *Tagbox, tag Tag, p *Projector[T],
) *TagStateActor[T] {
	return &TagStateActor[T]{
		tag:         tag,
		projector:   p,
		store:       tb.store,
		consistency: tb.Consistency(tag),
		cache:       tb.tagStateCache,
		worker:      tb.snapshotWorker,
		every:       tb.config.Snapshot.Every,
		logger: tb.logger.Named("tagstate").With(
			zap.Stringer("tag", tag), zap.String("projector", p.Name),
		),
	}
}

// GetState returns the folded state. When nothing was written to the tag
// since the last call, the very same *TagState is returned
func (a *TagStateActor[T]) GetState(ctx context.Context) (*TagState[T], error) {
	st, _, err := a.sync(ctx)
	return st, err
}

func (a *TagStateActor[T]) setProjector(p *Projector[T]) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.projector != p {
		a.projector = p
	}
}

// sync brings the cached state up to the tag's tip and returns the state
// together with the tip it reflects
func (a *TagStateActor[T]) sync(
	ctx context.Context,
) (*TagState[T], SortableUniqueID, error) {
	tip, err := a.consistency.LatestSortableID(ctx)
	if err != nil {
		return nil, AnyPosition, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.warmed {
		a.warmed = true
		a.warmStart(ctx)
	}

	if a.state != nil && a.state.ProjectorVersion != a.projector.Version {
		a.logger.Debug("projector version changed, rebuilding",
			zap.String("cached", a.state.ProjectorVersion),
			zap.String("current", a.projector.Version),
		)
		a.state = nil
	}

	if a.state == nil {
		return a.rebuild(ctx, tip)
	}

	if tip == a.syncedTip || tip == a.state.LastSortableID {
		return a.state, tip, nil
	}

	evs, err := a.store.ReadEventsByTag(ctx, a.tag, a.state.LastSortableID)
	if err != nil {
		return nil, AnyPosition, err
	}
	if len(evs) == 0 {
		a.syncedTip = tip
		return a.state, tip, nil
	}

	next, err := a.fold(a.state, evs)
	if err != nil {
		return nil, AnyPosition, err
	}
	a.commit(next, tip, int64(len(evs)))
	return a.state, tip, nil
}

func (a *TagStateActor[T]) rebuild(
	ctx context.Context, tip SortableUniqueID,
) (*TagState[T], SortableUniqueID, error) {
	evs, err := a.store.ReadEventsByTag(ctx, a.tag, AnyPosition)
	if err != nil {
		return nil, AnyPosition, err
	}

	next, err := a.fold(a.emptyState(), evs)
	if err != nil {
		return nil, AnyPosition, err
	}
	a.commit(next, tip, int64(len(evs)))
	return a.state, tip, nil
}

func (a *TagStateActor[T]) fold(
	base *TagState[T], evs []*Event,
) (*TagState[T], error) {
	next := *base
	for _, ev := range evs {
		payload, err := a.projector.Apply(next.Payload, ev)
		next.LastSortableID = ev.SortableID

		var unreg *UnregisteredTypeError
		if errors.As(err, &unreg) {
			continue
		}
		if err != nil {
			return nil, err
		}
		next.Payload = payload
		next.Version++
	}
	return &next, nil
}

func (a *TagStateActor[T]) commit(
	next *TagState[T], tip SortableUniqueID, read int64,
) {
	a.state = next
	a.syncedTip = tip
	a.unsaved += read
	if a.worker == nil || a.every <= 0 || a.unsaved < a.every {
		return
	}

	ser, err := next.Serializable()
	if err != nil {
		a.logger.Warn("could not serialize tag state", zap.Error(err))
		return
	}
	if a.worker.enqueue(tagStateKey(a.tag, a.projector.Name), ser) {
		a.unsaved = 0
	}
}

func (a *TagStateActor[T]) warmStart(ctx context.Context) {
	if a.cache == nil {
		return
	}

	key := tagStateKey(a.tag, a.projector.Name)
	ser, err := a.cache.LoadTagState(ctx, key)
	if err != nil {
		a.logger.Warn("could not load cached tag state", zap.Error(err))
		return
	}
	if ser == nil || ser.ProjectorVersion != a.projector.Version {
		return
	}

	payload, err := a.projector.decode(ser.Payload)
	if err != nil {
		a.logger.Warn("could not decode cached tag state", zap.Error(err))
		return
	}
	a.state = &TagState[T]{
		Payload:          payload,
		LastSortableID:   ser.LastSortableID,
		Version:          ser.Version,
		TagGroup:         a.tag.Group,
		TagContent:       a.tag.Content,
		ProjectorName:    a.projector.Name,
		ProjectorVersion: a.projector.Version,
	}
}

func (a *TagStateActor[T]) emptyState() *TagState[T] {
	return &TagState[T]{
		Payload:          a.projector.initial(),
		TagGroup:         a.tag.Group,
		TagContent:       a.tag.Content,
		ProjectorName:    a.projector.Name,
		ProjectorVersion: a.projector.Version,
	}
}

// Serializable converts the state into its persisted form
func (s *TagState[T]) Serializable() (*SerializableTagState, error) {
	data, err := json.Marshal(s.Payload)
	if err != nil {
		return nil, err
	}
	return &SerializableTagState{
		Payload:          data,
		LastSortableID:   s.LastSortableID,
		Version:          s.Version,
		TagGroup:         s.TagGroup,
		TagContent:       s.TagContent,
		ProjectorName:    s.ProjectorName,
		ProjectorVersion: s.ProjectorVersion,
	}, nil
}

func tagStateKey(tag Tag, projector string) string {
	return tag.String() + "|" + projector
}
