package tagbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

type (
	// MultiProjectionActor folds events from many tags into one read model.
	// Events older than the safe window are folded in SortableID order into
	// a permanent safe state. Newer events are buffered and folded in
	// arrival order on top of it, until the window passes them
	MultiProjectionActor[T any] struct {
		projector   *Projector[T]
		clock       clockwork.Clock
		logger      *zap.Logger
		offloader   *Offloader
		safe        T
		unsafe      T
		buffer      []*Event
		buffered    map[string]bool
		safeLast    SortableUniqueID
		threshold   SortableUniqueID
		window      time.Duration
		safeVersion int64
		bufVersion  int64
		mu          sync.Mutex
		skipUnknown bool
		caughtUp    bool
	}

	// ProjectionState is a view of a MultiProjectionActor
	ProjectionState[T any] struct {
		Payload             T
		LastSortableID      SortableUniqueID
		SafeWindowThreshold SortableUniqueID
		Version             int64
		IsSafeState         bool
		IsCaughtUp          bool
	}

	// EventSink accepts batches of events, in the shape the EventProvider
	// delivers them
	EventSink interface {
		AddEvents(evs []*Event, finishedCatchUp bool) error
	}

	// pass is the result of folding one batch, committed only when the
	// whole batch succeeded
	pass[T any] struct {
		safe        T
		unsafe      T
		buffer      []*Event
		safeLast    SortableUniqueID
		threshold   SortableUniqueID
		safeVersion int64
		bufVersion  int64
	}
)

// MultiProjection returns the Tagbox's actor for the projector, creating
// it on first use
func MultiProjection[T any](
	tb *Tagbox, p *Projector[T],
) (*MultiProjectionActor[T], error) {
	res, _ := tb.projections.LoadOrCompute(p.Name, func() any {
		return NewMultiProjectionActor(tb, p)
	})
	a, ok := res.(*MultiProjectionActor[T])
	if !ok || a.projector.Version != p.Version {
		return nil, fmt.Errorf("%w: %s", ErrProjectorMismatch, p.Name)
	}
	return a, nil
}

// NewMultiProjectionActor creates an actor that is not registered with the
// Tagbox but shares its clock, safe window, and blob store
func NewMultiProjectionActor[T any](
	tb *Tagbox, p *Projector[T],
) *MultiProjectionActor[T] {
	cfg := tb.config
	return &MultiProjectionActor[T]{
		projector:   p,
		clock:       tb.clock,
		window:      cfg.SafeWindow,
		skipUnknown: cfg.SkipUnknownEvents,
		offloader:   NewOffloader(tb.blobStore, cfg.Snapshot.OffloadThreshold),
		logger:      tb.logger.Named("projection").With(zap.String("projector", p.Name)),
		safe:        p.initial(),
		unsafe:      p.initial(),
		buffered:    map[string]bool{},
	}
}

// Projector returns the projector the actor folds with
func (a *MultiProjectionActor[T]) Projector() *Projector[T] {
	return a.projector
}

// AddEvents folds a batch. Events already folded are dropped, so
// redelivery is harmless. finishedCatchUp latches the caught-up flag. If
// any event fails to apply, the batch leaves no trace
func (a *MultiProjectionActor[T]) AddEvents(
	evs []*Event, finishedCatchUp bool,
) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.process(evs); err != nil {
		return err
	}
	if finishedCatchUp {
		a.caughtUp = true
	}
	return nil
}

// GetState returns the unsafe view when canGetUnsafe is set and events are
// buffered, otherwise the safe view
func (a *MultiProjectionActor[T]) GetState(
	canGetUnsafe bool,
) (*ProjectionState[T], error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.process(nil); err != nil {
		return nil, err
	}
	if !canGetUnsafe || len(a.buffer) == 0 {
		return a.safeState(), nil
	}
	return &ProjectionState[T]{
		Payload:             a.unsafe,
		Version:             a.safeVersion + a.bufVersion,
		LastSortableID:      a.unsafeLast(),
		SafeWindowThreshold: a.threshold,
		IsCaughtUp:          a.caughtUp,
	}, nil
}

// GetSafeState returns the state built only from settled events
func (a *MultiProjectionActor[T]) GetSafeState() (*ProjectionState[T], error) {
	return a.GetState(false)
}

// GetUnsafeState returns the state including buffered events
func (a *MultiProjectionActor[T]) GetUnsafeState() (*ProjectionState[T], error) {
	return a.GetState(true)
}

// SerializableState captures the actor. With canGetUnsafe the buffered
// events travel too; without it the snapshot holds only the safe fold and
// a restored actor expects the buffered events to be delivered again
func (a *MultiProjectionActor[T]) SerializableState(
	ctx context.Context, canGetUnsafe bool,
) (*SnapshotEnvelope, error) {
	snap, err := a.snapshot(canGetUnsafe)
	if err != nil {
		return nil, err
	}
	return a.offloader.Wrap(ctx, snap)
}

func (a *MultiProjectionActor[T]) snapshot(
	canGetUnsafe bool,
) (*ProjectionSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.process(nil); err != nil {
		return nil, err
	}
	data, err := json.Marshal(a.safe)
	if err != nil {
		return nil, err
	}
	snap := &ProjectionSnapshot{
		Payload:          data,
		ProjectorName:    a.projector.Name,
		ProjectorVersion: a.projector.Version,
		LastSortableID:   a.safeLast,
		Version:          a.safeVersion,
		IsCaughtUp:       a.caughtUp,
	}
	if canGetUnsafe {
		snap.Unsafe = slices.Clone(a.buffer)
	}
	return snap, nil
}

// SetCurrentState replaces the actor's state with a snapshot taken by
// SerializableState
func (a *MultiProjectionActor[T]) SetCurrentState(
	ctx context.Context, env *SnapshotEnvelope,
) error {
	snap, err := a.offloader.Unwrap(ctx, env)
	if err != nil {
		return err
	}
	if snap.ProjectorName != a.projector.Name ||
		snap.ProjectorVersion != a.projector.Version {
		return fmt.Errorf("%w: snapshot of %s@%s",
			ErrProjectorMismatch, snap.ProjectorName, snap.ProjectorVersion,
		)
	}
	safe, err := a.projector.decode(snap.Payload)
	if err != nil {
		return err
	}

	unsafe, bufVersion, err := a.foldArrival(safe, snap.Unsafe)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.safe = safe
	a.safeVersion = snap.Version
	a.safeLast = snap.LastSortableID
	a.caughtUp = snap.IsCaughtUp
	a.buffer = slices.Clone(snap.Unsafe)
	a.buffered = bufferIndex(a.buffer)
	a.unsafe = unsafe
	a.bufVersion = bufVersion
	return nil
}

// process runs one pass: it classifies the incoming events against the
// current threshold, promotes buffered events that crossed it, and folds
func (a *MultiProjectionActor[T]) process(evs []*Event) error {
	threshold := SafeWindowThreshold(a.clock.Now(), a.window)
	if threshold < a.threshold {
		threshold = a.threshold
	}

	var toSafe, toBuffer []*Event
	seen := map[string]bool{}
	for _, ev := range evs {
		if a.buffered[ev.ID] || seen[ev.ID] {
			duplicateEvents.Inc()
			continue
		}
		if ev.SortableID <= a.safeLast {
			duplicateEvents.Inc()
			if ev.SortableID < a.safeLast {
				lateSafeEvents.Inc()
				a.logger.Debug("dropping event at or below safe position",
					zap.String("id", ev.ID),
					zap.Stringer("sortable_id", ev.SortableID),
					zap.Stringer("safe_last", a.safeLast),
				)
			}
			continue
		}
		seen[ev.ID] = true
		if ev.SortableID < threshold {
			toSafe = append(toSafe, ev)
		} else {
			toBuffer = append(toBuffer, ev)
		}
	}

	var remaining []*Event
	for _, ev := range a.buffer {
		if ev.SortableID < threshold {
			toSafe = append(toSafe, ev)
		} else {
			remaining = append(remaining, ev)
		}
	}

	if len(toSafe) == 0 && len(toBuffer) == 0 {
		a.threshold = threshold
		return nil
	}

	p, err := a.fold(threshold, toSafe, remaining, toBuffer)
	if err != nil {
		return err
	}
	a.commit(p, toBuffer)
	return nil
}

func (a *MultiProjectionActor[T]) fold(
	threshold SortableUniqueID, toSafe, remaining, toBuffer []*Event,
) (*pass[T], error) {
	p := &pass[T]{
		safe:        a.safe,
		safeLast:    a.safeLast,
		safeVersion: a.safeVersion,
		threshold:   threshold,
	}

	if len(toSafe) > 0 {
		sortEvents(toSafe)
		for _, ev := range toSafe {
			next, ok, err := a.apply(p.safe, ev)
			if err != nil {
				return nil, err
			}
			p.safeLast = ev.SortableID
			if ok {
				p.safe = next
				p.safeVersion++
			}
		}
	}

	p.buffer = append(remaining, toBuffer...)
	base, baseVersion, tail := a.unsafe, a.bufVersion, toBuffer
	if len(toSafe) > 0 {
		base, baseVersion, tail = p.safe, 0, p.buffer
	}
	unsafe, n, err := a.foldArrival(base, tail)
	if err != nil {
		return nil, err
	}
	p.unsafe = unsafe
	p.bufVersion = baseVersion + n
	return p, nil
}

func (a *MultiProjectionActor[T]) commit(p *pass[T], added []*Event) {
	if len(p.buffer) != len(a.buffer)+len(added) {
		a.buffered = bufferIndex(p.buffer)
	} else {
		for _, ev := range added {
			a.buffered[ev.ID] = true
		}
	}
	a.safe = p.safe
	a.safeLast = p.safeLast
	a.safeVersion = p.safeVersion
	a.unsafe = p.unsafe
	a.buffer = p.buffer
	a.bufVersion = p.bufVersion
	a.threshold = p.threshold
}

// foldArrival folds the events in the order given, returning the number
// that were applied
func (a *MultiProjectionActor[T]) foldArrival(
	base T, evs []*Event,
) (T, int64, error) {
	var n int64
	for _, ev := range evs {
		next, ok, err := a.apply(base, ev)
		if err != nil {
			return base, 0, err
		}
		if ok {
			base = next
			n++
		}
	}
	return base, n, nil
}

func (a *MultiProjectionActor[T]) apply(state T, ev *Event) (T, bool, error) {
	next, err := a.projector.Apply(state, ev)
	if err == nil {
		return next, true, nil
	}
	var unreg *UnregisteredTypeError
	if a.skipUnknown && errors.As(err, &unreg) {
		return state, false, nil
	}
	return state, false, err
}

func (a *MultiProjectionActor[T]) safeState() *ProjectionState[T] {
	return &ProjectionState[T]{
		Payload:             a.safe,
		Version:             a.safeVersion,
		LastSortableID:      a.safeLast,
		SafeWindowThreshold: a.threshold,
		IsSafeState:         true,
		IsCaughtUp:          a.caughtUp,
	}
}

func (a *MultiProjectionActor[T]) unsafeLast() SortableUniqueID {
	res := a.safeLast
	for _, ev := range a.buffer {
		if ev.SortableID > res {
			res = ev.SortableID
		}
	}
	return res
}

func bufferIndex(evs []*Event) map[string]bool {
	res := make(map[string]bool, len(evs))
	for _, ev := range evs {
		res[ev.ID] = true
	}
	return res
}
