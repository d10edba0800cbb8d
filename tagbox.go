package tagbox

import (
	"context"

	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

type (
	// Tagbox owns the per-identity actors of a runtime: one TagConsistency
	// per tag, one TagStateActor per tag and projector, and one
	// MultiProjectionActor per projector
	Tagbox struct {
		store          EventStore
		hub            *EventHub
		coordinators   *xsync.MapOf[string, *TagConsistency]
		projections    *xsync.MapOf[string, any]
		projectors     *xsync.MapOf[string, ProjectorInfo]
		tagStates      *lruCache[any]
		tagStateCache  TagStateCache
		blobStore      BlobStore
		snapshotWorker *SnapshotWorker
		logger         *zap.Logger
		clock          clockwork.Clock
		ctx            context.Context
		cancel         context.CancelFunc
		config         Config
	}

	// Option customizes a Tagbox
	Option func(*Tagbox)
)

// WithLogger sets the logger the runtime and its actors log through
func WithLogger(logger *zap.Logger) Option {
	return func(tb *Tagbox) {
		tb.logger = logger
	}
}

// WithClock replaces the wall clock used for leases and safe windows
func WithClock(clock clockwork.Clock) Option {
	return func(tb *Tagbox) {
		tb.clock = clock
	}
}

// WithTagStateCache enables warm starts and background persistence of tag
// states
func WithTagStateCache(cache TagStateCache) Option {
	return func(tb *Tagbox) {
		tb.tagStateCache = cache
	}
}

// WithBlobStore sets where oversized projection snapshots are offloaded
func WithBlobStore(bs BlobStore) Option {
	return func(tb *Tagbox) {
		tb.blobStore = bs
	}
}

// NewTagbox creates a runtime over the given store
func NewTagbox(store EventStore, cfg Config, opts ...Option) *Tagbox {
	ctx, cancel := context.WithCancel(context.Background())
	cfg = cfg.withDefaults()

	tb := &Tagbox{
		store:        store,
		hub:          NewEventHub(),
		coordinators: xsync.NewMapOf[string, *TagConsistency](),
		projections:  xsync.NewMapOf[string, any](),
		projectors:   xsync.NewMapOf[string, ProjectorInfo](),
		tagStates:    newLRUCache[any](cfg.TagStateCacheSize),
		config:       cfg,
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(tb)
	}
	if tb.logger == nil {
		tb.logger = zap.NewNop()
	}
	if tb.clock == nil {
		tb.clock = clockwork.NewRealClock()
	}
	if tb.tagStateCache != nil {
		tb.snapshotWorker = NewSnapshotWorker(
			tb.tagStateCache, cfg.Snapshot, tb.logger,
		)
	}
	return tb
}

// Store returns the underlying EventStore
func (tb *Tagbox) Store() EventStore {
	return tb.store
}

// Hub returns the EventHub that executed commands publish to
func (tb *Tagbox) Hub() *EventHub {
	return tb.hub
}

// Config returns the effective configuration, defaults applied
func (tb *Tagbox) Config() Config {
	return tb.config
}

// Clock returns the clock used for leases and safe windows
func (tb *Tagbox) Clock() clockwork.Clock {
	return tb.clock
}

// Context is cancelled when the Tagbox is closed
func (tb *Tagbox) Context() context.Context {
	return tb.ctx
}

// Consistency returns the reservation coordinator for the tag, creating
// it on first use
func (tb *Tagbox) Consistency(tag Tag) *TagConsistency {
	res, _ := tb.coordinators.LoadOrCompute(tag.String(),
		func() *TagConsistency {
			return NewTagConsistency(
				tag, tb.store, tb.config.CancellationWindow, tb.clock,
				tb.logger.Named("consistency"),
			)
		},
	)
	return res
}

// RegisterProjector makes a projector resolvable by name through
// SerializableTagState. A later registration under the same name wins
func (tb *Tagbox) RegisterProjector(p ProjectorInfo) {
	tb.projectors.Store(p.ProjectorName(), p)
}

// SerializableTagState resolves a registered projector by name and
// returns the tag's state in its persisted form
func (tb *Tagbox) SerializableTagState(
	ctx context.Context, tag Tag, projector string,
) (*SerializableTagState, error) {
	p, ok := tb.projectors.Load(projector)
	if !ok {
		return nil, &UnregisteredTypeError{Kind: "projector", Name: projector}
	}
	return p.serializableTagState(ctx, tb, tag)
}

// Close stops background snapshot persistence
func (tb *Tagbox) Close() error {
	tb.cancel()
	tb.hub.Close()
	if tb.snapshotWorker != nil {
		tb.snapshotWorker.Stop()
	}
	return nil
}
