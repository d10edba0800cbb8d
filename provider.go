package tagbox

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type (
	// EventProvider replays stored events in batches and then switches to
	// the live events the Tagbox publishes
	EventProvider struct {
		tb     *Tagbox
		logger *zap.Logger
		config ProviderConfig
	}

	// BatchHandler receives delivered events. finishedCatchUp is set on the
	// last catch-up batch and on every live delivery
	BatchHandler func(ctx context.Context, evs []*Event, finishedCatchUp bool) error

	// BatchOptions control a batch subscription
	BatchOptions struct {
		Filter     EventFilter
		From       SortableUniqueID
		BatchSize  int
		RetryDelay time.Duration
		AutoRetry  bool
	}

	// SubscriptionState is the lifecycle phase of a Subscription
	SubscriptionState int32

	// Statistics describe a Subscription's progress
	Statistics struct {
		StartedAt       time.Time
		CaughtUpAt      time.Time
		LastSortableID  SortableUniqueID
		LastError       string
		State           SubscriptionState
		CatchUpEvents   int64
		LiveEvents      int64
		Duplicates      int64
		Batches         int64
		Retries         int64
		Paused          bool
		WaitingForRetry bool
	}

	// Subscription is a running delivery started by an EventProvider
	Subscription struct {
		provider  *EventProvider
		ctx       context.Context
		cancel    context.CancelFunc
		consumer  *Consumer
		onBatch   BatchHandler
		logger    *zap.Logger
		caughtUp  chan struct{}
		done      chan struct{}
		retry     chan struct{}
		batch     chan struct{}
		resume    chan struct{}
		recent    map[string]bool
		floor     SortableUniqueID
		stats     Statistics
		opts      BatchOptions
		state     atomic.Int32
		mu        sync.Mutex
		stopOnce  sync.Once
		unsubOnce sync.Once
	}
)

const (
	Initializing SubscriptionState = iota
	CatchingUp
	Live
	Stopped
)

// NewEventProvider creates a provider reading from the Tagbox's store and
// hub
func NewEventProvider(tb *Tagbox) *EventProvider {
	return &EventProvider{
		tb:     tb,
		logger: tb.logger.Named("provider"),
		config: tb.config.Provider,
	}
}

// Start delivers every event after from that matches filter, one at a time
func (p *EventProvider) Start(
	ctx context.Context, onEvent EventHandler, from SortableUniqueID,
	filter EventFilter,
) (*Subscription, error) {
	return p.StartWithBatches(ctx,
		func(_ context.Context, evs []*Event, _ bool) error {
			for _, ev := range evs {
				if err := onEvent(ev); err != nil {
					return err
				}
			}
			return nil
		},
		BatchOptions{
			From:      from,
			Filter:    filter,
			AutoRetry: true,
		},
	)
}

// StartWithActor feeds a sink such as a MultiProjectionActor from the
// beginning of the log
func (p *EventProvider) StartWithActor(
	ctx context.Context, sink EventSink, batchSize int, filter EventFilter,
) (*Subscription, error) {
	return p.StartWithBatches(ctx,
		func(_ context.Context, evs []*Event, finished bool) error {
			return sink.AddEvents(evs, finished)
		},
		BatchOptions{
			BatchSize: batchSize,
			Filter:    filter,
			AutoRetry: true,
		},
	)
}

// StartWithBatches is the general form. A full catch-up batch whose events
// are all still inside the safe window, or a batch the handler rejects, is
// retried after RetryDelay when AutoRetry is set. Otherwise the
// subscription waits for RetryManually
func (p *EventProvider) StartWithBatches(
	ctx context.Context, onBatch BatchHandler, opts BatchOptions,
) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = p.config.BatchSize
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = p.config.RetryDelay
	}

	subCtx, cancel := context.WithCancel(ctx)
	now := p.tb.clock.Now()
	s := &Subscription{
		provider: p,
		ctx:      subCtx,
		cancel:   cancel,
		consumer: p.tb.hub.NewConsumer(opts.Filter),
		onBatch:  onBatch,
		opts:     opts,
		logger:   p.logger,
		caughtUp: make(chan struct{}),
		done:     make(chan struct{}),
		retry:    make(chan struct{}, 1),
		batch:    make(chan struct{}, 1),
		recent:   map[string]bool{},
		floor: MinSortableID(
			now.Add(-p.tb.config.CancellationWindow - p.tb.config.SafeWindow),
		),
	}
	s.stats.StartedAt = now
	s.stats.LastSortableID = opts.From

	go s.run()
	return s, nil
}

func (s *Subscription) run() {
	defer close(s.done)
	defer s.setState(Stopped)
	defer s.consumer.Close()

	s.setState(CatchingUp)
	if !s.catchUp() {
		return
	}

	s.mu.Lock()
	s.stats.CaughtUpAt = s.provider.tb.clock.Now()
	s.mu.Unlock()
	s.setState(Live)
	close(s.caughtUp)
	s.logger.Debug("caught up",
		zap.Stringer("position", s.Statistics().LastSortableID),
	)

	s.live()
}

func (s *Subscription) catchUp() bool {
	store := s.provider.tb.store
	pos := s.opts.From
	for {
		if !s.waitIfPaused() {
			return false
		}

		evs, err := store.ReadAllEvents(s.ctx, pos, s.opts.BatchSize)
		if err != nil {
			if s.ctx.Err() != nil {
				return false
			}
			s.fail(err)
			if !s.waitForRetry() {
				return false
			}
			continue
		}

		final := len(evs) < s.opts.BatchSize
		if !final && s.allUnsafe(evs) {
			s.logger.Debug("batch inside safe window, waiting",
				zap.Stringer("from", pos), zap.Int("events", len(evs)),
			)
			if !s.waitForRetry() {
				return false
			}
			continue
		}

		matched := s.filter(evs)
		if len(matched) > 0 || final {
			if err := s.deliver(matched, final); err != nil {
				if s.ctx.Err() != nil {
					return false
				}
				s.fail(err)
				if !s.waitForRetry() {
					return false
				}
				continue
			}
		}

		s.mu.Lock()
		s.stats.CatchUpEvents += int64(len(matched))
		if len(evs) > 0 {
			pos = evs[len(evs)-1].SortableID
			s.stats.LastSortableID = pos
		}
		for _, ev := range evs {
			if ev.SortableID >= s.floor {
				s.recent[ev.ID] = true
			}
		}
		s.mu.Unlock()
		providerDelivered("catchup").Add(len(matched))

		if final {
			return true
		}
	}
}

func (s *Subscription) live() {
	events := s.consumer.Receive()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if s.isDuplicate(ev) {
				continue
			}
			for {
				if !s.waitIfPaused() {
					return
				}
				err := s.deliver([]*Event{ev}, true)
				if err == nil {
					break
				}
				if s.ctx.Err() != nil {
					return
				}
				s.fail(err)
				if !s.waitForRetry() {
					return
				}
			}
			s.mu.Lock()
			s.stats.LiveEvents++
			if ev.SortableID > s.stats.LastSortableID {
				s.stats.LastSortableID = ev.SortableID
			}
			s.mu.Unlock()
			providerDelivered("live").Inc()
		}
	}
}

func (s *Subscription) deliver(evs []*Event, final bool) error {
	select {
	case s.batch <- struct{}{}:
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
	defer func() { <-s.batch }()

	s.mu.Lock()
	s.stats.Batches++
	s.mu.Unlock()
	return s.onBatch(s.ctx, evs, final)
}

// isDuplicate drops live events that catch-up already delivered
func (s *Subscription) isDuplicate(ev *Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	dup := s.recent[ev.ID] ||
		(ev.SortableID < s.floor && ev.SortableID <= s.stats.LastSortableID)
	if dup {
		s.stats.Duplicates++
		providerDups.Inc()
	}
	return dup
}

func (s *Subscription) allUnsafe(evs []*Event) bool {
	threshold := SafeWindowThreshold(
		s.provider.tb.clock.Now(), s.provider.tb.config.SafeWindow,
	)
	return len(evs) > 0 && evs[0].SortableID >= threshold
}

func (s *Subscription) filter(evs []*Event) []*Event {
	res := make([]*Event, 0, len(evs))
	for _, ev := range evs {
		if s.opts.Filter.Matches(ev) {
			res = append(res, ev)
		}
	}
	return res
}

func (s *Subscription) fail(err error) {
	s.logger.Warn("batch failed", zap.Error(err))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.LastError = err.Error()
}

func (s *Subscription) waitForRetry() bool {
	s.mu.Lock()
	s.stats.WaitingForRetry = true
	s.stats.Retries++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.stats.WaitingForRetry = false
		s.mu.Unlock()
	}()

	var timer <-chan time.Time
	if s.opts.AutoRetry {
		timer = s.provider.tb.clock.After(s.opts.RetryDelay)
	}
	select {
	case <-timer:
		return true
	case <-s.retry:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Subscription) waitIfPaused() bool {
	s.mu.Lock()
	resume := s.resume
	s.mu.Unlock()
	if resume == nil {
		return s.ctx.Err() == nil
	}
	select {
	case <-resume:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Subscription) setState(st SubscriptionState) {
	s.state.Store(int32(st))
}

// State returns the subscription's lifecycle phase
func (s *Subscription) State() SubscriptionState {
	return SubscriptionState(s.state.Load())
}

// Pause holds delivery after the current batch. Position is kept
func (s *Subscription) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resume == nil {
		s.resume = make(chan struct{})
		s.stats.Paused = true
	}
}

// Resume continues a paused subscription
func (s *Subscription) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resume != nil {
		close(s.resume)
		s.resume = nil
		s.stats.Paused = false
	}
}

// RetryManually wakes a subscription waiting to retry a batch. It reports
// whether a retry was pending
func (s *Subscription) RetryManually() bool {
	s.mu.Lock()
	waiting := s.stats.WaitingForRetry
	s.mu.Unlock()
	if !waiting {
		return false
	}
	select {
	case s.retry <- struct{}{}:
	default:
	}
	return true
}

// StopSubscription detaches from live events. Catch-up still in progress
// runs to completion, after which the subscription stops
func (s *Subscription) StopSubscription() {
	s.unsubOnce.Do(func() {
		_ = s.consumer.Close()
	})
}

// Stop ends delivery and waits for the subscription to wind down
func (s *Subscription) Stop() {
	s.stopOnce.Do(func() {
		s.StopSubscription()
		s.cancel()
	})
	<-s.done
}

// Done is closed once the subscription has stopped
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// WaitForCatchUp blocks until the subscription is live
func (s *Subscription) WaitForCatchUp(
	ctx context.Context, timeout time.Duration,
) error {
	select {
	case <-s.caughtUp:
		return nil
	default:
	}

	select {
	case <-s.caughtUp:
		return nil
	case <-s.done:
		return ErrSubscriptionStopped
	case <-s.provider.tb.clock.After(timeout):
		return ErrCatchUpTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForCurrentBatch blocks while a batch is being delivered
func (s *Subscription) WaitForCurrentBatch(ctx context.Context) error {
	select {
	case s.batch <- struct{}{}:
		<-s.batch
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Statistics returns a copy of the subscription's counters
func (s *Subscription) Statistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.stats
	res.State = s.State()
	return res
}

func (s SubscriptionState) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case CatchingUp:
		return "catching-up"
	case Live:
		return "live"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}
