package tagbox_test

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/tagbox"
)

type collector struct {
	ids []string
	mu  sync.Mutex
}

func (c *collector) handle(ev *tagbox.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, ev.ID)
	return nil
}

func (c *collector) batch(
	_ context.Context, evs []*tagbox.Event, _ bool,
) error {
	for _, ev := range evs {
		_ = c.handle(ev)
	}
	return nil
}

func (c *collector) IDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.ids...)
}

func metricValue(t *testing.T, name string) float64 {
	t.Helper()
	var buf strings.Builder
	tagbox.WriteMetrics(&buf)
	for line := range strings.Lines(buf.String()) {
		val, ok := strings.CutPrefix(strings.TrimSpace(line), name+" ")
		if !ok {
			continue
		}
		res, err := strconv.ParseFloat(val, 64)
		require.NoError(t, err)
		return res
	}
	t.Fatalf("metric %s not written", name)
	return 0
}

func newProviderTagbox(
	t *testing.T, evs ...*tagbox.Event,
) (*tagbox.Tagbox, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(base)
	tb, store := newTagbox(t, windowConfig(), tagbox.WithClock(clock))
	if len(evs) > 0 {
		_, _, err := store.WriteEvents(context.Background(), evs)
		require.NoError(t, err)
	}
	return tb, clock
}

func TestProviderCatchUpThenLive(t *testing.T) {
	e1 := event(1, base.Add(-2*time.Second), EventAdded, "Note:N1")
	e2 := event(2, base.Add(-time.Second), EventAdded, "Note:N2")
	e3 := event(3, base.Add(-time.Second), EventMystery, "Note:N1")
	tb, _ := newProviderTagbox(t, e1, e2, e3)
	ctx := context.Background()

	var got collector
	sub, err := tagbox.NewEventProvider(tb).Start(ctx, got.handle,
		tagbox.AnyPosition, tagbox.EventFilter{Types: []tagbox.EventType{EventAdded}},
	)
	require.NoError(t, err)
	defer sub.Stop()

	require.NoError(t, sub.WaitForCatchUp(ctx, time.Second))
	assert.Equal(t, tagbox.Live, sub.State())
	assert.Equal(t, []string{"e1", "e2"}, got.IDs())

	stats := sub.Statistics()
	assert.Equal(t, int64(2), stats.CatchUpEvents)
	assert.Equal(t, e3.SortableID, stats.LastSortableID)
	assert.Equal(t, base, stats.StartedAt)
	assert.Equal(t, base, stats.CaughtUpAt)

	providerDups := metricValue(t, "tagbox_provider_duplicates_total")
	projectionDups := metricValue(t,
		"tagbox_projection_duplicate_events_total",
	)

	e4 := event(4, base, EventAdded, "Note:N1")
	tb.Hub().Publish(e2, e4)

	assert.Eventually(t, func() bool {
		return len(got.IDs()) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"e1", "e2", "e4"}, got.IDs())

	assert.Eventually(t, func() bool {
		stats := sub.Statistics()
		return stats.LiveEvents == 1 && stats.Duplicates == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, e4.SortableID, sub.Statistics().LastSortableID)
	assert.Equal(t,
		providerDups+1, metricValue(t, "tagbox_provider_duplicates_total"),
	)
	assert.Equal(t, projectionDups,
		metricValue(t, "tagbox_projection_duplicate_events_total"),
	)

	sub.Stop()
	assert.Equal(t, tagbox.Stopped, sub.State())
	select {
	case <-sub.Done():
	default:
		t.Fatal("subscription not done")
	}
}

func TestProviderFromPosition(t *testing.T) {
	e1 := event(1, base.Add(-2*time.Second), EventAdded)
	e2 := event(2, base.Add(-time.Second), EventAdded)
	tb, _ := newProviderTagbox(t, e1, e2)
	ctx := context.Background()

	var got collector
	sub, err := tagbox.NewEventProvider(tb).Start(
		ctx, got.handle, e1.SortableID, tagbox.EventFilter{},
	)
	require.NoError(t, err)
	defer sub.Stop()

	require.NoError(t, sub.WaitForCatchUp(ctx, time.Second))
	assert.Equal(t, []string{"e2"}, got.IDs())
}

func TestProviderWaitsForSafeWindow(t *testing.T) {
	tb, clock := newProviderTagbox(t,
		event(1, base, EventAdded),
		event(2, base, EventAdded),
		event(3, base, EventAdded),
	)
	ctx := context.Background()

	var got collector
	sub, err := tagbox.NewEventProvider(tb).StartWithBatches(ctx, got.batch,
		tagbox.BatchOptions{BatchSize: 2},
	)
	require.NoError(t, err)
	defer sub.Stop()

	assert.Eventually(t, func() bool {
		return sub.Statistics().WaitingForRetry
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, got.IDs())
	assert.Equal(t, tagbox.CatchingUp, sub.State())

	clock.Advance(time.Minute)
	assert.True(t, sub.RetryManually())

	require.NoError(t, sub.WaitForCatchUp(ctx, time.Second))
	assert.Equal(t, []string{"e1", "e2", "e3"}, got.IDs())

	stats := sub.Statistics()
	assert.Equal(t, int64(2), stats.Batches)
	assert.Equal(t, int64(1), stats.Retries)
	assert.False(t, stats.WaitingForRetry)
	assert.False(t, sub.RetryManually())
}

func TestProviderAutoRetry(t *testing.T) {
	tb, clock := newProviderTagbox(t,
		event(1, base, EventAdded),
		event(2, base, EventAdded),
	)
	ctx := context.Background()

	var got collector
	sub, err := tagbox.NewEventProvider(tb).StartWithBatches(ctx, got.batch,
		tagbox.BatchOptions{
			BatchSize:  2,
			AutoRetry:  true,
			RetryDelay: 5 * time.Second,
		},
	)
	require.NoError(t, err)
	defer sub.Stop()

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	assert.Empty(t, got.IDs())

	clock.Advance(time.Minute)
	require.NoError(t, sub.WaitForCatchUp(ctx, time.Second))
	assert.Equal(t, []string{"e1", "e2"}, got.IDs())
}

func TestProviderHandlerFailure(t *testing.T) {
	tb, _ := newProviderTagbox(t, event(1, base.Add(-time.Minute), EventAdded))
	ctx := context.Background()

	var calls atomic.Int32
	var got collector
	sub, err := tagbox.NewEventProvider(tb).StartWithBatches(ctx,
		func(ctx context.Context, evs []*tagbox.Event, final bool) error {
			if calls.Add(1) == 1 {
				return errBoom
			}
			return got.batch(ctx, evs, final)
		},
		tagbox.BatchOptions{},
	)
	require.NoError(t, err)
	defer sub.Stop()

	assert.Eventually(t, func() bool {
		return sub.Statistics().WaitingForRetry
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, errBoom.Error(), sub.Statistics().LastError)

	assert.True(t, sub.RetryManually())
	require.NoError(t, sub.WaitForCatchUp(ctx, time.Second))
	assert.Equal(t, []string{"e1"}, got.IDs())
	assert.Equal(t, int32(2), calls.Load())
}

func TestProviderPauseResume(t *testing.T) {
	tb, _ := newProviderTagbox(t)
	ctx := context.Background()

	var got collector
	sub, err := tagbox.NewEventProvider(tb).Start(
		ctx, got.handle, tagbox.AnyPosition, tagbox.EventFilter{},
	)
	require.NoError(t, err)
	defer sub.Stop()
	require.NoError(t, sub.WaitForCatchUp(ctx, time.Second))

	sub.Pause()
	assert.True(t, sub.Statistics().Paused)
	tb.Hub().Publish(event(1, base, EventAdded))

	assert.Never(t, func() bool {
		return len(got.IDs()) > 0
	}, 100*time.Millisecond, 10*time.Millisecond)

	sub.Resume()
	assert.False(t, sub.Statistics().Paused)
	assert.Eventually(t, func() bool {
		return len(got.IDs()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestProviderStopSubscription(t *testing.T) {
	tb, _ := newProviderTagbox(t)
	ctx := context.Background()

	var got collector
	sub, err := tagbox.NewEventProvider(tb).Start(
		ctx, got.handle, tagbox.AnyPosition, tagbox.EventFilter{},
	)
	require.NoError(t, err)
	require.NoError(t, sub.WaitForCatchUp(ctx, time.Second))

	sub.StopSubscription()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription did not stop")
	}
	assert.Equal(t, tagbox.Stopped, sub.State())
	assert.NoError(t, sub.WaitForCatchUp(ctx, time.Second))
	assert.NoError(t, sub.WaitForCurrentBatch(ctx))

	tb.Hub().Publish(event(1, base, EventAdded))
	sub.Stop()
	assert.Empty(t, got.IDs())
}

func TestProviderCatchUpTimeout(t *testing.T) {
	tb, _ := newTagbox(t, windowConfig())
	ctx := context.Background()

	sub, err := tagbox.NewEventProvider(tb).StartWithBatches(ctx,
		func(context.Context, []*tagbox.Event, bool) error {
			return errBoom
		},
		tagbox.BatchOptions{},
	)
	require.NoError(t, err)

	err = sub.WaitForCatchUp(ctx, 20*time.Millisecond)
	assert.ErrorIs(t, err, tagbox.ErrCatchUpTimeout)

	sub.Stop()
	err = sub.WaitForCatchUp(ctx, time.Second)
	assert.ErrorIs(t, err, tagbox.ErrSubscriptionStopped)
	assert.Equal(t, tagbox.Stopped, sub.State())
}

func TestProviderStartWithActor(t *testing.T) {
	tb, _ := newProviderTagbox(t,
		event(1, base.Add(-time.Minute), EventAdded),
		event(2, base.Add(-time.Second), EventAdded),
		event(3, base.Add(-time.Second), EventMystery),
	)
	ctx := context.Background()
	actor := tagbox.NewMultiProjectionActor(tb, idsProjector)

	sub, err := tagbox.NewEventProvider(tb).StartWithActor(
		ctx, actor, 10, idsProjector.Filter(),
	)
	require.NoError(t, err)
	defer sub.Stop()

	require.NoError(t, sub.WaitForCatchUp(ctx, time.Second))
	require.NoError(t, sub.WaitForCurrentBatch(ctx))

	live := unsafeState(t, actor)
	assert.Equal(t, []string{"e1", "e2"}, live.Payload)
	assert.True(t, live.IsCaughtUp)

	tb.Hub().Publish(event(4, base, EventAdded))
	assert.Eventually(t, func() bool {
		st, err := actor.GetUnsafeState()
		return err == nil && st.Version == 3
	}, time.Second, 5*time.Millisecond)
}

func TestProviderCancelledContext(t *testing.T) {
	tb, _ := newTagbox(t, windowConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tagbox.NewEventProvider(tb).Start(ctx,
		func(*tagbox.Event) error { return nil },
		tagbox.AnyPosition, tagbox.EventFilter{},
	)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubscriptionStateString(t *testing.T) {
	assert.Equal(t, "initializing", tagbox.Initializing.String())
	assert.Equal(t, "catching-up", tagbox.CatchingUp.String())
	assert.Equal(t, "live", tagbox.Live.String())
	assert.Equal(t, "stopped", tagbox.Stopped.String())
	assert.Equal(t, "unknown", tagbox.SubscriptionState(9).String())
}
