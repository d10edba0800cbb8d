package redis_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kode4food/tagbox"
	"github.com/kode4food/tagbox/internal/storetest"
	"github.com/kode4food/tagbox/redis"
)

func newStore(t *testing.T, feed bool) *redis.Store {
	t.Helper()
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	cfg := redis.DefaultConfig()
	cfg.Addr = server.Addr()
	cfg.Feed = feed

	s, err := redis.NewStore(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) tagbox.EventStore {
		return newStore(t, false)
	})
}

func TestStoreConnectFailure(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	addr := server.Addr()
	server.Close()

	cfg := redis.DefaultConfig()
	cfg.Addr = addr
	_, err = redis.NewStore(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestStorePrefixIsolation(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	ctx := context.Background()
	open := func(prefix string) *redis.Store {
		cfg := redis.DefaultConfig()
		cfg.Addr = server.Addr()
		cfg.Prefix = prefix
		s, err := redis.NewStore(ctx, cfg, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}
	a, b := open("a"), open("b")

	_, _, err = a.WriteEvents(ctx, []*tagbox.Event{
		storetest.Event(1, "added", "Student:S1"),
	})
	require.NoError(t, err)

	evs, err := b.ReadAllEvents(ctx, tagbox.AnyPosition, tagbox.Unlimited)
	require.NoError(t, err)
	assert.Empty(t, evs)

	exists, err := b.TagExists(ctx, tagbox.NewTag("Student", "S1"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestTagStateCache(t *testing.T) {
	ctx := context.Background()
	cache := newStore(t, false).TagStateCache()

	st, err := cache.LoadTagState(ctx, "Student:S1|student")
	require.NoError(t, err)
	assert.Nil(t, st)

	save := func(version int64, projector, payload string) {
		t.Helper()
		require.NoError(t, cache.SaveTagState(ctx, "Student:S1|student",
			&tagbox.SerializableTagState{
				Payload:          json.RawMessage(payload),
				LastSortableID:   storetest.Event(int(version), "added").SortableID,
				TagGroup:         "Student",
				TagContent:       "S1",
				ProjectorName:    "student",
				ProjectorVersion: projector,
				Version:          version,
			},
		))
	}

	save(3, "1", `{"n":3}`)
	save(2, "1", `{"n":2}`)

	st, err = cache.LoadTagState(ctx, "Student:S1|student")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, int64(3), st.Version)
	assert.JSONEq(t, `{"n":3}`, string(st.Payload))
	assert.Equal(t, "Student", st.TagGroup)

	version, err := cache.Version(ctx, "Student:S1|student")
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)

	save(1, "2", `{"n":1}`)
	st, err = cache.LoadTagState(ctx, "Student:S1|student")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Version)
	assert.Equal(t, "2", st.ProjectorVersion)

	version, err = cache.Version(ctx, "missing")
	require.NoError(t, err)
	assert.Zero(t, version)
}

func TestFeedDisabled(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, false)

	_, err := s.PollFeed(ctx, redis.StartOfFeed,
		func(context.Context, *redis.FeedRecord) error { return nil },
	)
	assert.ErrorIs(t, err, redis.ErrFeedDisabled)

	_, err = s.TrimFeed(ctx, redis.StartOfFeed)
	assert.ErrorIs(t, err, redis.ErrFeedDisabled)
}

func TestPollFeed(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, true)

	var got []string
	collect := func(_ context.Context, rec *redis.FeedRecord) error {
		got = append(got, rec.Event.ID)
		return nil
	}

	cursor, err := s.PollFeed(ctx, "", collect)
	require.NoError(t, err)
	assert.Equal(t, redis.StartOfFeed, cursor)
	assert.Empty(t, got)

	_, _, err = s.WriteEvents(ctx, []*tagbox.Event{
		storetest.Event(1, "added", "Student:S1"),
		storetest.Event(2, "added", "Student:S2"),
	})
	require.NoError(t, err)

	cursor, err = s.PollFeed(ctx, cursor, collect)
	require.NoError(t, err)
	assert.Equal(t, []string{"event-1", "event-2"}, got)

	_, _, err = s.WriteEvents(ctx, []*tagbox.Event{
		storetest.Event(3, "added", "Student:S1"),
	})
	require.NoError(t, err)

	_, err = s.PollFeed(ctx, cursor, collect)
	require.NoError(t, err)
	assert.Equal(t, []string{"event-1", "event-2", "event-3"}, got)
}

func TestFollow(t *testing.T) {
	s := newStore(t, true)
	hub := tagbox.NewEventHub()
	consumer := hub.NewConsumer(tagbox.EventFilter{})
	defer func() { _ = consumer.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Follow(ctx, hub, redis.StartOfFeed, 10*time.Millisecond)
	}()

	_, _, err := s.WriteEvents(context.Background(), []*tagbox.Event{
		storetest.Event(1, "added", "Student:S1"),
	})
	require.NoError(t, err)

	select {
	case ev := <-consumer.Receive():
		assert.Equal(t, "event-1", ev.ID)
		assert.Equal(t, []string{"Student:S1"}, ev.Tags)
	case <-time.After(time.Second):
		t.Fatal("event not followed")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("follow did not stop")
	}
}
