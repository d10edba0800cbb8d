// Package storetest checks that an EventStore behaves the way the tagbox
// runtime expects. Every adapter runs the same cases
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/tagbox"
)

// Factory returns an empty store. It is called once per case
type Factory func(t *testing.T) tagbox.EventStore

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes every case against stores built by newStore
func Run(t *testing.T, newStore Factory) {
	t.Run("Empty", func(t *testing.T) { testEmpty(t, newStore(t)) })
	t.Run("WriteAndRead", func(t *testing.T) { testWriteAndRead(t, newStore(t)) })
	t.Run("Ordering", func(t *testing.T) { testOrdering(t, newStore(t)) })
	t.Run("Duplicate", func(t *testing.T) { testDuplicate(t, newStore(t)) })
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, newStore(t)) })
	t.Run("InvalidID", func(t *testing.T) { testInvalidID(t, newStore(t)) })
}

// Event builds an event at base plus n milliseconds, carrying the tags
func Event(n int, typ tagbox.EventType, tags ...string) *tagbox.Event {
	at := base.Add(time.Duration(n) * time.Millisecond)
	return &tagbox.Event{
		ID:         fmt.Sprintf("event-%d", n),
		SortableID: tagbox.SortableIDAt(at, int64(n)),
		Type:       typ,
		Tags:       tags,
		Data:       json.RawMessage(fmt.Sprintf(`{"n":%d}`, n)),
		Timestamp:  at,
	}
}

func testEmpty(t *testing.T, s tagbox.EventStore) {
	ctx := context.Background()
	tag := tagbox.NewTag("Student", "S1")

	evs, err := s.ReadAllEvents(ctx, tagbox.AnyPosition, tagbox.Unlimited)
	require.NoError(t, err)
	assert.Empty(t, evs)

	evs, err = s.ReadEventsByTag(ctx, tag, tagbox.AnyPosition)
	require.NoError(t, err)
	assert.Empty(t, evs)

	exists, err := s.TagExists(ctx, tag)
	require.NoError(t, err)
	assert.False(t, exists)

	info, err := s.GetLatestTag(ctx, tag)
	require.NoError(t, err)
	assert.Equal(t, "Student:S1", info.Tag)
	assert.Equal(t, int64(0), info.Version)
	assert.Equal(t, tagbox.AnyPosition, info.LastSortableID)
}

func testWriteAndRead(t *testing.T, s tagbox.EventStore) {
	ctx := context.Background()
	e1 := Event(1, "StudentCreated", "Student:S1")
	e2 := Event(2, "ClassRoomCreated", "ClassRoom:C1")
	e3 := Event(3, "StudentEnrolled", "Student:S1", "ClassRoom:C1")

	written, writes, err := s.WriteEvents(ctx, []*tagbox.Event{e1, e2, e3})
	require.NoError(t, err)
	assert.Len(t, written, 3)
	require.Len(t, writes, 2)
	assert.Equal(t, "Student:S1", writes[0].Tag)
	assert.Equal(t, int64(2), writes[0].Version)
	assert.Equal(t, "ClassRoom:C1", writes[1].Tag)
	assert.Equal(t, int64(2), writes[1].Version)

	all, err := s.ReadAllEvents(ctx, tagbox.AnyPosition, tagbox.Unlimited)
	require.NoError(t, err)
	assert.Equal(t, []string{e1.ID, e2.ID, e3.ID}, ids(all))

	after, err := s.ReadAllEvents(ctx, e1.SortableID, tagbox.Unlimited)
	require.NoError(t, err)
	assert.Equal(t, []string{e2.ID, e3.ID}, ids(after))

	limited, err := s.ReadAllEvents(ctx, tagbox.AnyPosition, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{e1.ID, e2.ID}, ids(limited))

	student := tagbox.NewTag("Student", "S1")
	byTag, err := s.ReadEventsByTag(ctx, student, tagbox.AnyPosition)
	require.NoError(t, err)
	assert.Equal(t, []string{e1.ID, e3.ID}, ids(byTag))

	byTag, err = s.ReadEventsByTag(ctx, student, e1.SortableID)
	require.NoError(t, err)
	assert.Equal(t, []string{e3.ID}, ids(byTag))

	exists, err := s.TagExists(ctx, student)
	require.NoError(t, err)
	assert.True(t, exists)

	info, err := s.GetLatestTag(ctx, student)
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Version)
	assert.Equal(t, e3.SortableID, info.LastSortableID)
}

func testOrdering(t *testing.T, s tagbox.EventStore) {
	ctx := context.Background()
	late := Event(30, "noted", "Note:N1")
	early := Event(10, "noted", "Note:N1")

	_, _, err := s.WriteEvents(ctx, []*tagbox.Event{late})
	require.NoError(t, err)
	_, writes, err := s.WriteEvents(ctx, []*tagbox.Event{early})
	require.NoError(t, err)
	require.Len(t, writes, 1)
	assert.Equal(t, int64(2), writes[0].Version)

	all, err := s.ReadAllEvents(ctx, tagbox.AnyPosition, tagbox.Unlimited)
	require.NoError(t, err)
	assert.Equal(t, []string{early.ID, late.ID}, ids(all))

	info, err := s.GetLatestTag(ctx, tagbox.NewTag("Note", "N1"))
	require.NoError(t, err)
	assert.Equal(t, late.SortableID, info.LastSortableID)
}

func testDuplicate(t *testing.T, s tagbox.EventStore) {
	ctx := context.Background()
	e1 := Event(1, "noted", "Note:N1")
	_, _, err := s.WriteEvents(ctx, []*tagbox.Event{e1})
	require.NoError(t, err)

	e2 := Event(2, "noted", "Note:N1")
	_, _, err = s.WriteEvents(ctx, []*tagbox.Event{e2, e1})
	assert.ErrorIs(t, err, tagbox.ErrDuplicateEvent)

	all, err := s.ReadAllEvents(ctx, tagbox.AnyPosition, tagbox.Unlimited)
	require.NoError(t, err)
	assert.Equal(t, []string{e1.ID}, ids(all))

	info, err := s.GetLatestTag(ctx, tagbox.NewTag("Note", "N1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Version)
}

func testRoundTrip(t *testing.T, s tagbox.EventStore) {
	ctx := context.Background()
	ev := Event(7, "StudentCreated", "Student:S7", "StudentName:Ada")
	ev.Metadata = tagbox.Metadata{
		CausationID:   "cause",
		CorrelationID: "correlation",
		ExecutedUser:  "ada",
	}

	_, _, err := s.WriteEvents(ctx, []*tagbox.Event{ev})
	require.NoError(t, err)

	evs, err := s.ReadEventsByTag(
		ctx, tagbox.NewTag("StudentName", "Ada"), tagbox.AnyPosition,
	)
	require.NoError(t, err)
	require.Len(t, evs, 1)

	got := evs[0]
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, ev.SortableID, got.SortableID)
	assert.Equal(t, ev.Type, got.Type)
	assert.Equal(t, ev.Tags, got.Tags)
	assert.Equal(t, ev.Metadata, got.Metadata)
	assert.JSONEq(t, string(ev.Data), string(got.Data))
	assert.True(t, ev.Timestamp.Equal(got.Timestamp))
}

func testInvalidID(t *testing.T, s tagbox.EventStore) {
	ev := Event(1, "noted", "Note:N1")
	ev.SortableID = "not-an-id"
	_, _, err := s.WriteEvents(context.Background(), []*tagbox.Event{ev})
	assert.ErrorIs(t, err, tagbox.ErrInvalidSortableID)
}

func ids(evs []*tagbox.Event) []string {
	res := make([]string, len(evs))
	for i, ev := range evs {
		res[i] = ev.ID
	}
	return res
}
