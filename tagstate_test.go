package tagbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/tagbox"
	"github.com/kode4food/tagbox/examples/enrollment"
)

type memoryTagStateCache struct {
	states map[string]tagbox.SerializableTagState
	mu     sync.Mutex
}

func newMemoryTagStateCache() *memoryTagStateCache {
	return &memoryTagStateCache{
		states: map[string]tagbox.SerializableTagState{},
	}
}

func (c *memoryTagStateCache) LoadTagState(
	_ context.Context, key string,
) (*tagbox.SerializableTagState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[key]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (c *memoryTagStateCache) SaveTagState(
	_ context.Context, key string, st *tagbox.SerializableTagState,
) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[key] = *st
	return nil
}

func (c *memoryTagStateCache) snapshot() map[string]tagbox.SerializableTagState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.states)
}

func studentState(
	t *testing.T, tb *tagbox.Tagbox, id string,
) *tagbox.TagState[enrollment.StudentState] {
	t.Helper()
	st, err := tagbox.GetTagState(context.Background(), tb,
		enrollment.StudentTag(id), enrollment.StudentProjector,
	)
	require.NoError(t, err)
	return st
}

func TestTagStateFastPath(t *testing.T) {
	ex, _ := newExecutor(t, tagbox.DefaultConfig())
	tb := ex.Tagbox()
	createStudent(t, ex, "S1", "Ada")

	first := studentState(t, tb, "S1")
	second := studentState(t, tb, "S1")
	assert.Same(t, first, second)
	assert.Equal(t, int64(1), first.Version)
	assert.Equal(t, "Ada", first.Payload.Name)

	res, err := tagbox.Exec(context.Background(), ex, "aside", noteStudent("S1"))
	require.NoError(t, err)

	third := studentState(t, tb, "S1")
	assert.NotSame(t, first, third)
	assert.Equal(t, int64(1), third.Version)
	assert.Equal(t, res.Events[0].SortableID, third.LastSortableID)
}

func TestTagStateIndexTagFollowsWrites(t *testing.T) {
	ex, _ := newExecutor(t, tagbox.DefaultConfig())
	tb := ex.Tagbox()
	ctx := context.Background()
	all := tagbox.NewIndexTag("All", "items")

	add := func(
		context.Context, int, *tagbox.CommandContext,
	) (*tagbox.PendingEvent, error) {
		return tagbox.Emit(EventAdded, struct{}{}, tagbox.NewTag("Item", "x"), all)
	}
	for i := range 3 {
		_, err := tagbox.Exec(ctx, ex, i, add)
		require.NoError(t, err)

		st, err := tagbox.GetTagState(ctx, tb, all, countProjector)
		require.NoError(t, err)
		assert.Equal(t, i+1, st.Payload)
		assert.Equal(t, int64(i+1), st.Version)
	}
}

func TestTagStateIncremental(t *testing.T) {
	ex, _ := newExecutor(t, tagbox.DefaultConfig())
	tb := ex.Tagbox()
	createStudent(t, ex, "S1", "Ada")
	createClassRoom(t, ex, "C1", 3)
	createClassRoom(t, ex, "C2", 3)

	before := studentState(t, tb, "S1")
	for _, room := range []string{"C1", "C2"} {
		_, err := tagbox.Exec(context.Background(), ex,
			enrollment.EnrollStudent{StudentID: "S1", ClassRoomID: room},
			enrollment.HandleEnrollStudent,
		)
		require.NoError(t, err)
	}
	_, err := tagbox.Exec(context.Background(), ex,
		enrollment.DropStudent{StudentID: "S1", ClassRoomID: "C1"},
		enrollment.HandleDropStudent,
	)
	require.NoError(t, err)

	after := studentState(t, tb, "S1")
	assert.Equal(t, int64(4), after.Version)
	assert.Equal(t, []string{"C2"}, after.Payload.ClassRoomIDs)
	assert.Empty(t, before.Payload.ClassRoomIDs)
}

func TestTagStateEmpty(t *testing.T) {
	tb, _ := newTagbox(t, tagbox.DefaultConfig())
	st := studentState(t, tb, "S9")
	assert.Equal(t, int64(0), st.Version)
	assert.False(t, st.Payload.Exists)
	assert.Equal(t, tagbox.AnyPosition, st.LastSortableID)
	assert.Equal(t, "Student", st.TagGroup)
	assert.Equal(t, "S9", st.TagContent)
	assert.Equal(t, "student", st.ProjectorName)
	assert.Equal(t, "1", st.ProjectorVersion)
}

func TestTagStateProjectorVersionRebuild(t *testing.T) {
	ex, _ := newExecutor(t, tagbox.DefaultConfig())
	tb := ex.Tagbox()
	createStudent(t, ex, "S1", "Ada")
	v1 := studentState(t, tb, "S1")

	next := *enrollment.StudentProjector
	next.Version = "2"
	v2, err := tagbox.GetTagState(context.Background(), tb,
		enrollment.StudentTag("S1"), &next,
	)
	require.NoError(t, err)
	assert.NotSame(t, v1, v2)
	assert.Equal(t, "2", v2.ProjectorVersion)
	assert.Equal(t, int64(1), v2.Version)
	assert.Equal(t, "Ada", v2.Payload.Name)

	again := studentState(t, tb, "S1")
	assert.Equal(t, "1", again.ProjectorVersion)
}

func TestTagStateProjectorMismatch(t *testing.T) {
	tb, _ := newTagbox(t, tagbox.DefaultConfig())
	studentState(t, tb, "S1")

	other := &tagbox.Projector[int]{Name: "student", Version: "1"}
	_, err := tagbox.GetTagState(context.Background(), tb,
		enrollment.StudentTag("S1"), other,
	)
	assert.ErrorIs(t, err, tagbox.ErrProjectorMismatch)
}

func TestTagStateApplierError(t *testing.T) {
	tb, store := newTagbox(t, tagbox.DefaultConfig())
	bad := event(1, base, enrollment.StudentCreated, "Student:S1")
	bad.Data = json.RawMessage(`"not an object"`)
	_, _, err := store.WriteEvents(context.Background(), []*tagbox.Event{bad})
	require.NoError(t, err)

	_, err = tagbox.GetTagState(context.Background(), tb,
		enrollment.StudentTag("S1"), enrollment.StudentProjector,
	)
	assert.ErrorContains(t, err, "decode StudentCreated")
}

func TestTagStateWarmStart(t *testing.T) {
	store := tagbox.NewMemoryStore()
	created := event(1, base, enrollment.StudentCreated, "Student:S1")
	created.Data = json.RawMessage(
		`{"student_id":"S1","name":"Ada","max_class_count":5}`,
	)
	_, _, err := store.WriteEvents(context.Background(), []*tagbox.Event{created})
	require.NoError(t, err)

	cache := newMemoryTagStateCache()
	cached := tagbox.SerializableTagState{
		Payload: json.RawMessage(
			`{"student_id":"S1","name":"Cached","max_class_count":5,"exists":true}`,
		),
		LastSortableID:   created.SortableID,
		TagGroup:         "Student",
		TagContent:       "S1",
		ProjectorName:    "student",
		ProjectorVersion: "1",
		Version:          7,
	}
	require.NoError(t, cache.SaveTagState(
		context.Background(), "Student:S1|student", &cached,
	))

	tb := tagbox.NewTagbox(store, tagbox.DefaultConfig(),
		tagbox.WithTagStateCache(cache),
	)
	defer func() { _ = tb.Close() }()
	enrollment.Register(tb)
	ex := tagbox.NewExecutor(tb)

	st := studentState(t, tb, "S1")
	assert.Equal(t, "Cached", st.Payload.Name)
	assert.Equal(t, int64(7), st.Version)

	createClassRoom(t, ex, "C1", 3)
	_, err = tagbox.Exec(context.Background(), ex,
		enrollment.EnrollStudent{StudentID: "S1", ClassRoomID: "C1"},
		enrollment.HandleEnrollStudent,
	)
	require.NoError(t, err)

	st = studentState(t, tb, "S1")
	assert.Equal(t, "Cached", st.Payload.Name)
	assert.Equal(t, int64(8), st.Version)
	assert.Equal(t, []string{"C1"}, st.Payload.ClassRoomIDs)
}

func TestTagStateWarmStartIgnoresOldProjector(t *testing.T) {
	store := tagbox.NewMemoryStore()
	created := event(1, base, enrollment.StudentCreated, "Student:S1")
	created.Data = json.RawMessage(`{"student_id":"S1","name":"Ada"}`)
	_, _, err := store.WriteEvents(context.Background(), []*tagbox.Event{created})
	require.NoError(t, err)

	cache := newMemoryTagStateCache()
	require.NoError(t, cache.SaveTagState(
		context.Background(), "Student:S1|student",
		&tagbox.SerializableTagState{
			Payload:          json.RawMessage(`{"name":"Cached","exists":true}`),
			LastSortableID:   created.SortableID,
			ProjectorName:    "student",
			ProjectorVersion: "0",
			Version:          7,
		},
	))

	tb := tagbox.NewTagbox(store, tagbox.DefaultConfig(),
		tagbox.WithTagStateCache(cache),
	)
	defer func() { _ = tb.Close() }()

	st := studentState(t, tb, "S1")
	assert.Equal(t, "Ada", st.Payload.Name)
	assert.Equal(t, int64(1), st.Version)
}

func TestTagStatePersisted(t *testing.T) {
	cfg := tagbox.DefaultConfig()
	cfg.Snapshot.Every = 1
	cache := newMemoryTagStateCache()
	tb, _ := newTagbox(t, cfg, tagbox.WithTagStateCache(cache))
	enrollment.Register(tb)
	ex := tagbox.NewExecutor(tb)

	createStudent(t, ex, "S1", "Ada")
	studentState(t, tb, "S1")

	assert.Eventually(t, func() bool {
		st, ok := cache.snapshot()["Student:S1|student"]
		return ok && st.Version == 1
	}, time.Second, 10*time.Millisecond)

	st := cache.snapshot()["Student:S1|student"]
	assert.Equal(t, "1", st.ProjectorVersion)
	assert.JSONEq(t,
		`{"student_id":"S1","name":"Ada","class_room_ids":null,"max_class_count":5,"exists":true}`,
		string(st.Payload),
	)
}

func TestSerializableTagStateByName(t *testing.T) {
	ex, _ := newExecutor(t, tagbox.DefaultConfig())
	tb := ex.Tagbox()
	createStudent(t, ex, "S1", "Ada")

	st, err := tb.SerializableTagState(context.Background(),
		enrollment.StudentTag("S1"), "student",
	)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Version)
	assert.Equal(t, "Student", st.TagGroup)

	var payload enrollment.StudentState
	require.NoError(t, json.Unmarshal(st.Payload, &payload))
	assert.Equal(t, "Ada", payload.Name)

	_, err = tb.SerializableTagState(context.Background(),
		enrollment.StudentTag("S1"), "gradebook",
	)
	var unreg *tagbox.UnregisteredTypeError
	require.True(t, errors.As(err, &unreg))
	assert.Equal(t, "projector", unreg.Kind)
	assert.Equal(t, "unregistered projector: gradebook", err.Error())
}
