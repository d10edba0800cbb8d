package tagbox_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/kode4food/tagbox"
)

const (
	EventAdded   tagbox.EventType = "added"
	EventBoom    tagbox.EventType = "boom"
	EventMystery tagbox.EventType = "mystery"
)

var (
	errBoom = errors.New("boom")

	// idsProjector records the order events were folded in
	idsProjector = &tagbox.Projector[[]string]{
		Name:    "ids",
		Version: "1",
		Appliers: tagbox.Appliers[[]string]{
			EventAdded: func(s []string, ev *tagbox.Event) ([]string, error) {
				return append(slices.Clone(s), ev.ID), nil
			},
			EventBoom: func(s []string, _ *tagbox.Event) ([]string, error) {
				return s, errBoom
			},
		},
	}

	countProjector = &tagbox.Projector[int]{
		Name:    "count",
		Version: "1",
		Appliers: tagbox.Appliers[int]{
			EventAdded: func(n int, _ *tagbox.Event) (int, error) {
				return n + 1, nil
			},
		},
	}

	base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
)

func newTagbox(
	t *testing.T, cfg tagbox.Config, opts ...tagbox.Option,
) (*tagbox.Tagbox, *tagbox.MemoryStore) {
	t.Helper()
	store := tagbox.NewMemoryStore()
	opts = append(
		[]tagbox.Option{tagbox.WithLogger(zaptest.NewLogger(t))}, opts...,
	)
	tb := tagbox.NewTagbox(store, cfg, opts...)
	t.Cleanup(func() { _ = tb.Close() })
	return tb, store
}

// event builds an event numbered n at the given time
func event(
	n int, at time.Time, typ tagbox.EventType, tags ...string,
) *tagbox.Event {
	return &tagbox.Event{
		ID:         fmt.Sprintf("e%d", n),
		SortableID: tagbox.SortableIDAt(at, int64(n)),
		Type:       typ,
		Tags:       tags,
		Data:       json.RawMessage(`{}`),
		Timestamp:  at,
	}
}
