package tagbox

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process EventStore. Events are kept sorted by
// SortableID, with a per-tag index
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event
	byID   map[string]*Event
	byTag  map[string][]*Event
	now    func() time.Time
}

// ErrDuplicateEvent is returned when an event id or sortable id was already
// written
var ErrDuplicateEvent = errors.New("duplicate event")

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  map[string]*Event{},
		byTag: map[string][]*Event{},
		now:   time.Now,
	}
}

func (s *MemoryStore) ReadAllEvents(
	_ context.Context, since SortableUniqueID, maxCount int,
) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sliceSince(s.events, since, maxCount), nil
}

func (s *MemoryStore) ReadEventsByTag(
	_ context.Context, tag Tag, since SortableUniqueID,
) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sliceSince(s.byTag[tag.String()], since, Unlimited), nil
}

func (s *MemoryStore) WriteEvents(
	_ context.Context, evs []*Event,
) ([]*Event, []TagWriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[SortableUniqueID]bool{}
	for _, ev := range evs {
		if _, ok := s.byID[ev.ID]; ok || seen[ev.SortableID] {
			return nil, nil, ErrDuplicateEvent
		}
		if err := ev.SortableID.Validate(); err != nil {
			return nil, nil, err
		}
		seen[ev.SortableID] = true
	}

	var order []string
	for _, ev := range evs {
		s.byID[ev.ID] = ev
		s.events = insertSorted(s.events, ev)
		for _, t := range DistinctTags(ev.Tags) {
			if !slices.Contains(order, t) {
				order = append(order, t)
			}
			s.byTag[t] = insertSorted(s.byTag[t], ev)
		}
	}

	now := s.now()
	res := make([]TagWriteResult, 0, len(order))
	for _, t := range order {
		res = append(res, TagWriteResult{
			Tag:       t,
			Version:   int64(len(s.byTag[t])),
			WrittenAt: now,
		})
	}
	return evs, res, nil
}

func (s *MemoryStore) TagExists(_ context.Context, tag Tag) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byTag[tag.String()]) > 0, nil
}

func (s *MemoryStore) GetLatestTag(_ context.Context, tag Tag) (*TagInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := tag.String()
	evs := s.byTag[key]
	info := &TagInfo{Tag: key, Version: int64(len(evs))}
	if len(evs) > 0 {
		info.LastSortableID = evs[len(evs)-1].SortableID
	}
	return info, nil
}

// Len returns the number of stored events
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func insertSorted(evs []*Event, ev *Event) []*Event {
	idx := sort.Search(len(evs), func(i int) bool {
		return evs[i].SortableID > ev.SortableID
	})
	return slices.Insert(evs, idx, ev)
}

func sliceSince(evs []*Event, since SortableUniqueID, maxCount int) []*Event {
	start := 0
	if since != "" {
		start = sort.Search(len(evs), func(i int) bool {
			return evs[i].SortableID > since
		})
	}
	end := len(evs)
	if maxCount > 0 && start+maxCount < end {
		end = start + maxCount
	}
	return slices.Clone(evs[start:end])
}

// DistinctTags returns tags without repeats, keeping first-seen order
func DistinctTags(tags []string) []string {
	res := make([]string, 0, len(tags))
	for _, t := range tags {
		if !slices.Contains(res, t) {
			res = append(res, t)
		}
	}
	return res
}
