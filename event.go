package tagbox

import (
	"encoding/json"
	"slices"
	"time"
)

type (
	// EventType names the business fact an event records
	EventType string

	// Event is an immutable record in the log
	Event struct {
		Timestamp  time.Time        `json:"timestamp"`
		ID         string           `json:"id"`
		SortableID SortableUniqueID `json:"sortable_id"`
		Type       EventType        `json:"type"`
		Tags       []string         `json:"tags"`
		Metadata   Metadata         `json:"metadata"`
		Data       json.RawMessage  `json:"data"`
	}

	// Metadata links an event to the command that produced it
	Metadata struct {
		CausationID   string `json:"causation_id,omitempty"`
		CorrelationID string `json:"correlation_id,omitempty"`
		ExecutedUser  string `json:"executed_user,omitempty"`
	}

	// PendingEvent is an event raised by a command handler that has not been
	// assigned an identity or position yet
	PendingEvent struct {
		Type EventType
		Data json.RawMessage
		Tags []Tag
	}
)

// Emit marshals the payload into a PendingEvent carrying the given tags
func Emit(typ EventType, payload any, tags ...Tag) (*PendingEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &PendingEvent{
		Type: typ,
		Data: data,
		Tags: tags,
	}, nil
}

// HasTag reports whether the event is associated with the tag
func (e *Event) HasTag(tag Tag) bool {
	return slices.Contains(e.Tags, tag.String())
}

// HasTagGroup reports whether any of the event's tags belongs to the group
func (e *Event) HasTagGroup(group string) bool {
	prefix := group + tagSep
	for _, t := range e.Tags {
		if len(t) > len(prefix) && t[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func sortEvents(evs []*Event) {
	slices.SortStableFunc(evs, func(l, r *Event) int {
		switch {
		case l.SortableID < r.SortableID:
			return -1
		case l.SortableID > r.SortableID:
			return 1
		default:
			return 0
		}
	})
}
