package tagbox

import (
	"context"
	"time"
)

type (
	// EventStore is the durable, append-only log. Reads are ordered by
	// SortableID ascending and "since" bounds are exclusive
	EventStore interface {
		ReadAllEvents(
			ctx context.Context, since SortableUniqueID, maxCount int,
		) ([]*Event, error)
		ReadEventsByTag(
			ctx context.Context, tag Tag, since SortableUniqueID,
		) ([]*Event, error)

		// WriteEvents appends all events in one atomic call and reports,
		// per distinct tag touched, the tag's new version
		WriteEvents(
			ctx context.Context, evs []*Event,
		) ([]*Event, []TagWriteResult, error)

		TagExists(ctx context.Context, tag Tag) (bool, error)
		GetLatestTag(ctx context.Context, tag Tag) (*TagInfo, error)
	}

	// TagWriteResult describes a tag after a write
	TagWriteResult struct {
		WrittenAt time.Time `json:"written_at"`
		Tag       string    `json:"tag"`
		Version   int64     `json:"version"`
	}

	// TagInfo is the stored tip of a tag
	TagInfo struct {
		Tag            string           `json:"tag"`
		LastSortableID SortableUniqueID `json:"last_sortable_id"`
		Version        int64            `json:"version"`
	}
)

// Unlimited can be passed as maxCount to ReadAllEvents
const Unlimited = 0
