package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kode4food/tagbox"
)

type (
	// FeedRecord is one entry read from the feed stream
	FeedRecord struct {
		Event    *tagbox.Event
		StreamID string
	}

	// FeedHandler handles a single feed record
	FeedHandler func(context.Context, *FeedRecord) error
)

const (
	// DefaultFeedPollInterval is how long Follow waits when the feed is
	// empty
	DefaultFeedPollInterval = 250 * time.Millisecond

	// StartOfFeed reads the feed from its first entry
	StartOfFeed = "0-0"

	feedField     = "event"
	feedBatchSize = 128
)

var (
	// ErrFeedDisabled is returned when the Store was created without Feed
	ErrFeedDisabled = errors.New("feed not enabled for this store")

	// ErrFeedRecordMalformed is returned for stream entries that do not
	// carry an event
	ErrFeedRecordMalformed = errors.New("feed record malformed")
)

// PollFeed reads the entries written after the given stream id and hands
// them to handler in order. It returns the id of the last entry handled,
// which is the cursor for the next call
func (s *Store) PollFeed(
	ctx context.Context, after string, handler FeedHandler,
) (string, error) {
	if !s.config.Feed {
		return after, ErrFeedDisabled
	}
	if after == "" {
		after = StartOfFeed
	}

	streams, err := s.client.XRead(ctx, &goredis.XReadArgs{
		Streams: []string{s.feedKey(), after},
		Count:   feedBatchSize,
		Block:   -1,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return after, nil
	}
	if err != nil {
		return after, err
	}
	if len(streams) == 0 {
		return after, nil
	}

	for _, msg := range streams[0].Messages {
		rec, err := parseFeedRecord(msg)
		if err != nil {
			return after, err
		}
		if err := handler(ctx, rec); err != nil {
			return after, err
		}
		after = msg.ID
	}
	return after, nil
}

// Follow republishes events other processes write into hub until ctx is
// done. Events this process wrote through an Executor are already
// published, so Follow belongs in processes that only read
func (s *Store) Follow(
	ctx context.Context, hub *tagbox.EventHub, after string,
	interval time.Duration,
) error {
	if interval <= 0 {
		interval = DefaultFeedPollInterval
	}

	publish := func(_ context.Context, rec *FeedRecord) error {
		hub.Publish(rec.Event)
		return nil
	}

	for {
		next, err := s.PollFeed(ctx, after, publish)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if next != after {
			after = next
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// TrimFeed drops feed entries older than the given stream id
func (s *Store) TrimFeed(ctx context.Context, before string) (int64, error) {
	if !s.config.Feed {
		return 0, ErrFeedDisabled
	}
	n, err := s.client.XTrimMinID(ctx, s.feedKey(), before).Result()
	if err != nil {
		s.logger.Warn("feed trim failed", zap.Error(err))
	}
	return n, err
}

func parseFeedRecord(msg goredis.XMessage) (*FeedRecord, error) {
	raw, ok := msg.Values[feedField]
	if !ok {
		return nil, ErrFeedRecordMalformed
	}

	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return nil, ErrFeedRecordMalformed
	}

	ev := &tagbox.Event{}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, err
	}
	return &FeedRecord{
		Event:    ev,
		StreamID: msg.ID,
	}, nil
}
