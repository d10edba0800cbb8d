// Package redis stores tagbox events in Redis or Valkey. Events live in a
// lexicographically ordered sorted set with their JSON in a hash, and every
// tag keeps its own sorted set of positions. Appends run as a single Lua
// script, so a multi-tag write is atomic
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kode4food/tagbox"
)

type (
	// Store is a tagbox.EventStore backed by Redis
	Store struct {
		client          *goredis.Client
		logger          *zap.Logger
		appendEventsLua *goredis.Script
		getEventsLua    *goredis.Script
		putTagStateLua  *goredis.Script
		config          Config
	}

	// Config configures a Store
	Config struct {
		Addr     string `env:"ADDR"`
		Password string `env:"PASSWORD"`
		Prefix   string `env:"PREFIX"`
		DB       int    `env:"DB"`
		Feed     bool   `env:"FEED"`
	}
)

const (
	ConnectTimeout = 5 * time.Second

	DefaultAddr   = "localhost:6379"
	DefaultPrefix = "tagbox"

	eventsSuffix   = ":events"
	dataSuffix     = ":data"
	idsSuffix      = ":ids"
	feedSuffix     = ":feed"
	tagInfix       = ":tag:"
	tagStateInfix  = ":tagstate:"
	appendSuccess  = int64(1)
	appendHeadSize = 1
)

var (
	// ErrUnexpectedLuaResult is returned when a script answers in an
	// unexpected shape
	ErrUnexpectedLuaResult = errors.New("unexpected result from Lua script")
)

// DefaultConfig returns a Config for a local Redis
func DefaultConfig() Config {
	return Config{
		Addr:   DefaultAddr,
		Prefix: DefaultPrefix,
	}
}

// NewStore connects to Redis and returns a Store
func NewStore(
	ctx context.Context, cfg Config, logger *zap.Logger,
) (*Store, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &Store{
		client:          client,
		logger:          logger.Named("redis"),
		appendEventsLua: goredis.NewScript(luaAppendEvents),
		getEventsLua:    goredis.NewScript(luaGetEvents),
		putTagStateLua:  goredis.NewScript(luaPutTagState),
		config:          cfg,
	}, nil
}

// Close releases the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) ReadAllEvents(
	ctx context.Context, since tagbox.SortableUniqueID, maxCount int,
) ([]*tagbox.Event, error) {
	return s.readEvents(ctx, s.key(eventsSuffix), since, maxCount)
}

func (s *Store) ReadEventsByTag(
	ctx context.Context, tag tagbox.Tag, since tagbox.SortableUniqueID,
) ([]*tagbox.Event, error) {
	return s.readEvents(ctx, s.tagKey(tag.String()), since, tagbox.Unlimited)
}

func (s *Store) WriteEvents(
	ctx context.Context, evs []*tagbox.Event,
) ([]*tagbox.Event, []tagbox.TagWriteResult, error) {
	if len(evs) == 0 {
		return evs, []tagbox.TagWriteResult{}, nil
	}

	feed := "0"
	if s.config.Feed {
		feed = "1"
	}
	args := []any{s.config.Prefix, feed, len(evs)}
	for _, ev := range evs {
		if err := ev.SortableID.Validate(); err != nil {
			return nil, nil, err
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, nil, err
		}
		tags := tagbox.DistinctTags(ev.Tags)
		args = append(args, string(ev.SortableID), ev.ID, string(data), len(tags))
		for _, t := range tags {
			args = append(args, t)
		}
	}

	keys := []string{
		s.key(eventsSuffix), s.key(dataSuffix), s.key(idsSuffix), s.feedKey(),
	}
	result, err := s.appendEventsLua.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return nil, nil, err
	}

	res, ok := result.([]any)
	if !ok || len(res) < appendHeadSize {
		return nil, nil, ErrUnexpectedLuaResult
	}
	if status, _ := res[0].(int64); status != appendSuccess {
		if len(res) > appendHeadSize {
			return nil, nil, fmt.Errorf("%w: %v", tagbox.ErrDuplicateEvent, res[1])
		}
		return nil, nil, tagbox.ErrDuplicateEvent
	}

	writes, err := s.tagWrites(res[appendHeadSize:])
	if err != nil {
		return nil, nil, err
	}
	return evs, writes, nil
}

func (s *Store) TagExists(ctx context.Context, tag tagbox.Tag) (bool, error) {
	n, err := s.client.Exists(ctx, s.tagKey(tag.String())).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) GetLatestTag(
	ctx context.Context, tag tagbox.Tag,
) (*tagbox.TagInfo, error) {
	key := s.tagKey(tag.String())

	var card *goredis.IntCmd
	var last *goredis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		card = p.ZCard(ctx, key)
		last = p.ZRevRangeByLex(ctx, key, &goredis.ZRangeBy{
			Max: "+", Min: "-", Count: 1,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	info := &tagbox.TagInfo{Tag: tag.String(), Version: card.Val()}
	if ids := last.Val(); len(ids) > 0 {
		info.LastSortableID = tagbox.SortableUniqueID(ids[0])
	}
	return info, nil
}

func (s *Store) readEvents(
	ctx context.Context, key string, since tagbox.SortableUniqueID,
	maxCount int,
) ([]*tagbox.Event, error) {
	lower := "-"
	if since != tagbox.AnyPosition {
		lower = "(" + string(since)
	}

	keys := []string{key, s.key(dataSuffix)}
	result, err := s.getEventsLua.Run(
		ctx, s.client, keys, lower, maxCount,
	).Result()
	if err != nil {
		return nil, err
	}

	raw, ok := result.([]any)
	if !ok {
		return nil, ErrUnexpectedLuaResult
	}
	return unmarshalEvents(raw)
}

func (s *Store) tagWrites(raw []any) ([]tagbox.TagWriteResult, error) {
	if len(raw)%2 != 0 {
		return nil, ErrUnexpectedLuaResult
	}

	now := time.Now()
	res := make([]tagbox.TagWriteResult, 0, len(raw)/2)
	for i := 0; i < len(raw); i += 2 {
		tag, ok := raw[i].(string)
		if !ok {
			return nil, ErrUnexpectedLuaResult
		}
		version, ok := raw[i+1].(int64)
		if !ok {
			return nil, ErrUnexpectedLuaResult
		}
		res = append(res, tagbox.TagWriteResult{
			Tag:       tag,
			Version:   version,
			WrittenAt: now,
		})
	}
	return res, nil
}

func (s *Store) key(suffix string) string {
	return s.config.Prefix + suffix
}

func (s *Store) tagKey(tag string) string {
	return s.config.Prefix + tagInfix + tag
}

func (s *Store) feedKey() string {
	return s.config.Prefix + feedSuffix
}

func unmarshalEvents(data []any) ([]*tagbox.Event, error) {
	events := make([]*tagbox.Event, 0, len(data))
	for _, item := range data {
		str, ok := item.(string)
		if !ok {
			return nil, ErrUnexpectedLuaResult
		}
		ev := &tagbox.Event{}
		if err := json.Unmarshal([]byte(str), ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func parseInt(v any) (int64, error) {
	switch v := v.(type) {
	case int64:
		return v, nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, ErrUnexpectedLuaResult
	}
}
