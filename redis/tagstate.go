package redis

import (
	"context"
	"encoding/json"
	"errors"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kode4food/tagbox"
)

// TagStateCache is a tagbox.TagStateCache sharing the Store's connection.
// A save never replaces a newer state built by the same projector version
type TagStateCache struct {
	store *Store
}

// TagStateCache returns a cache that keeps tag states next to the events
func (s *Store) TagStateCache() *TagStateCache {
	return &TagStateCache{store: s}
}

func (c *TagStateCache) LoadTagState(
	ctx context.Context, key string,
) (*tagbox.SerializableTagState, error) {
	vals, err := c.store.client.HMGet(ctx, c.key(key), "data").Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 || vals[0] == nil {
		return nil, nil
	}

	data, ok := vals[0].(string)
	if !ok {
		return nil, ErrUnexpectedLuaResult
	}
	st := &tagbox.SerializableTagState{}
	if err := json.Unmarshal([]byte(data), st); err != nil {
		return nil, err
	}
	return st, nil
}

func (c *TagStateCache) SaveTagState(
	ctx context.Context, key string, st *tagbox.SerializableTagState,
) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return c.store.putTagStateLua.Run(
		ctx, c.store.client, []string{c.key(key)},
		string(data), st.Version, st.ProjectorVersion,
	).Err()
}

// Version returns the version of the stored state for key, or zero
func (c *TagStateCache) Version(ctx context.Context, key string) (int64, error) {
	v, err := c.store.client.HGet(ctx, c.key(key), "version").Result()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return parseInt(v)
}

func (c *TagStateCache) key(key string) string {
	return c.store.config.Prefix + tagStateInfix + key
}
