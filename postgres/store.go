// Package postgres provides a PostgreSQL-backed tagbox.EventStore using a
// pgx connection pool
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kode4food/tagbox"
)

// Store persists events in PostgreSQL. Each write is one transaction
type Store struct {
	pool *pgxpool.Pool
}

const (
	schema = `
CREATE TABLE IF NOT EXISTS tagbox_events (
	sortable_id TEXT PRIMARY KEY,
	id          TEXT NOT NULL UNIQUE,
	type        TEXT NOT NULL,
	payload     JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS tagbox_event_tags (
	tag         TEXT NOT NULL,
	sortable_id TEXT NOT NULL REFERENCES tagbox_events (sortable_id),
	PRIMARY KEY (tag, sortable_id)
);
`

	uniqueViolation = "23505"
)

// Open connects to the database described by dsn and creates the schema
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the pool
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) ReadAllEvents(
	ctx context.Context, since tagbox.SortableUniqueID, maxCount int,
) ([]*tagbox.Event, error) {
	if maxCount > 0 {
		return s.query(ctx,
			`SELECT payload FROM tagbox_events WHERE sortable_id > $1
			 ORDER BY sortable_id LIMIT $2`,
			string(since), maxCount,
		)
	}
	return s.query(ctx,
		`SELECT payload FROM tagbox_events WHERE sortable_id > $1
		 ORDER BY sortable_id`,
		string(since),
	)
}

func (s *Store) ReadEventsByTag(
	ctx context.Context, tag tagbox.Tag, since tagbox.SortableUniqueID,
) ([]*tagbox.Event, error) {
	return s.query(ctx,
		`SELECT e.payload FROM tagbox_event_tags t
		 JOIN tagbox_events e ON e.sortable_id = t.sortable_id
		 WHERE t.tag = $1 AND t.sortable_id > $2
		 ORDER BY t.sortable_id`,
		tag.String(), string(since),
	)
}

func (s *Store) WriteEvents(
	ctx context.Context, evs []*tagbox.Event,
) ([]*tagbox.Event, []tagbox.TagWriteResult, error) {
	var writes []tagbox.TagWriteResult
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var order []string
		for _, ev := range evs {
			if err := ev.SortableID.Validate(); err != nil {
				return err
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx,
				`INSERT INTO tagbox_events (sortable_id, id, type, payload)
				 VALUES ($1, $2, $3, $4)`,
				string(ev.SortableID), ev.ID, string(ev.Type), payload,
			)
			if err != nil {
				return err
			}
			for _, tag := range tagbox.DistinctTags(ev.Tags) {
				_, err = tx.Exec(ctx,
					`INSERT INTO tagbox_event_tags (tag, sortable_id)
					 VALUES ($1, $2)`,
					tag, string(ev.SortableID),
				)
				if err != nil {
					return err
				}
				if !slices.Contains(order, tag) {
					order = append(order, tag)
				}
			}
		}

		now := time.Now()
		writes = make([]tagbox.TagWriteResult, 0, len(order))
		for _, tag := range order {
			var version int64
			err := tx.QueryRow(ctx,
				`SELECT COUNT(*) FROM tagbox_event_tags WHERE tag = $1`, tag,
			).Scan(&version)
			if err != nil {
				return err
			}
			writes = append(writes, tagbox.TagWriteResult{
				Tag:       tag,
				Version:   version,
				WrittenAt: now,
			})
		}
		return nil
	})
	if err != nil {
		return nil, nil, classify(err)
	}
	return evs, writes, nil
}

func (s *Store) TagExists(ctx context.Context, tag tagbox.Tag) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tagbox_event_tags WHERE tag = $1)`,
		tag.String(),
	).Scan(&exists)
	return exists, err
}

func (s *Store) GetLatestTag(
	ctx context.Context, tag tagbox.Tag,
) (*tagbox.TagInfo, error) {
	var version int64
	var last *string
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), MAX(sortable_id) FROM tagbox_event_tags
		 WHERE tag = $1`,
		tag.String(),
	).Scan(&version, &last)
	if err != nil {
		return nil, err
	}
	info := &tagbox.TagInfo{Tag: tag.String(), Version: version}
	if last != nil {
		info.LastSortableID = tagbox.SortableUniqueID(*last)
	}
	return info, nil
}

// Truncate removes every event. Intended for tests
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`TRUNCATE tagbox_event_tags, tagbox_events`,
	)
	return err
}

func (s *Store) query(
	ctx context.Context, query string, args ...any,
) ([]*tagbox.Event, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	res, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*tagbox.Event, error) {
		var payload []byte
		if err := row.Scan(&payload); err != nil {
			return nil, err
		}
		ev := &tagbox.Event{}
		if err := json.Unmarshal(payload, ev); err != nil {
			return nil, err
		}
		return ev, nil
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = []*tagbox.Event{}
	}
	return res, nil
}

func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %v", tagbox.ErrDuplicateEvent, err)
	}
	return err
}
