// Package sqlite provides a SQLite-backed tagbox.EventStore
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/kode4food/tagbox"
)

// Store persists events in SQLite. Each write is one transaction
type Store struct {
	sqlDB *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	sortable_id TEXT PRIMARY KEY,
	id          TEXT NOT NULL UNIQUE,
	type        TEXT NOT NULL,
	payload     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS event_tags (
	tag         TEXT NOT NULL,
	sortable_id TEXT NOT NULL REFERENCES events (sortable_id),
	PRIMARY KEY (tag, sortable_id)
);
`

// Open opens a SQLite database at path and creates the schema. Use
// ":memory:" for a private in-memory database
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ReadAllEvents(
	ctx context.Context, since tagbox.SortableUniqueID, maxCount int,
) ([]*tagbox.Event, error) {
	query := `SELECT payload FROM events WHERE sortable_id > ?
		ORDER BY sortable_id`
	args := []any{string(since)}
	if maxCount > 0 {
		query += ` LIMIT ?`
		args = append(args, maxCount)
	}
	return s.query(ctx, query, args...)
}

func (s *Store) ReadEventsByTag(
	ctx context.Context, tag tagbox.Tag, since tagbox.SortableUniqueID,
) ([]*tagbox.Event, error) {
	return s.query(ctx,
		`SELECT e.payload FROM event_tags t
		 JOIN events e ON e.sortable_id = t.sortable_id
		 WHERE t.tag = ? AND t.sortable_id > ?
		 ORDER BY t.sortable_id`,
		tag.String(), string(since),
	)
}

func (s *Store) WriteEvents(
	ctx context.Context, evs []*tagbox.Event,
) (_ []*tagbox.Event, _ []tagbox.TagWriteResult, err error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var order []string
	for _, ev := range evs {
		if err := ev.SortableID.Validate(); err != nil {
			return nil, nil, err
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			return nil, nil, err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO events (sortable_id, id, type, payload)
			 VALUES (?, ?, ?, ?)`,
			string(ev.SortableID), ev.ID, string(ev.Type), string(payload),
		)
		if err != nil {
			return nil, nil, classify(err)
		}
		for _, tag := range tagbox.DistinctTags(ev.Tags) {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO event_tags (tag, sortable_id) VALUES (?, ?)`,
				tag, string(ev.SortableID),
			)
			if err != nil {
				return nil, nil, classify(err)
			}
		}
		for _, tag := range ev.Tags {
			if !slices.Contains(order, tag) {
				order = append(order, tag)
			}
		}
	}

	now := time.Now()
	writes := make([]tagbox.TagWriteResult, 0, len(order))
	for _, tag := range order {
		var version int64
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM event_tags WHERE tag = ?`, tag,
		).Scan(&version)
		if err != nil {
			return nil, nil, err
		}
		writes = append(writes, tagbox.TagWriteResult{
			Tag:       tag,
			Version:   version,
			WrittenAt: now,
		})
	}

	if err = tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit: %w", err)
	}
	return evs, writes, nil
}

func (s *Store) TagExists(ctx context.Context, tag tagbox.Tag) (bool, error) {
	var exists bool
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM event_tags WHERE tag = ?)`, tag.String(),
	).Scan(&exists)
	return exists, err
}

func (s *Store) GetLatestTag(
	ctx context.Context, tag tagbox.Tag,
) (*tagbox.TagInfo, error) {
	var version int64
	var last sql.NullString
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(*), MAX(sortable_id) FROM event_tags WHERE tag = ?`,
		tag.String(),
	).Scan(&version, &last)
	if err != nil {
		return nil, err
	}
	return &tagbox.TagInfo{
		Tag:            tag.String(),
		Version:        version,
		LastSortableID: tagbox.SortableUniqueID(last.String),
	}, nil
}

func (s *Store) query(
	ctx context.Context, query string, args ...any,
) ([]*tagbox.Event, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	res := []*tagbox.Event{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		ev := &tagbox.Event{}
		if err := json.Unmarshal([]byte(payload), ev); err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

func classify(err error) error {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY,
			sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return fmt.Errorf("%w: %v", tagbox.ErrDuplicateEvent, err)
		}
	}
	return err
}
