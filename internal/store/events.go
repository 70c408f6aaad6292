package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrCapacity is returned by InsertEventBounded when the table is full and
// the caller asked to keep existing rows.
var ErrCapacity = errors.New("event table at capacity")

// EventRow is one stored payload.
type EventRow struct {
	ID         int64
	Payload    []byte
	CreatedAt  time.Time
	Rejections int
}

// InsertEvent appends a payload and returns its id.
// Ids are assigned by AUTOINCREMENT and are strictly increasing.
func (s *Store) InsertEvent(ctx context.Context, payload []byte, createdAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (payload, created_at)
		VALUES (?, ?)
	`, string(payload), createdAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert event: last insert id: %w", err)
	}
	return id, nil
}

// InsertEventBounded appends a payload while keeping at most limit rows.
//
// When the table already holds limit rows:
//   - dropOldest=true deletes the oldest rows to make room and reports how
//     many were removed
//   - dropOldest=false inserts nothing and returns ErrCapacity
//
// The count, trim and insert run in one transaction. A limit <= 0 means
// unbounded.
func (s *Store) InsertEventBounded(ctx context.Context, payload []byte, createdAt time.Time, limit int, dropOldest bool) (id int64, dropped int64, err error) {
	if limit <= 0 {
		id, err = s.InsertEvent(ctx, payload, createdAt)
		return id, 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("insert event: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
		return 0, 0, fmt.Errorf("insert event: count: %w", err)
	}

	if count >= limit {
		if !dropOldest {
			return 0, 0, ErrCapacity
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM events WHERE id IN (
				SELECT id FROM events ORDER BY id ASC LIMIT ?
			)
		`, count-limit+1)
		if err != nil {
			return 0, 0, fmt.Errorf("insert event: trim: %w", err)
		}
		dropped, err = res.RowsAffected()
		if err != nil {
			return 0, 0, fmt.Errorf("insert event: trim rows affected: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (payload, created_at)
		VALUES (?, ?)
	`, string(payload), createdAt.UnixMilli())
	if err != nil {
		return 0, 0, fmt.Errorf("insert event: %w", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, 0, fmt.Errorf("insert event: last insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("insert event: commit: %w", err)
	}
	return id, dropped, nil
}

// ReadEvents returns up to limit events, oldest first.
// Returns an empty slice (not nil) when the table is empty.
func (s *Store) ReadEvents(ctx context.Context, limit int) ([]EventRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload, created_at, rejections
		FROM events
		ORDER BY id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []EventRow{}
	for rows.Next() {
		var (
			row       EventRow
			payload   string
			createdAt int64
		)
		if err := rows.Scan(&row.ID, &payload, &createdAt, &row.Rejections); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		row.Payload = []byte(payload)
		row.CreatedAt = time.UnixMilli(createdAt)
		events = append(events, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

// DeleteEvents removes the given ids and reports how many rows went away.
// Missing ids are ignored, so repeated deletes are no-ops.
func (s *Store) DeleteEvents(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE id IN (`+placeholders(len(ids))+`)`,
		int64Args(ids)...,
	)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete events: rows affected: %w", err)
	}
	return n, nil
}

// CountEvents returns the number of stored events.
func (s *Store) CountEvents(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// DeleteAllEvents empties the events table. AUTOINCREMENT state is kept,
// so new ids continue past the deleted ones.
func (s *Store) DeleteAllEvents(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events`)
	if err != nil {
		return 0, fmt.Errorf("delete all events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete all events: rows affected: %w", err)
	}
	return n, nil
}

// RejectEvents increments the rejection count of the given ids and deletes
// those that reached maxRejections, all in one transaction. Returns the
// deleted ids in ascending order.
func (s *Store) RejectEvents(ctx context.Context, ids []int64, maxRejections int) ([]int64, error) {
	if len(ids) == 0 {
		return []int64{}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("reject events: begin tx: %w", err)
	}
	defer tx.Rollback()

	in := placeholders(len(ids))
	if _, err := tx.ExecContext(ctx,
		`UPDATE events SET rejections = rejections + 1 WHERE id IN (`+in+`)`,
		int64Args(ids)...,
	); err != nil {
		return nil, fmt.Errorf("reject events: increment: %w", err)
	}

	args := append(int64Args(ids), maxRejections)
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM events WHERE id IN (`+in+`) AND rejections >= ? ORDER BY id ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("reject events: select exhausted: %w", err)
	}
	exhausted := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("reject events: scan: %w", err)
		}
		exhausted = append(exhausted, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("reject events: iterate: %w", err)
	}
	rows.Close()

	if len(exhausted) > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM events WHERE id IN (`+placeholders(len(exhausted))+`)`,
			int64Args(exhausted)...,
		); err != nil {
			return nil, fmt.Errorf("reject events: delete exhausted: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("reject events: commit: %w", err)
	}
	return exhausted, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
