package store

import (
	"database/sql"
	"fmt"

	"github.com/mercatus/mercsync/internal/entity"
)

// Enqueue appends a mutation to the pending queue and returns its sequence
// id. Sequence ids are assigned by SQLite's AUTOINCREMENT and define replay
// order.
func (s *SQLite) Enqueue(m Mutation) (int64, error) {
	if err := m.Validate(); err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	res, err := s.conn.Exec(`
		INSERT INTO pending_mutations (collection, action, record_id, payload, endpoint, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.Collection, string(m.Action), m.RecordID, []byte(m.Payload), m.Endpoint, now())
	if err != nil {
		return 0, fmt.Errorf("enqueue %s %s: %w", m.Action, m.Collection, unavailable(err))
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue: last insert id: %w", unavailable(err))
	}
	return seq, nil
}

// ListPending returns live queue entries in FIFO order.
func (s *SQLite) ListPending() ([]Mutation, error) {
	return s.listQueue(`abandoned_at IS NULL`)
}

// ListAbandoned returns dead-lettered entries, oldest first.
func (s *SQLite) ListAbandoned() ([]Mutation, error) {
	return s.listQueue(`abandoned_at IS NOT NULL`)
}

func (s *SQLite) listQueue(where string) ([]Mutation, error) {
	rows, err := s.conn.Query(`
		SELECT seq, collection, action, record_id, COALESCE(payload, ''), endpoint,
		       enqueued_at, retry_count, last_error, abandoned_at
		FROM pending_mutations
		WHERE ` + where + `
		ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", unavailable(err))
	}
	defer rows.Close()

	var muts []Mutation
	for rows.Next() {
		var (
			m           Mutation
			action      string
			payload     []byte
			enqueuedStr string
			abandoned   sql.NullString
		)
		if err := rows.Scan(&m.Seq, &m.Collection, &action, &m.RecordID, &payload, &m.Endpoint,
			&enqueuedStr, &m.RetryCount, &m.LastError, &abandoned); err != nil {
			return nil, fmt.Errorf("scan queue row: %w", unavailable(err))
		}
		m.Action = actionFromString(action)
		if len(payload) > 0 {
			m.Payload = payload
		}
		if m.EnqueuedAt, err = parseTimestamp(enqueuedStr); err != nil {
			return nil, fmt.Errorf("queue seq=%d: %w", m.Seq, err)
		}
		if abandoned.Valid {
			ts, err := parseTimestamp(abandoned.String)
			if err != nil {
				return nil, fmt.Errorf("queue seq=%d: %w", m.Seq, err)
			}
			m.AbandonedAt = &ts
		}
		muts = append(muts, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list queue: %w", unavailable(err))
	}
	return muts, nil
}

// RemoveFromQueue deletes a confirmed mutation.
func (s *SQLite) RemoveFromQueue(seq int64) error {
	res, err := s.conn.Exec(`DELETE FROM pending_mutations WHERE seq = ?`, seq)
	if err != nil {
		return fmt.Errorf("remove queue seq=%d: %w", seq, unavailable(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("remove queue seq=%d: not found", seq)
	}
	return nil
}

// BumpRetry increments the retry counter and records the failure cause.
func (s *SQLite) BumpRetry(seq int64, cause string) error {
	_, err := s.conn.Exec(
		`UPDATE pending_mutations SET retry_count = retry_count + 1, last_error = ? WHERE seq = ?`,
		cause, seq)
	if err != nil {
		return fmt.Errorf("bump retry seq=%d: %w", seq, unavailable(err))
	}
	return nil
}

// Abandon dead-letters a mutation. It stops appearing in ListPending but is
// retained for inspection and manual requeue.
func (s *SQLite) Abandon(seq int64, cause string) error {
	res, err := s.conn.Exec(
		`UPDATE pending_mutations SET abandoned_at = ?, last_error = ? WHERE seq = ? AND abandoned_at IS NULL`,
		now(), cause, seq)
	if err != nil {
		return fmt.Errorf("abandon seq=%d: %w", seq, unavailable(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("abandon seq=%d: not found or already abandoned", seq)
	}
	return nil
}

// Requeue returns an abandoned mutation to the live queue with a fresh
// retry counter. It keeps its original sequence id and therefore its
// original position.
func (s *SQLite) Requeue(seq int64) error {
	res, err := s.conn.Exec(
		`UPDATE pending_mutations SET abandoned_at = NULL, retry_count = 0, last_error = '' WHERE seq = ? AND abandoned_at IS NOT NULL`,
		seq)
	if err != nil {
		return fmt.Errorf("requeue seq=%d: %w", seq, unavailable(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("requeue seq=%d: not found or not abandoned", seq)
	}
	return nil
}

// CountPending returns the number of live queue entries.
func (s *SQLite) CountPending() (int64, error) {
	var count int64
	err := s.conn.QueryRow(`SELECT COUNT(*) FROM pending_mutations WHERE abandoned_at IS NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", unavailable(err))
	}
	return count, nil
}

func actionFromString(s string) entity.Action {
	return entity.Action(s)
}
