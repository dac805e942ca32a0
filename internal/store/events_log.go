package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// LoggedEvent is one row of the append-only event log backing
// monitor:get_events.
type LoggedEvent struct {
	ID       string
	ChainID  string
	ParentID string
	Name     string
	Payload  map[string]any
	Time     time.Time
}

// AppendEvents writes a batch of events to the log in a single
// transaction. The runtime calls this from its batched flush loop
// (§4.3) rather than once per event, so this is the only write path
// that needs to be fast under load.
func (s *Store) AppendEvents(events []LoggedEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin event log batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO events (id, chain_id, parent_id, name, payload, ts) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare event log insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("marshal event %s payload: %w", e.ID, err)
		}
		var parentID any
		if e.ParentID != "" {
			parentID = e.ParentID
		}
		if _, err := stmt.Exec(e.ID, e.ChainID, parentID, e.Name, string(payload), e.Time.UTC().Format(timeFmt)); err != nil {
			return fmt.Errorf("insert event %s: %w", e.ID, err)
		}
	}

	return tx.Commit()
}

// EventQuery filters monitor:get_events reads.
type EventQuery struct {
	ChainID    string
	NamePrefix string
	Since      time.Time
	Limit      int
}

// QueryEvents returns logged events matching q, newest last.
func (s *Store) QueryEvents(q EventQuery) ([]LoggedEvent, error) {
	clauses := "WHERE 1=1"
	args := []any{}

	if q.ChainID != "" {
		clauses += " AND chain_id = ?"
		args = append(args, q.ChainID)
	}
	if q.NamePrefix != "" {
		clauses += " AND name LIKE ?"
		args = append(args, q.NamePrefix+"%")
	}
	if !q.Since.IsZero() {
		clauses += " AND ts > ?"
		args = append(args, q.Since.UTC().Format(timeFmt))
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}

	query := fmt.Sprintf(`SELECT id, chain_id, parent_id, name, payload, ts FROM events %s ORDER BY ts ASC LIMIT ?`, clauses)
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []LoggedEvent
	for rows.Next() {
		var e LoggedEvent
		var parentID *string
		var payload, ts string
		if err := rows.Scan(&e.ID, &e.ChainID, &parentID, &e.Name, &payload, &ts); err != nil {
			return nil, fmt.Errorf("scan logged event: %w", err)
		}
		if parentID != nil {
			e.ParentID = *parentID
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal event %s payload: %w", e.ID, err)
		}
		if e.Time, err = time.Parse(timeFmt, ts); err != nil {
			return nil, fmt.Errorf("parse event %s timestamp: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
