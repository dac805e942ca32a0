package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// QueueID is namespace+key, the addressable handle for an async-state
// queue (e.g. "agent:alpha" / "pending_approvals").
type QueueID struct {
	Namespace string
	Key       string
}

func (q QueueID) string() string {
	return q.Namespace + "\x00" + q.Key
}

// Push appends data to the tail of the queue, creating it (and its TTL
// deadline, if ttl > 0) on first use. Returns the assigned sequence
// number.
func (s *Store) Push(id QueueID, data map[string]any, ttl time.Duration) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin push: %w", err)
	}
	defer tx.Rollback()

	qid := id.string()
	now := time.Now().UTC()

	var nextSeq int64
	row := tx.QueryRow(`SELECT next_seq FROM queues WHERE queue_id = ?`, qid)
	switch err := row.Scan(&nextSeq); err {
	case sql.ErrNoRows:
		var deadline any
		if ttl > 0 {
			deadline = now.Add(ttl).Format(timeFmt)
		}
		if _, err := tx.Exec(
			`INSERT INTO queues (queue_id, namespace, key, created_at, ttl_deadline, next_seq) VALUES (?, ?, ?, ?, ?, 0)`,
			qid, id.Namespace, id.Key, now.Format(timeFmt), deadline,
		); err != nil {
			return 0, fmt.Errorf("create queue %s/%s: %w", id.Namespace, id.Key, err)
		}
		nextSeq = 0
	case nil:
		if ttl > 0 {
			if _, err := tx.Exec(`UPDATE queues SET ttl_deadline = ? WHERE queue_id = ?`, now.Add(ttl).Format(timeFmt), qid); err != nil {
				return 0, fmt.Errorf("refresh queue ttl %s/%s: %w", id.Namespace, id.Key, err)
			}
		}
	default:
		return 0, fmt.Errorf("lookup queue %s/%s: %w", id.Namespace, id.Key, err)
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("marshal push payload: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO queue_items (queue_id, seq, data, pushed_at) VALUES (?, ?, ?, ?)`,
		qid, nextSeq, string(payload), now.Format(timeFmt),
	); err != nil {
		return 0, fmt.Errorf("insert queue item: %w", err)
	}

	if _, err := tx.Exec(`UPDATE queues SET next_seq = ? WHERE queue_id = ?`, nextSeq+1, qid); err != nil {
		return 0, fmt.Errorf("advance queue seq: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit push: %w", err)
	}
	return nextSeq, nil
}

// QueueItem is one entry popped or peeked from a queue.
type QueueItem struct {
	Seq  int64
	Data map[string]any
}

// Pop removes and returns up to count items from the head of the
// queue, FIFO. If the queue is drained (empty after this pop), the
// queue row itself is deleted so a subsequent Push starts a fresh
// sequence, matching the "push then pop(n) returns items FIFO and
// deletes the queue" round trip.
func (s *Store) Pop(id QueueID, count int) ([]QueueItem, error) {
	if count <= 0 {
		count = 1
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin pop: %w", err)
	}
	defer tx.Rollback()

	qid := id.string()
	rows, err := tx.Query(
		`SELECT seq, data FROM queue_items WHERE queue_id = ? ORDER BY seq ASC LIMIT ?`, qid, count)
	if err != nil {
		return nil, fmt.Errorf("select pop candidates: %w", err)
	}

	var items []QueueItem
	for rows.Next() {
		var it QueueItem
		var payload string
		if err := rows.Scan(&it.Seq, &payload); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &it.Data); err != nil {
			rows.Close()
			return nil, fmt.Errorf("unmarshal queue item: %w", err)
		}
		items = append(items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, it := range items {
		if _, err := tx.Exec(`DELETE FROM queue_items WHERE queue_id = ? AND seq = ?`, qid, it.Seq); err != nil {
			return nil, fmt.Errorf("delete popped item: %w", err)
		}
	}

	var remaining int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM queue_items WHERE queue_id = ?`, qid).Scan(&remaining); err != nil {
		return nil, fmt.Errorf("count remaining items: %w", err)
	}
	if remaining == 0 {
		if _, err := tx.Exec(`DELETE FROM queues WHERE queue_id = ?`, qid); err != nil {
			return nil, fmt.Errorf("delete drained queue: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit pop: %w", err)
	}
	return items, nil
}

// Peek returns up to count items from the head without removing them.
func (s *Store) Peek(id QueueID, count int) ([]QueueItem, error) {
	if count <= 0 {
		count = 1
	}
	rows, err := s.db.Query(
		`SELECT seq, data FROM queue_items WHERE queue_id = ? ORDER BY seq ASC LIMIT ?`, id.string(), count)
	if err != nil {
		return nil, fmt.Errorf("peek: %w", err)
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		var it QueueItem
		var payload string
		if err := rows.Scan(&it.Seq, &payload); err != nil {
			return nil, fmt.Errorf("scan peeked item: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &it.Data); err != nil {
			return nil, fmt.Errorf("unmarshal peeked item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// QueueDepth reports how many items are currently queued.
func (s *Store) QueueDepth(id QueueID) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM queue_items WHERE queue_id = ?`, id.string()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// ExpiredQueues returns the (namespace, key) of every queue whose TTL
// deadline has passed. It only reports them; no scheduled sweep in the
// runtime calls it.
func (s *Store) ExpiredQueues(now time.Time) ([]QueueID, error) {
	rows, err := s.db.Query(
		`SELECT namespace, key FROM queues WHERE ttl_deadline IS NOT NULL AND ttl_deadline <= ?`,
		now.UTC().Format(timeFmt))
	if err != nil {
		return nil, fmt.Errorf("list expired queues: %w", err)
	}
	defer rows.Close()

	var out []QueueID
	for rows.Next() {
		var q QueueID
		if err := rows.Scan(&q.Namespace, &q.Key); err != nil {
			return nil, fmt.Errorf("scan expired queue: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// ExpireQueue deletes a queue and all of its items, used once a TTL
// deadline (from ExpiredQueues) has passed.
func (s *Store) ExpireQueue(id QueueID) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin expire: %w", err)
	}
	defer tx.Rollback()

	qid := id.string()
	if _, err := tx.Exec(`DELETE FROM queue_items WHERE queue_id = ?`, qid); err != nil {
		return fmt.Errorf("delete expired queue items: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM queues WHERE queue_id = ?`, qid); err != nil {
		return fmt.Errorf("delete expired queue: %w", err)
	}
	return tx.Commit()
}
