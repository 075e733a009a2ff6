package cache

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// maxReplayAttempts is the number of failed replays after which a pending
// action is dropped from the queue.
const maxReplayAttempts = 3

// Action is a previously-failed application action awaiting replay.
// The queue never interprets the payload.
type Action struct {
	ID       int64
	Payload  []byte
	Attempts int
	QueuedAt time.Time
}

// Queue is the pending-sync queue: an ordered list of retryable actions
// persisted independently of the cache partitions. Actions are appended on
// failure while offline and removed on successful replay, or dropped after
// three failed replay attempts.
type Queue interface {
	Enqueue(payload []byte) error
	// Replay walks the queue in order, calling fn for each action.
	// Successful actions are removed; failed ones have their attempt count
	// incremented and are dropped once it reaches the cap. Replay itself
	// only fails on storage errors, never on fn errors.
	Replay(ctx context.Context, fn func(context.Context, Action) error) error
	Len() (int, error)
}

// MemQueue is the in-memory Queue implementation.
type MemQueue struct {
	mu      sync.Mutex
	actions []Action
	nextID  int64
}

// NewMemQueue creates an empty in-memory queue.
func NewMemQueue() *MemQueue {
	return &MemQueue{}
}

func (q *MemQueue) Enqueue(payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	q.actions = append(q.actions, Action{
		ID:       q.nextID,
		Payload:  payload,
		QueuedAt: time.Now(),
	})
	return nil
}

func (q *MemQueue) Replay(ctx context.Context, fn func(context.Context, Action) error) error {
	q.mu.Lock()
	pending := make([]Action, len(q.actions))
	copy(pending, q.actions)
	q.mu.Unlock()

	for _, action := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ctx, action); err != nil {
			q.bumpAttempts(action.ID)
			continue
		}
		q.remove(action.ID)
	}
	return nil
}

func (q *MemQueue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions), nil
}

func (q *MemQueue) bumpAttempts(id int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.actions {
		if q.actions[i].ID == id {
			q.actions[i].Attempts++
			if q.actions[i].Attempts >= maxReplayAttempts {
				q.actions = append(q.actions[:i], q.actions[i+1:]...)
			}
			return
		}
	}
}

func (q *MemQueue) remove(id int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.actions {
		if q.actions[i].ID == id {
			q.actions = append(q.actions[:i], q.actions[i+1:]...)
			return
		}
	}
}

// SQLiteQueue persists pending actions in the pending_sync table of the
// shared gateway database.
type SQLiteQueue struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteQueue creates a queue on top of a db opened with OpenDB.
func NewSQLiteQueue(db *sql.DB) *SQLiteQueue {
	return &SQLiteQueue{db: db, writeMutex: &sync.Mutex{}}
}

func (q *SQLiteQueue) Enqueue(payload []byte) error {
	q.writeMutex.Lock()
	defer q.writeMutex.Unlock()
	_, err := q.db.Exec(
		"INSERT INTO pending_sync (payload, queued_at) VALUES (?, ?)",
		payload, time.Now().UnixMilli(),
	)
	return err
}

func (q *SQLiteQueue) Replay(ctx context.Context, fn func(context.Context, Action) error) error {
	rows, err := q.db.QueryContext(ctx,
		"SELECT id, payload, attempts, queued_at FROM pending_sync ORDER BY id ASC")
	if err != nil {
		return err
	}
	var pending []Action
	for rows.Next() {
		var action Action
		var queuedAt int64
		if err := rows.Scan(&action.ID, &action.Payload, &action.Attempts, &queuedAt); err != nil {
			rows.Close()
			return err
		}
		action.QueuedAt = time.UnixMilli(queuedAt)
		pending = append(pending, action)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, action := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ctx, action); err != nil {
			if err := q.bumpAttempts(action.ID, action.Attempts+1); err != nil {
				return err
			}
			continue
		}
		if err := q.remove(action.ID); err != nil {
			return err
		}
	}
	return nil
}

func (q *SQLiteQueue) Len() (int, error) {
	var count int
	err := q.db.QueryRow("SELECT COUNT(*) FROM pending_sync").Scan(&count)
	return count, err
}

func (q *SQLiteQueue) bumpAttempts(id int64, attempts int) error {
	q.writeMutex.Lock()
	defer q.writeMutex.Unlock()
	if attempts >= maxReplayAttempts {
		_, err := q.db.Exec("DELETE FROM pending_sync WHERE id = ?", id)
		return err
	}
	_, err := q.db.Exec("UPDATE pending_sync SET attempts = ? WHERE id = ?", attempts, id)
	return err
}

func (q *SQLiteQueue) remove(id int64) error {
	q.writeMutex.Lock()
	defer q.writeMutex.Unlock()
	_, err := q.db.Exec("DELETE FROM pending_sync WHERE id = ?", id)
	return err
}
