package outbox

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Message is one pending outbox row handed to the publisher.
type Message struct {
	ID      string
	Topic   string
	Payload []byte
}

// Publisher delivers a domain event to the notification bus. Delivery is
// best-effort, at-least-once; the core never blocks on it.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, msg Message) error

func (f PublisherFunc) Publish(ctx context.Context, msg Message) error { return f(ctx, msg) }

const (
	defaultBatchSize    = 10
	defaultPollInterval = 500 * time.Millisecond
	maxAttempts         = 5
)

// Worker drains pending outbox rows and publishes them. Rows are claimed with
// FOR UPDATE SKIP LOCKED so multiple workers never double-deliver within one
// poll; a message that keeps failing is dead-lettered after maxAttempts.
type Worker struct {
	pool      *pgxpool.Pool
	publisher Publisher
	interval  time.Duration
	batchSize int
}

func NewWorker(pool *pgxpool.Pool, publisher Publisher) *Worker {
	return &Worker{
		pool:      pool,
		publisher: publisher,
		interval:  defaultPollInterval,
		batchSize: defaultBatchSize,
	}
}

// WithPollInterval overrides the poll cadence.
func (w *Worker) WithPollInterval(d time.Duration) *Worker {
	w.interval = d
	return w
}

// Run polls until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := w.DrainOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("outbox: drain: %v", err)
			} else if n > 0 {
				log.Printf("outbox: published %d message(s)", n)
			}
		}
	}
}

// DrainOnce claims and publishes one batch, returning how many messages were
// delivered.
func (w *Worker) DrainOnce(ctx context.Context) (int, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
SELECT id, topic, payload
FROM outbox
WHERE status = 'pending'
ORDER BY created_at
FOR UPDATE SKIP LOCKED
LIMIT $1`, w.batchSize)
	if err != nil {
		return 0, fmt.Errorf("outbox: claim batch: %w", err)
	}

	msgs := make([]Message, 0, w.batchSize)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("outbox: scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("outbox: iterate: %w", err)
	}

	published := 0
	for _, m := range msgs {
		if err := w.publisher.Publish(ctx, m); err != nil {
			if _, execErr := tx.Exec(ctx, `
UPDATE outbox
SET attempts = attempts + 1,
    status = CASE WHEN attempts + 1 >= $2 THEN 'dead' ELSE status END,
    last_attempt = now()
WHERE id = $1`, m.ID, maxAttempts); execErr != nil {
				return published, fmt.Errorf("outbox: record failure: %w", execErr)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `
UPDATE outbox
SET status = 'processed', attempts = attempts + 1, last_attempt = now()
WHERE id = $1`, m.ID); err != nil {
			return published, fmt.Errorf("outbox: mark processed: %w", err)
		}
		published++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit batch: %w", err)
	}
	return published, nil
}
