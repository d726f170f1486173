package outbox

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TestWorker_Integration verifies claim, publish, retry accounting and
// dead-lettering against a live PostgreSQL.
func TestWorker_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = 'outbox')`).Scan(&exists); err != nil || !exists {
		t.Skip("database schema missing; apply migrations/ first")
	}

	topic := "itest.outbox." + time.Now().Format("150405.000000000")
	var goodID, badID string
	if err := pool.QueryRow(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, '{"n":1}') RETURNING id`, topic).Scan(&goodID); err != nil {
		t.Fatalf("seed good message: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, '{"n":2}') RETURNING id`, topic+".poison").Scan(&badID); err != nil {
		t.Fatalf("seed poison message: %v", err)
	}
	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM outbox WHERE id IN ($1, $2)`, goodID, badID)
	})

	var mu sync.Mutex
	delivered := make(map[string]int)
	worker := NewWorker(pool, PublisherFunc(func(_ context.Context, msg Message) error {
		mu.Lock()
		defer mu.Unlock()
		delivered[msg.Topic]++
		if msg.ID == badID {
			return errors.New("downstream unavailable")
		}
		return nil
	}))

	// One drain publishes the good message and records a failed attempt for
	// the poison one.
	if _, err := worker.DrainOnce(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	var status string
	var attempts int
	if err := pool.QueryRow(ctx, `SELECT status, attempts FROM outbox WHERE id = $1`, goodID).Scan(&status, &attempts); err != nil {
		t.Fatalf("verify good message: %v", err)
	}
	if status != "processed" || attempts != 1 {
		t.Fatalf("expected processed/1, got %s/%d", status, attempts)
	}

	// The poison message dead-letters after maxAttempts drains.
	for i := 0; i < maxAttempts+1; i++ {
		if _, err := worker.DrainOnce(ctx); err != nil {
			t.Fatalf("drain %d: %v", i, err)
		}
	}
	if err := pool.QueryRow(ctx, `SELECT status, attempts FROM outbox WHERE id = $1`, badID).Scan(&status, &attempts); err != nil {
		t.Fatalf("verify poison message: %v", err)
	}
	if status != "dead" {
		t.Fatalf("expected dead letter, got %s after %d attempts", status, attempts)
	}

	mu.Lock()
	defer mu.Unlock()
	if delivered[topic] != 1 {
		t.Fatalf("expected the good message delivered exactly once, got %d", delivered[topic])
	}
}
