package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/almudeerhq/almudeer/internal/config"
	"github.com/almudeerhq/almudeer/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(config.Database{Type: "sqlite", Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.MigrateUp(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestClaimIsExclusive(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id, err := db.EnqueueTask(ctx, TypeAnalyzeMessage, AnalyzePayload{MessageID: 1, LicenseID: "L"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	first, err := db.ClaimNextTask(ctx, "w1", 30*time.Second)
	if err != nil || first == nil {
		t.Fatalf("first claim = %v, %v", first, err)
	}
	if first.ID != id || first.Attempts != 1 {
		t.Fatalf("claimed task = %+v", first)
	}

	second, err := db.ClaimNextTask(ctx, "w2", 30*time.Second)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second != nil {
		t.Fatalf("leased task claimed twice")
	}
}

func TestAtLeastOnceAfterWorkerCrash(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id, err := db.EnqueueTask(ctx, TypeSendOutbox, SendOutboxPayload{OutboxID: 9, LicenseID: "L"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// The crashed worker leased the task but never settled it.
	crashed, err := db.ClaimNextTask(ctx, "crashed", 20*time.Millisecond)
	if err != nil || crashed == nil {
		t.Fatalf("claim: %v, %v", crashed, err)
	}
	time.Sleep(50 * time.Millisecond)

	if n, err := db.ReapExpiredLeases(ctx); err != nil || n != 1 {
		t.Fatalf("reap = %d, %v", n, err)
	}

	redelivered, err := db.ClaimNextTask(ctx, "survivor", 30*time.Second)
	if err != nil || redelivered == nil {
		t.Fatalf("reclaim: %v, %v", redelivered, err)
	}
	if redelivered.ID != id {
		t.Fatalf("different task redelivered: %d", redelivered.ID)
	}
	if err := db.CompleteTask(ctx, id); err != nil {
		t.Fatalf("complete: %v", err)
	}

	done, err := db.TaskByID(ctx, id)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if done.Status != store.TaskDone {
		t.Fatalf("status = %q, want done", done.Status)
	}
}

func TestWorkerRetriesThenParks(t *testing.T) {
	db := newTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := db.EnqueueTask(ctx, TypeAnalyzeMessage, AnalyzePayload{MessageID: 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	calls := make(chan int, 10)
	w := NewWorker(db, testLogger())
	attempt := 0
	w.Handle(TypeAnalyzeMessage, func(ctx context.Context, task *store.Task) error {
		attempt++
		calls <- attempt
		return fmt.Errorf("boom %d", attempt)
	})
	go w.Run(ctx)

	// Three attempts, then the task parks as failed. Exponential backoff
	// sums to ~14s from attempt counts 1..2, so poll the row instead of
	// counting wall time.
	deadline := time.Now().Add(30 * time.Second)
	for {
		task, err := db.TaskByID(context.Background(), id)
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if task.Status == store.TaskFailed {
			if task.Attempts != 3 {
				t.Fatalf("attempts = %d, want 3", task.Attempts)
			}
			if task.LastError == "" {
				t.Fatalf("last_error empty")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never parked: %+v", task)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func TestTerminalErrorParksImmediately(t *testing.T) {
	db := newTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := db.EnqueueTask(ctx, TypeSendOutbox, SendOutboxPayload{OutboxID: 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := NewWorker(db, testLogger())
	w.Handle(TypeSendOutbox, func(ctx context.Context, task *store.Task) error {
		return Terminal(errors.New("credential revoked"))
	})
	go w.Run(ctx)

	deadline := time.Now().Add(10 * time.Second)
	for {
		task, err := db.TaskByID(context.Background(), id)
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if task.Status == store.TaskFailed {
			return
		}
		if task.Status == store.TaskPending && task.Attempts > 1 {
			t.Fatalf("terminal task was retried")
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never parked: %+v", task)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
