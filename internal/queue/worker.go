// Package queue runs the persistent at-least-once task queue. The table
// and claim semantics live in the store; this package is the worker loop
// that leases, dispatches and settles tasks.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/almudeerhq/almudeer/internal/logging"
	"github.com/almudeerhq/almudeer/internal/metrics"
	"github.com/almudeerhq/almudeer/internal/store"
)

// Task types dispatched through the queue.
const (
	TypeAnalyzeMessage = "analyze_message"
	TypeSendOutbox     = "send_outbox"
)

const (
	leaseTTL   = 30 * time.Second
	idleSleep  = time.Second
	reapPeriod = 10 * time.Second
)

// Handler processes one leased task. A nil return completes the task; an
// error re-enqueues it with backoff until attempts run out, unless the
// error is Terminal.
type Handler func(ctx context.Context, task *store.Task) error

type terminalError struct{ err error }

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal marks an error as not worth retrying; the task is parked as
// failed immediately.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err carries the Terminal marker.
func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}

// Worker is one queue consumer. Run several for throughput; the claim
// UPDATE keeps them from double-delivering within a lease.
type Worker struct {
	db       *store.DB
	id       string
	handlers map[string]Handler
	log      *slog.Logger
}

// NewWorker builds a worker with a unique id for lease attribution.
func NewWorker(db *store.DB, log *slog.Logger) *Worker {
	id := "worker-" + uuid.NewString()[:8]
	return &Worker{
		db:       db,
		id:       id,
		handlers: make(map[string]Handler),
		log:      log.With(logging.Module("queue"), "worker", id),
	}
}

// Handle registers the handler for a task type. Not safe to call after
// Run starts.
func (w *Worker) Handle(taskType string, h Handler) {
	w.handlers[taskType] = h
}

// Run consumes tasks until the context ends. The lease reaper runs on its
// own cadence inside the same loop so crashed workers' tasks come back.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started")
	lastReap := time.Time{}

	for {
		if ctx.Err() != nil {
			w.log.Info("worker stopped")
			return ctx.Err()
		}

		if time.Since(lastReap) >= reapPeriod {
			if n, err := w.db.ReapExpiredLeases(ctx); err != nil {
				w.log.Warn("lease reap failed", logging.Err(err))
			} else if n > 0 {
				w.log.Info("reaped expired leases", "count", n)
			}
			lastReap = time.Now()
		}

		task, err := w.db.ClaimNextTask(ctx, w.id, leaseTTL)
		if err != nil {
			w.log.Error("claim failed", logging.Err(err))
			sleep(ctx, idleSleep)
			continue
		}
		if task == nil {
			sleep(ctx, idleSleep)
			continue
		}
		w.dispatch(ctx, task)
	}
}

func (w *Worker) dispatch(ctx context.Context, task *store.Task) {
	h, ok := w.handlers[task.Type]
	if !ok {
		w.settleFailure(ctx, task, Terminal(fmt.Errorf("no handler for task type %q", task.Type)))
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, leaseTTL)
	err := h(taskCtx, task)
	cancel()

	if err != nil {
		w.settleFailure(ctx, task, err)
		return
	}
	if err := w.db.CompleteTask(ctx, task.ID); err != nil {
		w.log.Error("complete failed", "task", task.ID, logging.Err(err))
		return
	}
	metrics.TasksProcessed.WithLabelValues(task.Type, "done").Inc()
}

func (w *Worker) settleFailure(ctx context.Context, task *store.Task, taskErr error) {
	w.log.Warn("task failed", "task", task.ID, "type", task.Type,
		"attempt", task.Attempts, logging.Err(taskErr))

	if IsTerminal(taskErr) {
		// Exhaust the attempts so FailTask parks it.
		task.Attempts = task.MaxAttempts
	}
	if err := w.db.FailTask(ctx, task, taskErr); err != nil {
		w.log.Error("settle failed", "task", task.ID, logging.Err(err))
		return
	}
	result := "retried"
	if IsTerminal(taskErr) || task.Attempts >= task.MaxAttempts {
		result = "failed"
	}
	metrics.TasksProcessed.WithLabelValues(task.Type, result).Inc()
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
