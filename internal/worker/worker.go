// Package worker runs the unbounded dequeue-process loop. One loop handles
// one job at a time, synchronously; concurrency comes from running several
// loops against the same queue, which hands each descriptor to exactly one
// of them.
package worker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/krdn/voice-recognition/internal/queue"
)

// Dequeuer is the queue side the worker consumes.
type Dequeuer interface {
	Dequeue(timeout time.Duration) (*queue.Job, error)
}

// Processor runs one job to a terminal state.
type Processor interface {
	Process(ctx context.Context, job queue.Job) error
}

// Worker polls the queue and processes jobs until its context is cancelled.
type Worker struct {
	queue   Dequeuer
	proc    Processor
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a Worker. timeout bounds each blocking dequeue; it defaults
// to 5s when <= 0.
func New(q Dequeuer, p Processor, timeout time.Duration, logger *slog.Logger) *Worker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{queue: q, proc: p, timeout: timeout, logger: logger}
}

// Run loops until ctx is cancelled. The loop blocks only on the bounded
// dequeue; a running job is not cancellable and finishes before the next
// ctx check.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if _, err := w.RunOnce(ctx); err != nil {
			w.logger.Error("worker iteration failed", "error", err)
			// Transport trouble; back off briefly instead of hot-looping.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// RunOnce waits for at most one job and processes it. Returns true when a
// job was taken, whether or not it succeeded; a failed job is terminal,
// not retryable.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.queue.Dequeue(w.timeout)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	if err := w.proc.Process(ctx, *job); err != nil {
		// Already moved to failed by the orchestrator; nothing to re-drive.
		w.logger.Warn("job ended in failure", "note_id", job.NoteID, "error", err)
	}
	return true, nil
}

// RunPool runs count copies of the loop and blocks until all exit.
func RunPool(ctx context.Context, w *Worker, count int) {
	if count < 1 {
		count = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < count; i++ {
		g.Go(func() error {
			w.Run(ctx)
			return nil
		})
	}
	// Loops only exit on ctx cancellation and return no errors.
	_ = g.Wait()
}
