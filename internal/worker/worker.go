// Package worker contains the job queue polling loop. It claims batches of
// pending jobs, dispatches them concurrently to the registered handlers and
// translates handler errors into retry/backoff bookkeeping. Handlers never
// decide terminal failure; the worker is the single place that does.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/colefleming/plantiler/internal/store"
)

// maxAttempts is the total number of executions a job gets before it is
// terminally failed.
const maxAttempts = 3

// Queue is the durable job queue surface. Satisfied by store.Store.
type Queue interface {
	Claim(ctx context.Context, types []store.JobType, limit int) ([]store.Job, error)
	Complete(ctx context.Context, id uuid.UUID) error
	Retry(ctx context.Context, id uuid.UUID, retryCount int, runAt time.Time, lastError string) error
	Fail(ctx context.Context, id uuid.UUID, retryCount int, lastError string) error
}

// Handler processes one claimed job.
type Handler func(ctx context.Context, job store.Job) error

// Worker polls the queue and dispatches claimed jobs.
type Worker struct {
	queue        Queue
	handlers     map[store.JobType]Handler
	pollInterval time.Duration
	batchSize    int

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	drained  chan struct{}
	inflight sync.WaitGroup

	now func() time.Time
}

// New builds a Worker. Register handlers with Handle before calling Start.
func New(queue Queue, pollInterval time.Duration, batchSize int) *Worker {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 5
	}
	return &Worker{
		queue:        queue,
		handlers:     make(map[store.JobType]Handler),
		pollInterval: pollInterval,
		batchSize:    batchSize,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		drained:      make(chan struct{}),
		now:          time.Now,
	}
}

// Handle registers the handler for one job type.
func (w *Worker) Handle(jobType store.JobType, handler Handler) {
	w.handlers[jobType] = handler
}

// Start launches the polling loop in the background.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the loop to exit and waits for in-flight handlers to finish.
// It does not cancel their I/O. Safe to call more than once; only one
// drain waiter is ever spawned.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() {
		close(w.stop)
		go func() {
			<-w.done
			w.inflight.Wait()
			close(w.drained)
		}()
	})
	select {
	case <-w.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	types := w.knownTypes()
	for {
		select {
		case <-w.stop:
			return
		default:
		}

		jobs, err := w.queue.Claim(ctx, types, w.batchSize)
		if err != nil {
			slog.Error("Failed to claim jobs.", "error", err)
			if !w.sleep() {
				return
			}
			continue
		}
		if len(jobs) == 0 {
			if !w.sleep() {
				return
			}
			continue
		}

		// Claimed jobs run concurrently; there is no ordering guarantee
		// across them. The next poll starts as soon as the batch is done.
		var batch sync.WaitGroup
		for _, job := range jobs {
			batch.Add(1)
			w.inflight.Add(1)
			go func() {
				defer batch.Done()
				defer w.inflight.Done()
				w.dispatch(ctx, job)
			}()
		}
		batch.Wait()
	}
}

// dispatch runs one job's handler and records the outcome. Failures are
// isolated per job: they are translated into retry/failed state, never
// propagated to the loop.
func (w *Worker) dispatch(ctx context.Context, job store.Job) {
	logCtx := slog.With("jobId", job.ID, "jobType", job.JobType, "retryCount", job.RetryCount)

	handler, ok := w.handlers[job.JobType]
	if !ok {
		// Claim filters on known types, so this is a wiring bug.
		w.recordFailure(ctx, logCtx, job, fmt.Errorf("no handler registered for job type %q", job.JobType))
		return
	}

	if err := handler(ctx, job); err != nil {
		w.recordFailure(ctx, logCtx, job, err)
		return
	}
	if err := w.queue.Complete(ctx, job.ID); err != nil {
		logCtx.Error("Failed to record job completion.", "error", err)
		return
	}
	logCtx.Info("Job completed.")
}

// recordFailure applies the retry policy: under the attempt limit the job
// goes back to pending with exponential backoff (2, 4 minutes), otherwise
// it is terminally failed and kept inspectable via last_error.
func (w *Worker) recordFailure(ctx context.Context, logCtx *slog.Logger, job store.Job, handlerErr error) {
	retryCount := job.RetryCount + 1

	if retryCount < maxAttempts {
		backoff := time.Duration(1<<retryCount) * time.Minute
		runAt := w.now().Add(backoff)
		logCtx.Warn("Job failed, will retry.", "error", handlerErr, "backoff", backoff.String())
		if err := w.queue.Retry(ctx, job.ID, retryCount, runAt, handlerErr.Error()); err != nil {
			logCtx.Error("Failed to reschedule job.", "error", err)
		}
		return
	}

	logCtx.Error("Job failed permanently.", "error", handlerErr, "attempts", retryCount)
	if err := w.queue.Fail(ctx, job.ID, retryCount, handlerErr.Error()); err != nil {
		logCtx.Error("Failed to record terminal job failure.", "error", err)
	}
}

// sleep waits one poll interval; it returns false when stopped.
func (w *Worker) sleep() bool {
	timer := time.NewTimer(w.pollInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-w.stop:
		return false
	}
}

func (w *Worker) knownTypes() []store.JobType {
	types := make([]store.JobType, 0, len(w.handlers))
	for t := range w.handlers {
		types = append(types, t)
	}
	return types
}
