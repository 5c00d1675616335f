// Package worker runs network-facing calls one at a time, in submission order.
package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var ErrStopped = errors.New("worker stopped")

type Job func(ctx context.Context)

type Worker struct {
	jobs chan Job

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func New(queueSize int) *Worker {
	if queueSize <= 0 {
		queueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		jobs:   make(chan Job, queueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start binds the worker lifetime to parent and spawns the loop.
func (w *Worker) Start(parent context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	if parent != nil {
		stop := context.AfterFunc(parent, w.cancel)
		go func() {
			<-w.done
			stop()
		}()
	}
	go w.loop()
}

func (w *Worker) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			log.Debug().Str("module", "app.worker").Msg("worker ctx done")
			return
		case job := <-w.jobs:
			if w.ctx.Err() != nil {
				return
			}
			w.run(job)
		}
	}
}

func (w *Worker) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "app.worker").Interface("panic", r).Msg("job panicked")
		}
	}()
	job(w.ctx)
}

// Submit blocks until job is queued.
func (w *Worker) Submit(job Job) error {
	return w.SubmitOr(job, nil)
}

// SubmitOr is Submit that also gives up once abort is closed.
func (w *Worker) SubmitOr(job Job, abort <-chan struct{}) error {
	if w.ctx.Err() != nil {
		return ErrStopped
	}
	select {
	case w.jobs <- job:
		return nil
	case <-w.ctx.Done():
		return ErrStopped
	case <-abort:
		return context.Canceled
	}
}

// Done is closed once the loop has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Stop cancels the worker and waits for the loop to exit. Queued jobs are dropped.
// Must not be called from inside a job.
func (w *Worker) Stop() {
	w.cancel()
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started {
		<-w.done
	}
}
