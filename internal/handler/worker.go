package handler

import (
	"context"
	"errors"
	"sync"
)

// ErrWorkerClosed is returned by Do after Close.
var ErrWorkerClosed = errors.New("handler: worker closed")

type job struct {
	fn   func(*Handler)
	done chan struct{}
}

// Worker runs functions against a Handler on a single goroutine, so the
// probe is never driven from two goroutines at once.
type Worker struct {
	h    *Handler
	jobs chan job
	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewWorker starts a worker that owns h.
func NewWorker(h *Handler) *Worker {
	w := &Worker{
		h:    h,
		jobs: make(chan job),
		quit: make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		select {
		case j := <-w.jobs:
			j.fn(w.h)
			close(j.done)
		case <-w.quit:
			return
		}
	}
}

// Do runs fn on the worker goroutine and waits for it to finish. If ctx ends
// first Do returns ctx.Err(); a function already started still runs to
// completion.
func (w *Worker) Do(ctx context.Context, fn func(h *Handler)) error {
	j := job{fn: fn, done: make(chan struct{})}
	select {
	case w.jobs <- j:
	case <-w.quit:
		return ErrWorkerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the session and stops the worker. Functions not yet
// started are dropped.
func (w *Worker) Close() error {
	var err error
	w.once.Do(func() {
		done := make(chan struct{})
		select {
		case w.jobs <- job{fn: func(h *Handler) { err = h.Close() }, done: done}:
			<-done
		case <-w.quit:
		}
		close(w.quit)
		w.wg.Wait()
	})
	return err
}
