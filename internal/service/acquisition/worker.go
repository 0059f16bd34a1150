package acquisition

import (
	"context"
	"sync"
)

// worker runs blocking device jobs one at a time, in submission order.
type worker struct {
	// wake signals queued jobs.
	wake chan struct{}
	// done is closed when run returns.
	done chan struct{}

	// mu guards the fields below.
	mu sync.Mutex
	// queue holds pending jobs.
	queue []func()
	// exited is true once run returned; later jobs run inline.
	exited bool
}

func newWorker() *worker {
	return &worker{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// run executes jobs until ctx is done. Jobs still queued at that point are dropped.
func (w *worker) run(ctx context.Context) error {
	defer func() {
		w.mu.Lock()
		w.exited = true
		w.queue = nil
		w.mu.Unlock()
		close(w.done)
	}()

	for {
		for {
			if ctx.Err() != nil {
				return nil
			}

			w.mu.Lock()
			if len(w.queue) == 0 {
				w.mu.Unlock()

				break
			}

			job := w.queue[0]
			w.queue[0] = nil
			w.queue = w.queue[1:]
			w.mu.Unlock()

			job()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-w.wake:
		}
	}
}

// submit queues job without waiting. It never blocks, so it is safe on the
// scheduler loop. It reports false when the worker has exited.
func (w *worker) submit(job func()) bool {
	w.mu.Lock()
	if w.exited {
		w.mu.Unlock()

		return false
	}

	w.queue = append(w.queue, job)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}

	return true
}

// do runs job on the worker and waits for it. Once the worker has exited the
// job runs on the calling goroutine instead.
func (w *worker) do(ctx context.Context, job func()) error {
	finished := make(chan struct{})

	if !w.submit(func() {
		defer close(finished)
		job()
	}) {
		job()

		return nil
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		select {
		case <-finished:
		default:
			job()
		}

		return nil
	}
}
