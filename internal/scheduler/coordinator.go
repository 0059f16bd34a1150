// Package scheduler drives the periodic actions of an acquisition run from a
// single event loop goroutine.
//
// Handlers and functions passed to Call or Post run on the loop goroutine one
// at a time, so state touched only from there needs no locking. Start, Stop
// and SetSamplingInterval must be called on the loop goroutine.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oshokin/abacus-daq/internal/logger"
)

var (
	// ErrStopped means the loop is not running.
	ErrStopped = errors.New("scheduler loop stopped")
	// ErrAlreadyStarted means Run was called twice.
	ErrAlreadyStarted = errors.New("scheduler loop already started")
)

// Handler runs one action on the loop goroutine. It must return promptly.
type Handler func(ctx context.Context)

// Handlers binds the four actions. Nil handlers are skipped.
type Handlers struct {
	Poll         Handler
	PlotRefresh  Handler
	LabelRefresh Handler
	HealthCheck  Handler
}

// of returns the handler for a.
func (h Handlers) of(a Action) Handler {
	switch a {
	case Poll:
		return h.Poll
	case PlotRefresh:
		return h.PlotRefresh
	case LabelRefresh:
		return h.LabelRefresh
	case HealthCheck:
		return h.HealthCheck
	default:
		return nil
	}
}

// Coordinator owns the timers of the four periodic actions.
type Coordinator struct {
	handlers Handlers
	floors   Floors
	health   time.Duration
	now      func() time.Time

	// wake signals queued work.
	wake chan struct{}
	// done is closed when Run returns.
	done chan struct{}

	// mu guards the fields below.
	mu sync.Mutex
	// plan is the due-time state.
	plan plan
	// queue holds functions posted to the loop.
	queue []func()
	// running is true while Run executes.
	running bool
	// exited is true once Run returned.
	exited bool
}

// Option configures a coordinator.
type Option func(*Coordinator)

// WithFloors sets the display refresh floors.
func WithFloors(floors Floors) Option {
	return func(c *Coordinator) {
		if floors.Plot > 0 {
			c.floors.Plot = floors.Plot
		}

		if floors.Label > 0 {
			c.floors.Label = floors.Label
		}
	}
}

// WithHealthInterval sets the fixed health check interval.
func WithHealthInterval(interval time.Duration) Option {
	return func(c *Coordinator) {
		if interval > 0 {
			c.health = interval
		}
	}
}

// WithClock replaces the time source used to compute due times.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// New returns a stopped coordinator whose poll interval is sampling.
func New(sampling time.Duration, handlers Handlers, opts ...Option) *Coordinator {
	c := &Coordinator{
		handlers: handlers,
		floors:   DefaultFloors(),
		health:   DefaultHealthInterval,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.plan.intervals = Derive(sampling, c.floors, c.health)

	return c
}

// Run executes the loop until ctx is done. Timers are disarmed on return and
// functions posted before that still run.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running || c.exited {
		c.mu.Unlock()

		return ErrAlreadyStarted
	}

	c.running = true
	c.mu.Unlock()

	ctx = logger.WithName(ctx, "scheduler")

	defer func() {
		c.mu.Lock()
		c.plan.stop()
		c.running = false
		c.exited = true
		c.mu.Unlock()

		c.drain()
		close(c.done)
	}()

	timer := time.NewTimer(time.Hour)
	timer.Stop()

	defer timer.Stop()

	for {
		c.drain()

		var tick <-chan time.Time

		c.mu.Lock()
		at, armed := c.plan.next()
		c.mu.Unlock()

		if armed {
			timer.Reset(max(at.Sub(c.now()), 0))
			tick = timer.C
		}

		select {
		case <-ctx.Done():
			logger.Debug(ctx, "Scheduler loop stopped")

			return nil
		case <-c.wake:
			timer.Stop()
		case <-tick:
			c.fire(ctx)
		}
	}
}

// drain runs every queued function.
func (c *Coordinator) drain() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()

			return
		}

		fn := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.mu.Unlock()

		fn()
	}
}

// fire runs the due actions. A handler that stops the coordinator prevents
// the remaining actions of the same tick from running.
func (c *Coordinator) fire(ctx context.Context) {
	c.mu.Lock()
	due := c.plan.take(c.now())
	c.mu.Unlock()

	for _, a := range due {
		if !c.Armed() {
			return
		}

		if h := c.handlers.of(a); h != nil {
			h(ctx)
		}
	}
}

// Post queues fn to run on the loop goroutine and returns without waiting.
// It reports false when the loop has exited.
func (c *Coordinator) Post(fn func()) bool {
	c.mu.Lock()
	if c.exited {
		c.mu.Unlock()

		return false
	}

	c.queue = append(c.queue, fn)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}

	return true
}

// Call runs fn on the loop goroutine and waits for it to return. Once the
// loop has exited it waits for the remaining posted functions to finish and
// returns ErrStopped. It must not be called from the loop goroutine.
func (c *Coordinator) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})

	if !c.Post(func() {
		defer close(finished)
		fn()
	}) {
		<-c.done

		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-c.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start arms all four actions at once. Poll fires immediately, the other
// actions one interval later. Loop goroutine only.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.plan.start(c.now())
}

// Stop disarms all four actions at once. No action fires after Stop returns
// until the next Start. Loop goroutine only.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.plan.stop()
}

// Armed reports whether the actions are armed.
func (c *Coordinator) Armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.plan.armed
}

// SetSamplingInterval re-derives the poll and display intervals. The health
// check interval is unaffected. The next tick of every changed action uses
// the new interval. Loop goroutine only.
func (c *Coordinator) SetSamplingInterval(sampling time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.plan.retime(Derive(sampling, c.floors, c.health), c.now())
}

// Intervals returns the current intervals.
func (c *Coordinator) Intervals() Intervals {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.plan.intervals
}

// Done is closed when Run returns.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}
