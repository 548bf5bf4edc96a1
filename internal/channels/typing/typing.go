// Package typing drives a repeating "typing..." indicator for the lifetime of
// one reply. Platforms expire typing indicators after a few seconds, so the
// controller re-sends on a keepalive interval until stopped or until
// MaxDuration elapses.
package typing

import (
	"log/slog"
	"sync"
	"time"
)

// Options configures a Controller.
type Options struct {
	// InitialDelay before the first indicator. Zero sends it on Start.
	InitialDelay time.Duration
	// KeepaliveInterval between indicators. Zero sends only once.
	KeepaliveInterval time.Duration
	// MaxDuration auto-stops the controller. Zero disables the safety net.
	MaxDuration time.Duration
	// StartFn sends one indicator.
	StartFn func() error
}

// Controller sends typing indicators on a background goroutine.
// Stop is safe to call more than once and from any goroutine; after Stop
// returns no further StartFn call begins.
type Controller struct {
	opts Options

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
	started   bool
	mu        sync.Mutex
}

// New creates a stopped controller.
func New(opts Options) *Controller {
	return &Controller{
		opts: opts,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start launches the indicator loop. Subsequent calls are no-ops.
func (c *Controller) Start() {
	c.startOnce.Do(func() {
		c.mu.Lock()
		select {
		case <-c.stop:
			// Stopped before it was started.
			c.mu.Unlock()
			return
		default:
		}
		c.started = true
		c.mu.Unlock()
		go c.loop()
	})
}

// Stop halts the loop and waits for an in-flight StartFn to return.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		close(c.stop)
		started := c.started
		c.mu.Unlock()
		if started {
			<-c.done
		}
	})
}

func (c *Controller) loop() {
	defer close(c.done)

	var deadline <-chan time.Time
	if c.opts.MaxDuration > 0 {
		t := time.NewTimer(c.opts.MaxDuration)
		defer t.Stop()
		deadline = t.C
	}

	delay := time.NewTimer(c.opts.InitialDelay)
	defer delay.Stop()

	select {
	case <-c.stop:
		return
	case <-deadline:
		return
	case <-delay.C:
	}

	c.send()
	if c.opts.KeepaliveInterval <= 0 {
		return
	}

	ticker := time.NewTicker(c.opts.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-deadline:
			slog.Debug("typing indicator reached max duration", "max", c.opts.MaxDuration)
			return
		case <-ticker.C:
			c.send()
		}
	}
}

func (c *Controller) send() {
	// Stop may have won the race with a timer that fired at the same time.
	select {
	case <-c.stop:
		return
	default:
	}
	if c.opts.StartFn == nil {
		return
	}
	if err := c.opts.StartFn(); err != nil {
		slog.Debug("typing indicator failed", "error", err)
	}
}
