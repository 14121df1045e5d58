package engine

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// drainHorizon bounds how far past the last frame an offline replay keeps
// running timers, so retransmissions and idle timeouts still complete.
const drainHorizon = 5 * time.Minute

// Post queues fn for the reactor. It is safe to call from any goroutine and
// blocks while the queue is full. After Run returns fn is discarded.
func (e *Engine) Post(fn func()) {
	select {
	case <-e.done:
		return
	default:
	}
	select {
	case e.posts <- fn:
	case <-e.done:
	}
}

// Run is the reactor loop. It consumes frames, posted events and timers
// until ctx is cancelled or frames is closed.
func (e *Engine) Run(ctx context.Context, frames <-chan Frame) error {
	defer close(e.done)
	log.WithField("hosts", e.deps.Templates.Len()).Info("Engine started")

	wake := time.NewTimer(time.Hour)
	defer wake.Stop()

	for {
		e.armWake(wake)
		select {
		case <-ctx.Done():
			e.runPosted()
			log.Info("Engine stopped")
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				e.runPosted()
				if e.cfg.FrameClock {
					e.drain()
				}
				log.Info("Frame source closed, engine stopped")
				return nil
			}
			e.HandleFrame(f)
		case fn := <-e.posts:
			fn()
		case <-wake.C:
			e.sched.RunDue()
		}
	}
}

// armWake points the wall clock timer at the next deadline. With a frame
// clock timers only move with the frames.
func (e *Engine) armWake(t *time.Timer) {
	t.Stop()
	if e.cfg.FrameClock {
		return
	}
	next, ok := e.sched.Next()
	if !ok {
		return
	}
	t.Reset(max(time.Until(next), 0))
}

// runPosted runs whatever is already queued without waiting for more.
func (e *Engine) runPosted() {
	for {
		select {
		case fn := <-e.posts:
			fn()
		default:
			return
		}
	}
}

// drain advances the frame clock through pending timers up to drainHorizon.
func (e *Engine) drain() {
	end := e.now.Add(drainHorizon)
	for {
		next, ok := e.sched.Next()
		if !ok || next.After(end) {
			return
		}
		if next.After(e.now) {
			e.now = next
		}
		e.sched.RunDue()
		e.runPosted()
	}
}

// Advance moves the frame clock forward by d and runs the timers that
// became due. It has no effect on a wall clock engine.
func (e *Engine) Advance(d time.Duration) {
	if !e.cfg.FrameClock {
		return
	}
	e.now = e.now.Add(d)
	e.sched.RunDue()
}
