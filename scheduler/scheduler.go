// Package scheduler holds every pending wake-up timer of the server and fires
// each of them exactly once, at or after its due time.
//
// All timers live in a single min-heap ordered by due time, then by the order
// they were scheduled in. One goroutine, Run, sleeps until the earliest due
// time (or until an earlier timer is scheduled) and then fires everything
// that has elapsed. Sessions only interact with the heap through Schedule and
// Cancel, which are safe for concurrent use.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/luma/reveille/cookie"
)

var (
	// ErrDeliveryFailed is returned by delivery callbacks that could not hand
	// the cookie to their session, usually because the connection is gone.
	ErrDeliveryFailed = errors.New("Failed to deliver fired timer")

	ErrAlreadyRunning = errors.New("Scheduler is already running")
)

// Handle identifies one scheduled timer. Handles are never reused.
type Handle uint64

// DeliverFunc is invoked once when a timer fires. It must not block.
type DeliverFunc func(requestID uint32, cookie []byte) error

type Timer struct {
	ID      uint32
	Due     time.Time
	Payload []byte
	Deliver DeliverFunc
}

type Options struct {
	// Cookies derives the response for each fired timer, defaults to cookie.Echo
	Cookies cookie.Generator

	// Now defaults to time.Now
	Now func() time.Time

	Log *zap.Logger
}

type Stats struct {
	Pending   int    `json:"pending"`
	Scheduled uint64 `json:"scheduled"`
	Fired     uint64 `json:"fired"`
	Cancelled uint64 `json:"cancelled"`
	Failed    uint64 `json:"failed"`
}

type Scheduler struct {
	mu         sync.Mutex
	timers     timerHeap
	handles    map[Handle]*entry
	lastHandle uint64
	lastSeq    uint64

	// wake is signalled when a timer becomes the earliest one
	wake chan struct{}

	// ready holds popped entries waiting to be delivered, owned by Run
	ready *queue.Queue

	running *atomic.Bool

	scheduled *atomic.Uint64
	fired     *atomic.Uint64
	cancelled *atomic.Uint64
	failed    *atomic.Uint64

	cookies cookie.Generator
	now     func() time.Time
	log     *zap.Logger
}

func New(options Options) *Scheduler {
	s := &Scheduler{
		handles:   make(map[Handle]*entry),
		wake:      make(chan struct{}, 1),
		ready:     queue.New(),
		running:   atomic.NewBool(false),
		scheduled: atomic.NewUint64(0),
		fired:     atomic.NewUint64(0),
		cancelled: atomic.NewUint64(0),
		failed:    atomic.NewUint64(0),
		cookies:   options.Cookies,
		now:       options.Now,
		log:       options.Log,
	}

	if s.cookies == nil {
		s.cookies = cookie.Echo
	}

	if s.now == nil {
		s.now = time.Now
	}

	if s.log == nil {
		s.log = zap.NewNop()
	}

	return s
}

// Schedule adds a timer and returns the handle to cancel it with. Timers that
// are already due fire on the next pass of Run.
func (s *Scheduler) Schedule(t Timer) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastHandle++
	s.lastSeq++

	e := &entry{
		timer:  t,
		handle: Handle(s.lastHandle),
		seq:    s.lastSeq,
	}

	heap.Push(&s.timers, e)
	s.handles[e.handle] = e
	s.scheduled.Inc()

	if s.timers.peek() == e {
		s.signal()
	}

	return e.handle
}

// Cancel removes a timer that has not fired yet and reports whether it did.
// Cancelling a fired, cancelled or unknown handle does nothing and returns
// false. Once Cancel has returned true the timer's callback will never run.
func (s *Scheduler) Cancel(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.handles[h]
	if !ok {
		return false
	}

	if e.index < 0 || e.index >= len(s.timers) || s.timers[e.index] != e {
		s.log.Panic("Timer heap is corrupt",
			zap.Uint64("handle", uint64(h)),
			zap.Int("index", e.index),
			zap.Int("pending", len(s.timers)))
	}

	heap.Remove(&s.timers, e.index)
	delete(s.handles, h)
	s.cancelled.Inc()

	return true
}

// Pending returns the number of timers that have neither fired nor been
// cancelled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.timers)
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Pending:   s.Pending(),
		Scheduled: s.scheduled.Load(),
		Fired:     s.fired.Load(),
		Cancelled: s.cancelled.Load(),
		Failed:    s.failed.Load(),
	}
}

// Run drives the scheduler until ctx is done. Only one Run may be active at a
// time. Timers still pending when Run returns are kept and will fire if Run is
// called again.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CAS(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	log := s.log.Named("loop")
	log.Info("Scheduler started")

	sleep := time.NewTimer(time.Hour)
	stopTimer(sleep)

	defer func() {
		sleep.Stop()
		log.Info("Scheduler stopped", zap.Int("pending", s.Pending()))
	}()

	for {
		wait, ok := s.pass()

		var deadline <-chan time.Time
		if ok {
			stopTimer(sleep)
			sleep.Reset(wait)
			deadline = sleep.C
		}

		select {
		case <-ctx.Done():
			return nil

		case <-s.wake:
		case <-deadline:
		}
	}
}

// pass fires every elapsed timer, in order, and returns how long to sleep
// until the next one. ok is false when nothing is pending.
func (s *Scheduler) pass() (wait time.Duration, ok bool) {
	s.mu.Lock()
	now := s.now()
	for s.timers.due(now) {
		e := heap.Pop(&s.timers).(*entry)
		delete(s.handles, e.handle)
		s.ready.Add(e)
	}
	s.mu.Unlock()

	for s.ready.Length() > 0 {
		s.fire(s.ready.Remove().(*entry))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.timers.peek()
	if next == nil {
		return 0, false
	}

	wait = next.timer.Due.Sub(s.now())
	if wait < 0 {
		wait = 0
	}

	return wait, true
}

func (s *Scheduler) fire(e *entry) {
	t := e.timer
	firedAt := s.now()

	log := s.log.With(
		zap.Uint32("requestID", t.ID),
		zap.Uint64("handle", uint64(e.handle)),
		zap.Duration("lateBy", firedAt.Sub(t.Due)))

	c, err := s.cookies.Cookie(cookie.Source{
		RequestID: t.ID,
		Due:       t.Due,
		FiredAt:   firedAt,
		Payload:   t.Payload,
	})
	if err != nil {
		log.Warn("Failed to derive cookie, sending an empty one", zap.Error(err))
		c = []byte{}
	}

	if err := s.deliver(t, c); err != nil {
		s.failed.Inc()
		log.Warn("Failed to deliver timer", zap.Error(err))
		return
	}

	s.fired.Inc()
	log.Debug("Timer fired")
}

func (s *Scheduler) deliver(t Timer, c []byte) (err error) {
	if t.Deliver == nil {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("Delivery panicked: %v: %w", r, ErrDeliveryFailed)
		}
	}()

	return t.Deliver(t.ID, c)
}

// signal wakes Run without blocking, a pending signal is enough.
func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
