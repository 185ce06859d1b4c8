package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/luma/reveille/protocol"
	"github.com/luma/reveille/scheduler"
	"github.com/luma/reveille/storage"
)

type State int32

const (
	AwaitingRequest State = iota
	TimerPending
	Delivering
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingRequest:
		return "awaiting-request"
	case TimerPending:
		return "timer-pending"
	case Delivering:
		return "delivering"
	case Closed:
		return "closed"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

type firedTimer struct {
	requestID uint32
	cookie    []byte
}

// Session owns one client connection. It reads a request, registers a timer
// for it and writes the response once the timer fires, then waits for the
// next request. At most one timer is outstanding at any time.
type Session struct {
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	conn   net.Conn
	reader *bufio.Reader
	remote string

	sched Scheduler
	store storage.Store

	maxPayload   uint32
	writeTimeout time.Duration

	state *atomic.Int32

	// fired has room for exactly one response, the outstanding timer's
	fired chan firedTimer

	log *zap.Logger
}

type sessionOptions struct {
	sched        Scheduler
	store        storage.Store
	maxPayload   uint32
	writeTimeout time.Duration
	log          *zap.Logger
}

func newSession(parentCtx context.Context, conn net.Conn, options sessionOptions) *Session {
	ctx, cancel := context.WithCancel(parentCtx)
	remote := conn.RemoteAddr().String()

	return &Session{
		ctx:          ctx,
		cancel:       cancel,
		conn:         conn,
		reader:       bufio.NewReader(conn),
		remote:       remote,
		sched:        options.sched,
		store:        options.store,
		maxPayload:   options.maxPayload,
		writeTimeout: options.writeTimeout,
		state:        atomic.NewInt32(int32(AwaitingRequest)),
		fired:        make(chan firedTimer, 1),
		log:          options.log.With(zap.String("remote", remote)),
	}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

// Serve runs the session until the client goes away, an error occurs or the
// session is closed.
func (s *Session) Serve() {
	defer s.Close()

	// Unblock pending reads when the server shuts down.
	go func() {
		<-s.ctx.Done()
		s.Close()
	}()

	s.log.Debug("Session started")

	for {
		s.setState(AwaitingRequest)

		req, err := protocol.ReadRequest(s.reader, s.maxPayload)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.log.Debug("Client closed the connection")

			case s.ctx.Err() != nil:
				s.log.Debug("Session closed while awaiting a request")

			default:
				s.log.Warn("Failed to read client request", zap.Error(err))
			}

			return
		}

		if !s.await(req) {
			return
		}
	}
}

// await registers a timer for req and waits for it to fire. It reports
// whether the session may continue with another request.
func (s *Session) await(req *protocol.Request) bool {
	log := s.log.With(
		zap.Uint32("requestID", uint32(req.RequestID)),
		zap.Time("due", req.Due()))

	s.setState(TimerPending)

	handle := s.sched.Schedule(scheduler.Timer{
		ID:      uint32(req.RequestID),
		Due:     req.Due(),
		Payload: req.Payload,
		Deliver: s.onFired,
	})

	log = log.With(zap.Uint64("handle", uint64(handle)))
	log.Debug("Timer scheduled", zap.Int("payloadSize", len(req.Payload)))

	s.record(handle, req)

	gone := s.watch()

	select {
	case fired := <-s.fired:
		if err := s.stopWatching(gone); err != nil {
			if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
				log.Warn("Connection failed as the timer fired", zap.Error(err))
			}

			s.forget(handle)
			log.Info("Client went away as its timer fired, response dropped")

			return false
		}

		return s.deliver(handle, fired, log)

	case err := <-gone:
		if err != nil {
			s.abandon(handle, log, err)
			return false
		}

		// The read buffer is full of pipelined requests, a close can only be
		// seen once this timer is done and they are read.
		log.Debug("Read buffer full, no longer watching the connection")

		select {
		case fired := <-s.fired:
			return s.deliver(handle, fired, log)

		case <-s.ctx.Done():
			s.abandon(handle, log, s.ctx.Err())
			return false
		}

	case <-s.ctx.Done():
		s.abandon(handle, log, s.ctx.Err())
		return false
	}
}

// watch reports the first read error while a timer is pending. Bytes the
// client pipelines stay buffered for the next ReadRequest. It reports nil
// once the buffer is full and nothing more can be read without consuming.
func (s *Session) watch() <-chan error {
	gone := make(chan error, 1)

	go func() {
		for {
			n := s.reader.Buffered() + 1
			if n > s.reader.Size() {
				gone <- nil
				return
			}

			if _, err := s.reader.Peek(n); err != nil {
				gone <- err
				return
			}
		}
	}()

	return gone
}

// stopWatching interrupts the watcher with an expired read deadline and
// waits for it to exit. It returns the error the watcher saw if the
// connection failed before the interrupt.
func (s *Session) stopWatching(gone <-chan error) error {
	if err := s.conn.SetReadDeadline(time.Now()); err != nil {
		return err
	}

	err := <-gone

	if derr := s.conn.SetReadDeadline(time.Time{}); derr != nil {
		return derr
	}

	if err == nil || errors.Is(err, os.ErrDeadlineExceeded) {
		return nil
	}

	return err
}

// abandon cancels the outstanding timer after the connection failed. If the
// timer fired first its response is dropped, either way exactly one of the
// two takes effect.
func (s *Session) abandon(handle scheduler.Handle, log *zap.Logger, cause error) {
	s.cancel()
	s.setState(Closed)
	s.forget(handle)

	if s.sched.Cancel(handle) {
		log.Info("Client went away before its timer fired, timer cancelled", zap.NamedError("cause", cause))
		return
	}

	log.Info("Client went away as its timer fired, response dropped", zap.NamedError("cause", cause))
}

// onFired is the delivery callback the scheduler invokes. It runs on the
// scheduler's goroutine so it only hands the cookie over to the session.
func (s *Session) onFired(requestID uint32, cookie []byte) error {
	if s.ctx.Err() != nil {
		return fmt.Errorf("Session with %s is closed: %w", s.remote, scheduler.ErrDeliveryFailed)
	}

	s.setState(Delivering)

	select {
	case s.fired <- firedTimer{requestID: requestID, cookie: cookie}:
		return nil

	default:
		return fmt.Errorf("Session with %s already has a response in flight: %w",
			s.remote, scheduler.ErrDeliveryFailed)
	}
}

func (s *Session) deliver(handle scheduler.Handle, fired firedTimer, log *zap.Logger) bool {
	s.forget(handle)

	if err := s.respond(fired); err != nil {
		log.Warn("Failed to respond to client", zap.Error(err))
		return false
	}

	return true
}

func (s *Session) respond(fired firedTimer) error {
	s.setState(Delivering)

	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}

	if err := protocol.WriteResponse(s.conn, protocol.RequestID(fired.requestID), fired.cookie, s.maxPayload); err != nil {
		return err
	}

	s.log.Debug("Responded to client",
		zap.Uint32("requestID", fired.requestID),
		zap.Int("cookieSize", len(fired.cookie)))

	return nil
}

// Close ends the session, it is safe to call more than once and from any
// goroutine.
func (s *Session) Close() error {
	var err error

	s.closeOnce.Do(func() {
		s.cancel()
		s.setState(Closed)
		err = s.conn.Close()
		s.log.Debug("Session closed")
	})

	return err
}

func (s *Session) record(handle scheduler.Handle, req *protocol.Request) {
	if s.store == nil {
		return
	}

	err := s.store.Set(s.ctx, ledgerKey(handle), map[string]interface{}{
		"id":          uint32(req.RequestID),
		"due":         req.DueTime,
		"remote":      s.remote,
		"payloadSize": len(req.Payload),
		"scheduledAt": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		s.log.Warn("Failed to record timer", zap.Uint64("handle", uint64(handle)), zap.Error(err))
	}
}

func (s *Session) forget(handle scheduler.Handle) {
	if s.store == nil {
		return
	}

	if err := s.store.Delete(context.Background(), ledgerKey(handle)); err != nil {
		s.log.Warn("Failed to forget timer", zap.Uint64("handle", uint64(handle)), zap.Error(err))
	}
}

func ledgerKey(handle scheduler.Handle) []byte {
	return []byte("t" + strconv.FormatUint(uint64(handle), 10))
}
