package transport

import (
	"context"
	"errors"
	"net"
	"runtime"
	"strconv"
	"sync"
	"time"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/reveille/protocol"
	"github.com/luma/reveille/storage"
)

var ErrNotStarted = errors.New("TCP server has not been started")

const (
	restartDelay    = 100 * time.Millisecond
	maxRestartDelay = 5 * time.Second
)

// TCP is the dispatch server. It runs one or more listeners on the same
// address and a Session per accepted connection.
type TCP struct {
	cancel     context.CancelFunc
	stopWaiter sync.WaitGroup

	addr      string
	reuseport bool

	numListeners int
	listeners    []*TCPListener

	// slots is shared by every listener, nil when connections are uncapped
	slots chan struct{}

	sessionOptions sessionOptions
	sessionCount   *atomic.Int64

	store storage.Store

	log   *zap.Logger
	trace bool
}

func NewTCP(options Options) *TCP {
	numListeners := options.NumListeners

	if numListeners < 1 {
		numListeners = 1

		if options.Reuseport {
			numListeners = runtime.NumCPU()
		}
	}

	maxPayload := options.MaxPayloadSize
	if maxPayload == 0 {
		maxPayload = protocol.DefaultMaxPayloadSize
	}

	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	var slots chan struct{}
	if options.MaxConnections > 0 {
		slots = make(chan struct{}, options.MaxConnections)
	}

	return &TCP{
		addr:         net.JoinHostPort(options.Host, strconv.Itoa(options.Port)),
		reuseport:    options.Reuseport,
		numListeners: numListeners,
		listeners:    make([]*TCPListener, 0, numListeners),
		slots:        slots,
		sessionOptions: sessionOptions{
			sched:        options.Scheduler,
			store:        options.Store,
			maxPayload:   maxPayload,
			writeTimeout: options.WriteTimeout,
			log:          log.Named("session"),
		},
		sessionCount: atomic.NewInt64(0),
		store:        options.Store,
		trace:        options.Trace,
		log:          log,
	}
}

// Start binds every listener before returning, so clients can connect as soon
// as it succeeds. Accepting happens in the background until Close.
func (w *TCP) Start(parentCtx context.Context) error {
	ctx, cancel := context.WithCancel(parentCtx)
	w.cancel = cancel

	w.log.Info("Starting tcp listeners", zap.Int("count", w.numListeners))

	for i := 0; i < w.numListeners; i++ {
		if err := w.startListener(ctx, i); err != nil {
			cancel()

			for _, listener := range w.listeners {
				err = multierr.Append(err, listener.Close())
			}

			w.stopWaiter.Wait()
			return err
		}
	}

	if w.trace && w.store != nil {
		go w.traceUpdates(ctx, w.store.ListenToUpdates())
	}

	return nil
}

// Addr returns the address the listeners are bound to, or nil before Start.
func (w *TCP) Addr() net.Addr {
	if len(w.listeners) == 0 {
		return nil
	}

	return w.listeners[0].Addr()
}

// ActiveSessions returns the number of connections currently being served.
func (w *TCP) ActiveSessions() int64 {
	return w.sessionCount.Load()
}

func (w *TCP) startListener(ctx context.Context, num int) error {
	listener := NewTCPListener(
		ctx,
		w.addr,
		w.reuseport,
		w.slots,
		w.log.Named("listener").With(zap.Int("listener", num)),
	)

	listener.newSession = func(conn net.Conn) *Session {
		return newSession(ctx, conn, w.sessionOptions)
	}
	listener.sessionCount = w.sessionCount

	if err := listener.Bind(); err != nil {
		return err
	}

	// With port 0 the first listener picks the port and the rest share it.
	if num == 0 {
		w.addr = listener.Addr().String()
	}

	w.listeners = append(w.listeners, listener)
	w.stopWaiter.Add(1)

	go func() {
		defer w.stopWaiter.Done()
		listener.Run()
	}()

	return nil
}

func (w *TCP) traceUpdates(ctx context.Context, updates <-chan *storage.Update) {
	log := w.log.Named("trace")

	for {
		select {
		case <-ctx.Done():
			return

		case update, ok := <-updates:
			if !ok {
				return
			}

			if update.Deleted() {
				log.Info("Timer removed", zap.ByteString("key", update.Key))
				continue
			}

			log.Info("Timer recorded",
				zap.ByteString("key", update.Key),
				zap.ByteString("value", update.Value))
		}
	}
}

// Close immediately closes all listeners and active sessions. Outstanding
// timers of those sessions are cancelled.
func (w *TCP) Close() (err error) {
	if w.cancel == nil {
		return ErrNotStarted
	}

	w.log.Info("Stopping TCP server")
	w.cancel()

	// Tell listeners to stop
	for _, listener := range w.listeners {
		err = multierr.Append(err, listener.Close())
	}

	w.stopWaiter.Wait()
	w.log.Info("TCP server stopped")

	return err
}

type TCPListener struct {
	ctx context.Context

	addr      string
	reuseport bool
	listener  net.Listener
	log       *zap.Logger

	slots        chan struct{}
	newSession   func(conn net.Conn) *Session
	sessionCount *atomic.Int64

	mu          sync.Mutex
	activeConns map[*Session]struct{}
	loopWaiter  sync.WaitGroup
}

func NewTCPListener(
	ctx context.Context,
	addr string,
	reuseport bool,
	slots chan struct{},
	log *zap.Logger,
) *TCPListener {
	return &TCPListener{
		ctx:          ctx,
		activeConns:  make(map[*Session]struct{}),
		addr:         addr,
		reuseport:    reuseport,
		slots:        slots,
		sessionCount: atomic.NewInt64(0),
		log:          log,
	}
}

// Bind opens the listening socket. The resolved address is kept so a rebind
// after a failure returns to the same port.
func (t *TCPListener) Bind() error {
	var (
		ln  net.Listener
		err error
	)

	if t.reuseport {
		ln, err = reuseport.Listen("tcp", t.addr)
	} else {
		ln, err = net.Listen("tcp", t.addr)
	}

	if err != nil {
		return err
	}

	t.mu.Lock()
	t.listener = ln
	t.addr = ln.Addr().String()
	t.mu.Unlock()

	return nil
}

func (t *TCPListener) Addr() net.Addr {
	return t.current().Addr()
}

func (t *TCPListener) current() net.Listener {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.listener
}

// Close stops accepting and closes every active session.
func (t *TCPListener) Close() (err error) {
	if ln := t.current(); ln != nil {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}

	t.mu.Lock()
	for session := range t.activeConns {
		err = multierr.Append(err, ignoreClosed(session.Close()))
	}
	t.mu.Unlock()

	return err
}

// Run accepts connections until the listener's context is done. When
// accepting fails for good the socket is bound again and accepting resumes.
func (t *TCPListener) Run() {
	defer func() {
		t.log.Info("Waiting for sessions to stop")
		t.loopWaiter.Wait()
		t.log.Info("Listener stopped")
	}()

	for {
		err := t.Listen()
		if err == nil || t.ctx.Err() != nil {
			return
		}

		t.log.Error("Listener failed, restarting", zap.Error(err))

		if !t.rebind() {
			return
		}
	}
}

// rebind closes the failed socket and binds again, backing off between
// attempts. It returns false if the context ends first.
func (t *TCPListener) rebind() bool {
	if err := t.current().Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		t.log.Warn("Failed listener did not close cleanly", zap.Error(err))
	}

	delay := restartDelay

	for {
		select {
		case <-t.ctx.Done():
			return false
		case <-time.After(delay):
		}

		err := t.Bind()
		if err == nil {
			t.log.Info("Listener restarted", zap.String("addr", t.addr))
			return true
		}

		if delay *= 2; delay > maxRestartDelay {
			delay = maxRestartDelay
		}

		t.log.Warn("Failed to rebind listener", zap.Duration("delay", delay), zap.Error(err))
	}
}

// Listen accepts connections on the bound socket until the listener's
// context is done or accepting fails. Bind must have been called first.
// Sessions keep running after it returns.
func (t *TCPListener) Listen() error {
	ln := t.current()
	stopped := make(chan struct{})
	defer close(stopped)

	go func() {
		select {
		case <-t.ctx.Done():
		case <-stopped:
			return
		}

		t.log.Info("Closing listener")
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			t.log.Warn("TCP Listener did not close cleanly", zap.Error(err))
		}
	}()

	var tempDelay time.Duration

	for {
		if !t.acquire() {
			t.log.Info("Stopped accepting new connections")
			return nil
		}

		conn, err := ln.Accept()
		if err != nil {
			t.release()

			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				// The listener was closed while we were waiting for new
				// connections, that's fine.
				t.log.Info("Stopped accepting new connections")
				return nil
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else if tempDelay *= 2; tempDelay > time.Second {
					tempDelay = time.Second
				}

				t.log.Warn("Accept failed, retrying", zap.Duration("delay", tempDelay), zap.Error(err))
				time.Sleep(tempDelay)
				continue
			}

			return err
		}

		tempDelay = 0

		session := t.newSession(conn)
		t.addConn(session)
		t.loopWaiter.Add(1)

		go func() {
			defer t.loopWaiter.Done()
			defer t.release()
			defer t.removeConn(session)

			session.Serve()
		}()
	}
}

// acquire takes a connection slot, waiting while the cap is reached. It
// returns false once the listener is shutting down.
func (t *TCPListener) acquire() bool {
	if t.slots == nil {
		return t.ctx.Err() == nil
	}

	select {
	case t.slots <- struct{}{}:
		return true
	default:
	}

	t.log.Info("Connection limit reached, pausing accept", zap.Int("max", cap(t.slots)))

	select {
	case t.slots <- struct{}{}:
		t.log.Info("Resuming accept")
		return true

	case <-t.ctx.Done():
		return false
	}
}

func (t *TCPListener) release() {
	if t.slots != nil {
		<-t.slots
	}
}

func (t *TCPListener) addConn(session *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.activeConns[session] = struct{}{}
	t.sessionCount.Inc()
}

func (t *TCPListener) removeConn(session *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.activeConns, session)
	t.sessionCount.Dec()
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}

	return err
}
