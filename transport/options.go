package transport

import (
	"time"

	"go.uber.org/zap"

	"github.com/luma/reveille/scheduler"
	"github.com/luma/reveille/storage"
)

// Scheduler is the part of scheduler.Scheduler that sessions use.
type Scheduler interface {
	Schedule(t scheduler.Timer) scheduler.Handle
	Cancel(h scheduler.Handle) bool
}

type Options struct {
	// Host to listen on
	Host string

	// Port to listen on, 0 picks a free port. See TCP.Addr.
	Port int

	// Reuseport controls setting SO_REUSEPORT, it's required for more than one
	// listener.
	Reuseport bool

	// Trace will log every change to the timer ledger. This is only useful in
	// local debugging
	Trace bool

	// NumListeners defaults to runtime.NumCPU() when Reuseport is set, and to
	// 1 otherwise.
	NumListeners int

	// MaxConnections caps concurrent sessions across all listeners, 0 means
	// no cap. At the cap the listeners stop accepting and new connections wait
	// in the kernel's backlog until a session ends.
	MaxConnections int

	// MaxPayloadSize bounds request payloads and response cookies, defaults
	// to protocol.DefaultMaxPayloadSize
	MaxPayloadSize uint32

	// WriteTimeout bounds how long a response write may take, 0 disables it
	WriteTimeout time.Duration

	Scheduler Scheduler

	// Store is optional, when set every pending timer is recorded in it
	Store storage.Store

	Log *zap.Logger
}
