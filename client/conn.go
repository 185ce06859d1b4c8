package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luma/reveille/protocol"
)

var (
	ErrNotConnected  = errors.New("Client is not connected")
	ErrIDMismatch    = errors.New("Response request id does not match the request")
	ErrRequestActive = errors.New("A timer is already outstanding on this connection")
)

// Conn is a client connection to a Reveille server. A connection carries one
// timer at a time, concurrent callers of SetTimer are refused rather than
// queued.
type Conn struct {
	conn net.Conn

	mu     sync.Mutex
	active bool

	// MaxFrameSize bounds request payloads and the cookies the client will accept
	MaxFrameSize uint32

	log *zap.Logger
}

func New(log *zap.Logger) *Conn {
	if log == nil {
		log = zap.NewNop()
	}

	return &Conn{
		MaxFrameSize: protocol.DefaultMaxPayloadSize,
		log:          log,
	}
}

func (c *Conn) Connect(ctx context.Context, addr string) error {
	var d net.Dialer

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	c.conn = conn

	return nil
}

func (c *Conn) Disconnect() error {
	if c.conn == nil {
		return ErrNotConnected
	}

	return c.conn.Close()
}

// SetTimer asks the server to wake us at due and blocks until it does, or ctx
// is done. Cancelling ctx closes the connection, which cancels the timer on
// the server.
func (c *Conn) SetTimer(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if c.conn == nil {
		return nil, ErrNotConnected
	}

	if !c.begin() {
		return nil, ErrRequestActive
	}
	defer c.end()

	stop := make(chan struct{})
	defer close(stop)

	go func() {
		select {
		case <-ctx.Done():
			// Unblock the pending read
			_ = c.conn.SetReadDeadline(time.Unix(1, 0))
		case <-stop:
		}
	}()

	if err := protocol.WriteRequest(c.conn, req, c.MaxFrameSize); err != nil {
		return nil, err
	}

	c.log.Debug("Timer requested",
		zap.Uint32("requestID", uint32(req.RequestID)),
		zap.Time("due", req.Due()))

	resp, err := protocol.ReadResponse(c.conn, c.MaxFrameSize)
	if err != nil {
		if ctx.Err() != nil {
			c.conn.Close()
			return nil, ctx.Err()
		}

		return nil, err
	}

	if resp.RequestID != req.RequestID {
		return resp, ErrIDMismatch
	}

	return resp, nil
}

func (c *Conn) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active {
		return false
	}

	c.active = true
	return true
}

func (c *Conn) end() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.active = false
}
