package transport

import (
	"context"
	"errors"
	"net"
	"sync"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
)

// brokenListener fails its first Accept with a permanent error.
type brokenListener struct {
	net.Listener

	once sync.Once
}

func (b *brokenListener) Accept() (conn net.Conn, err error) {
	broken := false
	b.once.Do(func() { broken = true })

	if broken {
		return nil, errors.New("accept: too many open files in system")
	}

	return b.Listener.Accept()
}

var _ = Describe("TCPListener", func() {
	It("binds again on the same port after accepting fails", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		listener := NewTCPListener(ctx, "127.0.0.1:0", false, nil, zap.NewNop())
		listener.newSession = func(conn net.Conn) *Session {
			return newSession(ctx, conn, sessionOptions{
				sched:      &fakeScheduler{},
				maxPayload: 64,
				log:        zap.NewNop(),
			})
		}

		Expect(listener.Bind()).To(Succeed())
		addr := listener.Addr().String()

		failing := &brokenListener{Listener: listener.current()}
		listener.mu.Lock()
		listener.listener = failing
		listener.mu.Unlock()

		done := make(chan struct{})
		go func() {
			defer close(done)
			listener.Run()
		}()

		Eventually(func() net.Listener { return listener.current() }).ShouldNot(BeIdenticalTo(failing))
		Expect(listener.Addr().String()).To(Equal(addr))

		conn, err := net.Dial("tcp", addr)
		Expect(err).To(Succeed())
		Eventually(listener.sessionCount.Load).Should(Equal(int64(1)))
		Expect(conn.Close()).To(Succeed())

		cancel()
		Eventually(done).Should(BeClosed())
		Expect(listener.sessionCount.Load()).To(BeZero())
	})
})
