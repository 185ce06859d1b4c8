package transport

import (
	"context"
	"net"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/luma/reveille/protocol"
	"github.com/luma/reveille/scheduler"
)

type fakeScheduler struct {
	mu        sync.Mutex
	timers    []scheduler.Timer
	cancelled []scheduler.Handle
	fired     bool
}

func (f *fakeScheduler) Schedule(t scheduler.Timer) scheduler.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.timers = append(f.timers, t)
	return scheduler.Handle(len(f.timers))
}

func (f *fakeScheduler) Cancel(h scheduler.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cancelled = append(f.cancelled, h)
	return !f.fired
}

func (f *fakeScheduler) scheduled() []scheduler.Timer {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]scheduler.Timer(nil), f.timers...)
}

func (f *fakeScheduler) cancels() []scheduler.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]scheduler.Handle(nil), f.cancelled...)
}

var _ = Describe("Session", func() {
	var (
		sched   *fakeScheduler
		session *Session
		peer    net.Conn
		served  chan struct{}
	)

	BeforeEach(func() {
		var conn net.Conn
		conn, peer = net.Pipe()

		sched = &fakeScheduler{}
		session = newSession(context.Background(), conn, sessionOptions{
			sched:      sched,
			maxPayload: 64,
			log:        zap.NewNop(),
		})

		served = make(chan struct{})
		go func() {
			defer close(served)
			session.Serve()
		}()
	})

	AfterEach(func() {
		peer.Close()
		Eventually(served).Should(BeClosed())
	})

	send := func(id uint32, payload string) {
		go func() {
			defer GinkgoRecover()
			req := protocol.NewRequest(protocol.RequestID(id), time.Now().Add(time.Hour), []byte(payload))
			Expect(protocol.WriteRequest(peer, req, 64)).To(Succeed())
		}()
	}

	It("moves through the request states", func() {
		Expect(session.State()).To(Equal(AwaitingRequest))

		send(3, "Wake up")
		Eventually(sched.scheduled).Should(HaveLen(1))
		Eventually(session.State).Should(Equal(TimerPending))

		timer := sched.scheduled()[0]
		Expect(timer.ID).To(Equal(uint32(3)))
		Expect(string(timer.Payload)).To(Equal("Wake up"))

		Expect(timer.Deliver(3, []byte("cookie"))).To(Succeed())

		resp, err := protocol.ReadResponse(peer, 64)
		Expect(err).To(Succeed())
		Expect(resp.RequestID).To(Equal(protocol.RequestID(3)))
		Expect(string(resp.Cookie)).To(Equal("cookie"))

		send(4, "again")
		Eventually(sched.scheduled).Should(HaveLen(2))
		Eventually(session.State).Should(Equal(TimerPending))
	})

	It("refuses a second delivery while one is in flight", func() {
		conn, other := net.Pipe()
		defer conn.Close()
		defer other.Close()

		// Nothing is serving this session, so the first delivery stays queued.
		idle := newSession(context.Background(), conn, sessionOptions{
			sched:      sched,
			maxPayload: 64,
			log:        zap.NewNop(),
		})

		Expect(idle.onFired(1, nil)).To(Succeed())
		Expect(idle.State()).To(Equal(Delivering))
		Expect(idle.onFired(1, nil)).To(MatchError(scheduler.ErrDeliveryFailed))
	})

	It("cancels the timer when the peer goes away", func() {
		send(1, "x")
		Eventually(sched.scheduled).Should(HaveLen(1))

		Expect(peer.Close()).To(Succeed())

		Eventually(served).Should(BeClosed())
		Expect(sched.cancels()).To(Equal([]scheduler.Handle{1}))
		Expect(session.State()).To(Equal(Closed))
	})

	It("cancels the timer when the peer leaves after pipelining more bytes", func() {
		send(1, "x")
		Eventually(sched.scheduled).Should(HaveLen(1))

		_, err := peer.Write([]byte{0, 0, 0, 2})
		Expect(err).To(Succeed())

		Expect(peer.Close()).To(Succeed())

		Eventually(served).Should(BeClosed())
		Expect(sched.cancels()).To(Equal([]scheduler.Handle{1}))
	})

	It("keeps pipelined bytes for the next request", func() {
		send(1, "first")
		Eventually(sched.scheduled).Should(HaveLen(1))

		// A pipe write returns once the session has buffered the bytes.
		next := protocol.NewRequest(2, time.Now().Add(time.Hour), []byte("second"))
		Expect(protocol.WriteRequest(peer, next, 64)).To(Succeed())

		Expect(sched.scheduled()[0].Deliver(1, []byte("one"))).To(Succeed())

		resp, err := protocol.ReadResponse(peer, 64)
		Expect(err).To(Succeed())
		Expect(resp.RequestID).To(Equal(protocol.RequestID(1)))

		Eventually(sched.scheduled).Should(HaveLen(2))
		Expect(string(sched.scheduled()[1].Payload)).To(Equal("second"))
		Expect(sched.cancels()).To(BeEmpty())
	})

	It("fails deliveries once closed", func() {
		send(1, "x")
		Eventually(sched.scheduled).Should(HaveLen(1))

		sched.mu.Lock()
		sched.fired = true
		sched.mu.Unlock()

		Expect(session.Close()).To(Succeed())
		Eventually(served).Should(BeClosed())

		timer := sched.scheduled()[0]
		Expect(timer.Deliver(1, []byte("late"))).To(MatchError(scheduler.ErrDeliveryFailed))
	})
})

var _ = Describe("State", func() {
	It("has a readable name", func() {
		Expect(TimerPending.String()).To(Equal("timer-pending"))
		Expect(State(42).String()).To(Equal("unknown(42)"))
	})
})
