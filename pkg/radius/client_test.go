package radius_test

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	aaaradius "github.com/codelaboratoryltd/aaa/pkg/radius"
	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
)

const brasSecret = "bras-secret"

// fakeBRAS answers CoA and Disconnect requests the way the reply func says.
type fakeBRAS struct {
	server *radius.PacketServer
	conn   net.PacketConn

	received atomic.Int32
	mu       sync.Mutex
	last     *radius.Packet
	reply    func(r *radius.Request) *radius.Packet
}

func startFakeBRAS() *fakeBRAS {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())

	b := &fakeBRAS{conn: conn}
	b.reply = func(r *radius.Request) *radius.Packet {
		if r.Code == radius.CodeDisconnectRequest {
			return r.Response(radius.CodeDisconnectACK)
		}
		return r.Response(radius.CodeCoAACK)
	}
	b.server = &radius.PacketServer{
		SecretSource: radius.StaticSecretSource([]byte(brasSecret)),
		Handler: radius.HandlerFunc(func(w radius.ResponseWriter, r *radius.Request) {
			b.received.Add(1)
			b.mu.Lock()
			b.last = r.Packet
			reply := b.reply
			b.mu.Unlock()
			if p := reply(r); p != nil {
				_ = w.Write(p)
			}
		}),
	}
	go func() { _ = b.server.Serve(conn) }()
	return b
}

func (b *fakeBRAS) setReply(fn func(r *radius.Request) *radius.Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reply = fn
}

func (b *fakeBRAS) lastPacket() *radius.Packet {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

func (b *fakeBRAS) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = b.server.Shutdown(ctx)
}

func nak(code radius.Code, cause uint32) func(r *radius.Request) *radius.Packet {
	return func(r *radius.Request) *radius.Packet {
		p := r.Response(code)
		v := make(radius.Attribute, 4)
		binary.BigEndian.PutUint32(v, cause)
		p.Add(aaaradius.AttrErrorCause, v)
		return p
	}
}

// erxValues returns the ERX sub-attribute values of typ in p.
func erxValues(p *radius.Packet, typ byte) []string {
	var out []string
	for _, avp := range p.Attributes {
		if avp.Type != rfc2865.VendorSpecific_Type {
			continue
		}
		id, value, err := radius.VendorSpecific(avp.Attribute)
		if err != nil || id != aaaradius.VendorERX || len(value) < 2 || value[0] != typ {
			continue
		}
		out = append(out, string(value[2:value[1]]))
	}
	return out
}

type coaMetrics struct {
	mu          sync.Mutex
	results     map[string]int
	retransmits int
}

func (m *coaMetrics) RecordCoA(op, result string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.results == nil {
		m.results = map[string]int{}
	}
	m.results[op+"/"+result]++
}

func (m *coaMetrics) RecordCoARetransmit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retransmits++
}

var _ = Describe("Dispatcher", func() {
	var (
		bras       *fakeBRAS
		metrics    *coaMetrics
		dispatcher *aaaradius.Dispatcher
		ctx        context.Context
	)

	newDispatcher := func(timeout time.Duration) *aaaradius.Dispatcher {
		d, err := aaaradius.NewDispatcher(aaaradius.DispatcherConfig{
			Addr:    bras.conn.LocalAddr().String(),
			Secret:  brasSecret,
			Timeout: timeout,
			Retries: 3,
		}, zap.NewNop(), metrics)
		Expect(err).NotTo(HaveOccurred())
		return d
	}

	BeforeEach(func() {
		ctx = context.Background()
		bras = startFakeBRAS()
		metrics = &coaMetrics{}
		dispatcher = newDispatcher(2 * time.Second)
	})

	AfterEach(func() {
		Expect(dispatcher.Close()).To(Succeed())
		bras.stop()
	})

	It("requires a secret", func() {
		_, err := aaaradius.NewDispatcher(aaaradius.DispatcherConfig{Addr: "127.0.0.1:3799"}, zap.NewNop(), nil)
		Expect(err).To(HaveOccurred())
	})

	Describe("PushInet", func() {
		It("swaps guest for the inet service with its rates", func() {
			err := dispatcher.PushInet(ctx, `al"ice`, aaaradius.Rates{In: 10000000, BurstIn: 20000000, Out: 5000000, BurstOut: 10000000})
			Expect(err).NotTo(HaveOccurred())

			p := bras.lastPacket()
			Expect(p.Code).To(Equal(radius.CodeCoARequest))
			Expect(rfc2865.UserName_GetString(p)).To(Equal("alice"))
			Expect(erxValues(p, aaaradius.ERXServiceDeactivate)).To(ConsistOf(aaaradius.ServiceGuest))
			Expect(erxValues(p, aaaradius.ERXServiceActivate)).To(ConsistOf("\x01SERVICE-INET(10000000,20000000,5000000,10000000)"))
			Expect(erxValues(p, aaaradius.ERXServiceStatistics)).To(ConsistOf("\x01\x00\x00\x02"))
			Expect(erxValues(p, aaaradius.ERXServiceAcctInterval)).To(HaveLen(1))
			Expect(metrics.results).To(HaveKeyWithValue("inet/ok", 1))
		})
	})

	Describe("PushGuest", func() {
		It("swaps inet for the guest service", func() {
			Expect(dispatcher.PushGuest(ctx, "alice")).To(Succeed())

			p := bras.lastPacket()
			Expect(erxValues(p, aaaradius.ERXServiceDeactivate)).To(ConsistOf(aaaradius.ServiceInet))
			Expect(erxValues(p, aaaradius.ERXServiceActivate)).To(ConsistOf("\x01" + aaaradius.ServiceGuest))
		})
	})

	Describe("Disconnect", func() {
		It("sends only the username", func() {
			Expect(dispatcher.Disconnect(ctx, "alice")).To(Succeed())

			p := bras.lastPacket()
			Expect(p.Code).To(Equal(radius.CodeDisconnectRequest))
			Expect(p.Attributes).To(HaveLen(1))
			Expect(rfc2865.UserName_GetString(p)).To(Equal("alice"))
		})

		DescribeTable("maps NAK Error-Cause to a kind",
			func(cause uint32, kind aaaradius.ErrorKind, sentinel error) {
				bras.setReply(nak(radius.CodeDisconnectNAK, cause))

				err := dispatcher.Disconnect(ctx, "alice")
				Expect(aaaradius.KindOf(err)).To(Equal(kind))
				Expect(errors.Is(err, sentinel)).To(BeTrue())

				var coaErr *aaaradius.CoAError
				Expect(errors.As(err, &coaErr)).To(BeTrue())
				Expect(coaErr.Cause).To(Equal(cause))
			},
			Entry("session not found", uint32(aaaradius.ErrorCauseSessionContextNotFound), aaaradius.KindSessionNotFound, aaaradius.ErrSessionNotFound),
			Entry("invalid request", uint32(aaaradius.ErrorCauseInvalidRequest), aaaradius.KindInvalidRequest, aaaradius.ErrInvalidRequest),
			Entry("missing attribute", uint32(aaaradius.ErrorCauseMissingAttribute), aaaradius.KindMissingAttribute, aaaradius.ErrMissingAttribute),
			Entry("anything else", uint32(aaaradius.ErrorCauseAdministrativelyProhibited), aaaradius.KindNAK, aaaradius.ErrNAK),
		)

		It("times out after the last retransmit when the BRAS is silent", func() {
			Expect(dispatcher.Close()).To(Succeed())
			dispatcher = newDispatcher(400 * time.Millisecond)
			bras.setReply(func(*radius.Request) *radius.Packet { return nil })

			start := time.Now()
			err := dispatcher.Disconnect(ctx, "alice")
			elapsed := time.Since(start)

			Expect(aaaradius.KindOf(err)).To(Equal(aaaradius.KindTimeout))
			Expect(errors.Is(err, aaaradius.ErrTimeout)).To(BeTrue())
			Expect(elapsed).To(BeNumerically(">=", 400*time.Millisecond))
			Expect(elapsed).To(BeNumerically("<", 1500*time.Millisecond))
			Eventually(bras.received.Load).Should(Equal(int32(4)))
			Expect(metrics.retransmits).To(Equal(3))
			Expect(metrics.results).To(HaveKeyWithValue("disconnect/TIMEOUT", 1))
		})
	})

	It("matches concurrent replies to their requests", func() {
		var wg sync.WaitGroup
		errs := make(chan error, 50)
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- dispatcher.PushGuest(ctx, "alice")
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			Expect(err).NotTo(HaveOccurred())
		}
	})

	It("refuses work once closed", func() {
		Expect(dispatcher.Close()).To(Succeed())
		Expect(dispatcher.Disconnect(ctx, "alice")).To(MatchError(aaaradius.ErrClosed))
	})
})
