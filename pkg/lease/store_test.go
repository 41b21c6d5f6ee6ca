package lease_test

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/codelaboratoryltd/aaa/pkg/events"
	"github.com/codelaboratoryltd/aaa/pkg/lease"
	"github.com/codelaboratoryltd/aaa/pkg/state"
	"go.uber.org/zap"
)

// alwaysConflicting loses every optimistic race.
type alwaysConflicting struct {
	*state.MemoryStore
	attempts int
	mu       sync.Mutex
}

func (s *alwaysConflicting) WithTx(ctx context.Context, id int64, fn func(state.Tx) error) error {
	s.mu.Lock()
	s.attempts++
	s.mu.Unlock()
	return fmt.Errorf("lease 1: %w", state.ErrVersionMismatch)
}

var _ = Describe("Lease Store", func() {
	var (
		ctx     context.Context
		mem     *state.MemoryStore
		bus     *recorder
		metrics *fakeMetrics
		leases  *lease.Store
		alice   *state.Subscriber
		bob     *state.Subscriber
		mac     net.HardwareAddr
	)

	ip := netip.MustParseAddr

	BeforeEach(func() {
		ctx = context.Background()
		mem = state.NewMemoryStore(zap.NewNop())
		bus = &recorder{}
		metrics = &fakeMetrics{}
		leases = lease.NewStore(mem, bus, metrics, zap.NewNop())

		alice = &state.Subscriber{Username: "alice", Active: true, DynamicIP: true}
		mem.PutSubscriber(alice)
		bob = &state.Subscriber{Username: "bob", Active: true, DynamicIP: true}
		mem.PutSubscriber(bob)
		mac, _ = net.ParseMAC("aa:bb:cc:dd:ee:01")
	})

	activeCount := func(subscriberID int64) int {
		n := 0
		for _, l := range mem.Leases() {
			if l.SubscriberID == subscriberID && l.State == state.SessionActive {
				n++
			}
		}
		return n
	}

	Describe("Bind", func() {
		It("opens an active lease and attaches the IP", func() {
			l, err := leases.Bind(ctx, lease.BindRequest{
				SubscriberID: alice.ID, IP: ip("10.0.0.7"), MAC: mac, Dynamic: true,
				ServiceVID: 100, CustomerVID: 7, AttachIP: true,
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(l.State).To(Equal(state.SessionActive))
			Expect(l.IP).To(Equal(ip("10.0.0.7")))
			Expect(l.ServiceVID).To(Equal(uint16(100)))

			sub, err := mem.Subscriber(ctx, alice.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(sub.CurrentIP).To(Equal(ip("10.0.0.7")))

			Expect(bus.ofKind(events.SessionStarted)).To(HaveLen(1))
			Expect(metrics.binds).To(Equal(1))
		})

		It("refreshes in place when rebinding the same IP", func() {
			first, err := leases.Bind(ctx, lease.BindRequest{SubscriberID: alice.ID, IP: ip("10.0.0.7"), Dynamic: true})
			Expect(err).NotTo(HaveOccurred())

			second, err := leases.Bind(ctx, lease.BindRequest{SubscriberID: alice.ID, IP: ip("10.0.0.7"), MAC: mac, Dynamic: true})
			Expect(err).NotTo(HaveOccurred())

			Expect(second.ID).To(Equal(first.ID))
			Expect(second.MAC.String()).To(Equal(mac.String()))
			Expect(mem.AllSnapshots()).To(BeEmpty())
			Expect(bus.ofKind(events.SessionStarted)).To(HaveLen(1))
		})

		It("closes and snapshots the previous lease when the IP changes", func() {
			_, err := leases.Bind(ctx, lease.BindRequest{SubscriberID: alice.ID, IP: ip("10.0.0.7"), Dynamic: true})
			Expect(err).NotTo(HaveOccurred())

			l, err := leases.Bind(ctx, lease.BindRequest{SubscriberID: alice.ID, IP: ip("10.0.0.8"), Dynamic: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(l.IP).To(Equal(ip("10.0.0.8")))

			Expect(activeCount(alice.ID)).To(Equal(1))
			snaps := mem.AllSnapshots()
			Expect(snaps).To(HaveLen(1))
			Expect(snaps[0].IP).To(Equal(ip("10.0.0.7")))
			Expect(snaps[0].CloseReason).To(Equal(lease.ReasonRebind))

			_, err = leases.LookupByIP(ctx, ip("10.0.0.7"))
			Expect(err).To(MatchError(lease.ErrNotFound))
		})

		It("takes the IP away from another subscriber", func() {
			_, err := leases.Bind(ctx, lease.BindRequest{SubscriberID: bob.ID, IP: ip("10.0.0.7"), Dynamic: true})
			Expect(err).NotTo(HaveOccurred())

			_, err = leases.Bind(ctx, lease.BindRequest{SubscriberID: alice.ID, IP: ip("10.0.0.7"), Dynamic: true})
			Expect(err).NotTo(HaveOccurred())

			holder, err := leases.LookupByIP(ctx, ip("10.0.0.7"))
			Expect(err).NotTo(HaveOccurred())
			Expect(holder.SubscriberID).To(Equal(alice.ID))
			Expect(activeCount(bob.ID)).To(Equal(0))
			Expect(metrics.closes[lease.ReasonReassigned]).To(Equal(1))
		})

		It("keeps one active lease per subscriber under concurrent binds", func() {
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := leases.Bind(ctx, lease.BindRequest{
						SubscriberID: alice.ID,
						IP:           netip.AddrFrom4([4]byte{10, 0, 1, byte(i)}),
						Dynamic:      true,
					})
					Expect(err).NotTo(HaveOccurred())
				}(i)
			}
			wg.Wait()

			Expect(activeCount(alice.ID)).To(Equal(1))
			Expect(mem.AllSnapshots()).To(HaveLen(19))
			Expect(bus.ofKind(events.SessionStopped)).To(HaveLen(19))
		})

		It("rejects an invalid IP", func() {
			_, err := leases.Bind(ctx, lease.BindRequest{SubscriberID: alice.ID})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Refresh", func() {
		refresh := func(sid string, in uint64, sessionTime uint32) *lease.RefreshResult {
			res, err := leases.Refresh(ctx, lease.RefreshRequest{
				SubscriberID: alice.ID, IP: ip("10.0.0.7"), SessionUUID: sid, RadiusUsername: "alice",
				Counters:    state.Counters{InputOctets: in, OutputOctets: in * 2},
				SessionTime: sessionTime, HasSessionTime: sessionTime > 0,
			})
			Expect(err).NotTo(HaveOccurred())
			return res
		}

		It("creates the lease when the session is new", func() {
			res := refresh("S1", 100, 60)
			Expect(res.Outcome).To(Equal(lease.OutcomeCreated))
			Expect(res.Lease.SessionUUID).To(Equal("S1"))
			Expect(res.Lease.InputOctets).To(Equal(uint64(100)))
		})

		It("updates counters in place", func() {
			refresh("S1", 100, 60)
			res := refresh("S1", 500, 120)
			Expect(res.Outcome).To(Equal(lease.OutcomeUpdated))
			Expect(res.Lease.InputOctets).To(Equal(uint64(500)))
			Expect(res.Lease.SessionTime).To(Equal(uint32(120)))
			Expect(activeCount(alice.ID)).To(Equal(1))
		})

		It("treats a counter drop as a restart", func() {
			refresh("S1", 1000, 600)
			res := refresh("S1", 10, 0)

			Expect(res.Outcome).To(Equal(lease.OutcomeRestarted))
			Expect(res.Closed.InputOctets).To(Equal(uint64(1000)))
			Expect(res.Lease.SessionUUID).To(Equal("S1"))
			Expect(res.Lease.ID).NotTo(Equal(res.Closed.ID))

			snaps := mem.AllSnapshots()
			Expect(snaps).To(HaveLen(1))
			Expect(snaps[0].SessionUUID).To(Equal("S1"))
			Expect(snaps[0].InputOctets).To(Equal(uint64(1000)))
			Expect(snaps[0].CloseReason).To(Equal(lease.ReasonRestart))

			res = refresh("S1", 10, 0)
			Expect(res.Outcome).To(Equal(lease.OutcomeUpdated))
			Expect(activeCount(alice.ID)).To(Equal(1))
		})

		It("drops a reordered interim with an older session time", func() {
			refresh("S1", 100, 60)
			refresh("S1", 500, 120)
			res := refresh("S1", 300, 90)

			Expect(res.Outcome).To(Equal(lease.OutcomeStale))
			Expect(res.Lease.InputOctets).To(Equal(uint64(500)))
			Expect(mem.AllSnapshots()).To(BeEmpty())
		})

		It("adopts a DHCP lease without a session", func() {
			bound, err := leases.Bind(ctx, lease.BindRequest{SubscriberID: alice.ID, IP: ip("10.0.0.7"), MAC: mac, Dynamic: true})
			Expect(err).NotTo(HaveOccurred())

			res := refresh("S1", 100, 60)
			Expect(res.Outcome).To(Equal(lease.OutcomeUpdated))
			Expect(res.Lease.ID).To(Equal(bound.ID))
			Expect(res.Lease.SessionUUID).To(Equal("S1"))
			Expect(res.Lease.Dynamic).To(BeTrue())
		})

		It("supersedes a lease bound to another session", func() {
			refresh("S1", 100, 60)
			res := refresh("S2", 5, 5)

			Expect(res.Outcome).To(Equal(lease.OutcomeCreated))
			Expect(activeCount(alice.ID)).To(Equal(1))
			snaps := mem.AllSnapshots()
			Expect(snaps).To(HaveLen(1))
			Expect(snaps[0].CloseReason).To(Equal(lease.ReasonSuperseded))
		})
	})

	Describe("Release", func() {
		BeforeEach(func() {
			_, err := leases.Refresh(ctx, lease.RefreshRequest{
				SubscriberID: alice.ID, IP: ip("10.0.0.7"), SessionUUID: "S1",
				Counters: state.Counters{InputOctets: 1000, OutputOctets: 2000},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(mem.WithTx(ctx, alice.ID, func(tx state.Tx) error {
				return tx.AttachIP(ctx, alice.ID, ip("10.0.0.7"))
			})).To(Succeed())
		})

		It("closes by IP and frees the subscriber IP", func() {
			l, err := leases.Release(ctx, ip("10.0.0.7"), lease.CloseOptions{Reason: lease.ReasonExpiry, FreeIP: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(l.State).To(Equal(state.SessionClosed))
			Expect(l.SessionUUID).To(Equal("S1"))

			sub, err := mem.Subscriber(ctx, alice.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(sub.CurrentIP.IsValid()).To(BeFalse())

			_, err = leases.Release(ctx, ip("10.0.0.7"), lease.CloseOptions{})
			Expect(err).To(MatchError(lease.ErrNotFound))
		})

		It("closes by session with final counters, once", func() {
			l, err := leases.ReleaseBySession(ctx, "S1", lease.CloseOptions{
				Reason: lease.ReasonStop,
				Final:  &state.Counters{InputOctets: 1500, OutputOctets: 1800},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(l.InputOctets).To(Equal(uint64(1500)))
			// Final counters never go below the last interim.
			Expect(l.OutputOctets).To(Equal(uint64(2000)))

			_, err = leases.ReleaseBySession(ctx, "S1", lease.CloseOptions{Reason: lease.ReasonStop})
			Expect(err).To(MatchError(lease.ErrNotFound))

			Expect(mem.AllSnapshots()).To(HaveLen(1))
			stopped := bus.ofKind(events.SessionStopped)
			Expect(stopped).To(HaveLen(1))
			payload := stopped[0].Payload.(events.SessionPayload)
			Expect(payload.SessionUUID).To(Equal("S1"))
			Expect(payload.SnapshotID).To(Equal(mem.AllSnapshots()[0].ID))
		})

		It("lets a new session reuse the session id", func() {
			_, err := leases.ReleaseBySession(ctx, "S1", lease.CloseOptions{Reason: lease.ReasonStop})
			Expect(err).NotTo(HaveOccurred())

			_, err = leases.Bind(ctx, lease.BindRequest{SubscriberID: alice.ID, IP: ip("10.0.0.9"), SessionUUID: "S1"})
			Expect(err).NotTo(HaveOccurred())

			l, err := leases.LookupBySession(ctx, "S1")
			Expect(err).NotTo(HaveOccurred())
			Expect(l.IP).To(Equal(ip("10.0.0.9")))
		})
	})

	Describe("Conflicts", func() {
		It("gives up with STORE_CONFLICT after three retries", func() {
			conflicting := &alwaysConflicting{MemoryStore: mem}
			store := lease.NewStore(conflicting, bus, metrics, zap.NewNop())

			_, err := store.Bind(ctx, lease.BindRequest{SubscriberID: alice.ID, IP: ip("10.0.0.7")})
			Expect(err).To(MatchError(lease.ErrConflict))
			Expect(conflicting.attempts).To(Equal(4))
			Expect(metrics.conflicts).To(Equal(1))
			Expect(bus.events).To(BeEmpty())
		})

		It("stops retrying when the context is done", func() {
			conflicting := &alwaysConflicting{MemoryStore: mem}
			store := lease.NewStore(conflicting, bus, metrics, zap.NewNop())
			cctx, cancel := context.WithCancel(ctx)
			cancel()

			_, err := store.Bind(cctx, lease.BindRequest{SubscriberID: alice.ID, IP: ip("10.0.0.7")})
			Expect(err).To(MatchError(context.Canceled))
		})
	})

	Describe("Reaper", func() {
		It("closes leases past their horizon", func() {
			_, err := leases.Bind(ctx, lease.BindRequest{SubscriberID: alice.ID, IP: ip("10.0.0.7"), Dynamic: true, AttachIP: true})
			Expect(err).NotTo(HaveOccurred())
			_, err = leases.Refresh(ctx, lease.RefreshRequest{SubscriberID: bob.ID, IP: ip("10.0.0.8"), SessionUUID: "B1"})
			Expect(err).NotTo(HaveOccurred())

			reaper := lease.NewReaper(leases, lease.ReaperConfig{DynamicTTL: time.Millisecond, SessionTTL: time.Hour}, zap.NewNop())
			time.Sleep(5 * time.Millisecond)

			n, err := reaper.Reap(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
			Expect(activeCount(alice.ID)).To(Equal(0))
			Expect(activeCount(bob.ID)).To(Equal(1))

			sub, err := mem.Subscriber(ctx, alice.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(sub.CurrentIP.IsValid()).To(BeFalse())
			Expect(metrics.closes[lease.ReasonStale]).To(Equal(1))
		})
	})
})
