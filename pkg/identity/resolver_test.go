package identity

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/codelaboratoryltd/aaa/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	switchMAC = mustMAC("00:1b:21:aa:bb:01")
	dumbMAC   = mustMAC("00:1b:21:aa:bb:02")
	clientMAC = mustMAC("de:ad:be:ef:00:01")
)

func mustMAC(s string) net.HardwareAddr {
	mac, err := net.ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return mac
}

type fixture struct {
	store    *state.MemoryStore
	resolver *Resolver
	alice    *state.Subscriber
	bob      *state.Subscriber
	carol    *state.Subscriber
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := state.NewMemoryStore(zap.NewNop())

	sw := &state.Device{MAC: switchMAC, Title: "sw-1", UsesDevicePort: true}
	store.PutDevice(sw)
	dumb := &state.Device{MAC: dumbMAC, Title: "onu-1", UsesDevicePort: false}
	store.PutDevice(dumb)

	p3 := &state.DevicePort{DeviceID: sw.ID, Num: 3}
	store.PutPort(p3)
	p4 := &state.DevicePort{DeviceID: sw.ID, Num: 4}
	store.PutPort(p4)

	f := &fixture{store: store, resolver: NewResolver(store, zap.NewNop())}
	f.alice = &state.Subscriber{Username: "alice", Active: true, DynamicIP: true, DeviceID: sw.ID, PortID: p3.ID}
	store.PutSubscriber(f.alice)
	f.bob = &state.Subscriber{Username: "bob", Active: true, DeviceID: dumb.ID}
	store.PutSubscriber(f.bob)
	// Inactive subscriber on the same ONU does not make it ambiguous.
	store.PutSubscriber(&state.Subscriber{Username: "bob-old", Active: false, DeviceID: dumb.ID})
	f.carol = &state.Subscriber{Username: "carol", Active: true, DeviceID: sw.ID, PortID: p4.ID}
	store.PutSubscriber(f.carol)
	store.PutSubscriber(&state.Subscriber{Username: "dave", Active: true, DeviceID: sw.ID, PortID: p4.ID})
	return f
}

func assertReason(t *testing.T, err error, reason Reason, sentinel error) {
	t.Helper()
	require.Error(t, err)
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf), "want NotFoundError, got %v", err)
	assert.Equal(t, reason, nf.Reason)
	assert.ErrorIs(t, err, sentinel)
}

func TestResolveByUsername(t *testing.T) {
	f := newFixture(t)

	id, err := f.resolver.Resolve(context.Background(), Hints{Username: "alice"})
	require.NoError(t, err)
	assert.Equal(t, f.alice.ID, id.SubscriberID())
	assert.Equal(t, "alice", id.Username())
	assert.Equal(t, "username", id.Source)

	_, err = f.resolver.Resolve(context.Background(), Hints{Username: "nobody"})
	assertReason(t, err, ReasonSubscriberNotFound, ErrSubscriberNotFound)
}

func TestUnknownUsernameFallsThroughToNextHint(t *testing.T) {
	f := newFixture(t)

	id, err := f.resolver.Resolve(context.Background(), Hints{
		Username:  "00:1b:21:aa:bb:01",
		DeviceMAC: switchMAC, PortNum: 3, HasPort: true,
	})
	require.NoError(t, err)
	assert.Equal(t, f.alice.ID, id.SubscriberID())
	assert.Equal(t, "device_port", id.Source)
}

func TestResolveByDevicePort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		hints   Hints
		wantID  int64
		reason  Reason
		wantErr error
	}{
		{name: "port match", hints: Hints{DeviceMAC: switchMAC, PortNum: 3, HasPort: true}, wantID: f.alice.ID},
		{name: "unknown device", hints: Hints{DeviceMAC: clientMAC, PortNum: 3, HasPort: true}, reason: ReasonDeviceNotFound, wantErr: ErrDeviceNotFound},
		{name: "unknown port", hints: Hints{DeviceMAC: switchMAC, PortNum: 9, HasPort: true}, reason: ReasonPortNotFound, wantErr: ErrPortNotFound},
		{name: "two on one port", hints: Hints{DeviceMAC: switchMAC, PortNum: 4, HasPort: true}, reason: ReasonAmbiguous, wantErr: ErrAmbiguous},
		{name: "device without ports", hints: Hints{DeviceMAC: dumbMAC, PortNum: 1, HasPort: true}, wantID: f.bob.ID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := f.resolver.Resolve(ctx, tt.hints)
			if tt.wantErr != nil {
				assertReason(t, err, tt.reason, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, id.SubscriberID())
		})
	}
}

func TestResolveByOpt82(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Remote-id with type/length prefix, binary circuit-id ending in port 3.
	remote := append([]byte{0x00, 0x06}, switchMAC...)
	circuit := []byte{0x00, 0x04, 0x00, 0x64, 0x00, 0x03}

	id, err := f.resolver.Resolve(ctx, Hints{AgentRemoteID: remote, AgentCircuitID: circuit})
	require.NoError(t, err)
	assert.Equal(t, f.alice.ID, id.SubscriberID())
	assert.Equal(t, "opt82", id.Source)

	// Text circuit-id alone carries both halves.
	id, err = f.resolver.Resolve(ctx, Hints{AgentCircuitID: []byte("00:1b:21:aa:bb:01:3")})
	require.NoError(t, err)
	assert.Equal(t, f.alice.ID, id.SubscriberID())

	// Raw option 82 payload: sub-option 1 circuit, sub-option 2 remote.
	raw := []byte{0x01, byte(len(circuit))}
	raw = append(raw, circuit...)
	raw = append(raw, 0x02, 0x06)
	raw = append(raw, switchMAC...)
	id, err = f.resolver.Resolve(ctx, Hints{RelayAgentInfo: raw})
	require.NoError(t, err)
	assert.Equal(t, f.alice.ID, id.SubscriberID())

	_, err = f.resolver.Resolve(ctx, Hints{AgentCircuitID: []byte{0x00, 0x01}})
	assertReason(t, err, ReasonDeviceNotFound, ErrDeviceNotFound)
}

func TestResolveByClientMAC(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.resolver.Resolve(ctx, Hints{ClientMAC: clientMAC})
	assertReason(t, err, ReasonSubscriberNotFound, ErrSubscriberNotFound)

	now := time.Now()
	require.NoError(t, f.store.WithTx(ctx, f.alice.ID, func(tx state.Tx) error {
		return tx.InsertLease(ctx, &state.Lease{
			SubscriberID: f.alice.ID, IP: netip.MustParseAddr("10.0.0.7"), MAC: clientMAC,
			Dynamic: true, State: state.SessionActive, AssignedAt: now, LastSeen: now,
		})
	}))

	id, err := f.resolver.Resolve(ctx, Hints{ClientMAC: clientMAC})
	require.NoError(t, err)
	assert.Equal(t, f.alice.ID, id.SubscriberID())
	assert.Equal(t, "client_mac", id.Source)

	require.NoError(t, f.store.WithTx(ctx, f.bob.ID, func(tx state.Tx) error {
		return tx.InsertLease(ctx, &state.Lease{
			SubscriberID: f.bob.ID, IP: netip.MustParseAddr("10.0.0.8"), MAC: clientMAC,
			Dynamic: true, State: state.SessionActive, AssignedAt: now, LastSeen: now,
		})
	}))
	_, err = f.resolver.Resolve(ctx, Hints{ClientMAC: clientMAC})
	assertReason(t, err, ReasonAmbiguous, ErrAmbiguous)
}

func TestMostSpecificMissWins(t *testing.T) {
	f := newFixture(t)

	_, err := f.resolver.Resolve(context.Background(), Hints{
		Username:  "nobody",
		DeviceMAC: switchMAC, PortNum: 42, HasPort: true,
		ClientMAC: clientMAC,
	})
	assertReason(t, err, ReasonPortNotFound, ErrPortNotFound)
}

func TestResolveWithoutHints(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver.Resolve(context.Background(), Hints{})
	assertReason(t, err, ReasonSubscriberNotFound, ErrSubscriberNotFound)
}

func TestResolvePropagatesStoreErrors(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.resolver.Resolve(ctx, Hints{Username: "alice"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	var nf *NotFoundError
	assert.False(t, errors.As(err, &nf))
}

func TestParseCircuit(t *testing.T) {
	tests := []struct {
		name    string
		remote  []byte
		circuit []byte
		mac     string
		port    int
		hasPort bool
		ok      bool
	}{
		{name: "raw remote", remote: switchMAC, circuit: []byte{0, 4, 0, 1, 0, 7}, mac: "00:1b:21:aa:bb:01", port: 7, hasPort: true, ok: true},
		{name: "text remote", remote: []byte("00-1B-21-AA-BB-01"), mac: "00:1b:21:aa:bb:01", ok: true},
		{name: "text circuit", circuit: []byte("00:1b:21:aa:bb:01:12"), mac: "00:1b:21:aa:bb:01", port: 12, hasPort: true, ok: true},
		{name: "slash port", remote: switchMAC, circuit: []byte("eth0/5"), mac: "00:1b:21:aa:bb:01", port: 5, hasPort: true, ok: true},
		{name: "nothing", circuit: []byte("garbage"), ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := ParseCircuit(tt.remote, tt.circuit)
			assert.Equal(t, tt.ok, ok)
			if !tt.ok {
				return
			}
			assert.Equal(t, tt.mac, c.DeviceMAC.String())
			assert.Equal(t, tt.hasPort, c.HasPort)
			assert.Equal(t, tt.port, c.Port)
		})
	}
}
