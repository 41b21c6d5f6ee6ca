package radius

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
)

// ErrClosed is returned by a closed Dispatcher.
var ErrClosed = errors.New("dispatcher closed")

// DispatcherConfig holds CoA client configuration.
type DispatcherConfig struct {
	// Addr is the BRAS host:port (3799).
	Addr   string
	Secret string
	// Timeout is the reply window covering all retransmits (default: 5s).
	Timeout time.Duration
	// Retries is the number of retransmits (default: 3).
	Retries int
	// InterimInterval is pushed with activated services, in seconds.
	InterimInterval uint32
}

// DispatcherMetrics is the subset of metrics the dispatcher reports.
type DispatcherMetrics interface {
	RecordCoA(op, result string, latency time.Duration)
	RecordCoARetransmit()
}

type pending struct {
	wire  []byte
	reply chan *radius.Packet
}

// Dispatcher sends CoA-Request and Disconnect-Request packets to the BRAS
// over one UDP socket. Replies are matched to requests by identifier.
type Dispatcher struct {
	config  DispatcherConfig
	secret  []byte
	conn    *net.UDPConn
	logger  *zap.Logger
	metrics DispatcherMetrics

	mu       sync.Mutex
	inflight map[byte]*pending
	nextID   byte
	closed   bool

	wg sync.WaitGroup
}

// NewDispatcher opens the client socket and starts the reply reader.
func NewDispatcher(cfg DispatcherConfig, logger *zap.Logger, metrics DispatcherMetrics) (*Dispatcher, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("BRAS secret required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.InterimInterval == 0 {
		cfg.InterimInterval = 600
	}

	raddr, err := net.ResolveUDPAddr("udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("resolve BRAS address %q: %w", cfg.Addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial BRAS: %w", err)
	}

	d := &Dispatcher{
		config:   cfg,
		secret:   []byte(cfg.Secret),
		conn:     conn,
		logger:   logger,
		metrics:  metrics,
		inflight: make(map[byte]*pending),
		nextID:   byte(rand.Intn(256)),
	}

	d.wg.Add(1)
	go d.readLoop()

	logger.Info("CoA dispatcher started",
		zap.String("bras", raddr.String()),
		zap.String("local", conn.LocalAddr().String()),
		zap.Duration("timeout", cfg.Timeout),
		zap.Int("retries", cfg.Retries),
	)
	return d, nil
}

// Close stops the reader. In-flight exchanges time out.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	err := d.conn.Close()
	d.wg.Wait()
	return err
}

// PushInet activates the inet service with the given rates, replacing the
// guest service.
func (d *Dispatcher) PushInet(ctx context.Context, username string, rates Rates) error {
	username = SanitizeUsername(username)
	p := radius.New(radius.CodeCoARequest, d.secret)
	if err := d.serviceChange(p, username, ServiceGuest, InetService(rates)); err != nil {
		return err
	}
	return d.do(ctx, "inet", username, p)
}

// PushGuest activates the guest service, replacing the inet service.
func (d *Dispatcher) PushGuest(ctx context.Context, username string) error {
	username = SanitizeUsername(username)
	p := radius.New(radius.CodeCoARequest, d.secret)
	if err := d.serviceChange(p, username, ServiceInet, ServiceGuest); err != nil {
		return err
	}
	return d.do(ctx, "guest", username, p)
}

// Disconnect ends the subscriber's session.
func (d *Dispatcher) Disconnect(ctx context.Context, username string) error {
	username = SanitizeUsername(username)
	p := radius.New(radius.CodeDisconnectRequest, d.secret)
	if err := rfc2865.UserName_SetString(p, username); err != nil {
		return err
	}
	return d.do(ctx, "disconnect", username, p)
}

func (d *Dispatcher) serviceChange(p *radius.Packet, username, deactivate, activate string) error {
	if err := rfc2865.UserName_SetString(p, username); err != nil {
		return err
	}
	if err := addVendor(p, VendorERX, ERXServiceDeactivate, []byte(deactivate)); err != nil {
		return err
	}
	if err := addTaggedString(p, ERXServiceActivate, activate); err != nil {
		return err
	}
	if err := addTaggedInteger(p, ERXServiceAcctInterval, d.config.InterimInterval); err != nil {
		return err
	}
	return addTaggedInteger(p, ERXServiceStatistics, StatisticsTimeAndVolume)
}

func (d *Dispatcher) do(ctx context.Context, op, username string, p *radius.Packet) error {
	start := time.Now()
	reply, err := d.exchange(ctx, p)
	if err == nil {
		err = classify(op, username, reply)
	} else if errors.Is(err, context.DeadlineExceeded) {
		err = &CoAError{Op: op, Username: username, Kind: KindTimeout}
	}
	latency := time.Since(start)

	result := "ok"
	if err != nil {
		result = string(KindOf(err))
	}
	if d.metrics != nil {
		d.metrics.RecordCoA(op, result, latency)
	}

	switch {
	case err == nil:
		d.logger.Info("CoA request acknowledged",
			zap.String("op", op),
			zap.String("username", username),
			zap.Duration("latency", latency),
		)
	case KindOf(err) == KindTimeout:
		d.logger.Warn("CoA request timed out",
			zap.String("op", op),
			zap.String("username", username),
			zap.Duration("latency", latency),
		)
	default:
		d.logger.Warn("CoA request failed",
			zap.String("op", op),
			zap.String("username", username),
			zap.Error(err),
		)
	}
	return err
}

// exchange sends p and waits for the matching reply, retransmitting the
// same datagram at jittered intervals inside the timeout window.
func (d *Dispatcher) exchange(ctx context.Context, p *radius.Packet) (*radius.Packet, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	id, slot, err := d.register(ctx)
	if err != nil {
		return nil, err
	}
	defer d.unregister(id)

	p.Identifier = id
	wire, err := p.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	d.mu.Lock()
	slot.wire = wire
	d.mu.Unlock()

	interval := d.config.Timeout / time.Duration(d.config.Retries+1)
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if d.metrics != nil {
				d.metrics.RecordCoARetransmit()
			}
			d.logger.Debug("Retransmitting CoA request",
				zap.Uint8("identifier", id),
				zap.Int("attempt", attempt),
			)
		}
		// An unreachable BRAS surfaces as a write error from an earlier
		// ICMP; it is treated like a lost datagram.
		if _, err := d.conn.Write(wire); err != nil {
			d.logger.Debug("CoA send failed", zap.Uint8("identifier", id), zap.Error(err))
		}

		var retransmit <-chan time.Time
		if attempt < d.config.Retries {
			timer := time.NewTimer(jitter(interval))
			defer timer.Stop()
			retransmit = timer.C
		}

		select {
		case reply := <-slot.reply:
			return reply, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-retransmit:
		}
	}
}

// register reserves a free identifier.
func (d *Dispatcher) register(ctx context.Context) (byte, *pending, error) {
	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return 0, nil, ErrClosed
		}
		for i := 0; i < 256; i++ {
			id := d.nextID
			d.nextID++
			if _, busy := d.inflight[id]; !busy {
				slot := &pending{reply: make(chan *radius.Packet, 1)}
				d.inflight[id] = slot
				d.mu.Unlock()
				return id, slot, nil
			}
		}
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (d *Dispatcher) unregister(id byte) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}

func (d *Dispatcher) readLoop() {
	defer d.wg.Done()
	buf := make([]byte, 4096)

	for {
		n, err := d.conn.Read(buf)
		if err != nil {
			d.mu.Lock()
			closed := d.closed
			d.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			d.logger.Warn("CoA socket read failed", zap.Error(err))
			continue
		}
		if n < 20 {
			continue
		}
		b := append([]byte(nil), buf[:n]...)
		d.deliver(b)
	}
}

func (d *Dispatcher) deliver(b []byte) {
	id := b[1]

	d.mu.Lock()
	slot, ok := d.inflight[id]
	var wire []byte
	if ok {
		wire = slot.wire
	}
	d.mu.Unlock()

	if !ok || wire == nil {
		d.logger.Debug("Unsolicited CoA reply dropped", zap.Uint8("identifier", id))
		return
	}
	if !radius.IsAuthenticResponse(b, wire, d.secret) {
		d.logger.Warn("CoA reply with bad authenticator dropped", zap.Uint8("identifier", id))
		return
	}
	reply, err := radius.Parse(b, d.secret)
	if err != nil {
		d.logger.Warn("Malformed CoA reply dropped", zap.Uint8("identifier", id), zap.Error(err))
		return
	}

	select {
	case slot.reply <- reply:
	default:
	}
}

// jitter spreads d by ±20%.
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
}
