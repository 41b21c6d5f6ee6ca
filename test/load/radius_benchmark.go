// Package load drives RADIUS Access-Request and Accounting-Request load
// against aaad to validate throughput and latency under BRAS-like traffic.
package load

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
	"layeh.com/radius/rfc2869"
)

// BenchmarkConfig configures the RADIUS load test.
type BenchmarkConfig struct {
	// AuthTarget is the Access-Request listener (e.g. "127.0.0.1:1812").
	AuthTarget string
	// AcctTarget is the Accounting-Request listener. Empty skips accounting.
	AcctTarget string
	Secret     string

	// Concurrency is the number of concurrent workers.
	Concurrency int
	// Duration is how long to measure.
	Duration time.Duration
	// WarmupDuration runs before measurement; its results are discarded.
	WarmupDuration time.Duration
	// RequestsPerSecond caps the total rate (0 for unlimited).
	RequestsPerSecond int
	// Timeout bounds one exchange.
	Timeout time.Duration

	// Usernames are the subscribers to cycle through. When empty,
	// UsernameCount names "load-<n>" are generated.
	Usernames     []string
	UsernameCount int

	// AcctRatio is the share of requests sent as Interim-Update (0.0-1.0).
	AcctRatio float64
}

// DefaultConfig returns a default benchmark configuration.
func DefaultConfig() *BenchmarkConfig {
	return &BenchmarkConfig{
		AuthTarget:     "127.0.0.1:1812",
		AcctTarget:     "127.0.0.1:1813",
		Secret:         "testing123",
		Concurrency:    50,
		Duration:       30 * time.Second,
		WarmupDuration: 5 * time.Second,
		Timeout:        2 * time.Second,
		UsernameCount:  10000,
		AcctRatio:      0.5,
	}
}

// BenchmarkResult contains the results of a load test.
type BenchmarkResult struct {
	Config   *BenchmarkConfig
	Duration time.Duration

	Requests uint64
	Accepts  uint64
	Rejects  uint64
	AcctAcks uint64
	Errors   uint64
	Timeouts uint64

	RequestsPerSecond float64

	Latencies  []time.Duration
	LatencyMin time.Duration
	LatencyAvg time.Duration
	LatencyP50 time.Duration
	LatencyP95 time.Duration
	LatencyP99 time.Duration
	LatencyMax time.Duration
}

// Benchmark runs a RADIUS load test.
type Benchmark struct {
	config *BenchmarkConfig
	logger *zap.Logger

	requests uint64
	accepts  uint64
	rejects  uint64
	acctAcks uint64
	errors   uint64
	timeouts uint64

	latencies   []time.Duration
	latenciesMu sync.Mutex

	usernames []string
	sessionID uint64
}

// NewBenchmark creates a benchmark. A nil config uses DefaultConfig.
func NewBenchmark(config *BenchmarkConfig, logger *zap.Logger) *Benchmark {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Timeout == 0 {
		config.Timeout = 2 * time.Second
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	names := config.Usernames
	if len(names) == 0 {
		names = generateUsernames(config.UsernameCount)
	}
	return &Benchmark{config: config, logger: logger, usernames: names}
}

func generateUsernames(count int) []string {
	if count <= 0 {
		count = 1
	}
	names := make([]string, count)
	for i := range names {
		names[i] = fmt.Sprintf("load-%d", i)
	}
	return names
}

func (b *Benchmark) reset() {
	atomic.StoreUint64(&b.requests, 0)
	atomic.StoreUint64(&b.accepts, 0)
	atomic.StoreUint64(&b.rejects, 0)
	atomic.StoreUint64(&b.acctAcks, 0)
	atomic.StoreUint64(&b.errors, 0)
	atomic.StoreUint64(&b.timeouts, 0)
	b.latenciesMu.Lock()
	b.latencies = make([]time.Duration, 0, 100000)
	b.latenciesMu.Unlock()
}

// Run executes the benchmark.
func (b *Benchmark) Run(ctx context.Context) (*BenchmarkResult, error) {
	if _, err := net.ResolveUDPAddr("udp", b.config.AuthTarget); err != nil {
		return nil, fmt.Errorf("invalid auth target: %w", err)
	}
	if b.config.AcctTarget != "" {
		if _, err := net.ResolveUDPAddr("udp", b.config.AcctTarget); err != nil {
			return nil, fmt.Errorf("invalid acct target: %w", err)
		}
	}

	b.logger.Info("Starting RADIUS benchmark",
		zap.String("auth", b.config.AuthTarget),
		zap.String("acct", b.config.AcctTarget),
		zap.Int("workers", b.config.Concurrency),
		zap.Duration("duration", b.config.Duration),
		zap.Int("usernames", len(b.usernames)),
	)
	b.reset()

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var limiter <-chan time.Time
	if b.config.RequestsPerSecond > 0 {
		ticker := time.NewTicker(time.Second / time.Duration(b.config.RequestsPerSecond))
		defer ticker.Stop()
		limiter = ticker.C
	}

	var wg sync.WaitGroup
	for i := 0; i < b.config.Concurrency; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			b.worker(workerCtx, rand.New(rand.NewSource(seed)), limiter)
		}(time.Now().UnixNano() + int64(i))
	}

	if b.config.WarmupDuration > 0 {
		select {
		case <-time.After(b.config.WarmupDuration):
		case <-ctx.Done():
			cancel()
			wg.Wait()
			return nil, ctx.Err()
		}
		b.reset()
		b.logger.Info("Warmup complete")
	}

	start := time.Now()
	select {
	case <-time.After(b.config.Duration):
	case <-ctx.Done():
	}
	cancel()
	wg.Wait()

	return b.calculateResults(time.Since(start)), nil
}

func (b *Benchmark) worker(ctx context.Context, rng *rand.Rand, limiter <-chan time.Time) {
	secret := []byte(b.config.Secret)
	for {
		if limiter != nil {
			select {
			case <-limiter:
			case <-ctx.Done():
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		username := b.usernames[rng.Intn(len(b.usernames))]
		acct := b.config.AcctTarget != "" && rng.Float64() < b.config.AcctRatio

		var (
			p      *radius.Packet
			target string
		)
		if acct {
			p = b.interim(secret, username)
			target = b.config.AcctTarget
		} else {
			p = radius.New(radius.CodeAccessRequest, secret)
			_ = rfc2865.UserName_SetString(p, username)
			_ = rfc2869.NASPortID_SetString(p, "ge-1/0/1.1073741824:101-1001")
			target = b.config.AuthTarget
		}

		reqCtx, cancel := context.WithTimeout(ctx, b.config.Timeout)
		start := time.Now()
		resp, err := radius.Exchange(reqCtx, p, target)
		latency := time.Since(start)
		cancel()

		if ctx.Err() != nil {
			return
		}
		atomic.AddUint64(&b.requests, 1)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				atomic.AddUint64(&b.timeouts, 1)
			} else {
				atomic.AddUint64(&b.errors, 1)
			}
			continue
		}

		switch resp.Code {
		case radius.CodeAccessAccept:
			atomic.AddUint64(&b.accepts, 1)
		case radius.CodeAccessReject:
			atomic.AddUint64(&b.rejects, 1)
		case radius.CodeAccountingResponse:
			atomic.AddUint64(&b.acctAcks, 1)
		default:
			atomic.AddUint64(&b.errors, 1)
			continue
		}

		b.latenciesMu.Lock()
		b.latencies = append(b.latencies, latency)
		b.latenciesMu.Unlock()
	}
}

func (b *Benchmark) interim(secret []byte, username string) *radius.Packet {
	p := radius.New(radius.CodeAccountingRequest, secret)
	id := atomic.AddUint64(&b.sessionID, 1)
	_ = rfc2865.UserName_SetString(p, username)
	_ = rfc2866.AcctStatusType_Set(p, rfc2866.AcctStatusType_Value_InterimUpdate)
	_ = rfc2866.AcctSessionID_SetString(p, fmt.Sprintf("load-%d", id))
	_ = rfc2866.AcctInputOctets_Set(p, rfc2866.AcctInputOctets(id*1000))
	_ = rfc2866.AcctOutputOctets_Set(p, rfc2866.AcctOutputOctets(id*4000))
	_ = rfc2866.AcctSessionTime_Set(p, 60)
	ip := net.IPv4(100, 64, byte(id>>8), byte(id))
	_ = rfc2865.FramedIPAddress_Set(p, ip)
	return p
}

func (b *Benchmark) calculateResults(duration time.Duration) *BenchmarkResult {
	result := &BenchmarkResult{
		Config:   b.config,
		Duration: duration,
		Requests: atomic.LoadUint64(&b.requests),
		Accepts:  atomic.LoadUint64(&b.accepts),
		Rejects:  atomic.LoadUint64(&b.rejects),
		AcctAcks: atomic.LoadUint64(&b.acctAcks),
		Errors:   atomic.LoadUint64(&b.errors),
		Timeouts: atomic.LoadUint64(&b.timeouts),
	}
	if duration > 0 {
		result.RequestsPerSecond = float64(result.Requests) / duration.Seconds()
	}

	b.latenciesMu.Lock()
	latencies := make([]time.Duration, len(b.latencies))
	copy(latencies, b.latencies)
	b.latenciesMu.Unlock()

	if len(latencies) == 0 {
		return result
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	result.Latencies = latencies
	result.LatencyMin = latencies[0]
	result.LatencyMax = latencies[len(latencies)-1]
	result.LatencyP50 = percentile(latencies, 0.50)
	result.LatencyP95 = percentile(latencies, 0.95)
	result.LatencyP99 = percentile(latencies, 0.99)

	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	result.LatencyAvg = total / time.Duration(len(latencies))
	return result
}

// percentile returns the pth percentile of sorted latencies.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}

// MeetsTargets reports whether the run kept within the request deadline
// budget: P99 under the RADIUS deadline and no more than 0.1% timeouts.
func (r *BenchmarkResult) MeetsTargets(deadline time.Duration) bool {
	if r.Requests == 0 {
		return false
	}
	if r.LatencyP99 >= deadline {
		return false
	}
	return float64(r.Timeouts)/float64(r.Requests) <= 0.001
}

// PrintReport prints a human-readable report.
func (r *BenchmarkResult) PrintReport() {
	fmt.Println("===========================================================")
	fmt.Println("RADIUS Load Test Results")
	fmt.Println("===========================================================")
	fmt.Printf("Test Duration:     %s\n", r.Duration)
	fmt.Printf("Concurrency:       %d workers\n", r.Config.Concurrency)
	fmt.Println()
	fmt.Println("--- Throughput ---")
	fmt.Printf("Total Requests:    %d\n", r.Requests)
	fmt.Printf("Access-Accept:     %d\n", r.Accepts)
	fmt.Printf("Access-Reject:     %d\n", r.Rejects)
	fmt.Printf("Accounting ACKs:   %d\n", r.AcctAcks)
	fmt.Printf("Errors:            %d\n", r.Errors)
	fmt.Printf("Timeouts:          %d\n", r.Timeouts)
	fmt.Printf("Requests/sec:      %.2f\n", r.RequestsPerSecond)
	fmt.Println()
	fmt.Println("--- Latency ---")
	fmt.Printf("Min:               %s\n", r.LatencyMin)
	fmt.Printf("Avg:               %s\n", r.LatencyAvg)
	fmt.Printf("P50 (median):      %s\n", r.LatencyP50)
	fmt.Printf("P95:               %s\n", r.LatencyP95)
	fmt.Printf("P99:               %s\n", r.LatencyP99)
	fmt.Printf("Max:               %s\n", r.LatencyMax)
	fmt.Println("===========================================================")
}
