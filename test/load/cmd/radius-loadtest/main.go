// Command radius-loadtest drives Access-Request and Interim-Update load
// against aaad.
//
// Usage:
//
//	radius-loadtest --auth 10.0.0.1:1812 --acct 10.0.0.1:1813 --secret s3cret --duration 60s
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codelaboratoryltd/aaa/test/load"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfg        = load.DefaultConfig()
	jsonOutput bool
	validate   bool
	deadline   time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "radius-loadtest",
	Short:        "RADIUS load generator for aaad",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&cfg.AuthTarget, "auth", cfg.AuthTarget, "Access-Request target (host:port)")
	f.StringVar(&cfg.AcctTarget, "acct", cfg.AcctTarget, "Accounting-Request target; empty disables accounting")
	f.StringVar(&cfg.Secret, "secret", cfg.Secret, "Shared secret")
	f.IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "Concurrent workers")
	f.DurationVar(&cfg.Duration, "duration", cfg.Duration, "Measurement duration")
	f.DurationVar(&cfg.WarmupDuration, "warmup", cfg.WarmupDuration, "Warmup duration")
	f.IntVar(&cfg.RequestsPerSecond, "rps", 0, "Target requests per second (0 = unlimited)")
	f.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Per-exchange timeout")
	f.StringSliceVar(&cfg.Usernames, "username", nil, "Subscriber usernames to cycle through (repeatable)")
	f.IntVar(&cfg.UsernameCount, "usernames", cfg.UsernameCount, "Number of generated usernames when --username is not set")
	f.Float64Var(&cfg.AcctRatio, "acct-ratio", cfg.AcctRatio, "Share of requests sent as Interim-Update")
	f.BoolVar(&jsonOutput, "json", false, "Print results as JSON")
	f.BoolVar(&validate, "validate", false, "Exit non-zero if the deadline target is missed")
	f.DurationVar(&deadline, "deadline", 5*time.Second, "RADIUS request deadline for --validate")
}

func run(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := load.NewBenchmark(cfg, logger).Run(ctx)
	if err != nil {
		return fmt.Errorf("benchmark failed: %w", err)
	}

	if jsonOutput {
		out := struct {
			DurationSeconds   float64 `json:"duration_seconds"`
			Requests          uint64  `json:"requests"`
			Accepts           uint64  `json:"accepts"`
			Rejects           uint64  `json:"rejects"`
			AcctAcks          uint64  `json:"acct_acks"`
			Errors            uint64  `json:"errors"`
			Timeouts          uint64  `json:"timeouts"`
			RequestsPerSecond float64 `json:"requests_per_second"`
			P50Micros         int64   `json:"p50_us"`
			P99Micros         int64   `json:"p99_us"`
			MaxMicros         int64   `json:"max_us"`
		}{
			result.Duration.Seconds(), result.Requests, result.Accepts, result.Rejects,
			result.AcctAcks, result.Errors, result.Timeouts, result.RequestsPerSecond,
			result.LatencyP50.Microseconds(), result.LatencyP99.Microseconds(), result.LatencyMax.Microseconds(),
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
	} else {
		result.PrintReport()
	}

	if validate && !result.MeetsTargets(deadline) {
		return fmt.Errorf("targets not met: p99 %s, %d timeouts of %d", result.LatencyP99, result.Timeouts, result.Requests)
	}
	return nil
}
