package accounting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	seenKeyPrefix = "acct:seen:"
	// DefaultSeenTTL is how long the last record of a session is kept.
	DefaultSeenTTL = 24 * time.Hour
)

// RedisDuplicates keeps the last applied record per session under
// acct:seen:<session id>. Values are "start", "interim:<in>:<out>" and
// "stop".
type RedisDuplicates struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisDuplicates creates a detector. A zero ttl uses DefaultSeenTTL.
func NewRedisDuplicates(client redis.UniversalClient, ttl time.Duration) *RedisDuplicates {
	if ttl <= 0 {
		ttl = DefaultSeenTTL
	}
	return &RedisDuplicates{client: client, ttl: ttl}
}

// IsDuplicate reports whether req was already applied. A Start is a
// duplicate of an earlier Start or Interim; a Start after a Stop is a new
// session reusing the id.
func (d *RedisDuplicates) IsDuplicate(ctx context.Context, req *Request) (bool, error) {
	val, err := d.client.Get(ctx, seenKeyPrefix+req.SessionID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get: %w", err)
	}

	switch req.Status {
	case StatusStart:
		return val == "start" || strings.HasPrefix(val, "interim:"), nil
	case StatusInterimUpdate:
		return val == mark(req), nil
	case StatusStop:
		return val == "stop", nil
	}
	return false, nil
}

// Record stores req as the last applied record of its session.
func (d *RedisDuplicates) Record(ctx context.Context, req *Request) error {
	m := mark(req)
	if m == "" {
		return nil
	}
	if err := d.client.Set(ctx, seenKeyPrefix+req.SessionID, m, d.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func mark(req *Request) string {
	switch req.Status {
	case StatusStart:
		return "start"
	case StatusInterimUpdate:
		return fmt.Sprintf("interim:%d:%d", req.Counters.InputOctets, req.Counters.OutputOctets)
	case StatusStop:
		return "stop"
	}
	return ""
}
