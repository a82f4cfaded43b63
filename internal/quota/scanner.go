package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const minuteBlockTTL = time.Minute

// Scanners manages the block flags and the remaining-quota gauge of
// quota-limited scanners. A block is a Redis key with a TTL; expiry is the
// unblock.
type Scanners struct {
	rdb redis.UniversalClient
	// margin is added past midnight UTC so a day block never lapses before
	// the provider's own window resets.
	margin time.Duration
	now    func() time.Time
}

func NewScanners(rdb redis.UniversalClient, dayMargin time.Duration) *Scanners {
	return &Scanners{rdb: rdb, margin: dayMargin, now: time.Now}
}

// Check returns nil when the scanner may run, or the block sentinel that
// applies. Day blocks shadow minute blocks.
func (s *Scanners) Check(ctx context.Context, scannerID string) error {
	day, err := s.rdb.Exists(ctx, dayBlockKey(scannerID)).Result()
	if err != nil {
		return fmt.Errorf("quota check: %w", err)
	}
	if day > 0 {
		return ErrDayBlocked
	}
	minute, err := s.rdb.Exists(ctx, minuteBlockKey(scannerID)).Result()
	if err != nil {
		return fmt.Errorf("quota check: %w", err)
	}
	if minute > 0 {
		return ErrMinuteBlocked
	}
	return nil
}

// BlockDay raises the day flag. It expires after the rest of the UTC day
// plus the configured margin.
func (s *Scanners) BlockDay(ctx context.Context, scannerID string) error {
	return s.rdb.Set(ctx, dayBlockKey(scannerID), "1", s.untilTomorrow()).Err()
}

// BlockMinute raises the minute flag for sixty seconds.
func (s *Scanners) BlockMinute(ctx context.Context, scannerID string) error {
	return s.rdb.Set(ctx, minuteBlockKey(scannerID), "1", minuteBlockTTL).Err()
}

// SetRemaining records the provider-reported remaining budget. Purely
// informational; blocks are the enforcement mechanism.
func (s *Scanners) SetRemaining(ctx context.Context, scannerID string, remaining int64) error {
	return s.rdb.Set(ctx, remainingKey(scannerID), remaining, s.untilTomorrow()).Err()
}

// Remaining returns the last recorded budget, or -1 when none is known.
func (s *Scanners) Remaining(ctx context.Context, scannerID string) (int64, error) {
	n, err := s.rdb.Get(ctx, remainingKey(scannerID)).Int64()
	if err == redis.Nil {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quota remaining: %w", err)
	}
	return n, nil
}

func (s *Scanners) untilTomorrow() time.Duration {
	now := s.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return midnight.Sub(now) + s.margin
}

func dayBlockKey(id string) string    { return "quota:scanner:" + id + ":day_block" }
func minuteBlockKey(id string) string { return "quota:scanner:" + id + ":minute_block" }
func remainingKey(id string) string   { return "quota:scanner:" + id + ":remaining" }
