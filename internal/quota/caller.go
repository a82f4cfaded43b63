package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BSI-Bund/Katti/internal/store"
)

// Callers enforces the per-caller daily rates from the access policy.
// Usage is always counted, including for unlimited and trusted callers, so
// operators can still see who consumes what.
type Callers struct {
	rdb redis.UniversalClient
	// trusted disables blocking. Counters keep running.
	trusted bool
	// margin is added past midnight UTC so a day block never lapses before
	// the budget actually resets.
	margin time.Duration
	now    func() time.Time
}

func NewCallers(rdb redis.UniversalClient, trusted bool, dayMargin time.Duration) *Callers {
	return &Callers{rdb: rdb, trusted: trusted, margin: dayMargin, now: time.Now}
}

// Charge books amount units against the caller's daily rate for one
// endpoint. It fails with ErrNoAccess when the policy denies the endpoint
// and with ErrDayBlocked when the rate is spent.
func (c *Callers) Charge(ctx context.Context, policy store.CallerPolicy, endpoint string, amount int64) error {
	ep, ok := policy.Endpoint(endpoint)
	if !ok || !ep.Access {
		return fmt.Errorf("caller %q, endpoint %q: %w", policy.Owner, endpoint, ErrNoAccess)
	}
	if amount < 1 {
		amount = 1
	}

	blockKey := callerBlockKey(policy.Owner, endpoint)
	if !c.trusted {
		blocked, err := c.rdb.Exists(ctx, blockKey).Result()
		if err != nil {
			return fmt.Errorf("caller quota: %w", err)
		}
		if blocked > 0 {
			return fmt.Errorf("caller %q, endpoint %q: %w", policy.Owner, endpoint, ErrDayBlocked)
		}
	}

	counterKey := callerCounterKey(policy.Owner, endpoint)
	total, err := c.rdb.IncrBy(ctx, counterKey, amount).Result()
	if err != nil {
		return fmt.Errorf("caller quota: %w", err)
	}
	if total == amount {
		// first charge of the day, align the counter with the UTC day
		if err := c.rdb.Expire(ctx, counterKey, c.untilTomorrow()).Err(); err != nil {
			return fmt.Errorf("caller quota: %w", err)
		}
	}

	if ep.DailyRate > 0 && total >= ep.DailyRate && !c.trusted {
		if err := c.rdb.Set(ctx, blockKey, "1", c.untilTomorrow()+c.margin).Err(); err != nil {
			return fmt.Errorf("caller quota: %w", err)
		}
	}
	return nil
}

// Used returns today's booked units for a caller and endpoint.
func (c *Callers) Used(ctx context.Context, owner, endpoint string) (int64, error) {
	n, err := c.rdb.Get(ctx, callerCounterKey(owner, endpoint)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("caller quota: %w", err)
	}
	return n, nil
}

func (c *Callers) untilTomorrow() time.Duration {
	now := c.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return midnight.Sub(now)
}

func callerCounterKey(owner, endpoint string) string {
	return "quota:caller:" + owner + ":" + endpoint + ":used"
}

func callerBlockKey(owner, endpoint string) string {
	return "quota:caller:" + owner + ":" + endpoint + ":day_block"
}
