// Package quota enforces per-salon send allotments for billable notification
// types. Consumption is a hard precondition for gated sends: the dispatcher
// only hands a message to the SMS channel after Consume succeeds.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrQuotaExceeded is the explicit refusal signal. Any other error from
// Consume is a technical fault and is handled differently by the caller.
var ErrQuotaExceeded = errors.New("quota exceeded")

// Unlimited is the remaining value reported for salons without an allotment.
const Unlimited int64 = -1

// AllotmentSource resolves the per-salon limit for a purpose.
// Limit <= 0 means the salon is not capped for that purpose.
type AllotmentSource interface {
	Allotment(ctx context.Context, salonID uuid.UUID, purpose string) (int64, error)
}

// Gate counts consumption in redis against the salon's allotment. Counters
// live in period-aligned buckets so they reset on the allotment cadence.
type Gate struct {
	rdb        *redis.Client
	allotments AllotmentSource
	period     time.Duration
	logger     *zap.Logger
}

func NewGate(rdb *redis.Client, allotments AllotmentSource, period time.Duration, logger *zap.Logger) *Gate {
	if period <= 0 {
		period = 30 * 24 * time.Hour
	}
	return &Gate{
		rdb:        rdb,
		allotments: allotments,
		period:     period,
		logger:     logger,
	}
}

// Consume takes one unit for (salon, purpose) and returns the remaining
// balance. Returns ErrQuotaExceeded when the allotment is used up; the unit
// is not kept in that case. relatedID only tags the log line for audit
// correlation, consumption is counted per salon and purpose.
func (g *Gate) Consume(ctx context.Context, salonID uuid.UUID, relatedID *uuid.UUID, purpose string) (int64, error) {
	limit, err := g.allotments.Allotment(ctx, salonID, purpose)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve allotment: %w", err)
	}

	if limit <= 0 {
		return Unlimited, nil
	}

	key := g.counterKey(salonID, purpose)

	count, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment quota counter: %w", err)
	}

	// Set expiration on first increment, two periods to survive clock skew
	// at the bucket boundary.
	if count == 1 {
		if err := g.rdb.Expire(ctx, key, 2*g.period).Err(); err != nil {
			g.logger.Warn("Failed to set quota counter expiry",
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}

	if count > limit {
		// Hand the unit back so a later replenished attempt is not charged
		// for this refusal.
		if err := g.rdb.Decr(ctx, key).Err(); err != nil {
			g.logger.Warn("Failed to roll back quota counter",
				zap.String("salon_id", salonID.String()),
				zap.String("purpose", purpose),
				zap.Error(err),
			)
		}

		g.logger.Info("Quota exceeded",
			zap.String("salon_id", salonID.String()),
			zap.String("purpose", purpose),
			zap.Any("related_id", relatedID),
			zap.Int64("limit", limit),
		)
		return 0, ErrQuotaExceeded
	}

	return limit - count, nil
}

func (g *Gate) counterKey(salonID uuid.UUID, purpose string) string {
	bucket := time.Now().Unix() / int64(g.period.Seconds())
	return fmt.Sprintf("quota:%s:%s:%d", purpose, salonID, bucket)
}
