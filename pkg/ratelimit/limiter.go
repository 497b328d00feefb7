package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ladle-dev/ladle/pkg/models"
	"github.com/ladle-dev/ladle/pkg/store"
)

// Window is the fixed rate-limit bucket size. Windows are aligned to
// the top of the clock hour, not sliding; a client can therefore send
// up to 2N requests straddling a boundary. That trade-off is accepted
// for simplicity of reasoning and testing.
const Window = time.Hour

// Limiter caps admitted requests per client identity within a
// clock-aligned hourly window.
type Limiter struct {
	store   store.Store
	limit   int64
	enabled bool
	log     *zap.Logger

	now func() time.Time
}

// New creates a Limiter. A disabled limiter allows everything and
// touches no state.
func New(s store.Store, limit int, enabled bool, log *zap.Logger) *Limiter {
	return &Limiter{
		store:   s,
		limit:   int64(limit),
		enabled: enabled,
		log:     log,
		now:     time.Now,
	}
}

// CheckAndRecord counts this request against the client's current
// window and decides whether it is within the limit. Every call that
// reaches the store increments the counter exactly once, allowed or
// denied, so retry storms cannot reset the window.
//
// The limiter fails open: if the counter store is unreachable the
// request is allowed and the fault is logged. The SSRF and budget
// checks remain as backstops.
func (l *Limiter) CheckAndRecord(ctx context.Context, clientKey string) models.Decision {
	if !l.enabled {
		return models.Allow()
	}

	now := l.now().UTC()
	windowStart := now.Truncate(Window)

	count, err := l.store.IncrementWindow(ctx, clientKey, windowStart)
	if err != nil {
		l.log.Error("rate limit store unreachable, failing open",
			zap.String("client_key", clientKey),
			zap.Error(err))
		return models.Allow()
	}

	if count <= l.limit {
		return models.Allow()
	}

	retryAfter := windowStart.Add(Window).Sub(now)
	dec := models.Deny(models.ReasonRateLimited,
		fmt.Sprintf("rate limit of %d requests per hour exceeded", l.limit))
	dec.RetryAfter = retryAfter
	return dec
}
