// Package cache provides short-lived verdict caches for the bot check path.
// A nil cache is valid for callers: the service then reads the stores directly.
package cache

import (
	"context"
	"time"

	"github.com/spotbot-io/spotbot/internal/bots/model"
)

// DefaultTTL is used when a cache is constructed with a non-positive TTL.
const DefaultTTL = 30 * time.Second

// VerdictCache stores computed verdicts keyed by canonical address.
// Get reports ok=false on a miss. Implementations must be safe for
// concurrent use.
type VerdictCache interface {
	Get(ctx context.Context, addr string) (v *model.Verdict, ok bool, err error)
	Set(ctx context.Context, addr string, v *model.Verdict) error
	Invalidate(ctx context.Context, addr string) error
}
