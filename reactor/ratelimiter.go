package reactor

import (
	"time"

	"github.com/joeycumines/go-catrate"
)

// RateLimiter is the external collaborator of §6: "acquire(n) ->
// (allowed, retryAt)". Send and receive paths query it before copying
// bytes to or from the OS buffer.
type RateLimiter interface {
	// Acquire reports whether n bytes may be transferred now; if not,
	// retryAt names the earliest time a retry might succeed.
	Acquire(n int) (allowed bool, retryAt time.Time)
}

// CatrateLimiter is the default RateLimiter, wrapping
// github.com/joeycumines/go-catrate's sliding-window Limiter. catrate
// counts discrete events per category rather than weighted byte counts,
// so each Acquire call consumes exactly one event against category,
// independent of n; this is documented in DESIGN.md as the grounding
// simplification for treating byte volume as a single "transfer
// attempt" event.
type CatrateLimiter struct {
	limiter  *catrate.Limiter
	category any
}

// NewCatrateLimiter builds a CatrateLimiter for category, using rates as
// the sliding-window configuration passed to catrate.NewLimiter.
func NewCatrateLimiter(rates map[time.Duration]int, category any) *CatrateLimiter {
	return &CatrateLimiter{
		limiter:  catrate.NewLimiter(rates),
		category: category,
	}
}

// Acquire implements RateLimiter.
func (c *CatrateLimiter) Acquire(n int) (bool, time.Time) {
	retryAt, allowed := c.limiter.Allow(c.category)
	return allowed, retryAt
}

// unlimited always allows; used as the default when no RateLimiter is
// configured.
type unlimited struct{}

func (unlimited) Acquire(n int) (bool, time.Time) { return true, time.Time{} }

// Unlimited is the zero-configuration RateLimiter that never denies.
var Unlimited RateLimiter = unlimited{}
