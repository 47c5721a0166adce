package daemon

import (
	"time"

	"git.home.luguber.info/inful/watchdog/internal/store"
)

const (
	// cooldownAfter is how many consecutive failures put a source into
	// exponential backoff.
	cooldownAfter = 10
	// cooldownMaxExp caps the backoff exponent (2^12 minutes, about
	// 2.8 days).
	cooldownMaxExp = 12
	// staleAfter is how long without a successful poll a source is
	// flagged as stale.
	staleAfter = 72 * time.Hour
)

// eligibleForDiscovery reports whether a source should be polled now.
// Healthy sources always are; a source past the failure threshold
// waits out an exponential cooldown from its last attempt.
func eligibleForDiscovery(src *store.Source, now time.Time) bool {
	if src.ConsecutiveFailures < cooldownAfter {
		return true
	}
	if src.LastAttemptAt == nil {
		return true
	}
	exp := src.ConsecutiveFailures - cooldownAfter
	if exp > cooldownMaxExp {
		exp = cooldownMaxExp
	}
	wait := time.Duration(1<<uint(exp)) * time.Minute
	return !now.Before(src.LastAttemptAt.Add(wait))
}

// isStale reports whether a source has gone without success long
// enough to warrant operator attention. Sources that never succeeded
// are graded from creation time.
func isStale(src *store.Source, now time.Time) bool {
	ref := src.CreatedAt
	if src.LastSuccessAt != nil {
		ref = *src.LastSuccessAt
	}
	return now.Sub(ref) > staleAfter
}
