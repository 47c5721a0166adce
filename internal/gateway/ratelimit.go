package gateway

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// hostLimiter enforces the per-host request rate. Each host gets its own
// limiter; Wait queues callers FIFO within a host.
type hostLimiter struct {
	mu       sync.Mutex
	rps      rate.Limit
	limiters map[string]*rate.Limiter
}

func newHostLimiter(rps float64) *hostLimiter {
	return &hostLimiter{
		rps:      rate.Limit(rps),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (h *hostLimiter) get(host string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[host]
	if !ok {
		l = rate.NewLimiter(h.rps, 1)
		h.limiters[host] = l
	}
	return l
}

// Wait blocks until a request to host is allowed or ctx is done.
func (h *hostLimiter) Wait(ctx context.Context, host string) error {
	return h.get(host).Wait(ctx)
}
