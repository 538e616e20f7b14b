package provider

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// limiterPool manages per-model rate limiters keyed by "<base_url>:<model>".
// The first registration of a model fixes its rate for the process lifetime.
type limiterPool struct {
	limiters map[string]*rate.Limiter
	rates    map[string]int
	mu       sync.Mutex
}

func newLimiterPool() *limiterPool {
	return &limiterPool{
		limiters: make(map[string]*rate.Limiter),
		rates:    make(map[string]int),
	}
}

func (p *limiterPool) getOrCreate(modelID string, requestsPerMinute int) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if limiter, exists := p.limiters[modelID]; exists {
		if existing := p.rates[modelID]; existing != requestsPerMinute {
			slog.Warn("Rate limiter already exists with different rate, keeping existing",
				"model_id", modelID,
				"existing_rpm", existing,
				"requested_rpm", requestsPerMinute)
		}
		return limiter
	}

	rps := float64(requestsPerMinute) / 60.0
	burst := max(5, requestsPerMinute/5)
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	p.limiters[modelID] = limiter
	p.rates[modelID] = requestsPerMinute

	slog.Debug("Created rate limiter",
		"model_id", modelID,
		"rpm", requestsPerMinute,
		"burst", burst)
	return limiter
}

// wait blocks until the limiter for modelID admits the next request.
func (p *limiterPool) wait(ctx context.Context, modelID string, requestsPerMinute int) error {
	return p.getOrCreate(modelID, requestsPerMinute).Wait(ctx)
}
