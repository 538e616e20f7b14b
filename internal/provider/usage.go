package provider

import (
	"sync"

	"github.com/lriba/testweaver/pkg/models"
)

// usageTracker accumulates token usage per model across a session.
type usageTracker struct {
	mu      sync.Mutex
	byModel map[string]*models.UsageMetadata
}

func newUsageTracker() *usageTracker {
	return &usageTracker{byModel: make(map[string]*models.UsageMetadata)}
}

func (t *usageTracker) record(model string, inputTokens, outputTokens int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	u, ok := t.byModel[model]
	if !ok {
		u = &models.UsageMetadata{}
		t.byModel[model] = u
	}
	u.Requests++
	u.InputTokens += inputTokens
	u.OutputTokens += outputTokens
	u.TotalTokens += inputTokens + outputTokens
}

func (t *usageTracker) recordFixAttempt(model string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	u, ok := t.byModel[model]
	if !ok {
		u = &models.UsageMetadata{}
		t.byModel[model] = u
	}
	u.FixAttempts++
}

// Snapshot returns a copy of the per-model usage accumulated so far.
func (t *usageTracker) snapshot() map[string]models.UsageMetadata {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]models.UsageMetadata, len(t.byModel))
	for model, u := range t.byModel {
		out[model] = *u
	}
	return out
}
