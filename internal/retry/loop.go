// Package retry implements the bounded verify/repair loop used to validate
// generated artifacts against the toolchain and feed failures back into the
// generation provider.
package retry

import (
	"context"
	"log/slog"

	"github.com/lriba/testweaver/pkg/models"
)

// DefaultMaxAttempts bounds the repair budget when the caller does not set one
const DefaultMaxAttempts = 3

// Verify runs a check over the working artifact set and returns whether it
// passed plus raw diagnostic text for the repair step.
type Verify func(ctx context.Context, files []models.FileSpec) (ok bool, diagnostics string, err error)

// Repair asks the provider for a fix given the failing files, the
// diagnostics, and the accumulated history of prior changes.
type Repair func(ctx context.Context, files []models.FileSpec, diagnostics string, history []string) (Patch, error)

// Patch is the result of one repair call. Stop signals that the repair step
// determined the failure is not automatically fixable (e.g. requires
// credentials it does not have) and further attempts are wasted.
type Patch struct {
	Files      []models.FileSpec
	Change     string
	Stop       bool
	StopReason string
}

// Loop couples a verification operation with an optional repair operation
// under a bounded attempt budget. Verification failure is never surfaced as
// an error: the Outcome reports it and the caller proceeds with the
// best-known artifacts.
type Loop struct {
	Verify      Verify
	Repair      Repair // nil for verify-only use
	MaxAttempts int
	Logger      *slog.Logger
}

// Outcome reports what the loop produced. Accepted holds the last artifacts
// of the tracked kind (latest repair output, or the tracked subset of the
// input when no repair ran); Working holds the full merged set including
// context files the caller passed alongside the tracked ones.
type Outcome struct {
	OK          bool
	Accepted    []models.FileSpec
	Working     []models.FileSpec
	Attempts    int
	Stopped     bool
	StopReason  string
	History     []string
	Diagnostics string // last failing diagnostics, empty on success
}

// Run executes the loop over the initial artifact set. tracked selects which
// of the input files are the caller's artifact kind (e.g. only test files
// when model files are passed in for compilation context); nil tracks all.
func (l *Loop) Run(ctx context.Context, files []models.FileSpec, tracked func(models.FileSpec) bool) Outcome {
	maxAttempts := l.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	working := append([]models.FileSpec{}, files...)
	accepted := filterTracked(files, tracked)

	var history []string
	var lastDiagnostics string

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			logger.Info("Retrying verification", "attempt", attempt+1, "max_attempts", maxAttempts)
		}

		ok, diagnostics, err := l.Verify(ctx, working)
		if err != nil {
			// A verify that cannot even run counts as a failed attempt;
			// its error text becomes the diagnostics.
			ok = false
			diagnostics = err.Error()
		}
		if ok {
			return Outcome{
				OK:       true,
				Accepted: accepted,
				Working:  working,
				Attempts: attempt + 1,
				History:  history,
			}
		}
		lastDiagnostics = diagnostics

		if l.Repair == nil {
			continue
		}

		patch, err := l.Repair(ctx, working, diagnostics, history)
		if err != nil {
			logger.Warn("Repair step failed, keeping current artifacts", "attempt", attempt+1, "error", err)
			continue
		}

		// Merge by path: later files overwrite earlier ones. A repair that
		// returns no files made no progress but does not stop the loop.
		if len(patch.Files) > 0 {
			working = mergeByPath(working, patch.Files)
			if repaired := filterTracked(patch.Files, tracked); len(repaired) > 0 {
				accepted = repaired
			}
		}
		if patch.Change != "" {
			history = append(history, patch.Change)
		}
		if patch.Stop {
			logger.Warn("Repair step signalled stop, accepting best-effort artifacts",
				"reason", patch.StopReason)
			return Outcome{
				OK:          false,
				Accepted:    accepted,
				Working:     working,
				Attempts:    attempt + 1,
				Stopped:     true,
				StopReason:  patch.StopReason,
				History:     history,
				Diagnostics: diagnostics,
			}
		}
	}

	// Final unconditional check against the original, unmodified set: a
	// flaky toolchain occasionally passes what it previously rejected.
	if ok, _, err := l.Verify(ctx, files); err == nil && ok {
		return Outcome{
			OK:       true,
			Accepted: filterTracked(files, tracked),
			Working:  append([]models.FileSpec{}, files...),
			Attempts: maxAttempts + 1,
			History:  history,
		}
	}

	logger.Warn("Verification failed after exhausting attempts, keeping best-known artifacts",
		"attempts", maxAttempts)
	return Outcome{
		OK:          false,
		Accepted:    accepted,
		Working:     working,
		Attempts:    maxAttempts + 1,
		History:     history,
		Diagnostics: lastDiagnostics,
	}
}

func filterTracked(files []models.FileSpec, tracked func(models.FileSpec) bool) []models.FileSpec {
	if tracked == nil {
		return append([]models.FileSpec{}, files...)
	}
	out := make([]models.FileSpec, 0, len(files))
	for _, f := range files {
		if tracked(f) {
			out = append(out, f)
		}
	}
	return out
}

func mergeByPath(base, overlay []models.FileSpec) []models.FileSpec {
	index := make(map[string]int, len(base))
	merged := append([]models.FileSpec{}, base...)
	for i, f := range merged {
		index[f.Path] = i
	}
	for _, f := range overlay {
		if i, ok := index[f.Path]; ok {
			merged[i] = f
		} else {
			index[f.Path] = len(merged)
			merged = append(merged, f)
		}
	}
	return merged
}
