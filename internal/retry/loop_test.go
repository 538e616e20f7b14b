package retry

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/lriba/testweaver/pkg/models"
)

func spec(path, content string) models.FileSpec {
	return models.FileSpec{Path: path, FileContent: content}
}

func contentOf(files []models.FileSpec, path string) string {
	for _, f := range files {
		if f.Path == path {
			return f.FileContent
		}
	}
	return ""
}

func TestRunSucceedsFirstAttempt(t *testing.T) {
	verifies := 0
	loop := &Loop{
		Verify: func(ctx context.Context, files []models.FileSpec) (bool, string, error) {
			verifies++
			return true, "", nil
		},
		Repair: func(ctx context.Context, files []models.FileSpec, diagnostics string, history []string) (Patch, error) {
			t.Fatal("Repair must not run when verification passes")
			return Patch{}, nil
		},
		MaxAttempts: 3,
	}

	files := []models.FileSpec{spec("a.ts", "ok")}
	outcome := loop.Run(context.Background(), files, nil)
	if !outcome.OK {
		t.Fatal("Expected success")
	}
	if verifies != 1 {
		t.Errorf("Expected 1 verify call, got %d", verifies)
	}
	if outcome.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", outcome.Attempts)
	}
	if contentOf(outcome.Accepted, "a.ts") != "ok" {
		t.Errorf("Expected original file accepted, got %v", outcome.Accepted)
	}
}

func TestRunVerifyBoundIsAttemptsPlusOne(t *testing.T) {
	verifies := 0
	repairs := 0
	loop := &Loop{
		Verify: func(ctx context.Context, files []models.FileSpec) (bool, string, error) {
			verifies++
			return false, "TS2304: cannot find name", nil
		},
		Repair: func(ctx context.Context, files []models.FileSpec, diagnostics string, history []string) (Patch, error) {
			repairs++
			return Patch{Files: []models.FileSpec{spec("a.ts", "still broken")}, Change: "attempted"}, nil
		},
		MaxAttempts: 3,
	}

	outcome := loop.Run(context.Background(), []models.FileSpec{spec("a.ts", "v0")}, nil)
	if outcome.OK {
		t.Fatal("Expected failure")
	}
	if verifies != 4 {
		t.Errorf("Expected max_attempts+1 = 4 verify calls, got %d", verifies)
	}
	if repairs != 3 {
		t.Errorf("Expected 3 repair calls, got %d", repairs)
	}
	if outcome.Diagnostics == "" {
		t.Error("Expected last diagnostics to be reported")
	}
	if len(outcome.History) != 3 {
		t.Errorf("Expected 3 history entries, got %d", len(outcome.History))
	}
}

func TestRunRepairFixesOnSecondAttempt(t *testing.T) {
	loop := &Loop{
		Verify: func(ctx context.Context, files []models.FileSpec) (bool, string, error) {
			return contentOf(files, "a.ts") == "fixed", "type error", nil
		},
		Repair: func(ctx context.Context, files []models.FileSpec, diagnostics string, history []string) (Patch, error) {
			return Patch{Files: []models.FileSpec{spec("a.ts", "fixed")}, Change: "rewrote import"}, nil
		},
		MaxAttempts: 3,
	}

	outcome := loop.Run(context.Background(), []models.FileSpec{spec("a.ts", "v0")}, nil)
	if !outcome.OK {
		t.Fatalf("Expected success, diagnostics: %s", outcome.Diagnostics)
	}
	if outcome.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", outcome.Attempts)
	}
	if contentOf(outcome.Accepted, "a.ts") != "fixed" {
		t.Errorf("Expected repaired content accepted, got %v", outcome.Accepted)
	}
}

func TestRunMergesByPath(t *testing.T) {
	attempt := 0
	loop := &Loop{
		Verify: func(ctx context.Context, files []models.FileSpec) (bool, string, error) {
			return false, "broken", nil
		},
		Repair: func(ctx context.Context, files []models.FileSpec, diagnostics string, history []string) (Patch, error) {
			attempt++
			switch attempt {
			case 1:
				return Patch{Files: []models.FileSpec{spec("a.ts", "a1")}}, nil
			case 2:
				return Patch{Files: []models.FileSpec{spec("helper.ts", "new file")}}, nil
			default:
				return Patch{Files: []models.FileSpec{spec("a.ts", "a3")}}, nil
			}
		},
		MaxAttempts: 3,
	}

	outcome := loop.Run(context.Background(), []models.FileSpec{spec("a.ts", "a0"), spec("b.ts", "b0")}, nil)

	// The working set carries every path with its latest content.
	if got := contentOf(outcome.Working, "a.ts"); got != "a3" {
		t.Errorf("Expected a.ts overwritten to a3, got %q", got)
	}
	if got := contentOf(outcome.Working, "b.ts"); got != "b0" {
		t.Errorf("Expected untouched b.ts preserved, got %q", got)
	}
	if got := contentOf(outcome.Working, "helper.ts"); got != "new file" {
		t.Errorf("Expected introduced helper.ts kept, got %q", got)
	}

	// Accepted holds only the latest repair output.
	if len(outcome.Accepted) != 1 || outcome.Accepted[0].Path != "a.ts" {
		t.Errorf("Expected accepted = last patch files, got %v", outcome.Accepted)
	}
}

func TestRunStopShortCircuits(t *testing.T) {
	verifies := 0
	loop := &Loop{
		Verify: func(ctx context.Context, files []models.FileSpec) (bool, string, error) {
			verifies++
			return false, "ECONNREFUSED", nil
		},
		Repair: func(ctx context.Context, files []models.FileSpec, diagnostics string, history []string) (Patch, error) {
			return Patch{Stop: true, StopReason: "server is unreachable"}, nil
		},
		MaxAttempts: 5,
	}

	outcome := loop.Run(context.Background(), []models.FileSpec{spec("a.test.ts", "t0")}, nil)
	if outcome.OK {
		t.Fatal("Expected failure on stop")
	}
	if !outcome.Stopped {
		t.Fatal("Expected stopped outcome")
	}
	if outcome.StopReason != "server is unreachable" {
		t.Errorf("Expected stop reason propagated, got %q", outcome.StopReason)
	}
	if verifies != 1 {
		t.Errorf("Expected no further verification after stop, got %d verify calls", verifies)
	}
	if contentOf(outcome.Accepted, "a.test.ts") != "t0" {
		t.Errorf("Expected best-effort artifacts kept, got %v", outcome.Accepted)
	}
}

func TestRunVerifyErrorCountsAsFailure(t *testing.T) {
	var seenDiagnostics string
	attempt := 0
	loop := &Loop{
		Verify: func(ctx context.Context, files []models.FileSpec) (bool, string, error) {
			attempt++
			if attempt == 1 {
				return false, "", errors.New("tsc: command not found")
			}
			return true, "", nil
		},
		Repair: func(ctx context.Context, files []models.FileSpec, diagnostics string, history []string) (Patch, error) {
			seenDiagnostics = diagnostics
			return Patch{}, nil
		},
		MaxAttempts: 2,
	}

	outcome := loop.Run(context.Background(), []models.FileSpec{spec("a.ts", "v0")}, nil)
	if !outcome.OK {
		t.Fatal("Expected eventual success")
	}
	if !strings.Contains(seenDiagnostics, "command not found") {
		t.Errorf("Expected verify error surfaced as diagnostics, got %q", seenDiagnostics)
	}
}

func TestRunRepairErrorContinues(t *testing.T) {
	repairs := 0
	loop := &Loop{
		Verify: func(ctx context.Context, files []models.FileSpec) (bool, string, error) {
			return false, "broken", nil
		},
		Repair: func(ctx context.Context, files []models.FileSpec, diagnostics string, history []string) (Patch, error) {
			repairs++
			return Patch{}, errors.New("provider timeout")
		},
		MaxAttempts: 2,
	}

	outcome := loop.Run(context.Background(), []models.FileSpec{spec("a.ts", "v0")}, nil)
	if outcome.OK {
		t.Fatal("Expected failure")
	}
	if repairs != 2 {
		t.Errorf("Expected repair attempted each round, got %d", repairs)
	}
	if contentOf(outcome.Accepted, "a.ts") != "v0" {
		t.Errorf("Expected original artifacts kept, got %v", outcome.Accepted)
	}
}

func TestRunVerifyOnlyLoop(t *testing.T) {
	verifies := 0
	loop := &Loop{
		Verify: func(ctx context.Context, files []models.FileSpec) (bool, string, error) {
			verifies++
			return false, "lint issues", nil
		},
		MaxAttempts: 3,
	}

	outcome := loop.Run(context.Background(), []models.FileSpec{spec("a.ts", "v0")}, nil)
	if outcome.OK {
		t.Fatal("Expected failure")
	}
	if verifies != 4 {
		t.Errorf("Expected 4 verify calls without repair, got %d", verifies)
	}
}

func TestRunFinalVerifyRecoversFlakyCheck(t *testing.T) {
	verifies := 0
	loop := &Loop{
		Verify: func(ctx context.Context, files []models.FileSpec) (bool, string, error) {
			verifies++
			// Fails during the attempt rounds, passes on the final check.
			return verifies == 3, "flaky failure", nil
		},
		Repair: func(ctx context.Context, files []models.FileSpec, diagnostics string, history []string) (Patch, error) {
			return Patch{Files: []models.FileSpec{spec("a.ts", "patched")}}, nil
		},
		MaxAttempts: 2,
	}

	outcome := loop.Run(context.Background(), []models.FileSpec{spec("a.ts", "v0")}, nil)
	if !outcome.OK {
		t.Fatal("Expected the final check to rescue the run")
	}
	if outcome.Attempts != 3 {
		t.Errorf("Expected attempts = max_attempts+1, got %d", outcome.Attempts)
	}
	// The final check ran against the original input, so that is what was accepted.
	if contentOf(outcome.Accepted, "a.ts") != "v0" {
		t.Errorf("Expected original artifacts accepted, got %v", outcome.Accepted)
	}
}

func TestRunTrackedSubset(t *testing.T) {
	isTest := func(f models.FileSpec) bool {
		return strings.HasSuffix(f.Path, ".test.ts")
	}
	loop := &Loop{
		Verify: func(ctx context.Context, files []models.FileSpec) (bool, string, error) {
			return true, "", nil
		},
		MaxAttempts: 3,
	}

	files := []models.FileSpec{
		spec("model.ts", "model source"),
		spec("pets.test.ts", "test source"),
	}
	outcome := loop.Run(context.Background(), files, isTest)
	if !outcome.OK {
		t.Fatal("Expected success")
	}
	if len(outcome.Accepted) != 1 || outcome.Accepted[0].Path != "pets.test.ts" {
		t.Errorf("Expected only tracked files accepted, got %v", outcome.Accepted)
	}
	if len(outcome.Working) != 2 {
		t.Errorf("Expected full working set, got %v", outcome.Working)
	}
}

func TestRunDefaultMaxAttempts(t *testing.T) {
	verifies := 0
	loop := &Loop{
		Verify: func(ctx context.Context, files []models.FileSpec) (bool, string, error) {
			verifies++
			return false, "broken", nil
		},
	}

	loop.Run(context.Background(), []models.FileSpec{spec("a.ts", "v0")}, nil)
	if verifies != DefaultMaxAttempts+1 {
		t.Errorf("Expected %d verify calls with default budget, got %d", DefaultMaxAttempts+1, verifies)
	}
}

func TestRunRepairedContextFilesStayOutOfAccepted(t *testing.T) {
	isTest := func(f models.FileSpec) bool {
		return strings.HasSuffix(f.Path, ".test.ts")
	}
	loop := &Loop{
		Verify: func(ctx context.Context, files []models.FileSpec) (bool, string, error) {
			return false, "type error in model.ts", nil
		},
		Repair: func(ctx context.Context, files []models.FileSpec, diagnostics string, history []string) (Patch, error) {
			return Patch{Files: []models.FileSpec{
				spec("model.ts", "fixed model"),
				spec("pets.test.ts", "fixed test"),
			}}, nil
		},
		MaxAttempts: 1,
	}

	files := []models.FileSpec{
		spec("model.ts", "m0"),
		spec("pets.test.ts", "t0"),
	}
	outcome := loop.Run(context.Background(), files, isTest)
	if len(outcome.Accepted) != 1 || outcome.Accepted[0].Path != "pets.test.ts" {
		t.Errorf("Expected only tracked files accepted after repair, got %v", outcome.Accepted)
	}
	if contentOf(outcome.Accepted, "pets.test.ts") != "fixed test" {
		t.Errorf("Expected latest tracked content accepted, got %v", outcome.Accepted)
	}
	if contentOf(outcome.Working, "model.ts") != "fixed model" {
		t.Errorf("Expected repaired context file in working set, got %v", outcome.Working)
	}
}

func TestRunContextOnlyRepairKeepsTrackedAccepted(t *testing.T) {
	isTest := func(f models.FileSpec) bool {
		return strings.HasSuffix(f.Path, ".test.ts")
	}
	loop := &Loop{
		Verify: func(ctx context.Context, files []models.FileSpec) (bool, string, error) {
			return false, "type error in model.ts", nil
		},
		Repair: func(ctx context.Context, files []models.FileSpec, diagnostics string, history []string) (Patch, error) {
			return Patch{Files: []models.FileSpec{spec("model.ts", "fixed model")}}, nil
		},
		MaxAttempts: 1,
	}

	files := []models.FileSpec{
		spec("model.ts", "m0"),
		spec("pets.test.ts", "t0"),
	}
	outcome := loop.Run(context.Background(), files, isTest)
	if len(outcome.Accepted) != 1 || outcome.Accepted[0].Path != "pets.test.ts" {
		t.Errorf("Expected tracked set preserved across context-only repair, got %v", outcome.Accepted)
	}
	if contentOf(outcome.Accepted, "pets.test.ts") != "t0" {
		t.Errorf("Expected original tracked content kept, got %v", outcome.Accepted)
	}
}
