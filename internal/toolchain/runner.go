// Package toolchain shells out to the generated framework's own tooling
// (package manager, compiler, linter, formatter, test runner).
package toolchain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/lriba/testweaver/internal/config"
)

// Runner executes the configured toolchain commands inside the framework
// root. Command strings come from configuration and run through the shell so
// that users can express pipelines and flags naturally.
type Runner struct {
	root   string
	cfg    config.ToolchainConfig
	logger *slog.Logger
}

func NewRunner(root string, cfg config.ToolchainConfig, logger *slog.Logger) *Runner {
	return &Runner{root: root, cfg: cfg, logger: logger}
}

// InstallDeps runs the dependency install command once per session.
func (r *Runner) InstallDeps(ctx context.Context) error {
	ok, output, err := r.run(ctx, r.cfg.Install, nil)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("dependency install failed:\n%s", output)
	}
	return nil
}

// Compile type-checks the given files. The returned output carries the
// compiler diagnostics when ok is false.
func (r *Runner) Compile(ctx context.Context, paths []string) (bool, string, error) {
	return r.run(ctx, r.cfg.Compile, paths)
}

// Lint runs the configured linter over the given files.
func (r *Runner) Lint(ctx context.Context, paths []string) (bool, string, error) {
	return r.run(ctx, r.cfg.Lint, paths)
}

// Format runs the configured formatter. Formatting failures are not fatal to
// a generation run, so callers typically just log the output.
func (r *Runner) Format(ctx context.Context, paths []string) (bool, string, error) {
	return r.run(ctx, r.cfg.Format, paths)
}

// RunTests executes the test runner against the given test files.
func (r *Runner) RunTests(ctx context.Context, paths []string) (bool, string, error) {
	return r.run(ctx, r.cfg.Test, paths)
}

func (r *Runner) run(ctx context.Context, command string, paths []string) (bool, string, error) {
	if command == "" {
		return true, "", nil
	}
	full := command
	if len(paths) > 0 {
		full = command + " " + strings.Join(quoteAll(paths), " ")
	}

	r.logger.Debug("Running toolchain command", "command", full, "dir", r.root)
	cmd := exec.CommandContext(ctx, "sh", "-c", full)
	cmd.Dir = r.root
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return false, string(output), ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Non-zero exit is a check failure, not an execution error.
			return false, string(output), nil
		}
		return false, string(output), fmt.Errorf("failed to run %q: %w", command, err)
	}
	return true, string(output), nil
}

func quoteAll(paths []string) []string {
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = "'" + strings.ReplaceAll(p, "'", `'\''`) + "'"
	}
	return quoted
}
