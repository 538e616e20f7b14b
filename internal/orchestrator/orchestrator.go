// Package orchestrator drives a generation run end to end: parse the API
// definition, prepare the framework, generate models and tests per endpoint,
// and run the final project-wide checks. Every phase is checkpointed so an
// interrupted run resumes where it stopped.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lriba/testweaver/internal/checkpoint"
	"github.com/lriba/testweaver/internal/config"
	"github.com/lriba/testweaver/internal/definition"
	"github.com/lriba/testweaver/internal/metrics"
	"github.com/lriba/testweaver/internal/registry"
	"github.com/lriba/testweaver/internal/retry"
	"github.com/lriba/testweaver/pkg/models"
)

// Step names reused across runs; renaming one invalidates prior checkpoints.
const (
	stepParseDefinition = "process_api_definition"
	stepSetupFramework  = "setup_framework"
	stepFinalChecks     = "run_final_checks"

	loopModels = "generate_models"
	loopTests  = "generate_tests"
)

// GenerationProvider produces and repairs framework artifacts.
type GenerationProvider interface {
	GenerateModels(ctx context.Context, apiPath models.APIPath) ([]models.GeneratedModel, error)
	GenerateFirstTest(ctx context.Context, verb models.APIVerb, available []models.GeneratedModel) ([]models.FileSpec, error)
	GenerateAdditionalTests(ctx context.Context, verb models.APIVerb, available []models.GeneratedModel, existing []models.FileSpec) ([]models.FileSpec, error)
	FixTypeScript(ctx context.Context, files []models.FileSpec, diagnostics string, history []string) (retry.Patch, error)
	FixTestExecution(ctx context.Context, files []models.FileSpec, diagnostics string, history []string) (retry.Patch, error)
	Usage() map[string]models.UsageMetadata
}

// ToolchainRunner runs the generated framework's own tooling.
type ToolchainRunner interface {
	InstallDeps(ctx context.Context) error
	Compile(ctx context.Context, paths []string) (bool, string, error)
	Lint(ctx context.Context, paths []string) (bool, string, error)
	Format(ctx context.Context, paths []string) (bool, string, error)
	RunTests(ctx context.Context, paths []string) (bool, string, error)
}

// FileStore persists artifacts under the framework root.
type FileStore interface {
	Write(files []models.FileSpec) ([]string, error)
	Read(relPath string) (models.FileSpec, error)
	Exists(relPath string) bool
	CopyTemplate(templateDir string) error
}

// ConfirmFunc decides whether already-generated endpoints should be
// regenerated. The CLI wires this to an interactive prompt; tests and
// non-interactive runs supply a constant answer.
type ConfirmFunc func(endpoints []string) bool

// RunReport is the end-of-run summary persisted alongside the session log.
type RunReport struct {
	Stats     models.SessionStats             `json:"stats"`
	Usage     map[string]models.UsageMetadata `json:"usage"`
	Endpoints []string                        `json:"endpoints"`
	FinalOK   bool                            `json:"final_checks_ok"`
}

// Orchestrator manages the entire generation pipeline
type Orchestrator struct {
	cfg       *config.Config
	provider  GenerationProvider
	toolchain ToolchainRunner
	files     FileStore
	store     *checkpoint.Store
	registry  *registry.Registry
	collector *metrics.Collector
	confirm   ConfirmFunc
	logger    *slog.Logger
	stats     *models.SessionStats
	ns        string
}

func New(
	cfg *config.Config,
	provider GenerationProvider,
	toolchain ToolchainRunner,
	files FileStore,
	store *checkpoint.Store,
	reg *registry.Registry,
	collector *metrics.Collector,
	confirm ConfirmFunc,
	logger *slog.Logger,
) *Orchestrator {
	if confirm == nil {
		confirm = func([]string) bool { return true }
	}
	return &Orchestrator{
		cfg:       cfg,
		provider:  provider,
		toolchain: toolchain,
		files:     files,
		store:     store,
		registry:  reg,
		collector: collector,
		confirm:   confirm,
		logger:    logger,
		stats:     &models.SessionStats{StartTime: time.Now()},
		ns:        cfg.Generation.Namespace,
	}
}

// Run executes all phases. A context cancellation saves a progress snapshot
// and returns the context error; per-endpoint failures are recorded in the
// stats and do not abort the run.
func (o *Orchestrator) Run(ctx context.Context) (*RunReport, error) {
	if err := o.store.SetCurrentNamespace(o.ns); err != nil {
		return nil, err
	}
	o.registry.Load()
	o.restoreStats()

	doc, err := checkpoint.RunStep(o.store, o.ns, stepParseDefinition, func() (*definition.Document, error) {
		return definition.Load(o.cfg.APIDefinition, o.cfg.Endpoints, o.logger)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to process API definition: %w", err)
	}
	o.logger.Info("Processed API definition",
		"name", doc.Name,
		"paths", len(doc.Paths),
		"verbs", len(doc.Verbs))

	override := o.resolveOverride()

	if _, err := checkpoint.RunStep(o.store, o.ns, stepSetupFramework, func() (bool, error) {
		return true, o.setupFramework(ctx)
	}); err != nil {
		return nil, fmt.Errorf("failed to set up framework: %w", err)
	}

	if err := o.generate(ctx, doc, override); err != nil {
		return nil, err
	}

	finalOK, err := checkpoint.RunStep(o.store, o.ns, stepFinalChecks, func() (bool, error) {
		return o.runFinalChecks(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("final checks failed: %w", err)
	}

	o.stats.EndTime = time.Now()
	o.stats.TotalDuration = o.stats.EndTime.Sub(o.stats.StartTime)

	report := &RunReport{
		Stats:     *o.stats,
		Usage:     o.provider.Usage(),
		Endpoints: o.registry.Paths(),
		FinalOK:   finalOK,
	}
	o.logReport(report)
	return report, nil
}

// resolveOverride reduces the configured override flag against what already
// exists. Declining the confirmation downgrades the run to skip mode, it
// never deletes anything.
func (o *Orchestrator) resolveOverride() bool {
	if !o.cfg.Generation.Override {
		return false
	}
	existing := o.registry.Paths()
	if len(existing) == 0 {
		return true
	}
	o.logger.Info("Override requested for previously generated endpoints",
		"count", len(existing), "endpoints", existing)
	if !o.confirm(existing) {
		o.logger.Info("Override declined, existing endpoints will be skipped")
		return false
	}
	return true
}

func (o *Orchestrator) setupFramework(ctx context.Context) error {
	if o.cfg.Generation.UseExistingFramework {
		o.logger.Info("Using existing framework", "root", o.cfg.Destination)
		return nil
	}
	if dir := o.cfg.Generation.TemplateDir; dir != "" {
		o.logger.Info("Copying framework template", "template_dir", dir)
		if err := o.files.CopyTemplate(dir); err != nil {
			return err
		}
	}
	o.logger.Info("Installing framework dependencies")
	start := time.Now()
	err := o.toolchain.InstallDeps(ctx)
	o.collector.RecordToolchainCheck("install", time.Since(start))
	return err
}

// runFinalChecks compiles the whole project and lints the generated files,
// feeding compile failures through one last repair loop.
func (o *Orchestrator) runFinalChecks(ctx context.Context) (bool, error) {
	files, err := o.hydrateGeneratedFiles()
	if err != nil {
		return false, err
	}
	if len(files) == 0 {
		o.logger.Warn("No generated files recorded, skipping final checks")
		return true, nil
	}

	loop := &retry.Loop{
		Verify:      o.verifyCompile(nil),
		Repair:      o.provider.FixTypeScript,
		MaxAttempts: o.cfg.Generation.MaxFixAttempts,
		Logger:      o.logger,
	}
	outcome := loop.Run(ctx, files, nil)
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if !outcome.OK {
		o.logger.Error("Final compile check failed",
			"attempts", outcome.Attempts,
			"diagnostics", outcome.Diagnostics)
		return false, nil
	}

	start := time.Now()
	ok, output, err := o.toolchain.Lint(ctx, filePaths(files))
	o.collector.RecordToolchainCheck("lint", time.Since(start))
	if err != nil {
		return false, err
	}
	if !ok {
		o.logger.Warn("Final lint check reported issues", "output", output)
	}
	return ok, nil
}

// hydrateGeneratedFiles reads every recorded model and test file back from
// disk. Files deleted out-of-band are skipped with a warning.
func (o *Orchestrator) hydrateGeneratedFiles() ([]models.FileSpec, error) {
	var out []models.FileSpec
	seen := make(map[string]bool)
	for _, path := range o.registry.Paths() {
		record := o.registry.Endpoint(path)
		if record == nil {
			continue
		}
		var rels []string
		for _, ref := range record.Models {
			rels = append(rels, ref.Path)
		}
		rels = append(rels, record.Tests...)
		for _, rel := range rels {
			if seen[rel] {
				continue
			}
			seen[rel] = true
			if !o.files.Exists(rel) {
				o.logger.Warn("Recorded file missing from framework", "path", rel)
				continue
			}
			spec, err := o.files.Read(rel)
			if err != nil {
				return nil, err
			}
			out = append(out, spec)
		}
	}
	return out, nil
}

// verifyCompile returns a verify operation that persists the working set and
// type-checks it. scope limits the compiler invocation to specific paths;
// nil compiles the whole project.
func (o *Orchestrator) verifyCompile(scope []string) retry.Verify {
	return func(ctx context.Context, files []models.FileSpec) (bool, string, error) {
		if _, err := o.files.Write(files); err != nil {
			return false, "", err
		}
		paths := scope
		if paths == nil && len(files) > 0 {
			paths = filePaths(files)
		}
		start := time.Now()
		ok, output, err := o.toolchain.Compile(ctx, paths)
		o.collector.RecordToolchainCheck("compile", time.Since(start))
		return ok, output, err
	}
}

func (o *Orchestrator) verifyExecution(testPaths []string) retry.Verify {
	return func(ctx context.Context, files []models.FileSpec) (bool, string, error) {
		if _, err := o.files.Write(files); err != nil {
			return false, "", err
		}
		start := time.Now()
		ok, output, err := o.toolchain.RunTests(ctx, testPaths)
		o.collector.RecordToolchainCheck("test", time.Since(start))
		return ok, output, err
	}
}

func (o *Orchestrator) restoreStats() {
	var saved models.SessionStats
	// The tests loop runs after the models loop, so its snapshot carries the
	// most recent cumulative counters.
	if o.store.PartialState(o.ns, loopTests, &saved) || o.store.PartialState(o.ns, loopModels, &saved) {
		start := o.stats.StartTime
		*o.stats = saved
		o.stats.StartTime = start
		o.logger.Info("Restored session stats from checkpoint",
			"paths_processed", saved.PathsProcessed,
			"verbs_processed", saved.VerbsProcessed)
	}
}

func (o *Orchestrator) logReport(report *RunReport) {
	o.logger.Info("Generation run complete",
		"duration", report.Stats.TotalDuration,
		"paths_processed", report.Stats.PathsProcessed,
		"paths_skipped", report.Stats.PathsSkipped,
		"verbs_processed", report.Stats.VerbsProcessed,
		"verbs_skipped", report.Stats.VerbsSkipped,
		"models_generated", report.Stats.ModelsGenerated,
		"tests_generated", report.Stats.TestsGenerated,
		"item_failures", report.Stats.ItemFailures,
		"final_checks_ok", report.FinalOK)
	for model, usage := range report.Usage {
		o.logger.Info("Model usage",
			"model", model,
			"requests", usage.Requests,
			"input_tokens", usage.InputTokens,
			"output_tokens", usage.OutputTokens,
			"total_tokens", usage.TotalTokens,
			"fix_attempts", usage.FixAttempts)
	}
}

func filePaths(files []models.FileSpec) []string {
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}
	return paths
}
