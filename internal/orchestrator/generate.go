package orchestrator

import (
	"context"

	"github.com/schollz/progressbar/v3"

	"github.com/lriba/testweaver/internal/definition"
	"github.com/lriba/testweaver/internal/retry"
	"github.com/lriba/testweaver/pkg/models"
)

// generate runs the two checkpointed loops: service models per root path,
// then tests per endpoint verb. Progress is recorded only after an item has
// fully succeeded, so a crash mid-item repeats that item on resume.
func (o *Orchestrator) generate(ctx context.Context, doc *definition.Document, override bool) error {
	if err := o.generateModels(ctx, doc, override); err != nil {
		return err
	}
	if o.cfg.Generation.Tests == models.GenerateModels {
		o.logger.Info("Test generation disabled, models only")
		return nil
	}
	return o.generateTests(ctx, doc, override)
}

func (o *Orchestrator) generateModels(ctx context.Context, doc *definition.Document, override bool) error {
	keys := make([]string, len(doc.Paths))
	byPath := make(map[string]models.APIPath, len(doc.Paths))
	for i, p := range doc.Paths {
		keys[i] = p.Path
		byPath[p.Path] = p
	}

	pending := o.store.Pending(o.ns, loopModels, keys)
	o.collector.SetItemsPending("paths", pending)
	if pending == 0 {
		o.logger.Info("All paths already processed, skipping model generation")
		return nil
	}
	if pending < len(keys) {
		o.logger.Info("Resuming model generation",
			"pending", pending, "total", len(keys))
	}

	bar := progressbar.Default(int64(pending), "Generating models")
	defer bar.Close()

	for path := range o.store.Iterate(o.ns, loopModels, keys) {
		if err := o.checkInterrupt(ctx, loopModels); err != nil {
			return err
		}

		if !o.registry.ShouldGenerateModels(path, override) {
			o.logger.Info("Skipping path, models already generated", "path", path)
			o.stats.PathsSkipped++
			o.collector.IncrementArtifacts("models", "skipped")
			if err := o.recordProgress(loopModels, path); err != nil {
				return err
			}
			_ = bar.Add(1)
			continue
		}

		if err := o.generatePathModels(ctx, byPath[path]); err != nil {
			if ctx.Err() != nil {
				return o.interrupt(ctx, loopModels)
			}
			// The item stays unrecorded and is retried on the next run.
			o.logger.Error("Model generation failed for path, continuing",
				"path", path, "error", err)
			o.stats.ItemFailures++
			o.collector.IncrementArtifacts("models", "error")
			_ = bar.Add(1)
			continue
		}

		o.stats.PathsProcessed++
		o.collector.IncrementArtifacts("models", "success")
		if err := o.recordProgress(loopModels, path); err != nil {
			return err
		}
		_ = bar.Add(1)
		o.collector.SetItemsPending("paths", o.store.Pending(o.ns, loopModels, keys))
	}
	return nil
}

func (o *Orchestrator) generatePathModels(ctx context.Context, apiPath models.APIPath) error {
	o.logger.Info("Generating service models", "path", apiPath.Path)

	generated, err := o.provider.GenerateModels(ctx, apiPath)
	if err != nil {
		return err
	}

	loop := &retry.Loop{
		Verify:      o.verifyCompile(nil),
		Repair:      o.provider.FixTypeScript,
		MaxAttempts: o.cfg.Generation.MaxFixAttempts,
		Logger:      o.logger,
	}
	outcome := loop.Run(ctx, models.Files(generated), nil)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	o.recordFixOutcome("typescript", outcome)
	if !outcome.OK {
		// The final verify left the original files on disk; restore the
		// best-known set before recording it.
		o.logger.Warn("Models still failing compilation, keeping best-effort files",
			"path", apiPath.Path, "attempts", outcome.Attempts)
		if _, err := o.files.Write(outcome.Working); err != nil {
			return err
		}
	}

	accepted := reattachSummaries(outcome.Working, generated)
	o.formatFiles(ctx, filePaths(outcome.Working))

	if err := o.registry.RecordModels(apiPath.Path, accepted); err != nil {
		return err
	}
	o.stats.ModelsGenerated += len(accepted)
	o.logger.Info("Recorded service models",
		"path", apiPath.Path, "files", len(accepted), "fix_attempts", outcome.Attempts-1)
	return nil
}

func (o *Orchestrator) generateTests(ctx context.Context, doc *definition.Document, override bool) error {
	keys := make([]string, len(doc.Verbs))
	for i, v := range doc.Verbs {
		keys[i] = v.Key()
	}

	pending := o.store.Pending(o.ns, loopTests, keys)
	o.collector.SetItemsPending("verbs", pending)
	if pending == 0 {
		o.logger.Info("All endpoint verbs already processed, skipping test generation")
		return nil
	}

	bar := progressbar.Default(int64(pending), "Generating tests")
	defer bar.Close()

	for key := range o.store.Iterate(o.ns, loopTests, keys) {
		if err := o.checkInterrupt(ctx, loopTests); err != nil {
			return err
		}

		verb, ok := doc.VerbByKey(key)
		if !ok {
			// Definition changed between runs; nothing to generate for this key.
			o.logger.Warn("Endpoint verb no longer in definition", "key", key)
			if err := o.recordProgress(loopTests, key); err != nil {
				return err
			}
			_ = bar.Add(1)
			continue
		}

		if !o.registry.ShouldGenerateTests(verb, override) {
			o.logger.Info("Skipping endpoint, tests already generated", "endpoint", key)
			o.stats.VerbsSkipped++
			o.collector.IncrementArtifacts("tests", "skipped")
			if err := o.recordProgress(loopTests, key); err != nil {
				return err
			}
			_ = bar.Add(1)
			continue
		}

		if err := o.generateVerbTests(ctx, verb); err != nil {
			if ctx.Err() != nil {
				return o.interrupt(ctx, loopTests)
			}
			o.logger.Error("Test generation failed for endpoint, continuing",
				"endpoint", key, "error", err)
			o.stats.ItemFailures++
			o.collector.IncrementArtifacts("tests", "error")
			_ = bar.Add(1)
			continue
		}

		o.stats.VerbsProcessed++
		o.collector.IncrementArtifacts("tests", "success")
		if err := o.recordProgress(loopTests, key); err != nil {
			return err
		}
		_ = bar.Add(1)
		o.collector.SetItemsPending("verbs", o.store.Pending(o.ns, loopTests, keys))
	}
	return nil
}

func (o *Orchestrator) generateVerbTests(ctx context.Context, verb models.APIVerb) error {
	o.logger.Info("Generating tests", "endpoint", verb.Key())

	available, err := o.hydrateModels(verb.RootPath)
	if err != nil {
		return err
	}

	testFiles, err := o.provider.GenerateFirstTest(ctx, verb, available)
	if err != nil {
		return err
	}
	if o.cfg.Generation.Tests == models.GenerateModelsAndTests {
		additional, err := o.provider.GenerateAdditionalTests(ctx, verb, available, testFiles)
		if err != nil {
			return err
		}
		testFiles = mergeFiles(testFiles, additional)
	}

	testPaths := make(map[string]bool, len(testFiles))
	for _, f := range testFiles {
		testPaths[f.Path] = true
	}
	isTest := func(f models.FileSpec) bool { return testPaths[f.Path] }

	// Model sources ride along as compilation context; only the test files
	// are the artifacts this loop accepts.
	working := append(models.Files(available), testFiles...)

	compileLoop := &retry.Loop{
		Verify:      o.verifyCompile(nil),
		Repair:      o.provider.FixTypeScript,
		MaxAttempts: o.cfg.Generation.MaxFixAttempts,
		Logger:      o.logger,
	}
	outcome := compileLoop.Run(ctx, working, isTest)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	o.recordFixOutcome("typescript", outcome)
	compiles := outcome.OK
	if !compiles {
		o.logger.Warn("Tests still failing compilation, keeping best-effort files",
			"endpoint", verb.Key(), "attempts", outcome.Attempts)
		if _, err := o.files.Write(outcome.Working); err != nil {
			return err
		}
	}
	acceptedTests := outcome.Accepted

	// Running non-compiling tests would only produce noise.
	if compiles && o.cfg.Generation.RunGeneratedTests {
		execLoop := &retry.Loop{
			Verify:      o.verifyExecution(filePaths(acceptedTests)),
			Repair:      o.provider.FixTestExecution,
			MaxAttempts: o.cfg.Generation.MaxTestFixAttempts,
			Logger:      o.logger,
		}
		execOutcome := execLoop.Run(ctx, outcome.Working, isTest)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.recordFixOutcome("execution", execOutcome)
		switch {
		case execOutcome.Stopped:
			o.logger.Warn("Test execution fixes stopped, keeping best-effort tests",
				"endpoint", verb.Key(), "reason", execOutcome.StopReason)
		case !execOutcome.OK:
			o.logger.Warn("Tests still failing after fix attempts, keeping best-effort tests",
				"endpoint", verb.Key(), "attempts", execOutcome.Attempts)
		}
		if len(execOutcome.Accepted) > 0 {
			acceptedTests = execOutcome.Accepted
		}
	}

	o.formatFiles(ctx, filePaths(acceptedTests))

	if err := o.registry.RecordTests(verb, filePaths(acceptedTests)); err != nil {
		return err
	}
	o.stats.TestsGenerated += len(acceptedTests)
	o.logger.Info("Recorded tests",
		"endpoint", verb.Key(), "files", len(acceptedTests))
	return nil
}

// hydrateModels reloads the recorded model sources for a root path from
// disk, so test generation on a resumed run sees the same model context a
// fresh run would.
func (o *Orchestrator) hydrateModels(rootPath string) ([]models.GeneratedModel, error) {
	record := o.registry.Endpoint(rootPath)
	if record == nil {
		o.logger.Warn("No recorded models for path, generating tests without model context",
			"path", rootPath)
		return nil, nil
	}
	out := make([]models.GeneratedModel, 0, len(record.Models))
	for _, ref := range record.Models {
		if !o.files.Exists(ref.Path) {
			o.logger.Warn("Recorded model file missing from framework", "path", ref.Path)
			continue
		}
		spec, err := o.files.Read(ref.Path)
		if err != nil {
			return nil, err
		}
		out = append(out, models.GeneratedModel{FileSpec: spec, Summary: ref.Summary})
	}
	return out, nil
}

func (o *Orchestrator) formatFiles(ctx context.Context, paths []string) {
	if len(paths) == 0 {
		return
	}
	if ok, output, err := o.toolchain.Format(ctx, paths); err != nil {
		o.logger.Warn("Formatter failed to run", "error", err)
	} else if !ok {
		o.logger.Warn("Formatter reported issues", "output", output)
	}
}

func (o *Orchestrator) recordFixOutcome(kind string, outcome retry.Outcome) {
	switch {
	case outcome.Stopped:
		o.collector.IncrementFixAttempt(kind, "stopped")
	case outcome.OK && outcome.Attempts > 1:
		o.collector.IncrementFixAttempt(kind, "fixed")
	case !outcome.OK:
		o.collector.IncrementFixAttempt(kind, "failed")
	}
}

func (o *Orchestrator) recordProgress(loop, key string) error {
	return o.store.RecordProgress(o.ns, loop, key, o.stats)
}

// checkInterrupt snapshots progress and stops the run once the context is
// cancelled, before the next item starts.
func (o *Orchestrator) checkInterrupt(ctx context.Context, loop string) error {
	if ctx.Err() == nil {
		return nil
	}
	return o.interrupt(ctx, loop)
}

func (o *Orchestrator) interrupt(ctx context.Context, loop string) error {
	o.logger.Warn("Run interrupted, saving progress snapshot", "loop", loop)
	if err := o.store.SavePartialState(o.ns, loop, o.stats); err != nil {
		o.logger.Error("Failed to save progress snapshot", "error", err)
	}
	return ctx.Err()
}

// reattachSummaries carries model summaries over to the post-repair files.
// Files introduced during repair have no summary.
func reattachSummaries(files []models.FileSpec, generated []models.GeneratedModel) []models.GeneratedModel {
	summaries := make(map[string]string, len(generated))
	for _, g := range generated {
		summaries[g.Path] = g.Summary
	}
	out := make([]models.GeneratedModel, len(files))
	for i, f := range files {
		out[i] = models.GeneratedModel{FileSpec: f, Summary: summaries[f.Path]}
	}
	return out
}

func mergeFiles(base, overlay []models.FileSpec) []models.FileSpec {
	index := make(map[string]int, len(base))
	out := append([]models.FileSpec{}, base...)
	for i, f := range out {
		index[f.Path] = i
	}
	for _, f := range overlay {
		if i, ok := index[f.Path]; ok {
			out[i] = f
			continue
		}
		index[f.Path] = len(out)
		out = append(out, f)
	}
	return out
}
