package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/lriba/testweaver/internal/checkpoint"
	"github.com/lriba/testweaver/internal/config"
	"github.com/lriba/testweaver/internal/metrics"
	"github.com/lriba/testweaver/internal/registry"
	"github.com/lriba/testweaver/internal/retry"
	"github.com/lriba/testweaver/internal/writer"
	"github.com/lriba/testweaver/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeProvider serves canned artifacts and counts calls.
type fakeProvider struct {
	modelCalls map[string]int
	testCalls  map[string]int
	failPaths  map[string]bool
	fixPatch   *retry.Patch
	onGenerate func(path string)
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		modelCalls: make(map[string]int),
		testCalls:  make(map[string]int),
		failPaths:  make(map[string]bool),
	}
}

func (p *fakeProvider) GenerateModels(ctx context.Context, apiPath models.APIPath) ([]models.GeneratedModel, error) {
	if p.onGenerate != nil {
		p.onGenerate(apiPath.Path)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.modelCalls[apiPath.Path]++
	if p.failPaths[apiPath.Path] {
		return nil, errors.New("provider rejected the request")
	}
	name := apiPath.Path[1:]
	return []models.GeneratedModel{
		{
			FileSpec: models.FileSpec{
				Path:        fmt.Sprintf("models/%s.ts", name),
				FileContent: fmt.Sprintf("export interface %s {}", name),
			},
			Summary: name + " model",
		},
	}, nil
}

func (p *fakeProvider) GenerateFirstTest(ctx context.Context, verb models.APIVerb, available []models.GeneratedModel) ([]models.FileSpec, error) {
	p.testCalls[verb.Key()]++
	name := fmt.Sprintf("tests/%s_%s.test.ts", verb.RootPath[1:], verb.Verb)
	return []models.FileSpec{{Path: name, FileContent: "describe(() => {})"}}, nil
}

func (p *fakeProvider) GenerateAdditionalTests(ctx context.Context, verb models.APIVerb, available []models.GeneratedModel, existing []models.FileSpec) ([]models.FileSpec, error) {
	out := append([]models.FileSpec{}, existing...)
	for i := range out {
		out[i].FileContent += "\n// more cases"
	}
	return out, nil
}

func (p *fakeProvider) FixTypeScript(ctx context.Context, files []models.FileSpec, diagnostics string, history []string) (retry.Patch, error) {
	if p.fixPatch != nil {
		return *p.fixPatch, nil
	}
	return retry.Patch{}, nil
}

func (p *fakeProvider) FixTestExecution(ctx context.Context, files []models.FileSpec, diagnostics string, history []string) (retry.Patch, error) {
	return retry.Patch{}, nil
}

func (p *fakeProvider) Usage() map[string]models.UsageMetadata {
	return map[string]models.UsageMetadata{"fake-model": {Requests: 1}}
}

// fakeToolchain reports configurable check results.
type fakeToolchain struct {
	installs     int
	compiles     int
	failCompiles int // first N compile calls fail
	testRuns     int
}

func (f *fakeToolchain) InstallDeps(ctx context.Context) error { f.installs++; return nil }

func (f *fakeToolchain) Compile(ctx context.Context, paths []string) (bool, string, error) {
	f.compiles++
	if f.compiles <= f.failCompiles {
		return false, "TS2304: cannot find name", nil
	}
	return true, "", nil
}

func (f *fakeToolchain) Lint(ctx context.Context, paths []string) (bool, string, error) {
	return true, "", nil
}

func (f *fakeToolchain) Format(ctx context.Context, paths []string) (bool, string, error) {
	return true, "", nil
}

func (f *fakeToolchain) RunTests(ctx context.Context, paths []string) (bool, string, error) {
	f.testRuns++
	return true, "", nil
}

const testDefinition = `{
  "name": "petstore",
  "paths": {
    "/pets": {
      "get": {"summary": "List pets"},
      "post": {"summary": "Create a pet"}
    },
    "/orders": {
      "get": {"summary": "List orders"}
    }
  }
}`

type fixture struct {
	cfg       *config.Config
	provider  *fakeProvider
	toolchain *fakeToolchain
	store     *checkpoint.Store
	registry  *registry.Registry
	files     *writer.FileStore
	confirm   ConfirmFunc
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dest := t.TempDir()

	defPath := filepath.Join(t.TempDir(), "api.json")
	if err := os.WriteFile(defPath, []byte(testDefinition), 0644); err != nil {
		t.Fatal(err)
	}

	logger := testLogger()
	return &fixture{
		cfg: &config.Config{
			Destination:   dest,
			APIDefinition: defPath,
			Generation: config.GenerationConfig{
				Tests:                models.GenerateModelsAndFirstTest,
				UseExistingFramework: true,
				MaxFixAttempts:       2,
				MaxTestFixAttempts:   2,
				Namespace:            "framework_generator",
			},
		},
		provider:  newFakeProvider(),
		toolchain: &fakeToolchain{},
		store:     checkpoint.NewStore(dest, logger),
		registry:  registry.New(dest, logger),
		files:     writer.NewFileStore(dest, logger),
	}
}

func (f *fixture) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	return New(
		f.cfg,
		f.provider,
		f.toolchain,
		f.files,
		f.store,
		f.registry,
		metrics.NewCollector(testLogger()),
		f.confirm,
		testLogger(),
	)
}

func TestRunFullPipeline(t *testing.T) {
	f := newFixture(t)

	report, err := f.orchestrator(t).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Stats.PathsProcessed != 2 {
		t.Errorf("Expected 2 paths processed, got %d", report.Stats.PathsProcessed)
	}
	if report.Stats.VerbsProcessed != 3 {
		t.Errorf("Expected 3 verbs processed, got %d", report.Stats.VerbsProcessed)
	}
	if report.Stats.ItemFailures != 0 {
		t.Errorf("Expected no failures, got %d", report.Stats.ItemFailures)
	}
	if !report.FinalOK {
		t.Error("Expected final checks to pass")
	}
	if len(report.Endpoints) != 2 {
		t.Errorf("Expected 2 endpoints in report, got %v", report.Endpoints)
	}

	// Artifacts landed in the framework root.
	if !f.files.Exists("models/pets.ts") {
		t.Error("Expected pets model written")
	}
	if !f.files.Exists("tests/pets_GET.test.ts") {
		t.Error("Expected pets GET test written")
	}

	// Registry reflects what was generated.
	f2 := registry.New(f.cfg.Destination, testLogger())
	f2.Load()
	record := f2.Endpoint("/pets")
	if record == nil {
		t.Fatal("Expected /pets endpoint recorded")
	}
	if len(record.Verbs) != 2 {
		t.Errorf("Expected GET and POST recorded, got %v", record.Verbs)
	}
}

func TestRunSecondInvocationIsNoOp(t *testing.T) {
	f := newFixture(t)

	if _, err := f.orchestrator(t).Run(context.Background()); err != nil {
		t.Fatalf("First run failed: %v", err)
	}

	// Fresh collaborators over the same destination, as a new process would build.
	f.store = checkpoint.NewStore(f.cfg.Destination, testLogger())
	f.registry = registry.New(f.cfg.Destination, testLogger())
	before := len(f.provider.modelCalls)

	if _, err := f.orchestrator(t).Run(context.Background()); err != nil {
		t.Fatalf("Second run failed: %v", err)
	}

	for path, calls := range f.provider.modelCalls {
		if calls != 1 {
			t.Errorf("Path %s regenerated on resume (%d calls)", path, calls)
		}
	}
	if len(f.provider.modelCalls) != before {
		t.Errorf("New paths generated on resume: %v", f.provider.modelCalls)
	}
	for key, calls := range f.provider.testCalls {
		if calls != 1 {
			t.Errorf("Verb %s regenerated on resume (%d calls)", key, calls)
		}
	}
}

func TestRunPerItemFailureContinues(t *testing.T) {
	f := newFixture(t)
	f.provider.failPaths["/orders"] = true

	report, err := f.orchestrator(t).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Stats.ItemFailures == 0 {
		t.Error("Expected the /orders failure to be counted")
	}
	if report.Stats.PathsProcessed != 1 {
		t.Errorf("Expected /pets still processed, got %d", report.Stats.PathsProcessed)
	}

	// The failed path is retried on the next run; the successful one is not.
	f.provider.failPaths["/orders"] = false
	f.store = checkpoint.NewStore(f.cfg.Destination, testLogger())
	f.registry = registry.New(f.cfg.Destination, testLogger())
	if _, err := f.orchestrator(t).Run(context.Background()); err != nil {
		t.Fatalf("Second run failed: %v", err)
	}
	if f.provider.modelCalls["/orders"] != 2 {
		t.Errorf("Expected /orders retried, got %d calls", f.provider.modelCalls["/orders"])
	}
	if f.provider.modelCalls["/pets"] != 1 {
		t.Errorf("Expected /pets not regenerated, got %d calls", f.provider.modelCalls["/pets"])
	}
}

func TestRunSkipsRecordedEndpoints(t *testing.T) {
	f := newFixture(t)

	f.registry.Load()
	if err := f.registry.RecordModels("/pets", []models.GeneratedModel{
		{FileSpec: models.FileSpec{Path: "models/pets.ts", FileContent: "existing"}},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.files.Write([]models.FileSpec{{Path: "models/pets.ts", FileContent: "existing"}}); err != nil {
		t.Fatal(err)
	}

	report, err := f.orchestrator(t).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if f.provider.modelCalls["/pets"] != 0 {
		t.Error("Expected /pets models skipped")
	}
	if f.provider.modelCalls["/orders"] != 1 {
		t.Error("Expected /orders models generated")
	}
	if report.Stats.PathsSkipped != 1 {
		t.Errorf("Expected 1 path skipped, got %d", report.Stats.PathsSkipped)
	}
}

func TestRunOverrideDeclinedDowngradesToSkip(t *testing.T) {
	f := newFixture(t)
	f.cfg.Generation.Override = true
	f.confirm = func(endpoints []string) bool { return false }

	f.registry.Load()
	if err := f.registry.RecordModels("/pets", []models.GeneratedModel{
		{FileSpec: models.FileSpec{Path: "models/pets.ts", FileContent: "existing"}},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.files.Write([]models.FileSpec{{Path: "models/pets.ts", FileContent: "existing"}}); err != nil {
		t.Fatal(err)
	}

	if _, err := f.orchestrator(t).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if f.provider.modelCalls["/pets"] != 0 {
		t.Error("Declined override must not regenerate /pets")
	}
	if got, err := f.files.Read("models/pets.ts"); err != nil || got.FileContent != "existing" {
		t.Error("Declined override must leave existing artifacts untouched")
	}
}

func TestRunOverrideConfirmedRegenerates(t *testing.T) {
	f := newFixture(t)
	f.cfg.Generation.Override = true
	var prompted []string
	f.confirm = func(endpoints []string) bool {
		prompted = endpoints
		return true
	}

	f.registry.Load()
	if err := f.registry.RecordModels("/pets", []models.GeneratedModel{
		{FileSpec: models.FileSpec{Path: "models/pets.ts", FileContent: "existing"}},
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := f.orchestrator(t).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(prompted) != 1 || prompted[0] != "/pets" {
		t.Errorf("Expected confirmation prompt with /pets, got %v", prompted)
	}
	if f.provider.modelCalls["/pets"] != 1 {
		t.Error("Confirmed override must regenerate /pets")
	}
}

func TestRunCompileFailureEntersFixLoop(t *testing.T) {
	f := newFixture(t)
	f.toolchain.failCompiles = 1
	f.provider.fixPatch = &retry.Patch{
		Files:  []models.FileSpec{{Path: "models/pets.ts", FileContent: "export interface pets {} // fixed"}},
		Change: "added missing export",
	}

	report, err := f.orchestrator(t).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Stats.ItemFailures != 0 {
		t.Errorf("Expected fix loop to recover, failures = %d", report.Stats.ItemFailures)
	}
	if f.toolchain.compiles < 2 {
		t.Errorf("Expected at least 2 compile calls, got %d", f.toolchain.compiles)
	}
}

func TestRunExecutesTestsWhenConfigured(t *testing.T) {
	f := newFixture(t)
	f.cfg.Generation.RunGeneratedTests = true

	if _, err := f.orchestrator(t).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if f.toolchain.testRuns != 3 {
		t.Errorf("Expected one test execution per verb, got %d", f.toolchain.testRuns)
	}
}

func TestRunModelsOnlySkipsTests(t *testing.T) {
	f := newFixture(t)
	f.cfg.Generation.Tests = models.GenerateModels

	if _, err := f.orchestrator(t).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(f.provider.testCalls) != 0 {
		t.Errorf("Expected no test generation, got %v", f.provider.testCalls)
	}
}

func TestRunInterruptSavesSnapshot(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	f.provider.onGenerate = func(path string) { cancel() }

	_, err := f.orchestrator(t).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}

	reopened := checkpoint.NewStore(f.cfg.Destination, testLogger())
	var snapshot models.SessionStats
	if !reopened.PartialState(f.cfg.Generation.Namespace, "generate_models", &snapshot) {
		t.Error("Expected progress snapshot after interruption")
	}
	if reopened.CurrentNamespace() != f.cfg.Generation.Namespace {
		t.Error("Expected current namespace recorded for resume")
	}
}

func TestRunSetupUsesToolchainOnce(t *testing.T) {
	f := newFixture(t)
	f.cfg.Generation.UseExistingFramework = false

	if _, err := f.orchestrator(t).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if f.toolchain.installs != 1 {
		t.Errorf("Expected one dependency install, got %d", f.toolchain.installs)
	}

	// A rerun over the same destination must not reinstall.
	f.store = checkpoint.NewStore(f.cfg.Destination, testLogger())
	f.registry = registry.New(f.cfg.Destination, testLogger())
	if _, err := f.orchestrator(t).Run(context.Background()); err != nil {
		t.Fatalf("Second run failed: %v", err)
	}
	if f.toolchain.installs != 1 {
		t.Errorf("Expected install memoized, got %d", f.toolchain.installs)
	}
}

func TestRunCompileExhaustionKeepsBestEffort(t *testing.T) {
	f := newFixture(t)
	f.toolchain.failCompiles = 1 << 30
	f.provider.fixPatch = &retry.Patch{
		Files:  []models.FileSpec{{Path: "models/pets.ts", FileContent: "export interface pets {} // reworked"}},
		Change: "reworked the export",
	}

	report, err := f.orchestrator(t).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.FinalOK {
		t.Error("Expected final checks to fail")
	}
	if report.Stats.PathsProcessed != 2 {
		t.Errorf("Expected both paths processed best-effort, got %d", report.Stats.PathsProcessed)
	}
	if report.Stats.VerbsProcessed != 3 {
		t.Errorf("Expected all verbs processed best-effort, got %d", report.Stats.VerbsProcessed)
	}

	// The best-known file set stays on disk, repairs included.
	got, err := f.files.Read("models/pets.ts")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got.FileContent != "export interface pets {} // reworked" {
		t.Errorf("Expected repaired content kept, got %q", got.FileContent)
	}

	reg := registry.New(f.cfg.Destination, testLogger())
	reg.Load()
	if !reg.IsPathKnown("/pets") || !reg.IsPathKnown("/orders") {
		t.Error("Expected best-effort endpoints recorded")
	}
	if !reg.IsVerbTested(models.APIVerb{Path: "/pets", RootPath: "/pets", Verb: "get"}) {
		t.Error("Expected best-effort tests recorded")
	}

	// A rerun over the same destination does not spend provider calls again.
	f.store = checkpoint.NewStore(f.cfg.Destination, testLogger())
	f.registry = registry.New(f.cfg.Destination, testLogger())
	if _, err := f.orchestrator(t).Run(context.Background()); err != nil {
		t.Fatalf("Second run failed: %v", err)
	}
	if f.provider.modelCalls["/pets"] != 1 {
		t.Errorf("Expected /pets not regenerated, got %d calls", f.provider.modelCalls["/pets"])
	}
	if f.provider.testCalls["/pets - GET"] != 1 {
		t.Errorf("Expected /pets GET tests not regenerated, got %d calls", f.provider.testCalls["/pets - GET"])
	}
}

func TestRunRestoresLatestStatsSnapshot(t *testing.T) {
	f := newFixture(t)
	ns := f.cfg.Generation.Namespace

	// Simulate a run interrupted during test generation: the tests loop
	// snapshot carries the cumulative counters.
	if err := f.store.RecordProgress(ns, loopModels, "/pets",
		models.SessionStats{PathsProcessed: 1}); err != nil {
		t.Fatal(err)
	}
	if err := f.store.RecordProgress(ns, loopTests, "/pets - GET",
		models.SessionStats{PathsProcessed: 1, VerbsProcessed: 1}); err != nil {
		t.Fatal(err)
	}

	report, err := f.orchestrator(t).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Stats.PathsProcessed != 2 {
		t.Errorf("Expected 2 paths processed after resume, got %d", report.Stats.PathsProcessed)
	}
	if report.Stats.VerbsProcessed != 3 {
		t.Errorf("Expected restored verb count plus remaining verbs, got %d", report.Stats.VerbsProcessed)
	}
}
