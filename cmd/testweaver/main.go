package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lriba/testweaver/internal/checkpoint"
	"github.com/lriba/testweaver/internal/config"
	"github.com/lriba/testweaver/internal/metrics"
	"github.com/lriba/testweaver/internal/orchestrator"
	"github.com/lriba/testweaver/internal/provider"
	"github.com/lriba/testweaver/internal/registry"
	"github.com/lriba/testweaver/internal/toolchain"
	"github.com/lriba/testweaver/internal/writer"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath string
	envFile    string
	override   bool
	assumeYes  bool
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "testweaver",
		Short: "TestWeaver - LLM-driven API test framework generator",
		Long: `TestWeaver generates a TypeScript API test framework from an API
definition: service models per endpoint path, tests per endpoint verb, all
validated against the framework's own toolchain with automatic fix loops.
Interrupted runs resume from a durable checkpoint.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
	}

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Run the framework generation pipeline",
		Long: `Run the complete generation pipeline:
1. Parse the API definition into paths and verbs
2. Prepare the framework (template copy, dependency install)
3. Generate service models per path and tests per verb
4. Run final project-wide checks`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGeneration("")
		},
	}
	addRunFlags(generateCmd)

	resumeCmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume the last interrupted run",
		Long:  "Resume generation from the namespace the last run left active",
		RunE: func(cmd *cobra.Command, args []string) error {
			return resumeGeneration()
		},
	}
	addRunFlags(resumeCmd)

	stateCmd := &cobra.Command{
		Use:   "state",
		Short: "Manage checkpoint state",
		Long:  "Inspect and clear the destination's checkpoint namespaces",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List checkpoint namespaces",
		RunE:  listNamespaces,
	}
	inspectCmd := &cobra.Command{
		Use:   "inspect <namespace>",
		Short: "Show the full state of one namespace",
		Args:  cobra.ExactArgs(1),
		RunE:  inspectNamespace,
	}
	clearCmd := &cobra.Command{
		Use:   "clear <namespace>",
		Short: "Delete one namespace so its steps rerun from scratch",
		Args:  cobra.ExactArgs(1),
		RunE:  clearNamespace,
	}
	for _, c := range []*cobra.Command{listCmd, inspectCmd, clearCmd} {
		c.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	}

	stateCmd.AddCommand(listCmd)
	stateCmd.AddCommand(inspectCmd)
	stateCmd.AddCommand(clearCmd)

	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(stateCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	cmd.Flags().BoolVar(&override, "override", false, "Regenerate endpoints that already have artifacts")
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Answer yes to the override confirmation")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
}

func runGeneration(forceNamespace string) error {
	if envFile != "" {
		if err := loadEnvFile(envFile); err != nil {
			if !os.IsNotExist(err) {
				fmt.Fprintf(os.Stderr, "Warning: failed to load env file: %v\n", err)
			}
		} else if verbose {
			fmt.Fprintf(os.Stderr, "Loaded env file: %s\n", envFile)
		}
	}

	cfg, secrets, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if override {
		cfg.Generation.Override = true
	}
	if forceNamespace != "" {
		cfg.Generation.Namespace = forceNamespace
	}

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}

	stateDir := filepath.Join(cfg.Destination, checkpoint.StoreDirname)
	sessionMgr, err := writer.NewSessionManager(stateDir, "", slog.Default())
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	logger, logFile, err := writer.SetupLogger(sessionMgr, logLevel)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		if logFile != nil {
			_ = logFile.Sync()
			_ = logFile.Close()
		}
	}()

	logger.Info("TestWeaver starting",
		"version", Version,
		"config", configPath,
		"destination", cfg.Destination,
		"namespace", cfg.Generation.Namespace,
		"session_dir", sessionMgr.SessionDir())

	if err := sessionMgr.BackupConfig(configPath); err != nil {
		return fmt.Errorf("failed to backup config: %w", err)
	}

	store := checkpoint.NewStore(cfg.Destination, logger)
	reg := registry.New(cfg.Destination, logger)
	files := writer.NewFileStore(cfg.Destination, logger)
	runner := toolchain.NewRunner(cfg.Destination, cfg.Toolchain, logger)
	collector := metrics.NewCollector(logger)

	gen := provider.New(cfg, secrets, logger)
	gen.SetObserver(collector.RecordProviderRequest)

	orch := orchestrator.New(cfg, gen, runner, files, store, reg, collector, confirmOverride, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := orch.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("Generation interrupted",
				"namespace", cfg.Generation.Namespace,
				"resume_command", "testweaver resume")
			return fmt.Errorf("generation interrupted (resume with 'testweaver resume')")
		}
		return fmt.Errorf("generation failed: %w", err)
	}

	if err := sessionMgr.WriteReport(report); err != nil {
		logger.Error("Failed to write session report", "error", err)
	}
	logger.Info("Session report written", "path", sessionMgr.ReportPath())
	return nil
}

func resumeGeneration() error {
	cfg, _, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	store := checkpoint.NewStore(cfg.Destination, slog.Default())
	ns := store.CurrentNamespace()
	if ns == "" {
		return fmt.Errorf("no active namespace recorded in %s; run 'testweaver generate' first", store.Path())
	}
	return runGeneration(ns)
}

// confirmOverride asks on the terminal whether previously generated
// endpoints should be regenerated.
func confirmOverride(endpoints []string) bool {
	if assumeYes {
		return true
	}
	fmt.Printf("The following endpoints already have generated artifacts:\n")
	for _, e := range endpoints {
		fmt.Printf("  %s\n", e)
	}
	fmt.Printf("Regenerate them? [y/N]: ")
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func listNamespaces(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	namespaces := store.Namespaces()
	if len(namespaces) == 0 {
		fmt.Println("No checkpoint namespaces found.")
		return nil
	}
	current := store.CurrentNamespace()
	fmt.Printf("%-30s %-8s %-8s %s\n", "NAMESPACE", "STEPS", "LOOPS", "ACTIVE")
	for _, ns := range namespaces {
		state := store.Describe(ns)
		if state == nil {
			continue
		}
		active := ""
		if ns == current {
			active = "*"
		}
		fmt.Printf("%-30s %-8d %-8d %s\n", ns, len(state.Steps), len(state.Loops), active)
	}
	return nil
}

func inspectNamespace(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	state := store.Describe(args[0])
	if state == nil {
		return fmt.Errorf("namespace %q not found", args[0])
	}
	out, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func clearNamespace(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	if err := store.Clear(args[0]); err != nil {
		return err
	}
	fmt.Printf("Cleared namespace %q\n", args[0])
	return nil
}

func openStore() (*checkpoint.Store, error) {
	cfg, _, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return checkpoint.NewStore(cfg.Destination, slog.Default()), nil
}

// loadEnvFile loads KEY=VALUE pairs from a file into the environment.
func loadEnvFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if err := os.Setenv(key, value); err != nil {
			return err
		}
	}
	return nil
}
