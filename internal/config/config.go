package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/lriba/testweaver/pkg/models"
)

// Config represents the complete application configuration
type Config struct {
	// Destination is the framework root: generated files, the checkpoint
	// store and the endpoint registry all live under it.
	Destination   string   `toml:"destination"`
	APIDefinition string   `toml:"api_definition"`
	Endpoints     []string `toml:"endpoints"` // optional allow-list of root paths

	Generation GenerationConfig       `toml:"generation"`
	Models     map[string]ModelConfig `toml:"models"` // "generator" required, "fixer" optional
	Toolchain  ToolchainConfig        `toml:"toolchain"`
	Prompts    PromptTemplates        `toml:"prompt_templates"`
}

// GenerationConfig holds orchestration settings
type GenerationConfig struct {
	Tests                models.GenerationOptions `toml:"tests"` // models | models_and_first_test | models_and_tests
	Override             bool                     `toml:"override"`
	UseExistingFramework bool                     `toml:"use_existing_framework"`
	RunGeneratedTests    bool                     `toml:"run_generated_tests"` // execution-level verify loop
	MaxFixAttempts       int                      `toml:"max_fix_attempts"`
	MaxTestFixAttempts   int                      `toml:"max_test_fix_attempts"`
	Namespace            string                   `toml:"namespace"`
	TemplateDir          string                   `toml:"template_dir"` // framework skeleton copied during setup
}

// ModelConfig represents configuration for a single model endpoint
type ModelConfig struct {
	BaseURL            string  `toml:"base_url"`
	ModelName          string  `toml:"model_name"`
	Temperature        float64 `toml:"temperature"`
	MaxOutputTokens    int     `toml:"max_output_tokens"`
	RateLimitPerMinute int     `toml:"rate_limit_per_minute"`
	MaxRetries         int     `toml:"max_retries"`
	HTTPTimeoutSeconds int     `toml:"http_timeout_seconds"`
}

// ToolchainConfig holds the commands run against the generated framework.
// Each command is executed through the shell with the framework root as cwd;
// file-scoped commands get the relative file paths appended.
type ToolchainConfig struct {
	Install string `toml:"install"`
	Compile string `toml:"compile"`
	Lint    string `toml:"lint"`
	Format  string `toml:"format"`
	Test    string `toml:"test"`
}

// PromptTemplates holds all customizable prompt templates
type PromptTemplates struct {
	ModelGeneration     string `toml:"model_generation"`
	TestGeneration      string `toml:"test_generation"`
	AdditionalTests     string `toml:"additional_tests"`
	FixTypeScript       string `toml:"fix_typescript"`
	FixExecution        string `toml:"fix_execution"`
	GeneratorSystem     string `toml:"generator_system_prompt"`
	FixerSystem         string `toml:"fixer_system_prompt"`
}

// Secrets holds sensitive credentials loaded from environment variables
type Secrets struct {
	APIKeys map[string]string
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Destination == "" {
		return fmt.Errorf("destination must be set")
	}
	if c.APIDefinition == "" {
		return fmt.Errorf("api_definition must be set")
	}
	if !c.Generation.Tests.Valid() {
		return fmt.Errorf("generation.tests must be one of %q, %q, %q (got %q)",
			models.GenerateModels, models.GenerateModelsAndFirstTest, models.GenerateModelsAndTests,
			c.Generation.Tests)
	}
	if c.Generation.MaxFixAttempts < 1 {
		return fmt.Errorf("generation.max_fix_attempts must be at least 1 (got %d)", c.Generation.MaxFixAttempts)
	}
	if c.Generation.MaxTestFixAttempts < 1 {
		return fmt.Errorf("generation.max_test_fix_attempts must be at least 1 (got %d)", c.Generation.MaxTestFixAttempts)
	}

	generator, ok := c.Models["generator"]
	if !ok {
		return fmt.Errorf("models.generator must be configured")
	}
	if err := generator.validate("generator"); err != nil {
		return err
	}
	if fixer, ok := c.Models["fixer"]; ok {
		if err := fixer.validate("fixer"); err != nil {
			return err
		}
	}
	return nil
}

func (mc ModelConfig) validate(name string) error {
	if mc.BaseURL == "" {
		return fmt.Errorf("models.%s.base_url must be set", name)
	}
	if mc.ModelName == "" {
		return fmt.Errorf("models.%s.model_name must be set", name)
	}
	if mc.Temperature < 0 || mc.Temperature > 2 {
		return fmt.Errorf("models.%s.temperature must be between 0 and 2 (got %g)", name, mc.Temperature)
	}
	if mc.RateLimitPerMinute < 0 {
		return fmt.Errorf("models.%s.rate_limit_per_minute must not be negative", name)
	}
	return nil
}

// Fixer returns the repair model config, falling back to the generator model
// when no dedicated fixer is configured.
func (c *Config) Fixer() ModelConfig {
	if fixer, ok := c.Models["fixer"]; ok {
		return fixer
	}
	return c.Models["generator"]
}

// LoadSecrets loads sensitive credentials from environment variables
func LoadSecrets() *Secrets {
	secrets := &Secrets{APIKeys: make(map[string]string)}

	// Generic key for any OpenAI-compatible provider
	if key := os.Getenv("API_KEY"); key != "" {
		secrets.APIKeys["generic"] = key
	}
	// Provider-specific keys override the generic one
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		secrets.APIKeys["openai"] = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		secrets.APIKeys["anthropic"] = key
	}
	if key := os.Getenv("TOGETHER_API_KEY"); key != "" {
		secrets.APIKeys["together"] = key
	}
	return secrets
}

// GetAPIKey returns the API key for a given base URL
func (s *Secrets) GetAPIKey(baseURL string) string {
	if strings.Contains(baseURL, "openai.com") {
		if key := s.APIKeys["openai"]; key != "" {
			return key
		}
	}
	if strings.Contains(baseURL, "anthropic.com") {
		if key := s.APIKeys["anthropic"]; key != "" {
			return key
		}
	}
	if strings.Contains(baseURL, "together.xyz") || strings.Contains(baseURL, "together.ai") {
		if key := s.APIKeys["together"]; key != "" {
			return key
		}
	}
	// Local servers commonly run without auth, so empty is acceptable
	return s.APIKeys["generic"]
}
