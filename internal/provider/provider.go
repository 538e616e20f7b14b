// Package provider talks to OpenAI-compatible chat completion endpoints to
// generate and repair framework artifacts. Generation and repair can run
// against different models ("generator" and "fixer" roles).
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/lriba/testweaver/internal/config"
	"github.com/lriba/testweaver/internal/retry"
	"github.com/lriba/testweaver/internal/util"
	"github.com/lriba/testweaver/pkg/models"
)

const (
	roleGenerator = "generator"
	roleFixer     = "fixer"

	baseRetryDelay = 2 * time.Second
	// Rate limit responses back off harder than transient server errors.
	rateLimitBackoffBase = 3.0
)

// Provider generates models, tests and fixes through chat completions.
type Provider struct {
	cfg     *config.Config
	secrets *config.Secrets
	pool    *limiterPool
	usage   *usageTracker
	logger  *slog.Logger
	clients map[string]*openai.Client

	// observe is invoked after every completed request with the model name,
	// outcome status and wall time. Wired to metrics by the caller.
	observe func(model, status string, elapsed time.Duration)
}

func New(cfg *config.Config, secrets *config.Secrets, logger *slog.Logger) *Provider {
	p := &Provider{
		cfg:     cfg,
		secrets: secrets,
		pool:    newLimiterPool(),
		usage:   newUsageTracker(),
		logger:  logger,
		clients: make(map[string]*openai.Client),
		observe: func(string, string, time.Duration) {},
	}
	for role, mc := range cfg.Models {
		oc := openai.DefaultConfig(secrets.GetAPIKey(mc.BaseURL))
		oc.BaseURL = mc.BaseURL
		oc.HTTPClient = &http.Client{Timeout: time.Duration(mc.HTTPTimeoutSeconds) * time.Second}
		p.clients[role] = openai.NewClientWithConfig(oc)
	}
	return p
}

// SetObserver registers a per-request observation hook.
func (p *Provider) SetObserver(fn func(model, status string, elapsed time.Duration)) {
	if fn != nil {
		p.observe = fn
	}
}

// Usage returns the per-model token usage accumulated this session.
func (p *Provider) Usage() map[string]models.UsageMetadata {
	return p.usage.snapshot()
}

// GenerateModels produces the service model files for one API path.
func (p *Provider) GenerateModels(ctx context.Context, apiPath models.APIPath) ([]models.GeneratedModel, error) {
	prompt, err := p.render(p.cfg.Prompts.ModelGeneration, defaultModelGeneration, map[string]any{
		"Path":       apiPath.Path,
		"Definition": apiPath.Definition,
	})
	if err != nil {
		return nil, err
	}
	raw, err := p.chat(ctx, roleGenerator, p.systemPrompt(roleGenerator), prompt)
	if err != nil {
		return nil, fmt.Errorf("model generation for %s failed: %w", apiPath.Path, err)
	}

	var generated []models.GeneratedModel
	if err := decodeJSON(raw, &generated); err != nil {
		return nil, fmt.Errorf("failed to parse model generation response for %s: %w", apiPath.Path, err)
	}
	if err := validateFiles(models.Files(generated)); err != nil {
		return nil, fmt.Errorf("invalid model generation response for %s: %w", apiPath.Path, err)
	}
	return generated, nil
}

// GenerateFirstTest produces the initial test for one endpoint verb.
func (p *Provider) GenerateFirstTest(ctx context.Context, verb models.APIVerb, available []models.GeneratedModel) ([]models.FileSpec, error) {
	prompt, err := p.render(p.cfg.Prompts.TestGeneration, defaultTestGeneration, map[string]any{
		"Path":       verb.Path,
		"Verb":       verb.Verb,
		"Definition": verb.Definition,
		"Models":     renderFiles(models.Files(available)),
	})
	if err != nil {
		return nil, err
	}
	return p.generateTests(ctx, verb, prompt)
}

// GenerateAdditionalTests extends the existing tests for one endpoint verb.
func (p *Provider) GenerateAdditionalTests(ctx context.Context, verb models.APIVerb, available []models.GeneratedModel, existing []models.FileSpec) ([]models.FileSpec, error) {
	prompt, err := p.render(p.cfg.Prompts.AdditionalTests, defaultAdditionalTests, map[string]any{
		"Path":       verb.Path,
		"Verb":       verb.Verb,
		"Definition": verb.Definition,
		"Models":     renderFiles(models.Files(available)),
		"Files":      renderFiles(existing),
	})
	if err != nil {
		return nil, err
	}
	return p.generateTests(ctx, verb, prompt)
}

func (p *Provider) generateTests(ctx context.Context, verb models.APIVerb, prompt string) ([]models.FileSpec, error) {
	raw, err := p.chat(ctx, roleGenerator, p.systemPrompt(roleGenerator), prompt)
	if err != nil {
		return nil, fmt.Errorf("test generation for %s failed: %w", verb.Key(), err)
	}
	var files []models.FileSpec
	if err := decodeJSON(raw, &files); err != nil {
		return nil, fmt.Errorf("failed to parse test generation response for %s: %w", verb.Key(), err)
	}
	if err := validateFiles(files); err != nil {
		return nil, fmt.Errorf("invalid test generation response for %s: %w", verb.Key(), err)
	}
	return files, nil
}

// FixTypeScript implements retry.Repair for compiler failures.
func (p *Provider) FixTypeScript(ctx context.Context, files []models.FileSpec, diagnostics string, history []string) (retry.Patch, error) {
	return p.fix(ctx, p.cfg.Prompts.FixTypeScript, defaultFixTypeScript, files, diagnostics, history)
}

// FixTestExecution implements retry.Repair for test runner failures. Unlike
// compiler fixes it may signal stop when the failure is environmental.
func (p *Provider) FixTestExecution(ctx context.Context, files []models.FileSpec, diagnostics string, history []string) (retry.Patch, error) {
	return p.fix(ctx, p.cfg.Prompts.FixExecution, defaultFixExecution, files, diagnostics, history)
}

func (p *Provider) fix(ctx context.Context, override, fallback string, files []models.FileSpec, diagnostics string, history []string) (retry.Patch, error) {
	mc := p.cfg.Fixer()
	p.usage.recordFixAttempt(mc.ModelName)

	prompt, err := p.render(override, fallback, map[string]any{
		"Files":       renderFiles(files),
		"Diagnostics": util.TruncateString(diagnostics, 20000),
		"History":     strings.Join(history, "\n"),
	})
	if err != nil {
		return retry.Patch{}, err
	}

	role := roleFixer
	if _, ok := p.clients[role]; !ok {
		role = roleGenerator
	}
	raw, err := p.chat(ctx, role, p.systemPrompt(roleFixer), prompt)
	if err != nil {
		return retry.Patch{}, err
	}

	var resp struct {
		Files   []models.FileSpec `json:"files"`
		Changes string            `json:"changes"`
		Stop    bool              `json:"stop"`
		Reason  string            `json:"reason"`
	}
	if err := decodeJSON(raw, &resp); err != nil {
		return retry.Patch{}, fmt.Errorf("failed to parse fix response: %w", err)
	}
	// A fix may legitimately carry no files, e.g. a stop response for an
	// unfixable failure or a "no change needed" pass.
	if err := validateFileEntries(resp.Files); err != nil {
		return retry.Patch{}, fmt.Errorf("invalid fix response: %w", err)
	}
	return retry.Patch{
		Files:      resp.Files,
		Change:     resp.Changes,
		Stop:       resp.Stop,
		StopReason: resp.Reason,
	}, nil
}

func (p *Provider) systemPrompt(role string) string {
	if role == roleFixer {
		if p.cfg.Prompts.FixerSystem != "" {
			return p.cfg.Prompts.FixerSystem
		}
		return defaultFixerSystem
	}
	if p.cfg.Prompts.GeneratorSystem != "" {
		return p.cfg.Prompts.GeneratorSystem
	}
	return defaultGeneratorSystem
}

func (p *Provider) render(override, fallback string, data map[string]any) (string, error) {
	tmpl := override
	if tmpl == "" {
		tmpl = fallback
	}
	rendered, err := util.RenderTemplate(tmpl, data)
	if err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return rendered, nil
}

// chat performs one rate-limited chat completion with retries.
func (p *Provider) chat(ctx context.Context, role, system, prompt string) (string, error) {
	mc, ok := p.cfg.Models[role]
	if !ok {
		return "", fmt.Errorf("no model configured for role %q", role)
	}
	client := p.clients[role]
	modelID := fmt.Sprintf("%s:%s", mc.BaseURL, mc.ModelName)

	req := openai.ChatCompletionRequest{
		Model: mc.ModelName,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: float32(mc.Temperature),
		MaxTokens:   mc.MaxOutputTokens,
	}

	var lastErr error
	for attempt := 0; attempt <= mc.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt, lastErr)
			p.logger.Warn("Retrying provider request",
				"attempt", attempt,
				"max_retries", mc.MaxRetries,
				"backoff", delay,
				"model", mc.ModelName)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := p.pool.wait(ctx, modelID, mc.RateLimitPerMinute); err != nil {
			return "", fmt.Errorf("rate limiter wait failed: %w", err)
		}

		start := time.Now()
		resp, err := client.CreateChatCompletion(ctx, req)
		elapsed := time.Since(start)
		if err != nil {
			p.observe(mc.ModelName, "error", elapsed)
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			lastErr = err
			if !isRetryable(err) {
				return "", fmt.Errorf("provider request failed: %w", err)
			}
			continue
		}

		p.observe(mc.ModelName, "ok", elapsed)
		p.usage.record(mc.ModelName, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

		if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
			lastErr = errors.New("provider returned no content")
			continue
		}
		return resp.Choices[0].Message.Content, nil
	}
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

func backoffDelay(attempt int, lastErr error) time.Duration {
	base := math.Pow(2, float64(attempt-1))
	var apiErr *openai.APIError
	if errors.As(lastErr, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		base = math.Pow(rateLimitBackoffBase, float64(attempt))
	}
	delay := time.Duration(base) * baseRetryDelay
	jitter := time.Duration(float64(delay) * 0.1 * (2*float64(time.Now().UnixNano()%100)/100 - 1))
	return delay + jitter
}

func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	// Network-level failures (timeouts, resets) come through as plain errors.
	return true
}

// decodeJSON extracts the JSON payload from a model response and unmarshals
// it, sanitizing unescaped control characters on a second attempt.
func decodeJSON(raw string, out any) error {
	payload := util.ExtractJSON(raw)
	if payload == "" {
		return errors.New("response contains no JSON payload")
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		if err2 := json.Unmarshal([]byte(util.SanitizeJSON(payload)), out); err2 != nil {
			return err
		}
	}
	return nil
}

func validateFiles(files []models.FileSpec) error {
	if len(files) == 0 {
		return errors.New("response contains no files")
	}
	return validateFileEntries(files)
}

func validateFileEntries(files []models.FileSpec) error {
	for _, f := range files {
		if f.Path == "" {
			return errors.New("response contains a file without a path")
		}
		if strings.HasPrefix(f.Path, "/") || strings.Contains(f.Path, "..") {
			return fmt.Errorf("response contains an unsafe file path %q", f.Path)
		}
		if f.FileContent == "" {
			return fmt.Errorf("response file %s has no content", f.Path)
		}
	}
	return nil
}

func renderFiles(files []models.FileSpec) string {
	var b strings.Builder
	for i, f := range files {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "--- %s ---\n%s", f.Path, f.FileContent)
	}
	return b.String()
}
