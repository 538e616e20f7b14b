package provider

import (
	"log/slog"
	"os"

	"github.com/lriba/testweaver/internal/config"
)

func testLoggerSilent() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() *config.Config {
	return &config.Config{
		Destination:   "./framework",
		APIDefinition: "./api.json",
		Models: map[string]config.ModelConfig{
			"generator": {
				BaseURL:            "http://localhost:8080/v1",
				ModelName:          "test-model",
				Temperature:        0.2,
				MaxOutputTokens:    1024,
				RateLimitPerMinute: 600,
				MaxRetries:         1,
				HTTPTimeoutSeconds: 5,
			},
		},
	}
}

func testSecrets() *config.Secrets {
	return &config.Secrets{APIKeys: map[string]string{"generic": "test-key"}}
}
