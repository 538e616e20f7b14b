package models

import (
	"fmt"
	"strings"
	"time"
)

// GenerationOptions selects how much of the framework is generated
type GenerationOptions string

const (
	// GenerateModels produces only service/request/response models per path
	GenerateModels GenerationOptions = "models"
	// GenerateModelsAndFirstTest additionally produces one test per path
	GenerateModelsAndFirstTest GenerationOptions = "models_and_first_test"
	// GenerateModelsAndTests produces tests for every verb
	GenerateModelsAndTests GenerationOptions = "models_and_tests"
)

// Valid reports whether the option is one of the known values
func (o GenerationOptions) Valid() bool {
	switch o {
	case GenerateModels, GenerateModelsAndFirstTest, GenerateModelsAndTests:
		return true
	}
	return false
}

// FileSpec is a single generated file: a path relative to the framework root
// plus its full content.
type FileSpec struct {
	Path        string `json:"path"`
	FileContent string `json:"fileContent"`
}

// GeneratedModel is a generated model file with a one-line summary used when
// prompting for related artifacts.
type GeneratedModel struct {
	FileSpec
	Summary string `json:"summary,omitempty"`
}

// Files extracts the plain FileSpecs from a slice of generated models
func Files(generated []GeneratedModel) []FileSpec {
	out := make([]FileSpec, 0, len(generated))
	for _, m := range generated {
		out = append(out, m.FileSpec)
	}
	return out
}

// APIPath groups everything the definition source knows about one base path:
// the normalized root path and the definition fragment covering its verbs.
type APIPath struct {
	Path       string `json:"path"`
	Definition string `json:"definition"`
}

// APIVerb is a single operation (path + HTTP method) from the definition
type APIVerb struct {
	Path         string `json:"path"`
	RootPath     string `json:"root_path"`
	Verb         string `json:"verb"`
	Name         string `json:"name,omitempty"`
	Definition   string `json:"definition"`
	RequiresAuth bool   `json:"requires_auth,omitempty"`
}

// Key returns the composite registry key for a verb, e.g. "/pets - GET".
// The key disambiguates duplicate paths across methods.
func (v APIVerb) Key() string {
	return fmt.Sprintf("%s - %s", v.Path, strings.ToUpper(v.Verb))
}

// SessionStats accumulates aggregate counters across one generation run.
// The struct is persisted as loop partial state so a resumed run continues
// from the prior totals.
type SessionStats struct {
	StartTime       time.Time     `json:"start_time"`
	EndTime         time.Time     `json:"end_time"`
	TotalDuration   time.Duration `json:"total_duration"`
	PathsProcessed  int           `json:"paths_processed"`
	VerbsProcessed  int           `json:"verbs_processed"`
	ModelsGenerated int           `json:"models_generated"`
	TestsGenerated  int           `json:"tests_generated"`
	PathsSkipped    int           `json:"paths_skipped"`
	VerbsSkipped    int           `json:"verbs_skipped"`
	ItemFailures    int           `json:"item_failures"`
}

// UsageMetadata aggregates provider usage across one run
type UsageMetadata struct {
	Requests     int `json:"requests"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
	FixAttempts  int `json:"fix_attempts"`
}
