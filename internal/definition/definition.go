// Package definition loads an API definition and exposes the normalized
// path/verb lists the orchestrator iterates over. Only the subset needed for
// generation is parsed: paths, their operations, summaries, and whether an
// operation is marked as requiring auth.
package definition

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/lriba/testweaver/pkg/models"
)

// verbOrder fixes the iteration order of methods under one path so that
// resume points stay stable across invocations.
var verbOrder = []string{"get", "post", "put", "patch", "delete", "head", "options"}

type operation struct {
	Summary     string `json:"summary,omitempty"`
	Description string `json:"description,omitempty"`
	Auth        bool   `json:"auth,omitempty"`
}

type rawDocument struct {
	Name    string                          `json:"name"`
	BaseURL string                          `json:"base_url,omitempty"`
	Paths   map[string]map[string]operation `json:"paths"`
}

// Document is a processed API definition: root paths with their definition
// fragments, and the flat verb list in stable order.
type Document struct {
	Name    string           `json:"name"`
	BaseURL string           `json:"base_url,omitempty"`
	Paths   []models.APIPath `json:"paths"`
	Verbs   []models.APIVerb `json:"verbs"`
}

// Load reads and normalizes the API definition file. An optional allow-list
// of root paths filters the result; unmatched entries are dropped with a
// warning rather than failing the run.
func Load(path string, allow []string, logger *slog.Logger) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read API definition: %w", err)
	}

	var raw rawDocument
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse API definition: %w", err)
	}
	if len(raw.Paths) == 0 {
		return nil, fmt.Errorf("API definition %s contains no paths", path)
	}

	allowed := make(map[string]bool, len(allow))
	for _, p := range allow {
		allowed[RootPath(p)] = true
	}

	// Group operations by root path. Paths are sorted so that iteration
	// order (and therefore checkpoint resume points) is deterministic.
	fullPaths := make([]string, 0, len(raw.Paths))
	for p := range raw.Paths {
		fullPaths = append(fullPaths, p)
	}
	sort.Strings(fullPaths)

	grouped := make(map[string][]string)
	var rootOrder []string
	var verbs []models.APIVerb

	for _, fullPath := range fullPaths {
		root := RootPath(fullPath)
		if len(allowed) > 0 && !allowed[root] {
			logger.Warn("Skipping path not in endpoint allow-list", "path", fullPath)
			continue
		}
		if _, ok := grouped[root]; !ok {
			rootOrder = append(rootOrder, root)
		}

		ops := raw.Paths[fullPath]
		for _, method := range verbOrder {
			op, ok := ops[method]
			if !ok {
				continue
			}
			fragment, err := operationFragment(fullPath, method, op)
			if err != nil {
				return nil, err
			}
			grouped[root] = append(grouped[root], fragment)
			verbs = append(verbs, models.APIVerb{
				Path:         fullPath,
				RootPath:     root,
				Verb:         strings.ToUpper(method),
				Name:         op.Summary,
				Definition:   fragment,
				RequiresAuth: op.Auth,
			})
		}
		for method := range ops {
			if !knownVerb(method) {
				logger.Warn("Skipping unsupported method", "path", fullPath, "method", method)
			}
		}
	}

	if len(verbs) == 0 {
		return nil, fmt.Errorf("API definition %s has no usable operations", path)
	}

	paths := make([]models.APIPath, 0, len(rootOrder))
	for _, root := range rootOrder {
		paths = append(paths, models.APIPath{
			Path:       root,
			Definition: strings.Join(grouped[root], "\n"),
		})
	}

	name := raw.Name
	if name == "" {
		name = "api-collection"
	}
	return &Document{Name: name, BaseURL: raw.BaseURL, Paths: paths, Verbs: verbs}, nil
}

// RootPath normalizes a full path to its base path: the first concrete
// segment, e.g. "/pets/{id}/photos" -> "/pets".
func RootPath(fullPath string) string {
	trimmed := strings.Trim(fullPath, "/")
	if trimmed == "" {
		return "/"
	}
	first := strings.SplitN(trimmed, "/", 2)[0]
	return "/" + first
}

// VerbsForPath returns the document's verbs under one root path, in order
func (d *Document) VerbsForPath(root string) []models.APIVerb {
	var out []models.APIVerb
	for _, v := range d.Verbs {
		if v.RootPath == root {
			out = append(out, v)
		}
	}
	return out
}

// VerbByKey finds a verb by its composite registry key
func (d *Document) VerbByKey(key string) (models.APIVerb, bool) {
	for _, v := range d.Verbs {
		if v.Key() == key {
			return v, true
		}
	}
	return models.APIVerb{}, false
}

func operationFragment(fullPath, method string, op operation) (string, error) {
	fragment, err := json.Marshal(map[string]any{
		"path":        fullPath,
		"method":      strings.ToUpper(method),
		"summary":     op.Summary,
		"description": op.Description,
		"auth":        op.Auth,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode operation %s %s: %w", method, fullPath, err)
	}
	return string(fragment), nil
}

func knownVerb(method string) bool {
	for _, m := range verbOrder {
		if m == method {
			return true
		}
	}
	return false
}
