// Package registry persists which endpoints already have generated artifacts,
// separately from the checkpoint store: the registry outlives single runs and
// drives skip/override decisions when re-running against an existing
// framework.
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/lriba/testweaver/internal/writer"
	"github.com/lriba/testweaver/pkg/models"
)

// StateFilename is the registry document inside the framework root
const StateFilename = "framework-state.json"

// ModelRef is the persisted reference to one generated model file
type ModelRef struct {
	Path    string `json:"path"`
	Summary string `json:"summary,omitempty"`
}

// EndpointRecord is the unit of durability: one record per base path,
// created on first successful model generation and extended as verbs under
// the path get tests.
type EndpointRecord struct {
	Path   string     `json:"path"`
	Verbs  []string   `json:"verbs"`
	Models []ModelRef `json:"models"`
	Tests  []string   `json:"tests"`
}

type stateDocument struct {
	GeneratedEndpoints []*EndpointRecord `json:"generated_endpoints"`
}

// Registry is the endpoint state registry for one framework root
type Registry struct {
	root      string
	logger    *slog.Logger
	endpoints map[string]*EndpointRecord
	order     []string // insertion order of paths
}

// New creates an empty registry for the framework root. Call Load to pick up
// prior state.
func New(root string, logger *slog.Logger) *Registry {
	return &Registry{
		root:      root,
		logger:    logger,
		endpoints: make(map[string]*EndpointRecord),
	}
}

// Path returns the on-disk location of the registry document
func (r *Registry) Path() string {
	return filepath.Join(r.root, StateFilename)
}

// Load reads the registry document if present. An unreadable or malformed
// document is logged and treated as empty; it never fails the run.
func (r *Registry) Load() {
	data, err := os.ReadFile(r.Path())
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("Failed to read framework state, starting empty", "path", r.Path(), "error", err)
		}
		return
	}

	var doc stateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		r.logger.Warn("Invalid framework state file, starting empty", "path", r.Path(), "error", err)
		return
	}

	r.endpoints = make(map[string]*EndpointRecord, len(doc.GeneratedEndpoints))
	r.order = r.order[:0]
	for _, record := range doc.GeneratedEndpoints {
		if record == nil || record.Path == "" {
			continue
		}
		if _, ok := r.endpoints[record.Path]; ok {
			continue
		}
		r.endpoints[record.Path] = record
		r.order = append(r.order, record.Path)
	}

	if len(r.endpoints) > 0 {
		r.logger.Info("Loaded framework state", "endpoints", len(r.endpoints), "paths", r.order)
	}
}

func (r *Registry) save() error {
	doc := stateDocument{GeneratedEndpoints: make([]*EndpointRecord, 0, len(r.order))}
	for _, path := range r.order {
		doc.GeneratedEndpoints = append(doc.GeneratedEndpoints, r.endpoints[path])
	}
	if err := writer.WriteJSONAtomic(r.Path(), &doc); err != nil {
		return fmt.Errorf("failed to save framework state: %w", err)
	}
	return nil
}

// IsPathKnown reports whether models were ever recorded for the path
func (r *Registry) IsPathKnown(path string) bool {
	_, ok := r.endpoints[path]
	return ok
}

// IsVerbTested reports whether tests were recorded for the verb
func (r *Registry) IsVerbTested(verb models.APIVerb) bool {
	record, ok := r.endpoints[verb.RootPath]
	if !ok {
		return false
	}
	key := verb.Key()
	for _, v := range record.Verbs {
		if v == key {
			return true
		}
	}
	return false
}

// ShouldGenerateModels decides whether model generation is needed for the
// path. Override bypasses the skip check; recording afterwards overwrites
// rather than accumulates the model list.
func (r *Registry) ShouldGenerateModels(path string, override bool) bool {
	if !r.IsPathKnown(path) {
		return true
	}
	if override {
		r.logger.Info("Path already has models, overriding", "path", path)
		return true
	}
	return false
}

// ShouldGenerateTests decides whether test generation is needed for the verb
func (r *Registry) ShouldGenerateTests(verb models.APIVerb, override bool) bool {
	if !r.IsVerbTested(verb) {
		return true
	}
	if override {
		r.logger.Info("Verb already has tests, overriding", "verb", verb.Key())
		return true
	}
	return false
}

// RecordModels upserts the record for path, replacing its model list, and
// persists the registry.
func (r *Registry) RecordModels(path string, generated []models.GeneratedModel) error {
	refs := make([]ModelRef, 0, len(generated))
	for _, m := range generated {
		refs = append(refs, ModelRef{Path: m.Path, Summary: m.Summary})
	}

	record, ok := r.endpoints[path]
	if !ok {
		record = &EndpointRecord{Path: path}
		r.endpoints[path] = record
		r.order = append(r.order, path)
	}
	record.Models = refs
	return r.save()
}

// RecordTests marks the verb as tested and merges testPaths into the
// endpoint's test set (union, deduplicated, stored sorted), then persists.
func (r *Registry) RecordTests(verb models.APIVerb, testPaths []string) error {
	record, ok := r.endpoints[verb.RootPath]
	if !ok {
		record = &EndpointRecord{Path: verb.RootPath}
		r.endpoints[verb.RootPath] = record
		r.order = append(r.order, verb.RootPath)
	}

	key := verb.Key()
	found := false
	for _, v := range record.Verbs {
		if v == key {
			found = true
			break
		}
	}
	if !found {
		record.Verbs = append(record.Verbs, key)
	}

	merged := make(map[string]bool, len(record.Tests)+len(testPaths))
	for _, t := range record.Tests {
		merged[t] = true
	}
	for _, t := range testPaths {
		merged[t] = true
	}
	record.Tests = record.Tests[:0]
	for t := range merged {
		record.Tests = append(record.Tests, t)
	}
	sort.Strings(record.Tests)

	return r.save()
}

// Endpoint returns a copy of the record for path, or nil when unknown
func (r *Registry) Endpoint(path string) *EndpointRecord {
	record, ok := r.endpoints[path]
	if !ok {
		return nil
	}
	clone := &EndpointRecord{
		Path:   record.Path,
		Verbs:  append([]string{}, record.Verbs...),
		Models: append([]ModelRef{}, record.Models...),
		Tests:  append([]string{}, record.Tests...),
	}
	return clone
}

// Paths returns the known endpoint paths in insertion order
func (r *Registry) Paths() []string {
	return append([]string{}, r.order...)
}
