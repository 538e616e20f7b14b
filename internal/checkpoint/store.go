package checkpoint

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lriba/testweaver/internal/writer"
	"github.com/lriba/testweaver/pkg/models"
)

const (
	// StoreDirname is the hidden directory holding checkpoint data inside
	// the destination folder.
	StoreDirname = ".testweaver"
	// DocumentFilename is the checkpoint document inside StoreDirname
	DocumentFilename = "checkpoints.json"
)

// Store is the durable checkpoint store for one destination directory. All
// namespaces for that destination share a single JSON document, rewritten
// atomically on every save.
//
// Read failures degrade to an empty store with a warning; write failures
// propagate, because losing a save silently would break resume guarantees.
type Store struct {
	root   string
	doc    *models.CheckpointDocument
	logger *slog.Logger
	mu     sync.Mutex
}

// NewStore opens the checkpoint store rooted at the destination directory,
// loading any prior state.
func NewStore(root string, logger *slog.Logger) *Store {
	s := &Store{
		root:   root,
		logger: logger,
		doc:    &models.CheckpointDocument{Namespaces: make(map[string]*models.NamespaceState)},
	}
	s.load()
	return s
}

// Path returns the on-disk location of the checkpoint document
func (s *Store) Path() string {
	return filepath.Join(s.root, StoreDirname, DocumentFilename)
}

func (s *Store) load() {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("Failed to read checkpoint document, starting empty", "path", s.Path(), "error", err)
		}
		return
	}

	var doc models.CheckpointDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("Invalid checkpoint document, starting empty", "path", s.Path(), "error", err)
		return
	}
	if doc.Namespaces == nil {
		doc.Namespaces = make(map[string]*models.NamespaceState)
	}
	s.doc = &doc
}

// flush must be called with s.mu held
func (s *Store) flush() error {
	if err := writer.WriteJSONAtomic(s.Path(), s.doc); err != nil {
		return fmt.Errorf("failed to save checkpoint document: %w", err)
	}
	return nil
}

// namespace returns the state for ns, creating it if needed.
// Must be called with s.mu held.
func (s *Store) namespace(ns string) *models.NamespaceState {
	state, ok := s.doc.Namespaces[ns]
	if !ok {
		state = &models.NamespaceState{
			RunID:     uuid.New().String(),
			CreatedAt: time.Now(),
			Steps:     make(map[string]*models.StepRecord),
			Loops:     make(map[string]*models.LoopProgress),
		}
		s.doc.Namespaces[ns] = state
	}
	if state.Steps == nil {
		state.Steps = make(map[string]*models.StepRecord)
	}
	if state.Loops == nil {
		state.Loops = make(map[string]*models.LoopProgress)
	}
	return state
}

// SaveStep marks a step completed and persists its result durably
func (s *Store) SaveStep(ns, step string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result for step %s: %w", step, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.namespace(ns).Steps[step] = &models.StepRecord{
		Completed: true,
		Result:    raw,
		SavedAt:   time.Now(),
	}
	return s.flush()
}

// GetStep unmarshals a previously saved step result into out and reports
// whether the step had completed. A record that cannot be decoded is treated
// as absent so the step simply re-executes.
func (s *Store) GetStep(ns, step string, out any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.doc.Namespaces[ns]
	if !ok {
		return false
	}
	record, ok := state.Steps[step]
	if !ok || !record.Completed {
		return false
	}
	if out != nil && len(record.Result) > 0 {
		if err := json.Unmarshal(record.Result, out); err != nil {
			s.logger.Warn("Cached step result is unreadable, re-running step",
				"namespace", ns, "step", step, "error", err)
			return false
		}
	}
	return true
}

// Clear deletes all step and loop records for a namespace. Clearing a
// namespace that does not exist is a no-op.
func (s *Store) Clear(ns string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.doc.Namespaces[ns]; !ok && s.doc.CurrentNamespace != ns {
		return nil
	}
	delete(s.doc.Namespaces, ns)
	if s.doc.CurrentNamespace == ns {
		s.doc.CurrentNamespace = ""
	}
	return s.flush()
}

// SetCurrentNamespace durably records which namespace is active so a bare
// resume invocation finds the right job.
func (s *Store) SetCurrentNamespace(ns string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc.CurrentNamespace = ns
	return s.flush()
}

// CurrentNamespace returns the last active namespace, or "" if none
func (s *Store) CurrentNamespace() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.CurrentNamespace
}

// Namespaces lists all namespaces present in the store
func (s *Store) Namespaces() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.doc.Namespaces))
	for ns := range s.doc.Namespaces {
		out = append(out, ns)
	}
	return out
}

// Describe returns a read-only copy of the state for ns, or nil
func (s *Store) Describe(ns string) *models.NamespaceState {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.doc.Namespaces[ns]
	if !ok {
		return nil
	}
	clone := &models.NamespaceState{
		RunID:     state.RunID,
		CreatedAt: state.CreatedAt,
		Steps:     make(map[string]*models.StepRecord, len(state.Steps)),
		Loops:     make(map[string]*models.LoopProgress, len(state.Loops)),
	}
	for name, record := range state.Steps {
		copied := *record
		clone.Steps[name] = &copied
	}
	for name, loop := range state.Loops {
		copied := models.LoopProgress{
			ProcessedKeys: append([]string{}, loop.ProcessedKeys...),
			PartialState:  loop.PartialState,
		}
		clone.Loops[name] = &copied
	}
	return clone
}

// RunStep memoizes a pipeline step: a previously completed step returns its
// cached result without calling fn, making phase execution idempotent per
// namespace regardless of how many times the pipeline is invoked.
func RunStep[T any](s *Store, ns, step string, fn func() (T, error)) (T, error) {
	var cached T
	if s.GetStep(ns, step, &cached) {
		s.logger.Info("Skipping step, already completed", "namespace", ns, "step", step)
		return cached, nil
	}

	result, err := fn()
	if err != nil {
		return result, err
	}
	if err := s.SaveStep(ns, step, result); err != nil {
		return result, err
	}
	return result, nil
}
