package models

import (
	"encoding/json"
	"time"
)

// StepRecord is the memoized result of one pipeline step. Once Completed is
// true, re-running the step under the same namespace returns Result without
// executing the underlying work.
type StepRecord struct {
	Completed bool            `json:"completed"`
	Result    json.RawMessage `json:"result,omitempty"`
	SavedAt   time.Time       `json:"saved_at"`
}

// LoopProgress tracks an in-flight iteration nested inside a phase. The
// processed key set only ever grows; PartialState is an opaque snapshot
// overwritten on every save.
type LoopProgress struct {
	ProcessedKeys []string        `json:"processed_keys"`
	PartialState  json.RawMessage `json:"partial_state,omitempty"`
}

// Processed reports whether key has already been recorded for this loop
func (lp *LoopProgress) Processed(key string) bool {
	for _, k := range lp.ProcessedKeys {
		if k == key {
			return true
		}
	}
	return false
}

// NamespaceState holds all step and loop records for one checkpointed job
type NamespaceState struct {
	RunID     string                   `json:"run_id"`
	CreatedAt time.Time                `json:"created_at"`
	Steps     map[string]*StepRecord   `json:"steps"`
	Loops     map[string]*LoopProgress `json:"loops"`
}

// CheckpointDocument is the on-disk layout of the checkpoint store: one
// document per destination directory, keyed by namespace, plus the pointer
// to the namespace that was last active.
type CheckpointDocument struct {
	CurrentNamespace string                     `json:"current_namespace,omitempty"`
	Namespaces       map[string]*NamespaceState `json:"namespaces"`
}
