package checkpoint

import (
	"encoding/json"
	"fmt"
	"iter"

	"github.com/lriba/testweaver/pkg/models"
)

// Iterate returns a lazy sequence over keys that skips every key already
// recorded for the named loop, yielding the remainder in original order. The
// caller must call RecordProgress after successfully handling each element;
// the store never advances on its own. A crash between handling and recording
// repeats that one element on resume (at-least-once, not at-most-once).
//
// Duplicate keys in the source collection are only safe when the key function
// used to build them disambiguates (e.g. path+verb, not bare path).
func (s *Store) Iterate(ns, loop string, keys []string) iter.Seq[string] {
	return func(yield func(string) bool) {
		processed := s.processedSet(ns, loop)
		for _, key := range keys {
			if processed[key] {
				continue
			}
			if !yield(key) {
				return
			}
		}
	}
}

// Pending returns how many of keys have not yet been recorded for the loop
func (s *Store) Pending(ns, loop string, keys []string) int {
	processed := s.processedSet(ns, loop)
	n := 0
	for _, key := range keys {
		if !processed[key] {
			n++
		}
	}
	return n
}

func (s *Store) processedSet(ns, loop string) map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := make(map[string]bool)
	state, ok := s.doc.Namespaces[ns]
	if !ok {
		return set
	}
	progress, ok := state.Loops[loop]
	if !ok {
		return set
	}
	for _, key := range progress.ProcessedKeys {
		set[key] = true
	}
	return set
}

// RecordProgress durably marks key as processed for the loop and overwrites
// the stored partial-state snapshot. The processed set is monotonic: a key is
// appended at most once.
func (s *Store) RecordProgress(ns, loop, key string, partial any) error {
	raw, err := marshalPartial(partial)
	if err != nil {
		return fmt.Errorf("failed to marshal partial state for loop %s: %w", loop, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.namespace(ns)
	progress, ok := state.Loops[loop]
	if !ok {
		progress = &models.LoopProgress{}
		state.Loops[loop] = progress
	}
	if !progress.Processed(key) {
		progress.ProcessedKeys = append(progress.ProcessedKeys, key)
	}
	if raw != nil {
		progress.PartialState = raw
	}
	return s.flush()
}

// SavePartialState overwrites the loop's partial-state snapshot without
// marking any key processed. Used for the best-effort snapshot taken on
// interruption; the authoritative resume point stays at the last
// RecordProgress call.
func (s *Store) SavePartialState(ns, loop string, partial any) error {
	raw, err := marshalPartial(partial)
	if err != nil {
		return fmt.Errorf("failed to marshal partial state for loop %s: %w", loop, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.namespace(ns)
	progress, ok := state.Loops[loop]
	if !ok {
		progress = &models.LoopProgress{}
		state.Loops[loop] = progress
	}
	if raw != nil {
		progress.PartialState = raw
	}
	return s.flush()
}

// PartialState unmarshals the loop's stored partial state into out,
// reporting whether a snapshot was present and readable.
func (s *Store) PartialState(ns, loop string, out any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.doc.Namespaces[ns]
	if !ok {
		return false
	}
	progress, ok := state.Loops[loop]
	if !ok || len(progress.PartialState) == 0 {
		return false
	}
	if err := json.Unmarshal(progress.PartialState, out); err != nil {
		s.logger.Warn("Stored partial state is unreadable, ignoring",
			"namespace", ns, "loop", loop, "error", err)
		return false
	}
	return true
}

func marshalPartial(partial any) (json.RawMessage, error) {
	if partial == nil {
		return nil, nil
	}
	raw, err := json.Marshal(partial)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
