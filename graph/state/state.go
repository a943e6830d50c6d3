// Package state provides the shared, versioned state container and the
// per-run execution context used by the graph engine.
package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrEmptyKey is returned when an update targets the empty key.
var ErrEmptyKey = errors.New("state key cannot be empty")

// State is the mutable key/value document shared by every node of one run.
//
// State is:
//   - Versioned: every mutation (Set, Delete, ApplyUpdates) bumps Version by one
//   - Cloneable: Clone returns a deep, fully independent copy
//   - Serializable: MarshalJSON produces canonical JSON (sorted keys) and
//     UnmarshalJSON keeps numbers in their textual form, so a
//     JSON -> State -> JSON round trip is byte-identical
//
// Values should be JSON-compatible (strings, numbers, bools, nil, slices and
// maps of those). Other values are accepted by Set but are normalised through
// a JSON round trip when cloned.
//
// State is safe for concurrent use, but the engine hands each node exclusive
// ownership of the instance it is invoking, and parallel branches each receive
// their own clone.
type State struct {
	mu      sync.RWMutex
	data    map[string]any
	version uint64
}

// New returns an empty State at version 0.
func New() *State {
	return &State{data: make(map[string]any)}
}

// FromMap builds a State from m. The map is deep-copied so later changes to
// m do not leak into the State.
func FromMap(m map[string]any) *State {
	s := New()
	for k, v := range m {
		s.data[k] = copyValue(v)
	}
	return s
}

// FromJSON decodes a State previously produced by MarshalJSON.
func FromJSON(data []byte) (*State, error) {
	s := New()
	if err := s.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the value stored under key.
func (s *State) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Has reports whether key is present.
func (s *State) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// GetString returns the value under key if it is a string.
func (s *State) GetString(key string) (string, bool) {
	v, ok := s.Get(key)
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

// GetBool returns the value under key if it is a bool.
func (s *State) GetBool(key string) (bool, bool) {
	v, ok := s.Get(key)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// GetInt returns the value under key converted to int64. Integral floats and
// json.Number values (as produced by UnmarshalJSON) are accepted.
func (s *State) GetInt(key string) (int64, bool) {
	v, ok := s.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
	}
	return 0, false
}

// GetFloat returns the value under key converted to float64.
func (s *State) GetFloat(key string) (float64, bool) {
	v, ok := s.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f, true
		}
	}
	return 0, false
}

// Set stores value under key and bumps the version.
func (s *State) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	s.version++
}

// Delete removes key. It reports whether the key existed; the version only
// changes when something was removed.
func (s *State) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return false
	}
	delete(s.data, key)
	s.version++
	return true
}

// ApplyUpdates applies every key/value pair as one atomic mutation.
//
// All updates are validated first (non-empty key, JSON-serializable value);
// if any update is invalid nothing is applied and the version is unchanged.
// On success the version is bumped exactly once. A nil value stores JSON null.
func (s *State) ApplyUpdates(updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	for k, v := range updates {
		if k == "" {
			return ErrEmptyKey
		}
		if _, err := json.Marshal(v); err != nil {
			return fmt.Errorf("state update %q is not serializable: %w", k, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range updates {
		s.data[k] = copyValue(v)
	}
	s.version++
	return nil
}

// Keys returns all keys in sorted order.
func (s *State) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of keys.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Version returns the mutation counter.
func (s *State) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// ToMap returns a deep copy of the underlying data.
func (s *State) ToMap() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.data))
	for k, v := range s.data {
		out[k] = copyValue(v)
	}
	return out
}

// Clone returns an independent deep copy, including the version.
func (s *State) Clone() *State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := &State{
		data:    make(map[string]any, len(s.data)),
		version: s.version,
	}
	for k, v := range s.data {
		c.data[k] = copyValue(v)
	}
	return c
}

// ChangedKeys returns, in sorted order, every key whose value differs
// between s and base, including keys added to or removed from s.
func (s *State) ChangedKeys(base *State) []string {
	if base == nil {
		return s.Keys()
	}
	cur := s.ToMap()
	prev := base.ToMap()

	var changed []string
	for k, v := range cur {
		old, ok := prev[k]
		if !ok || !ValuesEqual(old, v) {
			changed = append(changed, k)
		}
	}
	for k := range prev {
		if _, ok := cur[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// Equal reports whether two states hold the same data. Versions are ignored.
func (s *State) Equal(other *State) bool {
	if other == nil {
		return false
	}
	a, errA := json.Marshal(s.ToMap())
	b, errB := json.Marshal(other.ToMap())
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// wireState is the canonical JSON layout of a State.
type wireState struct {
	Version uint64         `json:"version"`
	Data    map[string]any `json:"data"`
}

// MarshalJSON encodes the state as {"version":N,"data":{...}} with sorted keys.
func (s *State) MarshalJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data := s.data
	if data == nil {
		data = map[string]any{}
	}
	return json.Marshal(wireState{Version: s.version, Data: data})
}

// UnmarshalJSON replaces the state's contents. Numbers are decoded as
// json.Number so re-encoding reproduces the original bytes.
func (s *State) UnmarshalJSON(data []byte) error {
	var w wireState
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&w); err != nil {
		return fmt.Errorf("failed to decode state: %w", err)
	}
	if w.Data == nil {
		w.Data = make(map[string]any)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = w.Data
	s.version = w.Version
	return nil
}

// ValuesEqual compares two state values by their JSON encoding, so that
// int(3), float64(3) and json.Number("3") are considered equal.
func ValuesEqual(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
