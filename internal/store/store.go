// Package store implements the typed key/value config store shared by
// every component of the Backbone Border Router engine (spec.md §3,
// §9 "Global mutable config").
//
// A single Store instance is owned by the composition root and passed
// by reference; readers and writers go through Get/Set, which check
// the key against Schema and, for writes, run the declared Validator.
// Any mutation of a persistent key triggers an atomic snapshot to
// disk. Go's sync.Mutex is not re-entrant, so unlike kibra's
// threading.RLock, internal methods never call an exported locking
// method while already holding the lock.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/kirale/kibra/internal/bbrerrors"
)

// Store is the single shared mutable resource in the engine (spec.md
// §5 "Concurrency & resource model").
type Store struct {
	mu     sync.RWMutex
	schema Schema
	values map[string]any
	path   string
	log    *zap.SugaredLogger

	testOverrideMu sync.Mutex
	testOverride   *int
}

// New creates a Store bound to schema and, if path is non-empty, to a
// JSON document on disk that is loaded on construction and rewritten
// on every persistent-key mutation.
func New(schema Schema, path string, log *zap.SugaredLogger) (*Store, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Store{
		schema: schema,
		values: make(map[string]any, len(schema)),
		path:   path,
		log:    log,
	}
	for key, item := range schema {
		if item.Default != nil {
			s.values[key] = item.Default
		}
	}
	if path != "" {
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s.snapshotLocked()
		}
		return &bbrerrors.ConfigError{Key: s.path, Reason: "read persisted document", Wrapped: err}
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		s.log.Warnw("persisted configuration is corrupt, using defaults", "error", err)
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, item := range s.schema {
		if !item.Persistent {
			continue
		}
		if raw, ok := doc[key]; ok {
			if v, ok := coerce(item.Kind, raw); ok {
				s.values[key] = v
			}
		}
	}
	return nil
}

// Has reports whether key currently holds a value.
func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[key]
	return ok
}

// HasKeys reports whether every key in keys currently holds a value,
// the predicate the supervisor's start/stop gates evaluate.
func (s *Store) HasKeys(keys []string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range keys {
		if _, ok := s.values[k]; !ok {
			return false
		}
	}
	return true
}

// Get returns the current value of key, or nil if unset. It panics on
// an undeclared key, matching kibra's "non existing DB entry key"
// guard — undeclared keys are a programming error, not a runtime one.
func (s *Store) Get(key string) any {
	if _, ok := s.schema[key]; !ok {
		panic(fmt.Sprintf("store: undeclared key %q", key))
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key]
}

func (s *Store) GetString(key string) string {
	v, _ := s.Get(key).(string)
	return v
}

func (s *Store) GetInt(key string) int {
	v, _ := s.Get(key).(int)
	return v
}

func (s *Store) GetBool(key string) bool {
	v, _ := s.Get(key).(bool)
	return v
}

func (s *Store) GetStringSlice(key string) []string {
	v, _ := s.Get(key).([]string)
	return v
}

// Set validates and commits a new value for key, logging the change at
// debug level. It is a no-op if the value is unchanged.
func (s *Store) Set(key string, value any) error {
	item, ok := s.schema[key]
	if !ok {
		return &bbrerrors.ConfigError{Key: key, Reason: "undeclared key"}
	}
	if item.Validate != nil && !item.Validate(value) {
		return &bbrerrors.ConfigError{Key: key, Reason: "validation failed"}
	}

	s.mu.Lock()
	changed := !equal(s.values[key], value)
	if changed {
		s.values[key] = value
	}
	persistent := item.Persistent
	var snapErr error
	if changed && persistent && s.path != "" {
		snapErr = s.snapshotLocked()
	}
	s.mu.Unlock()

	if changed {
		s.log.Debugw("config updated", "key", key, "value", value)
	}
	return snapErr
}

// Delete removes key's value entirely (kibra's db.delete).
func (s *Store) Delete(key string) {
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
}

// snapshotLocked must be called with s.mu held for writing.
func (s *Store) snapshotLocked() error {
	doc := make(map[string]any)
	for key, item := range s.schema {
		if !item.Persistent {
			continue
		}
		if v, ok := s.values[key]; ok {
			doc[key] = v
		}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &bbrerrors.ConfigError{Key: s.path, Reason: "marshal persisted document", Wrapped: err}
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return &bbrerrors.ConfigError{Key: s.path, Reason: "create config directory", Wrapped: err}
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &bbrerrors.ConfigError{Key: s.path, Reason: "write persisted document", Wrapped: err}
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return &bbrerrors.ConfigError{Key: s.path, Reason: "rename persisted document", Wrapped: err}
	}
	return nil
}

// SetTestOverride installs a one-shot forced status for the next
// matching resource handler invocation. It exists only so an
// interoperability test harness can force a response status; no
// production code path calls it (spec.md §9 "Status sentinel values").
func (s *Store) SetTestOverride(status int) {
	s.testOverrideMu.Lock()
	defer s.testOverrideMu.Unlock()
	s.testOverride = &status
}

// ConsumeTestOverride returns and clears the harness override, if any.
func (s *Store) ConsumeTestOverride() (int, bool) {
	s.testOverrideMu.Lock()
	defer s.testOverrideMu.Unlock()
	if s.testOverride == nil {
		return 0, false
	}
	v := *s.testOverride
	s.testOverride = nil
	return v, true
}

func equal(a, b any) bool {
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as == bs
	}
	return fmt.Sprint(a) == fmt.Sprint(b) && a != nil == (b != nil)
}

func coerce(kind Kind, raw any) (any, bool) {
	switch kind {
	case KindString:
		v, ok := raw.(string)
		return v, ok
	case KindInt:
		f, ok := raw.(float64)
		if !ok {
			return nil, false
		}
		return int(f), true
	case KindBool:
		v, ok := raw.(bool)
		return v, ok
	case KindStringList:
		arr, ok := raw.([]any)
		if !ok {
			return nil, false
		}
		out := make([]string, 0, len(arr))
		for _, e := range arr {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	case KindBytes:
		v, ok := raw.(string)
		return []byte(v), ok
	}
	return nil, false
}
