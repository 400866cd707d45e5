// Package state holds the process-wide, in-memory propagation and enrichment
// state of each date key. Entries are created lazily and live for the
// lifetime of the process.
package state

import (
	"sync"
	"time"

	"github.com/openjobspec/scan-populator/internal/core"
)

// PropagationUpdate carries the fields to merge into a PropagationState.
// Nil fields are left untouched.
type PropagationUpdate struct {
	Running *bool
	NoData  *bool
}

// AIUpdate carries the fields to merge into an AIState. Nil fields are left
// untouched; ClearError resets LastError to nil.
type AIUpdate struct {
	Running     *bool
	CompletedAt *time.Time
	LastError   *string
	ClearError  bool
}

// Store is safe for concurrent use by the scheduler, manual triggers, the
// health check and status readers.
type Store struct {
	propMu      sync.RWMutex
	propagation map[string]*core.PropagationState

	aiMu sync.RWMutex
	ai   map[string]*core.AIState
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		propagation: make(map[string]*core.PropagationState),
		ai:          make(map[string]*core.AIState),
	}
}

func normalizeKey(key string) string {
	if key == "" {
		return core.LatestKey
	}
	return key
}

// Propagation returns a copy of the propagation state of key, creating the
// default entry if absent.
func (s *Store) Propagation(key string) core.PropagationState {
	key = normalizeKey(key)

	s.propMu.RLock()
	st, ok := s.propagation[key]
	if ok {
		out := *st
		s.propMu.RUnlock()
		return out
	}
	s.propMu.RUnlock()

	s.propMu.Lock()
	defer s.propMu.Unlock()
	return *s.propagationLocked(key)
}

// SetPropagation merges u into the propagation state of key.
func (s *Store) SetPropagation(key string, u PropagationUpdate) core.PropagationState {
	key = normalizeKey(key)

	s.propMu.Lock()
	defer s.propMu.Unlock()

	st := s.propagationLocked(key)
	if u.Running != nil {
		st.Running = *u.Running
	}
	if u.NoData != nil {
		st.NoData = *u.NoData
	}
	return *st
}

func (s *Store) propagationLocked(key string) *core.PropagationState {
	st, ok := s.propagation[key]
	if !ok {
		st = &core.PropagationState{}
		s.propagation[key] = st
	}
	return st
}

// AI returns a copy of the enrichment state of key, creating the default
// entry if absent.
func (s *Store) AI(key string) core.AIState {
	key = normalizeKey(key)

	s.aiMu.RLock()
	st, ok := s.ai[key]
	if ok {
		out := copyAI(st)
		s.aiMu.RUnlock()
		return out
	}
	s.aiMu.RUnlock()

	s.aiMu.Lock()
	defer s.aiMu.Unlock()
	return copyAI(s.aiLocked(key))
}

// SetAI merges u into the enrichment state of key.
func (s *Store) SetAI(key string, u AIUpdate) core.AIState {
	key = normalizeKey(key)

	s.aiMu.Lock()
	defer s.aiMu.Unlock()

	st := s.aiLocked(key)
	if u.Running != nil {
		st.Running = *u.Running
	}
	if u.CompletedAt != nil {
		ts := *u.CompletedAt
		st.CompletedAt = &ts
	}
	if u.ClearError {
		st.LastError = nil
	}
	if u.LastError != nil {
		msg := *u.LastError
		st.LastError = &msg
	}
	return copyAI(st)
}

// RefreshCoverage replaces the coverage of key unless an enrichment run is
// in flight for it. It reports whether the coverage was written.
func (s *Store) RefreshCoverage(key string, cov core.Coverage) bool {
	key = normalizeKey(key)

	s.aiMu.Lock()
	defer s.aiMu.Unlock()

	st := s.aiLocked(key)
	if st.Running {
		return false
	}
	st.Coverage = cov
	return true
}

func (s *Store) aiLocked(key string) *core.AIState {
	st, ok := s.ai[key]
	if !ok {
		st = &core.AIState{}
		s.ai[key] = st
	}
	return st
}

func copyAI(st *core.AIState) core.AIState {
	out := *st
	if st.CompletedAt != nil {
		ts := *st.CompletedAt
		out.CompletedAt = &ts
	}
	if st.LastError != nil {
		msg := *st.LastError
		out.LastError = &msg
	}
	return out
}

// Bool returns a pointer to v, for building partial updates.
func Bool(v bool) *bool { return &v }

// String returns a pointer to v, for building partial updates.
func String(v string) *string { return &v }
