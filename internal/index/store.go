// Package index aggregates implementor fragments into a single queryable index.
//
// Each fragment contributes the crate → implementor records mapping for exactly one
// group (a documented trait). Fragments arrive independently and in any order, and may
// arrive before the Store has been initialized. Contributions registered before
// Initialize are buffered and replayed in arrival order when Initialize runs; after
// that, contributions are applied directly.
//
// The Store moves through three states:
//
//	Uninitialized --Initialize--> Draining --(buffer replayed)--> Ready
//
// Ready is terminal. Lookups before Ready report not-found rather than waiting;
// consumers that need to wait select on Ready().
package index

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrDuplicateGroup is returned when a group key is registered a second time.
	// It always indicates a defect in whatever generated the fragments.
	ErrDuplicateGroup = errors.New("group already registered")

	// ErrAlreadyInitialized is returned by a second call to Initialize.
	ErrAlreadyInitialized = errors.New("index already initialized")

	// ErrNotReady is returned by Apply before Initialize has completed.
	ErrNotReady = errors.New("index not ready")
)

type pendingFragment struct {
	group        string
	contribution *Contribution
}

// Store owns the aggregated index and the pending buffer.
type Store struct {
	mu      sync.Mutex
	state   state
	groups  map[string]*Contribution
	order   []string
	pending []pendingFragment
	// seen holds every accepted group key, applied or still pending.
	seen  map[string]struct{}
	ready chan struct{}
}

type state int

const (
	stateUninitialized state = iota
	stateDraining
	stateReady
)

func (s state) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateDraining:
		return "draining"
	case stateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func New() *Store {
	return &Store{
		seen:  make(map[string]struct{}),
		ready: make(chan struct{}),
	}
}

// RegisterFragment hands one fragment's contribution to the store. Before the store is
// ready the contribution is buffered; afterwards it is applied immediately. It never
// waits for initialization.
func (s *Store) RegisterFragment(group string, c *Contribution) error {
	_, err := s.Register(group, c)
	return err
}

// Register is RegisterFragment that also reports whether the contribution was held in
// the pending buffer rather than applied. The answer is decided under the same lock as
// the registration, so it cannot disagree with a concurrent Initialize.
func (s *Store) Register(group string, c *Contribution) (buffered bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.seen[group]; dup {
		return false, fmt.Errorf("registering %q: %w", group, ErrDuplicateGroup)
	}
	s.seen[group] = struct{}{}

	c = c.Clone()
	if s.state != stateReady {
		s.pending = append(s.pending, pendingFragment{group: group, contribution: c})
		return true, nil
	}
	return false, s.applyLocked(group, c)
}

// Initialize creates the aggregated index, replays every buffered contribution in
// arrival order and marks the store ready. Registrations racing with Initialize are
// applied after the whole buffered batch.
func (s *Store) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateUninitialized {
		return fmt.Errorf("initializing (state %s): %w", s.state, ErrAlreadyInitialized)
	}

	s.groups = make(map[string]*Contribution, len(s.pending))
	s.state = stateDraining
	for _, p := range s.pending {
		if err := s.applyLocked(p.group, p.contribution); err != nil {
			// seen rejects duplicates before they are buffered, so this is unreachable
			// unless the store's own bookkeeping is broken.
			panic(fmt.Sprintf("index: draining pending buffer: %v", err))
		}
	}
	s.pending = nil
	s.state = stateReady
	close(s.ready)
	return nil
}

// Apply inserts a contribution directly into a ready index.
func (s *Store) Apply(group string, c *Contribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateReady {
		return fmt.Errorf("applying %q: %w", group, ErrNotReady)
	}
	if _, dup := s.seen[group]; dup {
		return fmt.Errorf("applying %q: %w", group, ErrDuplicateGroup)
	}
	s.seen[group] = struct{}{}
	return s.applyLocked(group, c.Clone())
}

func (s *Store) applyLocked(group string, c *Contribution) error {
	if _, ok := s.groups[group]; ok {
		return fmt.Errorf("applying %q: %w", group, ErrDuplicateGroup)
	}
	s.groups[group] = c
	s.order = append(s.order, group)
	return nil
}

// Lookup returns a snapshot of the crate mapping for group. It reports false for groups
// that were never registered and for every group while the store is not yet ready.
func (s *Store) Lookup(group string) (*Contribution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateReady {
		return nil, false
	}
	c, ok := s.groups[group]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// IsReady reports whether Initialize has finished draining the pending buffer.
func (s *Store) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateReady
}

// Ready returns a channel that is closed once the store is ready.
func (s *Store) Ready() <-chan struct{} {
	return s.ready
}

// Groups returns the applied group keys in the order they were applied.
func (s *Store) Groups() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

type Stats struct {
	Ready   bool
	Groups  int
	Pending int
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Ready:   s.state == stateReady,
		Groups:  len(s.groups),
		Pending: len(s.pending),
	}
}
