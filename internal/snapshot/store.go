// Package snapshot implements the Resource Snapshot Store (spec.md §4.A):
// per-scope, immutable, versioned views built from translated protobuf
// resources, with lock-free reads and short-lived exclusive writes per
// scope (spec.md §5 "Shared resources").
package snapshot

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"

	"google.golang.org/protobuf/encoding/protojson"
	"sigs.k8s.io/yaml"

	"github.com/flowplane/flowplane/internal/domain"
	"github.com/flowplane/flowplane/internal/translator"
)

// KindView is one kind's slice of a Snapshot: every translated resource of
// that kind currently in scope, plus the aggregate version hash that
// becomes the response's version_info (spec.md §4.C.3).
type KindView struct {
	Resources map[string]translator.Translated
	Version   string
}

// Snapshot is an immutable, versioned view for one scope (spec.md §3).
// Once constructed a Snapshot is never mutated; Store.Rebuild always
// produces a new value, reusing unchanged KindViews by reference so their
// version hashes provably do not change (invariant 2).
type Snapshot struct {
	Scope      domain.ScopeKey
	Generation uint64
	Kinds      map[domain.Kind]KindView
}

// Resources returns the resources of kind, filtered to names if names is
// non-empty (explicit subscription); an empty names means wildcard — every
// resource of that kind currently in the snapshot.
func (s *Snapshot) Resources(kind domain.Kind, names map[string]struct{}) []translator.Translated {
	view, ok := s.Kinds[kind]
	if !ok {
		return nil
	}
	if len(names) == 0 {
		out := make([]translator.Translated, 0, len(view.Resources))
		for _, r := range view.Resources {
			out = append(out, r)
		}
		return out
	}
	out := make([]translator.Translated, 0, len(names))
	for n := range names {
		if r, ok := view.Resources[n]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Version returns the per-kind aggregate version, or "" if the kind has
// never been populated in this scope or currently holds no resources.
func (s *Snapshot) Version(kind domain.Kind) string {
	return s.Kinds[kind].Version
}

// DumpYAML renders every resource in the snapshot as YAML, grouped by kind
// in spec.md §4.C send order, for the admin API's /debug/snapshot/{scope}
// route (analogous to the teacher's Manager.ConfigAsYAML/ServeHTTP).
func (s *Snapshot) DumpYAML() ([]byte, error) {
	type kindDump struct {
		Kind      string            `json:"kind"`
		Version   string            `json:"version"`
		Resources []json.RawMessage `json:"resources"`
	}
	dump := struct {
		Scope      string     `json:"scope"`
		Generation uint64     `json:"generation"`
		Kinds      []kindDump `json:"kinds"`
	}{
		Scope:      s.Scope.String(),
		Generation: s.Generation,
	}

	marshaler := protojson.MarshalOptions{EmitUnpopulated: true}
	for _, kind := range domain.AllKinds() {
		view := s.Kinds[kind]
		names := make([]string, 0, len(view.Resources))
		for n := range view.Resources {
			names = append(names, n)
		}
		sort.Strings(names)

		kd := kindDump{Kind: string(kind), Version: view.Version}
		for _, n := range names {
			j, err := marshaler.Marshal(view.Resources[n].Message)
			if err != nil {
				return nil, err
			}
			kd.Resources = append(kd.Resources, json.RawMessage(j))
		}
		dump.Kinds = append(dump.Kinds, kd)
	}

	js, err := json.Marshal(dump)
	if err != nil {
		return nil, err
	}
	return yaml.JSONToYAML(js)
}

// BuildFunc produces the current KindView for one kind, given whatever
// repository/lookup state the caller (internal/bus) has assembled for the
// scope. It must be pure with respect to that input (spec.md §4.E).
type BuildFunc func(kind domain.Kind) (KindView, error)

type scopeState struct {
	mu      sync.Mutex // serializes writers for this scope only
	current atomic.Pointer[Snapshot]
	history map[uint64]*Snapshot
	refs    map[uint64]int
}

// Store holds one scopeState per scope key. All public methods are safe
// for concurrent use across many scopes and many goroutines.
type Store struct {
	mu     sync.Mutex // guards the scopes map itself, not its contents
	scopes map[domain.ScopeKey]*scopeState
}

// New creates an empty Store.
func New() *Store {
	return &Store{scopes: make(map[domain.ScopeKey]*scopeState)}
}

func (s *Store) scope(key domain.ScopeKey) *scopeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.scopes[key]
	if !ok {
		st = &scopeState{history: make(map[uint64]*Snapshot), refs: make(map[uint64]int)}
		s.scopes[key] = st
	}
	return st
}

// Current returns the latest snapshot for scope, building one from scratch
// via buildAll on first access (spec.md §4.A "builds on first access").
func (s *Store) Current(scope domain.ScopeKey, buildAll func() (map[domain.Kind]KindView, error)) (*Snapshot, error) {
	st := s.scope(scope)
	if snap := st.current.Load(); snap != nil {
		return snap, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if snap := st.current.Load(); snap != nil {
		return snap, nil
	}
	kinds, err := buildAll()
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Scope: scope, Generation: 1, Kinds: kinds}
	st.current.Store(snap)
	st.history[1] = snap
	return snap, nil
}

// Rebuild recomputes only the kinds named in dirtyKinds, preserving every
// other kind by reference. It returns a new Snapshot with an incremented
// generation only if at least one kind's aggregate hash actually changed;
// otherwise it returns the existing snapshot unchanged, making Rebuild
// idempotent (spec.md §4.A, invariant 3).
func (s *Store) Rebuild(scope domain.ScopeKey, dirtyKinds []domain.Kind, build BuildFunc) (*Snapshot, error) {
	st := s.scope(scope)
	st.mu.Lock()
	defer st.mu.Unlock()

	cur := st.current.Load()
	base := map[domain.Kind]KindView{}
	var baseGen uint64
	if cur != nil {
		for k, v := range cur.Kinds {
			base[k] = v
		}
		baseGen = cur.Generation
	}

	changed := false
	for _, kind := range dedupKinds(dirtyKinds) {
		view, err := build(kind)
		if err != nil {
			return nil, err
		}
		if base[kind].Version != view.Version {
			changed = true
		}
		base[kind] = view
	}

	if !changed {
		// cur may be nil here: a scope nobody has touched yet that turned
		// out to have nothing dirty for it either (spec.md §4.B's
		// conservative superset can name scopes with no real change).
		// Returning (nil, nil) rather than manufacturing a generation
		// keeps an untouched scope fully unbuilt until something actually
		// populates it or a session connects (Store.Current's lazy build).
		return cur, nil
	}

	gen := baseGen + 1
	snap := &Snapshot{Scope: scope, Generation: gen, Kinds: base}
	st.current.Store(snap)
	st.history[gen] = snap
	return snap, nil
}

func dedupKinds(kinds []domain.Kind) []domain.Kind {
	seen := make(map[domain.Kind]struct{}, len(kinds))
	out := make([]domain.Kind, 0, len(kinds))
	for _, k := range kinds {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// Acquire increments the reference count of a generation a session is
// currently holding (as last_sent_generation), protecting it from GC.
func (s *Store) Acquire(scope domain.ScopeKey, generation uint64) {
	st := s.scope(scope)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.refs[generation]++
}

// Release decrements a generation's reference count, called when a session
// moves on to a newer generation or terminates (spec.md §5 "Cancellation").
func (s *Store) Release(scope domain.ScopeKey, generation uint64) {
	st := s.scope(scope)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.refs[generation] > 0 {
		st.refs[generation]--
	}
	if st.refs[generation] == 0 {
		delete(st.refs, generation)
	}
}

// GC drops retained snapshots older than keepSinceGeneration that no
// session still references, never dropping the current generation
// (spec.md §4.A).
func (s *Store) GC(scope domain.ScopeKey, keepSinceGeneration uint64) {
	st := s.scope(scope)
	st.mu.Lock()
	defer st.mu.Unlock()
	cur := st.current.Load()
	var curGen uint64
	if cur != nil {
		curGen = cur.Generation
	}
	for gen := range st.history {
		if gen >= keepSinceGeneration || gen == curGen {
			continue
		}
		if st.refs[gen] > 0 {
			continue
		}
		delete(st.history, gen)
	}
}

// Retained reports how many historical generations are currently held for
// scope, for tests and metrics.
func (s *Store) Retained(scope domain.ScopeKey) int {
	st := s.scope(scope)
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.history)
}
