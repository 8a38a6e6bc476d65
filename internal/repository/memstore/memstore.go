// Package memstore is the default Repository implementation: an in-process,
// mutex-guarded store that is the single writer for its own state (spec.md
// §1/§9 assume a single writer; HA is a deployment concern). It is the
// direct generalization of r1cht4-envoyage's Registry (one map, one version
// counter, one change callback) to the full record/team/dataplane model,
// with the callback replaced by a fanned-out channel so the Change Bus (and
// tests) can subscribe without the store knowing who its consumers are.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowplane/flowplane/internal/domain"
	"github.com/flowplane/flowplane/internal/repository"
)

type recordKey struct {
	kind domain.Kind
	team string
	name string
}

// Store is a transactional, in-memory Repository.
type Store struct {
	mu sync.Mutex

	teams      map[string]domain.Team
	dataplanes map[string]map[string]domain.Dataplane // team -> name -> dataplane
	records    map[recordKey]domain.Record

	nextRevision uint64

	// subs maps each subscriber's raw channel (see Changes) to a stop
	// channel the subscriber closes when it's done reading, so publish
	// never has to block forever on a subscriber that has already given up.
	subs   map[chan domain.ChangeEvent]chan struct{}
	subsMu sync.Mutex
}

// New creates an empty store.
func New() *Store {
	return &Store{
		teams:      make(map[string]domain.Team),
		dataplanes: make(map[string]map[string]domain.Dataplane),
		records:    make(map[recordKey]domain.Record),
		subs:       make(map[chan domain.ChangeEvent]chan struct{}),
	}
}

var _ repository.Repository = (*Store)(nil)

// PutTeam creates or replaces a team.
func (s *Store) PutTeam(t domain.Team) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teams[t.Name] = t
}

// PutDataplane creates or replaces a dataplane.
func (s *Store) PutDataplane(d domain.Dataplane) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dataplanes[d.Team] == nil {
		s.dataplanes[d.Team] = make(map[string]domain.Dataplane)
	}
	s.dataplanes[d.Team][d.Name] = d
}

// Put creates or updates a record in place, bumping its revision, and
// notifies subscribers. The caller's Body replaces the prior body entirely.
func (s *Store) Put(rec domain.Record) (domain.Record, error) {
	if rec.Kind == "" || rec.Team == "" || rec.Name == "" {
		return domain.Record{}, fmt.Errorf("memstore: kind, team, and name are required")
	}
	s.mu.Lock()
	key := recordKey{kind: rec.Kind, team: rec.Team, name: rec.Name}
	existing, ok := s.records[key]
	if ok {
		rec.ID = existing.ID
	} else if rec.ID == "" {
		rec.ID = fmt.Sprintf("%s/%s/%s", rec.Kind, rec.Team, rec.Name)
	}
	s.nextRevision++
	rec.Revision = s.nextRevision
	s.records[key] = rec
	s.mu.Unlock()

	s.publish(domain.ChangeEvent{Kind: rec.Kind, Team: rec.Team, Name: rec.Name, Revision: rec.Revision})
	return rec, nil
}

// Delete removes a record and notifies subscribers. It is a no-op if the
// record does not exist.
func (s *Store) Delete(kind domain.Kind, team, name string) {
	s.mu.Lock()
	key := recordKey{kind: kind, team: team, name: name}
	if _, ok := s.records[key]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.records, key)
	s.nextRevision++
	rev := s.nextRevision
	s.mu.Unlock()

	s.publish(domain.ChangeEvent{Kind: kind, Team: team, Name: name, Revision: rev})
}

func (s *Store) publish(ev domain.ChangeEvent) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch, stop := range s.subs {
		// ch is drained by Changes' pump goroutine; stop is closed by that
		// same goroutine as it exits, so a subscriber that has stopped
		// reading (e.g. its ctx was canceled concurrently with this publish)
		// can never wedge this call, and with it every other Put/Delete.
		select {
		case ch <- ev:
		case <-stop:
		}
	}
}

func (s *Store) List(_ context.Context, kind domain.Kind, team string) ([]domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Record
	for k, r := range s.records {
		if k.kind == kind && k.team == team {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) Get(_ context.Context, kind domain.Kind, team, name string) (domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[recordKey{kind: kind, team: team, name: name}]
	if !ok {
		return domain.Record{}, repository.ErrNotFound
	}
	return r, nil
}

func (s *Store) Teams(_ context.Context) ([]domain.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Team, 0, len(s.teams))
	for _, t := range s.teams {
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) Dataplanes(_ context.Context, team string) ([]domain.Dataplane, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Dataplane, 0, len(s.dataplanes[team]))
	for _, d := range s.dataplanes[team] {
		out = append(out, d)
	}
	return out, nil
}

// Changes registers a new subscriber. Each subscriber gets its own
// internally-pumped, unbounded-ish queue (backed by a goroutine draining an
// unbuffered publish channel into a growable slice) so one slow consumer
// never blocks Put/Delete, satisfying the at-least-once, never-blocks-a-
// writer guarantee of spec.md §6.2.
func (s *Store) Changes(ctx context.Context) (<-chan domain.ChangeEvent, error) {
	raw := make(chan domain.ChangeEvent)
	stop := make(chan struct{})
	out := make(chan domain.ChangeEvent, 64)

	s.subsMu.Lock()
	s.subs[raw] = stop
	s.subsMu.Unlock()

	go func() {
		defer func() {
			// Closing stop first unblocks any publish currently selecting
			// on this subscriber's raw channel before we take subsMu below,
			// so that lock acquisition can never deadlock against publish.
			close(stop)
			s.subsMu.Lock()
			delete(s.subs, raw)
			s.subsMu.Unlock()
			close(out)
		}()
		var pending []domain.ChangeEvent
		for {
			var sendCh chan domain.ChangeEvent
			var next domain.ChangeEvent
			if len(pending) > 0 {
				sendCh = out
				next = pending[0]
			}
			select {
			case <-ctx.Done():
				return
			case ev := <-raw:
				pending = append(pending, ev)
			case sendCh <- next:
				pending = pending[1:]
			}
		}
	}()

	return out, nil
}
