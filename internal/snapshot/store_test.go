package snapshot

import (
	"testing"

	"github.com/flowplane/flowplane/internal/domain"
	"github.com/flowplane/flowplane/internal/translator"
)

var testScope = domain.ScopeKey{Team: "teamA", DataplaneID: "dp1"}

func viewOf(hash string) KindView {
	return KindView{
		Resources: map[string]translator.Translated{"r1": {Name: "r1", Hash: hash}},
		Version:   hash,
	}
}

func TestRebuildIdempotentWhenNothingChanges(t *testing.T) {
	s := New()
	build := func(kind domain.Kind) (KindView, error) { return viewOf("v1"), nil }

	snap1, err := s.Rebuild(testScope, []domain.Kind{domain.KindCluster}, build)
	if err != nil {
		t.Fatal(err)
	}
	if snap1.Generation != 1 {
		t.Fatalf("expected generation 1 on first build, got %d", snap1.Generation)
	}

	snap2, err := s.Rebuild(testScope, []domain.Kind{domain.KindCluster}, build)
	if err != nil {
		t.Fatal(err)
	}
	if snap2.Generation != snap1.Generation {
		t.Fatalf("expected rebuild with no change to be idempotent: gen %d != %d", snap2.Generation, snap1.Generation)
	}
	if snap2 != snap1 {
		t.Fatal("expected the exact same snapshot pointer when nothing changed")
	}
}

func TestRebuildBumpsGenerationOnChange(t *testing.T) {
	s := New()
	hash := "v1"
	build := func(kind domain.Kind) (KindView, error) { return viewOf(hash), nil }

	snap1, _ := s.Rebuild(testScope, []domain.Kind{domain.KindCluster}, build)
	hash = "v2"
	snap2, _ := s.Rebuild(testScope, []domain.Kind{domain.KindCluster}, build)

	if snap2.Generation <= snap1.Generation {
		t.Fatalf("expected generation to strictly increase, got %d -> %d", snap1.Generation, snap2.Generation)
	}
}

func TestRebuildPreservesUnchangedKindsByReference(t *testing.T) {
	s := New()
	clusterHash := "c1"
	build := func(kind domain.Kind) (KindView, error) {
		if kind == domain.KindCluster {
			return viewOf(clusterHash), nil
		}
		return viewOf("listener-v1"), nil
	}

	snap1, _ := s.Rebuild(testScope, []domain.Kind{domain.KindCluster, domain.KindListener}, build)
	listenerBefore := snap1.Kinds[domain.KindListener]

	clusterHash = "c2"
	snap2, _ := s.Rebuild(testScope, []domain.Kind{domain.KindCluster}, build)

	if snap2.Kinds[domain.KindCluster].Version != "c2" {
		t.Fatalf("expected cluster kind to update, got %s", snap2.Kinds[domain.KindCluster].Version)
	}
	listenerAfter := snap2.Kinds[domain.KindListener]
	if listenerAfter.Version != listenerBefore.Version {
		t.Fatalf("expected listener kind untouched, got %s != %s", listenerAfter.Version, listenerBefore.Version)
	}
}

func TestCurrentBuildsOnFirstAccess(t *testing.T) {
	s := New()
	calls := 0
	buildAll := func() (map[domain.Kind]KindView, error) {
		calls++
		return map[domain.Kind]KindView{domain.KindCluster: viewOf("v1")}, nil
	}
	snap, err := s.Current(testScope, buildAll)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Generation != 1 {
		t.Fatalf("expected generation 1, got %d", snap.Generation)
	}
	if _, err := s.Current(testScope, buildAll); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected buildAll to run once, ran %d times", calls)
	}
}

func TestGCKeepsReferencedGenerations(t *testing.T) {
	s := New()
	hash := "v1"
	build := func(kind domain.Kind) (KindView, error) { return viewOf(hash), nil }

	snap1, _ := s.Rebuild(testScope, []domain.Kind{domain.KindCluster}, build)
	s.Acquire(testScope, snap1.Generation)

	hash = "v2"
	s.Rebuild(testScope, []domain.Kind{domain.KindCluster}, build)
	hash = "v3"
	snap3, _ := s.Rebuild(testScope, []domain.Kind{domain.KindCluster}, build)

	s.GC(testScope, snap3.Generation)
	if s.Retained(testScope) < 2 {
		t.Fatal("expected referenced generation 1 to survive GC alongside current generation 3")
	}

	s.Release(testScope, snap1.Generation)
	s.GC(testScope, snap3.Generation)
	if s.Retained(testScope) != 1 {
		t.Fatalf("expected only the current generation to remain after release, got %d", s.Retained(testScope))
	}
}
