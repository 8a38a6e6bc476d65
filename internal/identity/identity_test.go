package identity

import (
	"context"
	"testing"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"

	"github.com/flowplane/flowplane/internal/domain"
	"github.com/flowplane/flowplane/internal/repository/memstore"
)

func TestResolveByNodeCluster(t *testing.T) {
	store := memstore.New()
	store.PutTeam(domain.Team{Name: "teamA", Status: domain.StatusActive})
	store.PutDataplane(domain.Dataplane{ID: "dp1", Team: "teamA", Name: "dp1"})

	r := New(store)
	scope, err := r.Resolve(context.Background(), &corev3.Node{Id: "envoy-1", Cluster: "dp1"}, PeerInfo{})
	if err != nil {
		t.Fatal(err)
	}
	if scope.Team != "teamA" || scope.DataplaneID != "dp1" {
		t.Fatalf("unexpected scope: %+v", scope)
	}
}

func TestResolveUnknownDataplaneRejected(t *testing.T) {
	store := memstore.New()
	store.PutTeam(domain.Team{Name: "teamA", Status: domain.StatusActive})

	r := New(store)
	if _, err := r.Resolve(context.Background(), &corev3.Node{Id: "envoy-1", Cluster: "nope"}, PeerInfo{}); err != ErrUnknownDataplane {
		t.Fatalf("expected ErrUnknownDataplane, got %v", err)
	}
}

func TestResolveAmbiguousAcrossTeamsRejected(t *testing.T) {
	store := memstore.New()
	store.PutTeam(domain.Team{Name: "teamA", Status: domain.StatusActive})
	store.PutTeam(domain.Team{Name: "teamB", Status: domain.StatusActive})
	store.PutDataplane(domain.Dataplane{ID: "dp1", Team: "teamA", Name: "shared-name"})
	store.PutDataplane(domain.Dataplane{ID: "dp2", Team: "teamB", Name: "shared-name"})

	r := New(store)
	if _, err := r.Resolve(context.Background(), &corev3.Node{Id: "envoy-1", Cluster: "shared-name"}, PeerInfo{}); err != ErrAmbiguousDataplane {
		t.Fatalf("expected ErrAmbiguousDataplane, got %v", err)
	}
}

func TestResolveMissingNodeFieldsRejected(t *testing.T) {
	store := memstore.New()
	r := New(store)
	if _, err := r.Resolve(context.Background(), &corev3.Node{Id: "envoy-1"}, PeerInfo{}); err == nil {
		t.Fatal("expected an error when node.cluster is empty")
	}
}

func TestResolveMTLSAdmissionDenied(t *testing.T) {
	store := memstore.New()
	store.PutTeam(domain.Team{Name: "teamA", Status: domain.StatusActive})
	store.PutDataplane(domain.Dataplane{ID: "dp1", Team: "teamA", Name: "dp1", Identity: "spiffe://cluster/dp1"})

	r := New(store, WithMTLSAdmission())
	if _, err := r.Resolve(context.Background(), &corev3.Node{Id: "envoy-1", Cluster: "dp1"}, PeerInfo{VerifiedIdentity: "spiffe://cluster/other"}); err != ErrAdmissionDenied {
		t.Fatalf("expected ErrAdmissionDenied, got %v", err)
	}
	if _, err := r.Resolve(context.Background(), &corev3.Node{Id: "envoy-1", Cluster: "dp1"}, PeerInfo{VerifiedIdentity: "spiffe://cluster/dp1"}); err != nil {
		t.Fatalf("expected matching identity to be admitted, got %v", err)
	}
}
