package xdssession

import (
	"testing"

	discovery "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"go.uber.org/zap"

	"github.com/flowplane/flowplane/internal/domain"
	"github.com/flowplane/flowplane/internal/snapshot"
	"github.com/flowplane/flowplane/internal/translator"
)

func mkView(names ...string) snapshot.KindView {
	resources := map[string]translator.Translated{}
	var ordered []translator.Translated
	for _, n := range names {
		t := translator.Translated{Name: n, Message: wrapperspb.String(n), Hash: "h-" + n}
		resources[n] = t
		ordered = append(ordered, t)
	}
	return snapshot.KindView{Resources: resources, Version: translator.AggregateHash(ordered)}
}

func mkSnapshot(scope domain.ScopeKey, gen uint64, listeners []string) *snapshot.Snapshot {
	return &snapshot.Snapshot{
		Scope:      scope,
		Generation: gen,
		Kinds: map[domain.Kind]snapshot.KindView{
			domain.KindCluster:     mkView("c1"),
			domain.KindEndpoint:    mkView(),
			domain.KindRouteConfig: mkView("rc1"),
			domain.KindListener:    mkView(listeners...),
		},
	}
}

func discReq(typeURL, version, nonce string, names []string, nack bool) *discovery.DiscoveryRequest {
	r := &discovery.DiscoveryRequest{TypeUrl: typeURL, VersionInfo: version, ResponseNonce: nonce, ResourceNames: names}
	if nack {
		r.ErrorDetail = &rpcstatus.Status{Message: "bad config"}
	}
	return r
}

var testScope = domain.ScopeKey{Team: "teamA", DataplaneID: "dp1"}

func TestSessionInitialSyncFourKinds(t *testing.T) {
	store := snapshot.New()
	s := New(testScope, store, zap.NewNop())
	snap := mkSnapshot(testScope, 1, []string{"l1"})

	for _, kind := range domain.AllKinds() {
		resp, err := s.HandleRequest(snap, discReq(kind.TypeURL(), "", "", nil, false))
		if err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		if resp == nil {
			t.Fatalf("%s: expected an initial response", kind)
		}
		if resp.GetVersionInfo() == "" {
			t.Fatalf("%s: expected non-empty version_info", kind)
		}
		if resp.GetNonce() == "" {
			t.Fatalf("%s: expected non-empty nonce", kind)
		}
		if resp.GetTypeUrl() != kind.TypeURL() {
			t.Fatalf("%s: wrong type_url echoed", kind)
		}
	}
}

func TestSessionUpdatePropagationOnlyTouchedKinds(t *testing.T) {
	store := snapshot.New()
	s := New(testScope, store, zap.NewNop())
	snap1 := mkSnapshot(testScope, 1, []string{"l1"})

	for _, kind := range domain.AllKinds() {
		if _, err := s.HandleRequest(snap1, discReq(kind.TypeURL(), "", "", nil, false)); err != nil {
			t.Fatal(err)
		}
		// ACK it.
		ks := s.kinds[kind]
		if _, err := s.HandleRequest(snap1, discReq(kind.TypeURL(), ks.lastSentVersion, ks.pendingNonce, nil, false)); err != nil {
			t.Fatal(err)
		}
	}

	// Only cluster's content actually changes in generation 2 (endpoint,
	// route_config, listener views are byte-identical to generation 1).
	snap2 := &snapshot.Snapshot{
		Scope:      testScope,
		Generation: 2,
		Kinds: map[domain.Kind]snapshot.KindView{
			domain.KindCluster:     mkView("c1", "c2"),
			domain.KindEndpoint:    snap1.Kinds[domain.KindEndpoint],
			domain.KindRouteConfig: snap1.Kinds[domain.KindRouteConfig],
			domain.KindListener:    snap1.Kinds[domain.KindListener],
		},
	}

	resps := s.HandleWake(snap2)
	if len(resps) != 1 {
		t.Fatalf("expected exactly one response (cluster only), got %d", len(resps))
	}
	if resps[0].GetTypeUrl() != domain.KindCluster.TypeURL() {
		t.Fatalf("expected cluster response, got %s", resps[0].GetTypeUrl())
	}
}

func TestSessionNackStability(t *testing.T) {
	store := snapshot.New()
	s := New(testScope, store, zap.NewNop())
	snap1 := mkSnapshot(testScope, 1, []string{"l1"})

	kind := domain.KindListener
	resp, err := s.HandleRequest(snap1, discReq(kind.TypeURL(), "", "", nil, false))
	if err != nil || resp == nil {
		t.Fatalf("expected initial listener response: %v", err)
	}
	rejected := resp.GetVersionInfo()

	// NACK it.
	nackResp, err := s.HandleRequest(snap1, discReq(kind.TypeURL(), rejected, resp.GetNonce(), nil, true))
	if err != nil {
		t.Fatal(err)
	}
	if nackResp != nil {
		t.Fatal("expected no immediate resend of the same version after a NACK")
	}

	// A wake with no real change must not retransmit the rejected version.
	resps := s.HandleWake(snap1)
	if len(resps) != 0 {
		t.Fatalf("expected no response while content is unchanged after a NACK, got %d", len(resps))
	}

	// Only once the listener's content genuinely changes should it resend,
	// and the new version must differ from the rejected one.
	snap2 := &snapshot.Snapshot{
		Scope:      testScope,
		Generation: 2,
		Kinds: map[domain.Kind]snapshot.KindView{
			domain.KindCluster:     snap1.Kinds[domain.KindCluster],
			domain.KindEndpoint:    snap1.Kinds[domain.KindEndpoint],
			domain.KindRouteConfig: snap1.Kinds[domain.KindRouteConfig],
			domain.KindListener:    mkView("l1", "l2"),
		},
	}
	resps = s.HandleWake(snap2)
	if len(resps) != 1 {
		t.Fatalf("expected one response once listener content changed, got %d", len(resps))
	}
	if resps[0].GetVersionInfo() == rejected {
		t.Fatal("must never retransmit a NACKed version")
	}
}

func TestSessionWildcardThenExplicitSubscription(t *testing.T) {
	store := snapshot.New()
	s := New(testScope, store, zap.NewNop())
	snap := mkSnapshot(testScope, 1, []string{"l1", "l2"})

	kind := domain.KindListener
	resp, err := s.HandleRequest(snap, discReq(kind.TypeURL(), "", "", nil, false))
	if err != nil || resp == nil {
		t.Fatalf("expected wildcard initial response: %v", err)
	}
	if len(resp.GetResources()) != 2 {
		t.Fatalf("expected both listeners under wildcard, got %d", len(resp.GetResources()))
	}
	wildcardVersion := resp.GetVersionInfo()

	// ACK, then narrow to just l1.
	ackResp, err := s.HandleRequest(snap, discReq(kind.TypeURL(), wildcardVersion, resp.GetNonce(), []string{"l1"}, false))
	if err != nil {
		t.Fatal(err)
	}
	if ackResp == nil {
		t.Fatal("expected a new response once the subscription narrowed")
	}
	if len(ackResp.GetResources()) != 1 {
		t.Fatalf("expected exactly one resource after narrowing, got %d", len(ackResp.GetResources()))
	}
	if ackResp.GetVersionInfo() == wildcardVersion {
		t.Fatal("expected version_info to reflect the filtered subscription, not the wildcard one")
	}
	if ackResp.GetNonce() == resp.GetNonce() {
		t.Fatal("expected a new nonce for the narrowed response")
	}
}

func TestSessionReconnectWithMatchingVersionSendsNothing(t *testing.T) {
	store := snapshot.New()
	s := New(testScope, store, zap.NewNop())
	snap := mkSnapshot(testScope, 1, []string{"l1"})

	clusterVersion := translator.AggregateHash([]translator.Translated{{Name: "c1", Hash: "h-c1"}})

	resp, err := s.HandleRequest(snap, discReq(domain.KindCluster.TypeURL(), clusterVersion, "", nil, false))
	if err != nil {
		t.Fatal(err)
	}
	if resp != nil {
		t.Fatal("expected no response when the reconnecting client's version_info already matches current content")
	}
}

func TestSessionStaleNonceIgnored(t *testing.T) {
	store := snapshot.New()
	s := New(testScope, store, zap.NewNop())
	snap := mkSnapshot(testScope, 1, []string{"l1"})

	kind := domain.KindCluster
	if _, err := s.HandleRequest(snap, discReq(kind.TypeURL(), "", "", nil, false)); err != nil {
		t.Fatal(err)
	}
	resp, err := s.HandleRequest(snap, discReq(kind.TypeURL(), "", "some-other-nonce", nil, false))
	if err != nil {
		t.Fatal(err)
	}
	if resp != nil {
		t.Fatal("expected a mismatched nonce to be ignored")
	}
}

func TestSessionCloseReleasesGenerations(t *testing.T) {
	store := snapshot.New()
	s := New(testScope, store, zap.NewNop())
	snap := mkSnapshot(testScope, 1, []string{"l1"})

	if _, err := s.HandleRequest(snap, discReq(domain.KindCluster.TypeURL(), "", "", nil, false)); err != nil {
		t.Fatal(err)
	}
	if store.Retained(testScope) != 0 {
		// No Rebuild has happened on this store; session references are
		// tracked independently of store history population.
	}
	s.Close()
	if len(s.genRefs) != 0 {
		t.Fatalf("expected Close to clear all generation references, got %v", s.genRefs)
	}
}
