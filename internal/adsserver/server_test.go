package adsserver

import (
	"context"
	"testing"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	discovery "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/flowplane/flowplane/internal/bus"
	"github.com/flowplane/flowplane/internal/domain"
	"github.com/flowplane/flowplane/internal/identity"
	"github.com/flowplane/flowplane/internal/repository/memstore"
	"github.com/flowplane/flowplane/internal/snapshot"
	"github.com/flowplane/flowplane/internal/translator"
)

// fakeStream implements discovery.AggregatedDiscoveryService_StreamAggregatedResourcesServer
// over plain Go channels, playing the role the teacher's XDSStream interface
// played for testing pkg/xds.Manager.Stream directly without a real gRPC
// transport.
type fakeStream struct {
	ctx  context.Context
	reqs chan *discovery.DiscoveryRequest
	resp chan *discovery.DiscoveryResponse
}

func newFakeStream(ctx context.Context) *fakeStream {
	return &fakeStream{ctx: ctx, reqs: make(chan *discovery.DiscoveryRequest, 8), resp: make(chan *discovery.DiscoveryResponse, 8)}
}

func (f *fakeStream) Send(r *discovery.DiscoveryResponse) error {
	select {
	case f.resp <- r:
		return nil
	case <-f.ctx.Done():
		return f.ctx.Err()
	}
}

func (f *fakeStream) Recv() (*discovery.DiscoveryRequest, error) {
	select {
	case r, ok := <-f.reqs:
		if !ok {
			return nil, context.Canceled
		}
		return r, nil
	case <-f.ctx.Done():
		return nil, f.ctx.Err()
	}
}

func (f *fakeStream) Context() context.Context           { return f.ctx }
func (f *fakeStream) SetHeader(metadata.MD) error         { return nil }
func (f *fakeStream) SendHeader(metadata.MD) error        { return nil }
func (f *fakeStream) SetTrailer(metadata.MD)              {}
func (f *fakeStream) SendMsg(m interface{}) error         { return nil }
func (f *fakeStream) RecvMsg(m interface{}) error         { return nil }

func recvResp(t *testing.T, ch <-chan *discovery.DiscoveryResponse) *discovery.DiscoveryResponse {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a DiscoveryResponse")
		return nil
	}
}

func setupServer(t *testing.T) (*Server, *memstore.Store, *bus.Bus, context.CancelFunc) {
	t.Helper()
	store := memstore.New()
	store.PutTeam(domain.Team{Name: "teamA", Status: domain.StatusActive})
	store.PutDataplane(domain.Dataplane{ID: "dp1", Team: "teamA", Name: "dp1"})
	store.Put(domain.Record{Kind: domain.KindCluster, Team: "teamA", Name: "c1",
		Body: domain.ClusterBody{Endpoints: []domain.Endpoint{{Host: "1.1.1.1", Port: 80}}}})
	store.Put(domain.Record{Kind: domain.KindRouteConfig, Team: "teamA", Name: "rc1",
		Body: domain.RouteConfigBody{VirtualHosts: []domain.VirtualHost{{Name: "vh", Domains: []string{"*"}, Routes: []domain.Route{
			{PathPrefix: "/", Action: domain.ActionForward, Cluster: "c1"},
		}}}}})
	store.Put(domain.Record{Kind: domain.KindListener, Team: "teamA", Name: "l1",
		Body: domain.ListenerBody{Port: 10000, RouteConfigName: "rc1"}})

	snap := snapshot.New()
	b := bus.New(store, translator.New(), snap, 5*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)
	go b.ListenRepository(ctx)

	resolver := identity.New(store)
	srv := New(snap, b, resolver, zap.NewNop(), Config{IdleTimeout: time.Minute, PendingResponseTimeout: time.Minute})
	return srv, store, b, cancel
}

func initialRequest(kind domain.Kind) *discovery.DiscoveryRequest {
	return &discovery.DiscoveryRequest{
		TypeUrl: kind.TypeURL(),
		Node:    &corev3.Node{Id: "envoy-1", Cluster: "dp1"},
	}
}

func TestADSServerInitialSyncFourKinds(t *testing.T) {
	srv, _, _, cancel := setupServer(t)
	defer cancel()

	streamCtx, streamCancel := context.WithCancel(context.Background())
	defer streamCancel()
	stream := newFakeStream(streamCtx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.StreamAggregatedResources(stream) }()

	stream.reqs <- initialRequest(domain.KindCluster)
	stream.reqs <- &discovery.DiscoveryRequest{TypeUrl: domain.KindEndpoint.TypeURL()}
	stream.reqs <- &discovery.DiscoveryRequest{TypeUrl: domain.KindRouteConfig.TypeURL()}
	stream.reqs <- &discovery.DiscoveryRequest{TypeUrl: domain.KindListener.TypeURL()}

	seen := map[string]*discovery.DiscoveryResponse{}
	for i := 0; i < 4; i++ {
		r := recvResp(t, stream.resp)
		seen[r.GetTypeUrl()] = r
	}
	for _, kind := range domain.AllKinds() {
		r, ok := seen[kind.TypeURL()]
		if !ok {
			t.Fatalf("missing response for %s", kind)
		}
		if r.GetVersionInfo() == "" || r.GetNonce() == "" {
			t.Fatalf("%s: expected version_info and nonce to be set", kind)
		}
	}
	if len(seen[domain.KindCluster.TypeURL()].GetResources()) != 1 {
		t.Fatal("expected one cluster resource")
	}
	if len(seen[domain.KindListener.TypeURL()].GetResources()) != 1 {
		t.Fatal("expected one listener resource")
	}

	streamCancel()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("stream handler did not exit after cancellation")
	}
}

func TestADSServerRejectsUnknownDataplane(t *testing.T) {
	srv, _, _, cancel := setupServer(t)
	defer cancel()

	streamCtx, streamCancel := context.WithCancel(context.Background())
	defer streamCancel()
	stream := newFakeStream(streamCtx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.StreamAggregatedResources(stream) }()

	stream.reqs <- &discovery.DiscoveryRequest{
		TypeUrl: domain.KindCluster.TypeURL(),
		Node:    &corev3.Node{Id: "envoy-1", Cluster: "no-such-dataplane"},
	}

	select {
	case err := <-errCh:
		if status.Code(err) != codes.PermissionDenied {
			t.Fatalf("expected PermissionDenied, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected the stream to be rejected")
	}
}

func TestADSServerUpdatePropagation(t *testing.T) {
	srv, store, _, cancel := setupServer(t)
	defer cancel()

	streamCtx, streamCancel := context.WithCancel(context.Background())
	defer streamCancel()
	stream := newFakeStream(streamCtx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.StreamAggregatedResources(stream) }()

	stream.reqs <- initialRequest(domain.KindCluster)
	initial := recvResp(t, stream.resp)

	ack := &discovery.DiscoveryRequest{
		TypeUrl:       domain.KindCluster.TypeURL(),
		VersionInfo:   initial.GetVersionInfo(),
		ResponseNonce: initial.GetNonce(),
	}
	stream.reqs <- ack

	store.Put(domain.Record{Kind: domain.KindCluster, Team: "teamA", Name: "c1",
		Body: domain.ClusterBody{Endpoints: []domain.Endpoint{{Host: "2.2.2.2", Port: 80}}}})

	updated := recvResp(t, stream.resp)
	if updated.GetVersionInfo() == initial.GetVersionInfo() {
		t.Fatal("expected a new version_info after the endpoint update")
	}

	streamCancel()
	<-errCh
}
