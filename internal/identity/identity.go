// Package identity implements the Proxy Identity Resolver (spec.md §4.F):
// it maps an Envoy node handshake to a scope key and performs admission
// control, rejecting unknown or unauthorized nodes.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	"github.com/miekg/dns"

	"github.com/flowplane/flowplane/internal/domain"
	"github.com/flowplane/flowplane/internal/repository"
)

var (
	// ErrUnknownDataplane is returned when no dataplane matches the
	// handshake's node.cluster.
	ErrUnknownDataplane = errors.New("identity: no dataplane matches node.cluster")
	// ErrAmbiguousDataplane is returned when more than one dataplane
	// across teams matches node.cluster (spec.md §4.F "if ambiguous
	// across teams, the resolver must reject").
	ErrAmbiguousDataplane = errors.New("identity: node.cluster matches more than one dataplane")
	// ErrAdmissionDenied is returned when the peer's verified mTLS
	// identity does not match the resolved dataplane's configured one.
	ErrAdmissionDenied = errors.New("identity: peer identity does not match dataplane")
	// ErrDNSVerificationFailed is returned when strict-DNS mode is
	// enabled and the dataplane's gateway host does not resolve to the
	// peer's observed address.
	ErrDNSVerificationFailed = errors.New("identity: peer address not covered by dataplane gateway host DNS")
)

// Resolver maps node handshakes to scope keys against a Repository's team
// and dataplane listings.
type Resolver struct {
	repo          repository.Repository
	requireMTLS   bool
	strictDNS     bool
	dnsClient     *dns.Client
	dnsServerAddr string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMTLSAdmission requires the peer's verified identity (passed to
// Resolve) to match the resolved dataplane's configured Identity.
func WithMTLSAdmission() Option {
	return func(r *Resolver) { r.requireMTLS = true }
}

// WithStrictDNS additionally verifies that the dataplane's GatewayHost
// resolves (via the given DNS server, e.g. "127.0.0.1:53") to an address
// that matches the peer's observed source IP, using miekg/dns directly
// rather than the platform resolver so the check is deterministic and
// testable (spec.md §9 leaves the exact node->dataplane mapping policy
// configurable; this is one such policy knob).
func WithStrictDNS(serverAddr string) Option {
	return func(r *Resolver) {
		r.strictDNS = true
		r.dnsClient = &dns.Client{}
		r.dnsServerAddr = serverAddr
	}
}

// New creates a Resolver backed by repo.
func New(repo repository.Repository, opts ...Option) *Resolver {
	r := &Resolver{repo: repo}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// PeerInfo carries what the ADS Server observed about the connection's
// transport identity, independent of the xDS node handshake.
type PeerInfo struct {
	// VerifiedIdentity is the mTLS peer's CN, SPIFFE URI, or fingerprint,
	// empty if the connection isn't using client certificates.
	VerifiedIdentity string
	// Addr is the peer's observed network address (host only).
	Addr string
}

// Resolve maps node to a scope key, applying admission control. With mTLS
// admission enabled, a dataplane that has a configured Identity is admitted
// only on a matching verified peer identity; a dataplane with an empty
// Identity is still admitted on node.cluster match alone.
func (r *Resolver) Resolve(ctx context.Context, node *corev3.Node, peer PeerInfo) (domain.ScopeKey, error) {
	clusterName := node.GetCluster()
	if node.GetId() == "" || clusterName == "" {
		return domain.ScopeKey{}, fmt.Errorf("identity: node.id and node.cluster are required")
	}

	teams, err := r.repo.Teams(ctx)
	if err != nil {
		return domain.ScopeKey{}, fmt.Errorf("identity: listing teams: %w", err)
	}

	var match *domain.Dataplane
	for _, team := range teams {
		planes, err := r.repo.Dataplanes(ctx, team.Name)
		if err != nil {
			return domain.ScopeKey{}, fmt.Errorf("identity: listing dataplanes for team %s: %w", team.Name, err)
		}
		for i := range planes {
			if planes[i].Name != clusterName {
				continue
			}
			if match != nil {
				return domain.ScopeKey{}, ErrAmbiguousDataplane
			}
			p := planes[i]
			match = &p
		}
	}
	if match == nil {
		return domain.ScopeKey{}, ErrUnknownDataplane
	}

	if r.requireMTLS && match.Identity != "" {
		if peer.VerifiedIdentity == "" || peer.VerifiedIdentity != match.Identity {
			return domain.ScopeKey{}, ErrAdmissionDenied
		}
	}

	if r.strictDNS && match.GatewayHost != "" {
		if err := r.verifyDNS(ctx, match.GatewayHost, peer.Addr); err != nil {
			return domain.ScopeKey{}, err
		}
	}

	return domain.ScopeKey{Team: match.Team, DataplaneID: match.ID}, nil
}

func (r *Resolver) verifyDNS(ctx context.Context, host, peerAddr string) error {
	if peerAddr == "" {
		return ErrDNSVerificationFailed
	}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	in, _, err := r.dnsClient.ExchangeContext(ctx, msg, r.dnsServerAddr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDNSVerificationFailed, err)
	}
	for _, ans := range in.Answer {
		a, ok := ans.(*dns.A)
		if !ok {
			continue
		}
		if a.A.String() == peerAddr || matchesHost(peerAddr, a.A.String()) {
			return nil
		}
	}
	return ErrDNSVerificationFailed
}

func matchesHost(peerAddr, resolved string) bool {
	host, _, err := net.SplitHostPort(peerAddr)
	if err != nil {
		host = peerAddr
	}
	return host == resolved
}
