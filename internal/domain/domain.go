// Package domain holds the persisted record types the xDS core translates
// and distributes. Nothing in this package knows about protobuf, gRPC, or
// Envoy wire formats — that belongs to internal/translator.
package domain

import "fmt"

// Kind identifies one of the four xDS resource families this control plane
// distributes. "secret" is accepted on input and aliased to Cluster for
// distribution purposes (spec.md §3).
type Kind string

const (
	KindCluster      Kind = "cluster"
	KindListener     Kind = "listener"
	KindRouteConfig  Kind = "route_config"
	KindEndpoint     Kind = "endpoint"
	KindSecret       Kind = "secret"
)

// TypeURL returns the xDS v3 type URL for the kind, aliasing secret to
// cluster as spec.md §3 requires.
func (k Kind) TypeURL() string {
	switch k {
	case KindCluster, KindSecret:
		return "type.googleapis.com/envoy.config.cluster.v3.Cluster"
	case KindListener:
		return "type.googleapis.com/envoy.config.listener.v3.Listener"
	case KindRouteConfig:
		return "type.googleapis.com/envoy.config.route.v3.RouteConfiguration"
	case KindEndpoint:
		return "type.googleapis.com/envoy.config.endpoint.v3.ClusterLoadAssignment"
	default:
		return ""
	}
}

// DistributionKind collapses secret into cluster; every other kind maps to
// itself. Snapshots and buses are keyed by DistributionKind, never by the
// raw input Kind.
func (k Kind) DistributionKind() Kind {
	if k == KindSecret {
		return KindCluster
	}
	return k
}

// AllKinds lists the four distributed kinds in the send order required by
// spec.md §4.C: cluster, endpoint, route_config, listener.
func AllKinds() []Kind {
	return []Kind{KindCluster, KindEndpoint, KindRouteConfig, KindListener}
}

// Status is the lifecycle state of a Team or Dataplane.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusArchived  Status = "archived"
)

// ListenerMode selects whether a team's listeners are visible to every
// dataplane in the team (shared) or only to the dataplane they are bound to
// (dedicated). spec.md §9 leaves this as a repository-level policy the core
// does not need to distinguish; it only affects which records are eligible
// members of a scope's dependency closure (internal/bus, visibleInScope).
type ListenerMode string

const (
	ListenerModeShared    ListenerMode = "shared"
	ListenerModeDedicated ListenerMode = "dedicated"
)

// Team is the tenancy unit. Name is stable and immutable once created.
type Team struct {
	Name         string
	Status       Status
	ListenerMode ListenerMode
}

// Dataplane is a logical proxy group within a team.
type Dataplane struct {
	ID          string
	Team        string
	Name        string
	GatewayHost string
	Status      Status
	// Identity is the expected peer identity (mTLS CN, SPIFFE URI, or
	// certificate fingerprint — deployment's choice) checked by
	// internal/identity when mTLS admission is enforced (spec.md §4.F).
	// Empty means name-match-only admission.
	Identity string
}

// ScopeKey identifies the resource view a connected proxy should see.
type ScopeKey struct {
	Team        string
	DataplaneID string
}

func (s ScopeKey) String() string {
	return fmt.Sprintf("%s/%s", s.Team, s.DataplaneID)
}

// Record is a persisted resource definition. Body holds the kind-specific
// domain object (ClusterBody, ListenerBody, RouteConfigBody, EndpointBody).
type Record struct {
	ID          string
	Kind        Kind
	Team        string
	DataplaneID string // empty for team-scoped (unbound) records
	Name        string
	Revision    uint64
	Body        any
}

// ClusterBody is the domain shape of a cluster (or secret, see Kind) record.
type ClusterBody struct {
	// Endpoints is used for STRICT_DNS-style inline assignment when no
	// separate EDS record exists for this cluster.
	Endpoints []Endpoint
	// UsesEDS, when true, means endpoints are resolved from an Endpoint
	// record named identically to this cluster rather than inlined here.
	UsesEDS bool
	TLS     *TLSConfig
}

// Endpoint is a single resolvable upstream address.
type Endpoint struct {
	Host string
	Port uint32
}

// TLSConfig is the (secret-derived) upstream/downstream TLS material
// reference. The core never sees key material — only names resolved
// elsewhere; secrets are distributed as opaque cluster resources.
type TLSConfig struct {
	SecretName string
}

// EndpointBody is the domain shape of a standalone EDS record.
type EndpointBody struct {
	ClusterName string
	Endpoints   []Endpoint
}

// RouteConfigBody is a named set of virtual hosts.
type RouteConfigBody struct {
	VirtualHosts []VirtualHost
}

// VirtualHost matches request domains to a set of routes.
type VirtualHost struct {
	Name    string
	Domains []string
	Routes  []Route
}

// RouteAction selects what a matched route does.
type RouteAction string

const (
	ActionForward  RouteAction = "forward"
	ActionWeighted RouteAction = "weighted"
	ActionRedirect RouteAction = "redirect"
)

// Route is one prefix/path match plus an action.
type Route struct {
	PathPrefix string
	Action     RouteAction
	// Cluster is used when Action == ActionForward.
	Cluster string
	// WeightedClusters is used when Action == ActionWeighted; weights
	// need not sum to 100, Envoy normalizes.
	WeightedClusters []WeightedCluster
	// RedirectHost is used when Action == ActionRedirect.
	RedirectHost string
}

// WeightedCluster is one leg of a weighted route action.
type WeightedCluster struct {
	Cluster string
	Weight  uint32
}

// ListenerBody binds a port to an ordered filter chain and (for the HTTP
// connection manager filter) a route-config name.
type ListenerBody struct {
	Port            uint32
	RouteConfigName string
}

// ChangeEvent is emitted by a Repository whenever a record is committed.
// It carries only enough information to identify what changed; consumers
// re-read current state rather than trust the event to carry a diff.
type ChangeEvent struct {
	Kind     Kind
	Team     string
	Name     string
	Revision uint64
}
