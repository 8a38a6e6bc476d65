// Package translator implements the pure domain-record -> protobuf
// translation spec.md §4.E requires: deterministic encoding, stable
// ordering, content-addressed version hashes, and per-record failure
// isolation. It is grounded on r1cht4-envoyage's internal/xds/snapshot.go
// (the same Cluster/RouteConfiguration/Listener construction, upgraded from
// a single-service toy model to the full domain.Record shape) and on
// dhiaayachi-consul's use of crypto/sha256 for content hashing
// (agent/xds/delta.go).
package translator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	cluster "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	core "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	endpoint "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"
	listenerpb "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
	route "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	routerv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/router/v3"
	hcm "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/network/http_connection_manager/v3"
	"github.com/envoyproxy/go-control-plane/pkg/wellknown"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/flowplane/flowplane/internal/domain"
)

// Lookup resolves a referenced record name within the same scope the
// record being translated belongs to. The Translator never reaches outside
// the Lookup it is given (spec.md §4.E "reference closure").
type Lookup interface {
	// Resolve returns the named record of kind, or false if it is not a
	// member of the current scope.
	Resolve(kind domain.Kind, name string) (domain.Record, bool)
}

// MapLookup is the simplest Lookup: a flat map keyed by (kind, name),
// typically built once per scope rebuild from a repository listing.
type MapLookup map[domain.Kind]map[string]domain.Record

func (m MapLookup) Resolve(kind domain.Kind, name string) (domain.Record, bool) {
	byName, ok := m[kind.DistributionKind()]
	if !ok {
		return domain.Record{}, false
	}
	r, ok := byName[name]
	return r, ok
}

// Translated is one translated resource: the protobuf message ready to wrap
// in a DiscoveryResponse, plus the per-resource content hash.
type Translated struct {
	Name    string
	Message proto.Message
	Hash    string // fixed-width hex content hash (spec.md invariant 2)
}

// Translator is stateless and safe for concurrent use; all inputs are
// passed explicitly per call.
type Translator struct{}

// New creates a Translator. It holds no state: determinism (spec.md §4.E)
// requires that translating the same record twice, from two Translator
// values, produce byte-identical output.
func New() *Translator {
	return &Translator{}
}

// Translate converts one record into its protobuf resource. A record that
// fails to translate (invalid body, dangling reference) returns an error;
// the caller (internal/bus) is responsible for omitting it from the
// snapshot and logging a warning rather than failing the whole rebuild
// (spec.md §4.E "Failure", §7.3).
func (t *Translator) Translate(rec domain.Record, lookup Lookup) (Translated, error) {
	switch rec.Kind.DistributionKind() {
	case domain.KindCluster:
		return t.translateCluster(rec, lookup)
	case domain.KindEndpoint:
		return t.translateEndpoint(rec)
	case domain.KindRouteConfig:
		return t.translateRouteConfig(rec, lookup)
	case domain.KindListener:
		return t.translateListener(rec, lookup)
	default:
		return Translated{}, fmt.Errorf("translator: unsupported kind %q", rec.Kind)
	}
}

func (t *Translator) translateCluster(rec domain.Record, lookup Lookup) (Translated, error) {
	body, ok := rec.Body.(domain.ClusterBody)
	if !ok {
		return Translated{}, fmt.Errorf("translator: cluster %q: body is %T, want domain.ClusterBody", rec.Name, rec.Body)
	}

	c := &cluster.Cluster{
		Name:           rec.Name,
		ConnectTimeout: durationpb.New(5 * time.Second),
	}

	if body.UsesEDS {
		c.ClusterDiscoveryType = &cluster.Cluster_Type{Type: cluster.Cluster_EDS}
		c.EdsClusterConfig = &cluster.Cluster_EdsClusterConfig{
			EdsConfig: adsConfigSource(),
		}
		if _, ok := lookup.Resolve(domain.KindEndpoint, rec.Name); !ok {
			return Translated{}, fmt.Errorf("translator: cluster %q: references missing endpoint set %q", rec.Name, rec.Name)
		}
	} else {
		if len(body.Endpoints) == 0 {
			return Translated{}, fmt.Errorf("translator: cluster %q: no endpoints and UsesEDS is false", rec.Name)
		}
		c.ClusterDiscoveryType = &cluster.Cluster_Type{Type: cluster.Cluster_STRICT_DNS}
		c.LoadAssignment = loadAssignment(rec.Name, body.Endpoints)
	}

	return finish(rec.Name, c)
}

func (t *Translator) translateEndpoint(rec domain.Record) (Translated, error) {
	body, ok := rec.Body.(domain.EndpointBody)
	if !ok {
		return Translated{}, fmt.Errorf("translator: endpoint %q: body is %T, want domain.EndpointBody", rec.Name, rec.Body)
	}
	if len(body.Endpoints) == 0 {
		return Translated{}, fmt.Errorf("translator: endpoint %q: no addresses", rec.Name)
	}
	cla := loadAssignment(body.ClusterName, body.Endpoints)
	return finish(rec.Name, cla)
}

func (t *Translator) translateRouteConfig(rec domain.Record, lookup Lookup) (Translated, error) {
	body, ok := rec.Body.(domain.RouteConfigBody)
	if !ok {
		return Translated{}, fmt.Errorf("translator: route_config %q: body is %T, want domain.RouteConfigBody", rec.Name, rec.Body)
	}
	if len(body.VirtualHosts) == 0 {
		return Translated{}, fmt.Errorf("translator: route_config %q: no virtual hosts", rec.Name)
	}

	vhosts := make([]domain.VirtualHost, len(body.VirtualHosts))
	copy(vhosts, body.VirtualHosts)
	sort.Slice(vhosts, func(i, j int) bool { return vhosts[i].Name < vhosts[j].Name })

	rc := &route.RouteConfiguration{Name: rec.Name}
	for _, vh := range vhosts {
		pbVH, err := buildVirtualHost(vh, lookup)
		if err != nil {
			return Translated{}, fmt.Errorf("translator: route_config %q: %w", rec.Name, err)
		}
		rc.VirtualHosts = append(rc.VirtualHosts, pbVH)
	}
	return finish(rec.Name, rc)
}

func buildVirtualHost(vh domain.VirtualHost, lookup Lookup) (*route.VirtualHost, error) {
	routes := make([]domain.Route, len(vh.Routes))
	copy(routes, vh.Routes)
	sort.Slice(routes, func(i, j int) bool { return routes[i].PathPrefix < routes[j].PathPrefix })

	pbVH := &route.VirtualHost{Name: vh.Name, Domains: vh.Domains}
	for _, r := range routes {
		pbRoute := &route.Route{
			Match: &route.RouteMatch{PathSpecifier: &route.RouteMatch_Prefix{Prefix: r.PathPrefix}},
		}
		switch r.Action {
		case domain.ActionForward:
			if _, ok := lookup.Resolve(domain.KindCluster, r.Cluster); !ok {
				return nil, fmt.Errorf("route %q: references missing cluster %q", vh.Name, r.Cluster)
			}
			pbRoute.Action = &route.Route_Route{Route: &route.RouteAction{
				ClusterSpecifier: &route.RouteAction_Cluster{Cluster: r.Cluster},
			}}
		case domain.ActionWeighted:
			clusters := make([]domain.WeightedCluster, len(r.WeightedClusters))
			copy(clusters, r.WeightedClusters)
			sort.Slice(clusters, func(i, j int) bool { return clusters[i].Cluster < clusters[j].Cluster })
			var total uint32
			wc := &route.WeightedCluster{}
			for _, c := range clusters {
				if _, ok := lookup.Resolve(domain.KindCluster, c.Cluster); !ok {
					return nil, fmt.Errorf("route %q: weighted action references missing cluster %q", vh.Name, c.Cluster)
				}
				wc.Clusters = append(wc.Clusters, &route.WeightedCluster_ClusterWeight{
					Name:   c.Cluster,
					Weight: wrapperUInt32(c.Weight),
				})
				total += c.Weight
			}
			wc.TotalWeight = wrapperUInt32(total)
			pbRoute.Action = &route.Route_Route{Route: &route.RouteAction{
				ClusterSpecifier: &route.RouteAction_WeightedClusters{WeightedClusters: wc},
			}}
		case domain.ActionRedirect:
			pbRoute.Action = &route.Route_Redirect{Redirect: &route.RedirectAction{
				HostRedirect: r.RedirectHost,
			}}
		default:
			return nil, fmt.Errorf("route %q: unknown action %q", vh.Name, r.Action)
		}
		pbVH.Routes = append(pbVH.Routes, pbRoute)
	}
	return pbVH, nil
}

func (t *Translator) translateListener(rec domain.Record, lookup Lookup) (Translated, error) {
	body, ok := rec.Body.(domain.ListenerBody)
	if !ok {
		return Translated{}, fmt.Errorf("translator: listener %q: body is %T, want domain.ListenerBody", rec.Name, rec.Body)
	}
	if _, found := lookup.Resolve(domain.KindRouteConfig, body.RouteConfigName); !found {
		return Translated{}, fmt.Errorf("translator: listener %q: references missing route_config %q", rec.Name, body.RouteConfigName)
	}

	routerAny, err := anypb.New(&routerv3.Router{})
	if err != nil {
		return Translated{}, fmt.Errorf("translator: listener %q: marshal router filter: %w", rec.Name, err)
	}

	connMgr := &hcm.HttpConnectionManager{
		StatPrefix: rec.Name,
		RouteSpecifier: &hcm.HttpConnectionManager_Rds{
			Rds: &hcm.Rds{
				ConfigSource:    adsConfigSource(),
				RouteConfigName: body.RouteConfigName,
			},
		},
		HttpFilters: []*hcm.HttpFilter{{
			Name:       wellknown.Router,
			ConfigType: &hcm.HttpFilter_TypedConfig{TypedConfig: routerAny},
		}},
	}
	connMgrAny, err := anypb.New(connMgr)
	if err != nil {
		return Translated{}, fmt.Errorf("translator: listener %q: marshal http connection manager: %w", rec.Name, err)
	}

	l := &listenerpb.Listener{
		Name: rec.Name,
		Address: &core.Address{Address: &core.Address_SocketAddress{SocketAddress: &core.SocketAddress{
			Protocol:      core.SocketAddress_TCP,
			Address:       "0.0.0.0",
			PortSpecifier: &core.SocketAddress_PortValue{PortValue: body.Port},
		}}},
		FilterChains: []*listenerpb.FilterChain{{
			Filters: []*listenerpb.Filter{{
				Name:       wellknown.HTTPConnectionManager,
				ConfigType: &listenerpb.Filter_TypedConfig{TypedConfig: connMgrAny},
			}},
		}},
	}
	return finish(rec.Name, l)
}

func loadAssignment(clusterName string, endpoints []domain.Endpoint) *endpoint.ClusterLoadAssignment {
	eps := make([]domain.Endpoint, len(endpoints))
	copy(eps, endpoints)
	sort.Slice(eps, func(i, j int) bool {
		if eps[i].Host != eps[j].Host {
			return eps[i].Host < eps[j].Host
		}
		return eps[i].Port < eps[j].Port
	})

	cla := &endpoint.ClusterLoadAssignment{ClusterName: clusterName}
	lb := &endpoint.LocalityLbEndpoints{}
	for _, e := range eps {
		lb.LbEndpoints = append(lb.LbEndpoints, &endpoint.LbEndpoint{
			HostIdentifier: &endpoint.LbEndpoint_Endpoint{Endpoint: &endpoint.Endpoint{
				Address: &core.Address{Address: &core.Address_SocketAddress{SocketAddress: &core.SocketAddress{
					Protocol:      core.SocketAddress_TCP,
					Address:       e.Host,
					PortSpecifier: &core.SocketAddress_PortValue{PortValue: e.Port},
				}}},
			}},
		})
	}
	cla.Endpoints = []*endpoint.LocalityLbEndpoints{lb}
	return cla
}

func adsConfigSource() *core.ConfigSource {
	return &core.ConfigSource{
		ConfigSourceSpecifier: &core.ConfigSource_Ads{Ads: &core.AggregatedConfigSource{}},
		ResourceApiVersion:    core.ApiVersion_V3,
	}
}

// finish marshals msg deterministically and computes its content hash
// (spec.md §4.E "Version hashing").
func finish(name string, msg proto.Message) (Translated, error) {
	h, err := ContentHash(msg)
	if err != nil {
		return Translated{}, fmt.Errorf("translator: hashing %q: %w", name, err)
	}
	return Translated{Name: name, Message: msg, Hash: h}, nil
}

// ContentHash returns the fixed-width hex content hash of a protobuf
// message's deterministic wire encoding. Two calls with byte-identical
// messages always return the same hash, across process restarts
// (spec.md §3 invariant 2, §8 "Determinism").
func ContentHash(msg proto.Message) (string, error) {
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(msg)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// AggregateHash combines the per-resource hashes of a kind's resource set
// into the per-kind version_info (spec.md §4.E, §6.1). Input order does not
// matter; AggregateHash sorts by name itself so the result is a pure
// function of the (name, hash) set.
func AggregateHash(resources []Translated) string {
	if len(resources) == 0 {
		return ""
	}
	sorted := make([]Translated, len(resources))
	copy(sorted, resources)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	h := sha256.New()
	for _, r := range sorted {
		h.Write([]byte(r.Name))
		h.Write([]byte{0})
		h.Write([]byte(r.Hash))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func wrapperUInt32(v uint32) *wrapperspb.UInt32Value {
	return wrapperspb.UInt32(v)
}
