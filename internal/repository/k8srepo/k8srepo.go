// Package k8srepo is a GitOps-style Repository implementation: it watches
// ConfigMaps in a Kubernetes cluster and treats each one as a serialized
// domain.Record, domain.Team, or domain.Dataplane. It is the direct
// adaptation of the teacher's pkg/k8s.ClusterWatcher (a cache.Reflector
// wrapping a ListWatch of Kubernetes Services) to this control plane's
// domain: instead of reflecting core/v1 Services into an Envoy-specific
// cache.Store, it reflects ConfigMaps labeled with
// "flowplane.io/kind" into an in-memory projection that satisfies the same
// repository.Repository interface memstore does.
//
// ConfigMap shape:
//
//	metadata:
//	  labels:
//	    flowplane.io/kind: cluster|listener|route_config|endpoint|secret|team|dataplane
//	data:
//	  record.yaml: <yaml-encoded domain.Record.Body, plus team/name/dataplaneId>
package k8srepo

import (
	"context"
	"fmt"
	"sync"
	"time"

	v1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/yaml"

	"github.com/flowplane/flowplane/internal/domain"
	"github.com/flowplane/flowplane/internal/repository"
)

// KindLabel is the ConfigMap label identifying which domain object a
// ConfigMap encodes.
const KindLabel = "flowplane.io/kind"

// DataKey is the ConfigMap data key holding the YAML-encoded payload.
const DataKey = "record.yaml"

// reconcileInterval is how often poll re-diffs the Reflector's local store
// against our typed projection. The Reflector itself is started with a
// resync period of 0 (informer-style edge-triggered relist disabled), so
// this ticker is what actually notices a ConfigMap that changed after
// startup.
const reconcileInterval = 5 * time.Second

type configMapRecord struct {
	Team        string              `json:"team"`
	DataplaneID string              `json:"dataplaneId,omitempty"`
	Name        string              `json:"name"`
	Body        domainBodyEnvelope `json:"body"`
}

// domainBodyEnvelope carries exactly one of the kind-specific bodies; YAML
// unmarshaling into `any` loses type information, so callers (the
// Translator) re-marshal/re-decode via Record.Body's concrete type once the
// kind is known. We keep the raw map here and let decodeBody do the work.
type domainBodyEnvelope map[string]any

// Watcher reflects ConfigMaps into a repository.Repository. It is the k8s
// analogue of memstore.Store: a read-only projection plus a change stream,
// built on top of a cache.Reflector the same way the teacher's
// ClusterWatcher is, generalized from one object kind (Service) to six.
type Watcher struct {
	client kubernetes.Interface
	ns     string

	mu      sync.Mutex
	teams   map[string]domain.Team
	planes  map[string]map[string]domain.Dataplane
	records map[string]domain.Record // id -> record

	subsMu sync.Mutex
	subs   map[chan domain.ChangeEvent]struct{}
}

var _ repository.Repository = (*Watcher)(nil)

// ConnectOutOfCluster connects using a kubeconfig file, mirroring the
// teacher's pkg/k8s.ConnectOutOfCluster.
func ConnectOutOfCluster(namespace, kubeconfig, master string) (*Watcher, error) {
	cfg, err := clientcmd.BuildConfigFromFlags(master, kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("k8srepo: build config: %w", err)
	}
	return connect(namespace, cfg)
}

// ConnectInCluster connects using the pod's in-cluster service account,
// mirroring the teacher's pkg/k8s.ConnectInCluster.
func ConnectInCluster(namespace string) (*Watcher, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("k8srepo: get in-cluster config: %w", err)
	}
	return connect(namespace, cfg)
}

func connect(namespace string, cfg *rest.Config) (*Watcher, error) {
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("k8srepo: new client: %w", err)
	}
	return &Watcher{
		client:  clientset,
		ns:      namespace,
		teams:   make(map[string]domain.Team),
		planes:  make(map[string]map[string]domain.Dataplane),
		records: make(map[string]domain.Record),
		subs:    make(map[chan domain.ChangeEvent]struct{}),
	}, nil
}

// Run starts reflecting ConfigMaps until ctx is canceled. Call it in a
// goroutine alongside the ADS server, exactly as cmd/cds calls
// WatchServices in the teacher.
func (w *Watcher) Run(ctx context.Context) error {
	restClient := w.client.CoreV1().RESTClient()
	lw := cache.NewListWatchFromClient(restClient, "configmaps", w.ns, fields.Everything())
	store := cache.NewStore(cache.MetaNamespaceKeyFunc)
	reflector := cache.NewReflector(lw, &v1.ConfigMap{}, store, 0)

	go w.poll(ctx, store)
	reflector.Run(ctx.Done())
	return nil
}

// poll periodically reconciles the Reflector's local store into our typed
// projection. The teacher hands the raw cache.Store to a consumer that
// already understands Service objects (envoy clusters); our consumer needs
// to interpret a heterogeneous set of ConfigMap kinds, so it diffs the
// store on each tick instead of processing one object type inline.
func (w *Watcher) poll(ctx context.Context, store cache.Store) {
	seen := make(map[string]uint64)
	reconcile := func() {
		for _, obj := range store.List() {
			cm, ok := obj.(*v1.ConfigMap)
			if !ok {
				continue
			}
			kind, ok := cm.Labels[KindLabel]
			if !ok {
				continue
			}
			rev := uint64(cm.Generation)
			key := cm.Namespace + "/" + cm.Name
			if seen[key] == rev && rev != 0 {
				continue
			}
			seen[key] = rev
			if err := w.ingest(domain.Kind(kind), cm); err != nil {
				continue
			}
		}
	}
	reconcile()

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			reconcile()
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) ingest(kind domain.Kind, cm *v1.ConfigMap) error {
	raw := cm.Data[DataKey]
	switch kind {
	case "team":
		var t domain.Team
		if err := yaml.Unmarshal([]byte(raw), &t); err != nil {
			return err
		}
		w.mu.Lock()
		w.teams[t.Name] = t
		w.mu.Unlock()
		return nil
	case "dataplane":
		var d domain.Dataplane
		if err := yaml.Unmarshal([]byte(raw), &d); err != nil {
			return err
		}
		w.mu.Lock()
		if w.planes[d.Team] == nil {
			w.planes[d.Team] = make(map[string]domain.Dataplane)
		}
		w.planes[d.Team][d.Name] = d
		w.mu.Unlock()
		return nil
	default:
		var cmr configMapRecord
		if err := yaml.Unmarshal([]byte(raw), &cmr); err != nil {
			return err
		}
		body, err := decodeBody(kind, cmr.Body)
		if err != nil {
			return err
		}
		rec := domain.Record{
			ID:          cm.Namespace + "/" + cm.Name,
			Kind:        kind,
			Team:        cmr.Team,
			DataplaneID: cmr.DataplaneID,
			Name:        cmr.Name,
			Revision:    uint64(cm.Generation),
			Body:        body,
		}
		w.mu.Lock()
		w.records[rec.ID] = rec
		w.mu.Unlock()
		w.publish(domain.ChangeEvent{Kind: kind, Team: rec.Team, Name: rec.Name, Revision: rec.Revision})
		return nil
	}
}

func decodeBody(kind domain.Kind, env domainBodyEnvelope) (any, error) {
	raw, err := yaml.Marshal(env)
	if err != nil {
		return nil, err
	}
	switch kind.DistributionKind() {
	case domain.KindCluster:
		var b domain.ClusterBody
		if err := yaml.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case domain.KindEndpoint:
		var b domain.EndpointBody
		if err := yaml.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case domain.KindRouteConfig:
		var b domain.RouteConfigBody
		if err := yaml.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case domain.KindListener:
		var b domain.ListenerBody
		if err := yaml.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("k8srepo: unknown kind %q", kind)
	}
}

func (w *Watcher) publish(ev domain.ChangeEvent) {
	w.subsMu.Lock()
	defer w.subsMu.Unlock()
	for ch := range w.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; it will catch up to current state on its
			// next Changes()-driven rebuild regardless (SotW semantics,
			// spec.md §4.B.3), so dropping here is safe.
		}
	}
}

func (w *Watcher) List(_ context.Context, kind domain.Kind, team string) ([]domain.Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []domain.Record
	for _, r := range w.records {
		if r.Kind == kind && r.Team == team {
			out = append(out, r)
		}
	}
	return out, nil
}

func (w *Watcher) Get(_ context.Context, kind domain.Kind, team, name string) (domain.Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range w.records {
		if r.Kind == kind && r.Team == team && r.Name == name {
			return r, nil
		}
	}
	return domain.Record{}, repository.ErrNotFound
}

func (w *Watcher) Teams(_ context.Context) ([]domain.Team, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]domain.Team, 0, len(w.teams))
	for _, t := range w.teams {
		out = append(out, t)
	}
	return out, nil
}

func (w *Watcher) Dataplanes(_ context.Context, team string) ([]domain.Dataplane, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]domain.Dataplane, 0, len(w.planes[team]))
	for _, d := range w.planes[team] {
		out = append(out, d)
	}
	return out, nil
}

func (w *Watcher) Changes(ctx context.Context) (<-chan domain.ChangeEvent, error) {
	ch := make(chan domain.ChangeEvent, 64)
	w.subsMu.Lock()
	w.subs[ch] = struct{}{}
	w.subsMu.Unlock()
	go func() {
		<-ctx.Done()
		w.subsMu.Lock()
		delete(w.subs, ch)
		w.subsMu.Unlock()
		close(ch)
	}()
	return ch, nil
}
