// Package xdssession implements the xDS Session state machine (spec.md
// §4.C): one per connected ADS stream, it is the "protocol brain" that
// decides what to send next for each resource kind and tracks
// acknowledgement state. A Session holds no goroutines of its own — the ADS
// Server (internal/adsserver) owns the stream's single event loop and calls
// into Session methods synchronously, matching spec.md §5's "session task
// holds all state by value, no cross-task shared mutability."
//
// The per-kind bookkeeping (subscribed names, last acked/sent version,
// pending nonce) and the tx-tracking idea are grounded on the teacher's
// pkg/xds.Manager/tx (abursavich-ekglue), generalized from a single
// xDS type per Manager to four kinds multiplexed on one ADS stream.
package xdssession

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	discovery "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	"github.com/google/go-cmp/cmp"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/flowplane/flowplane/internal/domain"
	"github.com/flowplane/flowplane/internal/snapshot"
	"github.com/flowplane/flowplane/internal/translator"
)

var (
	responsesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "responses_sent_total",
		Help: "Count of DiscoveryResponses sent, by resource kind.",
	}, []string{"kind"})

	nacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nacks_total",
		Help: "Count of DiscoveryRequests that NACKed a response, by resource kind.",
	}, []string{"kind"})
)

// kindState is the per-kind slice of session state described in spec.md
// §4.C: subscribed_names, last_acked_version, last_sent_version,
// pending_nonce, last_sent_generation, plus the bookkeeping needed to
// derive the Idle/AwaitingACK state from those fields rather than storing
// it redundantly.
type kindState struct {
	initialized bool // the client has sent at least one request for this kind

	wildcard bool
	names    map[string]struct{}

	lastAckedVersion   string
	lastSentVersion    string
	pendingNonce       string
	lastSentGeneration uint64
	awaiting           bool // true while a response is outstanding (AwaitingACK)
	sent               bool // a response has been built at least once this session

	// span covers the push/ACK round trip for the outstanding response,
	// the same transaction the teacher's pkg/xds.tx/span pair tracks:
	// started in buildAndSend when the response goes out, finished in
	// HandleRequest once the matching ACK/NACK arrives.
	span opentracing.Span
}

// Session is one connected proxy's xDS protocol state.
type Session struct {
	Scope domain.ScopeKey

	store *snapshot.Store
	log   *zap.Logger

	nonceSeq uint64
	kinds    map[domain.Kind]*kindState
	genRefs  map[uint64]int // generation -> number of kinds currently holding it
}

// New creates a Session bound to scope. The caller (ADS Server) is
// responsible for calling Close when the stream ends.
func New(scope domain.ScopeKey, store *snapshot.Store, log *zap.Logger) *Session {
	kinds := make(map[domain.Kind]*kindState, len(domain.AllKinds()))
	for _, k := range domain.AllKinds() {
		kinds[k] = &kindState{}
	}
	return &Session{
		Scope:   scope,
		store:   store,
		log:     log,
		kinds:   kinds,
		genRefs: make(map[uint64]int),
	}
}

// Close releases every snapshot generation this session still references,
// letting the store's GC reclaim them (spec.md §4.C "Cancellation"), and
// finishes any push/ACK span still waiting on a reply that will now never
// arrive, matching the teacher's own Stream cleanup (`for _, t := range txs
// { t.span.Finish() }`).
func (s *Session) Close() {
	for _, ks := range s.kinds {
		if ks.span != nil {
			ks.span.SetTag("status", "abandoned")
			ks.span.Finish()
			ks.span = nil
		}
	}
	for gen, n := range s.genRefs {
		for i := 0; i < n; i++ {
			s.store.Release(s.Scope, gen)
		}
	}
	s.genRefs = make(map[uint64]int)
}

// HandleRequest processes one inbound DiscoveryRequest against the current
// snapshot, returning a response to send (or nil if none is warranted) and
// an error only for a protocol violation that should terminate the stream.
func (s *Session) HandleRequest(snap *snapshot.Snapshot, req *discovery.DiscoveryRequest) (*discovery.DiscoveryResponse, error) {
	kind, ok := kindForTypeURL(req.GetTypeUrl())
	if !ok {
		return nil, fmt.Errorf("xdssession: unknown type_url %q", req.GetTypeUrl())
	}
	ks := s.kinds[kind]
	nonce := req.GetResponseNonce()

	if nonce != "" {
		if nonce != ks.pendingNonce {
			// Stale or mismatched nonce: ignore per spec.md §4.C.
			return nil, nil
		}
		if detail := req.GetErrorDetail(); detail != nil {
			nacksTotal.WithLabelValues(string(kind)).Inc()
			s.log.Warn("xdssession: client nacked configuration",
				zap.String("kind", string(kind)),
				zap.String("version", ks.lastSentVersion),
				zap.String("message", detail.GetMessage()))
			if ks.span != nil {
				ext.LogError(ks.span, fmt.Errorf("%s", detail.GetMessage()))
				ks.span.SetTag("status", "NACK")
			}
			// Do not clear lastSentVersion: trySend below must not resend it.
		} else {
			ks.lastAckedVersion = req.GetVersionInfo()
			if ks.span != nil {
				ks.span.SetTag("status", "ACK")
			}
		}
		if ks.span != nil {
			ks.span.Finish()
			ks.span = nil
		}
		ks.pendingNonce = ""
		ks.awaiting = false
		ks.initialized = true
		s.updateSubscription(ks, req.GetResourceNames())
		return s.trySend(snap, kind, ks, ks.lastSentVersion, ks.sent), nil
	}

	// Initial request for this kind: compare against what the client
	// already claims to have (spec.md §8 scenario 6 — reconnect with a
	// version_info that already matches current content sends nothing).
	ks.initialized = true
	s.updateSubscription(ks, req.GetResourceNames())
	return s.trySend(snap, kind, ks, req.GetVersionInfo(), true), nil
}

// HandleWake is called whenever the Change Bus notifies a new snapshot
// generation. It walks kinds in the fixed dependency order (spec.md §4.C
// ordering constraint 2) and, for every kind that isn't already waiting on
// an ACK, sends a new response if and only if the kind's content actually
// changed.
func (s *Session) HandleWake(snap *snapshot.Snapshot) []*discovery.DiscoveryResponse {
	var out []*discovery.DiscoveryResponse
	for _, kind := range domain.AllKinds() {
		ks := s.kinds[kind]
		if !ks.initialized || ks.awaiting {
			// Never two outstanding responses for the same kind (ordering
			// constraint 1); the eventual ACK's trySend call will catch up.
			continue
		}
		if resp := s.trySend(snap, kind, ks, ks.lastSentVersion, ks.sent); resp != nil {
			out = append(out, resp)
		}
	}
	return out
}

// emptyVersion is the wire version_info for a kind with zero resources.
// translator.AggregateHash returns "" for an empty set, the same value as
// the zero KindView of a kind that was never built, so the snapshot store
// treats "never built" and "built but empty" alike; "" would collide with
// the wire meaning of "I have nothing yet" on a brand-new client's initial
// request, so it is never sent as-is. emptyVersion can never collide with a real hash: AggregateHash
// only ever produces lowercase hex.
const emptyVersion = "EMPTY"

func wireVersion(aggregateHash string) string {
	if aggregateHash == "" {
		return emptyVersion
	}
	return aggregateHash
}

// trySend computes the current version_info for kind given ks's
// subscription, and builds+sends a response unless baseline already proves
// the peer is caught up. A brand-new client's baseline is always the
// protocol's "" sentinel (meaning "I have nothing"), which never counts as
// caught up even when the kind is genuinely empty (spec.md §8 scenario 1
// still expects an initial response for every kind); only a client that
// already holds a real wire version gets quiescence (spec.md §8 scenarios 2
// and 6). When suppressed, it still records the session as being at that
// version, so later comparisons remain correct.
func (s *Session) trySend(snap *snapshot.Snapshot, kind domain.Kind, ks *kindState, baseline string, baselineKnown bool) *discovery.DiscoveryResponse {
	version, resources := s.versionFor(snap, kind, ks)
	if baselineKnown && baseline != "" && version == baseline {
		ks.lastSentVersion = version
		ks.lastAckedVersion = version
		ks.sent = true
		return nil
	}
	return s.buildAndSend(kind, ks, snap.Generation, version, resources)
}

// versionFor computes the subscription-filtered version_info for kind: the
// aggregate hash of exactly the resources this session would be sent,
// honoring wildcard vs explicit subscriptions (spec.md §8 scenario 5).
func (s *Session) versionFor(snap *snapshot.Snapshot, kind domain.Kind, ks *kindState) (string, []translator.Translated) {
	var names map[string]struct{}
	if !ks.wildcard {
		names = ks.names
	}
	resources := snap.Resources(kind, names)
	return wireVersion(translator.AggregateHash(resources)), resources
}

func (s *Session) buildAndSend(kind domain.Kind, ks *kindState, generation uint64, version string, resources []translator.Translated) *discovery.DiscoveryResponse {
	sort.Slice(resources, func(i, j int) bool { return resources[i].Name < resources[j].Name })

	anys := make([]*anypb.Any, 0, len(resources))
	names := make([]string, 0, len(resources))
	for _, r := range resources {
		a, err := anypb.New(r.Message)
		if err != nil {
			s.log.Error("xdssession: packing resource into Any",
				zap.String("kind", string(kind)), zap.String("resource", r.Name), zap.Error(err))
			continue
		}
		anys = append(anys, a)
		names = append(names, r.Name)
	}

	s.nonceSeq++
	nonce := strconv.FormatUint(s.nonceSeq, 10)

	// A response stays in flight from here until the matching ACK/NACK
	// arrives in HandleRequest, or the session closes with it still
	// outstanding; span covers exactly that round trip, same as the
	// teacher's tx/span pair in pkg/xds.Manager.Stream.
	if ks.span != nil {
		ks.span.Finish()
	}
	span := opentracing.StartSpan("xds.push", ext.SpanKindConsumer)
	ext.PeerService.Set(span, s.Scope.String())
	span.SetTag("xds_type", string(kind))
	span.SetTag("xds_version", version)
	resourceTag := fmt.Sprintf("%d total: %s", len(names), strings.Join(names, ","))
	if len(resourceTag) > 64 {
		resourceTag = resourceTag[:61] + "..."
	}
	span.SetTag("xds_resources", resourceTag)
	ks.span = span

	s.swapGeneration(ks, generation)
	ks.lastSentVersion = version
	ks.pendingNonce = nonce
	ks.awaiting = true
	ks.sent = true

	responsesSentTotal.WithLabelValues(string(kind)).Inc()

	return &discovery.DiscoveryResponse{
		VersionInfo: version,
		Resources:   anys,
		TypeUrl:     kind.TypeURL(),
		Nonce:       nonce,
	}
}

// updateSubscription records the resource_names an explicit (non-wildcard)
// request carries, or switches the kind to wildcard when names is empty. If
// an already-subscribed kind's explicit set changes shape mid-stream, that's
// unexpected (ADS clients don't normally change subscriptions without
// opening a new stream) so it's logged the same way the teacher's
// pkg/xds.Manager.run flagged the same situation with cmp.Diff, but is not
// itself treated as a protocol error here since spec.md's session state
// machine has no invariant forbidding it.
func (s *Session) updateSubscription(ks *kindState, names []string) {
	if len(names) == 0 {
		ks.wildcard = true
		ks.names = nil
		return
	}
	sort.Strings(names)
	if ks.initialized && !ks.wildcard && ks.names != nil {
		old := make([]string, 0, len(ks.names))
		for n := range ks.names {
			old = append(old, n)
		}
		sort.Strings(old)
		if diff := cmp.Diff(old, names); diff != "" {
			s.log.Warn("xdssession: explicit resource subscription changed without a new stream", zap.String("diff", diff))
		}
	}
	ks.wildcard = false
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	ks.names = set
}

// swapGeneration moves ks onto generation, acquiring the store's reference
// for it and releasing whatever generation ks previously held, keyed by a
// per-session refcount since multiple kinds may share a generation.
func (s *Session) swapGeneration(ks *kindState, generation uint64) {
	old := ks.lastSentGeneration
	if generation == old {
		return
	}
	s.acquireGeneration(generation)
	ks.lastSentGeneration = generation
	if old != 0 {
		s.releaseGeneration(old)
	}
}

func (s *Session) acquireGeneration(gen uint64) {
	s.genRefs[gen]++
	if s.genRefs[gen] == 1 {
		s.store.Acquire(s.Scope, gen)
	}
}

func (s *Session) releaseGeneration(gen uint64) {
	if s.genRefs[gen] == 0 {
		return
	}
	s.genRefs[gen]--
	if s.genRefs[gen] == 0 {
		delete(s.genRefs, gen)
		s.store.Release(s.Scope, gen)
	}
}

func kindForTypeURL(url string) (domain.Kind, bool) {
	for _, k := range domain.AllKinds() {
		if k.TypeURL() == url {
			return k, true
		}
	}
	return "", false
}
