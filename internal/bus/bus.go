// Package bus implements the Change Bus (spec.md §4.B): it turns
// record-level change events from a Repository into per-scope snapshot
// rebuilds, coalesced over a short debounce window, and wakes subscribed
// xDS sessions with generation numbers rather than diffs.
//
// The fan-out/coalescing shape — a map of subscriber channels, a
// non-blocking-first-then-best-effort notify — is grounded on the
// teacher's pkg/xds.Manager.notify/sessions (abursavich-ekglue), adapted so
// that a slow subscriber only ever sees the latest generation instead of
// blocking the producer (spec.md §9 "Change notifications ... never
// back-pressure the producer" — a deliberate departure from the teacher,
// which does block on slow sessions via the ctx-bounded second pass).
package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/flowplane/flowplane/internal/domain"
	"github.com/flowplane/flowplane/internal/repository"
	"github.com/flowplane/flowplane/internal/snapshot"
	"github.com/flowplane/flowplane/internal/translator"
)

var (
	translationErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "translation_errors_total",
		Help: "Count of records that failed translation and were omitted from a snapshot.",
	}, []string{"kind"})

	snapshotGeneration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "snapshot_generation",
		Help: "The current snapshot generation for a scope.",
	}, []string{"scope"})
)

// Bus is the Change Bus. One Bus instance drains dirty-team state in a
// single coalescing goroutine (Run), matching spec.md §5's "single
// coalescing task" scheduling model.
type Bus struct {
	repo     repository.Repository
	trans    *translator.Translator
	store    *snapshot.Store
	debounce time.Duration
	log      *zap.Logger

	wake chan struct{}

	mu    sync.Mutex
	dirty map[string]map[domain.Kind]struct{} // team -> dirty kinds

	subsMu sync.Mutex
	subs   map[domain.ScopeKey]map[chan uint64]struct{}

	lastMu        sync.Mutex
	lastPublished map[domain.ScopeKey]uint64
}

// New creates a Bus. debounce is the coalescing window (spec.md §5:
// single-digit to low-double-digit milliseconds in production, configurable
// for tests).
func New(repo repository.Repository, trans *translator.Translator, store *snapshot.Store, debounce time.Duration, log *zap.Logger) *Bus {
	return &Bus{
		repo:          repo,
		trans:         trans,
		store:         store,
		debounce:      debounce,
		log:           log,
		wake:          make(chan struct{}, 1),
		dirty:         make(map[string]map[domain.Kind]struct{}),
		subs:          make(map[domain.ScopeKey]map[chan uint64]struct{}),
		lastPublished: make(map[domain.ScopeKey]uint64),
	}
}

// Notify is the Bus's ingress (spec.md §4.B): called by the write-side
// whenever a record commits. It never blocks and never fails — it only
// marks the owning team dirty for the next debounce drain.
func (b *Bus) Notify(kind domain.Kind, team, _ string) {
	b.mu.Lock()
	kinds, ok := b.dirty[team]
	if !ok {
		kinds = make(map[domain.Kind]struct{})
		b.dirty[team] = kinds
	}
	kinds[kind.DistributionKind()] = struct{}{}
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// ListenRepository wires the Bus to a Repository's Changes() stream,
// forwarding each event into Notify. Run this in a goroutine; it returns
// when ctx is done or the Repository closes its channel.
func (b *Bus) ListenRepository(ctx context.Context) error {
	ch, err := b.repo.Changes(ctx)
	if err != nil {
		return fmt.Errorf("bus: subscribing to repository changes: %w", err)
	}
	for ev := range ch {
		b.Notify(ev.Kind, ev.Team, ev.Name)
	}
	return nil
}

// Subscribe registers scope for generation notifications (spec.md §4.B
// egress). The returned channel is buffered to exactly one slot and always
// holds only the most recent generation a slow reader hasn't yet consumed;
// call cancel to unsubscribe.
func (b *Bus) Subscribe(scope domain.ScopeKey) (<-chan uint64, func()) {
	ch := make(chan uint64, 1)
	b.subsMu.Lock()
	if b.subs[scope] == nil {
		b.subs[scope] = make(map[chan uint64]struct{})
	}
	b.subs[scope][ch] = struct{}{}
	b.subsMu.Unlock()

	cancel := func() {
		b.subsMu.Lock()
		delete(b.subs[scope], ch)
		if len(b.subs[scope]) == 0 {
			delete(b.subs, scope)
		}
		b.subsMu.Unlock()
	}
	return ch, cancel
}

// Run is the single coalescing task (spec.md §5). It blocks until ctx is
// done.
func (b *Bus) Run(ctx context.Context) error {
	var timer *time.Timer
	for {
		var timerC <-chan time.Time
		if timer != nil {
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.wake:
			if timer == nil {
				timer = time.NewTimer(b.debounce)
			}
		case <-timerC:
			timer = nil
			b.drain(ctx)
		}
	}
}

func (b *Bus) drain(ctx context.Context) {
	b.mu.Lock()
	dirty := b.dirty
	b.dirty = make(map[string]map[domain.Kind]struct{})
	b.mu.Unlock()

	for team, kinds := range dirty {
		dirtyKinds := make([]domain.Kind, 0, len(kinds))
		for k := range kinds {
			dirtyKinds = append(dirtyKinds, k)
		}
		sort.Slice(dirtyKinds, func(i, j int) bool { return dirtyKinds[i] < dirtyKinds[j] })

		scopes, err := b.affectedScopes(ctx, team)
		if err != nil {
			b.log.Error("bus: listing dataplanes for dirty team", zap.String("team", team), zap.Error(err))
			continue
		}
		for _, scope := range scopes {
			b.rebuildScope(ctx, scope, dirtyKinds)
		}
	}
}

// affectedScopes is the conservative (superset-allowed) mapping from a
// dirty team to the scope keys that might be affected (spec.md §4.B
// algorithm step 1): every dataplane currently registered under the team.
func (b *Bus) affectedScopes(ctx context.Context, team string) ([]domain.ScopeKey, error) {
	planes, err := b.repo.Dataplanes(ctx, team)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ScopeKey, 0, len(planes))
	for _, p := range planes {
		out = append(out, domain.ScopeKey{Team: team, DataplaneID: p.ID})
	}
	return out, nil
}

// Current returns the latest snapshot for scope, building it directly from
// the repository on first access if nothing has rebuilt it yet (spec.md
// §4.A "builds on first access"). The ADS Server calls this when a stream
// opens for a scope the Bus hasn't touched.
func (b *Bus) Current(ctx context.Context, scope domain.ScopeKey) (*snapshot.Snapshot, error) {
	return b.store.Current(scope, func() (map[domain.Kind]snapshot.KindView, error) {
		mode := b.listenerMode(ctx, scope.Team)
		lookup, err := b.buildLookup(ctx, scope, mode)
		if err != nil {
			return nil, err
		}
		kinds := make(map[domain.Kind]snapshot.KindView, len(domain.AllKinds()))
		for _, kind := range domain.AllKinds() {
			view, err := b.buildKindView(kind, lookup)
			if err != nil {
				return nil, err
			}
			kinds[kind] = view
		}
		return kinds, nil
	})
}

func (b *Bus) rebuildScope(ctx context.Context, scope domain.ScopeKey, dirtyKinds []domain.Kind) {
	mode := b.listenerMode(ctx, scope.Team)

	lookup, err := b.buildLookup(ctx, scope, mode)
	if err != nil {
		b.log.Error("bus: building scope lookup", zap.String("scope", scope.String()), zap.Error(err))
		return
	}

	build := func(kind domain.Kind) (snapshot.KindView, error) {
		return b.buildKindView(kind, lookup)
	}

	snap, err := b.store.Rebuild(scope, dirtyKinds, build)
	if err != nil {
		b.log.Error("bus: rebuilding scope", zap.String("scope", scope.String()), zap.Error(err))
		return
	}
	if snap == nil {
		// Nothing actually changed for this scope (spec.md §4.B's
		// superset-allowed mapping named it conservatively).
		return
	}

	b.lastMu.Lock()
	last := b.lastPublished[scope]
	changed := snap.Generation != last
	if changed {
		b.lastPublished[scope] = snap.Generation
	}
	b.lastMu.Unlock()

	snapshotGeneration.WithLabelValues(scope.String()).Set(float64(snap.Generation))

	if changed {
		b.publish(scope, snap.Generation)
	}

	// Drop every retained generation older than this one that no session
	// still references (spec.md §4.A "eligible for GC from snapshots as
	// soon as no session references that generation"); a session holding
	// an older generation keeps it alive via Store.Acquire/Release.
	b.store.GC(scope, snap.Generation)
}

func (b *Bus) listenerMode(ctx context.Context, team string) domain.ListenerMode {
	teams, err := b.repo.Teams(ctx)
	if err != nil {
		return domain.ListenerModeShared
	}
	for _, t := range teams {
		if t.Name == team {
			if t.ListenerMode == "" {
				return domain.ListenerModeShared
			}
			return t.ListenerMode
		}
	}
	return domain.ListenerModeShared
}

// buildLookup lists every kind for the scope's team and filters to the
// records visible in this scope, producing the reference-resolution
// capability the Translator is handed (spec.md §4.E "reference closure").
func (b *Bus) buildLookup(ctx context.Context, scope domain.ScopeKey, mode domain.ListenerMode) (translator.MapLookup, error) {
	lookup := translator.MapLookup{}
	for _, kind := range domain.AllKinds() {
		records, err := b.repo.List(ctx, kind, scope.Team)
		if err != nil {
			return nil, fmt.Errorf("listing %s records for team %s: %w", kind, scope.Team, err)
		}
		byName := make(map[string]domain.Record)
		for _, rec := range records {
			if !visibleInScope(rec, scope, mode) {
				continue
			}
			byName[rec.Name] = rec
		}
		lookup[kind.DistributionKind()] = byName
	}
	return lookup, nil
}

// visibleInScope decides whether a record belongs to a given scope's
// dependency closure. Team-wide records (DataplaneID == "") are visible to
// every dataplane in the team, except unbound listeners when the team runs
// in dedicated-listener mode (spec.md §9 open question, resolved in
// SPEC_FULL.md §3: a repository-level policy the Session/Bus need not
// otherwise distinguish).
func visibleInScope(rec domain.Record, scope domain.ScopeKey, mode domain.ListenerMode) bool {
	if rec.DataplaneID == "" {
		if rec.Kind.DistributionKind() == domain.KindListener && mode == domain.ListenerModeDedicated {
			return false
		}
		return true
	}
	return rec.DataplaneID == scope.DataplaneID
}

func (b *Bus) buildKindView(kind domain.Kind, lookup translator.MapLookup) (snapshot.KindView, error) {
	byName := lookup[kind.DistributionKind()]
	names := make([]string, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	sort.Strings(names)

	resources := make(map[string]translator.Translated, len(names))
	var ordered []translator.Translated
	for _, name := range names {
		rec := byName[name]
		out, err := b.trans.Translate(rec, lookup)
		if err != nil {
			translationErrorsTotal.WithLabelValues(string(kind.DistributionKind())).Inc()
			b.log.Warn("bus: omitting record that failed translation",
				zap.String("kind", string(rec.Kind)), zap.String("team", rec.Team),
				zap.String("name", rec.Name), zap.Error(err))
			continue
		}
		resources[name] = out
		ordered = append(ordered, out)
	}
	return snapshot.KindView{Resources: resources, Version: translator.AggregateHash(ordered)}, nil
}

func (b *Bus) publish(scope domain.ScopeKey, generation uint64) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for ch := range b.subs[scope] {
		select {
		case ch <- generation:
		default:
			// Coalesce: drop the stale pending generation, push the latest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- generation:
			default:
			}
		}
	}
}
