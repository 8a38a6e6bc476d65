// Package adminapi is the minimal write-side surface (SPEC_FULL.md §3): a
// plain net/http ServeMux exposing CRUD for teams, dataplanes, and the four
// resource-record kinds, plus a debug snapshot dump. It exists purely so the
// Repository has a real producer to exercise the xDS core end-to-end;
// authentication, authorization, audit logging, and input schema validation
// beyond "does this decode and carry the required fields" are explicitly out
// of scope (spec.md §1, §9).
//
// The handler shape (mux.HandleFunc with method+path patterns, JSON
// request/response bodies, http.Error for failures) is grounded on
// r1cht4-envoyage's cmd/controlplane/main.go.
package adminapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/flowplane/flowplane/internal/bus"
	"github.com/flowplane/flowplane/internal/domain"
	"github.com/flowplane/flowplane/internal/repository/memstore"
)

// Server wires a memstore.Store (the only Repository implementation with a
// write side) into an HTTP handler. The ADS core itself only ever depends
// on the read-only repository.Repository interface; adminapi is the one
// place that depends on memstore's write methods directly, same as the
// teacher's registry is depended on concretely by its management API.
type Server struct {
	store *memstore.Store
	bus   *bus.Bus
	log   *zap.Logger
}

// New creates a Server backed by store, using b to build debug snapshots
// on demand via the same first-access-build path the ADS Server uses.
func New(store *memstore.Store, b *bus.Bus, log *zap.Logger) *Server {
	return &Server{store: store, bus: b, log: log}
}

// Handler builds the routed ServeMux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /teams", s.putTeam)
	mux.HandleFunc("GET /teams", s.listTeams)
	mux.HandleFunc("POST /dataplanes", s.putDataplane)
	mux.HandleFunc("GET /dataplanes/{team}", s.listDataplanes)

	mux.HandleFunc("POST /records/{kind}", s.putRecord)
	mux.HandleFunc("GET /records/{kind}/{team}", s.listRecords)
	mux.HandleFunc("GET /records/{kind}/{team}/{name}", s.getRecord)
	mux.HandleFunc("DELETE /records/{kind}/{team}/{name}", s.deleteRecord)

	mux.HandleFunc("GET /debug/snapshot/{team}/{dataplane}", s.debugSnapshot)
	mux.HandleFunc("GET /healthz", s.healthz)
	return mux
}

func (s *Server) putTeam(w http.ResponseWriter, r *http.Request) {
	var t domain.Team
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if t.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if t.Status == "" {
		t.Status = domain.StatusActive
	}
	if t.ListenerMode == "" {
		t.ListenerMode = domain.ListenerModeShared
	}
	s.store.PutTeam(t)
	s.log.Info("adminapi: team upserted", zap.String("team", t.Name))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := s.store.Teams(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, teams)
}

func (s *Server) putDataplane(w http.ResponseWriter, r *http.Request) {
	var d domain.Dataplane
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if d.ID == "" || d.Team == "" || d.Name == "" {
		http.Error(w, "id, team, and name are required", http.StatusBadRequest)
		return
	}
	if d.Status == "" {
		d.Status = domain.StatusActive
	}
	s.store.PutDataplane(d)
	s.log.Info("adminapi: dataplane upserted", zap.String("team", d.Team), zap.String("dataplane", d.ID))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listDataplanes(w http.ResponseWriter, r *http.Request) {
	planes, err := s.store.Dataplanes(r.Context(), r.PathValue("team"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, planes)
}

// recordRequest is the wire shape for POST /records/{kind}: the envelope
// fields plus a kind-specific body decoded based on the path's {kind}.
type recordRequest struct {
	Team        string          `json:"team"`
	DataplaneID string          `json:"dataplane_id"`
	Name        string          `json:"name"`
	Body        json.RawMessage `json:"body"`
}

func (s *Server) putRecord(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseKind(r.PathValue("kind"))
	if !ok {
		http.Error(w, "unknown record kind", http.StatusBadRequest)
		return
	}
	var req recordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Team == "" || req.Name == "" {
		http.Error(w, "team and name are required", http.StatusBadRequest)
		return
	}
	body, err := decodeBody(kind, req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec := domain.Record{
		Kind:        kind,
		Team:        req.Team,
		DataplaneID: req.DataplaneID,
		Name:        req.Name,
		Body:        body,
	}
	out, err := s.store.Put(rec)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.log.Info("adminapi: record upserted",
		zap.String("kind", string(kind)), zap.String("team", req.Team), zap.String("name", req.Name))
	writeJSON(w, out)
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseKind(r.PathValue("kind"))
	if !ok {
		http.Error(w, "unknown record kind", http.StatusBadRequest)
		return
	}
	recs, err := s.store.List(r.Context(), kind, r.PathValue("team"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseKind(r.PathValue("kind"))
	if !ok {
		http.Error(w, "unknown record kind", http.StatusBadRequest)
		return
	}
	rec, err := s.store.Get(r.Context(), kind, r.PathValue("team"), r.PathValue("name"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, rec)
}

func (s *Server) deleteRecord(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseKind(r.PathValue("kind"))
	if !ok {
		http.Error(w, "unknown record kind", http.StatusBadRequest)
		return
	}
	s.store.Delete(kind, r.PathValue("team"), r.PathValue("name"))
	s.log.Info("adminapi: record deleted",
		zap.String("kind", string(kind)), zap.String("team", r.PathValue("team")), zap.String("name", r.PathValue("name")))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) debugSnapshot(w http.ResponseWriter, r *http.Request) {
	scope := domain.ScopeKey{Team: r.PathValue("team"), DataplaneID: r.PathValue("dataplane")}
	snap, err := s.bus.Current(r.Context(), scope)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	ya, err := snap.DumpYAML()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(ya)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func parseKind(s string) (domain.Kind, bool) {
	switch domain.Kind(s) {
	case domain.KindCluster, domain.KindEndpoint, domain.KindRouteConfig, domain.KindListener, domain.KindSecret:
		return domain.Kind(s), true
	}
	return "", false
}

func decodeBody(kind domain.Kind, raw json.RawMessage) (any, error) {
	switch kind {
	case domain.KindCluster, domain.KindSecret:
		var b domain.ClusterBody
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case domain.KindEndpoint:
		var b domain.EndpointBody
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case domain.KindRouteConfig:
		var b domain.RouteConfigBody
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case domain.KindListener:
		var b domain.ListenerBody
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, http.ErrNotSupported
	}
}
