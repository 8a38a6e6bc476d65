// Package repository defines the capability the xDS core depends on to read
// persisted records and learn about changes to them. The core never writes
// through this interface (spec.md §6.2): write-side concerns (REST/admin
// API, auth, audit, OpenAPI import) live outside this package and outside
// the core entirely.
package repository

import (
	"context"
	"errors"

	"github.com/flowplane/flowplane/internal/domain"
)

// ErrNotFound is returned by Get when no record matches.
var ErrNotFound = errors.New("repository: record not found")

// Repository is the read-only projection plus change-notification stream
// the xDS core is built against (spec.md §6.2). Two independent
// implementations satisfy it: memstore (the default, in-process) and
// k8srepo (a GitOps-style alternative backed by Kubernetes ConfigMaps).
type Repository interface {
	// List returns every record of the given kind owned by team. Order is
	// unspecified; callers that need a stable order (internal/bus) sort
	// by name themselves.
	List(ctx context.Context, kind domain.Kind, team string) ([]domain.Record, error)

	// Get returns the named record, or ErrNotFound.
	Get(ctx context.Context, kind domain.Kind, team, name string) (domain.Record, error)

	// Teams lists every known team.
	Teams(ctx context.Context) ([]domain.Team, error)

	// Dataplanes lists the dataplanes belonging to team.
	Dataplanes(ctx context.Context, team string) ([]domain.Dataplane, error)

	// Changes returns a stream of change events. The repository guarantees
	// an event is emitted after every commit, at-least-once; it never
	// blocks a writer waiting for a slow subscriber (spec.md §6.2). The
	// returned channel is closed when ctx is done.
	Changes(ctx context.Context) (<-chan domain.ChangeEvent, error)
}
