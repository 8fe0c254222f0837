// Package graph persists derived nodes and edges in a property graph keyed by
// source record URIs. Identity is always the at:// URI; internal graph ids
// are never exposed.
package graph

import (
	"context"
	"fmt"
	"regexp"
)

// NodeUpsert is one create-or-merge of a node by URI.
type NodeUpsert struct {
	URI    string
	CID    string
	Labels []string
	// Properties is the queryable projection of the record value, never the
	// raw blob.
	Properties map[string]any
	// OwnerDID, when set, maintains the owning Repo node and its OWNS edge in
	// the same statement so the two can never drift apart.
	OwnerDID  string
	CreatedAt string
}

// EdgeUpsert is one create-or-merge of a typed edge, keyed by the relationship
// record's own URI so re-syncs update instead of duplicate. Missing endpoints
// are created as placeholder nodes; an edge is never written with fewer than
// two resolved endpoints.
type EdgeUpsert struct {
	URI          string
	CID          string
	SourceURI    string
	TargetURI    string
	EdgeType     string
	Relationship string
	Strength     *float64
	Note         string
	CreatedAt    string
	// TargetLabel is added to the target node when the relationship implies
	// its type (Concept, Sphere).
	TargetLabel string
	// TargetText, when known, backfills the target concept's text so an
	// edge-first sync order never leaves a text-less concept node.
	TargetText string
}

// NodeOutcome reports whether the upsert created the node or refreshed an
// existing one.
type NodeOutcome struct {
	Created bool
}

// EdgeOutcome reports edge creation plus any endpoints that had to be
// materialized as placeholders.
type EdgeOutcome struct {
	Created       bool
	SourceCreated bool
	TargetCreated bool
}

// Stubs counts the endpoints this upsert had to materialize.
func (o EdgeOutcome) Stubs() int {
	n := 0
	if o.SourceCreated {
		n++
	}
	if o.TargetCreated {
		n++
	}
	return n
}

// Store is the graph side of the sync engine. Implementations must make every
// operation idempotent: repeating an upsert converges on the same final state.
type Store interface {
	UpsertNode(ctx context.Context, up NodeUpsert) (NodeOutcome, error)
	UpsertEdge(ctx context.Context, up EdgeUpsert) (EdgeOutcome, error)
	EnsureConstraint(ctx context.Context, label, property string) error
	EnsureIndex(ctx context.Context, label, property string) error
	Query(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error)
	DeleteByURI(ctx context.Context, uri string) (bool, error)
	Close(ctx context.Context) error
}

var identRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// validIdent guards label and property names that are interpolated into
// cypher text (they cannot be parameterized).
func validIdent(name string) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("invalid graph identifier %q", name)
	}
	return nil
}
