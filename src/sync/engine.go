// Package sync bridges source repository records and the derived graph. The
// batch orchestrator and the real-time adapter both funnel through
// Engine.UpsertRecord, so there is exactly one mapping path and the two sync
// modes cannot drift apart.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/comind-network/graphsync/src/atproto"
	"github.com/comind-network/graphsync/src/cache"
	"github.com/comind-network/graphsync/src/graph"
	"github.com/comind-network/graphsync/src/schema"
)

// RecordFetcher fetches single records for concept text backfill. The client
// in src/atproto satisfies it.
type RecordFetcher interface {
	GetRecordByURI(ctx context.Context, uri string) (atproto.Record, error)
}

// UpsertResult describes what one record sync did to the graph.
type UpsertResult struct {
	// Created is true when a new node or edge was written.
	Created bool
	// Skipped is true when the revision was recently seen and nothing was
	// written.
	Skipped bool
	// Stubs counts placeholder endpoint nodes that had to be materialized.
	Stubs int
}

// Engine performs idempotent node and edge upserts. It holds no record-level
// state: identity resolution happens entirely through the graph store's
// create-or-merge operations, so concurrent batch and real-time upserts of
// the same URI converge regardless of interleaving.
type Engine struct {
	store   graph.Store
	fetcher RecordFetcher
	seen    *cache.SeenCache
	logger  *zap.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithFetcher enables concept text backfill for relationship records whose
// target concept has not been synced yet.
func WithFetcher(fetcher RecordFetcher) EngineOption {
	return func(e *Engine) { e.fetcher = fetcher }
}

// WithSeenCache installs a recently-seen revision cache that short-circuits
// redundant upserts within one process.
func WithSeenCache(seen *cache.SeenCache) EngineOption {
	return func(e *Engine) { e.seen = seen }
}

// NewEngine builds the upsert engine over a graph store.
func NewEngine(store graph.Store, logger *zap.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:  store,
		logger: logger.Named("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// UpsertRecord syncs one record into the graph: entity records become nodes,
// relationship records become edges with both endpoints resolved. Safe to
// repeat for the same revision.
func (e *Engine) UpsertRecord(ctx context.Context, rec atproto.Record, collection string) (UpsertResult, error) {
	if rec.URI == "" {
		return UpsertResult{}, errors.New("record has no uri")
	}
	if e.seen != nil && e.seen.Seen(rec.URI, rec.CID) {
		return UpsertResult{Skipped: true}, nil
	}

	classified, err := schema.Classify(collection, rec.Value)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("classify %s: %w", rec.URI, err)
	}

	var result UpsertResult
	switch classified.Kind {
	case schema.KindEntity:
		result, err = e.upsertNode(ctx, rec, classified)
	case schema.KindRelationship:
		result, err = e.upsertEdge(ctx, rec, classified)
	default:
		err = fmt.Errorf("unhandled classification kind %d", classified.Kind)
	}
	if err != nil {
		return UpsertResult{}, err
	}
	if e.seen != nil {
		e.seen.Mark(rec.URI, rec.CID)
	}
	return result, nil
}

func (e *Engine) upsertNode(ctx context.Context, rec atproto.Record, classified schema.Classification) (UpsertResult, error) {
	outcome, err := e.store.UpsertNode(ctx, graph.NodeUpsert{
		URI:        rec.URI,
		CID:        rec.CID,
		Labels:     classified.Labels,
		Properties: classified.Properties,
		OwnerDID:   ownerDID(rec.URI),
		CreatedAt:  classified.CreatedAt,
	})
	if err != nil {
		return UpsertResult{}, err
	}
	return UpsertResult{Created: outcome.Created}, nil
}

func (e *Engine) upsertEdge(ctx context.Context, rec atproto.Record, classified schema.Classification) (UpsertResult, error) {
	edge := classified.Edge
	up := graph.EdgeUpsert{
		URI:          rec.URI,
		CID:          rec.CID,
		SourceURI:    edge.SourceURI,
		TargetURI:    edge.TargetURI,
		EdgeType:     edge.EdgeType,
		Relationship: edge.Relationship,
		Strength:     edge.Strength,
		Note:         edge.Note,
		CreatedAt:    classified.CreatedAt,
		TargetLabel:  edge.TargetLabel,
	}
	if edge.WantConceptText {
		up.TargetText = e.conceptText(ctx, edge.TargetURI)
	}

	outcome, err := e.store.UpsertEdge(ctx, up)
	if err != nil {
		return UpsertResult{}, err
	}
	return UpsertResult{Created: outcome.Created, Stubs: outcome.Stubs()}, nil
}

// conceptText fetches the target concept's text from the source repository so
// an edge-first sync order never leaves a text-less concept node. Best
// effort: any failure degrades to a bare placeholder, never fails the edge.
func (e *Engine) conceptText(ctx context.Context, targetURI string) string {
	if e.fetcher == nil {
		return ""
	}
	target, err := e.fetcher.GetRecordByURI(ctx, targetURI)
	if err != nil {
		if !errors.Is(err, atproto.ErrRecordNotFound) {
			e.logger.Warn("concept text backfill failed",
				zap.String("target", targetURI),
				zap.Error(err))
		}
		return ""
	}
	var value struct {
		Concept string `json:"concept"`
	}
	if err := json.Unmarshal(target.Value, &value); err != nil {
		return ""
	}
	return value.Concept
}

// ownerDID attaches ownership only for native records; external records
// (posts, likes) are referenced content, not part of a watched repository.
func ownerDID(uri string) string {
	parsed, err := atproto.ParseURI(uri)
	if err != nil {
		return ""
	}
	if !schema.IsNative(parsed.Collection) {
		return ""
	}
	return parsed.DID
}
