package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/comind-network/graphsync/src/atproto"
	"github.com/comind-network/graphsync/src/checkpoint"
	"github.com/comind-network/graphsync/src/graph"
	"github.com/comind-network/graphsync/src/schema"
)

// Source enumerates complete collections; src/atproto.Reader satisfies it.
type Source interface {
	ForEach(ctx context.Context, repoDID, collection string, fn func(atproto.Record) bool) error
}

// Syncer drives batch synchronization: schema setup, single collections, and
// full runs over the known collection set. Collections are bulkheads: one
// terminal failure never stops the others.
type Syncer struct {
	source          Source
	engine          *Engine
	store           graph.Store
	checkpoints     *checkpoint.Store
	logger          *zap.Logger
	includeExternal bool
	collections     []string
}

// SyncerOption configures a Syncer.
type SyncerOption func(*Syncer)

// WithCheckpoints records per-collection progress in the checkpoint store.
func WithCheckpoints(store *checkpoint.Store) SyncerOption {
	return func(s *Syncer) { s.checkpoints = store }
}

// WithExternalCollections includes referenced non-native collections
// (e.g. app.bsky.feed.post) in full runs.
func WithExternalCollections(include bool) SyncerOption {
	return func(s *Syncer) { s.includeExternal = include }
}

// WithCollections overrides the collection set for full runs.
func WithCollections(collections []string) SyncerOption {
	return func(s *Syncer) {
		if len(collections) > 0 {
			s.collections = collections
		}
	}
}

// NewSyncer wires a record source, the upsert engine and the graph store.
func NewSyncer(source Source, engine *Engine, store graph.Store, logger *zap.Logger, opts ...SyncerOption) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Syncer{
		source: source,
		engine: engine,
		store:  store,
		logger: logger.Named("syncer"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// schemaConstraints and schemaIndexes describe the graph schema. The uri
// constraint on Record covers every node because all nodes carry the base
// label; Repo nodes key on did instead.
var schemaConstraints = []struct{ label, property string }{
	{"Record", "uri"},
	{"Repo", "did"},
}

// checkpointEvery matches the reader's page size so progress lands once per
// page of records.
const checkpointEvery = 100

var schemaIndexes = []struct{ label, property string }{
	{"Concept", "text"},
	{"Thought", "thoughtType"},
	{"Emotion", "emotionType"},
	{"Sphere", "title"},
	{"Record", "createdAt"},
}

// SetupSchema idempotently creates the uniqueness constraints and secondary
// indexes. Already-exists variants (older servers predate IF NOT EXISTS) are
// logged and swallowed so repeated setup is always safe; any other statement
// failure is still attempted past and then reported.
func (s *Syncer) SetupSchema(ctx context.Context) error {
	var firstErr error
	fail := func(what, label, property string, err error) {
		if alreadyExists(err) {
			s.logger.Debug(what+" already exists",
				zap.String("label", label),
				zap.String("property", property))
			return
		}
		s.logger.Warn(what+" setup failed",
			zap.String("label", label),
			zap.String("property", property),
			zap.Error(err))
		if firstErr == nil {
			firstErr = fmt.Errorf("%s %s.%s: %w", what, label, property, err)
		}
	}
	for _, c := range schemaConstraints {
		if err := s.store.EnsureConstraint(ctx, c.label, c.property); err != nil {
			fail("constraint", c.label, c.property, err)
		}
	}
	for _, idx := range schemaIndexes {
		if err := s.store.EnsureIndex(ctx, idx.label, idx.property); err != nil {
			fail("index", idx.label, idx.property, err)
		}
	}
	if firstErr != nil {
		return firstErr
	}
	s.logger.Info("graph schema setup complete")
	return nil
}

func alreadyExists(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already exists")
}

// SyncCollection syncs one collection end to end. Per-record failures are
// counted and skipped; only a terminal read error or the context deadline
// stops the run, and either way the summary reports the partial progress.
func (s *Syncer) SyncCollection(ctx context.Context, did, collection string) Summary {
	start := time.Now()
	sum := Summary{DID: did, Collection: collection}
	logger := s.logger.With(zap.String("did", did), zap.String("collection", collection))
	logger.Info("syncing collection")

	err := s.source.ForEach(ctx, did, collection, func(rec atproto.Record) bool {
		if ctx.Err() != nil {
			return false
		}
		result, err := s.engine.UpsertRecord(ctx, rec, collection)
		if err != nil {
			sum.Failed++
			logger.Error("record sync failed",
				zap.String("uri", rec.URI),
				zap.Error(err))
		} else {
			switch {
			case result.Skipped:
				sum.Skipped++
			case result.Created:
				sum.Created++
			default:
				sum.Updated++
			}
			sum.Stubs += result.Stubs
		}
		if s.checkpoints != nil && sum.Processed()%checkpointEvery == 0 {
			if cpErr := s.checkpoints.RecordCollectionSync(ctx, did, collection, sum.Processed(), sum.Failed); cpErr != nil {
				logger.Warn("checkpoint write failed", zap.Error(cpErr))
			}
		}
		return true
	})
	if err == nil {
		err = ctx.Err()
	}
	sum.Err = err
	sum.Duration = time.Since(start)

	if s.checkpoints != nil {
		if cpErr := s.checkpoints.RecordCollectionSync(context.WithoutCancel(ctx), did, collection, sum.Processed(), sum.Failed); cpErr != nil {
			logger.Warn("checkpoint write failed", zap.Error(cpErr))
		}
	}
	logger.Info("collection sync finished",
		zap.Int("created", sum.Created),
		zap.Int("updated", sum.Updated),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", sum.Failed),
		zap.Int("stubs", sum.Stubs),
		zap.Error(sum.Err))
	return sum
}

// SyncAll syncs every known collection in the default order: entities first,
// relationships after, external content last. The order only minimizes
// placeholder churn; stubs make any order correct.
func (s *Syncer) SyncAll(ctx context.Context, did string) Summaries {
	runID := uuid.NewString()
	logger := s.logger.With(zap.String("run_id", runID), zap.String("did", did))
	logger.Info("starting full sync")

	collections := s.collections
	if len(collections) == 0 {
		collections = append(collections, schema.EntityCollections()...)
		collections = append(collections, schema.RelationshipCollections()...)
		if s.includeExternal {
			collections = append(collections, schema.ExternalCollections()...)
		}
	}

	summaries := make(Summaries, 0, len(collections))
	for _, collection := range collections {
		summaries = append(summaries, s.SyncCollection(ctx, did, collection))
	}

	totals := summaries.Totals()
	logger.Info("full sync finished",
		zap.Int("created", totals.Created),
		zap.Int("updated", totals.Updated),
		zap.Int("skipped", totals.Skipped),
		zap.Int("failed", totals.Failed),
		zap.Bool("terminal_failures", summaries.AnyTerminal()))
	return summaries
}
