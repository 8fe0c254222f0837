// Package stream consumes live repository events and applies them through the
// same upsert path the batch syncer uses. The stream is an accelerator on top
// of batch sync, so every failure here is contained: a record that cannot be
// applied is logged and dropped, and the next batch run repairs it.
package stream

import (
	"context"

	"go.uber.org/zap"

	"github.com/comind-network/graphsync/src/atproto"
	"github.com/comind-network/graphsync/src/sync"
)

// Upserter applies one record to the graph; *sync.Engine satisfies it.
type Upserter interface {
	UpsertRecord(ctx context.Context, rec atproto.Record, collection string) (sync.UpsertResult, error)
}

// Adapter is the fail-open boundary between the event stream and the graph.
// Apply never returns an error and never panics outward.
type Adapter struct {
	engine Upserter
	logger *zap.Logger
}

// NewAdapter wraps an upsert engine for stream use.
func NewAdapter(engine Upserter, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{engine: engine, logger: logger.Named("adapter")}
}

// Apply upserts one streamed record. Failures are logged and swallowed so the
// consumer keeps reading; batch sync reconciles anything missed here.
func (a *Adapter) Apply(ctx context.Context, rec atproto.Record, collection string) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("panic applying streamed record",
				zap.String("uri", rec.URI),
				zap.Any("panic", r))
		}
	}()

	result, err := a.engine.UpsertRecord(ctx, rec, collection)
	if err != nil {
		a.logger.Warn("streamed record dropped",
			zap.String("uri", rec.URI),
			zap.String("collection", collection),
			zap.Error(err))
		return
	}
	if result.Skipped {
		return
	}
	a.logger.Debug("streamed record applied",
		zap.String("uri", rec.URI),
		zap.Bool("created", result.Created),
		zap.Int("stubs", result.Stubs))
}
