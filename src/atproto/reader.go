package atproto

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// DefaultPageSize matches the com.atproto.repo.listRecords maximum.
const DefaultPageSize = 100

// Lister is the slice of Client the reader needs; tests provide fakes.
type Lister interface {
	ListRecordsPage(ctx context.Context, repoDID, collection, cursor string, limit int) ([]Record, string, error)
}

// Reader enumerates complete collections by following pagination cursors until
// the source signals exhaustion. Stopping at a page boundary silently loses
// records downstream, so every listing in the module goes through here.
type Reader struct {
	lister   Lister
	pageSize int
	maxTries uint
	logger   *zap.Logger
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithPageSize overrides the page size requested from the source.
func WithPageSize(n int) ReaderOption {
	return func(r *Reader) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// WithMaxTries bounds the retry attempts per page fetch.
func WithMaxTries(n uint) ReaderOption {
	return func(r *Reader) {
		if n > 0 {
			r.maxTries = n
		}
	}
}

// NewReader wraps a Lister in a cursor-following enumerator.
func NewReader(lister Lister, logger *zap.Logger, opts ...ReaderOption) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reader{
		lister:   lister,
		pageSize: DefaultPageSize,
		maxTries: 4,
		logger:   logger.Named("reader"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ForEach yields every record of a collection, in source order, to fn. fn
// returns false to stop early. Transient page-fetch errors are retried with
// exponential backoff; a fetch that exhausts its retries surfaces as a
// terminal error for the collection.
func (r *Reader) ForEach(ctx context.Context, repoDID, collection string, fn func(Record) bool) error {
	cursor := ""
	pages := 0
	for {
		records, next, err := r.fetchPage(ctx, repoDID, collection, cursor)
		if err != nil {
			return fmt.Errorf("list %s (cursor %q): %w", collection, cursor, err)
		}
		pages++
		for _, rec := range records {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !fn(rec) {
				return nil
			}
		}
		if next == "" {
			r.logger.Debug("collection exhausted",
				zap.String("collection", collection),
				zap.Int("pages", pages))
			return nil
		}
		cursor = next
	}
}

// ListAll accumulates a full collection in memory. Batch sync prefers ForEach;
// this exists for small collections and tooling.
func (r *Reader) ListAll(ctx context.Context, repoDID, collection string) ([]Record, error) {
	var out []Record
	err := r.ForEach(ctx, repoDID, collection, func(rec Record) bool {
		out = append(out, rec)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type page struct {
	records []Record
	cursor  string
}

func (r *Reader) fetchPage(ctx context.Context, repoDID, collection, cursor string) ([]Record, string, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxInterval = 10 * time.Second

	result, err := backoff.Retry(ctx, func() (page, error) {
		records, next, err := r.lister.ListRecordsPage(ctx, repoDID, collection, cursor, r.pageSize)
		if err != nil {
			if !isTransient(err) {
				return page{}, backoff.Permanent(err)
			}
			r.logger.Warn("page fetch failed, retrying",
				zap.String("collection", collection),
				zap.Error(err))
			return page{}, err
		}
		return page{records: records, cursor: next}, nil
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(r.maxTries))
	if err != nil {
		return nil, "", err
	}
	return result.records, result.cursor, nil
}

func isTransient(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Transient()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Network-level failures (connection reset, refused) land here.
	return true
}
