package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/comind-network/graphsync/src/atproto"
	"github.com/comind-network/graphsync/src/checkpoint"
	"github.com/comind-network/graphsync/src/schema"
)

const (
	defaultReconnectDelay     = 5 * time.Second
	defaultDIDRefreshInterval = 5 * time.Minute

	// cursorConsumer names the stream position in the checkpoint store.
	cursorConsumer = "jetstream"
)

// errRefreshDIDs signals that the watched repository set changed and the
// connection must be rebuilt with new filters.
var errRefreshDIDs = errors.New("did filter changed")

// Event is one message from the event stream.
type Event struct {
	DID    string  `json:"did"`
	TimeUS int64   `json:"time_us"`
	Kind   string  `json:"kind"`
	Commit *Commit `json:"commit"`
}

// Commit describes a repository write carried by a commit event.
type Commit struct {
	Operation  string          `json:"operation"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	CID        string          `json:"cid"`
	Record     json.RawMessage `json:"record"`
}

// Conn is one established stream connection.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens a connection to the event stream.
type Dialer func(ctx context.Context, rawURL string) (Conn, error)

type wsConn struct {
	conn *websocket.Conn
}

func (w wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	return data, err
}

func (w wsConn) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "")
}

func websocketDialer(ctx context.Context, rawURL string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	// Commit events for rich posts can exceed the default limit.
	conn.SetReadLimit(1 << 20)
	return wsConn{conn: conn}, nil
}

// DIDProvider returns the repositories whose events should be consumed. It is
// re-invoked periodically so newly activated repositories join a running
// consumer without a restart.
type DIDProvider func(ctx context.Context) ([]string, error)

// StaticDIDs builds a provider over a fixed repository list.
func StaticDIDs(dids ...string) DIDProvider {
	return func(context.Context) ([]string, error) { return dids, nil }
}

// Consumer maintains a filtered subscription to the event stream and feeds
// commit events through the fail-open adapter. It reconnects forever until
// the context is done.
type Consumer struct {
	endpoint        string
	adapter         *Adapter
	dids            DIDProvider
	checkpoints     *checkpoint.Store
	logger          *zap.Logger
	collections     []string
	dial            Dialer
	reconnectDelay  time.Duration
	refreshInterval time.Duration
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithDialer replaces the websocket dialer.
func WithDialer(dial Dialer) ConsumerOption {
	return func(c *Consumer) { c.dial = dial }
}

// WithStreamCheckpoints persists the stream cursor so a restarted consumer
// resumes from where it left off.
func WithStreamCheckpoints(store *checkpoint.Store) ConsumerOption {
	return func(c *Consumer) { c.checkpoints = store }
}

// WithWantedCollections overrides the subscribed collection set.
func WithWantedCollections(collections []string) ConsumerOption {
	return func(c *Consumer) {
		if len(collections) > 0 {
			c.collections = collections
		}
	}
}

// WithReconnectDelay sets the wait between failed connection attempts.
func WithReconnectDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.reconnectDelay = d }
}

// WithDIDRefreshInterval sets how often the watched repository set is
// re-evaluated.
func WithDIDRefreshInterval(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.refreshInterval = d }
}

// NewConsumer builds a stream consumer for the given endpoint.
func NewConsumer(endpoint string, adapter *Adapter, dids DIDProvider, logger *zap.Logger, opts ...ConsumerOption) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Consumer{
		endpoint:        endpoint,
		adapter:         adapter,
		dids:            dids,
		logger:          logger.Named("consumer"),
		dial:            websocketDialer,
		reconnectDelay:  defaultReconnectDelay,
		refreshInterval: defaultDIDRefreshInterval,
	}
	c.collections = append(c.collections, schema.EntityCollections()...)
	c.collections = append(c.collections, schema.RelationshipCollections()...)
	c.collections = append(c.collections, schema.ExternalCollections()...)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes the stream until ctx is done. Connection failures and read
// errors trigger a delayed reconnect; a changed repository set triggers an
// immediate one with rebuilt filters.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		dids, err := c.dids(ctx)
		if err != nil {
			c.logger.Warn("repository list unavailable, retrying", zap.Error(err))
			if !c.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}
		if len(dids) == 0 {
			c.logger.Warn("no watched repositories, subscribing unfiltered")
		}

		streamURL, err := c.streamURL(ctx, dids)
		if err != nil {
			return err
		}
		conn, err := c.dial(ctx, streamURL)
		if err != nil {
			c.logger.Error("stream connect failed", zap.Error(err))
			if !c.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}
		c.logger.Info("connected to event stream",
			zap.String("endpoint", c.endpoint),
			zap.Int("repositories", len(dids)))

		err = c.readLoop(ctx, conn, dids)
		_ = conn.Close()
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, errRefreshDIDs):
			// Reconnect immediately with the new filter set.
		default:
			c.logger.Warn("stream disconnected", zap.Error(err))
			if !c.sleep(ctx) {
				return ctx.Err()
			}
		}
	}
}

func (c *Consumer) readLoop(ctx context.Context, conn Conn, dids []string) error {
	nextRefresh := time.Now().Add(c.refreshInterval)
	for {
		readCtx, cancel := context.WithDeadline(ctx, nextRefresh)
		data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// The per-read deadline only exists to check the repository
			// set; a timeout is not a connection failure.
			if errors.Is(err, context.DeadlineExceeded) {
				nextRefresh = time.Now().Add(c.refreshInterval)
				changed, refreshErr := c.didsChanged(ctx, dids)
				if refreshErr != nil {
					c.logger.Warn("repository refresh failed", zap.Error(refreshErr))
					continue
				}
				if changed {
					c.logger.Info("watched repositories changed, reconnecting")
					return errRefreshDIDs
				}
				continue
			}
			return err
		}
		c.handleEvent(ctx, data)
	}
}

func (c *Consumer) handleEvent(ctx context.Context, data []byte) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		c.logger.Warn("undecodable stream event", zap.Error(err))
		return
	}
	if ev.Kind == "commit" && ev.Commit != nil {
		commit := ev.Commit
		uri := fmt.Sprintf("at://%s/%s/%s", ev.DID, commit.Collection, commit.RKey)
		switch commit.Operation {
		case "create", "update":
			rec := atproto.Record{URI: uri, CID: commit.CID, Value: commit.Record}
			c.adapter.Apply(ctx, rec, commit.Collection)
		case "delete":
			// Deletes are not mirrored; the graph keeps referenced history.
			c.logger.Info("delete event skipped", zap.String("uri", uri))
		default:
			c.logger.Warn("unknown commit operation",
				zap.String("operation", commit.Operation),
				zap.String("uri", uri))
		}
	}
	if c.checkpoints != nil && ev.TimeUS > 0 {
		if err := c.checkpoints.SaveStreamCursor(ctx, cursorConsumer, ev.TimeUS); err != nil {
			c.logger.Warn("cursor save failed", zap.Error(err))
		}
	}
}

func (c *Consumer) streamURL(ctx context.Context, dids []string) (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse stream endpoint: %w", err)
	}
	q := u.Query()
	for _, collection := range c.collections {
		q.Add("wantedCollections", collection)
	}
	for _, did := range dids {
		q.Add("wantedDids", did)
	}
	if c.checkpoints != nil {
		if cursor, ok, err := c.checkpoints.StreamCursor(ctx, cursorConsumer); err != nil {
			c.logger.Warn("cursor read failed", zap.Error(err))
		} else if ok {
			q.Set("cursor", fmt.Sprintf("%d", cursor))
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Consumer) didsChanged(ctx context.Context, current []string) (bool, error) {
	next, err := c.dids(ctx)
	if err != nil {
		return false, err
	}
	if len(next) != len(current) {
		return true, nil
	}
	set := make(map[string]bool, len(current))
	for _, did := range current {
		set[did] = true
	}
	for _, did := range next {
		if !set[did] {
			return true, nil
		}
	}
	return false, nil
}

// sleep waits the reconnect delay; false means the context ended first.
func (c *Consumer) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.reconnectDelay):
		return true
	}
}
