package graph

import (
	"context"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// AccessMode controls whether a session is opened for reads or writes.
type AccessMode string

const (
	AccessModeWrite AccessMode = "write"
	AccessModeRead  AccessMode = "read"
)

// SessionConfig is the minimal slice of session configuration the store uses.
type SessionConfig struct {
	AccessMode AccessMode
	Database   string
}

// Driver abstracts the Neo4j driver capabilities the store needs, so tests
// can substitute lightweight fakes for the real bolt driver.
type Driver interface {
	NewSession(ctx context.Context, config SessionConfig) Session
	VerifyConnectivity(ctx context.Context) error
	Close(ctx context.Context) error
}

// Session runs cypher statements. One session per store call; no session is
// held across a network suspension point.
type Session interface {
	Run(ctx context.Context, cypher string, params map[string]any) (Result, error)
	Close(ctx context.Context) error
}

// Result iterates result rows as plain maps.
type Result interface {
	Next(ctx context.Context) bool
	Record() map[string]any
	Err() error
}

// WrapDriver adapts the official Neo4j Go driver to the Driver interface.
func WrapDriver(driver neo4j.DriverWithContext) Driver {
	if driver == nil {
		return nil
	}
	return &driverWrapper{driver: driver}
}

// Connect opens a bolt connection and verifies it before returning.
func Connect(ctx context.Context, uri, username, password string) (Driver, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, err
	}
	wrapped := WrapDriver(driver)
	if err := wrapped.VerifyConnectivity(ctx); err != nil {
		_ = wrapped.Close(ctx)
		return nil, err
	}
	return wrapped, nil
}

type driverWrapper struct {
	driver neo4j.DriverWithContext
}

func (d *driverWrapper) NewSession(ctx context.Context, config SessionConfig) Session {
	sessionConfig := neo4j.SessionConfig{DatabaseName: config.Database}
	switch config.AccessMode {
	case AccessModeRead:
		sessionConfig.AccessMode = neo4j.AccessModeRead
	default:
		sessionConfig.AccessMode = neo4j.AccessModeWrite
	}
	return &sessionWrapper{session: d.driver.NewSession(ctx, sessionConfig)}
}

func (d *driverWrapper) VerifyConnectivity(ctx context.Context) error {
	return d.driver.VerifyConnectivity(ctx)
}

func (d *driverWrapper) Close(ctx context.Context) error {
	return d.driver.Close(ctx)
}

type sessionWrapper struct {
	session neo4j.SessionWithContext
}

func (s *sessionWrapper) Run(ctx context.Context, cypher string, params map[string]any) (Result, error) {
	result, err := s.session.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	return &resultWrapper{result: result}, nil
}

func (s *sessionWrapper) Close(ctx context.Context) error {
	return s.session.Close(ctx)
}

type resultWrapper struct {
	result neo4j.ResultWithContext
}

func (r *resultWrapper) Next(ctx context.Context) bool {
	return r.result.Next(ctx)
}

func (r *resultWrapper) Record() map[string]any {
	record := r.result.Record()
	if record == nil {
		return nil
	}
	return record.AsMap()
}

func (r *resultWrapper) Err() error {
	return r.result.Err()
}
