// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Neo4j holds graph database connection settings.
type Neo4j struct {
	URI      string
	Username string
	Password string
	Database string
}

// PDS holds the source repository host and credentials.
type PDS struct {
	Host        string
	DID         string
	AccessToken string
}

// Jetstream holds event stream settings.
type Jetstream struct {
	Endpoint           string
	Enabled            bool
	WantedDIDs         []string
	DIDRefreshInterval time.Duration
}

// Config is the full runtime configuration.
type Config struct {
	Neo4j           Neo4j
	PDS             PDS
	Jetstream       Jetstream
	CheckpointPath  string
	IncludeExternal bool
	Collections     []string
	Environment     string
}

// Load reads configuration from the environment, applying defaults for local
// development. Credentials have no defaults.
func Load() Config {
	cfg := Config{
		Neo4j: Neo4j{
			URI:      getenv("NEO4J_URI", "bolt://localhost:7687"),
			Username: getenv("NEO4J_USERNAME", "neo4j"),
			Password: os.Getenv("NEO4J_PASSWORD"),
			Database: getenv("NEO4J_DATABASE", "neo4j"),
		},
		PDS: PDS{
			Host:        getenv("PDS_HOST", "https://bsky.social"),
			DID:         os.Getenv("PDS_DID"),
			AccessToken: os.Getenv("PDS_ACCESS_TOKEN"),
		},
		Jetstream: Jetstream{
			Endpoint:           getenv("JETSTREAM_ENDPOINT", "wss://jetstream2.us-east.bsky.network/subscribe"),
			Enabled:            getbool("JETSTREAM_ENABLED", true),
			WantedDIDs:         getlist("JETSTREAM_WANTED_DIDS"),
			DIDRefreshInterval: getduration("JETSTREAM_DID_REFRESH_INTERVAL", 5*time.Minute),
		},
		CheckpointPath:  getenv("CHECKPOINT_PATH", "graphsync.db"),
		IncludeExternal: getbool("SYNC_INCLUDE_EXTERNAL", false),
		Collections:     getlist("SYNC_COLLECTIONS"),
		Environment:     getenv("ENVIRONMENT", "development"),
	}
	if len(cfg.Jetstream.WantedDIDs) == 0 && cfg.PDS.DID != "" {
		cfg.Jetstream.WantedDIDs = []string{cfg.PDS.DID}
	}
	return cfg
}

// Validate reports the settings a sync run cannot start without.
func (c Config) Validate() error {
	if c.Neo4j.URI == "" {
		return fmt.Errorf("NEO4J_URI is required")
	}
	if c.PDS.DID == "" {
		return fmt.Errorf("PDS_DID is required")
	}
	return nil
}

// Production reports whether the process runs with production settings.
func (c Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getbool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getlist(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getduration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
