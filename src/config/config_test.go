package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"NEO4J_URI", "JETSTREAM_ENABLED", "SYNC_INCLUDE_EXTERNAL", "ENVIRONMENT"} {
		t.Setenv(key, "")
	}
	cfg := Load()
	if cfg.Neo4j.URI != "bolt://localhost:7687" {
		t.Fatalf("unexpected default neo4j uri: %s", cfg.Neo4j.URI)
	}
	if !cfg.Jetstream.Enabled {
		t.Fatal("jetstream should default to enabled")
	}
	if cfg.IncludeExternal {
		t.Fatal("external collections should default to off")
	}
	if cfg.Production() {
		t.Fatal("default environment should not be production")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("NEO4J_URI", "neo4j://db:7687")
	t.Setenv("PDS_DID", "did:plc:abc")
	t.Setenv("JETSTREAM_WANTED_DIDS", "did:plc:abc, did:plc:def,")
	t.Setenv("JETSTREAM_DID_REFRESH_INTERVAL", "90s")
	t.Setenv("SYNC_INCLUDE_EXTERNAL", "true")
	t.Setenv("ENVIRONMENT", "production")

	cfg := Load()
	if cfg.Neo4j.URI != "neo4j://db:7687" {
		t.Fatalf("neo4j uri = %s", cfg.Neo4j.URI)
	}
	if len(cfg.Jetstream.WantedDIDs) != 2 {
		t.Fatalf("wanted dids = %v", cfg.Jetstream.WantedDIDs)
	}
	if cfg.Jetstream.DIDRefreshInterval != 90*time.Second {
		t.Fatalf("refresh interval = %s", cfg.Jetstream.DIDRefreshInterval)
	}
	if !cfg.IncludeExternal || !cfg.Production() {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate returned %v", err)
	}
}

func TestValidateRequiresDID(t *testing.T) {
	cfg := Load()
	cfg.PDS.DID = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error without a repository DID")
	}
}

func TestDIDDefaultsToRepositoryOwner(t *testing.T) {
	t.Setenv("PDS_DID", "did:plc:owner")
	t.Setenv("JETSTREAM_WANTED_DIDS", "")
	cfg := Load()
	if len(cfg.Jetstream.WantedDIDs) != 1 || cfg.Jetstream.WantedDIDs[0] != "did:plc:owner" {
		t.Fatalf("wanted dids = %v", cfg.Jetstream.WantedDIDs)
	}
}
