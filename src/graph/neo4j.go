package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Neo4jStore implements Store on top of a bolt driver. All upserts are MERGE
// statements keyed by uri, so repeating any of them is safe; owner bookkeeping
// happens inside the same statement as the node write.
type Neo4jStore struct {
	driver   Driver
	database string
	logger   *zap.Logger
	nowFn    func() time.Time
}

// NewNeo4jStore wraps a connected driver.
func NewNeo4jStore(driver Driver, database string, logger *zap.Logger) (*Neo4jStore, error) {
	if driver == nil {
		return nil, fmt.Errorf("neo4j driver is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Neo4jStore{
		driver:   driver,
		database: database,
		logger:   logger.Named("neo4j"),
		nowFn:    time.Now,
	}, nil
}

var _ Store = (*Neo4jStore)(nil)

// Close releases the underlying driver.
func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// UpsertNode creates or refreshes the node for one record. A node that was
// previously materialized as a placeholder edge endpoint is enriched in place:
// the MERGE matches it by uri and the SET clauses add the real labels and
// properties without creating a duplicate.
func (s *Neo4jStore) UpsertNode(ctx context.Context, up NodeUpsert) (NodeOutcome, error) {
	extraLabels, err := labelClause("n", up.Labels)
	if err != nil {
		return NodeOutcome{}, err
	}

	var b strings.Builder
	params := map[string]any{
		"uri":       up.URI,
		"cid":       up.CID,
		"props":     up.Properties,
		"createdAt": up.CreatedAt,
		"now":       s.now(),
	}
	if up.OwnerDID != "" {
		b.WriteString(`MERGE (repo:Repo {did: $did})
ON CREATE SET repo.createdAt = $now
SET repo.updatedAt = $now
`)
		params["did"] = up.OwnerDID
	}
	b.WriteString(`MERGE (n:Record {uri: $uri})
ON CREATE SET n.firstSeenAt = $now
`)
	if extraLabels != "" {
		b.WriteString("SET " + extraLabels + "\n")
	}
	b.WriteString(`SET n.cid = $cid, n += $props, n.updatedAt = $now
`)
	if up.OwnerDID != "" {
		b.WriteString(`MERGE (repo)-[o:OWNS]->(n)
ON CREATE SET o.createdAt = $createdAt
SET o.updatedAt = $now
`)
	}
	b.WriteString(`RETURN n.firstSeenAt = $now AS created`)

	row, err := s.runSingle(ctx, b.String(), params)
	if err != nil {
		return NodeOutcome{}, fmt.Errorf("upsert node %s: %w", up.URI, err)
	}
	return NodeOutcome{Created: boolField(row, "created")}, nil
}

// UpsertEdge creates or refreshes the edge for one relationship record. Both
// endpoints are merged first, so a relationship synced before its endpoint
// records still lands with total referential integrity; endpoints that did
// not exist yet are counted in the outcome.
func (s *Neo4jStore) UpsertEdge(ctx context.Context, up EdgeUpsert) (EdgeOutcome, error) {
	if err := validIdent(up.EdgeType); err != nil {
		return EdgeOutcome{}, err
	}
	if up.SourceURI == "" || up.TargetURI == "" {
		return EdgeOutcome{}, fmt.Errorf("edge %s has an unresolved endpoint", up.URI)
	}

	var b strings.Builder
	params := map[string]any{
		"uri":          up.URI,
		"cid":          up.CID,
		"sourceUri":    up.SourceURI,
		"targetUri":    up.TargetURI,
		"relationship": up.Relationship,
		"strength":     strengthParam(up.Strength),
		"note":         up.Note,
		"createdAt":    up.CreatedAt,
		"now":          s.now(),
	}
	b.WriteString(`MERGE (source:Record {uri: $sourceUri})
ON CREATE SET source.firstSeenAt = $now, source.createdAt = $now
MERGE (target:Record {uri: $targetUri})
ON CREATE SET target.firstSeenAt = $now, target.createdAt = $now
`)
	if up.TargetLabel != "" {
		if err := validIdent(up.TargetLabel); err != nil {
			return EdgeOutcome{}, err
		}
		b.WriteString("SET target:" + up.TargetLabel + "\n")
	}
	if up.TargetText != "" {
		b.WriteString("SET target.text = $targetText\n")
		params["targetText"] = up.TargetText
	}
	fmt.Fprintf(&b, `MERGE (source)-[r:%s {uri: $uri}]->(target)
ON CREATE SET r.firstSeenAt = $now, r.createdAt = $createdAt
SET r.cid = $cid, r.relationship = $relationship, r.strength = $strength, r.note = $note, r.updatedAt = $now
RETURN r.firstSeenAt = $now AS created,
       source.firstSeenAt = $now AS sourceCreated,
       target.firstSeenAt = $now AS targetCreated`, up.EdgeType)

	row, err := s.runSingle(ctx, b.String(), params)
	if err != nil {
		return EdgeOutcome{}, fmt.Errorf("upsert edge %s: %w", up.URI, err)
	}
	return EdgeOutcome{
		Created:       boolField(row, "created"),
		SourceCreated: boolField(row, "sourceCreated"),
		TargetCreated: boolField(row, "targetCreated"),
	}, nil
}

// EnsureConstraint idempotently creates a uniqueness constraint.
func (s *Neo4jStore) EnsureConstraint(ctx context.Context, label, property string) error {
	if err := validIdent(label); err != nil {
		return err
	}
	if err := validIdent(property); err != nil {
		return err
	}
	cypher := fmt.Sprintf(
		"CREATE CONSTRAINT %s_%s_unique IF NOT EXISTS FOR (n:%s) REQUIRE n.%s IS UNIQUE",
		strings.ToLower(label), strings.ToLower(property), label, property)
	_, err := s.run(ctx, cypher, nil)
	return err
}

// EnsureIndex idempotently creates a secondary index.
func (s *Neo4jStore) EnsureIndex(ctx context.Context, label, property string) error {
	if err := validIdent(label); err != nil {
		return err
	}
	if err := validIdent(property); err != nil {
		return err
	}
	cypher := fmt.Sprintf(
		"CREATE INDEX %s_%s_idx IF NOT EXISTS FOR (n:%s) ON (n.%s)",
		strings.ToLower(label), strings.ToLower(property), label, property)
	_, err := s.run(ctx, cypher, nil)
	return err
}

// Query runs an ad-hoc cypher statement and returns all rows.
func (s *Neo4jStore) Query(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	return s.run(ctx, cypher, params)
}

// DeleteByURI removes the node for one record together with every edge
// attached to it. Sync never calls this, absence of a record is not treated
// as deletion; it backs explicit operator-driven removal.
func (s *Neo4jStore) DeleteByURI(ctx context.Context, uri string) (bool, error) {
	const cypher = `MATCH (n:Record {uri: $uri})
DETACH DELETE n
RETURN count(n) AS removed`
	row, err := s.runSingle(ctx, cypher, map[string]any{"uri": uri})
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", uri, err)
	}
	return intField(row, "removed") > 0, nil
}

// CleanupLegacyNodes merges label-less nodes left behind by earlier sync
// implementations into their labeled counterparts with the same uri: the
// ownership edge is moved over and the orphan deleted. Returns the number of
// nodes removed.
func (s *Neo4jStore) CleanupLegacyNodes(ctx context.Context) (int, error) {
	const cypher = `MATCH (dup) WHERE dup.uri IS NOT NULL AND NOT dup:Record AND NOT dup:Repo
MATCH (full:Record {uri: dup.uri})
OPTIONAL MATCH (repo:Repo)-[owns:OWNS]->(dup)
FOREACH (_ IN CASE WHEN repo IS NULL THEN [] ELSE [1] END | MERGE (repo)-[:OWNS]->(full))
DETACH DELETE dup
RETURN count(DISTINCT dup) AS removed`
	rows, err := s.run(ctx, cypher, nil)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return intField(rows[0], "removed"), nil
}

func (s *Neo4jStore) run(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	session := s.driver.NewSession(ctx, SessionConfig{AccessMode: AccessModeWrite, Database: s.database})
	defer session.Close(ctx)

	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	for result.Next(ctx) {
		rows = append(rows, result.Record())
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Neo4jStore) runSingle(ctx context.Context, cypher string, params map[string]any) (map[string]any, error) {
	rows, err := s.run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (s *Neo4jStore) now() string {
	return s.nowFn().UTC().Format(time.RFC3339Nano)
}

// labelClause renders "SET n:Concept:Thought" fragments for every label
// beyond the base Record label, which lives in the MERGE pattern itself.
func labelClause(ident string, labels []string) (string, error) {
	var extras []string
	for _, label := range labels {
		if label == "Record" {
			continue
		}
		if err := validIdent(label); err != nil {
			return "", err
		}
		extras = append(extras, label)
	}
	if len(extras) == 0 {
		return "", nil
	}
	return ident + ":" + strings.Join(extras, ":"), nil
}

func strengthParam(strength *float64) any {
	if strength == nil {
		return nil
	}
	return *strength
}

func boolField(row map[string]any, key string) bool {
	if row == nil {
		return false
	}
	v, ok := row[key].(bool)
	return ok && v
}

func intField(row map[string]any, key string) int {
	if row == nil {
		return 0
	}
	switch v := row[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
