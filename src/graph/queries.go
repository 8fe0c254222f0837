package graph

import (
	"context"
	"fmt"
)

// maxNetworkDepth bounds the variable-length pattern; depth is interpolated
// into the cypher text because path lengths cannot be parameterized.
const maxNetworkDepth = 5

// NetworkNode is one node in a concept neighborhood.
type NetworkNode struct {
	URI        string
	Labels     []string
	Properties map[string]any
}

// NetworkRelationship is one edge in a concept neighborhood, endpoints by uri.
type NetworkRelationship struct {
	SourceURI  string
	TargetURI  string
	Type       string
	Properties map[string]any
}

// ConceptNetwork is the depth-bounded neighborhood of a concept.
type ConceptNetwork struct {
	Nodes         []NetworkNode
	Relationships []NetworkRelationship
}

// ConceptFrequency pairs a concept with how often a sphere's content
// references it.
type ConceptFrequency struct {
	Concept   string
	Frequency int
}

// ConceptCluster is a highly connected concept with the concepts it co-occurs
// with through shared sources.
type ConceptCluster struct {
	Concept     string
	Connections int
	Related     []string
}

// ConceptNetwork returns every node and relationship within depth hops of the
// concept with the given text. A depth below 1 defaults to 2.
func (s *Neo4jStore) ConceptNetwork(ctx context.Context, conceptText string, depth int) (ConceptNetwork, error) {
	if depth < 1 {
		depth = 2
	}
	if depth > maxNetworkDepth {
		return ConceptNetwork{}, fmt.Errorf("network depth %d exceeds maximum %d", depth, maxNetworkDepth)
	}
	params := map[string]any{"conceptText": conceptText}

	nodesCypher := fmt.Sprintf(`MATCH path = (c:Concept {text: $conceptText})-[*1..%d]-(connected)
UNWIND nodes(path) AS node
WITH DISTINCT node
RETURN node.uri AS uri, labels(node) AS labels, properties(node) AS properties`, depth)
	nodeRows, err := s.run(ctx, nodesCypher, params)
	if err != nil {
		return ConceptNetwork{}, fmt.Errorf("concept network %q: %w", conceptText, err)
	}

	relsCypher := fmt.Sprintf(`MATCH path = (c:Concept {text: $conceptText})-[*1..%d]-(connected)
UNWIND relationships(path) AS rel
WITH DISTINCT rel
RETURN startNode(rel).uri AS source, endNode(rel).uri AS target, type(rel) AS type, properties(rel) AS properties`, depth)
	relRows, err := s.run(ctx, relsCypher, params)
	if err != nil {
		return ConceptNetwork{}, fmt.Errorf("concept network %q: %w", conceptText, err)
	}

	network := ConceptNetwork{}
	for _, row := range nodeRows {
		network.Nodes = append(network.Nodes, NetworkNode{
			URI:        stringField(row, "uri"),
			Labels:     stringsField(row, "labels"),
			Properties: mapField(row, "properties"),
		})
	}
	for _, row := range relRows {
		network.Relationships = append(network.Relationships, NetworkRelationship{
			SourceURI:  stringField(row, "source"),
			TargetURI:  stringField(row, "target"),
			Type:       stringField(row, "type"),
			Properties: mapField(row, "properties"),
		})
	}
	return network, nil
}

// SphereConcepts returns the concepts referenced by a sphere's content,
// most frequent first.
func (s *Neo4jStore) SphereConcepts(ctx context.Context, sphereTitle string) ([]ConceptFrequency, error) {
	const cypher = `MATCH (content)-[:IN_SPHERE]->(s:Sphere {title: $sphereTitle})
MATCH (content)-[:CONCEPT_RELATION]->(c:Concept)
RETURN DISTINCT c.text AS concept, count(*) AS frequency
ORDER BY frequency DESC`
	rows, err := s.run(ctx, cypher, map[string]any{"sphereTitle": sphereTitle})
	if err != nil {
		return nil, fmt.Errorf("sphere concepts %q: %w", sphereTitle, err)
	}
	out := make([]ConceptFrequency, 0, len(rows))
	for _, row := range rows {
		out = append(out, ConceptFrequency{
			Concept:   stringField(row, "concept"),
			Frequency: intField(row, "frequency"),
		})
	}
	return out, nil
}

// ConceptClusters finds concepts referenced by at least minConnections
// sources, along with the concepts those sources also reference. A
// minConnections below 1 defaults to 3.
func (s *Neo4jStore) ConceptClusters(ctx context.Context, minConnections int) ([]ConceptCluster, error) {
	if minConnections < 1 {
		minConnections = 3
	}
	const cypher = `MATCH (c:Concept)<-[:CONCEPT_RELATION]-(source)
WITH c, count(source) AS connections
WHERE connections >= $minConnections
MATCH (c)<-[:CONCEPT_RELATION]-(source)-[:CONCEPT_RELATION]->(related:Concept)
WHERE related <> c
RETURN c.text AS concept,
       connections,
       collect(DISTINCT related.text) AS related_concepts
ORDER BY connections DESC`
	rows, err := s.run(ctx, cypher, map[string]any{"minConnections": minConnections})
	if err != nil {
		return nil, fmt.Errorf("concept clusters: %w", err)
	}
	out := make([]ConceptCluster, 0, len(rows))
	for _, row := range rows {
		out = append(out, ConceptCluster{
			Concept:     stringField(row, "concept"),
			Connections: intField(row, "connections"),
			Related:     stringsField(row, "related_concepts"),
		})
	}
	return out, nil
}

func stringField(row map[string]any, key string) string {
	if row == nil {
		return ""
	}
	v, _ := row[key].(string)
	return v
}

func stringsField(row map[string]any, key string) []string {
	if row == nil {
		return nil
	}
	items, ok := row[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func mapField(row map[string]any, key string) map[string]any {
	if row == nil {
		return nil
	}
	v, _ := row[key].(map[string]any)
	return v
}
