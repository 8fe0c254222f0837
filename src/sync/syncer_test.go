package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdsync "sync"
	"testing"
	"time"

	"github.com/comind-network/graphsync/src/atproto"
	"github.com/comind-network/graphsync/src/cache"
	"github.com/comind-network/graphsync/src/graph"
	"github.com/comind-network/graphsync/src/schema"
)

// memStore is an in-memory graph.Store with real create-or-merge semantics,
// so the tests exercise identity resolution the same way Neo4j MERGE does.
type memStore struct {
	mu          stdsync.Mutex
	nodes       map[string]*memNode
	edges       map[string]*memEdge
	constraints []string
	indexes     []string
	failAll     error
	schemaErr   error
}

type memNode struct {
	labels map[string]bool
	props  map[string]any
	cid    string
	owner  string
}

type memEdge struct {
	source, target string
	edgeType       string
	relationship   string
	strength       *float64
	note           string
	cid            string
}

func newMemStore() *memStore {
	return &memStore{
		nodes: make(map[string]*memNode),
		edges: make(map[string]*memEdge),
	}
}

func (m *memStore) node(uri string) *memNode {
	n, ok := m.nodes[uri]
	if !ok {
		n = &memNode{labels: map[string]bool{"Record": true}, props: map[string]any{}}
		m.nodes[uri] = n
	}
	return n
}

func (m *memStore) UpsertNode(_ context.Context, up graph.NodeUpsert) (graph.NodeOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return graph.NodeOutcome{}, m.failAll
	}
	_, existed := m.nodes[up.URI]
	n := m.node(up.URI)
	for _, label := range up.Labels {
		n.labels[label] = true
	}
	for k, v := range up.Properties {
		n.props[k] = v
	}
	n.cid = up.CID
	n.owner = up.OwnerDID
	return graph.NodeOutcome{Created: !existed}, nil
}

func (m *memStore) UpsertEdge(_ context.Context, up graph.EdgeUpsert) (graph.EdgeOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return graph.EdgeOutcome{}, m.failAll
	}
	if up.SourceURI == "" || up.TargetURI == "" {
		return graph.EdgeOutcome{}, errors.New("unresolved endpoint")
	}
	var out graph.EdgeOutcome
	if _, ok := m.nodes[up.SourceURI]; !ok {
		out.SourceCreated = true
	}
	m.node(up.SourceURI)
	if _, ok := m.nodes[up.TargetURI]; !ok {
		out.TargetCreated = true
	}
	target := m.node(up.TargetURI)
	if up.TargetLabel != "" {
		target.labels[up.TargetLabel] = true
	}
	if up.TargetText != "" {
		target.props["text"] = up.TargetText
	}
	_, existed := m.edges[up.URI]
	m.edges[up.URI] = &memEdge{
		source:       up.SourceURI,
		target:       up.TargetURI,
		edgeType:     up.EdgeType,
		relationship: up.Relationship,
		strength:     up.Strength,
		note:         up.Note,
		cid:          up.CID,
	}
	out.Created = !existed
	return out, nil
}

func (m *memStore) EnsureConstraint(_ context.Context, label, property string) error {
	if m.schemaErr != nil {
		return m.schemaErr
	}
	m.constraints = append(m.constraints, label+"."+property)
	return nil
}

func (m *memStore) EnsureIndex(_ context.Context, label, property string) error {
	if m.schemaErr != nil {
		return m.schemaErr
	}
	m.indexes = append(m.indexes, label+"."+property)
	return nil
}

func (m *memStore) Query(context.Context, string, map[string]any) ([]map[string]any, error) {
	return nil, nil
}

func (m *memStore) DeleteByURI(_ context.Context, uri string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[uri]; !ok {
		return false, nil
	}
	delete(m.nodes, uri)
	for id, e := range m.edges {
		if e.source == uri || e.target == uri {
			delete(m.edges, id)
		}
	}
	return true, nil
}

func (m *memStore) Close(context.Context) error { return nil }

// fakeSource serves fixed collections; errOn injects terminal read errors.
type fakeSource struct {
	records map[string][]atproto.Record
	errOn   map[string]error
}

func (f *fakeSource) ForEach(ctx context.Context, _, collection string, fn func(atproto.Record) bool) error {
	if err := f.errOn[collection]; err != nil {
		return err
	}
	for _, rec := range f.records[collection] {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !fn(rec) {
			return nil
		}
	}
	return nil
}

type fakeFetcher struct {
	records map[string]atproto.Record
}

func (f *fakeFetcher) GetRecordByURI(_ context.Context, uri string) (atproto.Record, error) {
	rec, ok := f.records[uri]
	if !ok {
		return atproto.Record{}, atproto.ErrRecordNotFound
	}
	return rec, nil
}

func conceptRecord(did, text string) atproto.Record {
	rkey := schema.NormalizeConceptText(text)
	value, _ := json.Marshal(map[string]any{"concept": text, "createdAt": "2025-01-01T00:00:00Z"})
	return atproto.Record{
		URI:   fmt.Sprintf("at://%s/me.comind.concept/%s", did, rkey),
		CID:   "bafy-" + rkey,
		Value: value,
	}
}

func TestUpsertRecordIsIdempotent(t *testing.T) {
	store := newMemStore()
	engine := NewEngine(store, nil)
	rec := conceptRecord("did:plc:x", "distributed systems")

	first, err := engine.UpsertRecord(context.Background(), rec, schema.CollectionConcept)
	if err != nil {
		t.Fatalf("UpsertRecord returned error: %v", err)
	}
	if !first.Created {
		t.Fatal("first upsert should create")
	}
	for i := 0; i < 3; i++ {
		again, err := engine.UpsertRecord(context.Background(), rec, schema.CollectionConcept)
		if err != nil {
			t.Fatalf("repeat upsert returned error: %v", err)
		}
		if again.Created {
			t.Fatal("repeat upsert must not create")
		}
	}
	if len(store.nodes) != 1 {
		t.Fatalf("expected 1 node, got %d", len(store.nodes))
	}
	node := store.nodes[rec.URI]
	if node.props["text"] != "distributed systems" {
		t.Fatalf("unexpected text: %v", node.props["text"])
	}
	if node.owner != "did:plc:x" {
		t.Fatalf("unexpected owner: %q", node.owner)
	}
}

func TestSeenCacheSkipsRedundantUpserts(t *testing.T) {
	store := newMemStore()
	engine := NewEngine(store, nil, WithSeenCache(cache.NewSeenCache(16, time.Minute)))
	rec := conceptRecord("did:plc:x", "go")

	if _, err := engine.UpsertRecord(context.Background(), rec, schema.CollectionConcept); err != nil {
		t.Fatalf("UpsertRecord returned error: %v", err)
	}
	result, err := engine.UpsertRecord(context.Background(), rec, schema.CollectionConcept)
	if err != nil {
		t.Fatalf("UpsertRecord returned error: %v", err)
	}
	if !result.Skipped {
		t.Fatal("expected seen-cache skip")
	}

	// A new revision of the same record must go through.
	updated := rec
	updated.CID = "bafy-go-v2"
	result, err = engine.UpsertRecord(context.Background(), updated, schema.CollectionConcept)
	if err != nil {
		t.Fatalf("UpsertRecord returned error: %v", err)
	}
	if result.Skipped {
		t.Fatal("new cid must not be skipped")
	}
}

// The relationship arrives before its target concept record. The edge must
// land with a placeholder target carrying the backfilled text; syncing the
// concept afterwards enriches the same node.
func TestStubEnrichment(t *testing.T) {
	store := newMemStore()
	concept := conceptRecord("did:x", "distributed systems")
	fetcher := &fakeFetcher{records: map[string]atproto.Record{concept.URI: concept}}
	engine := NewEngine(store, nil, WithFetcher(fetcher))

	relValue, _ := json.Marshal(map[string]any{
		"source":       "at://did:y/app.bsky.feed.post/1",
		"target":       concept.URI,
		"relationship": "DESCRIBES",
		"createdAt":    "2025-01-01T00:00:00Z",
	})
	rel := atproto.Record{
		URI:   "at://did:x/me.comind.relationship.concept/r1",
		CID:   "bafy-r1",
		Value: relValue,
	}

	result, err := engine.UpsertRecord(context.Background(), rel, schema.CollectionConceptRel)
	if err != nil {
		t.Fatalf("UpsertRecord returned error: %v", err)
	}
	if !result.Created || result.Stubs != 2 {
		t.Fatalf("expected created edge with 2 stubs, got %#v", result)
	}
	target := store.nodes[concept.URI]
	if target == nil {
		t.Fatal("target stub missing")
	}
	if !target.labels["Concept"] {
		t.Fatalf("target stub missing Concept label: %v", target.labels)
	}
	if target.props["text"] != "distributed systems" {
		t.Fatalf("concept text not backfilled: %v", target.props["text"])
	}
	edge := store.edges[rel.URI]
	if edge == nil || edge.relationship != "DESCRIBES" || edge.edgeType != "CONCEPT_RELATION" {
		t.Fatalf("unexpected edge: %#v", edge)
	}

	nodesBefore := len(store.nodes)
	if _, err := engine.UpsertRecord(context.Background(), concept, schema.CollectionConcept); err != nil {
		t.Fatalf("UpsertRecord returned error: %v", err)
	}
	if len(store.nodes) != nodesBefore {
		t.Fatalf("concept sync duplicated the stub: %d -> %d nodes", nodesBefore, len(store.nodes))
	}
	enriched := store.nodes[concept.URI]
	if enriched.props["createdAt"] != "2025-01-01T00:00:00Z" {
		t.Fatalf("stub not enriched with full properties: %v", enriched.props)
	}
	if store.edges[rel.URI].target != concept.URI {
		t.Fatal("edge no longer points at the enriched node")
	}
}

func TestEdgeTotality(t *testing.T) {
	store := newMemStore()
	engine := NewEngine(store, nil)

	relValue, _ := json.Marshal(map[string]any{
		"source":    map[string]string{"uri": "at://did:a/me.comind.thought/t1", "cid": "bafy-t1"},
		"target":    "at://did:b/me.comind.concept/x",
		"generated": map[string]any{"relationship": "SUPPORTS", "strength": 0.5},
	})
	rel := atproto.Record{
		URI:   "at://did:a/me.comind.relationship.link/l1",
		CID:   "bafy-l1",
		Value: relValue,
	}
	if _, err := engine.UpsertRecord(context.Background(), rel, schema.CollectionLinkRel); err != nil {
		t.Fatalf("UpsertRecord returned error: %v", err)
	}
	edge := store.edges[rel.URI]
	if edge == nil {
		t.Fatal("edge missing")
	}
	if store.nodes[edge.source] == nil || store.nodes[edge.target] == nil {
		t.Fatal("edge endpoint missing: referential integrity violated")
	}
	if edge.strength == nil || *edge.strength != 0.5 {
		t.Fatalf("strength not carried: %#v", edge.strength)
	}
}

func TestPartialFailureIsolation(t *testing.T) {
	store := newMemStore()
	engine := NewEngine(store, nil)

	// 99 well-formed records with one malformed value in the middle.
	records := make([]atproto.Record, 0, 100)
	for i := 0; i < 99; i++ {
		records = append(records, conceptRecord("did:plc:x", fmt.Sprintf("concept %d", i)))
	}
	malformed := atproto.Record{
		URI:   "at://did:plc:x/me.comind.concept/bad",
		CID:   "bafy-bad",
		Value: json.RawMessage(`{"concept": truncated`),
	}
	records = append(records[:50], append([]atproto.Record{malformed}, records[50:]...)...)
	source := &fakeSource{records: map[string][]atproto.Record{
		schema.CollectionConcept: records,
	}}

	syncer := NewSyncer(source, engine, store, nil)
	sum := syncer.SyncCollection(context.Background(), "did:plc:x", schema.CollectionConcept)
	if sum.Err != nil {
		t.Fatalf("partial failure must not be terminal: %v", sum.Err)
	}
	if sum.Created != 99 || sum.Failed != 1 {
		t.Fatalf("expected 99 created + 1 failed, got %+v", sum)
	}
}

func TestSyncAllBulkheadsCollections(t *testing.T) {
	store := newMemStore()
	engine := NewEngine(store, nil)
	source := &fakeSource{
		records: map[string][]atproto.Record{
			schema.CollectionConcept: {conceptRecord("did:plc:x", "go")},
		},
		errOn: map[string]error{
			schema.CollectionThought: errors.New("host unreachable"),
		},
	}
	syncer := NewSyncer(source, engine, store, nil)

	summaries := syncer.SyncAll(context.Background(), "did:plc:x")
	if len(summaries) != len(schema.EntityCollections())+len(schema.RelationshipCollections()) {
		t.Fatalf("unexpected summary count: %d", len(summaries))
	}
	byCollection := map[string]Summary{}
	for _, sum := range summaries {
		byCollection[sum.Collection] = sum
	}
	if byCollection[schema.CollectionThought].Err == nil {
		t.Fatal("thought collection should report terminal error")
	}
	if byCollection[schema.CollectionConcept].Err != nil {
		t.Fatal("concept collection should have run despite thought failure")
	}
	if byCollection[schema.CollectionConcept].Created != 1 {
		t.Fatalf("concept collection did not sync: %+v", byCollection[schema.CollectionConcept])
	}
	if !summaries.AnyTerminal() {
		t.Fatal("AnyTerminal should report the thought failure")
	}
}

func TestSyncAllOrdersEntitiesBeforeRelationships(t *testing.T) {
	store := newMemStore()
	engine := NewEngine(store, nil)
	source := &fakeSource{records: map[string][]atproto.Record{}}
	syncer := NewSyncer(source, engine, store, nil)

	summaries := syncer.SyncAll(context.Background(), "did:plc:x")
	seenRelationship := false
	for _, sum := range summaries {
		if schema.IsRelationship(sum.Collection) {
			seenRelationship = true
		} else if seenRelationship {
			t.Fatalf("entity collection %s synced after a relationship collection", sum.Collection)
		}
	}
}

func TestSyncCollectionHonorsDeadline(t *testing.T) {
	store := newMemStore()
	engine := NewEngine(store, nil)

	records := make([]atproto.Record, 50)
	for i := range records {
		records[i] = conceptRecord("did:plc:x", fmt.Sprintf("concept %d", i))
	}
	source := &fakeSource{records: map[string][]atproto.Record{schema.CollectionConcept: records}}
	syncer := NewSyncer(source, engine, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum := syncer.SyncCollection(ctx, "did:plc:x", schema.CollectionConcept)
	if sum.Err == nil {
		t.Fatal("cancelled sync must report a terminal error")
	}
	if sum.Processed() == len(records) {
		t.Fatal("cancelled sync should not have processed everything")
	}
}

func TestConcurrentUpsertsConverge(t *testing.T) {
	store := newMemStore()
	engine := NewEngine(store, nil)
	rec := conceptRecord("did:plc:x", "consensus")

	var wg stdsync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Batch and real-time paths may race on the same record.
			_, _ = engine.UpsertRecord(context.Background(), rec, schema.CollectionConcept)
		}()
	}
	wg.Wait()

	if len(store.nodes) != 1 {
		t.Fatalf("concurrent upserts diverged: %d nodes", len(store.nodes))
	}
	node := store.nodes[rec.URI]
	if node.props["text"] != "consensus" || node.cid != rec.CID {
		t.Fatalf("unexpected converged state: %#v", node.props)
	}
}

func TestSetupSchemaSwallowsAlreadyExists(t *testing.T) {
	store := newMemStore()
	store.schemaErr = errors.New("An equivalent constraint already exists")
	syncer := NewSyncer(&fakeSource{}, NewEngine(store, nil), store, nil)

	// Repeated setup against an initialized server is part of the contract.
	if err := syncer.SetupSchema(context.Background()); err != nil {
		t.Fatalf("already-exists failures must be swallowed: %v", err)
	}
	if err := syncer.SetupSchema(context.Background()); err != nil {
		t.Fatalf("repeated setup returned error: %v", err)
	}
}

func TestSetupSchemaReportsRealFailures(t *testing.T) {
	store := newMemStore()
	store.schemaErr = errors.New("connection reset by peer")
	syncer := NewSyncer(&fakeSource{}, NewEngine(store, nil), store, nil)

	if err := syncer.SetupSchema(context.Background()); err == nil {
		t.Fatal("non-exists statement failures must be reported")
	}
}

func TestSetupSchemaCreatesConstraintsAndIndexes(t *testing.T) {
	store := newMemStore()
	syncer := NewSyncer(&fakeSource{}, NewEngine(store, nil), store, nil)
	if err := syncer.SetupSchema(context.Background()); err != nil {
		t.Fatalf("SetupSchema returned error: %v", err)
	}

	wantConstraints := map[string]bool{"Record.uri": true, "Repo.did": true}
	for _, c := range store.constraints {
		delete(wantConstraints, c)
	}
	if len(wantConstraints) != 0 {
		t.Fatalf("missing constraints: %v", wantConstraints)
	}
	if len(store.indexes) == 0 {
		t.Fatal("expected secondary indexes")
	}
}
