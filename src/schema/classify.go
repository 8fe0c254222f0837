// Package schema maps source collection identifiers onto graph labels and
// property projections. Everything here is pure: identical inputs always
// produce identical classifications, which is what makes the downstream
// upserts idempotent.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Known collection NSIDs.
const (
	CollectionConcept      = "me.comind.concept"
	CollectionThought      = "me.comind.thought"
	CollectionEmotion      = "me.comind.emotion"
	CollectionSphere       = "me.comind.sphere.core"
	CollectionConceptRel   = "me.comind.relationship.concept"
	CollectionLinkRel      = "me.comind.relationship.link"
	CollectionSphereRel    = "me.comind.relationship.sphere"
	CollectionSimilarRel   = "me.comind.relationship.similarity"
	CollectionExternalPost = "app.bsky.feed.post"
)

// LabelRecord is carried by every node regardless of collection, so generic
// queries and the uri uniqueness constraint have one anchor label.
const LabelRecord = "Record"

// Kind separates the two upsert paths.
type Kind int

const (
	// KindEntity records become nodes.
	KindEntity Kind = iota
	// KindRelationship records become edges.
	KindRelationship
)

// EdgeSpec describes the edge a relationship record maps to. Source and
// Target are record URIs; the engine resolves them to node identities,
// creating placeholders where needed.
type EdgeSpec struct {
	SourceURI string
	TargetURI string
	// EdgeType is the graph-level relationship label (CONCEPT_RELATION, LINK,
	// IN_SPHERE, SIMILAR_TO).
	EdgeType string
	// Relationship is the semantic type carried as an attribute
	// (DESCRIBES, RELATES_TO, ...).
	Relationship string
	Strength     *float64
	Note         string
	// TargetLabel is applied when the target has a known type (Concept for
	// concept relationships, Sphere for sphere membership).
	TargetLabel string
	// WantConceptText marks edges whose target concept should have its text
	// backfilled from the source repository when missing.
	WantConceptText bool
}

// Classification is the deterministic projection of one record.
type Classification struct {
	Kind       Kind
	Labels     []string
	Properties map[string]any
	Edge       *EdgeSpec
	CreatedAt  string
}

// EntityCollections lists node-producing collections in the default sync
// order. Syncing entities before relationships minimizes placeholder nodes;
// correctness does not depend on it.
func EntityCollections() []string {
	return []string{
		CollectionConcept,
		CollectionThought,
		CollectionEmotion,
		CollectionSphere,
	}
}

// RelationshipCollections lists edge-producing collections.
func RelationshipCollections() []string {
	return []string{
		CollectionConceptRel,
		CollectionLinkRel,
		CollectionSphereRel,
		CollectionSimilarRel,
	}
}

// ExternalCollections lists non-native collections synced only when enabled.
func ExternalCollections() []string {
	return []string{CollectionExternalPost}
}

// IsNative reports whether a collection belongs to the writer's own
// namespace, as opposed to referenced external content.
func IsNative(collection string) bool {
	return strings.HasPrefix(collection, "me.comind.")
}

// IsRelationship reports whether a collection takes the edge upsert path.
func IsRelationship(collection string) bool {
	switch collection {
	case CollectionConceptRel, CollectionLinkRel, CollectionSphereRel, CollectionSimilarRel:
		return true
	}
	return false
}

// NormalizeConceptText applies the deterministic record-key convention used
// by concept writers: lowercased, spaces to hyphens.
func NormalizeConceptText(text string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(text)), " ", "-")
}

// strongRef decodes either a plain at:// string or a {uri, cid} object; both
// appear in the wild for link and sphere relationship endpoints.
type strongRef struct {
	URI string
	CID string
}

func (s *strongRef) UnmarshalJSON(data []byte) error {
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		s.URI = plain
		return nil
	}
	var obj struct {
		URI string `json:"uri"`
		CID string `json:"cid"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("endpoint is neither string nor strong ref: %w", err)
	}
	s.URI = obj.URI
	s.CID = obj.CID
	return nil
}

type conceptValue struct {
	Concept   string `json:"concept"`
	CreatedAt string `json:"createdAt"`
}

type generatedThought struct {
	Text        string   `json:"text"`
	ThoughtType string   `json:"thoughtType"`
	Context     string   `json:"context"`
	Confidence  *float64 `json:"confidence"`
}

type thoughtValue struct {
	Generated generatedThought `json:"generated"`
	CreatedAt string           `json:"createdAt"`
}

type generatedEmotion struct {
	Text        string `json:"text"`
	EmotionType string `json:"emotionType"`
}

type emotionValue struct {
	Generated generatedEmotion `json:"generated"`
	CreatedAt string           `json:"createdAt"`
}

type sphereValue struct {
	Title       string `json:"title"`
	Text        string `json:"text"`
	Description string `json:"description"`
	CreatedAt   string `json:"createdAt"`
}

type postValue struct {
	Text      string `json:"text"`
	CreatedAt string `json:"createdAt"`
}

type conceptRelValue struct {
	Source       strongRef `json:"source"`
	Target       strongRef `json:"target"`
	Relationship string    `json:"relationship"`
	CreatedAt    string    `json:"createdAt"`
}

type generatedLink struct {
	Relationship string   `json:"relationship"`
	Strength     *float64 `json:"strength"`
	Note         string   `json:"note"`
}

type linkRelValue struct {
	Source    strongRef     `json:"source"`
	Target    strongRef     `json:"target"`
	Generated generatedLink `json:"generated"`
	CreatedAt string        `json:"createdAt"`
}

type sphereRelValue struct {
	Target    strongRef `json:"target"`
	SphereURI string    `json:"sphere_uri"`
	CreatedAt string    `json:"createdAt"`
}

type similarityRelValue struct {
	Source     strongRef `json:"source"`
	Target     strongRef `json:"target"`
	Similarity *float64  `json:"similarity"`
	CreatedAt  string    `json:"createdAt"`
}

// Classify maps a record's collection and value onto labels, a property
// projection, and (for relationship collections) an edge specification.
// Unknown collections degrade to a minimal generic classification instead of
// failing, so new record types never halt a sync. A malformed value for a
// known collection returns an error; the caller counts it as a skipped
// record.
func Classify(collection string, value json.RawMessage) (Classification, error) {
	switch collection {
	case CollectionConcept:
		var v conceptValue
		if err := decode(value, &v); err != nil {
			return Classification{}, err
		}
		return entity([]string{LabelRecord, "Concept"}, v.CreatedAt, map[string]any{
			"text": v.Concept,
		}), nil

	case CollectionThought:
		var v thoughtValue
		if err := decode(value, &v); err != nil {
			return Classification{}, err
		}
		props := map[string]any{
			"text":        v.Generated.Text,
			"thoughtType": v.Generated.ThoughtType,
			"context":     v.Generated.Context,
		}
		if v.Generated.Confidence != nil {
			props["confidence"] = *v.Generated.Confidence
		}
		return entity([]string{LabelRecord, "Thought"}, v.CreatedAt, props), nil

	case CollectionEmotion:
		var v emotionValue
		if err := decode(value, &v); err != nil {
			return Classification{}, err
		}
		return entity([]string{LabelRecord, "Emotion"}, v.CreatedAt, map[string]any{
			"text":        v.Generated.Text,
			"emotionType": v.Generated.EmotionType,
		}), nil

	case CollectionSphere:
		var v sphereValue
		if err := decode(value, &v); err != nil {
			return Classification{}, err
		}
		return entity([]string{LabelRecord, "Sphere"}, v.CreatedAt, map[string]any{
			"title":       v.Title,
			"text":        v.Text,
			"description": v.Description,
		}), nil

	case CollectionExternalPost:
		var v postValue
		if err := decode(value, &v); err != nil {
			return Classification{}, err
		}
		return entity([]string{LabelRecord, "Post"}, v.CreatedAt, map[string]any{
			"text": v.Text,
		}), nil

	case CollectionConceptRel:
		var v conceptRelValue
		if err := decode(value, &v); err != nil {
			return Classification{}, err
		}
		if err := requireEndpoints(v.Source.URI, v.Target.URI); err != nil {
			return Classification{}, err
		}
		rel := v.Relationship
		if rel == "" {
			rel = "RELATES_TO"
		}
		return relationship(v.CreatedAt, &EdgeSpec{
			SourceURI:       v.Source.URI,
			TargetURI:       v.Target.URI,
			EdgeType:        "CONCEPT_RELATION",
			Relationship:    rel,
			TargetLabel:     "Concept",
			WantConceptText: true,
		}), nil

	case CollectionLinkRel:
		var v linkRelValue
		if err := decode(value, &v); err != nil {
			return Classification{}, err
		}
		if err := requireEndpoints(v.Source.URI, v.Target.URI); err != nil {
			return Classification{}, err
		}
		rel := v.Generated.Relationship
		if rel == "" {
			rel = "LINKS_TO"
		}
		return relationship(v.CreatedAt, &EdgeSpec{
			SourceURI:    v.Source.URI,
			TargetURI:    v.Target.URI,
			EdgeType:     "LINK",
			Relationship: rel,
			Strength:     v.Generated.Strength,
			Note:         v.Generated.Note,
		}), nil

	case CollectionSphereRel:
		var v sphereRelValue
		if err := decode(value, &v); err != nil {
			return Classification{}, err
		}
		if err := requireEndpoints(v.Target.URI, v.SphereURI); err != nil {
			return Classification{}, err
		}
		return relationship(v.CreatedAt, &EdgeSpec{
			SourceURI:    v.Target.URI,
			TargetURI:    v.SphereURI,
			EdgeType:     "IN_SPHERE",
			Relationship: "IN_SPHERE",
			TargetLabel:  "Sphere",
		}), nil

	case CollectionSimilarRel:
		var v similarityRelValue
		if err := decode(value, &v); err != nil {
			return Classification{}, err
		}
		if err := requireEndpoints(v.Source.URI, v.Target.URI); err != nil {
			return Classification{}, err
		}
		return relationship(v.CreatedAt, &EdgeSpec{
			SourceURI:    v.Source.URI,
			TargetURI:    v.Target.URI,
			EdgeType:     "SIMILAR_TO",
			Relationship: "SIMILAR_TO",
			Strength:     v.Similarity,
		}), nil

	default:
		// Forward compatibility: new collections sync as bare records.
		var v postValue
		_ = json.Unmarshal(value, &v)
		return entity([]string{LabelRecord}, v.CreatedAt, map[string]any{}), nil
	}
}

func entity(labels []string, createdAt string, props map[string]any) Classification {
	if createdAt != "" {
		props["createdAt"] = createdAt
	}
	return Classification{
		Kind:       KindEntity,
		Labels:     labels,
		Properties: props,
		CreatedAt:  createdAt,
	}
}

func relationship(createdAt string, edge *EdgeSpec) Classification {
	return Classification{
		Kind:      KindRelationship,
		Edge:      edge,
		CreatedAt: createdAt,
	}
}

func requireEndpoints(source, target string) error {
	if source == "" || target == "" {
		return fmt.Errorf("relationship missing endpoint (source %q, target %q)", source, target)
	}
	return nil
}

func decode(value json.RawMessage, out any) error {
	if len(value) == 0 {
		return fmt.Errorf("empty record value")
	}
	if err := json.Unmarshal(value, out); err != nil {
		return fmt.Errorf("decode record value: %w", err)
	}
	return nil
}
