package atproto

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Record is a single unit from an ATProto repository: a stable URI, the CID of
// the current revision, and the collection-shaped JSON value.
type Record struct {
	URI   string          `json:"uri"`
	CID   string          `json:"cid"`
	Value json.RawMessage `json:"value"`
}

// RecordURI is a decomposed at:// URI.
type RecordURI struct {
	DID        string
	Collection string
	RKey       string
}

// String reassembles the canonical at:// form.
func (u RecordURI) String() string {
	return fmt.Sprintf("at://%s/%s/%s", u.DID, u.Collection, u.RKey)
}

// ParseURI splits an at://did/collection/rkey URI into its parts.
func ParseURI(uri string) (RecordURI, error) {
	trimmed, ok := strings.CutPrefix(uri, "at://")
	if !ok {
		return RecordURI{}, fmt.Errorf("not an at:// uri: %q", uri)
	}
	parts := strings.SplitN(trimmed, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return RecordURI{}, fmt.Errorf("malformed record uri: %q", uri)
	}
	if !strings.HasPrefix(parts[0], "did:") {
		return RecordURI{}, fmt.Errorf("uri authority is not a did: %q", uri)
	}
	return RecordURI{DID: parts[0], Collection: parts[1], RKey: parts[2]}, nil
}

// DIDFromURI returns the owning identity of a record URI, or "" when the URI
// does not parse. Callers that only need the owner use this instead of ParseURI.
func DIDFromURI(uri string) string {
	parsed, err := ParseURI(uri)
	if err != nil {
		return ""
	}
	return parsed.DID
}
