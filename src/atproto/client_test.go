package atproto

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseURI(t *testing.T) {
	parsed, err := ParseURI("at://did:plc:abc123/me.comind.concept/distributed-systems")
	if err != nil {
		t.Fatalf("ParseURI returned error: %v", err)
	}
	if parsed.DID != "did:plc:abc123" {
		t.Fatalf("unexpected did: %q", parsed.DID)
	}
	if parsed.Collection != "me.comind.concept" {
		t.Fatalf("unexpected collection: %q", parsed.Collection)
	}
	if parsed.RKey != "distributed-systems" {
		t.Fatalf("unexpected rkey: %q", parsed.RKey)
	}
	if parsed.String() != "at://did:plc:abc123/me.comind.concept/distributed-systems" {
		t.Fatalf("round trip mismatch: %q", parsed.String())
	}

	for _, bad := range []string{"", "https://example.com", "at://nodid/coll/rkey", "at://did:plc:abc", "at://did:plc:abc/coll"} {
		if _, err := ParseURI(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestGetRecordNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":   "RecordNotFound",
			"message": "Could not locate record",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.GetRecord(context.Background(), "did:plc:abc", "me.comind.concept", "missing")
	if !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestListRecordsPageSendsCursorAndAuth(t *testing.T) {
	var gotCursor, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCursor = r.URL.Query().Get("cursor")
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(listRecordsResponse{
			Records: []Record{{URI: "at://did:plc:abc/me.comind.concept/a", CID: "bafy1"}},
			Cursor:  "next-page",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, WithAccessToken("token123"))
	records, cursor, err := client.ListRecordsPage(context.Background(), "did:plc:abc", "me.comind.concept", "prev", 50)
	if err != nil {
		t.Fatalf("ListRecordsPage returned error: %v", err)
	}
	if len(records) != 1 || cursor != "next-page" {
		t.Fatalf("unexpected page: %d records, cursor %q", len(records), cursor)
	}
	if gotCursor != "prev" {
		t.Fatalf("cursor not forwarded, got %q", gotCursor)
	}
	if gotAuth != "Bearer token123" {
		t.Fatalf("auth header not sent, got %q", gotAuth)
	}
}

func TestDeleteRecordRefusesForeignNamespace(t *testing.T) {
	client := NewClient("http://unused")
	err := client.DeleteRecord(context.Background(), "did:plc:abc", "app.bsky.feed.post", "xyz")
	if err == nil || !strings.Contains(err.Error(), "refusing to delete") {
		t.Fatalf("expected namespace guard to trip, got %v", err)
	}
}

func TestStatusErrorTransient(t *testing.T) {
	cases := map[int]bool{500: true, 503: true, 429: true, 400: false, 401: false, 404: false}
	for status, want := range cases {
		err := &StatusError{StatusCode: status}
		if err.Transient() != want {
			t.Fatalf("status %d: Transient() = %v, want %v", status, err.Transient(), want)
		}
	}
}
