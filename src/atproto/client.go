package atproto

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// WriterNamespace is the only namespace this client is allowed to delete from.
// Mirrors the record manager's guard on the write path so a misconfigured
// caller cannot clear foreign collections.
const WriterNamespace = "me.comind."

// ErrRecordNotFound is returned by GetRecord when the repository has no record
// at the requested key.
var ErrRecordNotFound = errors.New("record not found")

// Client speaks the com.atproto.repo XRPC surface of a PDS over HTTP.
type Client struct {
	host        string
	accessToken string
	httpClient  *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient installs a custom HTTP client (tests use httptest servers).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithAccessToken sets the bearer token sent with every request.
func WithAccessToken(token string) ClientOption {
	return func(c *Client) { c.accessToken = token }
}

// NewClient builds a repository client for the given PDS host
// (e.g. "https://bsky.social").
func NewClient(host string, opts ...ClientOption) *Client {
	c := &Client{
		host:       host,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type listRecordsResponse struct {
	Records []Record `json:"records"`
	Cursor  string   `json:"cursor"`
}

type createRecordRequest struct {
	Repo       string          `json:"repo"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey,omitempty"`
	Record     json.RawMessage `json:"record"`
}

type createRecordResponse struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// GetRecord fetches a single record. Returns ErrRecordNotFound when the
// repository reports RecordNotFound.
func (c *Client) GetRecord(ctx context.Context, repoDID, collection, rkey string) (Record, error) {
	query := url.Values{
		"repo":       {repoDID},
		"collection": {collection},
		"rkey":       {rkey},
	}
	var rec Record
	if err := c.get(ctx, "com.atproto.repo.getRecord", query, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// GetRecordByURI fetches the record addressed by an at:// URI.
func (c *Client) GetRecordByURI(ctx context.Context, uri string) (Record, error) {
	parsed, err := ParseURI(uri)
	if err != nil {
		return Record{}, err
	}
	return c.GetRecord(ctx, parsed.DID, parsed.Collection, parsed.RKey)
}

// ListRecordsPage returns one page of records plus the cursor for the next
// page. An empty cursor means the collection is exhausted. Callers that need
// every record go through Reader, which follows the cursor chain; nothing else
// in the module is allowed to treat a single page as complete.
func (c *Client) ListRecordsPage(ctx context.Context, repoDID, collection, cursor string, limit int) ([]Record, string, error) {
	query := url.Values{
		"repo":       {repoDID},
		"collection": {collection},
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	var resp listRecordsResponse
	if err := c.get(ctx, "com.atproto.repo.listRecords", query, &resp); err != nil {
		return nil, "", err
	}
	return resp.Records, resp.Cursor, nil
}

// CreateRecord writes a record and returns its assigned URI and CID. When rkey
// is empty the server picks one.
func (c *Client) CreateRecord(ctx context.Context, repoDID, collection, rkey string, value json.RawMessage) (Record, error) {
	req := createRecordRequest{
		Repo:       repoDID,
		Collection: collection,
		RKey:       rkey,
		Record:     value,
	}
	var resp createRecordResponse
	if err := c.post(ctx, "com.atproto.repo.createRecord", req, &resp); err != nil {
		return Record{}, err
	}
	return Record{URI: resp.URI, CID: resp.CID, Value: value}, nil
}

// DeleteRecord removes a record. Deletes outside WriterNamespace are refused.
func (c *Client) DeleteRecord(ctx context.Context, repoDID, collection, rkey string) error {
	if !strings.HasPrefix(collection, WriterNamespace) {
		return fmt.Errorf("refusing to delete outside the %s namespace: %s", WriterNamespace, collection)
	}
	req := map[string]string{
		"repo":       repoDID,
		"collection": collection,
		"rkey":       rkey,
	}
	return c.post(ctx, "com.atproto.repo.deleteRecord", req, nil)
}

func (c *Client) get(ctx context.Context, method string, query url.Values, out any) error {
	endpoint := fmt.Sprintf("%s/xrpc/%s?%s", c.host, method, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", method, err)
	}
	return c.do(req, method, out)
}

func (c *Client) post(ctx context.Context, method string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", method, err)
	}
	endpoint := fmt.Sprintf("%s/xrpc/%s", c.host, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, method, out)
}

func (c *Client) do(req *http.Request, method string, out any) error {
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if isNotFound(resp.StatusCode, body) {
			return fmt.Errorf("%s: %w", method, ErrRecordNotFound)
		}
		return &StatusError{Method: method, StatusCode: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	return nil
}

func isNotFound(status int, body []byte) bool {
	return status == http.StatusBadRequest && bytes.Contains(body, []byte("RecordNotFound"))
}

// StatusError is a non-200 XRPC response.
type StatusError struct {
	Method     string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Method, e.StatusCode, e.Body)
}

// Transient reports whether the failure is worth retrying: server-side errors
// and throttling, but not client errors like malformed requests.
func (e *StatusError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}
