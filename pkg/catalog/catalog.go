package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/coldpoint/permafrost/pkg/types"
)

const (
	// DefaultPageSize bounds one page of membership query results.
	DefaultPageSize = 1000
	// DefaultTimeout is the per-request HTTP timeout.
	DefaultTimeout = 60 * time.Second
)

// Location places one copy of a file at a site. Archive locations are
// bundle-resident copies; tape copies additionally set HPSS and
// register Online=false because reading them requires a stage-in.
type Location struct {
	Site    string `json:"site"`
	Path    string `json:"path"`
	Archive bool   `json:"archive,omitempty"`
	HPSS    bool   `json:"hpss,omitempty"`
	Online  *bool  `json:"online,omitempty"`
}

// Record is a file catalog document, reduced to the fields the
// archival pipeline reads and writes. Catalog records carry much more
// experiment metadata; unknown fields are dropped on decode and never
// written back.
type Record struct {
	UUID        string          `json:"uuid,omitempty"`
	LogicalName string          `json:"logical_name,omitempty"`
	FileSize    int64           `json:"file_size,omitempty"`
	Checksum    *types.Checksum `json:"checksum,omitempty"`
	Locations   []Location      `json:"locations,omitempty"`
	Meta        map[string]any  `json:"meta,omitempty"`
	Archival    *Archival       `json:"lta,omitempty"`
}

// Archival is the application-private annotation on records this
// system created, keyed "lta" on the wire.
type Archival struct {
	DateArchived string `json:"date_archived,omitempty"`
}

// FileInfo is the query projection stages work from: enough to chunk
// by size and group by archive without fetching full records.
type FileInfo struct {
	UUID        string          `json:"uuid"`
	LogicalName string          `json:"logical_name"`
	FileSize    int64           `json:"file_size,omitempty"`
	Checksum    *types.Checksum `json:"checksum,omitempty"`
	Locations   []Location      `json:"locations,omitempty"`
}

// queryKeys is the projection requested for membership queries.
var queryKeys = strings.Join([]string{"uuid", "logical_name", "file_size", "checksum", "locations"}, "|")

// Error is a file catalog error response.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("file catalog: %s (HTTP %d)", e.Message, e.StatusCode)
}

// IsConflict reports whether the catalog rejected a create because the
// record already exists.
func (e *Error) IsConflict() bool { return e.StatusCode == http.StatusConflict }

// IsNotFound reports whether the record does not exist.
func (e *Error) IsNotFound() bool { return e.StatusCode == http.StatusNotFound }

func parseError(statusCode int, body []byte) error {
	var payload struct {
		Message string `json:"message"`
		Reason  string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return &Error{StatusCode: statusCode, Message: payload.Message}
		}
		if payload.Reason != "" {
			return &Error{StatusCode: statusCode, Message: payload.Reason}
		}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(statusCode)
	}
	return &Error{StatusCode: statusCode, Message: msg}
}

// Client is a file catalog API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     oauth2.TokenSource
	pageSize   int
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTokenSource attaches bearer tokens to every request.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithPageSize sets the membership query page size.
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// New creates a file catalog client for the given base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		pageSize:   DefaultPageSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FindFiles lists every file located at site under the warehouse path
// prefix.
func (c *Client) FindFiles(ctx context.Context, site, prefix string) ([]FileInfo, error) {
	return c.find(ctx, map[string]any{
		"locations.site": map[string]any{"$eq": site},
		"logical_name":   map[string]any{"$regex": "^" + regexp.QuoteMeta(prefix)},
	})
}

// FindArchived lists every file under the warehouse path prefix that
// has a tape-archive copy at site.
func (c *Client) FindArchived(ctx context.Context, site, prefix string) ([]FileInfo, error) {
	return c.find(ctx, map[string]any{
		"locations.archive": map[string]any{"$eq": true},
		"locations.site":    map[string]any{"$eq": site},
		"logical_name":      map[string]any{"$regex": "^" + regexp.QuoteMeta(prefix)},
	})
}

// find pages through every record matching the query. Warehouse
// directories run to a hundred thousand files, so one request would
// blow the catalog's response limits.
func (c *Client) find(ctx context.Context, query map[string]any) ([]FileInfo, error) {
	queryJSON, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("marshal catalog query: %w", err)
	}

	var files []FileInfo
	start := 0
	for {
		params := url.Values{}
		params.Set("query", string(queryJSON))
		params.Set("keys", queryKeys)
		params.Set("limit", strconv.Itoa(c.pageSize))
		params.Set("start", strconv.Itoa(start))

		var page struct {
			Files []FileInfo `json:"files"`
		}
		if err := c.get(ctx, "/api/files?"+params.Encode(), &page); err != nil {
			return nil, err
		}
		files = append(files, page.Files...)
		if len(page.Files) < c.pageSize {
			return files, nil
		}
		start += len(page.Files)
	}
}

// GetFile fetches one full catalog record.
func (c *Client) GetFile(ctx context.Context, uuid string) (*Record, error) {
	var rec Record
	if err := c.get(ctx, "/api/files/"+uuid, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// RegisterFile creates a catalog record, falling back to replacing the
// record's contents when a record with the same uuid already exists.
// Verifiers re-run after partial failures, so registration must be
// idempotent.
func (c *Client) RegisterFile(ctx context.Context, rec *Record) error {
	err := c.post(ctx, "/api/files", rec, nil)
	if err == nil {
		return nil
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) || !apiErr.IsConflict() {
		return err
	}
	update := *rec
	update.UUID = ""
	return c.patch(ctx, "/api/files/"+rec.UUID, &update, nil)
}

// AddLocation appends locations to an existing record. The catalog
// deduplicates, so re-adding after a partial failure is safe.
func (c *Client) AddLocation(ctx context.Context, uuid string, locs ...Location) error {
	body := map[string][]Location{"locations": locs}
	return c.post(ctx, "/api/files/"+uuid+"/locations", body, nil)
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	return c.do(ctx, http.MethodGet, path, nil, result)
}

func (c *Client) post(ctx context.Context, path string, body, result any) error {
	return c.do(ctx, http.MethodPost, path, body, result)
}

func (c *Client) patch(ctx context.Context, path string, body, result any) error {
	return c.do(ctx, http.MethodPatch, path, body, result)
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build catalog request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return fmt.Errorf("file catalog token: %w", err)
		}
		tok.SetAuthHeader(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("file catalog request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read catalog response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return parseError(resp.StatusCode, data)
	}
	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("decode catalog response: %w", err)
		}
	}
	return nil
}
