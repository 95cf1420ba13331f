package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/coldpoint/permafrost/pkg/config"
	"github.com/coldpoint/permafrost/pkg/log"
	"github.com/coldpoint/permafrost/pkg/types"
)

// retryBackoff is the initial delay between attempts; it doubles after
// every failed attempt.
const retryBackoff = 250 * time.Millisecond

var (
	// ErrClaimConflict is returned when a PATCH bounces off another
	// worker's claim (coordinator 409).
	ErrClaimConflict = errors.New("claim conflict")

	// ErrNotFound is returned when the coordinator has no such document.
	ErrNotFound = errors.New("not found")
)

// StatusError reports a non-2xx coordinator response that is not one of
// the sentinel conditions above.
type StatusError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// ClientConfig configures a coordinator client.
type ClientConfig struct {
	URL          string
	OpenIDURL    string // empty disables token acquisition
	ClientID     string
	ClientSecret string
	Timeout      time.Duration // per attempt
	Retries      int           // attempts = Retries + 1
}

// Client is a retrying HTTP client for the coordinator REST API. Every
// call retries on network errors, 5xx and 429 with doubling backoff;
// all other responses are returned to the caller on the first attempt.
type Client struct {
	base    string
	http    *http.Client
	tokens  oauth2.TokenSource
	timeout time.Duration
	retries int
	log     zerolog.Logger
}

// NewClient builds a client. When OpenIDURL is set the token endpoint
// is discovered and an initial client-credentials token is obtained;
// failure there is fatal so misconfigured workers die at startup
// instead of spinning on 401s.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("coordinator url is required")
	}
	c := &Client{
		base:    strings.TrimRight(cfg.URL, "/"),
		http:    &http.Client{},
		timeout: cfg.Timeout,
		retries: cfg.Retries,
		log:     log.WithComponent("coordinator-client"),
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if c.retries < 0 {
		c.retries = 0
	}

	if cfg.OpenIDURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		endpoint, err := discoverTokenEndpoint(ctx, c.http, cfg.OpenIDURL)
		if err != nil {
			return nil, fmt.Errorf("discover token endpoint: %w", err)
		}
		creds := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     endpoint,
		}
		c.tokens = creds.TokenSource(context.Background())
		if _, err := c.tokens.Token(); err != nil {
			return nil, fmt.Errorf("obtain initial token: %w", err)
		}
	}
	return c, nil
}

// Tokens exposes the client-credentials token source, nil when the
// worker runs unauthenticated. Stages reuse it for other bearer-token
// services such as the file catalog.
func (c *Client) Tokens() oauth2.TokenSource {
	return c.tokens
}

// WorkClient builds the client stages use, sized by WORK_RETRIES and
// WORK_TIMEOUT_SECONDS.
func WorkClient(cfg *config.Worker) (*Client, error) {
	return NewClient(ClientConfig{
		URL:          cfg.RestURL,
		OpenIDURL:    cfg.OpenIDURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Timeout:      cfg.WorkTimeout,
		Retries:      cfg.WorkRetries,
	})
}

// HeartbeatClient builds the client the harness heartbeats with, sized
// by HEARTBEAT_PATCH_RETRIES and HEARTBEAT_PATCH_TIMEOUT_SECONDS.
func HeartbeatClient(cfg *config.Worker) (*Client, error) {
	return NewClient(ClientConfig{
		URL:          cfg.RestURL,
		OpenIDURL:    cfg.OpenIDURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Timeout:      cfg.HeartbeatTimeout,
		Retries:      cfg.HeartbeatRetries,
	})
}

func discoverTokenEndpoint(ctx context.Context, client *http.Client, openidURL string) (string, error) {
	u := strings.TrimRight(openidURL, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("openid discovery returned %s", resp.Status)
	}
	var doc struct {
		TokenEndpoint string `json:"token_endpoint"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", err
	}
	if doc.TokenEndpoint == "" {
		return "", fmt.Errorf("openid discovery document has no token_endpoint")
	}
	return doc.TokenEndpoint, nil
}

// do runs one coordinator call with the retry policy. in is marshaled
// as the JSON body; out, when non-nil, receives the decoded response.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return err
		}
	}

	backoff := retryBackoff
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
		err := c.once(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
		c.log.Warn().Err(err).
			Str("method", method).
			Str("path", path).
			Int("attempt", attempt+1).
			Msg("coordinator request failed")
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, path string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return fmt.Errorf("refresh bearer token: %w", err)
		}
		tok.SetAuthHeader(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		switch resp.StatusCode {
		case http.StatusConflict:
			return fmt.Errorf("%s %s: %s: %w", method, path, strings.TrimSpace(string(excerpt)), ErrClaimConflict)
		case http.StatusNotFound:
			return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
		}
		return &StatusError{
			StatusCode: resp.StatusCode,
			Method:     method,
			Path:       path,
			Body:       strings.TrimSpace(string(excerpt)),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// retryable reports whether err is worth another attempt: transport
// failures, timeouts, 5xx and 429. Everything else is the caller's
// problem.
func retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Transfer request operations

func (c *Client) CreateTransferRequest(ctx context.Context, source, dest, path string) (string, error) {
	var out struct {
		UUID string `json:"TransferRequest"`
	}
	in := map[string]string{"source": source, "dest": dest, "path": path}
	if err := c.do(ctx, http.MethodPost, "/TransferRequests", in, &out); err != nil {
		return "", err
	}
	return out.UUID, nil
}

func (c *Client) GetTransferRequest(ctx context.Context, uuid string) (*types.TransferRequest, error) {
	var out types.TransferRequest
	if err := c.do(ctx, http.MethodGet, "/TransferRequests/"+uuid, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListTransferRequests(ctx context.Context) ([]*types.TransferRequest, error) {
	var out struct {
		Results []*types.TransferRequest `json:"results"`
	}
	if err := c.do(ctx, http.MethodGet, "/TransferRequests", nil, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (c *Client) PatchTransferRequest(ctx context.Context, uuid string, patch map[string]any) error {
	return c.do(ctx, http.MethodPatch, "/TransferRequests/"+uuid, patch, nil)
}

func (c *Client) DeleteTransferRequest(ctx context.Context, uuid string) error {
	return c.do(ctx, http.MethodDelete, "/TransferRequests/"+uuid, nil, nil)
}

// PopTransferRequest claims the highest-priority unclaimed request
// matching the site filter. A nil request with nil error means the
// queue is empty.
func (c *Client) PopTransferRequest(ctx context.Context, source, dest, claimant string) (*types.TransferRequest, error) {
	q := url.Values{}
	if source != "" {
		q.Set("source", source)
	}
	if dest != "" {
		q.Set("dest", dest)
	}
	var out struct {
		TransferRequest *types.TransferRequest `json:"transfer_request"`
	}
	in := map[string]string{"claimant": claimant}
	if err := c.do(ctx, http.MethodPost, "/TransferRequests/actions/pop?"+q.Encode(), in, &out); err != nil {
		return nil, err
	}
	return out.TransferRequest, nil
}

// QuarantineTransferRequest parks a request for operator attention. The
// coordinator records original_status and releases the claim.
func (c *Client) QuarantineTransferRequest(ctx context.Context, tr *types.TransferRequest, claimant, reason string) error {
	return c.PatchTransferRequest(ctx, tr.UUID, map[string]any{
		"status":                  types.StatusQuarantined,
		"reason":                  reason,
		"work_priority_timestamp": types.Now(),
		"claimant":                claimant,
	})
}

// Bundle operations

func (c *Client) GetBundle(ctx context.Context, uuid string) (*types.Bundle, error) {
	var out types.Bundle
	if err := c.do(ctx, http.MethodGet, "/Bundles/"+uuid, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListBundleUUIDs returns the uuids matching the query (location,
// request, status, verified).
func (c *Client) ListBundleUUIDs(ctx context.Context, query url.Values) ([]string, error) {
	path := "/Bundles"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var out struct {
		Results []string `json:"results"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// CreateBundles submits bundle specs and returns the assigned uuids.
func (c *Client) CreateBundles(ctx context.Context, specs []map[string]any) ([]string, error) {
	var out struct {
		Bundles []string `json:"bundles"`
	}
	in := map[string]any{"bundles": specs}
	if err := c.do(ctx, http.MethodPost, "/Bundles/actions/bulk_create", in, &out); err != nil {
		return nil, err
	}
	return out.Bundles, nil
}

func (c *Client) PatchBundle(ctx context.Context, uuid string, patch map[string]any) (*types.Bundle, error) {
	var out types.Bundle
	if err := c.do(ctx, http.MethodPatch, "/Bundles/"+uuid, patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteBundle(ctx context.Context, uuid string) error {
	return c.do(ctx, http.MethodDelete, "/Bundles/"+uuid, nil, nil)
}

// PopBundle claims the highest-priority unclaimed bundle in the given
// status at the given site. A nil bundle with nil error means the queue
// is empty.
func (c *Client) PopBundle(ctx context.Context, status types.Status, source, dest, claimant string) (*types.Bundle, error) {
	q := url.Values{}
	q.Set("status", string(status))
	if source != "" {
		q.Set("source", source)
	}
	if dest != "" {
		q.Set("dest", dest)
	}
	var out struct {
		Bundle *types.Bundle `json:"bundle"`
	}
	in := map[string]string{"claimant": claimant}
	if err := c.do(ctx, http.MethodPost, "/Bundles/actions/pop?"+q.Encode(), in, &out); err != nil {
		return nil, err
	}
	return out.Bundle, nil
}

// QuarantineBundle parks a bundle for operator attention. The
// coordinator records original_status and releases the claim.
func (c *Client) QuarantineBundle(ctx context.Context, bundle *types.Bundle, claimant, reason string) error {
	_, err := c.PatchBundle(ctx, bundle.UUID, map[string]any{
		"status":                  types.StatusQuarantined,
		"reason":                  reason,
		"work_priority_timestamp": types.Now(),
		"claimant":                claimant,
	})
	return err
}

// Metadata operations

// CreateMetadata maps file catalog uuids into a bundle and returns how
// many records were created.
func (c *Client) CreateMetadata(ctx context.Context, bundleUUID string, files []string) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	in := map[string]any{"bundle_uuid": bundleUUID, "files": files}
	if err := c.do(ctx, http.MethodPost, "/Metadata/actions/bulk_create", in, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (c *Client) ListMetadata(ctx context.Context, bundleUUID string, limit, skip int) ([]types.MetadataRecord, error) {
	q := url.Values{}
	q.Set("bundle_uuid", bundleUUID)
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if skip > 0 {
		q.Set("skip", fmt.Sprintf("%d", skip))
	}
	var out struct {
		Results []types.MetadataRecord `json:"results"`
	}
	if err := c.do(ctx, http.MethodGet, "/Metadata?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (c *Client) DeleteMetadata(ctx context.Context, uuids []string) error {
	in := map[string]any{"metadata": uuids}
	return c.do(ctx, http.MethodPost, "/Metadata/actions/bulk_delete", in, nil)
}

func (c *Client) DeleteMetadataByBundle(ctx context.Context, bundleUUID string) error {
	q := url.Values{}
	q.Set("bundle_uuid", bundleUUID)
	return c.do(ctx, http.MethodDelete, "/Metadata?"+q.Encode(), nil, nil)
}

// Status operations

// SendHeartbeat upserts this instance's row under /status/{type}.
func (c *Client) SendHeartbeat(ctx context.Context, componentType, name string, payload map[string]any) error {
	in := map[string]any{name: payload}
	return c.do(ctx, http.MethodPatch, "/status/"+componentType, in, nil)
}

// StatusAll returns the coordinator's health roll-up: a "health" key
// plus one name list per component type.
func (c *Client) StatusAll(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, "/status", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StatusComponent returns the heartbeat payloads of every instance of
// one component type.
func (c *Client) StatusComponent(ctx context.Context, componentType string) (map[string]map[string]any, error) {
	var out map[string]map[string]any
	if err := c.do(ctx, http.MethodGet, "/status/"+componentType, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteStatus removes one instance's heartbeat row.
func (c *Client) DeleteStatus(ctx context.Context, componentType, name string) error {
	return c.do(ctx, http.MethodDelete, "/status/"+componentType+"/"+name, nil, nil)
}
