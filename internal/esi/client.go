// Package esi executes endpoint queries against the remote character API.
package esi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/esisync/esisync/internal/core"
)

const (
	defaultBaseURL   = "https://esi.evetech.net/latest"
	defaultUserAgent = "esisync"

	headerErrorRemain = "X-ESI-Error-Limit-Remain"
	headerErrorReset  = "X-ESI-Error-Limit-Reset"
	headerPages       = "X-Pages"
	headerRetryAfter  = "Retry-After"

	maxPages     = 50
	maxBodyBytes = 32 << 20
)

// ErrUnknownEndpoint is returned for endpoints missing from the catalog.
var ErrUnknownEndpoint = errors.New("endpoint not in catalog")

// ErrorBudget receives the remote error-limit headers of every response.
type ErrorBudget interface {
	Observe(remaining int, reset time.Duration)
}

// Client issues authenticated GET requests for catalog endpoints.
type Client struct {
	BaseURL    string
	UserAgent  string
	HTTPClient *http.Client
	Catalog    *core.Catalog
	Budget     ErrorBudget
	Logger     *zap.Logger
	Clock      func() time.Time
}

// NewHTTPClient returns a client whose transport negotiates HTTP/2 over TLS.
func NewHTTPClient(timeout time.Duration, enableHTTP2 bool) (*http.Client, error) {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return &http.Client{Timeout: timeout}, nil
	}
	transport := base.Clone()
	transport.MaxIdleConnsPerHost = 16
	if enableHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			return nil, fmt.Errorf("configure http2 transport: %w", err)
		}
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

// Execute fetches every page of endpoint for the credentials' entity.
func (c *Client) Execute(ctx context.Context, endpoint core.Endpoint, creds core.Credentials) (*core.Result, error) {
	if c == nil {
		return nil, errors.New("esi client not configured")
	}
	spec, ok := c.catalog().Lookup(endpoint)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpoint)
	}
	path := strings.ReplaceAll(spec.Path, "{id}", creds.Entity.String())

	first, err := c.get(ctx, path, 1, creds.AccessToken)
	if err != nil {
		return nil, err
	}
	result := &core.Result{
		Body:       first.body,
		StatusCode: first.status,
		ExpiresAt:  first.expires,
		Pages:      first.pages,
	}
	if first.pages <= 1 {
		return result, nil
	}

	pages := first.pages
	if pages > maxPages {
		c.logger().Warn("truncating paged endpoint",
			zap.String("endpoint", string(endpoint)),
			zap.Int("pages", pages))
		pages = maxPages
	}
	bodies := [][]byte{first.body}
	for page := 2; page <= pages; page++ {
		next, err := c.get(ctx, path, page, creds.AccessToken)
		if err != nil {
			return nil, err
		}
		bodies = append(bodies, next.body)
		if next.expires.Before(result.ExpiresAt) {
			result.ExpiresAt = next.expires
		}
	}
	merged, err := mergePages(bodies)
	if err != nil {
		return nil, core.NewRemoteError(core.KindTransient, 0, err.Error())
	}
	result.Body = merged
	return result, nil
}

type response struct {
	status  int
	body    []byte
	expires time.Time
	pages   int
}

func (c *Client) get(ctx context.Context, path string, page int, token string) (*response, error) {
	url := strings.TrimRight(c.baseURL(), "/") + path
	if page > 1 {
		url += "?page=" + strconv.Itoa(page)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &core.RemoteError{Kind: core.KindTransient, Message: "request failed", Err: err}
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup

	c.observe(resp.Header)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &core.RemoteError{Kind: core.KindTransient, StatusCode: resp.StatusCode, Message: "read response", Err: err}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, classify(resp.StatusCode, resp.Header, body, c.now())
	}

	out := &response{status: resp.StatusCode, body: body, pages: 1}
	if expires, err := http.ParseTime(resp.Header.Get("Expires")); err == nil {
		out.expires = expires.UTC()
	}
	if pages, err := strconv.Atoi(resp.Header.Get(headerPages)); err == nil && pages > 0 {
		out.pages = pages
	}
	return out, nil
}

func (c *Client) observe(header http.Header) {
	if c.Budget == nil {
		return
	}
	remainRaw := header.Get(headerErrorRemain)
	if remainRaw == "" {
		return
	}
	remaining, err := strconv.Atoi(remainRaw)
	if err != nil {
		return
	}
	var reset time.Duration
	if seconds, err := strconv.Atoi(header.Get(headerErrorReset)); err == nil && seconds > 0 {
		reset = time.Duration(seconds) * time.Second
	}
	c.Budget.Observe(remaining, reset)
}

// mergePages concatenates JSON array pages into one array.
func mergePages(bodies [][]byte) ([]byte, error) {
	var all []json.RawMessage
	for i, body := range bodies {
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("page %d is not a JSON array: %w", i+1, err)
		}
		all = append(all, items...)
	}
	if all == nil {
		all = []json.RawMessage{}
	}
	return json.Marshal(all)
}

func (c *Client) catalog() *core.Catalog {
	if c.Catalog == nil {
		return core.DefaultCatalog()
	}
	return c.Catalog
}

func (c *Client) baseURL() string {
	if strings.TrimSpace(c.BaseURL) == "" {
		return defaultBaseURL
	}
	return c.BaseURL
}

func (c *Client) userAgent() string {
	if strings.TrimSpace(c.UserAgent) == "" {
		return defaultUserAgent
	}
	return c.UserAgent
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		return http.DefaultClient
	}
	return c.HTTPClient
}

func (c *Client) now() time.Time {
	if c.Clock == nil {
		return time.Now()
	}
	return c.Clock()
}

func (c *Client) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
