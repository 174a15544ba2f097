// Package httpapi reads and increments counters over a PostgREST-style
// HTTP JSON API.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/roach88/tally/internal/backend"
)

// Default endpoint paths.
const (
	LiveMetricsPath = "/metrics/live"
	RPCPathPrefix   = "/rest/v1/rpc/"
	TablePathPrefix = "/rest/v1/"
)

// maxErrorBody bounds how much of a failed response is kept in StatusError.
const maxErrorBody = 512

// Client talks to one API base URL.
type Client struct {
	base   *url.URL
	http   *http.Client
	apiKey string
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP/2-capable client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithAPIKey sends key as the apikey header and as a bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

var (
	_ backend.LiveMetricsReader = (*Client)(nil)
	_ backend.ProcedureCaller   = (*Client)(nil)
	_ backend.TableReader       = (*Client)(nil)
	_ backend.Incrementer       = (*Client)(nil)
)

// New returns a client for baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}

	c := &Client{base: u, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		hc, err := NewHTTP2Client()
		if err != nil {
			return nil, err
		}
		c.http = hc
	}
	c.logger = c.logger.With("component", "httpapi", "base", u.String())
	return c, nil
}

// NewHTTP2Client returns a client that negotiates HTTP/2 over TLS and falls
// back to HTTP/1.1 for plain-text endpoints.
func NewHTTP2Client() (*http.Client, error) {
	t := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if err := http2.ConfigureTransport(t); err != nil {
		return nil, fmt.Errorf("configure http2 transport: %w", err)
	}
	return &http.Client{Transport: t}, nil
}

// LiveMetrics implements backend.LiveMetricsReader.
func (c *Client) LiveMetrics(ctx context.Context) (backend.Metrics, error) {
	var body any
	if err := c.do(ctx, "live metrics", http.MethodGet, LiveMetricsPath, nil, nil, &body); err != nil {
		return nil, err
	}
	return firstObject("live metrics", body)
}

// Call implements backend.ProcedureCaller.
func (c *Client) Call(ctx context.Context, procedure string) (backend.Metrics, error) {
	op := "rpc " + procedure
	var body any
	if err := c.do(ctx, op, http.MethodPost, RPCPathPrefix+procedure, nil, []byte("{}"), &body); err != nil {
		return nil, err
	}
	return firstObject(op, body)
}

// ReadRow implements backend.TableReader.
func (c *Client) ReadRow(ctx context.Context, table string, columns []string) (backend.Metrics, error) {
	op := "table " + table
	q := url.Values{}
	q.Set("select", strings.Join(columns, ","))
	q.Set("limit", "1")
	var body any
	if err := c.do(ctx, op, http.MethodGet, TablePathPrefix+table, q, nil, &body); err != nil {
		return nil, err
	}
	return firstObject(op, body)
}

// Increment implements backend.Incrementer by calling the counter's
// procedure. The response is either a bare number or an object carrying
// the new total under "total" or "value".
func (c *Client) Increment(ctx context.Context, counter string) (int64, error) {
	op := "increment " + counter
	var body any
	if err := c.do(ctx, op, http.MethodPost, RPCPathPrefix+counter, nil, []byte("{}"), &body); err != nil {
		return 0, err
	}
	if m, ok := body.(json.Number); ok {
		n, err := m.Int64()
		if err != nil {
			return 0, fmt.Errorf("%s: %w", op, err)
		}
		return n, nil
	}
	obj, err := firstObject(op, body)
	if err != nil {
		return 0, err
	}
	for _, k := range []string{"total", "value", counter} {
		if n, ok := obj[k]; ok {
			return n, nil
		}
	}
	return 0, fmt.Errorf("%s: %w", op, backend.ErrEmpty)
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, payload []byte, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, backend.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("response", "op", op, "status", resp.StatusCode, "proto", resp.Proto)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &backend.StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%s: %w", op, backend.ErrEmpty)
		}
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

// firstObject accepts an object or an array whose first element is an object.
func firstObject(op string, body any) (backend.Metrics, error) {
	switch t := body.(type) {
	case map[string]any:
		m := backend.MetricsFromAny(t)
		if len(m) == 0 {
			return nil, fmt.Errorf("%s: %w", op, backend.ErrEmpty)
		}
		return m, nil
	case []any:
		if len(t) == 0 {
			return nil, fmt.Errorf("%s: %w", op, backend.ErrEmpty)
		}
		return firstObject(op, t[0])
	default:
		return nil, fmt.Errorf("%s: unexpected response %T: %w", op, body, backend.ErrEmpty)
	}
}
