// Package httpds fetches pipeline inputs from an HTTP object store.
package httpds

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"lakeforge/internal/datasource/file"
)

const defaultTimeout = 60 * time.Second

// Config configures a Client.
type Config struct {
	// BaseURL is joined with keys passed to Fetch. Leave empty to use absolute URLs.
	BaseURL string
	// Token, if set, is sent as a Bearer Authorization header.
	Token              string
	Timeout            time.Duration
	InsecureSkipVerify bool
	// MaxBytes caps a full fetch (default file.MaxFileBytes).
	MaxBytes int64
}

// StatusError is a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.StatusCode)
}

// Unwrap maps 404 and 410 onto file.ErrNotFound.
func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone {
		return file.ErrNotFound
	}
	return nil
}

type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = file.MaxFileBytes
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed stores
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout, Transport: tr}}
}

// URL returns the address a key resolves to.
func (c *Client) URL(key string) string {
	if c.cfg.BaseURL == "" || strings.Contains(key, "://") {
		return key
	}
	parts := strings.Split(strings.Trim(key, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.Join(parts, "/")
}

// Fetch downloads the whole object behind key.
func (c *Client) Fetch(ctx context.Context, key string) ([]byte, error) {
	u := c.URL(key)
	body, err := c.get(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	b, err := io.ReadAll(io.LimitReader(body, c.cfg.MaxBytes+1))
	if err != nil {
		return nil, eris.Wrapf(err, "read %s", u)
	}
	if int64(len(b)) > c.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: %s", file.ErrTooLarge, u)
	}
	return b, nil
}

// FetchFirstBytes returns at most n bytes from the start of rawURL, asking the
// server for a byte range.
func (c *Client) FetchFirstBytes(ctx context.Context, rawURL string, n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("fetch first bytes: n must be > 0")
	}
	body, err := c.get(ctx, rawURL, http.Header{"Range": {fmt.Sprintf("bytes=0-%d", n-1)}})
	if err != nil {
		return nil, err
	}
	defer body.Close()

	b, err := io.ReadAll(io.LimitReader(body, int64(n)))
	if err != nil {
		return nil, eris.Wrapf(err, "read %s", rawURL)
	}
	return b, nil
}

func (c *Client) get(ctx context.Context, u string, h http.Header) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "build request %s", u)
	}
	for k, vs := range h {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, eris.Wrapf(err, "GET %s", u)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &StatusError{URL: u, StatusCode: resp.StatusCode}
	}
	return resp.Body, nil
}
