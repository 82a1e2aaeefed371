// Package remote implements the HTTP client for the shared attendance
// store: row queries and upserts keyed by the natural key, photo uploads
// (session and kiosk paths), the server-time probe, and the realtime
// change feed.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrDuplicateKey is returned by Insert when the remote store already
// holds a row with the same natural key. Callers treat it as success: the
// data is already present.
var ErrDuplicateKey = errors.New("duplicate natural key")

// ErrUnreachable wraps transport-level failures so callers can
// distinguish "no network" from a server-side rejection.
var ErrUnreachable = errors.New("remote store unreachable")

// Row is an attendance row as held by the remote store.
type Row struct {
	ID          string   `json:"id,omitempty"`
	Cedula      string   `json:"cedula"`
	TenantID    string   `json:"tenant_id"`
	Date        string   `json:"date"` // YYYY-MM-DD
	Timestamp   int64    `json:"timestamp"`
	Type        string   `json:"type"`
	TimeDecimal float64  `json:"time_decimal"`
	PhotoURL    string   `json:"photo_url,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	Source      string   `json:"source,omitempty"`
	Deleted     bool     `json:"deleted"`
	EditedAt    time.Time `json:"edited_at"`
}

// TokenFunc supplies the session bearer token for authenticated-session
// requests. It may be nil on kiosk devices, which hold no durable session.
type TokenFunc func(ctx context.Context) (string, error)

// Config configures the remote client.
type Config struct {
	BaseURL string
	// APIKey is the elevated, identity-scoped key used by kiosk devices
	// for reads that bypass per-row access restrictions.
	APIKey  string
	Token   TokenFunc
	Timeout time.Duration
	Logger  *log.Logger
}

// Client talks to the remote attendance store.
type Client struct {
	base    string
	apiKey  string
	token   TokenFunc
	httpc   *http.Client
	logger  *log.Logger
}

// NewClient builds a client. Timeout defaults to 30s; every request is
// additionally bounded by the caller's context.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey: cfg.APIKey,
		token:  cfg.Token,
		httpc:  &http.Client{Timeout: timeout},
		logger: logger,
	}, nil
}

// Online reports whether the remote store is currently reachable. It is a
// cheap HEAD with a short deadline; scheduler and syncer consult it before
// attempting work.
func (c *Client) Online(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.base+"/rest/health", nil)
	if err != nil {
		return false
	}
	c.setAuth(ctx, req)
	resp, err := c.httpc.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < 500
}

// FindByNaturalKey returns the non-deleted remote row with the exact
// (cedula, date, timestamp) key, or nil if none exists.
func (c *Client) FindByNaturalKey(ctx context.Context, cedula, date string, timestamp int64) (*Row, error) {
	q := url.Values{}
	q.Set("cedula", cedula)
	q.Set("date", date)
	q.Set("timestamp", strconv.FormatInt(timestamp, 10))
	q.Set("deleted", "false")

	var rows []Row
	if err := c.getJSON(ctx, "/rest/attendance?"+q.Encode(), &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// Insert writes a new row. A duplicate-key conflict is reported as
// ErrDuplicateKey so the caller can treat the race as success.
func (c *Client) Insert(ctx context.Context, row Row) error {
	resp, err := c.send(ctx, http.MethodPost, "/rest/attendance", row)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		return ErrDuplicateKey
	case resp.StatusCode >= 300:
		return c.statusError(resp)
	}
	return nil
}

// Update patches the remote row with the given id in place.
func (c *Client) Update(ctx context.Context, id string, row Row) error {
	resp, err := c.send(ctx, http.MethodPatch, "/rest/attendance/"+url.PathEscape(id), row)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return c.statusError(resp)
	}
	return nil
}

// ListWindow returns rows for a cedula within [from, to] dates inclusive.
// Tombstones (soft-deleted rows) are included only when deleted is true.
func (c *Client) ListWindow(ctx context.Context, cedula, from, to string, deleted bool) ([]Row, error) {
	q := url.Values{}
	q.Set("cedula", cedula)
	q.Set("from", from)
	q.Set("to", to)
	q.Set("deleted", strconv.FormatBool(deleted))

	var rows []Row
	if err := c.getJSON(ctx, "/rest/attendance?"+q.Encode(), &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// ExistingTimestamps batch-checks which of the given natural-key
// timestamps exist remotely (non-deleted) for a cedula. Requests are
// chunked to keep URLs bounded.
func (c *Client) ExistingTimestamps(ctx context.Context, cedula string, timestamps []int64) (map[int64]bool, error) {
	const chunkSize = 100

	present := make(map[int64]bool, len(timestamps))
	for start := 0; start < len(timestamps); start += chunkSize {
		end := start + chunkSize
		if end > len(timestamps) {
			end = len(timestamps)
		}
		parts := make([]string, 0, end-start)
		for _, ts := range timestamps[start:end] {
			parts = append(parts, strconv.FormatInt(ts, 10))
		}

		q := url.Values{}
		q.Set("cedula", cedula)
		q.Set("timestamps", strings.Join(parts, ","))

		var found []int64
		if err := c.getJSON(ctx, "/rest/attendance/exists?"+q.Encode(), &found); err != nil {
			return nil, err
		}
		for _, ts := range found {
			present[ts] = true
		}
	}
	return present, nil
}

// Latest returns the most recent row for a cedula on the given date, or
// nil. The request is sent with the elevated api key so kiosk devices,
// which hold no session, still see rows written by other devices.
func (c *Client) Latest(ctx context.Context, cedula, date string) (*Row, error) {
	q := url.Values{}
	q.Set("cedula", cedula)
	q.Set("date", date)
	q.Set("latest", "true")
	q.Set("deleted", "false")

	var rows []Row
	if err := c.getJSON(ctx, "/rest/attendance?"+q.Encode(), &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// getJSON performs an idempotent GET with transient-failure retry and
// decodes the JSON body into out.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		c.setAuth(ctx, req)

		resp, err := c.httpc.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return c.statusError(resp)
		}
		if resp.StatusCode >= 300 {
			return backoff.Permanent(c.statusError(resp))
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 3), ctx))
}

// send performs a non-idempotent request. No automatic retry: mutation
// retry safety comes from the natural-key upsert, not the transport.
func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(ctx, req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return resp, nil
}

// setAuth attaches the session bearer token when available, falling back
// to the elevated api key for sessionless (kiosk) devices.
func (c *Client) setAuth(ctx context.Context, req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	if c.token != nil {
		if tok, err := c.token(ctx); err == nil && tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
}

func (c *Client) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	// Diagnostic payloads are logged, never surfaced verbatim to users.
	if len(body) > 0 {
		c.logger.Printf("remote error %d on %s: %s", resp.StatusCode, resp.Request.URL.Path, body)
	}
	return fmt.Errorf("remote store returned status %d", resp.StatusCode)
}
