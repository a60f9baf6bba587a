// Package feed is the HTTP client for shape change-feeds.
package feed

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/araddon/dateparse"

	"replica_dashboard/internal/domain"
)

// Config holds change-feed transport configuration.
type Config struct {
	BaseURL        string
	Timeout        time.Duration
	MaxBatch       int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Client opens shape subscriptions and runs one-shot probes against the
// feed endpoint.
type Client struct {
	probeClient    *http.Client
	streamClient   *http.Client
	baseURL        string
	maxBatch       int
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Client{
		probeClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		// subscriptions are long-lived; only the context bounds them
		streamClient:   &http.Client{},
		baseURL:        cfg.BaseURL,
		maxBatch:       cfg.MaxBatch,
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		logger:         logger.With("component", "feed"),
	}
}

// Subscribe opens the long-lived stream of a shape. The initial connection
// is retried with backoff like any later reconnection.
func (c *Client) Subscribe(ctx context.Context, shape domain.Shape) (domain.Stream, error) {
	s := newStream(c, shape)
	if err := s.connect(ctx); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", shape.Name, err)
	}
	return s, nil
}

// Probe checks that the shape endpoint answers at all.
func (c *Client) Probe(ctx context.Context, shape domain.Shape) error {
	resp, err := c.get(ctx, c.probeClient, c.shapeURL(shape, url.Values{"limit": {"1"}}))
	if err != nil {
		return fmt.Errorf("probe %s: %w", shape.Name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	return nil
}

// Latest returns the newest value of column in the shape's table, as seen
// by the server. The bool is false when the table is empty.
func (c *Client) Latest(ctx context.Context, shape domain.Shape, column string) (time.Time, bool, error) {
	params := url.Values{
		"order_by": {column + " DESC"},
		"limit":    {"1"},
	}
	probe := shape
	probe.OrderBy = ""

	resp, err := c.get(ctx, c.probeClient, c.shapeURL(probe, params))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("freshness probe %s: %w", shape.Name, err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(io.LimitReader(resp.Body, 1024*1024))
	for {
		line, readErr := reader.ReadBytes('\n')
		msgs, err := decodeLine(line)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("freshness probe %s: %w", shape.Name, err)
		}
		for _, m := range msgs {
			if m.IsUpToDate() {
				return time.Time{}, false, nil
			}
			if len(m.Value) == 0 {
				continue
			}
			t, err := valueTime(m.Value, column)
			if err != nil {
				return time.Time{}, false, fmt.Errorf("freshness probe %s: %w", shape.Name, err)
			}
			return t, true, nil
		}
		if readErr == io.EOF {
			return time.Time{}, false, nil
		}
		if readErr != nil {
			return time.Time{}, false, fmt.Errorf("freshness probe %s: %w", shape.Name, readErr)
		}
	}
}

func (c *Client) open(ctx context.Context, shape domain.Shape, offset string) (io.ReadCloser, error) {
	params := url.Values{}
	if offset != "" {
		params.Set("offset", offset)
		params.Set("live", "true")
	}
	resp, err := c.get(ctx, c.streamClient, c.shapeURL(shape, params))
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) get(ctx context.Context, httpClient *http.Client, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/x-ndjson, application/json")
	req.Header.Set("User-Agent", "ReplicaDashboard/1.0")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return resp, nil
}

func (c *Client) shapeURL(shape domain.Shape, extra url.Values) string {
	params := url.Values{}
	params.Set("table", shape.Table)
	if shape.Where != "" {
		params.Set("where", shape.Where)
	}
	if shape.OrderBy != "" {
		params.Set("order_by", shape.OrderBy)
	}
	for k, v := range extra {
		params[k] = v
	}
	return c.baseURL + "?" + params.Encode()
}

func valueTime(value json.RawMessage, column string) (time.Time, error) {
	var row map[string]any
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()
	if err := dec.Decode(&row); err != nil {
		return time.Time{}, fmt.Errorf("decode row: %w", err)
	}
	switch v := row[column].(type) {
	case string:
		t, err := dateparse.ParseIn(v, time.UTC)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse %s: %w", column, err)
		}
		return t.UTC(), nil
	case json.Number:
		sec, err := strconv.ParseInt(v.String(), 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse %s: %w", column, err)
		}
		return time.Unix(sec, 0).UTC(), nil
	case nil:
		return time.Time{}, fmt.Errorf("row has no %s", column)
	default:
		return time.Time{}, fmt.Errorf("unexpected %s value %v", column, v)
	}
}
