// Package symphony is a Go client for the symphony server's HTTP API.
package symphony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when the server answers 404.
var ErrNotFound = errors.New("not found")

// Strategy describes a strategy registered with the server. Source is only
// filled by GetStrategy.
type Strategy struct {
	Name     string            `json:"name"`
	Path     string            `json:"path,omitempty"`
	Symbols  []string          `json:"symbols"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Source   string            `json:"source,omitempty"`
}

// Run is a stored backtest run without its detail rows.
type Run struct {
	ID        string    `json:"id"`
	Strategy  string    `json:"strategy"`
	Start     string    `json:"start"`
	End       string    `json:"end"`
	CreatedAt time.Time `json:"created_at"`
}

// Point is one equity curve observation.
type Point struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

// Trade is one simulated fill.
type Trade struct {
	Date       time.Time `json:"date"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Shares     float64   `json:"shares"`
	Price      float64   `json:"price"`
	Commission float64   `json:"commission"`
	Value      float64   `json:"value"`
}

// Backtest is a stored run with its result mapping, curves and trades.
// Metric values in Result are decimal strings.
type Backtest struct {
	Result    map[string]any `json:"result"`
	Equity    []Point        `json:"equity"`
	Benchmark []Point        `json:"benchmark,omitempty"`
	Trades    []Trade        `json:"trades"`
}

// Health is the /healthz response.
type Health struct {
	Status     string `json:"status"`
	Strategies int    `json:"strategies"`
}

// Client talks to a symphony server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new symphony API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Health reports whether the server has finished loading strategies.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.get(ctx, "/healthz", &h)
	return h, err
}

// ListStrategies returns every registered strategy, sorted by name.
func (c *Client) ListStrategies(ctx context.Context) ([]Strategy, error) {
	var out []Strategy
	err := c.get(ctx, "/v1/strategies", &out)
	return out, err
}

// GetStrategy returns one strategy including its source.
func (c *Client) GetStrategy(ctx context.Context, name string) (Strategy, error) {
	var s Strategy
	err := c.get(ctx, "/v1/strategies/"+url.PathEscape(name), &s)
	return s, err
}

// ListBacktests returns up to limit stored runs, newest first. A
// non-positive limit uses the server default.
func (c *Client) ListBacktests(ctx context.Context, limit int) ([]Run, error) {
	path := "/v1/backtests"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []Run
	err := c.get(ctx, path, &out)
	return out, err
}

// GetBacktest returns a stored run by ID.
func (c *Client) GetBacktest(ctx context.Context, id string) (Backtest, error) {
	var b Backtest
	err := c.get(ctx, "/v1/backtests/"+url.PathEscape(id), &b)
	return b, err
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("GET %s: %w", path, ErrNotFound)
		}
		if body.Error == "" {
			body.Error = resp.Status
		}
		return fmt.Errorf("GET %s: %s", path, body.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}
