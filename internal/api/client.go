package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/banshee-data/junction.control/internal/control"
	"github.com/banshee-data/junction.control/internal/httputil"
	"github.com/banshee-data/junction.control/internal/traffic"
)

// Client talks to a running junction server.
type Client struct {
	BaseURL string
	HTTP    httputil.HTTPClient
}

// NewClient returns a client for baseURL (for example
// "http://localhost:8080"). A nil hc uses http.DefaultClient.
func NewClient(baseURL string, hc httputil.HTTPClient) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: hc}
}

func (c *Client) url(path string, q url.Values) string {
	u := c.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *Client) State(ctx context.Context) (control.Snapshot, error) {
	var snap control.Snapshot
	err := httputil.DoJSON(ctx, c.HTTP, http.MethodGet, c.url("/api/state", nil), &snap)
	return snap, err
}

func (c *Client) Metrics(ctx context.Context) (MetricsResponse, error) {
	var m MetricsResponse
	err := httputil.DoJSON(ctx, c.HTTP, http.MethodGet, c.url("/api/metrics", nil), &m)
	return m, err
}

func (c *Client) Spawn(ctx context.Context, dir traffic.Direction) (traffic.Vehicle, error) {
	var v traffic.Vehicle
	q := url.Values{"direction": {string(dir)}}
	err := httputil.DoJSON(ctx, c.HTTP, http.MethodPost, c.url("/api/spawn", q), &v)
	return v, err
}

// TogglePause returns the new paused state.
func (c *Client) TogglePause(ctx context.Context) (bool, error) {
	var resp PauseResponse
	err := httputil.DoJSON(ctx, c.HTTP, http.MethodPost, c.url("/api/pause", nil), &resp)
	return resp.Paused, err
}

// ToggleAutoSpawn returns the new autospawn state.
func (c *Client) ToggleAutoSpawn(ctx context.Context) (bool, error) {
	var resp AutoSpawnResponse
	err := httputil.DoJSON(ctx, c.HTTP, http.MethodPost, c.url("/api/autospawn", nil), &resp)
	return resp.AutoSpawn, err
}

func (c *Client) SetWeather(ctx context.Context, mode string) (WeatherResponse, error) {
	var resp WeatherResponse
	q := url.Values{"mode": {mode}}
	err := httputil.DoJSON(ctx, c.HTTP, http.MethodPost, c.url("/api/weather", q), &resp)
	return resp, err
}

func (c *Client) Reset(ctx context.Context) error {
	return httputil.DoJSON(ctx, c.HTTP, http.MethodPost, c.url("/api/reset", nil), nil)
}

func (c *Client) Episodes(ctx context.Context, limit int) (EpisodesResponse, error) {
	var resp EpisodesResponse
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	err := httputil.DoJSON(ctx, c.HTTP, http.MethodGet, c.url("/api/episodes", q), &resp)
	return resp, err
}
