package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/noorlabs/qiblad/internal/geo"
	"github.com/noorlabs/qiblad/internal/session"
)

// Client talks to a running qiblad server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Healthcheck checks if the server is reachable.
func (c *Client) Healthcheck(ctx context.Context) error {
	return c.get(ctx, "/healthcheck", nil, nil)
}

// Qibla asks the server for the bearing from coord.
func (c *Client) Qibla(ctx context.Context, coord geo.Coordinate) (QiblaResponse, error) {
	var out QiblaResponse
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(coord.Latitude, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(coord.Longitude, 'f', -1, 64))
	err := c.get(ctx, "/api/qibla", q, &out)
	return out, err
}

// Session returns the snapshot of a live session.
func (c *Client) Session(ctx context.Context, id string) (session.Snapshot, error) {
	var out session.Snapshot
	err := c.get(ctx, "/api/sessions/"+url.PathEscape(id), nil, &out)
	return out, err
}

// DeviceSession returns the snapshot of a device's live session.
func (c *Client) DeviceSession(ctx context.Context, device string) (session.Snapshot, error) {
	var out session.Snapshot
	err := c.get(ctx, "/api/devices/"+url.PathEscape(device)+"/session", nil, &out)
	return out, err
}

// DeviceFixes returns up to limit recent fixes of a device, newest first.
func (c *Client) DeviceFixes(ctx context.Context, device string, limit int) ([]geo.Fix, error) {
	var out struct {
		Fixes []geo.Fix `json:"fixes"`
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	err := c.get(ctx, "/api/devices/"+url.PathEscape(device)+"/fixes", q, &out)
	return out.Fixes, err
}

// StatusError is returned for non-200 responses.
type StatusError struct {
	Path    string
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s returned status %d: %s", e.Path, e.Status, e.Message)
	}
	return fmt.Sprintf("%s returned status %d", e.Path, e.Status)
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", path, err)
	}

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &e)
		return &StatusError{Path: path, Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
