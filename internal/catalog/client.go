// Package catalog is a client for the video catalog service that hands out
// manifest URLs.
package catalog

import (
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
)

// Maximum JSON response size to prevent OOM from malformed/massive responses
const maxJSONResponseSize = 2 * 1024 * 1024 // 2MB

// ErrNotFound is returned when the catalog has no such video.
var ErrNotFound = errors.New("video not found")

// Video is one entry from GET /videos.
type Video struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Duration  string    `json:"duration"`
	Timestamp time.Time `json:"timestamp"`
	Thumbnail string    `json:"thumbnail,omitempty"`
}

// Details is the body of GET /video/{id}/details.
type Details struct {
	VideoID   string `json:"video_id"`
	Name      string `json:"name"`
	Duration  string `json:"duration"`
	DashURL   string `json:"dash_url"`
	HLSURL    string `json:"hls_url"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

type videoList struct {
	Videos []Video `json:"videos"`
	Count  int     `json:"count"`
}

// Client talks to the catalog service.
type Client struct {
	base   *url.URL
	client *http.Client
	logger *slog.Logger
}

// NewClient creates a catalog client for baseURL.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse catalog url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("catalog url %q must be absolute", baseURL)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base:   u,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}, nil
}

// BaseURL returns the catalog base URL.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// List returns every video in the catalog.
func (c *Client) List(ctx context.Context) ([]Video, error) {
	var list videoList
	if err := c.getJSON(ctx, "/videos", &list); err != nil {
		return nil, err
	}
	return list.Videos, nil
}

// Details returns the details record for one video.
func (c *Client) Details(ctx context.Context, id string) (*Details, error) {
	if id == "" {
		return nil, errors.New("video id is empty")
	}
	var d Details
	if err := c.getJSON(ctx, "/video/"+url.PathEscape(id)+"/details", &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ResolveManifest returns the manifest URL for a video. It prefers the
// server-supplied dash_url and falls back to the static path convention
// when the details call fails or carries no dash_url.
func (c *Client) ResolveManifest(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", errors.New("video id is empty")
	}

	d, err := c.Details(ctx, id)
	switch {
	case err != nil:
		c.logger.Warn("catalog_details_failed", "video_id", id, "error", err)
	case d.DashURL != "":
		resolved, rerr := c.resolve(d.DashURL)
		if rerr == nil {
			return resolved, nil
		}
		c.logger.Warn("catalog_dash_url_invalid", "video_id", id, "dash_url", d.DashURL, "error", rerr)
	}

	return ManifestURL(c.base.String(), id), nil
}

// resolve turns a possibly relative dash_url into an absolute URL.
func (c *Client) resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return c.base.ResolveReference(u).String(), nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	endpoint := c.base.String() + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("fetch %s: %w", path, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("fetch %s: unexpected status: %d", path, resp.StatusCode)
	}

	limitedReader := io.LimitReader(resp.Body, maxJSONResponseSize)
	if err := json.NewDecoder(limitedReader).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// ManifestURL applies the catalog's static path convention:
// {base}/static/{id}_dash/manifest.mpd.
func ManifestURL(base, id string) string {
	return strings.TrimRight(base, "/") + "/static/" + url.PathEscape(id) + "_dash/manifest.mpd"
}
