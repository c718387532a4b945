package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cxlogger/internal/model"
	"cxlogger/internal/settings"
)

// Client is a thin HTTP client for the control plane API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given base URL (e.g. http://host:port).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Devices lists the registered device ids.
func (c *Client) Devices(ctx context.Context) ([]string, error) {
	var resp DevicesResponse
	if err := c.getJSON(ctx, "/api/devices", &resp); err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

// Health fetches the fleet health snapshot.
func (c *Client) Health(ctx context.Context) (model.HealthSnapshot, error) {
	var resp model.HealthSnapshot
	err := c.getJSON(ctx, "/api/health", &resp)
	return resp, err
}

// Report asks the service to publish its health snapshot now.
func (c *Client) Report(ctx context.Context) error {
	return c.postJSON(ctx, "/api/health/report", nil, nil)
}

func (c *Client) Start(ctx context.Context, id string) error {
	return c.postJSON(ctx, "/api/devices/"+url.PathEscape(id)+"/start", nil, nil)
}

func (c *Client) Stop(ctx context.Context, id string) error {
	return c.postJSON(ctx, "/api/devices/"+url.PathEscape(id)+"/stop", nil, nil)
}

func (c *Client) StopAll(ctx context.Context) error {
	return c.postJSON(ctx, "/api/devices/stop", nil, nil)
}

// Settings fetches a device's acquisition settings.
func (c *Client) Settings(ctx context.Context, id string) (settings.AcquisitionSettings, error) {
	var resp settings.AcquisitionSettings
	err := c.getJSON(ctx, "/api/settings/"+url.PathEscape(id), &resp)
	return resp, err
}

// UpdateSettings replaces a device's acquisition settings.
func (c *Client) UpdateSettings(ctx context.Context, id string, s settings.AcquisitionSettings) (settings.AcquisitionSettings, error) {
	var resp settings.AcquisitionSettings
	err := c.postJSON(ctx, "/api/settings/"+url.PathEscape(id), s, &resp)
	return resp, err
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Body)
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return fmt.Errorf("request failed: %s: %s", res.Status, msg)
		}
		return fmt.Errorf("request failed: %s", res.Status)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}
