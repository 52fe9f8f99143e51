// Package client is a thin HTTP client for the status API.
package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/rsclarke/droidrig/internal/api"
)

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) do(method, path string, out any) error {
	req, err := http.NewRequest(method, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return parseError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) ListDevices() (*api.ListDevicesResponse, error) {
	var result api.ListDevicesResponse
	if err := c.do("GET", "/v1/devices", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) GetDevice(serial string) (*api.DeviceDetail, error) {
	var result api.DeviceDetail
	if err := c.do("GET", "/v1/devices/"+url.PathEscape(serial), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) GetEvents(serial string) (*api.GetEventsResponse, error) {
	var result api.GetEventsResponse
	if err := c.do("GET", "/v1/devices/"+url.PathEscape(serial)+"/events", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetArtifacts lists the artifacts of a device. An empty kind lists all.
func (c *Client) GetArtifacts(serial, kind string) (*api.GetArtifactsResponse, error) {
	path := "/v1/devices/" + url.PathEscape(serial) + "/artifacts"
	if kind != "" {
		path += "?kind=" + url.QueryEscape(kind)
	}
	var result api.GetArtifactsResponse
	if err := c.do("GET", path, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) GetRun(id string) (*api.RunInfo, error) {
	var result api.RunInfo
	if err := c.do("GET", "/v1/runs/"+url.PathEscape(id), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) ListPlugins() (*api.ListPluginsResponse, error) {
	var result api.ListPluginsResponse
	if err := c.do("GET", "/v1/plugins", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) DeleteDevice(serial string) error {
	return c.do("DELETE", "/v1/devices/"+url.PathEscape(serial), nil)
}

func parseError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	var errResp api.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return fmt.Errorf("%s", errResp.Error)
}
