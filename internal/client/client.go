// Package client talks to the gateway's admin API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rsclarke/mcpgate/internal/api"
)

const defaultTimeout = 30 * time.Second

// APIError is a non-2xx answer from the admin API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the admin API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: defaultTimeout},
	}
}

func (c *Client) AddGateway(ctx context.Context, alias string, config json.RawMessage) (*api.AddGatewayResponse, error) {
	var out api.AddGatewayResponse
	err := c.do(ctx, http.MethodPost, "/gateway/new", api.AddGatewayRequest{Alias: alias, Config: config}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteGateway(ctx context.Context, alias string) (*api.DeleteGatewayResponse, error) {
	var out api.DeleteGatewayResponse
	if err := c.do(ctx, http.MethodDelete, "/gateway/delete/"+url.PathEscape(alias), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Inventory(ctx context.Context) (*api.InventoryResponse, error) {
	var out api.InventoryResponse
	if err := c.do(ctx, http.MethodGet, "/gateway/inventory", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListScans fetches one page of scan records. An empty cursor starts at the
// newest record; limit 0 uses the server default.
func (c *Client) ListScans(ctx context.Context, cursor string, limit int) (*api.ScanPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/scans/cursor"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out api.ScanPage
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ScanStatus(ctx context.Context, id string) (*api.StatusResponse, error) {
	var out api.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/scan/"+url.PathEscape(id)+"/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ScanGraph(ctx context.Context, id string) (*api.GraphResponse, error) {
	var out api.GraphResponse
	if err := c.do(ctx, http.MethodGet, "/scan/"+url.PathEscape(id)+"/graphs", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ScansGraph(ctx context.Context) (*api.GraphResponse, error) {
	var out api.GraphResponse
	if err := c.do(ctx, http.MethodGet, "/scans/graphs", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func parseError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	var errResp api.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{Status: resp.StatusCode, Message: string(bytes.TrimSpace(body))}
	}
	return &APIError{Status: resp.StatusCode, Message: errResp.Error}
}
