// Package notion persists knowledge records into a Notion database with an
// idempotent create-or-update keyed by source URL.
package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"occam/internal/config"
)

const (
	defaultBaseURL = "https://api.notion.com"
	apiVersion     = "2022-06-28"
)

// apiError is a non-2xx response from the Notion API.
type apiError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("notion API %d %s: %s", e.Status, e.Code, e.Message)
}

func retryableStore(err error) bool {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.Status == http.StatusTooManyRequests || ae.Status >= 500
	}
	// Network-level failure.
	return true
}

// Client is a minimal Notion API client covering schema introspection,
// query-by-property, and page create/update.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a Notion client from config.
func NewClient(cfg config.Notion) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: defaultBaseURL,
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Notion-Version", apiVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("notion API unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ae := &apiError{Status: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err := json.Unmarshal(data, ae); err != nil {
			ae.Message = strings.TrimSpace(string(data))
		}
		return ae
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// property is one entry of a database schema.
type property struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type databaseResponse struct {
	Properties map[string]property `json:"properties"`
}

// getDatabase fetches the property schema of a database.
func (c *Client) getDatabase(ctx context.Context, databaseID string) (map[string]property, error) {
	var resp databaseResponse
	if err := c.do(ctx, http.MethodGet, "/v1/databases/"+databaseID, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Properties, nil
}

type page struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type queryResponse struct {
	Results []page `json:"results"`
}

// queryByURL finds the page whose url property equals value, or nil.
func (c *Client) queryByURL(ctx context.Context, databaseID, urlProperty, value string) (*page, error) {
	body := map[string]any{
		"filter": map[string]any{
			"property": urlProperty,
			"url":      map[string]string{"equals": value},
		},
		"page_size": 1,
	}
	var resp queryResponse
	if err := c.do(ctx, http.MethodPost, "/v1/databases/"+databaseID+"/query", body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	return &resp.Results[0], nil
}

// createPage creates a database page with properties and body blocks.
func (c *Client) createPage(ctx context.Context, databaseID string, properties map[string]any, children []map[string]any) (*page, error) {
	body := map[string]any{
		"parent":     map[string]string{"database_id": databaseID},
		"properties": properties,
	}
	if len(children) > 0 {
		body["children"] = children
	}
	var resp page
	if err := c.do(ctx, http.MethodPost, "/v1/pages", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// updatePage overwrites the properties of an existing page.
func (c *Client) updatePage(ctx context.Context, pageID string, properties map[string]any) (*page, error) {
	body := map[string]any{"properties": properties}
	var resp page
	if err := c.do(ctx, http.MethodPatch, "/v1/pages/"+pageID, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// pageURL builds the public URL for a page when the API response omits one.
func pageURL(id string) string {
	return "https://www.notion.so/" + strings.ReplaceAll(id, "-", "")
}
