package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hyperjump/shiori/internal/models"
)

// apiClient talks to a running shiori server. Commands use it so the CLI does not
// contend with the server for the database and index locks.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (c *apiClient) do(method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	var e struct {
		Error  string `json:"error"`
		Stage  string `json:"stage"`
		Reason string `json:"reason"`
	}
	if json.Unmarshal(b, &e) != nil || e.Error == "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	msg := fmt.Sprintf("server returned %d: %s", resp.StatusCode, e.Error)
	if e.Stage != "" {
		msg += " (stage " + e.Stage + ")"
	}
	return errors.New(msg)
}

func (c *apiClient) Query(q *models.Query) (*models.Response, error) {
	var resp models.Response
	if err := c.do(http.MethodPost, "/api/v1/query", q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *apiClient) Stats() (*models.Stats, error) {
	var out struct {
		Stats *models.Stats `json:"stats"`
	}
	if err := c.do(http.MethodGet, "/api/v1/status", nil, &out); err != nil {
		return nil, err
	}
	if out.Stats == nil {
		return nil, fmt.Errorf("status response has no stats")
	}
	return out.Stats, nil
}

func (c *apiClient) History(offset, limit int) ([]*models.HistoryRecord, error) {
	v := url.Values{}
	v.Set("offset", strconv.Itoa(offset))
	v.Set("limit", strconv.Itoa(limit))
	var out struct {
		Records []*models.HistoryRecord `json:"records"`
	}
	if err := c.do(http.MethodGet, "/api/v1/history?"+v.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

func (c *apiClient) PruneCache() (responses int64, embeddings int, err error) {
	var out struct {
		Responses  int64 `json:"response_cache_deleted"`
		Embeddings int   `json:"embedding_cache_deleted"`
	}
	if err := c.do(http.MethodDelete, "/api/v1/cache/expired", nil, &out); err != nil {
		return 0, 0, err
	}
	return out.Responses, out.Embeddings, nil
}

func (c *apiClient) WatchDirectories() ([]string, error) {
	var out struct {
		Directories []string `json:"directories"`
	}
	if err := c.do(http.MethodGet, "/api/v1/watch/directories", nil, &out); err != nil {
		return nil, err
	}
	return out.Directories, nil
}

func (c *apiClient) AddWatchDirectory(path string) error {
	return c.do(http.MethodPost, "/api/v1/watch/directories", map[string]any{"path": path, "sync": true}, nil)
}

func (c *apiClient) RemoveWatchDirectory(path string) error {
	return c.do(http.MethodDelete, "/api/v1/watch/directories?path="+url.QueryEscape(path), nil, nil)
}
