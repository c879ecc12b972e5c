// Package client provides a Go client for the QuillVec HTTP API.
//
// It covers all server operations:
//   - Key-value store access (Set, Get, Delete).
//   - Vector index management (CreateIndex, ListIndexes, IndexInfo, DeleteIndex).
//   - Vector data operations (AddDocuments, Search, RemoveDocument, GetDocument).
//   - System administration (Save, AOFRewrite, maintenance, task polling).
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/quillvec/quillvec/pkg/core/types"
)

// APIError is an error response from the server (status >= 400).
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// Document is a vector document to insert.
type Document struct {
	ID       string            `json:"id"`
	OwnerID  string            `json:"owner_id,omitempty"`
	Vector   []float32         `json:"vector"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// IndexOptions configures a new index. Zero values use the server defaults.
type IndexOptions struct {
	Metric         string `json:"metric,omitempty"`
	Precision      string `json:"precision,omitempty"`
	M              int    `json:"m,omitempty"`
	EfConstruction int    `json:"ef_construction,omitempty"`
	EfSearch       int    `json:"ef_search,omitempty"`
}

// SearchOptions tunes a single search call.
type SearchOptions struct {
	// Filter is a metadata expression, e.g. "color = blue AND price < 20".
	Filter string
	// EfSearch overrides the index default candidate breadth when > 0.
	EfSearch int
}

// Task is a long-running server operation the client can poll.
type Task struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Status   string `json:"status"`
	Progress string `json:"progress,omitempty"`
	Error    string `json:"error,omitempty"`

	client *Client
}

// Client talks to a QuillVec server.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// New creates a client for the given base URL (e.g. "http://localhost:9091").
// token may be empty when the server runs without authentication.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    baseURL,
		authToken:  token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// request executes an HTTP call and returns the raw response body.
// contentType is only used when body is non-nil.
func (c *Client) request(method, endpoint, contentType string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connection error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	return respBody, nil
}

func (c *Client) jsonRequest(method, endpoint string, payload, out any) error {
	var body []byte
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = data
	}

	respBody, err := c.request(method, endpoint, "application/json", body)
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("invalid JSON response from %s: %w", endpoint, err)
		}
	}
	return nil
}

// --- KV ---

// Set stores a raw value under a key.
func (c *Client) Set(key string, value []byte) error {
	_, err := c.request(http.MethodPut, "/kv/"+key, "application/octet-stream", value)
	return err
}

// Get retrieves the raw value of a key.
func (c *Client) Get(key string) ([]byte, error) {
	return c.request(http.MethodGet, "/kv/"+key, "", nil)
}

// Delete removes a key.
func (c *Client) Delete(key string) error {
	_, err := c.request(http.MethodDelete, "/kv/"+key, "", nil)
	return err
}

// --- Index management ---

// CreateIndex creates a named vector index.
func (c *Client) CreateIndex(indexName string, opts IndexOptions) error {
	payload := struct {
		IndexName string `json:"index_name"`
		IndexOptions
	}{IndexName: indexName, IndexOptions: opts}
	return c.jsonRequest(http.MethodPost, "/vector/actions/create", payload, nil)
}

// ListIndexes returns every index with its configuration.
func (c *Client) ListIndexes() ([]types.IndexInfo, error) {
	var resp struct {
		Indexes []types.IndexInfo `json:"indexes"`
	}
	if err := c.jsonRequest(http.MethodGet, "/vector/indexes", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Indexes, nil
}

// IndexInfo returns the configuration of one index.
func (c *Client) IndexInfo(indexName string) (types.IndexInfo, error) {
	var info types.IndexInfo
	err := c.jsonRequest(http.MethodGet, "/vector/indexes/"+indexName, nil, &info)
	return info, err
}

// IndexStats returns document count, dimension and memory usage of an index.
func (c *Client) IndexStats(indexName string) (types.IndexStats, error) {
	var stats types.IndexStats
	err := c.jsonRequest(http.MethodGet, "/vector/indexes/"+indexName+"/stats", nil, &stats)
	return stats, err
}

// DeleteIndex removes an index and all of its documents.
func (c *Client) DeleteIndex(indexName string) error {
	return c.jsonRequest(http.MethodDelete, "/vector/indexes/"+indexName, nil, nil)
}

// --- Vector data ---

// AddDocuments inserts documents into an index. The batch is atomic.
func (c *Client) AddDocuments(indexName string, docs []Document) error {
	payload := struct {
		IndexName string     `json:"index_name"`
		Documents []Document `json:"documents"`
	}{IndexName: indexName, Documents: docs}
	return c.jsonRequest(http.MethodPost, "/vector/actions/add", payload, nil)
}

// Search returns the k nearest documents to the query vector.
func (c *Client) Search(indexName string, vector []float32, k int, opts SearchOptions) ([]types.SearchResult, error) {
	payload := struct {
		IndexName string    `json:"index_name"`
		Vector    []float32 `json:"vector"`
		K         int       `json:"k"`
		Filter    string    `json:"filter,omitempty"`
		EfSearch  int       `json:"ef_search,omitempty"`
	}{indexName, vector, k, opts.Filter, opts.EfSearch}

	var resp struct {
		Results []types.SearchResult `json:"results"`
	}
	if err := c.jsonRequest(http.MethodPost, "/vector/actions/search", payload, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// RemoveDocument deletes one document by id.
func (c *Client) RemoveDocument(indexName, id string) error {
	payload := map[string]string{"index_name": indexName, "id": id}
	return c.jsonRequest(http.MethodPost, "/vector/actions/delete-vector", payload, nil)
}

// GetDocument retrieves one document by id.
func (c *Client) GetDocument(indexName, id string) (types.VectorDocument, error) {
	var doc types.VectorDocument
	err := c.jsonRequest(http.MethodGet,
		fmt.Sprintf("/vector/indexes/%s/vectors/%s", indexName, id), nil, &doc)
	return doc, err
}

// GetDocuments retrieves multiple documents by id. Missing ids are skipped.
func (c *Client) GetDocuments(indexName string, ids []string) ([]types.VectorDocument, error) {
	payload := struct {
		IndexName string   `json:"index_name"`
		IDs       []string `json:"ids"`
	}{indexName, ids}

	var resp struct {
		Documents []types.VectorDocument `json:"documents"`
	}
	if err := c.jsonRequest(http.MethodPost, "/vector/actions/get-vectors", payload, &resp); err != nil {
		return nil, err
	}
	return resp.Documents, nil
}

// --- Administration ---

// TriggerMaintenance forces a vacuum or refine cycle on an index.
func (c *Client) TriggerMaintenance(indexName, kind string) (*Task, error) {
	payload := map[string]string{"kind": kind}
	return c.startTask(http.MethodPost, "/vector/indexes/"+indexName+"/maintenance", payload)
}

// Save triggers a point-in-time snapshot.
func (c *Client) Save() (*Task, error) {
	return c.startTask(http.MethodPost, "/system/save", nil)
}

// AOFRewrite triggers compaction of the append-only log.
func (c *Client) AOFRewrite() (*Task, error) {
	return c.startTask(http.MethodPost, "/system/aof-rewrite", nil)
}

func (c *Client) startTask(method, endpoint string, payload any) (*Task, error) {
	var accepted struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	if err := c.jsonRequest(method, endpoint, payload, &accepted); err != nil {
		return nil, err
	}
	return &Task{ID: accepted.TaskID, Status: accepted.Status, client: c}, nil
}

// TaskStatus retrieves the current state of a task.
func (c *Client) TaskStatus(taskID string) (*Task, error) {
	var task Task
	if err := c.jsonRequest(http.MethodGet, "/tasks/"+taskID, nil, &task); err != nil {
		return nil, err
	}
	task.client = c
	return &task, nil
}

// Refresh updates the task's status from the server.
func (t *Task) Refresh() error {
	if t.client == nil {
		return fmt.Errorf("task is not associated with a client")
	}
	updated, err := t.client.TaskStatus(t.ID)
	if err != nil {
		return err
	}
	t.Kind = updated.Kind
	t.Status = updated.Status
	t.Progress = updated.Progress
	t.Error = updated.Error
	return nil
}

// Wait polls the task until it completes, fails, or the timeout elapses.
func (t *Task) Wait(interval, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-timer.C:
			return fmt.Errorf("timeout exceeded while waiting for task %s", t.ID)
		case <-ticker.C:
			if err := t.Refresh(); err != nil {
				return err
			}
			switch t.Status {
			case "completed":
				return nil
			case "failed":
				return fmt.Errorf("task %s failed: %s", t.ID, t.Error)
			case "running", "started":
				// keep polling
			default:
				return fmt.Errorf("unknown task status: %s", t.Status)
			}
		}
	}
}
