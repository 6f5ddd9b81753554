package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/richinsley/comfyrun/graphapi"
)

/*
Routes used by this package:

@routes.post("/prompt")
@routes.get("/history")
@routes.get("/history/{prompt_id}")
@routes.get("/api/jobs")
@routes.get("/api/jobs/{job_id}")
@routes.get("/view")
@routes.get("/system_stats")
@routes.get("/ws")

@routes.post("/interrupt")
@routes.post("/upload/image")
*/

// do performs a request against the server and returns the response body.
// Non-2xx responses are returned as *HTTPError together with the body.
func (c *ComfyClient) do(ctx context.Context, method string, path string, body io.Reader, contentType string) ([]byte, error) {
	if c.baseURL == "" {
		return nil, ErrNoServer
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpclient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if i := strings.IndexByte(path, '?'); i >= 0 {
			path = path[:i]
		}
		return data, &HTTPError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Message:    errorMessage(data),
		}
	}
	return data, nil
}

func (c *ComfyClient) getJSON(ctx context.Context, path string, v interface{}) ([]byte, error) {
	data, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return data, fmt.Errorf("decoding %s: %w", path, err)
	}
	return data, nil
}

// errorMessage pulls a readable message out of an error response body.
func errorMessage(body []byte) string {
	perror := &PromptErrorMessage{}
	if err := json.Unmarshal(body, perror); err == nil && perror.Error.Message != "" {
		if perror.Error.Details != "" {
			return perror.Error.Message + ": " + perror.Error.Details
		}
		return perror.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

// QueuePrompt submits a workflow for execution.  The workflow is sent as is;
// callers are expected to have applied their changes to a clone.
func (c *ComfyClient) QueuePrompt(ctx context.Context, workflow *graphapi.Workflow) (*QueueItem, error) {
	prompt := struct {
		Prompt   *graphapi.Workflow `json:"prompt"`
		ClientID string             `json:"client_id"`
	}{
		Prompt:   workflow,
		ClientID: c.clientid,
	}
	data, err := json.Marshal(prompt)
	if err != nil {
		return nil, err
	}

	body, err := c.do(ctx, http.MethodPost, "/prompt", bytes.NewReader(data), "application/json")
	if err != nil {
		return nil, err
	}

	item := &QueueItem{}
	if err := json.Unmarshal(body, item); err != nil {
		c.logger.Error("error unmarshalling prompt response", "body", string(body))
		return nil, fmt.Errorf("decoding /prompt response: %w", err)
	}
	if item.PromptID == "" {
		return nil, ErrMissingPromptID
	}
	return item, nil
}

// GetHistoryItem returns the execution record of one job, or nil when the
// server has no readable record for it yet.
func (c *ComfyClient) GetHistoryItem(ctx context.Context, promptID string) (*HistoryRecord, error) {
	record, _, err := c.GetHistoryItemRaw(ctx, promptID)
	return record, err
}

// GetHistoryItemRaw is GetHistoryItem that also returns the record's raw JSON.
func (c *ComfyClient) GetHistoryItemRaw(ctx context.Context, promptID string) (*HistoryRecord, json.RawMessage, error) {
	history := make(map[string]json.RawMessage)
	if _, err := c.getJSON(ctx, "/history/"+url.PathEscape(promptID), &history); err != nil {
		return nil, nil, err
	}
	raw, ok := history[promptID]
	if !ok {
		return nil, nil, nil
	}
	record := &HistoryRecord{}
	if err := json.Unmarshal(raw, record); err != nil {
		c.logger.Warn("ignoring unreadable history record", "prompt_id", promptID, "error", err)
		return nil, raw, nil
	}
	return record, raw, nil
}

// GetHistory returns every execution record the server keeps, keyed by job
// id.  Records that are not JSON objects are logged and skipped.
func (c *ComfyClient) GetHistory(ctx context.Context) (map[string]*HistoryRecord, error) {
	raw := make(map[string]json.RawMessage)
	if _, err := c.getJSON(ctx, "/history", &raw); err != nil {
		return nil, err
	}
	history := make(map[string]*HistoryRecord, len(raw))
	for id, data := range raw {
		if string(data) == "null" {
			continue
		}
		record := &HistoryRecord{}
		if err := json.Unmarshal(data, record); err != nil {
			c.logger.Warn("skipping unreadable history record", "prompt_id", id, "error", err)
			continue
		}
		history[id] = record
	}
	return history, nil
}

// JobsQuery selects a page of /api/jobs.
type JobsQuery struct {
	Limit     int
	Offset    int
	SortBy    string
	SortOrder string
}

// ListJobsPage fetches one page of the paginated jobs endpoint.
func (c *ComfyClient) ListJobsPage(ctx context.Context, q JobsQuery) (*JobsPage, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(q.Limit))
	params.Set("offset", strconv.Itoa(q.Offset))
	if q.SortBy != "" {
		params.Set("sort_by", q.SortBy)
	}
	if q.SortOrder != "" {
		params.Set("sort_order", q.SortOrder)
	}

	page := &JobsPage{}
	if _, err := c.getJSON(ctx, "/api/jobs?"+params.Encode(), page); err != nil {
		return nil, err
	}
	return page, nil
}

// GetJob fetches a single job from the jobs endpoint, returning the decoded
// record and its raw JSON.
func (c *ComfyClient) GetJob(ctx context.Context, id string) (*JobRecord, json.RawMessage, error) {
	job := &JobRecord{}
	raw, err := c.getJSON(ctx, "/api/jobs/"+url.PathEscape(id), job)
	if err != nil {
		return nil, nil, err
	}
	return job, raw, nil
}

// GetImage downloads an artifact through /view.
func (c *ComfyClient) GetImage(ctx context.Context, out DataOutput) ([]byte, error) {
	return c.do(ctx, http.MethodGet, viewPath(out), nil, "")
}

// Interrupt asks the server to stop the job it is currently executing.
func (c *ComfyClient) Interrupt(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/interrupt", strings.NewReader("{}"), "application/json")
	return err
}

func (c *ComfyClient) GetSystemStats(ctx context.Context) (*SystemStats, error) {
	retv := &SystemStats{}
	if _, err := c.getJSON(ctx, "/system_stats", retv); err != nil {
		return nil, err
	}
	return retv, nil
}
