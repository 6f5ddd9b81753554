package client

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/richinsley/comfyrun/graphapi"
)

const (
	// HistoryLimit is the number of jobs listed.  The legacy history endpoint
	// has no pagination, so its records are truncated to this many client side.
	HistoryLimit = 20
	// HydrateLimit caps how many jobs one HydratePrompts pass looks up.
	HydrateLimit = 6
)

type JobSource string

const (
	JobSourceAPIJobs JobSource = "api-jobs"
	JobSourceHistory JobSource = "history"
)

// JobStatus is the status vocabulary shared by both history sources.
type JobStatus string

const (
	JobStatusSuccess     JobStatus = "success"
	JobStatusFailed      JobStatus = "failed"
	JobStatusRunning     JobStatus = "running"
	JobStatusCancelled   JobStatus = "cancelled"
	JobStatusInterrupted JobStatus = "interrupted"
	JobStatusUnknown     JobStatus = "unknown"
)

// NormalizeJobStatus maps a server status string onto JobStatus.
func NormalizeJobStatus(s string) JobStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success", "completed", "complete", "done":
		return JobStatusSuccess
	case "failed", "error", "failure":
		return JobStatusFailed
	case "running", "in_progress", "executing", "pending", "queued":
		return JobStatusRunning
	case "cancelled", "canceled":
		return JobStatusCancelled
	case "interrupted":
		return JobStatusInterrupted
	}
	return JobStatusUnknown
}

// JobSummary is one entry of the job list, whichever endpoint it came from.
type JobSummary struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	// Prompt is nil until the prompt text is known.
	Prompt    *string   `json:"prompt"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	// ImageSrc is the /view URL of the job's first artifact, or "" when it has none.
	ImageSrc string    `json:"imageSrc"`
	Source   JobSource `json:"source"`
}

// JobList is a fetched job list.  Its entries may be patched in place by
// HydratePrompts while other goroutines read it, so it is only reachable
// through copying accessors.
type JobList struct {
	mu     sync.RWMutex
	jobs   []*JobSummary
	source JobSource
}

// Jobs returns a snapshot of the list.
func (l *JobList) Jobs() []JobSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	retv := make([]JobSummary, len(l.jobs))
	for i, j := range l.jobs {
		retv[i] = *j
		if j.Prompt != nil {
			p := *j.Prompt
			retv[i].Prompt = &p
		}
	}
	return retv
}

func (l *JobList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.jobs)
}

// Source reports which endpoint the list came from.
func (l *JobList) Source() JobSource {
	return l.source
}

// setPrompt fills the prompt of every entry with the given id.  Only the
// prompt field is ever touched.
func (l *JobList) setPrompt(id, prompt string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	patched := false
	for _, j := range l.jobs {
		if j.ID == id {
			p := prompt
			j.Prompt = &p
			patched = true
		}
	}
	return patched
}

// ListJobs loads the recent job list.  The paginated jobs endpoint is tried
// first; if it fails or returns no jobs, the legacy history endpoint is used.
func (c *ComfyClient) ListJobs(ctx context.Context) (*JobList, error) {
	page, err := c.ListJobsPage(ctx, JobsQuery{
		Limit:     HistoryLimit,
		Offset:    0,
		SortBy:    "created_at",
		SortOrder: "desc",
	})
	switch {
	case err != nil:
		c.logger.Debug("jobs endpoint unavailable, falling back to history", "error", err)
	case len(page.Jobs) == 0:
		c.logger.Debug("jobs endpoint returned no jobs, falling back to history")
	default:
		jobs := make([]*JobSummary, 0, len(page.Jobs))
		for i := range page.Jobs {
			jobs = append(jobs, c.summaryFromJob(&page.Jobs[i]))
		}
		return &JobList{jobs: jobs, source: JobSourceAPIJobs}, nil
	}

	history, err := c.GetHistory(ctx)
	if err != nil {
		return nil, err
	}
	jobs := make([]*JobSummary, 0, len(history))
	for id, record := range history {
		if record == nil {
			continue
		}
		jobs = append(jobs, c.summaryFromHistory(id, record))
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if len(jobs) > HistoryLimit {
		jobs = jobs[:HistoryLimit]
	}
	return &JobList{jobs: jobs, source: JobSourceHistory}, nil
}

func shortTitle(id string) string {
	if len(id) > 8 {
		id = id[:8]
	}
	return "Job " + id
}

func (c *ComfyClient) summaryFromJob(job *JobRecord) *JobSummary {
	id := string(job.ID)
	if id == "" {
		id = string(job.PromptID)
	}
	if id == "" {
		// not stable across fetches; the server gave us nothing better
		id = uuid.New().String()
	}

	title := string(job.Name)
	if title == "" {
		title = shortTitle(id)
	}

	created := time.Now().UTC()
	if job.CreateTime.Valid {
		created = unixTime(job.CreateTime.Value)
	}

	s := &JobSummary{
		ID:        id,
		Title:     title,
		Status:    NormalizeJobStatus(string(job.Status)),
		CreatedAt: created,
		Source:    JobSourceAPIJobs,
	}
	if p, ok := c.prompts.Get(id); ok {
		s.Prompt = &p
	}
	if out, ok := decodeArtifact(job.PreviewOutput); ok {
		s.ImageSrc = c.ViewURL(out)
	}
	return s
}

func historyStatus(record *HistoryRecord) JobStatus {
	if record.Status.StatusStr != "" {
		return NormalizeJobStatus(record.Status.StatusStr)
	}
	if record.Status.Completed {
		return JobStatusSuccess
	}
	return JobStatusUnknown
}

func (c *ComfyClient) summaryFromHistory(id string, record *HistoryRecord) *JobSummary {
	prompt := historyPrompt(record)
	created, ok := record.Status.messageTime("execution_start")
	if !ok {
		created = time.Now().UTC()
	}
	s := &JobSummary{
		ID:        id,
		Title:     shortTitle(id),
		Prompt:    &prompt,
		Status:    historyStatus(record),
		CreatedAt: created,
		Source:    JobSourceHistory,
	}
	if out, ok := FirstArtifact(record.Outputs); ok {
		s.ImageSrc = c.ViewURL(out)
	}
	return s
}

// historyWorkflow returns the API workflow embedded in a history record.
func historyWorkflow(record *HistoryRecord) *graphapi.Workflow {
	if record == nil || len(record.Prompt) < 3 {
		return nil
	}
	w, err := graphapi.ParseWorkflow(record.Prompt[2])
	if err != nil {
		return nil
	}
	return w
}

// historyPrompt returns the prompt text of the workflow a record executed, or "".
func historyPrompt(record *HistoryRecord) string {
	return graphapi.PromptText(historyWorkflow(record))
}

// HydratePrompts looks up the prompt text of list entries that do not have
// one yet, HydrateLimit at most, concurrently.  Found prompts are cached and
// patched into the list.  Lookup failures are logged and otherwise ignored.
// It returns the number of entries patched.
func (c *ComfyClient) HydratePrompts(ctx context.Context, list *JobList) int {
	ids := make([]string, 0, HydrateLimit)
	list.mu.RLock()
	for _, j := range list.jobs {
		if len(ids) == HydrateLimit {
			break
		}
		if j.Prompt != nil {
			continue
		}
		if _, ok := c.prompts.Get(j.ID); ok {
			continue
		}
		ids = append(ids, j.ID)
	}
	list.mu.RUnlock()

	var patched atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			record, err := c.GetHistoryItem(gctx, id)
			if err != nil {
				c.logger.Debug("prompt lookup failed", "prompt_id", id, "error", err)
				return nil
			}
			if record == nil {
				return nil
			}
			prompt := historyPrompt(record)
			c.prompts.Set(id, prompt)
			if list.setPrompt(id, prompt) {
				patched.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(patched.Load())
}

// JobDetail is the detail view of one job, the same shape for both sources.
type JobDetail struct {
	Source         JobSource       `json:"source"`
	ID             string          `json:"id"`
	Status         JobStatus       `json:"status"`
	CreateTime     time.Time       `json:"createTime"`
	UpdateTime     time.Time       `json:"updateTime"`
	WorkflowID     string          `json:"workflowId"`
	OutputsCount   int             `json:"outputsCount"`
	ExecutionError string          `json:"executionError"`
	Raw            json.RawMessage `json:"raw"`
}

// GetJobDetail fetches one job, from the jobs endpoint when possible and from
// the job's history record otherwise.
func (c *ComfyClient) GetJobDetail(ctx context.Context, id string) (*JobDetail, error) {
	job, raw, err := c.GetJob(ctx, id)
	if err == nil {
		return detailFromJob(id, job, raw), nil
	}
	c.logger.Debug("job detail unavailable, falling back to history", "prompt_id", id, "error", err)

	record, raw, herr := c.GetHistoryItemRaw(ctx, id)
	if herr != nil {
		return nil, herr
	}
	if record == nil {
		return nil, errors.New("job " + id + " not found")
	}
	return detailFromHistory(id, record, raw), nil
}

func detailFromJob(id string, job *JobRecord, raw json.RawMessage) *JobDetail {
	d := &JobDetail{
		Source:         JobSourceAPIJobs,
		ID:             string(job.ID),
		Status:         NormalizeJobStatus(string(job.Status)),
		WorkflowID:     string(job.WorkflowID),
		ExecutionError: executionErrorText(job.ExecutionError),
		Raw:            raw,
	}
	if d.ID == "" {
		d.ID = id
	}
	if job.CreateTime.Valid {
		d.CreateTime = unixTime(job.CreateTime.Value)
	}
	if job.UpdateTime.Valid {
		d.UpdateTime = unixTime(job.UpdateTime.Value)
	}
	if job.OutputsCount.Valid {
		d.OutputsCount = int(job.OutputsCount.Value)
	}
	return d
}

func detailFromHistory(id string, record *HistoryRecord, raw json.RawMessage) *JobDetail {
	d := &JobDetail{
		Source:       JobSourceHistory,
		ID:           id,
		Status:       historyStatus(record),
		OutputsCount: countArtifacts(record.Outputs),
		Raw:          raw,
	}
	if t, ok := record.Status.messageTime("execution_start"); ok {
		d.CreateTime = t
	}
	for _, name := range []string{"execution_success", "execution_error", "execution_interrupted"} {
		if t, ok := record.Status.messageTime(name); ok {
			d.UpdateTime = t
			break
		}
	}
	if data, ok := record.Status.message("execution_error"); ok {
		d.ExecutionError = executionErrorText(data)
	}
	if len(record.Prompt) > 3 {
		var extra struct {
			PngInfo struct {
				Workflow struct {
					ID flexString `json:"id"`
				} `json:"workflow"`
			} `json:"extra_pnginfo"`
		}
		if err := json.Unmarshal(record.Prompt[3], &extra); err == nil {
			d.WorkflowID = string(extra.PngInfo.Workflow.ID)
		}
	}
	return d
}

// executionErrorText renders an execution error given either as a string or
// as an object carrying exception_type/exception_message.
func executionErrorText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var e struct {
		ExceptionType    string `json:"exception_type"`
		ExceptionMessage string `json:"exception_message"`
		Message          string `json:"message"`
	}
	if err := json.Unmarshal(raw, &e); err == nil {
		msg := e.ExceptionMessage
		if msg == "" {
			msg = e.Message
		}
		if e.ExceptionType != "" && msg != "" {
			return e.ExceptionType + ": " + msg
		}
		if msg != "" {
			return msg
		}
	}
	return string(raw)
}
