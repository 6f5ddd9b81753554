package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/richinsley/comfyrun/graphapi"
)

const (
	// DefaultPollInterval is the pause between the end of one poll and the start of the next.
	DefaultPollInterval = time.Second
	// DefaultMaxAttempts caps the number of polls, about two minutes at the default interval.
	DefaultMaxAttempts = 120
)

// RunState is the state of a single generation run.
//
//	Idle -> Queuing -> Generating -> Completed | Failed | TimedOut | Cancelled
type RunState string

const (
	StateIdle       RunState = "idle"
	StateQueuing    RunState = "queuing"
	StateGenerating RunState = "generating"
	StateCompleted  RunState = "completed"
	StateFailed     RunState = "failed"
	StateTimedOut   RunState = "timed_out"
	StateCancelled  RunState = "cancelled"
)

// Terminal reports whether no further transitions can happen from s.
func (s RunState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// InputImage is an image to upload and feed to the workflow's image loader.
type InputImage struct {
	Reader   io.Reader
	Filename string
}

// RunRequest is one generation request.
type RunRequest struct {
	PromptText         string
	NegativePromptText string
	// Mode selects how prompts are injected.  When empty, dual mode is used
	// if NegativePromptText is set.
	Mode graphapi.PromptMode
	// Workflow is never modified; every run works on a clone.
	Workflow   *graphapi.Workflow
	InputImage *InputImage
}

func (req *RunRequest) mode() graphapi.PromptMode {
	if req.Mode != "" {
		return req.Mode
	}
	if req.NegativePromptText != "" {
		return graphapi.PromptModeDual
	}
	return graphapi.PromptModeSingle
}

// RunResult is the single terminal outcome of a run.
type RunResult struct {
	State       RunState
	PromptID    string
	Artifact    *DataOutput
	ArtifactURL string
	// Attempts is the number of polls issued.
	Attempts int
	// Err is the failure reason for Failed and TimedOut; nil otherwise.
	Err error
}

// Runner submits workflows and follows them to completion by polling the job's history record.
type Runner struct {
	client       *ComfyClient
	pollInterval time.Duration
	maxAttempts  int
	liveProgress bool
	handlers     *RunHandlers
}

type RunnerOption func(*Runner)

func WithPollInterval(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d >= 0 {
			r.pollInterval = d
		}
	}
}

func WithMaxAttempts(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithLiveProgress makes runs listen on the server websocket for sampler
// progress.  Polling still decides when a job is complete.
func WithLiveProgress(enabled bool) RunnerOption {
	return func(r *Runner) {
		r.liveProgress = enabled
	}
}

func WithRunHandlers(h *RunHandlers) RunnerOption {
	return func(r *Runner) {
		if h != nil {
			r.handlers = h
		}
	}
}

func NewRunner(c *ComfyClient, opts ...RunnerOption) *Runner {
	r := &Runner{
		client:       c,
		pollInterval: DefaultPollInterval,
		maxAttempts:  DefaultMaxAttempts,
		handlers:     &RunHandlers{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// run is the mutable state of one Runner.Run call.
type run struct {
	r         *Runner
	state     RunState
	attempts  int
	handle    *QueueItem
	lastErr   error
	started   time.Time
	workflow  *graphapi.Workflow
	progress  atomic.Pointer[WSMessageDataProgress]
	executing atomic.Pointer[WSMessageDataExecuting]
}

// Run executes one request and blocks until it reaches a terminal state.
//
// Cancelling ctx while the job is generating stops polling: a poll already in
// flight is allowed to finish, no further poll is made, and the result is
// StateCancelled with a nil error.  The job stays queued on the server.
//
// The returned result is never nil; the returned error is result.Err.
func (r *Runner) Run(ctx context.Context, req *RunRequest) (*RunResult, error) {
	ru := &run{r: r, state: StateIdle}
	res := ru.execute(ctx, req)
	if r.handlers.OnComplete != nil {
		r.handlers.OnComplete(res)
	}
	return res, res.Err
}

func (ru *run) setState(s RunState) {
	ru.state = s
	if ru.r.handlers.OnState != nil {
		ru.r.handlers.OnState(s)
	}
}

func (ru *run) status(msg string) {
	if ru.r.handlers.OnStatus != nil {
		ru.r.handlers.OnStatus(msg)
	}
}

func (ru *run) result() *RunResult {
	res := &RunResult{State: ru.state, Attempts: ru.attempts}
	if ru.handle != nil {
		res.PromptID = ru.handle.PromptID
	}
	return res
}

func (ru *run) fail(err error) *RunResult {
	ru.lastErr = err
	ru.setState(StateFailed)
	ru.status("Failed: " + err.Error())
	res := ru.result()
	res.Err = err
	return res
}

func (ru *run) cancel() *RunResult {
	ru.setState(StateCancelled)
	ru.status("Cancelled")
	return ru.result()
}

func (ru *run) execute(ctx context.Context, req *RunRequest) *RunResult {
	c := ru.r.client

	if req == nil || strings.TrimSpace(req.PromptText) == "" {
		return ru.fail(ErrEmptyPrompt)
	}
	if c == nil || c.BaseURL() == "" {
		return ru.fail(ErrNoServer)
	}
	if req.Workflow == nil {
		return ru.fail(ErrNoWorkflow)
	}

	ru.setState(StateQueuing)
	ru.status("Queuing...")

	workflow := req.Workflow.Clone()
	var updated int
	if req.mode() == graphapi.PromptModeDual {
		updated = graphapi.InjectPrompts(workflow, req.PromptText, req.NegativePromptText)
	} else {
		updated = graphapi.InjectPrompt(workflow, req.PromptText)
	}
	if updated == 0 {
		return ru.fail(ErrNoPromptTarget)
	}

	if req.InputImage != nil {
		if !graphapi.SupportsImageInput(workflow) {
			return ru.fail(ErrNoImageInput)
		}
		ru.status("Uploading image...")
		name, err := c.UploadFileFromReader(ctx, req.InputImage.Reader, req.InputImage.Filename, true, InputImageType, "")
		if err != nil {
			if ctx.Err() != nil {
				return ru.cancel()
			}
			return ru.fail(fmt.Errorf("uploading input image: %w", err))
		}
		graphapi.SetInputImage(workflow, name)
	}
	ru.workflow = workflow

	if ru.r.liveProgress {
		feed, err := c.OpenStatusFeed(ctx, ru.onFeedMessage)
		if err != nil {
			c.logger.Warn("live progress unavailable", "error", err)
		} else {
			defer feed.Close()
		}
	}

	item, err := c.QueuePrompt(ctx, workflow)
	if err != nil {
		if ctx.Err() != nil {
			return ru.cancel()
		}
		return ru.fail(err)
	}
	ru.handle = item
	c.logger.Debug("job queued", "prompt_id", item.PromptID, "nodes_updated", updated)
	if ru.r.handlers.OnQueued != nil {
		ru.r.handlers.OnQueued(item)
	}

	return ru.poll(ctx)
}

func (ru *run) poll(ctx context.Context) *RunResult {
	c := ru.r.client
	ru.setState(StateGenerating)
	ru.started = time.Now()
	ru.status("Generating...")

	// polls outlive cancellation of ctx; cancellation is only observed between polls
	reqCtx := context.WithoutCancel(ctx)

	for ru.attempts < ru.r.maxAttempts {
		timer := time.NewTimer(ru.r.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ru.cancel()
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return ru.cancel()
		}

		ru.attempts++
		record, err := c.GetHistoryItem(reqCtx, ru.handle.PromptID)
		if ctx.Err() != nil {
			return ru.cancel()
		}
		if err != nil {
			ru.lastErr = err
			if ru.r.handlers.OnRetry != nil {
				ru.r.handlers.OnRetry(ru.attempts, err)
			}
			ru.status(fmt.Sprintf("%s (retrying: %v)", ru.generatingStatus(), err))
			continue
		}
		if record != nil && record.Status.Completed {
			return ru.complete(record)
		}
		ru.status(ru.generatingStatus())
	}

	ru.setState(StateTimedOut)
	ru.status("Timed out")
	res := ru.result()
	res.Err = ErrTimedOut
	ru.lastErr = ErrTimedOut
	return res
}

func (ru *run) generatingStatus() string {
	msg := fmt.Sprintf("Generating... %ds", int(time.Since(ru.started).Seconds()))
	ours := func(id string) bool { return id == "" || id == ru.handle.PromptID }

	var detail []string
	if e := ru.executing.Load(); e != nil && e.Node != nil && ours(e.PromptID) {
		detail = append(detail, ru.nodeLabel(*e.Node))
	}
	if p := ru.progress.Load(); p != nil && p.Max > 0 && ours(p.PromptID) {
		detail = append(detail, fmt.Sprintf("step %d/%d", p.Value, p.Max))
	}
	if len(detail) > 0 {
		msg += " (" + strings.Join(detail, ", ") + ")"
	}
	return msg
}

// nodeLabel names a node of the submitted workflow by its class type.
func (ru *run) nodeLabel(id string) string {
	if class := ru.workflow.GetNodeById(id).ClassType(); class != "" {
		return class
	}
	return "node " + id
}

func (ru *run) complete(record *HistoryRecord) *RunResult {
	out, ok := FirstArtifact(record.Outputs)
	if !ok {
		return ru.fail(ErrNoOutput)
	}
	ru.setState(StateCompleted)
	ru.status("Completed")
	res := ru.result()
	res.Artifact = &out
	res.ArtifactURL = ru.r.client.ViewURL(out)
	return res
}

// onFeedMessage runs on the feed goroutine.
func (ru *run) onFeedMessage(msg *WSStatusMessage) {
	logger := ru.r.client.logger
	switch d := msg.Data.(type) {
	case *WSMessageDataProgress:
		ru.progress.Store(d)
		if ru.r.handlers.OnProgress != nil {
			ru.r.handlers.OnProgress(d)
		}
	case *WSMessageDataExecuting:
		ru.executing.Store(d)
	case *WSMessageExecutionError:
		logger.Warn("node execution failed", "prompt_id", d.PromptID, "node", d.Node, "node_type", d.NodeType,
			"exception_type", d.ExceptionType, "exception", d.ExceptionMessage)
	case *WSMessageExecutionInterrupted:
		logger.Info("execution interrupted", "prompt_id", d.PromptID, "node", d.Node, "node_type", d.NodeType)
	case *WSMessageDataExecutionStart:
		logger.Debug("execution started", "prompt_id", d.PromptID)
	case *WSMessageDataExecutionSuccess:
		logger.Debug("execution finished", "prompt_id", d.PromptID)
	case *WSMessageDataStatus:
		logger.Debug("queue status", "queue_remaining", d.Status.ExecInfo.QueueRemaining)
	}
}

// IsPrecondition reports whether err is a failure detected before any request was made.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrEmptyPrompt) ||
		errors.Is(err, ErrNoServer) ||
		errors.Is(err, ErrNoWorkflow) ||
		errors.Is(err, ErrNoPromptTarget) ||
		errors.Is(err, ErrNoImageInput)
}
