package client

import "log/slog"

// RunHandlers defines optional callback functions for observing a run.
// All handlers are optional.  They are called from the goroutine executing
// Runner.Run, except OnProgress, which is called from the live feed reader
// and may run concurrently with the others.
type RunHandlers struct {
	// OnState is called on every state transition
	OnState func(RunState)

	// OnStatus is called with a human readable status line suitable for live display
	OnStatus func(string)

	// OnQueued is called once the server has accepted the job
	OnQueued func(*QueueItem)

	// OnRetry is called when a poll attempt failed and will be retried
	OnRetry func(attempt int, err error)

	// OnProgress is called with sampler progress from the live feed goroutine.
	// It must not block; the feed stops reading until it returns.
	OnProgress func(*WSMessageDataProgress)

	// OnComplete is called with the terminal result, whatever it is
	OnComplete func(*RunResult)
}

// DefaultRunHandlers returns RunHandlers that log queueing, retries and the outcome.
func DefaultRunHandlers(logger *slog.Logger) *RunHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunHandlers{
		OnQueued: func(item *QueueItem) {
			logger.Info("Job queued", "prompt_id", item.PromptID, "number", item.Number)
		},
		OnRetry: func(attempt int, err error) {
			logger.Warn("Poll failed, retrying", "attempt", attempt, "error", err)
		},
		OnComplete: func(res *RunResult) {
			switch res.State {
			case StateCompleted:
				logger.Info("Generation completed", "prompt_id", res.PromptID, "url", res.ArtifactURL)
			case StateCancelled:
				logger.Info("Generation cancelled", "prompt_id", res.PromptID)
			default:
				logger.Error("Generation failed", "prompt_id", res.PromptID, "state", res.State, "error", res.Err)
			}
		},
	}
}

// WithStateHandler adds a state handler (builder pattern)
func (h *RunHandlers) WithStateHandler(fn func(RunState)) *RunHandlers {
	h.OnState = fn
	return h
}

// WithStatusHandler adds a status handler (builder pattern)
func (h *RunHandlers) WithStatusHandler(fn func(string)) *RunHandlers {
	h.OnStatus = fn
	return h
}

// WithQueuedHandler adds a queued handler (builder pattern)
func (h *RunHandlers) WithQueuedHandler(fn func(*QueueItem)) *RunHandlers {
	h.OnQueued = fn
	return h
}

// WithRetryHandler adds a retry handler (builder pattern)
func (h *RunHandlers) WithRetryHandler(fn func(int, error)) *RunHandlers {
	h.OnRetry = fn
	return h
}

// WithProgressHandler adds a progress handler (builder pattern)
func (h *RunHandlers) WithProgressHandler(fn func(*WSMessageDataProgress)) *RunHandlers {
	h.OnProgress = fn
	return h
}

// WithCompleteHandler adds a complete handler (builder pattern)
func (h *RunHandlers) WithCompleteHandler(fn func(*RunResult)) *RunHandlers {
	h.OnComplete = fn
	return h
}
