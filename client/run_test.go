package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richinsley/comfyrun/graphapi"
)

const testWorkflow = `{
	"3": {"class_type": "KSampler", "inputs": {"seed": 1, "positive": ["6", 0], "negative": ["7", 0]}},
	"6": {"class_type": "CLIPTextEncode", "inputs": {"text": "old positive"}, "_meta": {"title": "Positive"}},
	"7": {"class_type": "CLIPTextEncode", "inputs": {"text": "old negative"}, "_meta": {"title": "Negative"}},
	"9": {"class_type": "SaveImage", "inputs": {"images": ["8", 0]}}
}`

const completedRecord = `{"abc": {
	"prompt": [1, "abc", {}, {}, ["9"]],
	"outputs": {"9": {"images": [{"filename": "out 1.png", "subfolder": "", "type": "output"}]}},
	"status": {"status_str": "success", "completed": true, "messages": []}
}}`

func parseTestWorkflow(t *testing.T, s string) *graphapi.Workflow {
	t.Helper()
	w, err := graphapi.ParseWorkflow([]byte(s))
	require.NoError(t, err)
	return w
}

// jobServer fakes the submit and history endpoints.  history is called with
// the 1-based poll number and writes the response for it.
type jobServer struct {
	submits   atomic.Int32
	polls     atomic.Int32
	lastBody  atomic.Pointer[[]byte]
	submit    func(w http.ResponseWriter)
	history   func(w http.ResponseWriter, n int)
	uploads   atomic.Int32
	uploadRes string
}

func (s *jobServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/prompt":
		s.submits.Add(1)
		body, _ := io.ReadAll(r.Body)
		s.lastBody.Store(&body)
		if s.submit != nil {
			s.submit(w)
			return
		}
		_, _ = w.Write([]byte(`{"prompt_id": "abc", "number": 7, "node_errors": {}}`))
	case r.Method == http.MethodPost && r.URL.Path == "/upload/image":
		s.uploads.Add(1)
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		res := s.uploadRes
		if res == "" {
			res = `{"name": "uploaded.png", "subfolder": "", "type": "input"}`
		}
		_, _ = w.Write([]byte(res))
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/history/"):
		n := int(s.polls.Add(1))
		if s.history != nil {
			s.history(w, n)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	default:
		http.NotFound(w, r)
	}
}

func (s *jobServer) submitted(t *testing.T) *graphapi.Workflow {
	t.Helper()
	body := s.lastBody.Load()
	require.NotNil(t, body)
	var req struct {
		Prompt   json.RawMessage `json:"prompt"`
		ClientID string          `json:"client_id"`
	}
	require.NoError(t, json.Unmarshal(*body, &req))
	assert.NotEmpty(t, req.ClientID)
	return parseTestWorkflow(t, string(req.Prompt))
}

func newTestRunner(t *testing.T, s *jobServer, opts ...RunnerOption) (*Runner, *ComfyClient) {
	t.Helper()
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	c := NewComfyClient(ts.URL)
	opts = append([]RunnerOption{WithPollInterval(0)}, opts...)
	return NewRunner(c, opts...), c
}

func textInput(t *testing.T, w *graphapi.Workflow, id string) string {
	t.Helper()
	node := w.GetNodeById(id)
	require.NotNil(t, node)
	text, ok := node.StringInput("text")
	require.True(t, ok)
	return text
}

func TestRunPreconditionsMakeNoRequest(t *testing.T) {
	wf := parseTestWorkflow(t, testWorkflow)
	s := &jobServer{}
	r, _ := newTestRunner(t, s)

	tests := []struct {
		name string
		req  *RunRequest
		want error
	}{
		{"empty prompt", &RunRequest{PromptText: "", Workflow: wf}, ErrEmptyPrompt},
		{"blank prompt", &RunRequest{PromptText: "  \t", Workflow: wf}, ErrEmptyPrompt},
		{"no workflow", &RunRequest{PromptText: "a cat"}, ErrNoWorkflow},
		{"no prompt target", &RunRequest{PromptText: "a cat", Workflow: parseTestWorkflow(t, `{"1": {"class_type": "SaveImage", "inputs": {}}}`)}, ErrNoPromptTarget},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Run(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.want)
			assert.True(t, IsPrecondition(err))
			assert.Equal(t, StateFailed, res.State)
			assert.Equal(t, 0, res.Attempts)
		})
	}
	assert.Equal(t, int32(0), s.submits.Load())
	assert.Equal(t, int32(0), s.polls.Load())
}

func TestRunNoServer(t *testing.T) {
	r := NewRunner(NewComfyClient("  "))
	res, err := r.Run(context.Background(), &RunRequest{PromptText: "a cat", Workflow: parseTestWorkflow(t, testWorkflow)})
	require.ErrorIs(t, err, ErrNoServer)
	assert.Equal(t, StateFailed, res.State)
}

func TestRunCompletes(t *testing.T) {
	s := &jobServer{
		history: func(w http.ResponseWriter, n int) {
			if n < 4 {
				_, _ = w.Write([]byte(`{}`))
				return
			}
			_, _ = w.Write([]byte(completedRecord))
		},
	}
	var states []RunState
	var queued *QueueItem
	handlers := (&RunHandlers{}).
		WithStateHandler(func(s RunState) { states = append(states, s) }).
		WithQueuedHandler(func(item *QueueItem) { queued = item })
	r, c := newTestRunner(t, s, WithRunHandlers(handlers))

	wf := parseTestWorkflow(t, testWorkflow)
	res, err := r.Run(context.Background(), &RunRequest{PromptText: "a red fox", Workflow: wf})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, "abc", res.PromptID)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, int32(4), s.polls.Load())
	assert.Equal(t, int32(1), s.submits.Load())
	require.NotNil(t, res.Artifact)
	assert.Equal(t, "out 1.png", res.Artifact.Filename)
	assert.Equal(t, c.BaseURL()+"/view?filename=out%201.png&subfolder=&type=output", res.ArtifactURL)
	assert.Equal(t, []RunState{StateQueuing, StateGenerating, StateCompleted}, states)
	require.NotNil(t, queued)
	assert.Equal(t, 7, queued.Number)

	// single mode rewrites every prompt node and leaves the caller's workflow alone
	sent := s.submitted(t)
	assert.Equal(t, "a red fox", textInput(t, sent, "6"))
	assert.Equal(t, "a red fox", textInput(t, sent, "7"))
	assert.Equal(t, "old positive", textInput(t, wf, "6"))
	assert.Equal(t, "old negative", textInput(t, wf, "7"))
}

func TestRunDualModeInjectsByRole(t *testing.T) {
	s := &jobServer{
		history: func(w http.ResponseWriter, n int) { _, _ = w.Write([]byte(completedRecord)) },
	}
	r, _ := newTestRunner(t, s)

	res, err := r.Run(context.Background(), &RunRequest{
		PromptText:         "a red fox",
		NegativePromptText: "blurry",
		Workflow:           parseTestWorkflow(t, testWorkflow),
	})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 1, res.Attempts)

	sent := s.submitted(t)
	assert.Equal(t, "a red fox", textInput(t, sent, "6"))
	assert.Equal(t, "blurry", textInput(t, sent, "7"))
}

func TestRunTimesOutAfterMaxAttempts(t *testing.T) {
	s := &jobServer{}
	var statuses []string
	r, _ := newTestRunner(t, s, WithRunHandlers(&RunHandlers{OnStatus: func(msg string) { statuses = append(statuses, msg) }}))

	res, err := r.Run(context.Background(), &RunRequest{PromptText: "a cat", Workflow: parseTestWorkflow(t, testWorkflow)})
	require.ErrorIs(t, err, ErrTimedOut)
	assert.Equal(t, StateTimedOut, res.State)
	assert.Equal(t, DefaultMaxAttempts, res.Attempts)
	assert.Equal(t, int32(DefaultMaxAttempts), s.polls.Load())
	assert.Equal(t, "Timed out", statuses[len(statuses)-1])
}

func TestRunKeepsPollingRecordsNotCompleted(t *testing.T) {
	s := &jobServer{
		history: func(w http.ResponseWriter, n int) {
			_, _ = w.Write([]byte(`{"abc": {"prompt": [], "outputs": {}, "status": {"status_str": "error", "completed": false, "messages": []}}}`))
		},
	}
	r, _ := newTestRunner(t, s, WithMaxAttempts(5))

	res, err := r.Run(context.Background(), &RunRequest{PromptText: "a cat", Workflow: parseTestWorkflow(t, testWorkflow)})
	require.ErrorIs(t, err, ErrTimedOut)
	assert.Equal(t, 5, res.Attempts)
}

func TestRunCancelStopsPolling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &jobServer{
		history: func(w http.ResponseWriter, n int) {
			if n == 2 {
				cancel()
			}
			_, _ = w.Write([]byte(`{}`))
		},
	}
	r, _ := newTestRunner(t, s)

	res, err := r.Run(ctx, &RunRequest{PromptText: "a cat", Workflow: parseTestWorkflow(t, testWorkflow)})
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, res.State)
	assert.Equal(t, "abc", res.PromptID)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, int32(2), s.polls.Load())
}

func TestRunRetriesTransientPollErrors(t *testing.T) {
	s := &jobServer{
		history: func(w http.ResponseWriter, n int) {
			switch n {
			case 1, 2:
				http.Error(w, "busy", http.StatusServiceUnavailable)
			default:
				_, _ = w.Write([]byte(completedRecord))
			}
		},
	}
	var retries []int
	var statuses []string
	handlers := &RunHandlers{
		OnRetry:  func(attempt int, err error) { retries = append(retries, attempt) },
		OnStatus: func(msg string) { statuses = append(statuses, msg) },
	}
	r, _ := newTestRunner(t, s, WithRunHandlers(handlers))

	res, err := r.Run(context.Background(), &RunRequest{PromptText: "a cat", Workflow: parseTestWorkflow(t, testWorkflow)})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []int{1, 2}, retries)

	retrying := 0
	for _, msg := range statuses {
		if strings.Contains(msg, "(retrying: ") {
			retrying++
		}
	}
	assert.Equal(t, 2, retrying)
}

func TestRunSubmitRejected(t *testing.T) {
	s := &jobServer{
		submit: func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error": {"type": "prompt_no_outputs", "message": "Prompt has no outputs", "details": ""}, "node_errors": {}}`))
		},
	}
	r, _ := newTestRunner(t, s)

	res, err := r.Run(context.Background(), &RunRequest{PromptText: "a cat", Workflow: parseTestWorkflow(t, testWorkflow)})
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.False(t, IsPrecondition(err))

	var herr *HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, http.StatusBadRequest, herr.StatusCode)
	assert.Equal(t, "POST /prompt: HTTP 400: Prompt has no outputs", herr.Error())
	assert.Equal(t, int32(0), s.polls.Load())
}

func TestRunSubmitWithoutPromptID(t *testing.T) {
	s := &jobServer{
		submit: func(w http.ResponseWriter) { _, _ = w.Write([]byte(`{"number": 1}`)) },
	}
	r, _ := newTestRunner(t, s)

	res, err := r.Run(context.Background(), &RunRequest{PromptText: "a cat", Workflow: parseTestWorkflow(t, testWorkflow)})
	require.ErrorIs(t, err, ErrMissingPromptID)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, int32(0), s.polls.Load())
}

func TestRunCompletedWithoutOutput(t *testing.T) {
	s := &jobServer{
		history: func(w http.ResponseWriter, n int) {
			_, _ = w.Write([]byte(`{"abc": {"prompt": [], "outputs": {"9": {"text": ["hello"]}}, "status": {"status_str": "success", "completed": true, "messages": []}}}`))
		},
	}
	r, _ := newTestRunner(t, s)

	res, err := r.Run(context.Background(), &RunRequest{PromptText: "a cat", Workflow: parseTestWorkflow(t, testWorkflow)})
	require.ErrorIs(t, err, ErrNoOutput)
	assert.Equal(t, StateFailed, res.State)
	assert.Nil(t, res.Artifact)
	assert.Equal(t, 1, res.Attempts)
}

func TestRunUploadsInputImage(t *testing.T) {
	s := &jobServer{
		uploadRes: `{"name": "cat.png", "subfolder": "pasted", "type": "input"}`,
		history:   func(w http.ResponseWriter, n int) { _, _ = w.Write([]byte(completedRecord)) },
	}
	r, _ := newTestRunner(t, s)

	wf := parseTestWorkflow(t, `{
		"1": {"class_type": "LoadImage", "inputs": {"image": "example.png"}},
		"2": {"class_type": "CLIPTextEncode", "inputs": {"text": "old"}}
	}`)
	res, err := r.Run(context.Background(), &RunRequest{
		PromptText: "a cat",
		Workflow:   wf,
		InputImage: &InputImage{Reader: bytes.NewReader([]byte("png bytes")), Filename: "cat.png"},
	})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, int32(1), s.uploads.Load())

	sent := s.submitted(t)
	image, ok := sent.GetNodeById("1").StringInput("image")
	require.True(t, ok)
	assert.Equal(t, "pasted/cat.png", image)
	original, _ := wf.GetNodeById("1").StringInput("image")
	assert.Equal(t, "example.png", original)
}

func TestRunInputImageNeedsLoader(t *testing.T) {
	s := &jobServer{}
	r, _ := newTestRunner(t, s)

	_, err := r.Run(context.Background(), &RunRequest{
		PromptText: "a cat",
		Workflow:   parseTestWorkflow(t, testWorkflow),
		InputImage: &InputImage{Reader: strings.NewReader("x"), Filename: "x.png"},
	})
	require.ErrorIs(t, err, ErrNoImageInput)
	assert.Equal(t, int32(0), s.uploads.Load())
	assert.Equal(t, int32(0), s.submits.Load())
}

func TestRunOnCompleteCalledOnce(t *testing.T) {
	var results []*RunResult
	r := NewRunner(NewComfyClient(""), WithRunHandlers(&RunHandlers{OnComplete: func(res *RunResult) { results = append(results, res) }}))
	res, _ := r.Run(context.Background(), &RunRequest{PromptText: "a cat"})
	require.Len(t, results, 1)
	assert.Same(t, res, results[0])
	assert.True(t, res.State.Terminal())
	assert.False(t, StateGenerating.Terminal())
}

func TestRunCompletesWithMalformedRecordMembers(t *testing.T) {
	s := &jobServer{
		history: func(w http.ResponseWriter, n int) {
			_, _ = w.Write([]byte(`{"abc": {
				"prompt": "unexpected",
				"outputs": {"8": "junk", "9": {"images": [{"filename": "out.png", "subfolder": "", "type": "output"}]}},
				"status": {"status_str": 1, "completed": true, "messages": "none"}
			}}`))
		},
	}
	r, _ := newTestRunner(t, s)

	res, err := r.Run(context.Background(), &RunRequest{PromptText: "a cat", Workflow: parseTestWorkflow(t, testWorkflow)})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "out.png", res.Artifact.Filename)
}

// cancelReader cancels the run's context while its bytes are being read for upload.
type cancelReader struct {
	cancel context.CancelFunc
	read   bool
}

func (r *cancelReader) Read(p []byte) (int, error) {
	if r.read {
		return 0, io.EOF
	}
	r.read = true
	r.cancel()
	return copy(p, "png bytes"), nil
}

func TestRunCancelledDuringUpload(t *testing.T) {
	s := &jobServer{}
	var states []RunState
	r, _ := newTestRunner(t, s, WithRunHandlers((&RunHandlers{}).WithStateHandler(func(s RunState) { states = append(states, s) })))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	res, err := r.Run(ctx, &RunRequest{
		PromptText: "a cat",
		Workflow:   parseTestWorkflow(t, `{"1": {"class_type": "LoadImage", "inputs": {"image": "example.png"}}, "2": {"class_type": "CLIPTextEncode", "inputs": {"text": "old"}}}`),
		InputImage: &InputImage{Reader: &cancelReader{cancel: cancel}, Filename: "cat.png"},
	})
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, res.State)
	assert.Nil(t, res.Err)
	assert.Empty(t, res.PromptID)
	assert.Equal(t, []RunState{StateQueuing, StateCancelled}, states)
	assert.Equal(t, int32(0), s.submits.Load())
	assert.Equal(t, int32(0), s.polls.Load())
}

func feedMessage(t *testing.T, frame string) *WSStatusMessage {
	t.Helper()
	msg := &WSStatusMessage{}
	require.NoError(t, json.Unmarshal([]byte(frame), msg))
	return msg
}

func TestRunFeedMessagesShapeStatus(t *testing.T) {
	var logs bytes.Buffer
	c := NewComfyClient("http://127.0.0.1:8188",
		WithLogger(slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))))
	var progress []*WSMessageDataProgress
	r := NewRunner(c, WithRunHandlers(&RunHandlers{OnProgress: func(p *WSMessageDataProgress) { progress = append(progress, p) }}))
	ru := &run{
		r:        r,
		handle:   &QueueItem{PromptID: "abc"},
		started:  time.Now(),
		workflow: parseTestWorkflow(t, testWorkflow),
	}

	assert.NotContains(t, ru.generatingStatus(), "(")

	ru.onFeedMessage(feedMessage(t, `{"type": "executing", "data": {"node": "3", "prompt_id": "abc"}}`))
	assert.True(t, strings.HasSuffix(ru.generatingStatus(), " (KSampler)"), ru.generatingStatus())

	ru.onFeedMessage(feedMessage(t, `{"type": "progress", "data": {"value": 3, "max": 20, "prompt_id": "abc", "node": "3"}}`))
	assert.True(t, strings.HasSuffix(ru.generatingStatus(), " (KSampler, step 3/20)"), ru.generatingStatus())
	require.Len(t, progress, 1)
	assert.Equal(t, 3, progress[0].Value)

	ru.onFeedMessage(feedMessage(t, `{"type": "executing", "data": {"node": "57:8", "prompt_id": "abc"}}`))
	assert.True(t, strings.HasSuffix(ru.generatingStatus(), " (node 57:8, step 3/20)"), ru.generatingStatus())

	// another job's node is not ours to report
	ru.onFeedMessage(feedMessage(t, `{"type": "executing", "data": {"node": "6", "prompt_id": "zzz"}}`))
	assert.True(t, strings.HasSuffix(ru.generatingStatus(), " (step 3/20)"), ru.generatingStatus())

	ru.onFeedMessage(feedMessage(t, `{"type": "executing", "data": {"node": null, "prompt_id": "abc"}}`))
	assert.True(t, strings.HasSuffix(ru.generatingStatus(), " (step 3/20)"), ru.generatingStatus())

	ru.onFeedMessage(feedMessage(t, `{"type": "execution_start", "data": {"prompt_id": "abc", "timestamp": 1700000000000}}`))
	ru.onFeedMessage(feedMessage(t, `{"type": "status", "data": {"status": {"exec_info": {"queue_remaining": 2}}, "sid": "s1"}}`))
	ru.onFeedMessage(feedMessage(t, `{"type": "execution_error", "data": {"prompt_id": "abc", "node_id": "3", "node_type": "KSampler", "exception_message": "out of memory", "exception_type": "RuntimeError"}}`))
	ru.onFeedMessage(feedMessage(t, `{"type": "execution_interrupted", "data": {"prompt_id": "abc", "node_id": "9", "node_type": "SaveImage", "executed": ["3"]}}`))
	ru.onFeedMessage(feedMessage(t, `{"type": "execution_success", "data": {"prompt_id": "abc", "timestamp": 1700000005000}}`))
	ru.onFeedMessage(feedMessage(t, `{"type": "executed", "data": {"node": "9"}}`))

	out := logs.String()
	assert.Contains(t, out, `msg="execution started"`)
	assert.Contains(t, out, "queue_remaining=2")
	assert.Contains(t, out, `msg="node execution failed"`)
	assert.Contains(t, out, `exception="out of memory"`)
	assert.Contains(t, out, `msg="execution interrupted"`)
	assert.Contains(t, out, `msg="execution finished"`)
	assert.Len(t, progress, 1)
}

func TestRunKeepsPollingUnreadableRecord(t *testing.T) {
	s := &jobServer{
		history: func(w http.ResponseWriter, n int) {
			if n == 1 {
				_, _ = w.Write([]byte(`{"abc": "not a record"}`))
				return
			}
			_, _ = w.Write([]byte(completedRecord))
		},
	}
	var retries int
	r, c := newTestRunner(t, s, WithRunHandlers((&RunHandlers{}).WithRetryHandler(func(int, error) { retries++ })))

	record, raw, err := c.GetHistoryItemRaw(context.Background(), "abc")
	require.NoError(t, err)
	assert.Nil(t, record)
	assert.JSONEq(t, `"not a record"`, string(raw))
	s.polls.Store(0)

	res, err := r.Run(context.Background(), &RunRequest{PromptText: "a cat", Workflow: parseTestWorkflow(t, testWorkflow)})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 2, res.Attempts)
	assert.Zero(t, retries)
}
