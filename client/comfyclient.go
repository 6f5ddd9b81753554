package client

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultRequestTimeout bounds every single request made by a ComfyClient.
const DefaultRequestTimeout = 30 * time.Second

// ComfyClient is the top level object that allows for interaction with the job server's HTTP API.
type ComfyClient struct {
	baseURL    string
	clientid   string
	httpclient *http.Client
	logger     *slog.Logger
	prompts    *PromptCache
}

// Option configures a ComfyClient.
type Option func(*ComfyClient)

// WithHttpClient replaces the default http client.
func WithHttpClient(hc *http.Client) Option {
	return func(c *ComfyClient) {
		if hc != nil {
			c.httpclient = hc
		}
	}
}

// WithLogger sets the logger used by the client and everything it drives.
func WithLogger(l *slog.Logger) Option {
	return func(c *ComfyClient) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithPromptCache shares a prompt cache between clients.
func WithPromptCache(pc *PromptCache) Option {
	return func(c *ComfyClient) {
		if pc != nil {
			c.prompts = pc
		}
	}
}

// NewComfyClient creates a client for the server at baseURL, e.g. "http://127.0.0.1:8188".
// The base URL is normalized with NormalizeBaseURL.  An empty base URL is
// allowed; operations that need the server then fail with ErrNoServer.
func NewComfyClient(baseURL string, opts ...Option) *ComfyClient {
	c := &ComfyClient{
		baseURL:    NormalizeBaseURL(baseURL),
		clientid:   uuid.New().String(),
		httpclient: &http.Client{Timeout: DefaultRequestTimeout},
		logger:     slog.Default(),
		prompts:    NewPromptCache(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NormalizeBaseURL trims whitespace, trailing slashes and a trailing "/prompt"
// segment, so that a pasted submit URL works as a base URL.
func NormalizeBaseURL(s string) string {
	s = strings.TrimRight(strings.TrimSpace(s), "/")
	if strings.HasSuffix(strings.ToLower(s), "/prompt") {
		s = strings.TrimRight(s[:len(s)-len("/prompt")], "/")
	}
	return s
}

// BaseURL returns the normalized server base URL.
func (c *ComfyClient) BaseURL() string {
	return c.baseURL
}

// ClientID returns the unique client ID sent with submissions and used for the websocket.
func (c *ComfyClient) ClientID() string {
	return c.clientid
}

// return the underlying http client
func (c *ComfyClient) HttpClient() *http.Client {
	return c.httpclient
}

// set the underlying http client
func (c *ComfyClient) SetHttpClient(client *http.Client) {
	c.httpclient = client
}

func (c *ComfyClient) Logger() *slog.Logger {
	return c.logger
}

// PromptCache returns the cache of prompt texts keyed by job id.
func (c *ComfyClient) PromptCache() *PromptCache {
	return c.prompts
}
