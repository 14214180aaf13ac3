package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rajasatyajit/toolgate/internal/gate"
)

// BackendCaller resolves a tool name to its backend URL via the static
// routing table (config.BackendConfig) and places one HTTP attempt
// against it, satisfying proxy.Caller. A tool absent from the routing
// table falls back to DefaultURL.
type BackendCaller struct {
	ToolBackends map[string]string
	DefaultURL   string
	client       *http.Client
}

// NewBackendCaller builds a BackendCaller with a bounded-timeout client,
// grounded on the teacher's plain net/http.Client idiom (no retry client
// library: retries are proxy.Executor's responsibility, one layer up).
func NewBackendCaller(toolBackends map[string]string, defaultURL string, timeout time.Duration) *BackendCaller {
	return &BackendCaller{
		ToolBackends: toolBackends,
		DefaultURL:   defaultURL,
		client:       &http.Client{Timeout: timeout},
	}
}

func (c *BackendCaller) resolve(tool string) string {
	if url, ok := c.ToolBackends[tool]; ok {
		return url
	}
	return c.DefaultURL
}

// Call places one attempt against tool's backend. It returns
// statusCode==0 on any transport-level failure so proxy.Executor treats
// it as retryable per spec §4.9.
func (c *BackendCaller) Call(ctx context.Context, tool string, call gate.ToolCall) (int, error) {
	url := c.resolve(tool)
	if url == "" {
		return 0, errBackendNotConfigured(tool)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("X-Tool-Name", tool)
	req.Header.Set("X-Forwarded-For", call.IP)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

type backendNotConfiguredError struct{ tool string }

func (e backendNotConfiguredError) Error() string {
	return "no backend configured for tool " + e.tool
}

func errBackendNotConfigured(tool string) error {
	return backendNotConfiguredError{tool: tool}
}
