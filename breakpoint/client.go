// Package breakpoint talks to the debug surface of the orchestration server
// and keeps the local view of requests paused at a breakpoint.
package breakpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"
)

var (
	ErrUnexpectedStatus = goerr.New("unexpected status code from breakpoint API")
)

// Breakpoint is a request paused by the server. BreakpointID equals the
// span ID of the paused request.
type Breakpoint struct {
	BreakpointID string            `json:"breakpoint_id"`
	ThreadID     string            `json:"thread_id,omitempty"`
	Request      json.RawMessage   `json:"request,omitempty"`
	Events       []json.RawMessage `json:"events,omitempty"`
}

// ListResponse is the body of GET /debug/breakpoints.
type ListResponse struct {
	Breakpoints  []Breakpoint `json:"breakpoints"`
	InterceptAll bool         `json:"intercept_all"`
}

type continueRequest struct {
	BreakpointID string          `json:"breakpoint_id"`
	Action       json.RawMessage `json:"action"`
}

type statusResponse struct {
	Status       string `json:"status"`
	BreakpointID string `json:"breakpoint_id,omitempty"`
	InterceptAll *bool  `json:"intercept_all,omitempty"`
}

var continueAction = json.RawMessage(`"continue"`)

// Client is the REST client of the breakpoint API.
type Client struct {
	baseURL    string
	projectID  string
	apiKey     string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(x *Client) {
		x.httpClient = c
	}
}

// WithProjectID sets the x-project-id header.
func WithProjectID(projectID string) ClientOption {
	return func(x *Client) {
		x.projectID = projectID
	}
}

// WithAPIKey sets a bearer token.
func WithAPIKey(apiKey string) ClientOption {
	return func(x *Client) {
		x.apiKey = apiKey
	}
}

// NewClient creates a Client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// List returns the paused breakpoints and the intercept-all flag.
func (c *Client) List(ctx context.Context) (*ListResponse, error) {
	var resp ListResponse
	if err := c.do(ctx, http.MethodGet, "/debug/breakpoints", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Breakpoints == nil {
		resp.Breakpoints = []Breakpoint{}
	}
	return &resp, nil
}

// Continue resumes a paused request. A nil request resumes the original call;
// otherwise the server continues with the modified request.
func (c *Client) Continue(ctx context.Context, breakpointID string, request json.RawMessage) error {
	action := continueAction
	if len(request) > 0 {
		action = request
	}
	body := continueRequest{BreakpointID: breakpointID, Action: action}
	var resp statusResponse
	if err := c.do(ctx, http.MethodPost, "/debug/continue", body, &resp); err != nil {
		return goerr.Wrap(err, "failed to continue breakpoint", goerr.V("breakpoint_id", breakpointID))
	}
	return nil
}

// ContinueAll resumes every paused request.
func (c *Client) ContinueAll(ctx context.Context) error {
	var resp statusResponse
	if err := c.do(ctx, http.MethodPost, "/debug/continue/all", nil, &resp); err != nil {
		return goerr.Wrap(err, "failed to continue all breakpoints")
	}
	return nil
}

// SetGlobalBreakpoint switches intercept-all mode and returns the value
// reported by the server.
func (c *Client) SetGlobalBreakpoint(ctx context.Context, interceptAll bool) (bool, error) {
	body := map[string]bool{"intercept_all": interceptAll}
	var resp statusResponse
	if err := c.do(ctx, http.MethodPost, "/debug/global_breakpoint", body, &resp); err != nil {
		return false, goerr.Wrap(err, "failed to set global breakpoint", goerr.V("intercept_all", interceptAll))
	}
	if resp.InterceptAll == nil {
		return interceptAll, nil
	}
	return *resp.InterceptAll, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return goerr.Wrap(err, "failed to marshal request body")
		}
		reader = bytes.NewReader(raw)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return goerr.Wrap(err, "failed to create request", goerr.V("url", url))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.projectID != "" {
		req.Header.Set("x-project-id", c.projectID)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	ctxlog.From(ctx).Debug("breakpoint API request", "method", method, "url", url)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return goerr.Wrap(err, "failed to send request", goerr.V("url", url))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return goerr.Wrap(ErrUnexpectedStatus, "breakpoint API returned error",
			goerr.V("url", url),
			goerr.V("status", resp.StatusCode),
			goerr.V("body", string(msg)),
		)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return goerr.Wrap(err, "failed to decode response", goerr.V("url", url))
	}
	return nil
}
