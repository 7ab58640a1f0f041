package secagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 30 * time.Second

// Client wraps the HTTP interactions with the security agent REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	apiKey     string
}

// ClientOption customizes the client at construction time.
type ClientOption func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithAPIKey attaches an API key to every request via the X-API-Key header.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// NewClient instantiates a client for the agent API.
func NewClient(rawURL string, opts ...ClientOption) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	c := &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SessionSummary mirrors the server-side view of a session.
type SessionSummary struct {
	ID                 string     `json:"id"`
	Goal               string     `json:"goal"`
	Status             string     `json:"status"`
	Iteration          int        `json:"iteration"`
	MaxIterations      int        `json:"max_iterations"`
	MessageCount       int        `json:"message_count"`
	TaskSteps          []TaskStep `json:"task_steps"`
	HumanInputRequired bool       `json:"human_input_required"`
	HumanPrompt        string     `json:"human_prompt,omitempty"`
	FinalAnswer        string     `json:"final_answer,omitempty"`
	LastError          string     `json:"last_error,omitempty"`
}

// TaskStep is one entry of the session plan.
type TaskStep struct {
	StepID         int    `json:"step_id"`
	Description    string `json:"description"`
	Status         string `json:"status"`
	CapabilityName string `json:"capability_name,omitempty"`
	Result         string `json:"result,omitempty"`
	Error          string `json:"error,omitempty"`
}

// StepResult describes the outcome of advancing a session.
type StepResult struct {
	SessionID        string            `json:"session_id"`
	Status           string            `json:"status"`
	Message          string            `json:"message,omitempty"`
	AwaitingInput    bool              `json:"awaiting_input"`
	Prompt           string            `json:"prompt,omitempty"`
	FinalAnswer      string            `json:"final_answer,omitempty"`
	CapabilityResult *CapabilityResult `json:"capability_result,omitempty"`
	Summary          SessionSummary    `json:"summary"`
}

// CapabilityResult reports the outcome of the tool executed in a step,
// if any.
type CapabilityResult struct {
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CapabilitySchema describes one tool exposed to the model.
type CapabilitySchema struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Sensitive   bool        `json:"sensitive"`
	Parameters  []Parameter `json:"parameters"`
}

// Parameter describes one tool argument.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
}

// ArchiveRecord is one archived session. CreatedAt and ArchivedAt are Unix
// timestamps in seconds.
type ArchiveRecord struct {
	SessionID   string `json:"session_id"`
	Goal        string `json:"goal"`
	Status      string `json:"status"`
	Iteration   int    `json:"iteration"`
	FinalAnswer string `json:"final_answer,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	TotalTokens int    `json:"total_tokens"`
	CreatedAt   int64  `json:"created_at"`
	ArchivedAt  int64  `json:"archived_at"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("secagent api error (%d): %s", e.StatusCode, e.Message)
}

type createSessionRequest struct {
	Goal string `json:"goal"`
	Run  bool   `json:"run,omitempty"`
}

type stepRequest struct {
	Input string `json:"input,omitempty"`
	Run   bool   `json:"run,omitempty"`
}

// CreateSession registers a new analysis session without advancing it.
func (c *Client) CreateSession(ctx context.Context, goal string) (SessionSummary, error) {
	var summary SessionSummary
	err := c.post(ctx, "/api/v1/sessions", createSessionRequest{Goal: goal}, &summary)
	return summary, err
}

// RunSession registers a session and drives it until it completes or pauses
// for human input.
func (c *Client) RunSession(ctx context.Context, goal string) (StepResult, error) {
	var result StepResult
	err := c.post(ctx, "/api/v1/sessions", createSessionRequest{Goal: goal, Run: true}, &result)
	return result, err
}

// Step advances the session by one reasoning iteration. input may carry a
// confirmation or correction for a paused session; pass "" when there is none.
func (c *Client) Step(ctx context.Context, sessionID, input string) (StepResult, error) {
	var result StepResult
	endpoint := path.Join("/api/v1/sessions", sessionID, "steps")
	err := c.post(ctx, endpoint, stepRequest{Input: input}, &result)
	return result, err
}

// Resume feeds input to a paused session and then drives it to the next stop.
func (c *Client) Resume(ctx context.Context, sessionID, input string) (StepResult, error) {
	var result StepResult
	endpoint := path.Join("/api/v1/sessions", sessionID, "steps")
	err := c.post(ctx, endpoint, stepRequest{Input: input, Run: true}, &result)
	return result, err
}

// GetSession fetches the current session state.
func (c *Client) GetSession(ctx context.Context, sessionID string) (SessionSummary, error) {
	var summary SessionSummary
	err := c.get(ctx, path.Join("/api/v1/sessions", sessionID), &summary)
	return summary, err
}

// ListCapabilities returns the tool schemas the agent may invoke.
func (c *Client) ListCapabilities(ctx context.Context) ([]CapabilitySchema, error) {
	var schemas []CapabilitySchema
	err := c.get(ctx, "/api/v1/capabilities", &schemas)
	return schemas, err
}

// ListArchive returns the most recently archived sessions.
func (c *Client) ListArchive(ctx context.Context, limit int) ([]ArchiveRecord, error) {
	endpoint := "/api/v1/archive"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var records []ArchiveRecord
	err := c.get(ctx, endpoint, &records)
	return records, err
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u := c.baseURL.ResolveReference(parsed)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(bytes.TrimSpace(data)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
