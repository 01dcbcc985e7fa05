package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"lead-relay/internal/domain"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	assistantsBeta = "assistants=v2"
	listPageSize   = 100
	maxListPages   = 20
)

// threadResponse is the minimal shape of a thread object.
type threadResponse struct {
	ID string `json:"id"`
}

type messageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type runRequest struct {
	AssistantID string `json:"assistant_id"`
}

// runResponse is the minimal shape of a run object.
type runResponse struct {
	ID        string `json:"id"`
	ThreadID  string `json:"thread_id"`
	Status    string `json:"status"`
	LastError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_error"`
}

type messageObject struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	RunID     string `json:"run_id"`
	CreatedAt int64  `json:"created_at"`
	Content   []struct {
		Type string `json:"type"`
		Text *struct {
			Value string `json:"value"`
		} `json:"text"`
	} `json:"content"`
}

type messageList struct {
	Data    []messageObject `json:"data"`
	LastID  string          `json:"last_id"`
	HasMore bool            `json:"has_more"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// KeyLoader resolves the API key. Once it succeeds the key is reused for the
// lifetime of the Client; a failed load is retried on the next request.
type KeyLoader func(ctx context.Context) (string, error)

// StaticKey returns a KeyLoader for a key already known at startup.
func StaticKey(key string) KeyLoader {
	return func(context.Context) (string, error) {
		if strings.TrimSpace(key) == "" {
			return "", errors.New("openai: API key is empty")
		}
		return strings.TrimSpace(key), nil
	}
}

// Client is a focused client for the Assistants threads/runs endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	loadKey    KeyLoader

	keyMu  sync.Mutex
	apiKey string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client whose API key is resolved through loadKey on the
// first request that needs it.
func NewClient(loadKey KeyLoader, opts ...Option) (*Client, error) {
	if loadKey == nil {
		return nil, errors.New("openai: key loader must not be nil")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		loadKey:    loadKey,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.apiKey != "" {
		return c.apiKey, nil
	}
	key, err := c.loadKey(ctx)
	if err != nil {
		return "", err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("openai: API key is empty")
	}
	c.apiKey = key
	return key, nil
}

// resolvedHTTPClient returns the configured HTTP client, or a default with a
// 30s timeout if none was set.
func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func endpointURL(baseURL, path string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base + path
}

// CreateThread starts an empty conversation and returns its id.
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	var out threadResponse
	if err := c.call(ctx, http.MethodPost, "/threads", struct{}{}, &out); err != nil {
		return "", fmt.Errorf("openai: create thread: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("openai: create thread: empty thread id")
	}
	return out.ID, nil
}

// AddMessage appends a message to the thread.
func (c *Client) AddMessage(ctx context.Context, threadID string, role domain.Role, content string) error {
	if strings.TrimSpace(threadID) == "" {
		return errors.New("openai: thread id must not be empty")
	}
	path := "/threads/" + url.PathEscape(threadID) + "/messages"
	if err := c.call(ctx, http.MethodPost, path, messageRequest{Role: string(role), Content: content}, nil); err != nil {
		return fmt.Errorf("openai: add message: %w", err)
	}
	return nil
}

// CreateRun starts the assistant on the thread.
func (c *Client) CreateRun(ctx context.Context, threadID, assistantID string) (domain.Run, error) {
	if strings.TrimSpace(assistantID) == "" {
		return domain.Run{}, errors.New("openai: assistant id must not be empty")
	}
	var out runResponse
	path := "/threads/" + url.PathEscape(threadID) + "/runs"
	if err := c.call(ctx, http.MethodPost, path, runRequest{AssistantID: assistantID}, &out); err != nil {
		return domain.Run{}, fmt.Errorf("openai: create run: %w", err)
	}
	return out.toDomain(threadID), nil
}

// GetRun reads the current state of a run.
func (c *Client) GetRun(ctx context.Context, threadID, runID string) (domain.Run, error) {
	var out runResponse
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID)
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return domain.Run{}, fmt.Errorf("openai: get run: %w", err)
	}
	return out.toDomain(threadID), nil
}

// CancelRun asks the service to stop a run that is still in progress.
func (c *Client) CancelRun(ctx context.Context, threadID, runID string) error {
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID) + "/cancel"
	if err := c.call(ctx, http.MethodPost, path, struct{}{}, nil); err != nil {
		return fmt.Errorf("openai: cancel run: %w", err)
	}
	return nil
}

// ListMessages returns every message on the thread, newest first, following
// the list cursor until the service reports no more pages.
func (c *Client) ListMessages(ctx context.Context, threadID string) ([]domain.Message, error) {
	var msgs []domain.Message
	after := ""
	for page := 0; page < maxListPages; page++ {
		q := url.Values{}
		q.Set("limit", fmt.Sprintf("%d", listPageSize))
		q.Set("order", "desc")
		if after != "" {
			q.Set("after", after)
		}
		path := "/threads/" + url.PathEscape(threadID) + "/messages?" + q.Encode()

		var out messageList
		if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
			return nil, fmt.Errorf("openai: list messages: %w", err)
		}
		for _, m := range out.Data {
			msgs = append(msgs, m.toDomain())
		}
		if !out.HasMore || out.LastID == "" {
			return msgs, nil
		}
		after = out.LastID
	}
	return msgs, nil
}

func (r runResponse) toDomain(threadID string) domain.Run {
	run := domain.Run{ID: r.ID, ThreadID: r.ThreadID, Status: domain.RunStatus(r.Status)}
	if run.ThreadID == "" {
		run.ThreadID = threadID
	}
	if r.LastError != nil {
		run.LastError = strings.TrimSpace(r.LastError.Code + ": " + r.LastError.Message)
	}
	return run
}

func (m messageObject) toDomain() domain.Message {
	var parts []string
	for _, c := range m.Content {
		if c.Type == "text" && c.Text != nil {
			parts = append(parts, c.Text.Value)
		}
	}
	return domain.Message{
		ID:        m.ID,
		Role:      domain.Role(m.Role),
		Text:      strings.Join(parts, "\n"),
		RunID:     m.RunID,
		CreatedAt: m.CreatedAt,
	}
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	u := endpointURL(c.baseURL, path)
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("OpenAI-Beta", assistantsBeta)

	raw, err := c.doJSONRequest(req, u)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
