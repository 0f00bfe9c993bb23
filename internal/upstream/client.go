// Package upstream is the HTTP client for the remote Pelajari API. It
// implements both the practice session operations (start, message delivery,
// end) and the generic fetch primitive the cache controller routes through.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hamardikan/pelajari-edge/internal/cache"
	"github.com/hamardikan/pelajari-edge/internal/domain"
	"github.com/hamardikan/pelajari-edge/internal/practice"
)

// Client calls the remote Pelajari API.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// New creates a client for the API at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
}

// SetToken sets the bearer token attached to every request. Token refresh is
// handled outside this client.
func (c *Client) SetToken(token string) {
	c.token = token
}

// envelope is the standard response wrapper used by the Pelajari API.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error,omitempty"`
}

type startSessionData struct {
	SessionID      string `json:"sessionId"`
	InitialMessage string `json:"initialMessage"`
}

type sendMessageData struct {
	ID         string `json:"id"`
	AIResponse string `json:"aiResponse"`
	Timestamp  string `json:"timestamp"`
}

type endSessionData struct {
	Evaluation *domain.SessionEvaluation `json:"evaluation"`
}

type scenariosData struct {
	Scenarios []*domain.Scenario `json:"scenarios"`
}

// StartSession starts a roleplay session for a scenario.
func (c *Client) StartSession(ctx context.Context, scenarioID string) (string, string, error) {
	var data startSessionData
	path := fmt.Sprintf("/api/practice/scenarios/%s/start", url.PathEscape(scenarioID))
	if err := c.postJSON(ctx, path, nil, &data); err != nil {
		return "", "", fmt.Errorf("start session: %w", err)
	}
	return data.SessionID, data.InitialMessage, nil
}

// SendMessage delivers one user message. clientMessageID is the
// client-minted idempotency key; the server deduplicates replays of the same
// key after a timeout.
func (c *Client) SendMessage(ctx context.Context, sessionID, clientMessageID, content string) (*practice.Reply, error) {
	body := map[string]string{
		"message":         content,
		"clientMessageId": clientMessageID,
	}
	var data sendMessageData
	path := fmt.Sprintf("/api/practice/sessions/%s/message", url.PathEscape(sessionID))
	if err := c.postJSON(ctx, path, body, &data); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	if data.AIResponse == "" {
		return nil, nil
	}
	reply := &practice.Reply{ID: data.ID, Content: data.AIResponse}
	if ts, err := time.Parse(time.RFC3339, data.Timestamp); err == nil {
		reply.Timestamp = ts
	}
	return reply, nil
}

// EndSession ends a session and returns its evaluation.
func (c *Client) EndSession(ctx context.Context, sessionID string) (*domain.SessionEvaluation, error) {
	var data endSessionData
	path := fmt.Sprintf("/api/practice/sessions/%s/end", url.PathEscape(sessionID))
	if err := c.postJSON(ctx, path, nil, &data); err != nil {
		return nil, fmt.Errorf("end session: %w", err)
	}
	return data.Evaluation, nil
}

// ScenarioFilters narrow a scenario listing.
type ScenarioFilters struct {
	Difficulty string
	Competency string
	Search     string
}

// GetScenarios lists practice scenarios.
func (c *Client) GetScenarios(ctx context.Context, filters ScenarioFilters) ([]*domain.Scenario, error) {
	q := url.Values{}
	if filters.Difficulty != "" {
		q.Set("difficulty", filters.Difficulty)
	}
	if filters.Competency != "" {
		q.Set("competency", filters.Competency)
	}
	if filters.Search != "" {
		q.Set("search", filters.Search)
	}

	path := "/api/practice/scenarios"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var data scenariosData
	if err := c.getJSON(ctx, path, &data); err != nil {
		return nil, fmt.Errorf("get scenarios: %w", err)
	}
	return data.Scenarios, nil
}

// GetScenario fetches one scenario by ID.
func (c *Client) GetScenario(ctx context.Context, scenarioID string) (*domain.Scenario, error) {
	var data struct {
		Scenario *domain.Scenario `json:"scenario"`
	}
	path := "/api/practice/scenarios/" + url.PathEscape(scenarioID)
	if err := c.getJSON(ctx, path, &data); err != nil {
		return nil, fmt.Errorf("get scenario: %w", err)
	}
	return data.Scenario, nil
}

// GetSession fetches one roleplay session by ID.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*domain.RoleplaySession, error) {
	var data struct {
		Session *domain.RoleplaySession `json:"session"`
	}
	path := "/api/practice/sessions/" + url.PathEscape(sessionID)
	if err := c.getJSON(ctx, path, &data); err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return data.Session, nil
}

// GetSessionTranscript fetches the stored transcript for a session.
func (c *Client) GetSessionTranscript(ctx context.Context, sessionID string) ([]domain.SessionMessage, error) {
	var data struct {
		Messages []domain.SessionMessage `json:"messages"`
	}
	path := fmt.Sprintf("/api/practice/sessions/%s/transcript", url.PathEscape(sessionID))
	if err := c.getJSON(ctx, path, &data); err != nil {
		return nil, fmt.Errorf("get session transcript: %w", err)
	}
	return data.Messages, nil
}

// Fetch implements the cache controller's network primitive: the incoming
// request is replayed against the upstream base URL and the response
// materialized.
func (c *Client) Fetch(ctx context.Context, req *http.Request) (*cache.Result, error) {
	var body io.Reader
	if req.Body != nil {
		data, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	out, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.URL.RequestURI(), body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			out.Header.Add(k, v)
		}
	}
	c.authorize(out)

	resp, err := c.http.Do(out)
	if err != nil {
		return nil, fmt.Errorf("upstream fetch: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}

	return &cache.Result{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       data,
	}, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) postJSON(ctx context.Context, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doJSON(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.doJSON(req, out)
}

func (c *Client) doJSON(req *http.Request, out interface{}) error {
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !env.Success {
		if env.Error != "" {
			return fmt.Errorf("upstream rejected request: %s", env.Error)
		}
		return fmt.Errorf("upstream rejected request")
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}
