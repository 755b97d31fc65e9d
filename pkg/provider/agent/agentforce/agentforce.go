// Package agentforce provides an agent.Provider backed by the Agentforce
// Agent API (Einstein AI agent sessions over HTTPS).
package agentforce

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

	"github.com/google/uuid"

	"github.com/MrWong99/voxbridge/pkg/provider/agent"
)

const (
	// DefaultAPIURL is the public Agent API host.
	DefaultAPIURL = "https://api.salesforce.com"

	basePath     = "/einstein/ai-agent/v1"
	endReason    = "UserRequest"
	maxErrorBody = 4096
)

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for all API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithSessionKeyFunc overrides how external session keys are generated.
// Defaults to random UUIDs.
func WithSessionKeyFunc(fn func() string) Option {
	return func(cl *Client) {
		cl.newKey = fn
	}
}

// Client implements agent.Provider against the Agentforce Agent API.
type Client struct {
	apiURL      string
	instanceURL string
	httpClient  *http.Client
	newKey      func() string
}

// New creates a Client. apiURL is the Agent API host (see [DefaultAPIURL]);
// instanceURL is the org's My Domain URL sent as the session endpoint.
func New(apiURL, instanceURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(apiURL) == "" {
		apiURL = DefaultAPIURL
	}
	if _, err := url.Parse(apiURL); err != nil {
		return nil, fmt.Errorf("agentforce: parse api url: %w", err)
	}
	if strings.TrimSpace(instanceURL) == "" {
		return nil, errors.New("agentforce: instanceURL must not be empty")
	}
	c := &Client{
		apiURL:      strings.TrimRight(apiURL, "/"),
		instanceURL: strings.TrimRight(instanceURL, "/"),
		httpClient:  http.DefaultClient,
		newKey:      uuid.NewString,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ---- wire types ----

type createRequest struct {
	ExternalSessionKey    string                `json:"externalSessionKey"`
	InstanceConfig        instanceConfig        `json:"instanceConfig"`
	StreamingCapabilities streamingCapabilities `json:"streamingCapabilities"`
	BypassUser            bool                  `json:"bypassUser"`
}

type instanceConfig struct {
	Endpoint string `json:"endpoint"`
}

type streamingCapabilities struct {
	ChunkTypes []string `json:"chunkTypes"`
}

type link struct {
	Href string `json:"href"`
}

type createResponse struct {
	SessionID string `json:"sessionId"`
	Links     struct {
		Messages link `json:"messages"`
		End      link `json:"end"`
	} `json:"_links"`
}

type sendRequest struct {
	Message   sendMessage `json:"message"`
	Variables []any       `json:"variables"`
}

type sendMessage struct {
	SequenceID int    `json:"sequenceId"`
	Type       string `json:"type"`
	Text       string `json:"text"`
}

type sendResponse struct {
	Messages []struct {
		Type    string `json:"type"`
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"messages"`
}

// CreateSession opens a new agent session.
func (c *Client) CreateSession(ctx context.Context, token, agentID string) (agent.Session, error) {
	if agentID == "" {
		return agent.Session{}, errors.New("agentforce: create: agentID must not be empty")
	}
	body := createRequest{
		ExternalSessionKey:    c.newKey(),
		InstanceConfig:        instanceConfig{Endpoint: c.instanceURL},
		StreamingCapabilities: streamingCapabilities{ChunkTypes: []string{"Text"}},
		BypassUser:            true,
	}
	endpoint := fmt.Sprintf("%s%s/agents/%s/sessions", c.apiURL, basePath, url.PathEscape(agentID))

	var resp createResponse
	if err := c.do(ctx, "create", http.MethodPost, endpoint, token, body, nil, &resp); err != nil {
		return agent.Session{}, err
	}
	if resp.SessionID == "" {
		return agent.Session{}, errors.New("agentforce: create: response has no sessionId")
	}
	msgURL := resp.Links.Messages.Href
	if msgURL == "" {
		msgURL = c.sessionURL(resp.SessionID) + "/messages"
	}
	return agent.Session{ID: resp.SessionID, MessagesURL: msgURL}, nil
}

// SendMessage posts a text message and returns the agent's replies.
func (c *Client) SendMessage(ctx context.Context, token string, sess agent.Session, seq int, text string) ([]agent.Message, error) {
	endpoint := sess.MessagesURL
	if endpoint == "" {
		endpoint = c.sessionURL(sess.ID) + "/messages"
	}
	body := sendRequest{
		Message:   sendMessage{SequenceID: seq, Type: "Text", Text: text},
		Variables: []any{},
	}

	var resp sendResponse
	if err := c.do(ctx, "send", http.MethodPost, endpoint, token, body, nil, &resp); err != nil {
		return nil, err
	}
	msgs := make([]agent.Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		msgs = append(msgs, agent.Message{Type: m.Type, ID: m.ID, Text: m.Message})
	}
	return msgs, nil
}

// EndSession deletes the session on the platform.
func (c *Client) EndSession(ctx context.Context, token string, sess agent.Session) error {
	hdr := http.Header{}
	hdr.Set("x-session-end-reason", endReason)
	return c.do(ctx, "end", http.MethodDelete, c.sessionURL(sess.ID), token, nil, hdr, nil)
}

func (c *Client) sessionURL(id string) string {
	return fmt.Sprintf("%s%s/sessions/%s", c.apiURL, basePath, url.PathEscape(id))
}

// do performs one JSON round trip. A nil in skips the request body; a nil out
// discards the response body.
func (c *Client) do(ctx context.Context, op, method, endpoint, token string, in any, hdr http.Header, out any) error {
	var reader io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("agentforce: %s: marshal request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("agentforce: %s: create request: %w", op, err)
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("agentforce: %s: request failed: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &agent.StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("agentforce: %s: decode response: %w", op, err)
	}
	return nil
}

// Ensure Client implements agent.Provider at compile time.
var _ agent.Provider = (*Client)(nil)
