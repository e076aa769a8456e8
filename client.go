package chatsync

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

	"github.com/tidwall/gjson"
)

// ============================================================================
// Client
// ============================================================================

const (
	DefaultBaseURL = "http://localhost:3000"
	DefaultTimeout = 30 * time.Second
)

// Client is the REST collaborator of the engine. It serves peer profiles and
// the conversation snapshot, and builds the realtime transport for the same
// server.
type Client struct {
	token      string
	baseURL    string
	userID     string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithUserID sets the user whose conversations LoadConversations requests.
func WithUserID(id string) ClientOption {
	return func(c *Client) { c.userID = id }
}

// NewClient creates a client authenticating with token. token may be empty.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ConnectWS creates a WebSocket transport for the same server. Call Connect
// to establish the connection.
func (c *Client) ConnectWS(config *RealtimeConfig) *RealtimeWSClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = c.httpClient
	}
	return NewRealtimeWSClient(c.baseURL, &cfg)
}

// ============================================================================
// Internal request helper
// ============================================================================

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Collaborator endpoints
// ============================================================================

type userResponse struct {
	ID        string `json:"_id"`
	Firstname string `json:"firstname"`
	Surname   string `json:"surname"`
	Avatar    string `json:"avatar"`
}

// FetchProfile loads GET /api/users/{id}. The body may be the user object
// itself or wrap it under "data" or "user".
func (c *Client) FetchProfile(ctx context.Context, userID string) (Profile, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID), nil, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("fetch user %s: %w", userID, err)
	}
	for _, k := range []string{"data", "user"} {
		if v := gjson.GetBytes(data, k); v.IsObject() {
			data = []byte(v.Raw)
			break
		}
	}
	u, err := decodeJSON[userResponse](data)
	if err != nil {
		return Profile{}, fmt.Errorf("fetch user %s: %w", userID, err)
	}
	name := strings.TrimSpace(u.Firstname + " " + u.Surname)
	return Profile{UserID: userID, DisplayName: name, AvatarURL: u.Avatar}, nil
}

// LoadConversations loads GET /api/conversations.
func (c *Client) LoadConversations(ctx context.Context) ([]Conversation, error) {
	var query map[string]string
	if c.userID != "" {
		query = map[string]string{"userId": c.userID}
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/api/conversations", nil, query)
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	list, _, err := decodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	return list, nil
}
