package chatsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...ClientOption) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient("secret", append([]ClientOption{WithBaseURL(srv.URL + "/")}, opts...)...)
}

func TestClientFetchProfile(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "/api/users/u 1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"_id":"u 1","firstname":"Ann","surname":"Lee","avatar":"a.png"}}`))
	})

	p, err := c.FetchProfile(context.Background(), "u 1")
	require.NoError(t, err)
	assert.Equal(t, Profile{UserID: "u 1", DisplayName: "Ann Lee", AvatarURL: "a.png"}, p)
}

func TestClientFetchProfileUnwrapped(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"_id":"u2","firstname":"Bo"}`))
	})

	p, err := c.FetchProfile(context.Background(), "u2")
	require.NoError(t, err)
	assert.Equal(t, "Bo", p.DisplayName)
	assert.Empty(t, p.AvatarURL)
}

func TestClientHTTPError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"user not found"}`))
	})

	_, err := c.FetchProfile(context.Background(), "ghost")
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
	assert.Equal(t, "user not found", httpErr.Message)
	assert.Contains(t, err.Error(), "ghost")
}

func TestClientLoadConversations(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/conversations", r.URL.Path)
		assert.Equal(t, "me", r.URL.Query().Get("userId"))
		_, _ = w.Write([]byte(`{"conversations":[{"_id":"a","participants":[{"userId":"me"}]},{"name":"junk"}]}`))
	}, WithUserID("me"))

	list, err := c.LoadConversations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, visibleIDs(list))
}

func TestClientAsProfileFetcherAndSnapshotSource(t *testing.T) {
	var _ ProfileFetcher = (*Client)(nil)
	var _ SnapshotSource = (*Client)(nil)

	c := NewClient("", WithBaseURL("https://chat.example.com/"))
	assert.Equal(t, "https://chat.example.com", c.BaseURL())
	ws := c.ConnectWS(nil)
	assert.Equal(t, "wss://chat.example.com/ws", ws.wsURL())

	c.SetToken("t/1")
	ws = c.ConnectWS(&RealtimeConfig{Path: "/socket"})
	assert.Equal(t, "wss://chat.example.com/socket?token=t%2F1", ws.wsURL())
}
