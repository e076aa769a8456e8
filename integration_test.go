//go:build integration

package chatsync_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/prismer-ai/chatsync"
)

// helpers ---------------------------------------------------------------

func requireEnv(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Fatalf("%s environment variable is required", key)
	}
	return v
}

func testBaseURL() string {
	if v := os.Getenv("CHATSYNC_BASE_URL_TEST"); v != "" {
		return v
	}
	return chatsync.DefaultBaseURL
}

func newClient(t *testing.T) (*chatsync.Client, string) {
	t.Helper()
	userID := requireEnv(t, "CHATSYNC_USER_ID_TEST")
	token := requireEnv(t, "CHATSYNC_TOKEN_TEST")
	return chatsync.NewClient(token, chatsync.WithBaseURL(testBaseURL()), chatsync.WithUserID(userID)), userID
}

// =======================================================================
// REST collaborators
// =======================================================================

func TestIntegration_LoadConversations(t *testing.T) {
	client, _ := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	list, err := client.LoadConversations(ctx)
	if err != nil {
		t.Fatalf("LoadConversations returned error: %v", err)
	}
	t.Logf("LoadConversations - %d conversations", len(list))

	for _, c := range list {
		if c.IsGroup {
			continue
		}
		for _, p := range c.Participants {
			profile, err := client.FetchProfile(ctx, p.UserID)
			if err != nil {
				t.Logf("FetchProfile %s (non-fatal): %v", p.UserID, err)
				continue
			}
			t.Logf("FetchProfile - %s => %q", p.UserID, profile.DisplayName)
		}
		break
	}
}

// =======================================================================
// Engine over WebSocket
// =======================================================================

func TestIntegration_EngineLifecycle(t *testing.T) {
	client, userID := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	ws := client.ConnectWS(&chatsync.RealtimeConfig{
		AutoReconnect:     false,
		HeartbeatInterval: 60 * time.Second,
	})
	if err := ws.Connect(ctx); err != nil {
		t.Fatalf("WS Connect error: %v", err)
	}
	defer ws.Disconnect()

	engine, err := chatsync.New(ws, chatsync.Options{
		UserID:         userID,
		ProfileFetcher: client,
		SnapshotSource: client,
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	defer engine.Close()

	if err := engine.Start(ctx); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	views := engine.VisibleConversations()
	t.Logf("Visible - %d conversations, %d rooms joined", len(views), len(engine.JoinedRooms()))
	if len(views) == 0 {
		t.Skip("no conversations for the test user")
	}

	// -------------------------------------------------------------------
	// Pin round trip
	// -------------------------------------------------------------------
	target := views[len(views)-1]
	if target.Pinned {
		t.Skipf("%s is already pinned", target.ID)
	}
	if err := engine.Pin(ctx, target.ID); err != nil {
		if errors.Is(err, chatsync.ErrPinLimitExceeded) {
			t.Skip("pin limit already reached")
		}
		t.Fatalf("Pin returned error: %v", err)
	}
	if got := engine.VisibleConversations()[0].ID; got != target.ID {
		t.Errorf("expected %s first after pin, got %s", target.ID, got)
	}
	if err := engine.Unpin(ctx, target.ID); err != nil {
		t.Fatalf("Unpin returned error: %v", err)
	}

	// -------------------------------------------------------------------
	// Mute round trip
	// -------------------------------------------------------------------
	if !target.Muted {
		if err := engine.Mute(ctx, target.ID, chatsync.MuteOneHour); err != nil {
			t.Fatalf("Mute returned error: %v", err)
		}
		if err := engine.Unmute(ctx, target.ID); err != nil {
			t.Fatalf("Unmute returned error: %v", err)
		}
	}
	t.Logf("Engine lifecycle - version=%d", engine.Version())
}
