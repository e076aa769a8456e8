package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prismer-ai/chatsync"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetConfigValue(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, setConfigValue(cfg, "default.base_url", "https://chat.example.com"))
	require.NoError(t, setConfigValue(cfg, "default.transport", "nats"))
	require.NoError(t, setConfigValue(cfg, "auth.user_id", "u1"))
	require.NoError(t, setConfigValue(cfg, "auth.webhook_secret", "s3cret"))
	require.NoError(t, setConfigValue(cfg, "engine.mutation_timeout", "3s"))
	require.NoError(t, setConfigValue(cfg, "engine.profile_concurrency", "8"))

	assert.Equal(t, "https://chat.example.com", cfg.Default.BaseURL)
	assert.Equal(t, "nats", cfg.Default.Transport)
	assert.Equal(t, "u1", cfg.Auth.UserID)
	assert.Equal(t, "s3cret", cfg.Auth.WebhookSecret)
	assert.Equal(t, "3s", cfg.Engine.MutationTimeout)
	assert.Equal(t, 8, cfg.Engine.ProfileConcurrency)

	for _, key := range []string{"nodot", "default.nope", "auth.nope", "engine.nope", "other.x"} {
		assert.Error(t, setConfigValue(cfg, key, "v"), key)
	}
	assert.Error(t, setConfigValue(cfg, "default.transport", "sse"))
	assert.Error(t, setConfigValue(cfg, "engine.mutation_timeout", "soon"))
	assert.Error(t, setConfigValue(cfg, "engine.profile_concurrency", "0"))
}

func TestConfigRoundTrip(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg, "missing file yields zero config")

	cfg.Auth = ConfigAuth{Token: "tok", UserID: "u1"}
	cfg.Engine.MutationTimeout = "2s"
	require.NoError(t, saveConfig(cfg))

	info, err := os.Stat(filepath.Join(home, ".chatsync", "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestEngineOptions(t *testing.T) {
	log := zerolog.Nop()
	opts, err := engineOptions(&Config{
		Auth:   ConfigAuth{UserID: "u1"},
		Engine: ConfigEngine{MutationTimeout: "1500ms", DefaultAvatar: "a.png", ProfileConcurrency: 2},
	}, &log)
	require.NoError(t, err)
	assert.Equal(t, "u1", opts.UserID)
	assert.Equal(t, 1500*time.Millisecond, opts.MutationTimeout)
	assert.Equal(t, "a.png", opts.DefaultAvatar)
	assert.Equal(t, 2, opts.ProfileConcurrency)

	_, err = engineOptions(&Config{Engine: ConfigEngine{MutationTimeout: "x"}}, &log)
	assert.Error(t, err)
}

func TestPrintViews(t *testing.T) {
	views := []chatsync.ConversationView{
		{Conversation: chatsync.Conversation{ID: "a", LastMessage: &chatsync.LastMessage{Content: "hey"}}, Title: "Ann", Pinned: true, Muted: true},
		{Conversation: chatsync.Conversation{ID: "b"}, Title: "team"},
	}

	var buf bytes.Buffer
	require.NoError(t, printViews(&buf, views, false))
	assert.Equal(t, "--- 2 conversations ---\n  a: Ann [pinned,muted] - hey\n  b: team\n", buf.String())

	buf.Reset()
	require.NoError(t, printViews(&buf, nil, false))
	assert.Equal(t, "No conversations.\n", buf.String())

	buf.Reset()
	require.NoError(t, printViews(&buf, views, true))
	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Len(t, decoded, 2)
}

func TestRenderConfigMasksSecrets(t *testing.T) {
	cfg := &Config{
		Default: ConfigDefault{BaseURL: "https://chat.example.com", Transport: "ws"},
		Auth:    ConfigAuth{Token: "tok-0123456789-abcd", UserID: "u1", WebhookSecret: "whsec-0123456789"},
	}

	var buf bytes.Buffer
	require.NoError(t, renderConfig(&buf, cfg, false))
	out := buf.String()
	assert.Contains(t, out, "https://chat.example.com")
	assert.Contains(t, out, "u1")
	assert.Contains(t, out, "tok-...abcd")
	assert.Contains(t, out, "whse...6789")
	assert.NotContains(t, out, "tok-0123456789-abcd")
	assert.NotContains(t, out, "whsec-0123456789")
	assert.Equal(t, "tok-0123456789-abcd", cfg.Auth.Token, "caller's config is untouched")

	buf.Reset()
	require.NoError(t, renderConfig(&buf, cfg, true))
	assert.Contains(t, buf.String(), "tok-0123456789-abcd")
	assert.Contains(t, buf.String(), "whsec-0123456789")
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "****", maskKey("short"))
	assert.Equal(t, "abcd...wxyz", maskKey("abcdefghijklmnopqrstuvwxyz"))
}
