package resolver

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"agentdesk/internal/domain"
	"agentdesk/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const defaultKey = "sk-default-0123456789abcdef"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestResolver(t *testing.T) (*Resolver, *store.SQLiteStore) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "r.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	require.NoError(t, s.UpsertClient(ctx, domain.Client{ID: "acme", Name: "Acme"}))
	require.NoError(t, s.UpsertAgent(ctx, domain.Agent{
		ID: "a", ClientID: "acme", SystemPrompt: "You are Acme support.", IsDefault: true,
		Voice: domain.VoiceConfig{Language: "en-GB"},
	}))
	require.NoError(t, s.UpsertAgent(ctx, domain.Agent{ID: "bad", ClientID: "acme", APIKey: "bad-key"}))
	require.NoError(t, s.UpsertAgent(ctx, domain.Agent{ID: "own", ClientID: "acme", APIKey: "sk-own-key-0123456789abc"}))
	require.NoError(t, s.UpsertBinding(ctx, domain.ChannelBinding{
		ID: "b1", PhoneNumber: "+18447890436", ClientID: "acme", AgentID: "a", IsActive: true, VoiceEnabled: true,
	}))

	require.NoError(t, s.UpsertClient(ctx, domain.Client{ID: "globex", Name: "Globex"}))
	require.NoError(t, s.UpsertAgent(ctx, domain.Agent{ID: "g", ClientID: "globex"}))

	r := New(Config{
		Store:               s,
		DefaultAPIKey:       defaultKey,
		KeyPrefix:           "sk-",
		MinKeyLength:        20,
		DefaultPrompt:       "You are a helpful assistant.",
		AllowPromptOverride: true,
		DefaultVoice:        domain.VoiceConfig{VoiceID: "rachel", Language: "en-US", Speed: 1, SayVoice: "Polly.Joanna"},
		Logger:              testLogger(),
	})
	return r, s
}

func TestResolveByPhone(t *testing.T) {
	r, _ := newTestResolver(t)

	res, err := r.ResolveByPhone(context.Background(), "+1 (844) 789-0436")
	require.NoError(t, err)
	assert.Equal(t, "acme", res.Client.ID)
	assert.Equal(t, "a", res.Agent.ID)
	assert.Equal(t, "You are Acme support.", res.SystemPrompt)
	assert.Equal(t, SourceAgent, res.PromptSource)
	assert.Equal(t, defaultKey, res.APIKey)
	assert.Equal(t, SourceDefault, res.KeySource)
	assert.Equal(t, domain.VoiceConfig{VoiceID: "rachel", Language: "en-GB", Speed: 1, SayVoice: "Polly.Joanna"}, res.Voice)
}

func TestResolveByPhone_NotConfigured(t *testing.T) {
	r, s := newTestResolver(t)
	ctx := context.Background()

	_, err := r.ResolveByPhone(ctx, "+15550000000")
	assert.ErrorIs(t, err, domain.ErrConfigNotFound)

	_, err = r.ResolveByPhone(ctx, "")
	assert.ErrorIs(t, err, domain.ErrConfigNotFound)

	require.NoError(t, s.UpsertBinding(ctx, domain.ChannelBinding{
		ID: "b1", PhoneNumber: "+18447890436", ClientID: "acme", AgentID: "a", IsActive: false, VoiceEnabled: true,
	}))
	_, err = r.ResolveByPhone(ctx, "+18447890436")
	assert.ErrorIs(t, err, domain.ErrConfigNotFound)
}

func TestResolveByAgent(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	res, err := r.ResolveByAgent(ctx, "acme", "")
	require.NoError(t, err)
	assert.Equal(t, "a", res.Agent.ID)

	res, err = r.ResolveByAgent(ctx, "", "g")
	require.NoError(t, err)
	assert.Equal(t, "globex", res.Client.ID)
	assert.Equal(t, "You are a helpful assistant.", res.SystemPrompt)
	assert.Equal(t, SourceDefault, res.PromptSource)

	_, err = r.ResolveByAgent(ctx, "acme", "g")
	assert.ErrorIs(t, err, domain.ErrConfigNotFound, "agent of another client")

	_, err = r.ResolveByAgent(ctx, "globex", "")
	assert.ErrorIs(t, err, domain.ErrConfigNotFound, "no default agent")

	_, err = r.ResolveByAgent(ctx, "", "missing")
	assert.ErrorIs(t, err, domain.ErrConfigNotFound)

	_, err = r.ResolveByAgent(ctx, "", "")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestResolve_KeyPrecedence(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	bad, err := r.Resolve(ctx, Lookup{AgentID: "bad"})
	require.NoError(t, err)
	assert.Equal(t, defaultKey, bad.APIKey, "malformed agent key must fall back")
	assert.Equal(t, SourceDefault, bad.KeySource)
	assert.NotEqual(t, "bad-key", bad.APIKey)

	own, err := r.Resolve(ctx, Lookup{AgentID: "own"})
	require.NoError(t, err)
	assert.Equal(t, "sk-own-key-0123456789abc", own.APIKey)
	assert.Equal(t, SourceAgent, own.KeySource)
}

func TestResolve_NoKeyAnywhere(t *testing.T) {
	r, _ := newTestResolver(t)
	r.defaultKey = ""
	res, err := r.Resolve(context.Background(), Lookup{AgentID: "bad"})
	require.NoError(t, err)
	assert.Empty(t, res.APIKey)
	assert.Equal(t, SourceNone, res.KeySource)
}

func TestResolve_PromptOverride(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	res, err := r.Resolve(ctx, Lookup{ClientID: "acme", PromptOverride: "Be a pirate."})
	require.NoError(t, err)
	assert.Equal(t, "Be a pirate.", res.SystemPrompt)
	assert.Equal(t, SourceOverride, res.PromptSource)

	r.allowOverride = false
	res, err = r.Resolve(ctx, Lookup{ClientID: "acme", PromptOverride: "Be a pirate."})
	require.NoError(t, err)
	assert.Equal(t, "You are Acme support.", res.SystemPrompt)
}

func TestValidKey(t *testing.T) {
	r := New(Config{KeyPrefix: "sk-", MinKeyLength: 20})
	tests := []struct {
		key  string
		want bool
	}{
		{"", false},
		{"bad-key", false},
		{"sk-short", false},
		{"sk-0123456789abcdefghij", true},
		{"sk-0123456789 abcdefghij", false},
		{"pk-0123456789abcdefghij", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.ValidKey(tt.key), "key %q", tt.key)
	}
}
