package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"agentdesk/internal/domain"
	"agentdesk/internal/knowledge"
	"agentdesk/internal/metrics"
	"agentdesk/internal/resolver"
	"agentdesk/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	acmePhone  = "+18447890436"
	defaultKey = "sk-default-0123456789abcdef"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSynth struct {
	mu    sync.Mutex
	err   error
	texts []string
}

func (f *fakeSynth) Name() string { return "fake-tts" }

func (f *fakeSynth) Synthesize(_ context.Context, text string, _ domain.VoiceConfig) (*domain.Audio, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Audio{Data: []byte("ID3" + text), ContentType: "audio/mpeg"}, nil
}

type fixture struct {
	pipeline *Pipeline
	store    *store.SQLiteStore
	provider *fakeProvider
}

func newFixture(t *testing.T, fp *fakeProvider, synth domain.Synthesizer) *fixture {
	t.Helper()
	logger := testLogger()
	s, err := store.Open(filepath.Join(t.TempDir(), "pipeline.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	require.NoError(t, s.UpsertClient(ctx, domain.Client{ID: "acme", Name: "Acme Dental"}))
	require.NoError(t, s.UpsertAgent(ctx, domain.Agent{
		ID: "front", ClientID: "acme", IsDefault: true, SystemPrompt: "You are the Acme Dental front desk.",
	}))
	require.NoError(t, s.UpsertBinding(ctx, domain.ChannelBinding{
		ID: "acme:" + acmePhone, PhoneNumber: acmePhone, ClientID: "acme", AgentID: "front",
		IsActive: true, VoiceEnabled: true,
	}))
	require.NoError(t, s.UpsertClient(ctx, domain.Client{ID: "globex", Name: "Globex"}))
	require.NoError(t, s.UpsertAgent(ctx, domain.Agent{ID: "g", ClientID: "globex", IsDefault: true}))

	engine := knowledge.NewEngine(knowledge.EngineConfig{Store: s, Logger: logger})
	_, err = engine.AddText(ctx, "acme", "Opening hours", "We are open Monday to Friday from 9am to 5pm.")
	require.NoError(t, err)
	_, err = engine.AddText(ctx, "globex", "Opening hours", "Globex is open around the clock, 24/7.")
	require.NoError(t, err)

	p := NewPipeline(PipelineConfig{
		Resolver: resolver.New(resolver.Config{
			Store:         s,
			DefaultAPIKey: defaultKey,
			KeyPrefix:     "sk-",
			MinKeyLength:  20,
			DefaultPrompt: "You are a helpful assistant.",
			Logger:        logger,
		}),
		Retriever:   knowledge.NewRetriever(knowledge.RetrieverConfig{Store: s, Logger: logger}),
		Generator:   NewGenerator(GeneratorConfig{Provider: fp, Logger: logger}),
		Tracker:     NewTracker(TrackerConfig{Store: s, Logger: logger}),
		Synthesizer: synth,
		Audio:       s,
		Logger:      logger,
	})
	return &fixture{pipeline: p, store: s, provider: fp}
}

func (f *fixture) messages(t *testing.T, conversationID string) []domain.Message {
	t.Helper()
	msgs, err := f.store.RecentMessages(context.Background(), conversationID, 100)
	require.NoError(t, err)
	return msgs
}

func (f *fixture) conversationCount(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, f.store.DB().QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&n))
	return n
}

func voiceTurn(utterance string) TurnRequest {
	return TurnRequest{
		Lookup:        resolver.Lookup{PhoneNumber: "+1 844 789 0436"},
		Channel:       domain.ChannelVoice,
		CallerAddress: "+15550001111",
		SessionID:     "CA123",
		Utterance:     utterance,
	}
}

func TestTurn_VoiceHoursScenario(t *testing.T) {
	synth := &fakeSynth{}
	f := newFixture(t, &fakeProvider{reply: "We're open 9 to 5 on weekdays."}, synth)

	res, err := f.pipeline.Turn(context.Background(), voiceTurn("what are your hours"))
	require.NoError(t, err)

	assert.Equal(t, "acme", res.Resolved.Client.ID)
	assert.Equal(t, 1, res.Chunks)
	assert.Equal(t, "We're open 9 to 5 on weekdays.", res.Reply.Text)

	system := f.provider.last().Messages[0].Content
	assert.Contains(t, system, "Acme Dental front desk")
	assert.Contains(t, system, "9am to 5pm")
	assert.Contains(t, system, knowledgeInstruction)
	assert.NotContains(t, system, "Globex")
	assert.Equal(t, defaultKey, f.provider.last().APIKey)

	require.NotNil(t, res.Clip)
	clip, err := f.store.GetAudio(context.Background(), res.Clip.ID)
	require.NoError(t, err)
	require.NotNil(t, clip)
	assert.Equal(t, "audio/mpeg", clip.ContentType)
	assert.Equal(t, res.Conversation.ID, clip.ConversationID)

	msgs := f.messages(t, res.Conversation.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, "what are your hours", msgs[0].Content)
	assert.Equal(t, domain.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "voice", msgs[1].Metadata["channel"])
	assert.Equal(t, "CA123", msgs[1].Metadata["session_id"])
}

func TestTurn_SameCallReusesConversation(t *testing.T) {
	f := newFixture(t, &fakeProvider{reply: "Sure."}, nil)
	ctx := context.Background()

	first, err := f.pipeline.Turn(ctx, voiceTurn("hello"))
	require.NoError(t, err)
	second, err := f.pipeline.Turn(ctx, voiceTurn("are you open saturday"))
	require.NoError(t, err)

	assert.Equal(t, first.Conversation.ID, second.Conversation.ID)
	assert.Equal(t, 1, f.conversationCount(t))

	// history precedes the new utterance: system, user, assistant, user
	msgs := f.provider.last().Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, "hello", msgs[1].Content)
	assert.Equal(t, "Sure.", msgs[2].Content)
	assert.Equal(t, "are you open saturday", msgs[3].Content)
}

func TestTracker_HistoryLimit(t *testing.T) {
	f := newFixture(t, &fakeProvider{reply: "ok"}, nil)
	ctx := context.Background()
	key := domain.ConversationKey{ClientID: "acme", Channel: domain.ChannelChat, ExternalSessionID: "w-1"}

	zero, two := 0, 2
	tests := []struct {
		name  string
		limit *int
		want  int
	}{
		{"unset uses default", nil, 3},
		{"zero disables history", &zero, 0},
		{"explicit limit", &two, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewTracker(TrackerConfig{Store: f.store, HistoryLimit: tt.limit, Logger: testLogger()})
			conv, err := tracker.Open(ctx, key)
			require.NoError(t, err)
			if len(f.messages(t, conv.ID)) == 0 {
				for _, text := range []string{"one", "two", "three"} {
					require.NoError(t, tracker.RecordUser(ctx, conv, text))
				}
			}

			history, err := tracker.History(ctx, conv.ID)
			require.NoError(t, err)
			assert.Len(t, history, tt.want)
		})
	}

	zeroTracker := NewTracker(TrackerConfig{Store: f.store, HistoryLimit: &zero, Logger: testLogger()})
	p := NewPipeline(PipelineConfig{
		Resolver:  resolver.New(resolver.Config{Store: f.store, DefaultAPIKey: defaultKey, KeyPrefix: "sk-", MinKeyLength: 20, Logger: testLogger()}),
		Retriever: knowledge.NewRetriever(knowledge.RetrieverConfig{Store: f.store, Logger: testLogger()}),
		Generator: NewGenerator(GeneratorConfig{Provider: f.provider, Logger: testLogger()}),
		Tracker:   zeroTracker,
		Logger:    testLogger(),
	})
	for _, u := range []string{"hello", "are you open saturday"} {
		_, err := p.Turn(ctx, voiceTurn(u))
		require.NoError(t, err)
	}
	msgs := f.provider.last().Messages
	require.Len(t, msgs, 2, "system and the new utterance only")
	assert.Equal(t, "are you open saturday", msgs[1].Content)
}

func TestTurn_SpeechFailureFallsBack(t *testing.T) {
	synth := &fakeSynth{err: errors.New("elevenlabs 503")}
	f := newFixture(t, &fakeProvider{reply: "Hello there."}, synth)
	before := metrics.TTSFallbackTotal.Value()

	res, err := f.pipeline.Turn(context.Background(), voiceTurn("hi"))
	require.NoError(t, err)
	assert.Nil(t, res.Clip)
	assert.Equal(t, "Hello there.", res.Reply.Text)
	assert.Equal(t, before+1, metrics.TTSFallbackTotal.Value())
}

func TestTurn_NoSynthesizer(t *testing.T) {
	f := newFixture(t, &fakeProvider{reply: "Hi."}, nil)
	assert.False(t, f.pipeline.SpeechEnabled())

	res, err := f.pipeline.Turn(context.Background(), voiceTurn("hi"))
	require.NoError(t, err)
	assert.Nil(t, res.Clip)
}

func TestTurn_WidgetByClient(t *testing.T) {
	f := newFixture(t, &fakeProvider{reply: "24/7."}, &fakeSynth{})

	res, err := f.pipeline.Turn(context.Background(), TurnRequest{
		Lookup:    resolver.Lookup{ClientID: "globex"},
		Channel:   domain.ChannelWidget,
		SessionID: "w-1",
		Utterance: "opening hours?",
	})
	require.NoError(t, err)
	assert.Equal(t, "g", res.Resolved.Agent.ID)
	assert.Nil(t, res.Clip, "chat channels are never synthesized")

	system := f.provider.last().Messages[0].Content
	assert.Contains(t, system, "24/7")
	assert.NotContains(t, system, "9am to 5pm")
}

func TestTurn_UpstreamFailureKeepsUserMessage(t *testing.T) {
	f := newFixture(t, &fakeProvider{err: errors.New("status 500")}, nil)

	res, err := f.pipeline.Turn(context.Background(), TurnRequest{
		Lookup:    resolver.Lookup{AgentID: "front"},
		Channel:   domain.ChannelChat,
		SessionID: "s-1",
		Utterance: "hello",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	require.NotNil(t, res)
	require.NotNil(t, res.Conversation)
	assert.Nil(t, res.Reply)

	msgs := f.messages(t, res.Conversation.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
}

func TestTurn_NotConfigured(t *testing.T) {
	f := newFixture(t, &fakeProvider{reply: "x"}, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  TurnRequest
	}{
		{"unknown number", TurnRequest{Lookup: resolver.Lookup{PhoneNumber: "+19990000000"}, Channel: domain.ChannelVoice, SessionID: "CA9", Utterance: "hi"}},
		{"agent of another client", TurnRequest{Lookup: resolver.Lookup{ClientID: "globex", AgentID: "front"}, Channel: domain.ChannelWidget, SessionID: "w", Utterance: "hi"}},
		{"unknown client", TurnRequest{Lookup: resolver.Lookup{ClientID: "initech"}, Channel: domain.ChannelWidget, SessionID: "w", Utterance: "hi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.pipeline.Turn(ctx, tt.req)
			assert.ErrorIs(t, err, domain.ErrConfigNotFound)
			assert.Nil(t, res)
		})
	}
	assert.Equal(t, 0, f.conversationCount(t))
	assert.Equal(t, 0, f.provider.count())
}

func TestTurn_EmptyUtterance(t *testing.T) {
	f := newFixture(t, &fakeProvider{reply: "x"}, nil)

	_, err := f.pipeline.Turn(context.Background(), voiceTurn("   "))
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, 0, f.conversationCount(t))
}

func TestStartAndEndCall(t *testing.T) {
	f := newFixture(t, &fakeProvider{reply: "x"}, nil)
	ctx := context.Background()

	req := voiceTurn("")
	res, conv, err := f.pipeline.Start(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "front", res.Agent.ID)
	assert.Equal(t, domain.StatusActive, conv.Status)

	require.NoError(t, f.pipeline.EndCall(ctx, req))
	got, err := f.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEnded, got.Status)

	// ending again, or a call that never opened a conversation, is a no-op
	require.NoError(t, f.pipeline.EndCall(ctx, req))
	other := voiceTurn("")
	other.SessionID = "CA-never-seen"
	require.NoError(t, f.pipeline.EndCall(ctx, other))
	unknown := voiceTurn("")
	unknown.Lookup.PhoneNumber = "+19990000000"
	require.NoError(t, f.pipeline.EndCall(ctx, unknown))

	assert.Equal(t, 1, f.conversationCount(t))
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", outcome(nil))
	assert.Equal(t, "invalid", outcome(domain.ErrValidation))
	assert.Equal(t, "not_configured", outcome(domain.ErrConfigNotFound))
	assert.Equal(t, "upstream_error", outcome(errors.Join(errors.New("x"), domain.ErrUpstreamUnavailable)))
	assert.Equal(t, "error", outcome(errors.New("disk full")))
}
