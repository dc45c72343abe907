package channel

import (
	"context"
	"encoding/xml"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"agentdesk/internal/domain"
	"agentdesk/internal/knowledge"
	"agentdesk/internal/metrics"
	"agentdesk/internal/orchestrator"
	"agentdesk/internal/resolver"
	"agentdesk/internal/store"

	"github.com/stretchr/testify/require"
)

const (
	testPublicURL = "https://desk.example.com"
	acmeNumber    = "+18447890436"
	dormantNumber = "+18005550199"
	callerNumber  = "+15550001111"
	testAPIKey    = "sk-default-0123456789abcdef"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubProvider answers every completion with reply, or fails with err.
type stubProvider struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) Complete(_ context.Context, _ domain.CompletionRequest) (*domain.CompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &domain.CompletionResponse{Content: s.reply, Model: "stub"}, nil
}

type stubSynth struct{}

func (stubSynth) Name() string { return "stub-tts" }

func (stubSynth) Synthesize(_ context.Context, text string, _ domain.VoiceConfig) (*domain.Audio, error) {
	return &domain.Audio{Data: []byte("mp3:" + text), ContentType: "audio/mpeg"}, nil
}

type testEnv struct {
	store    *store.SQLiteStore
	provider *stubProvider
	pipeline *orchestrator.Pipeline
	server   *Server
	handler  http.Handler
}

type envOptions struct {
	synth     domain.Synthesizer
	authToken string
	apiKey    string
}

func newTestEnv(t *testing.T, provider *stubProvider, opts envOptions) *testEnv {
	t.Helper()
	logger := testLogger()
	s, err := store.Open(filepath.Join(t.TempDir(), "channel.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	require.NoError(t, s.UpsertClient(ctx, domain.Client{ID: "acme", Name: "Acme Dental"}))
	require.NoError(t, s.UpsertAgent(ctx, domain.Agent{
		ID: "front", ClientID: "acme", IsDefault: true,
		SystemPrompt: "You are the Acme Dental front desk.",
		Greeting:     "Thanks for calling Acme Dental.",
	}))
	require.NoError(t, s.UpsertBinding(ctx, domain.ChannelBinding{
		ID: "acme-main", PhoneNumber: acmeNumber, ClientID: "acme", AgentID: "front",
		IsActive: true, VoiceEnabled: true,
	}))
	require.NoError(t, s.UpsertBinding(ctx, domain.ChannelBinding{
		ID: "acme-old", PhoneNumber: dormantNumber, ClientID: "acme", AgentID: "front",
		IsActive: false, VoiceEnabled: true,
	}))

	engine := knowledge.NewEngine(knowledge.EngineConfig{Store: s, Logger: logger})
	_, err = engine.AddText(ctx, "acme", "Opening hours", "We are open Monday to Friday from 9am to 5pm.")
	require.NoError(t, err)

	p := orchestrator.NewPipeline(orchestrator.PipelineConfig{
		Resolver: resolver.New(resolver.Config{
			Store:         s,
			DefaultAPIKey: testAPIKey,
			KeyPrefix:     "sk-",
			MinKeyLength:  20,
			DefaultPrompt: "You are a helpful assistant.",
			DefaultVoice:  domain.VoiceConfig{Language: "en-US", SayVoice: "Polly.Joanna"},
			Logger:        logger,
		}),
		Retriever:   knowledge.NewRetriever(knowledge.RetrieverConfig{Store: s, Logger: logger}),
		Generator:   orchestrator.NewGenerator(orchestrator.GeneratorConfig{Provider: provider, Logger: logger}),
		Tracker:     orchestrator.NewTracker(orchestrator.TrackerConfig{Store: s, Logger: logger}),
		Synthesizer: opts.synth,
		Audio:       s,
		Logger:      logger,
	})

	srv := NewServer(ServerConfig{
		Voice: NewVoice(VoiceConfig{
			Pipeline:      p,
			Audio:         s,
			PublicURL:     testPublicURL,
			MaxEmptyTurns: 3,
			AuthToken:     opts.authToken,
			Logger:        logger,
		}),
		Chat: NewChat(ChatConfig{
			Pipeline:    p,
			APIKey:      opts.apiKey,
			CORSOrigins: []string{"https://shop.example.com"},
			Apology:     "Sorry, please try again.",
			Logger:      logger,
		}),
		Health:  s,
		Metrics: metrics.Collector.Handler(),
		Audio:   s,
		Logger:  logger,
	})
	return &testEnv{store: s, provider: provider, pipeline: p, server: srv, handler: srv.Handler()}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) conversationCount(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, e.store.DB().QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&n))
	return n
}

func voiceForm(to, callSid, speech string) url.Values {
	form := url.Values{
		"From":       {callerNumber},
		"To":         {to},
		"CallSid":    {callSid},
		"CallStatus": {"in-progress"},
	}
	if speech != "" {
		form.Set("SpeechResult", speech)
	}
	return form
}

func voiceRequest(target string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// twimlShape lists every element as its path from the root, in document
// order, e.g. "Response>Gather>Say".
func twimlShape(t *testing.T, body string) []string {
	t.Helper()
	dec := xml.NewDecoder(strings.NewReader(body))
	var stack, out []string
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		require.NoError(t, err, "malformed TwiML: %s", body)
		switch el := tok.(type) {
		case xml.StartElement:
			stack = append(stack, el.Name.Local)
			out = append(out, strings.Join(stack, ">"))
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		}
	}
	return out
}

type parsedTwiML struct {
	Gather *struct {
		Input         string `xml:"input,attr"`
		Action        string `xml:"action,attr"`
		Method        string `xml:"method,attr"`
		Timeout       int    `xml:"timeout,attr"`
		SpeechTimeout string `xml:"speechTimeout,attr"`
		Language      string `xml:"language,attr"`
		Say           string `xml:"Say"`
		Play          string `xml:"Play"`
	} `xml:"Gather"`
	Say      string    `xml:"Say"`
	Redirect string    `xml:"Redirect"`
	Hangup   *struct{} `xml:"Hangup"`
}

func parseTwiML(t *testing.T, body string) parsedTwiML {
	t.Helper()
	var p parsedTwiML
	require.NoError(t, xml.Unmarshal([]byte(body), &p))
	return p
}
