package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"

	"agentdesk/internal/domain"
	"agentdesk/internal/metrics"
	"agentdesk/internal/orchestrator"
	"agentdesk/internal/resolver"
	"agentdesk/internal/trace"
)

// CallState is the outcome of one webhook invocation. The call itself keeps
// no in-process state between invocations: the conversation lives in the
// store keyed by CallSid and the empty-turn count travels in the redirect URL.
type CallState string

const (
	StateAwaitingInput CallState = "AWAITING_INPUT"
	StateProcessing    CallState = "PROCESSING"
	StateResponded     CallState = "RESPONDED"
	StateTerminal      CallState = "TERMINAL"
)

// AudioPathPrefix serves stored clips referenced from <Play>.
const AudioPathPrefix = "/voice/audio/"

var terminalStatuses = map[string]bool{
	"completed": true,
	"canceled":  true,
	"failed":    true,
	"busy":      true,
	"no-answer": true,
}

// Orchestrator is the part of the pipeline the channel adapters drive.
type Orchestrator interface {
	Start(ctx context.Context, req orchestrator.TurnRequest) (*resolver.Resolved, *domain.Conversation, error)
	Turn(ctx context.Context, req orchestrator.TurnRequest) (*orchestrator.TurnResult, error)
	EndCall(ctx context.Context, req orchestrator.TurnRequest) error
	End(ctx context.Context, conversationID string) error
}

// VoiceConfig configures the telephony webhook.
type VoiceConfig struct {
	Pipeline      Orchestrator
	Audio         domain.AudioStore
	PublicURL     string // externally reachable base, e.g. https://desk.example.com
	WebhookPath   string // default: /voice/webhook
	Language      string
	SayVoice      string
	GatherTimeout int // seconds of silence before the gather ends (default: 5)
	MaxEmptyTurns int // consecutive silent turns before hanging up (default: 3)
	Greeting      string
	Reprompt      string
	Goodbye       string
	NotConfigured string
	Apology       string
	AuthToken     string // enables request signature validation
	Logger        *slog.Logger
}

// Voice implements the telephony webhook state machine.
type Voice struct {
	pipeline      Orchestrator
	audio         domain.AudioStore
	publicURL     string
	webhookPath   string
	language      string
	sayVoice      string
	gatherTimeout int
	maxEmptyTurns int
	greeting      string
	reprompt      string
	goodbye       string
	notConfigured string
	apology       string
	authToken     string
	logger        *slog.Logger
}

func NewVoice(cfg VoiceConfig) *Voice {
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = "/voice/webhook"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = 5
	}
	if cfg.MaxEmptyTurns <= 0 {
		cfg.MaxEmptyTurns = 3
	}
	if cfg.Greeting == "" {
		cfg.Greeting = "Hello! How can I help you today?"
	}
	if cfg.Reprompt == "" {
		cfg.Reprompt = "Sorry, I didn't catch that. How can I help?"
	}
	if cfg.Goodbye == "" {
		cfg.Goodbye = "Thanks for calling. Goodbye!"
	}
	if cfg.NotConfigured == "" {
		cfg.NotConfigured = "Sorry, this number is not configured yet. Goodbye."
	}
	if cfg.Apology == "" {
		cfg.Apology = "I'm sorry, we're having technical difficulties right now. Please call back later. Goodbye."
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Voice{
		pipeline:      cfg.Pipeline,
		audio:         cfg.Audio,
		publicURL:     strings.TrimRight(cfg.PublicURL, "/"),
		webhookPath:   cfg.WebhookPath,
		language:      cfg.Language,
		sayVoice:      cfg.SayVoice,
		gatherTimeout: cfg.GatherTimeout,
		maxEmptyTurns: cfg.MaxEmptyTurns,
		greeting:      cfg.Greeting,
		reprompt:      cfg.Reprompt,
		goodbye:       cfg.Goodbye,
		notConfigured: cfg.NotConfigured,
		apology:       cfg.Apology,
		authToken:     cfg.AuthToken,
		logger:        cfg.Logger,
	}
}

func (v *Voice) WebhookPath() string { return v.webhookPath }

// callParams is the parsed webhook form.
type callParams struct {
	From       string
	To         string
	CallSid    string
	Speech     string
	Digits     string
	Status     string
	Attempt    int
	HasAttempt bool
}

func parseCall(r *http.Request) callParams {
	c := callParams{
		From:    r.PostFormValue("From"),
		To:      r.PostFormValue("To"),
		CallSid: r.PostFormValue("CallSid"),
		Speech:  strings.TrimSpace(r.PostFormValue("SpeechResult")),
		Digits:  strings.TrimSpace(r.PostFormValue("Digits")),
		Status:  strings.ToLower(r.PostFormValue("CallStatus")),
	}
	if raw := r.URL.Query().Get("attempt"); raw != "" {
		c.HasAttempt = true
		c.Attempt, _ = strconv.Atoi(raw)
	}
	return c
}

func (c callParams) utterance() string {
	if c.Speech != "" {
		return c.Speech
	}
	return c.Digits
}

func (c callParams) turn() orchestrator.TurnRequest {
	return orchestrator.TurnRequest{
		Lookup:        resolver.Lookup{PhoneNumber: c.To},
		Channel:       domain.ChannelVoice,
		CallerAddress: domain.NormalizePhone(c.From),
		SessionID:     c.CallSid,
		Utterance:     c.utterance(),
	}
}

// HandleWebhook answers every invocation with 200 and a TwiML document,
// including on errors and panics. The only non-TwiML answer is a rejected
// signature.
func (v *Voice) HandleWebhook(rw http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(rw, r.Body, maxBodySize)
	if err := r.ParseForm(); err != nil {
		v.logger.Warn("voice webhook: bad form", "err", err)
		v.write(rw, v.hangupWith(v.apology, "", ""))
		metrics.WebhookCalls(string(StateTerminal)).Inc()
		return
	}

	if v.authToken != "" {
		fullURL := requestURL(r, v.publicURL)
		if !verifySignature(v.authToken, fullURL, r.PostForm, r.Header.Get(SignatureHeader)) {
			v.logger.Warn("voice webhook: invalid signature", "url", fullURL, "remote", r.RemoteAddr)
			http.Error(rw, "invalid signature", http.StatusForbidden)
			return
		}
	}

	call := parseCall(r)
	ctx, span := trace.StartSpan(r.Context(), trace.SpanWebhook)
	defer span.End()

	state := StateTerminal
	var resp *Response
	defer func() {
		if p := recover(); p != nil {
			v.logger.Error("voice webhook panic", "call_sid", call.CallSid, "panic", p, "stack", string(debug.Stack()))
			trace.RecordError(span, fmt.Errorf("panic: %v", p))
			state, resp = StateTerminal, v.hangupWith(v.apology, "", "")
		}
		span.SetAttributes(trace.AttrCallState.String(string(state)))
		metrics.WebhookCalls(string(state)).Inc()
		v.write(rw, resp)
	}()

	state, resp = v.transition(ctx, call)
	v.logger.Debug("voice webhook",
		"call_sid", call.CallSid,
		"status", call.Status,
		"attempt", call.Attempt,
		"has_input", call.utterance() != "",
		"state", state,
	)
}

// transition computes one step of the call state machine.
func (v *Voice) transition(ctx context.Context, c callParams) (CallState, *Response) {
	req := c.turn()

	if terminalStatuses[c.Status] {
		if err := v.pipeline.EndCall(ctx, req); err != nil {
			v.logger.Warn("end call failed", "call_sid", c.CallSid, "err", err)
		}
		return StateTerminal, &Response{}
	}

	if req.Utterance == "" {
		switch {
		case !c.HasAttempt:
			return v.greet(ctx, req)
		case c.Attempt >= v.maxEmptyTurns:
			if err := v.pipeline.EndCall(ctx, req); err != nil {
				v.logger.Warn("end call failed", "call_sid", c.CallSid, "err", err)
			}
			return StateTerminal, v.hangupWith(v.goodbye, "", "")
		default:
			say := v.say(v.reprompt, "", "")
			return StateAwaitingInput, v.gatherThenRedirect(c.Attempt+1, "", say)
		}
	}

	result, err := v.pipeline.Turn(ctx, req)
	if err != nil {
		return v.fail(ctx, c, result, err)
	}

	voice := result.Resolved.Voice
	var speech any
	if result.Clip != nil {
		speech = Play{URL: v.audioURL(result.Clip.ID)}
	} else {
		speech = v.say(result.Reply.Text, voice.SayVoice, voice.Language)
	}
	return StateResponded, v.gatherThenRedirect(1, voice.Language, speech)
}

// greet opens the conversation and speaks the greeting. Unknown numbers hang
// up without creating a conversation.
func (v *Voice) greet(ctx context.Context, req orchestrator.TurnRequest) (CallState, *Response) {
	res, _, err := v.pipeline.Start(ctx, req)
	if err != nil {
		return v.fail(ctx, callParams{CallSid: req.SessionID}, nil, err)
	}

	greeting := v.greeting
	if res.Agent.Greeting != "" {
		greeting = res.Agent.Greeting
	}
	say := v.say(greeting, res.Voice.SayVoice, res.Voice.Language)
	return StateAwaitingInput, v.gatherThenRedirect(1, res.Voice.Language, say)
}

func (v *Voice) fail(ctx context.Context, c callParams, result *orchestrator.TurnResult, err error) (CallState, *Response) {
	if errors.Is(err, domain.ErrConfigNotFound) {
		v.logger.Info("call to unconfigured number", "call_sid", c.CallSid, "err", err)
		return StateTerminal, v.hangupWith(v.notConfigured, "", "")
	}

	v.logger.Error("voice turn failed", "call_sid", c.CallSid, "err", err)
	if result != nil && result.Conversation != nil {
		if endErr := v.pipeline.End(ctx, result.Conversation.ID); endErr != nil {
			v.logger.Warn("end conversation failed", "conversation_id", result.Conversation.ID, "err", endErr)
		}
	}
	return StateTerminal, v.hangupWith(v.apology, "", "")
}

func (v *Voice) say(text, voice, language string) Say {
	if voice == "" {
		voice = v.sayVoice
	}
	if language == "" {
		language = v.language
	}
	return Say{Voice: voice, Language: language, Text: text}
}

func (v *Voice) hangupWith(text, voice, language string) *Response {
	return (&Response{}).Add(v.say(text, voice, language), Hangup{})
}

// gatherThenRedirect wraps prompt in a Gather. When the caller stays silent
// the provider falls through to the Redirect carrying the next attempt.
func (v *Voice) gatherThenRedirect(attempt int, language string, prompt any) *Response {
	if language == "" {
		language = v.language
	}
	next := v.webhookURL(attempt)
	return (&Response{}).Add(
		Gather{
			Input:         "speech dtmf",
			Action:        next,
			Method:        http.MethodPost,
			Timeout:       v.gatherTimeout,
			SpeechTimeout: "auto",
			Language:      language,
			Verbs:         []any{prompt},
		},
		Redirect{Method: http.MethodPost, URL: next},
	)
}

func (v *Voice) webhookURL(attempt int) string {
	return withAttempt(v.publicURL+v.webhookPath, attempt)
}

func (v *Voice) audioURL(id string) string {
	return v.publicURL + AudioPathPrefix + id
}

func (v *Voice) write(rw http.ResponseWriter, resp *Response) {
	if resp == nil {
		resp = v.hangupWith(v.apology, "", "")
	}
	body, err := resp.Render()
	if err != nil {
		v.logger.Error("render twiml", "err", err)
		body = []byte(emptyResponse)
	}
	rw.Header().Set("Content-Type", "text/xml; charset=utf-8")
	rw.WriteHeader(http.StatusOK)
	rw.Write(body)
}

// HandleAudio streams a stored clip for <Play>.
func (v *Voice) HandleAudio(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" || v.audio == nil {
		http.NotFound(rw, r)
		return
	}
	clip, err := v.audio.GetAudio(r.Context(), id)
	if err != nil {
		v.logger.Error("load audio clip", "id", id, "err", err)
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}
	if clip == nil {
		http.NotFound(rw, r)
		return
	}
	rw.Header().Set("Content-Type", clip.ContentType)
	rw.Header().Set("Content-Length", strconv.Itoa(len(clip.Data)))
	rw.Header().Set("Cache-Control", "private, max-age=3600")
	rw.WriteHeader(http.StatusOK)
	rw.Write(clip.Data)
}
