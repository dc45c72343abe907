package channel

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"agentdesk/internal/domain"
	"agentdesk/internal/orchestrator"
	"agentdesk/internal/resolver"

	"github.com/google/uuid"
)

const defaultChatApology = "I'm sorry, I'm having trouble responding right now. Please try again in a moment."

// ChatConfig configures the widget and agent-chat endpoints.
type ChatConfig struct {
	Pipeline    Orchestrator
	APIKey      string   // optional bearer key for agent chat
	CORSOrigins []string // "*" allows any origin
	Apology     string
	Logger      *slog.Logger
}

// Chat serves the two JSON chat endpoints. They share the pipeline and
// differ only in payload shape and how upstream failures are reported.
type Chat struct {
	pipeline Orchestrator
	apiKey   string
	origins  []string
	apology  string
	logger   *slog.Logger
}

func NewChat(cfg ChatConfig) *Chat {
	if cfg.Apology == "" {
		cfg.Apology = defaultChatApology
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Chat{
		pipeline: cfg.Pipeline,
		apiKey:   cfg.APIKey,
		origins:  cfg.CORSOrigins,
		apology:  cfg.Apology,
		logger:   cfg.Logger,
	}
}

type widgetRequest struct {
	Message      string `json:"message"`
	ClientID     string `json:"client_id"`
	AgentID      string `json:"agent_id,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

type widgetResponse struct {
	Reply     string `json:"reply"`
	SessionID string `json:"session_id"`
}

// widgetErrorResponse keeps the widget rendering something on upstream
// failure: both reply fields carry the apology.
type widgetErrorResponse struct {
	Error     string `json:"error"`
	Reply     string `json:"reply"`
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
}

type agentChatRequest struct {
	Message   string `json:"message"`
	ClientID  string `json:"client_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type agentChatResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
}

type agentChatErrorResponse struct {
	Error    string `json:"error"`
	Response string `json:"response"`
}

// HandleWidget is POST /api/widget/chat.
func (c *Chat) HandleWidget(rw http.ResponseWriter, r *http.Request) {
	c.setCORS(rw, r)

	var req widgetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	switch {
	case req.Message == "":
		writeError(rw, http.StatusBadRequest, "message is required")
		return
	case req.ClientID == "":
		writeError(rw, http.StatusBadRequest, "client_id is required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	reply, err := c.turn(r.Context(), orchestrator.TurnRequest{
		Lookup: resolver.Lookup{
			ClientID:       req.ClientID,
			AgentID:        req.AgentID,
			PromptOverride: req.SystemPrompt,
		},
		Channel:   domain.ChannelWidget,
		SessionID: req.SessionID,
		Utterance: req.Message,
	})
	if err != nil {
		if status, ok := clientErrorStatus(err); ok {
			writeError(rw, status, err.Error())
			return
		}
		writeJSON(rw, http.StatusOK, widgetErrorResponse{
			Error:     "upstream unavailable",
			Reply:     c.apology,
			Response:  c.apology,
			SessionID: req.SessionID,
		})
		return
	}
	writeJSON(rw, http.StatusOK, widgetResponse{Reply: reply, SessionID: req.SessionID})
}

// HandleWidgetPreflight answers CORS preflight for the widget.
func (c *Chat) HandleWidgetPreflight(rw http.ResponseWriter, r *http.Request) {
	c.setCORS(rw, r)
	rw.WriteHeader(http.StatusNoContent)
}

// HandleAgentChat is POST /api/agents/{agentID}/chat.
func (c *Chat) HandleAgentChat(rw http.ResponseWriter, r *http.Request) {
	if c.apiKey != "" {
		token := bearerToken(r)
		if subtle.ConstantTimeCompare([]byte(token), []byte(c.apiKey)) != 1 {
			writeError(rw, http.StatusUnauthorized, "invalid API key")
			return
		}
	}

	var req agentChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	agentID := r.PathValue("agentID")
	switch {
	case req.Message == "":
		writeError(rw, http.StatusBadRequest, "message is required")
		return
	case agentID == "":
		writeError(rw, http.StatusBadRequest, "agent id is required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	reply, err := c.turn(r.Context(), orchestrator.TurnRequest{
		Lookup:    resolver.Lookup{ClientID: req.ClientID, AgentID: agentID},
		Channel:   domain.ChannelChat,
		SessionID: req.SessionID,
		Utterance: req.Message,
	})
	if err != nil {
		if status, ok := clientErrorStatus(err); ok {
			writeError(rw, status, err.Error())
			return
		}
		writeJSON(rw, http.StatusInternalServerError, agentChatErrorResponse{
			Error:    "upstream unavailable",
			Response: c.apology,
		})
		return
	}
	writeJSON(rw, http.StatusOK, agentChatResponse{Response: reply, SessionID: req.SessionID})
}

func (c *Chat) turn(ctx context.Context, req orchestrator.TurnRequest) (string, error) {
	result, err := c.pipeline.Turn(ctx, req)
	if err != nil {
		level := slog.LevelError
		if _, ok := clientErrorStatus(err); ok {
			level = slog.LevelInfo
		}
		c.logger.Log(ctx, level, "chat turn failed",
			"channel", req.Channel, "session_id", req.SessionID, "err", err)
		return "", err
	}
	return result.Reply.Text, nil
}

// clientErrorStatus maps errors the caller can fix to 4xx.
func clientErrorStatus(err error) (int, bool) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, true
	case errors.Is(err, domain.ErrConfigNotFound):
		return http.StatusNotFound, true
	default:
		return 0, false
	}
}

func (c *Chat) setCORS(rw http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	switch {
	case slices.Contains(c.origins, "*"):
		rw.Header().Set("Access-Control-Allow-Origin", "*")
	case origin != "" && slices.Contains(c.origins, origin):
		rw.Header().Set("Access-Control-Allow-Origin", origin)
		rw.Header().Add("Vary", "Origin")
	default:
		return
	}
	rw.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	rw.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	rw.Header().Set("Access-Control-Max-Age", "86400")
}
