package main

import (
	"log/slog"
	"net/http"
	"time"

	"agentdesk/internal/channel"
	"agentdesk/internal/config"
	"agentdesk/internal/domain"
	"agentdesk/internal/knowledge"
	"agentdesk/internal/metrics"
	"agentdesk/internal/orchestrator"
	"agentdesk/internal/provider"
	"agentdesk/internal/resolver"
	"agentdesk/internal/store"
)

// app is the fully wired service.
type app struct {
	pipeline *orchestrator.Pipeline
	server   *channel.Server
}

func millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

func newApp(cfg *config.Config, st *store.SQLiteStore, logger *slog.Logger) (*app, error) {
	p, err := newPipeline(cfg, st, logger)
	if err != nil {
		return nil, err
	}

	voice := channel.NewVoice(channel.VoiceConfig{
		Pipeline:      p,
		Audio:         st,
		PublicURL:     cfg.Server.PublicURL,
		WebhookPath:   cfg.Voice.WebhookPath,
		Language:      cfg.Voice.Language,
		SayVoice:      cfg.Voice.SayVoice,
		GatherTimeout: cfg.Voice.GatherTimeoutSeconds,
		MaxEmptyTurns: cfg.Voice.MaxEmptyTurns,
		Greeting:      cfg.Voice.Greeting,
		Reprompt:      cfg.Voice.Reprompt,
		Goodbye:       cfg.Voice.Goodbye,
		NotConfigured: cfg.Voice.NotConfigured,
		Apology:       cfg.Voice.Apology,
		AuthToken:     cfg.Voice.AuthToken,
		Logger:        logger.With("channel", "voice"),
	})
	if cfg.Voice.AuthToken == "" {
		logger.Warn("voice webhook signature validation disabled (no auth token)")
	}

	chat := channel.NewChat(channel.ChatConfig{
		Pipeline:    p,
		APIKey:      cfg.Server.APIKey,
		CORSOrigins: cfg.Server.CORSOrigins,
		Apology:     cfg.Persona.ChatApology,
		Logger:      logger.With("channel", "chat"),
	})

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = metrics.Collector.Handler()
	}

	server := channel.NewServer(channel.ServerConfig{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		Voice:          voice,
		Chat:           chat,
		Health:         st,
		Metrics:        metricsHandler,
		MetricsPath:    cfg.Metrics.Endpoint,
		Audio:          st,
		AudioRetention: time.Duration(cfg.Store.AudioRetentionHours) * time.Hour,
		Logger:         logger,
	})

	return &app{pipeline: p, server: server}, nil
}

func newPipeline(cfg *config.Config, st *store.SQLiteStore, logger *slog.Logger) (*orchestrator.Pipeline, error) {
	completion := provider.NewCompletionFromConfig(cfg.Completion, logger)
	synth, err := provider.NewSynthesizerFromConfig(cfg.Speech, logger)
	if err != nil {
		return nil, err
	}

	res := resolver.New(resolver.Config{
		Store:               st,
		DefaultAPIKey:       cfg.Completion.APIKey,
		KeyPrefix:           cfg.Completion.KeyPrefix,
		MinKeyLength:        cfg.Completion.MinKeyLength,
		DefaultPrompt:       cfg.Persona.DefaultPrompt,
		AllowPromptOverride: cfg.Persona.AllowPromptOverride,
		DefaultVoice: domain.VoiceConfig{
			VoiceID:  cfg.Speech.DefaultVoiceID,
			Language: cfg.Voice.Language,
			Speed:    cfg.Speech.Speed,
			SayVoice: cfg.Voice.SayVoice,
		},
		Logger: logger,
	})

	retriever := knowledge.NewRetriever(knowledge.RetrieverConfig{
		Store:         st,
		TopK:          cfg.Knowledge.SearchTopK,
		MaxCandidates: cfg.Knowledge.MaxCandidates,
		Timeout:       millis(cfg.Knowledge.TimeoutMs),
		Logger:        logger,
	})

	generator := orchestrator.NewGenerator(orchestrator.GeneratorConfig{
		Provider:          completion,
		Model:             cfg.Completion.Model,
		Temperature:       &cfg.Completion.Temperature,
		VoiceMaxTokens:    cfg.Completion.VoiceMaxTokens,
		ChatMaxTokens:     cfg.Completion.ChatMaxTokens,
		VoiceMaxSentences: cfg.Completion.VoiceMaxSentences,
		VoiceMaxChars:     cfg.Completion.VoiceMaxChars,
		VoiceTimeout:      millis(cfg.Completion.VoiceTimeoutMs),
		ChatTimeout:       millis(cfg.Completion.ChatTimeoutMs),
		Logger:            logger,
	})

	tracker := orchestrator.NewTracker(orchestrator.TrackerConfig{
		Store:        st,
		HistoryLimit: &cfg.Completion.HistoryMessages,
		Logger:       logger,
	})

	return orchestrator.NewPipeline(orchestrator.PipelineConfig{
		Resolver:        res,
		Retriever:       retriever,
		Generator:       generator,
		Tracker:         tracker,
		Synthesizer:     synth,
		Audio:           st,
		TopK:            cfg.Knowledge.SearchTopK,
		MaxContextChars: cfg.Knowledge.MaxContextChars,
		SpeechTimeout:   millis(cfg.Speech.TimeoutMs),
		Logger:          logger,
	}), nil
}
