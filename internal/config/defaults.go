package config

const defaultPersona = "You are a friendly, professional customer service assistant. " +
	"Answer questions clearly and concisely, and offer to help with anything else."

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8080,
			CORSOrigins:         []string{"*"},
			ReadTimeoutSeconds:  15,
			WriteTimeoutSeconds: 45,
		},
		Store: StoreConfig{
			DBPath:              "~/.agentdesk/agentdesk.db",
			AudioRetentionHours: 24,
		},
		Completion: CompletionConfig{
			APIBase:           "https://api.openai.com/v1",
			Model:             "gpt-4o-mini",
			KeyPrefix:         "sk-",
			MinKeyLength:      20,
			Temperature:       0.7,
			VoiceMaxTokens:    150,
			ChatMaxTokens:     500,
			VoiceMaxSentences: 3,
			VoiceMaxChars:     600,
			VoiceTimeoutMs:    8000,
			ChatTimeoutMs:     25000,
			HistoryMessages:   6,
		},
		Speech: SpeechConfig{
			Provider:        "elevenlabs",
			DefaultVoiceID:  "21m00Tcm4TlvDq8ikWAM",
			Stability:       0.5,
			SimilarityBoost: 0.75,
			Speed:           1.0,
			TimeoutMs:       4000,
		},
		Knowledge: KnowledgeConfig{
			ChunkSize:       1000,
			SearchTopK:      3,
			MaxCandidates:   200,
			MaxContextChars: 4000,
			TimeoutMs:       2000,
		},
		Voice: VoiceConfig{
			WebhookPath:          "/voice/webhook",
			Language:             "en-US",
			SayVoice:             "Polly.Joanna",
			GatherTimeoutSeconds: 5,
			MaxEmptyTurns:        3,
			Greeting:             "Hello! How can I help you today?",
			Reprompt:             "Sorry, I didn't catch that. How can I help?",
			Goodbye:              "Thanks for calling. Goodbye!",
			NotConfigured:        "Sorry, this number is not configured yet. Please try again later. Goodbye.",
			Apology:              "I'm sorry, we're having technical difficulties right now. Please call back later. Goodbye.",
		},
		Persona: PersonaConfig{
			DefaultPrompt:       defaultPersona,
			ChatApology:         "I'm sorry, I'm having trouble responding right now. Please try again in a moment.",
			AllowPromptOverride: true,
		},
		Scraper: ScraperConfig{
			Headless:       true,
			TimeoutSeconds: 30,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
		Tracing: TracingConfig{
			Exporter:     "none",
			OTLPEndpoint: "localhost:4317",
			SamplingRate: 1.0,
			Environment:  "development",
		},
	}
}
