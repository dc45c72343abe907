package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for agentdesk.
type Config struct {
	General    GeneralConfig    `json:"general"`
	Server     ServerConfig     `json:"server"`
	Store      StoreConfig      `json:"store"`
	Completion CompletionConfig `json:"completion"`
	Speech     SpeechConfig     `json:"speech"`
	Knowledge  KnowledgeConfig  `json:"knowledge"`
	Voice      VoiceConfig      `json:"voice"`
	Persona    PersonaConfig    `json:"persona"`
	Scraper    ScraperConfig    `json:"scraper"`
	Metrics    MetricsConfig    `json:"metrics"`
	Tracing    TracingConfig    `json:"tracing"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`          // debug | info | warn | error
	LogFile  string `json:"logFile,omitempty"` // optional JSON log file
	EnvFile  string `json:"envFile,omitempty"` // optional .env file loaded at startup
}

// ServerConfig configures the HTTP listener shared by all channels.
type ServerConfig struct {
	Host                string   `json:"host"`
	Port                int      `json:"port"`
	PublicURL           string   `json:"publicUrl,omitempty"` // externally reachable base URL, used for <Play> and <Redirect>
	APIKey              string   `json:"apiKey,omitempty"`    // bearer key for the agent-chat endpoint
	CORSOrigins         []string `json:"corsOrigins,omitempty"`
	ReadTimeoutSeconds  int      `json:"readTimeoutSeconds"`
	WriteTimeoutSeconds int      `json:"writeTimeoutSeconds"`
}

type StoreConfig struct {
	DBPath              string `json:"dbPath"`
	AudioRetentionHours int    `json:"audioRetentionHours"`
}

// CompletionConfig configures the chat-completion provider and output bounds.
type CompletionConfig struct {
	APIBase            string  `json:"apiBase"`
	APIKey             string  `json:"apiKey,omitempty"` // process-wide default key
	Model              string  `json:"model"`
	KeyPrefix          string  `json:"keyPrefix"`    // per-agent keys must start with this
	MinKeyLength       int     `json:"minKeyLength"` // and be at least this long
	Temperature        float64 `json:"temperature"`
	VoiceMaxTokens     int     `json:"voiceMaxTokens"`
	ChatMaxTokens      int     `json:"chatMaxTokens"`
	VoiceMaxSentences  int     `json:"voiceMaxSentences"`
	VoiceMaxChars      int     `json:"voiceMaxChars"` // spoken reply cut at a sentence boundary below this
	VoiceTimeoutMs     int     `json:"voiceTimeoutMs"`
	ChatTimeoutMs      int     `json:"chatTimeoutMs"`
	HistoryMessages    int     `json:"historyMessages"`
	RateLimitPerMinute int     `json:"rateLimitPerMinute,omitempty"` // 0 = unlimited
	RateLimitBurst     int     `json:"rateLimitBurst,omitempty"`
}

// SpeechConfig configures the text-to-speech provider.
type SpeechConfig struct {
	Provider        string  `json:"provider"` // "elevenlabs" | "openai" | "none"
	APIBase         string  `json:"apiBase,omitempty"`
	APIKey          string  `json:"apiKey,omitempty"`
	Model           string  `json:"model,omitempty"`
	DefaultVoiceID  string  `json:"defaultVoiceId"`
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarityBoost"`
	Speed           float64 `json:"speed"`
	TimeoutMs       int     `json:"timeoutMs"`
}

// KnowledgeConfig configures chunking and retrieval.
type KnowledgeConfig struct {
	ChunkSize       int `json:"chunkSize"` // characters per chunk
	SearchTopK      int `json:"searchTopK"`
	MaxCandidates   int `json:"maxCandidates"`
	MaxContextChars int `json:"maxContextChars"`
	TimeoutMs       int `json:"timeoutMs"`
}

// VoiceConfig configures the telephony webhook.
type VoiceConfig struct {
	WebhookPath          string `json:"webhookPath"`
	Language             string `json:"language"`
	SayVoice             string `json:"sayVoice"`
	GatherTimeoutSeconds int    `json:"gatherTimeoutSeconds"`
	MaxEmptyTurns        int    `json:"maxEmptyTurns"`
	Greeting             string `json:"greeting"`
	Reprompt             string `json:"reprompt"`
	Goodbye              string `json:"goodbye"`
	NotConfigured        string `json:"notConfigured"`
	Apology              string `json:"apology"`
	AuthToken            string `json:"authToken,omitempty"` // enables request signature validation
}

// PersonaConfig holds fallback prompt text.
type PersonaConfig struct {
	DefaultPrompt       string `json:"defaultPrompt"`
	ChatApology         string `json:"chatApology"`
	AllowPromptOverride bool   `json:"allowPromptOverride"` // accept system_prompt from widget requests
}

// ScraperConfig configures headless page extraction for url ingestion.
type ScraperConfig struct {
	Headless       bool   `json:"headless"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	ProfileDir     string `json:"profileDir,omitempty"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Exporter     string  `json:"exporter"` // "none" | "stdout" | "otlp"
	OTLPEndpoint string  `json:"otlpEndpoint,omitempty"`
	SamplingRate float64 `json:"samplingRate"`
	Environment  string  `json:"environment,omitempty"`
}

// DefaultConfigDir returns the default config directory (~/.agentdesk).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentdesk"
	}
	return filepath.Join(home, ".agentdesk")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	ApplyEnvOverrides(cfg)
	cfg.expandPaths()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadRaw reads path without env expansion or overrides, so that a config
// edited and saved back keeps its ${VAR} references and no credentials from
// the environment are written to disk.
func LoadRaw(path string) (*Config, error) {
	path = ExpandPath(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}
	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefaults loads path, or returns defaults with environment overrides
// applied when the file does not exist.
func LoadOrDefaults(path string) (*Config, bool, error) {
	if _, err := os.Stat(ExpandPath(path)); os.IsNotExist(err) {
		cfg := Defaults()
		ApplyEnvOverrides(cfg)
		cfg.expandPaths()
		if err := Validate(cfg); err != nil {
			return nil, false, fmt.Errorf("config validation: %w", err)
		}
		return cfg, false, nil
	}
	cfg, err := Load(path)
	return cfg, err == nil, err
}

func (c *Config) expandPaths() {
	c.Store.DBPath = ExpandPath(c.Store.DBPath)
	c.General.LogFile = ExpandPath(c.General.LogFile)
	c.General.EnvFile = ExpandPath(c.General.EnvFile)
	c.Scraper.ProfileDir = ExpandPath(c.Scraper.ProfileDir)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset ${VAR}
// without default is left as is.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values and reports every problem at once.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Server.PublicURL != "" && !strings.HasPrefix(cfg.Server.PublicURL, "http://") && !strings.HasPrefix(cfg.Server.PublicURL, "https://") {
		errs = append(errs, "server.publicUrl must start with http:// or https://")
	}
	if cfg.Store.DBPath == "" {
		errs = append(errs, "store.dbPath is required")
	}

	if cfg.Completion.APIBase == "" {
		errs = append(errs, "completion.apiBase is required")
	}
	if cfg.Completion.Temperature < 0 || cfg.Completion.Temperature > 2 {
		errs = append(errs, "completion.temperature must be between 0 and 2")
	}
	if cfg.Completion.VoiceMaxTokens < 1 || cfg.Completion.ChatMaxTokens < 1 {
		errs = append(errs, "completion.voiceMaxTokens and completion.chatMaxTokens must be >= 1")
	}
	if cfg.Completion.VoiceTimeoutMs < 100 || cfg.Completion.ChatTimeoutMs < 100 {
		errs = append(errs, "completion timeouts must be >= 100ms")
	}
	if cfg.Completion.HistoryMessages < 0 {
		errs = append(errs, "completion.historyMessages must be >= 0")
	}
	if cfg.Completion.VoiceMaxSentences < 1 || cfg.Completion.VoiceMaxChars < 1 {
		errs = append(errs, "completion.voiceMaxSentences and completion.voiceMaxChars must be >= 1")
	}

	switch cfg.Speech.Provider {
	case "elevenlabs", "openai", "none", "":
	default:
		errs = append(errs, "speech.provider must be one of: elevenlabs, openai, none")
	}

	if cfg.Knowledge.ChunkSize < 100 {
		errs = append(errs, "knowledge.chunkSize must be >= 100")
	}
	if cfg.Knowledge.SearchTopK < 1 {
		errs = append(errs, "knowledge.searchTopK must be >= 1")
	}

	if cfg.Voice.MaxEmptyTurns < 1 {
		errs = append(errs, "voice.maxEmptyTurns must be >= 1")
	}
	if cfg.Voice.GatherTimeoutSeconds < 1 || cfg.Voice.GatherTimeoutSeconds > 60 {
		errs = append(errs, "voice.gatherTimeoutSeconds must be between 1 and 60")
	}
	// Every upstream call must finish before the telephony provider gives up.
	if total := cfg.Knowledge.TimeoutMs + cfg.Completion.VoiceTimeoutMs + cfg.Speech.TimeoutMs; total >= 15000 {
		errs = append(errs, fmt.Sprintf("voice path timeouts add up to %dms, must stay below 15000ms", total))
	}

	switch cfg.Tracing.Exporter {
	case "none", "stdout", "otlp":
	default:
		errs = append(errs, "tracing.exporter must be one of: none, stdout, otlp")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
