package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := godotenv.Load(ExpandPath(p)); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	return nil
}

// envOverrides maps well-known environment variables onto config fields.
// They take precedence over the file so credentials never have to live in it.
var envOverrides = []struct {
	name  string
	field func(*Config) *string
}{
	{"OPENAI_API_KEY", func(c *Config) *string { return &c.Completion.APIKey }},
	{"OPENAI_BASE_URL", func(c *Config) *string { return &c.Completion.APIBase }},
	{"ELEVENLABS_API_KEY", func(c *Config) *string { return &c.Speech.APIKey }},
	{"TWILIO_AUTH_TOKEN", func(c *Config) *string { return &c.Voice.AuthToken }},
	{"AGENTDESK_DB_PATH", func(c *Config) *string { return &c.Store.DBPath }},
	{"AGENTDESK_PUBLIC_URL", func(c *Config) *string { return &c.Server.PublicURL }},
	{"AGENTDESK_API_KEY", func(c *Config) *string { return &c.Server.APIKey }},
	{"AGENTDESK_LOG_LEVEL", func(c *Config) *string { return &c.General.LogLevel }},
	{"TRACE_EXPORTER", func(c *Config) *string { return &c.Tracing.Exporter }},
	{"OTEL_EXPORTER_OTLP_ENDPOINT", func(c *Config) *string { return &c.Tracing.OTLPEndpoint }},
}

// ApplyEnvOverrides copies set, non-empty environment variables into cfg.
func ApplyEnvOverrides(cfg *Config) {
	for _, o := range envOverrides {
		if v, ok := os.LookupEnv(o.name); ok && v != "" {
			*o.field(cfg) = v
		}
	}
	// An OpenAI speech provider shares the completion key unless given its own.
	if cfg.Speech.Provider == "openai" && cfg.Speech.APIKey == "" {
		cfg.Speech.APIKey = cfg.Completion.APIKey
	}
}
