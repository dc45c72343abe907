package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := Defaults()
	cfg.General.LogLevel = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for logLevel=verbose")
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative port")
	}

	cfg.Server.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_PublicURLScheme(t *testing.T) {
	cfg := Defaults()
	cfg.Server.PublicURL = "example.com"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for publicUrl without scheme")
	}
	cfg.Server.PublicURL = "https://voice.example.com"
	if err := Validate(cfg); err != nil {
		t.Fatalf("https publicUrl should be valid: %v", err)
	}
}

func TestValidate_SpeechProvider(t *testing.T) {
	for _, p := range []string{"elevenlabs", "openai", "none"} {
		cfg := Defaults()
		cfg.Speech.Provider = p
		if err := Validate(cfg); err != nil {
			t.Fatalf("provider %q should be valid: %v", p, err)
		}
	}
	cfg := Defaults()
	cfg.Speech.Provider = "polly"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown speech provider")
	}
}

func TestValidate_VoiceTimeoutBudget(t *testing.T) {
	cfg := Defaults()
	cfg.Completion.VoiceTimeoutMs = 12000
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error when voice timeouts exceed the telephony limit")
	}
	if !strings.Contains(err.Error(), "15000ms") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Knowledge.ChunkSize = 10
	cfg.Voice.MaxEmptyTurns = 0
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "knowledge.chunkSize") || !strings.Contains(err.Error(), "voice.maxEmptyTurns") {
		t.Fatalf("expected both problems reported, got: %v", err)
	}
}

func TestValidate_VoiceMaxChars(t *testing.T) {
	cfg := Defaults()
	if cfg.Completion.VoiceMaxChars != 600 {
		t.Fatalf("expected default voiceMaxChars 600, got %d", cfg.Completion.VoiceMaxChars)
	}
	if err := SetByPath(cfg, "completion.voiceMaxChars", "280"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Completion.VoiceMaxChars != 280 {
		t.Fatalf("expected 280, got %d", cfg.Completion.VoiceMaxChars)
	}
	cfg.Completion.VoiceMaxChars = 0
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "completion.voiceMaxChars") {
		t.Fatalf("expected voiceMaxChars error, got %v", err)
	}
}

func TestValidate_ZeroTemperatureAndHistory(t *testing.T) {
	cfg := Defaults()
	cfg.Completion.Temperature = 0
	cfg.Completion.HistoryMessages = 0
	if err := Validate(cfg); err != nil {
		t.Fatalf("zero temperature and history should be valid: %v", err)
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	original := Defaults()
	original.Completion.Model = "gpt-4o"

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Completion.Model != "gpt-4o" {
		t.Fatalf("expected 'gpt-4o', got %q", loaded.Completion.Model)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.json"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"voice": {"maxEmptyTurns": 0}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for maxEmptyTurns=0")
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_AGENTDESK_DB", "/tmp/test-agentdesk.db")
	t.Setenv("AGENTDESK_DB_PATH", "")

	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"store": {"dbPath": "${TEST_AGENTDESK_DB}"}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.DBPath != "/tmp/test-agentdesk.db" {
		t.Fatalf("expected dbPath '/tmp/test-agentdesk.db', got %q", cfg.Store.DBPath)
	}
}

func TestLoadRaw_KeepsReferences(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-from-environment-123456")

	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"completion": {"apiKey": "${OPENAI_API_KEY}"}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadRaw(path)
	if err != nil {
		t.Fatalf("LoadRaw failed: %v", err)
	}
	if cfg.Completion.APIKey != "${OPENAI_API_KEY}" {
		t.Fatalf("expected the reference to survive, got %q", cfg.Completion.APIKey)
	}
}

func TestLoadOrDefaults_MissingFileUsesEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-from-environment-000000")

	cfg, loaded, err := LoadOrDefaults(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("LoadOrDefaults: %v", err)
	}
	if loaded {
		t.Fatal("expected loaded=false for a missing file")
	}
	if cfg.Completion.APIKey != "sk-from-environment-000000" {
		t.Fatalf("expected env key, got %q", cfg.Completion.APIKey)
	}
}

// --- Env ---

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("ELEVENLABS_API_KEY", "el-key")
	t.Setenv("TWILIO_AUTH_TOKEN", "twilio-token")
	t.Setenv("AGENTDESK_PUBLIC_URL", "https://voice.example.com")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Speech.APIKey != "el-key" {
		t.Errorf("speech key = %q", cfg.Speech.APIKey)
	}
	if cfg.Voice.AuthToken != "twilio-token" {
		t.Errorf("auth token = %q", cfg.Voice.AuthToken)
	}
	if cfg.Server.PublicURL != "https://voice.example.com" {
		t.Errorf("public url = %q", cfg.Server.PublicURL)
	}
}

func TestApplyEnvOverrides_OpenAISpeechSharesKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-shared-key-1234567890")
	t.Setenv("ELEVENLABS_API_KEY", "")

	cfg := Defaults()
	cfg.Speech.Provider = "openai"
	ApplyEnvOverrides(cfg)

	if cfg.Speech.APIKey != "sk-shared-key-1234567890" {
		t.Fatalf("expected shared key, got %q", cfg.Speech.APIKey)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("AGENTDESK_TEST_DOTENV=from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	os.Unsetenv("AGENTDESK_TEST_DOTENV")
	t.Cleanup(func() { os.Unsetenv("AGENTDESK_TEST_DOTENV") })

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), envFile); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("AGENTDESK_TEST_DOTENV"); got != "from-file" {
		t.Fatalf("expected 'from-file', got %q", got)
	}
}

// --- Accessor ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()

	val, err := GetByPath(cfg, "completion.model")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "gpt-4o-mini" {
		t.Fatalf("expected 'gpt-4o-mini', got %v", val)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	if _, err := GetByPath(Defaults(), "nonexistent.path"); err == nil {
		t.Fatal("expected error for nonexistent path")
	}
}

func TestSetByPath_ValidPath(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "speech.provider", "openai"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Speech.Provider != "openai" {
		t.Fatalf("expected 'openai', got %q", cfg.Speech.Provider)
	}
}

func TestSetByPath_BoolConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "metrics.enabled", "false"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if cfg.Metrics.Enabled {
		t.Fatal("expected metrics.enabled=false")
	}
}

func TestSetByPath_IntConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "voice.maxEmptyTurns", "5"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if cfg.Voice.MaxEmptyTurns != 5 {
		t.Fatalf("expected 5, got %d", cfg.Voice.MaxEmptyTurns)
	}
}

func TestSetByPath_ListAndErrors(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "server.corsOrigins", "https://a.example.com, https://b.example.com,"); err != nil {
		t.Fatalf("set list: %v", err)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://b.example.com" {
		t.Fatalf("unexpected origins %q", cfg.Server.CORSOrigins)
	}

	for path, value := range map[string]string{
		"voice.maxEmptyTurns": "three",
		"metrics.enabled":     "maybe",
		"voice":               "x",
		"voice.unknownField":  "1",
	} {
		if err := SetByPath(cfg, path, value); err == nil {
			t.Errorf("SetByPath(%q, %q) should fail", path, value)
		}
	}
}

// --- Sanitize ---

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Completion.APIKey = "sk-1234567890abcdefghijklmnop"
	cfg.Speech.APIKey = "elevenlabs-secret-12345678"
	cfg.Voice.AuthToken = "twilio-auth-token-12345678"

	sanitized := Sanitize(cfg)

	if sanitized.Completion.APIKey == cfg.Completion.APIKey {
		t.Fatal("completion key should be masked")
	}
	if sanitized.Speech.APIKey == cfg.Speech.APIKey {
		t.Fatal("speech key should be masked")
	}
	if sanitized.Voice.AuthToken == cfg.Voice.AuthToken {
		t.Fatal("auth token should be masked")
	}
	if cfg.Completion.APIKey != "sk-1234567890abcdefghijklmnop" {
		t.Fatal("original config should not be modified")
	}
}

func TestMaskSecret_Short(t *testing.T) {
	if got := MaskSecret("short"); got != "***" {
		t.Fatalf("short secret should be '***', got %q", got)
	}
	if got := MaskSecret("sk-abcdefghijkl"); got != "sk-a****ijkl" {
		t.Fatalf("unexpected mask %q", got)
	}
}

// --- ListPaths ---

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	paths := ListPaths(Defaults())
	if len(paths) == 0 {
		t.Fatal("expected non-empty paths")
	}
	for _, expected := range []string{"general.logLevel", "voice.maxEmptyTurns", "knowledge.chunkSize", "server.publicUrl", "completion.voiceMaxChars"} {
		if _, ok := paths[expected]; !ok {
			t.Errorf("missing expected path: %s", expected)
		}
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-abc123")
	result := ExpandEnvVars(`{"apiKey": "${TEST_API_KEY}"}`)
	if result != `{"apiKey": "sk-abc123"}` {
		t.Fatalf("got %q", result)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR_12345")
	result := ExpandEnvVars(`{"port": "${NONEXISTENT_VAR_12345:-8080}"}`)
	if result != `{"port": "8080"}` {
		t.Fatalf("got %q", result)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	os.Unsetenv("TOTALLY_UNSET_VAR_XYZ")
	result := ExpandEnvVars(`"${TOTALLY_UNSET_VAR_XYZ}"`)
	if result != `"${TOTALLY_UNSET_VAR_XYZ}"` {
		t.Fatalf("got %q", result)
	}
}

func TestExpandEnvVars_EmptyVarUsesDefault(t *testing.T) {
	t.Setenv("EMPTY_VAR", "")
	result := ExpandEnvVars(`"${EMPTY_VAR:-fallback}"`)
	if result != `"fallback"` {
		t.Fatalf("got %q", result)
	}
}

func TestExpandEnvVars_DollarSignWithoutBraces(t *testing.T) {
	input := `"$HOME is not substituted"`
	if result := ExpandEnvVars(input); result != input {
		t.Fatalf("expected no change for bare $VAR, got %q", result)
	}
}

// --- Logging ---

func TestSetupLoggerWithWriters_FansOut(t *testing.T) {
	var text, js bytes.Buffer
	logger := SetupLoggerWithWriters(&text, &js, slog.LevelInfo)
	logger.Info("call started", "call_sid", "CA123")
	logger.Debug("hidden")

	if !strings.Contains(text.String(), "call_sid=CA123") {
		t.Fatalf("text output missing attribute: %q", text.String())
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(js.Bytes()), &entry); err != nil {
		t.Fatalf("json output not a single entry: %v (%q)", err, js.String())
	}
	if entry["msg"] != "call started" {
		t.Fatalf("unexpected json entry: %v", entry)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != slog.LevelDebug || ParseLevel("WARN") != slog.LevelWarn || ParseLevel("bogus") != slog.LevelInfo {
		t.Fatal("unexpected level mapping")
	}
}
