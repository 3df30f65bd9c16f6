// Package config provides the configuration schema and environment loader for
// the Callbridge server.
//
// All settings come from environment variables (optionally seeded from a .env
// file in main). The loaded Config is immutable after startup: subsystems
// receive it by value or keep a pointer but never mutate it.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// LogLevel controls log verbosity for the Callbridge server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// insecureFallbackSecret is the last resort of the viewer-token secret chain.
// Tokens signed with it offer no real protection; Validate warns loudly.
const insecureFallbackSecret = "callbridge-insecure-dev-secret"

// Config is the root configuration for the Callbridge server.
type Config struct {
	Server ServerConfig
	Twilio TwilioConfig
	OpenAI OpenAIConfig
	Viewer ViewerConfig
	Brief  BriefDefaults
	Roster RosterConfig
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// Port is the TCP port the HTTP server listens on.
	Port int

	// PublicURL is the externally reachable base URL (e.g. an ngrok tunnel).
	// It determines the media-stream and status-callback URLs handed to the
	// carrier and the logs websocket URL handed to widgets.
	PublicURL string

	// LogLevel controls verbosity.
	LogLevel LogLevel

	// AssetsDir is the directory widget HTML/JS/CSS artifacts are served from.
	AssetsDir string
}

// TwilioConfig holds carrier credentials and numbers.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string

	// DefaultToNumber is the callee used when a call request does not name one.
	DefaultToNumber string
}

// Configured reports whether the carrier can actually place calls.
func (t TwilioConfig) Configured() bool {
	return t.AccountSID != "" && t.AuthToken != "" && t.FromNumber != ""
}

// OpenAIConfig holds model selection and credentials for the realtime bridge
// and the summary synthesizer.
type OpenAIConfig struct {
	APIKey             string
	RealtimeModel      string
	Voice              string
	TranscriptionModel string
	SummaryModel       string

	// PromptTemplatePath points at a {{name}}-style prompt template file.
	// When empty or unreadable, SystemPrompt is used instead.
	PromptTemplatePath string
	SystemPrompt       string
}

// Configured reports whether the realtime model can be reached.
func (o OpenAIConfig) Configured() bool {
	return o.APIKey != ""
}

// ViewerConfig holds viewer-token signing settings.
type ViewerConfig struct {
	// TokenSecret signs viewer tokens. Resolved through a fallback chain;
	// see FromEnv.
	TokenSecret string

	// TokenTTL is the viewer-token lifetime.
	TokenTTL time.Duration
}

// BriefDefaults are the call-brief fields used when a call request omits them.
// They are interpolated into the realtime model's instructions.
type BriefDefaults struct {
	StudentName        string
	ParentName         string
	ParentRelationship string
	ParentNumberLabel  string
	SchoolName         string
	TeacherRole        string
}

// RosterConfig holds the embedded roster/trends database settings.
type RosterConfig struct {
	// DBPath is the SQLite database file. ":memory:" is valid for tests.
	DBPath string

	// SeedPath optionally points at a YAML roster seed file imported at boot.
	SeedPath string
}

// FromEnv reads the full configuration from the process environment and
// validates it. Missing optional values get documented defaults; the viewer
// token secret falls back through other secret-shaped variables before
// settling on an insecure literal.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:      envInt("PORT", envInt("MCP_PORT", 8000)),
			PublicURL: strings.TrimRight(os.Getenv("PUBLIC_URL"), "/"),
			LogLevel:  LogLevel(envDefault("CALLBRIDGE_LOG_LEVEL", "info")),
			AssetsDir: envDefault("CALLBRIDGE_ASSETS_DIR", "assets"),
		},
		Twilio: TwilioConfig{
			AccountSID:      os.Getenv("TWILIO_ACCOUNT_SID"),
			AuthToken:       os.Getenv("TWILIO_AUTH_TOKEN"),
			FromNumber:      os.Getenv("TWILIO_FROM_NUMBER"),
			DefaultToNumber: os.Getenv("TWILIO_TO_NUMBER_DEFAULT"),
		},
		OpenAI: OpenAIConfig{
			APIKey:             os.Getenv("OPENAI_API_KEY"),
			RealtimeModel:      envDefault("OPENAI_REALTIME_MODEL", "gpt-realtime"),
			Voice:              envDefault("OPENAI_REALTIME_VOICE", "alloy"),
			TranscriptionModel: envDefault("OPENAI_REALTIME_TRANSCRIPTION_MODEL", "gpt-4o-mini-transcribe"),
			SummaryModel:       envDefault("OPENAI_SUMMARY_MODEL", "gpt-4o-mini"),
			PromptTemplatePath: os.Getenv("OPENAI_REALTIME_PROMPT_TEMPLATE"),
			SystemPrompt:       os.Getenv("OPENAI_REALTIME_SYSTEM_PROMPT"),
		},
		Viewer: ViewerConfig{
			TokenSecret: viewerSecret(),
			TokenTTL:    10 * time.Minute,
		},
		Brief: BriefDefaults{
			StudentName:        envDefault("CALL_STUDENT_NAME", "the student"),
			ParentName:         envDefault("CALL_PARENT_NAME", "the parent"),
			ParentRelationship: envDefault("CALL_PARENT_RELATIONSHIP", "guardian"),
			ParentNumberLabel:  envDefault("CALL_PARENT_NUMBER_LABEL", "primary contact"),
			SchoolName:         envDefault("CALL_SCHOOL_NAME", "the school"),
			TeacherRole:        envDefault("CALL_TEACHER_ROLE", "attendance officer"),
		},
		Roster: RosterConfig{
			DBPath:   envDefault("CALLBRIDGE_ROSTER_DB", "callbridge.db"),
			SeedPath: os.Getenv("CALLBRIDGE_ROSTER_SEED"),
		},
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. Hard errors are
// joined and returned; degraded-but-workable configurations only log warnings
// (a server without carrier credentials still serves the call panel and
// reports the failure per session).
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d is out of range", cfg.Server.Port))
	}
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.PublicURL != "" {
		if u, err := url.Parse(cfg.Server.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PUBLIC_URL %q is not an absolute URL", cfg.Server.PublicURL))
		}
	}

	if !cfg.Twilio.Configured() {
		slog.Warn("twilio is not fully configured; outbound calls will fail per-session",
			"have_sid", cfg.Twilio.AccountSID != "",
			"have_token", cfg.Twilio.AuthToken != "",
			"have_from", cfg.Twilio.FromNumber != "",
		)
	}
	if !cfg.OpenAI.Configured() {
		slog.Warn("OPENAI_API_KEY is not set; the media bridge and remote summaries are disabled")
	}
	if cfg.Viewer.TokenSecret == insecureFallbackSecret {
		slog.Warn("no viewer token secret configured; using an insecure built-in secret — set CALL_VIEWER_TOKEN_SECRET")
	}

	return errors.Join(errs...)
}

// PublicBase returns the externally reachable HTTP base URL, falling back to
// a localhost URL derived from the listen port when PUBLIC_URL is unset.
func (c *Config) PublicBase() string {
	if c.Server.PublicURL != "" {
		return c.Server.PublicURL
	}
	return fmt.Sprintf("http://localhost:%d", c.Server.Port)
}

// WebsocketBase returns PublicBase with the scheme flipped to ws/wss.
func (c *Config) WebsocketBase() string {
	base := c.PublicBase()
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

// LogsWsURL is the viewer fan-out websocket URL advertised to widgets.
func (c *Config) LogsWsURL() string {
	return c.WebsocketBase() + "/twilio/logs"
}

// viewerSecret resolves the viewer-token signing secret through the fallback
// chain: the dedicated variable, then other secret-shaped variables already
// in the environment, then the insecure literal.
func viewerSecret() string {
	for _, key := range []string{"CALL_VIEWER_TOKEN_SECRET", "TWILIO_AUTH_TOKEN", "OPENAI_API_KEY"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return insecureFallbackSecret
}

// envDefault returns the value of key, or def when unset or empty.
func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envInt returns the integer value of key, or def when unset or unparseable.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring non-integer environment value", "key", key, "value", v)
		return def
	}
	return n
}
