// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, the SQLite store path, debounce windows,
// NLU call policy, handoff rules, and outbound delivery policy.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// HandoffMatchMode selects how handoff text hints are compared against the
// NLU reply. The two operating runbooks disagree on which semantics are
// authoritative, so the strategy is configurable rather than hard-coded.
type HandoffMatchMode string

const (
	// MatchExact compares the whitespace-normalized, case-folded reply to each
	// hint as a full phrase.
	MatchExact HandoffMatchMode = "exact"
	// MatchSubstring reports a hit when the case-folded reply contains a hint.
	MatchSubstring HandoffMatchMode = "substring"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DebounceConfig controls per-conversation message aggregation.
//
// A burst of near-simultaneous inbound fragments from one conversation is
// held until the conversation has gone quiet for Extend (the very first
// fragment waits Initial), but never longer than Max from the first fragment.
type DebounceConfig struct {
	Enabled bool          // FEATURE_MESSAGE_AGGREGATION; false = each event is its own batch
	Initial time.Duration // DEBOUNCE_INITIAL
	Extend  time.Duration // DEBOUNCE_EXTEND
	Max     time.Duration // DEBOUNCE_MAX
}

// NLUConfig controls the detect-intent call to the NLU collaborator.
type NLUConfig struct {
	Endpoint      string        // NLU_ENDPOINT, base URL of the detect-intent API
	Project       string        // NLU_PROJECT
	Location      string        // NLU_LOCATION
	AgentID       string        // NLU_AGENT_ID
	LanguageCode  string        // NLU_LANGUAGE
	Token         string        // NLU_TOKEN, bearer token for the API
	Timeout       time.Duration // NLU_TIMEOUT, per-call deadline
	RetryAttempts int           // NLU_RETRY_ATTEMPTS, total attempts incl. the first

	// StabilityText is sent when detect-intent kept failing after all
	// attempts; EmptyReplyText when the agent answered with no text.
	StabilityText  string // NLU_STABILITY_TEXT
	EmptyReplyText string // NLU_EMPTY_REPLY_TEXT
}

// HandoffConfig controls detection of human-handoff requests and the texts
// used when one is detected.
type HandoffConfig struct {
	Enabled      bool             // HANDOFF_ENABLED; false = conversations never leave the bot
	ParamName    string           // HANDOFF_PARAM_NAME, truthy session parameter that triggers handoff
	Hints        []string         // HANDOFF_HINTS split on Delimiter
	Delimiter    string           // HANDOFF_HINT_DELIMITER (default "||"; newline always accepted)
	MatchMode    HandoffMatchMode // HANDOFF_MATCH_MODE: exact|substring
	AckText      string           // HANDOFF_ACK_TEXT
	DisabledText string           // HANDOFF_DISABLED_TEXT
	ForceBot     bool             // HANDOFF_FORCE_BOT: reclaim handed-off conversations when disabled
}

// OutboundConfig controls delivery of generated replies.
type OutboundConfig struct {
	RetryAttempts int           // OUTBOUND_RETRY_ATTEMPTS, extra attempts after the first
	RetryBackoff  time.Duration // OUTBOUND_RETRY_BACKOFF, delay between attempts
}

// TransportConfig holds credentials for the WhatsApp-over-Twilio-style REST
// transport. AuthToken doubles as the webhook signature verification secret.
type TransportConfig struct {
	AccountSID string // TRANSPORT_ACCOUNT_SID
	AuthToken  string // TRANSPORT_AUTH_TOKEN
	From       string // TRANSPORT_FROM, e.g. "whatsapp:+15550006789"
	BaseURL    string // TRANSPORT_BASE_URL, override for tests/sandboxes
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	GinMode           string // debug|release|test

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool

	// Store
	DBPath string // SQLite path

	// Rate limiting
	RateRPS   float64
	RateBurst int

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Pipeline
	Debounce DebounceConfig
	NLU      NLUConfig
	Handoff  HandoffConfig
	Outbound OutboundConfig

	Transport TransportConfig

	// Observability
	OTEL OTELConfig
}

// Default user-facing texts. The handoff texts are deliberately bland; real
// deployments override them per locale.
const (
	defaultAckText       = "Got it! A human agent will take over this conversation shortly."
	defaultDisabledText  = "Our human agents are currently unavailable. You can leave your message here and we will reply as soon as they are back."
	defaultStabilityText = "We had a stability issue on our side. Please repeat your question."
	defaultEmptyReply    = "Sorry, I did not quite get that. Could you rephrase?"
)

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from the environment (optionally seeded from a
// .env file), applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	// Best effort: absent .env is the normal production case.
	_ = godotenv.Load()

	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		// Store
		DBPath: getenv("DB_PATH", "app.db"),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Pipeline
		Debounce: DebounceConfig{
			Enabled: getbool("FEATURE_MESSAGE_AGGREGATION", true),
			Initial: getdur("DEBOUNCE_INITIAL", 5*time.Second),
			Extend:  getdur("DEBOUNCE_EXTEND", 3*time.Second),
			Max:     getdur("DEBOUNCE_MAX", 10*time.Second),
		},
		NLU: NLUConfig{
			Endpoint:      getenv("NLU_ENDPOINT", ""),
			Project:       getenv("NLU_PROJECT", ""),
			Location:      getenv("NLU_LOCATION", "global"),
			AgentID:       getenv("NLU_AGENT_ID", ""),
			LanguageCode:  getenv("NLU_LANGUAGE", "en"),
			Token:         getenv("NLU_TOKEN", ""),
			Timeout:       getdur("NLU_TIMEOUT", 15*time.Second),
			RetryAttempts: getint("NLU_RETRY_ATTEMPTS", 3),

			StabilityText:  getenv("NLU_STABILITY_TEXT", defaultStabilityText),
			EmptyReplyText: getenv("NLU_EMPTY_REPLY_TEXT", defaultEmptyReply),
		},
		Handoff: HandoffConfig{
			Enabled:      getbool("HANDOFF_ENABLED", true),
			ParamName:    getenv("HANDOFF_PARAM_NAME", "handoff_requested"),
			Delimiter:    getenv("HANDOFF_HINT_DELIMITER", "||"),
			MatchMode:    HandoffMatchMode(strings.ToLower(getenv("HANDOFF_MATCH_MODE", string(MatchExact)))),
			AckText:      getenv("HANDOFF_ACK_TEXT", defaultAckText),
			DisabledText: getenv("HANDOFF_DISABLED_TEXT", defaultDisabledText),
			ForceBot:     getbool("HANDOFF_FORCE_BOT", true),
		},
		Outbound: OutboundConfig{
			RetryAttempts: getint("OUTBOUND_RETRY_ATTEMPTS", 2),
			RetryBackoff:  getdur("OUTBOUND_RETRY_BACKOFF", 300*time.Millisecond),
		},

		Transport: TransportConfig{
			AccountSID: getenv("TRANSPORT_ACCOUNT_SID", ""),
			AuthToken:  getenv("TRANSPORT_AUTH_TOKEN", ""),
			From:       getenv("TRANSPORT_FROM", ""),
			BaseURL:    getenv("TRANSPORT_BASE_URL", "https://api.twilio.com"),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-conversation-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	cfg.Handoff.Hints = SplitHints(getenv("HANDOFF_HINTS", ""), cfg.Handoff.Delimiter)

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.Debounce.Initial <= 0 || cfg.Debounce.Extend <= 0 || cfg.Debounce.Max <= 0 {
		return cfg, errors.New("debounce windows must be positive durations")
	}
	if cfg.Debounce.Max < cfg.Debounce.Initial {
		return cfg, errors.New("DEBOUNCE_MAX must be >= DEBOUNCE_INITIAL")
	}
	if cfg.NLU.Timeout <= 0 {
		return cfg, errors.New("NLU_TIMEOUT must be > 0")
	}
	if cfg.NLU.RetryAttempts < 1 {
		return cfg, errors.New("NLU_RETRY_ATTEMPTS must be >= 1")
	}
	switch cfg.Handoff.MatchMode {
	case MatchExact, MatchSubstring:
	default:
		return cfg, errors.New("HANDOFF_MATCH_MODE must be exact or substring")
	}
	if cfg.Outbound.RetryAttempts < 0 {
		return cfg, errors.New("OUTBOUND_RETRY_ATTEMPTS must be >= 0")
	}
	if cfg.Outbound.RetryBackoff < 0 {
		return cfg, errors.New("OUTBOUND_RETRY_BACKOFF must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// SplitHints splits a hint list on the configured delimiter and on newlines,
// trimming whitespace and dropping empties. Hints may therefore contain
// commas (phrases like "ok, transferring you").
func SplitHints(s, delim string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	if delim == "" {
		delim = "||"
	}
	parts := strings.Split(strings.ReplaceAll(s, "\n", delim), delim)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
