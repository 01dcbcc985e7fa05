package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Forwarder kinds accepted by FORWARDER.
const (
	ForwarderZoho     = "zoho"
	ForwarderSheets   = "sheets"
	ForwarderDynamoDB = "dynamodb"
	ForwarderNATS     = "nats"
	ForwarderNone     = "none"
)

// Lead detection strategies accepted by LEAD_STRATEGY.
const (
	LeadStrategyPayload = "payload"
	LeadStrategyPhrase  = "phrase"
)

type Config struct {
	Port            int
	ShutdownTimeout time.Duration
	StaticDir       string
	CORSOrigins     []string

	AssistantID   string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	ParamPrefix   string

	PollInterval  time.Duration
	PollTimeout   time.Duration
	LockWait      time.Duration
	MaxMessageLen int
	StartGreeting bool

	LeadStrategy      string
	LeadTriggerPhrase string
	LeadMarker        string

	Forwarder      string
	ForwardAsync   bool
	ForwardTimeout time.Duration

	Zoho   ZohoConfig
	Sheets SheetsConfig

	LeadsTable      string
	NatsURL         string
	NatsToken       string
	NatsLeadSubject string
	RedisURL        string

	LogLevel  string
	LogFormat string
	LogFile   string
}

type ZohoConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	UserEmail    string
	AccountsURL  string
	APIURL       string
}

// Complete reports whether the CRM forwarder can be enabled.
func (z ZohoConfig) Complete() bool {
	return z.ClientID != "" && z.ClientSecret != "" && z.RefreshToken != "" && z.UserEmail != ""
}

type SheetsConfig struct {
	SpreadsheetID   string
	Range           string
	CredentialsJSON string
}

func (s SheetsConfig) Complete() bool {
	return s.SpreadsheetID != "" && s.CredentialsJSON != ""
}

func Load() Config {
	return Config{
		Port:            envInt("PORT", 3000),
		ShutdownTimeout: envDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		StaticDir:       envStr("STATIC_DIR", ""),
		CORSOrigins:     envList("CORS_ALLOWED_ORIGINS", []string{"*"}),

		AssistantID:   envStr("ASSISTANT_ID", ""),
		OpenAIAPIKey:  envStr("OPENAI_API_KEY", ""),
		OpenAIBaseURL: envStr("OPENAI_BASE_URL", ""),
		ParamPrefix:   envStr("PARAM_PREFIX", ""),

		PollInterval:  envDuration("POLL_INTERVAL", time.Second),
		PollTimeout:   envDuration("POLL_TIMEOUT", 60*time.Second),
		LockWait:      envDuration("LOCK_WAIT", 0),
		MaxMessageLen: envInt("MAX_MESSAGE_LENGTH", 4000),
		StartGreeting: envBool("START_GREETING", false),

		LeadStrategy:      strings.ToLower(envStr("LEAD_STRATEGY", LeadStrategyPayload)),
		LeadTriggerPhrase: envStr("LEAD_TRIGGER_PHRASE", ""),
		LeadMarker:        envStr("LEAD_MARKER", ""),

		Forwarder:      strings.ToLower(envStr("FORWARDER", "")),
		ForwardAsync:   envBool("FORWARD_ASYNC", false),
		ForwardTimeout: envDuration("FORWARD_TIMEOUT", 30*time.Second),

		Zoho: ZohoConfig{
			ClientID:     envStr("ZOHO_CLIENT_ID", ""),
			ClientSecret: envStr("ZOHO_CLIENT_SECRET", ""),
			RefreshToken: envStr("ZOHO_REFRESH_TOKEN", ""),
			UserEmail:    envStr("ZOHO_USER_EMAIL", ""),
			AccountsURL:  envStr("ZOHO_ACCOUNTS_URL", ""),
			APIURL:       envStr("ZOHO_API_URL", ""),
		},
		Sheets: SheetsConfig{
			SpreadsheetID:   envStr("GOOGLE_SHEET_ID", ""),
			Range:           envStr("GOOGLE_SHEET_RANGE", "Sheet1!A:G"),
			CredentialsJSON: envStr("GOOGLE_CREDENTIALS_JSON", ""),
		},

		LeadsTable:      envStr("LEADS_TABLE", ""),
		NatsURL:         envStr("NATS_URL", ""),
		NatsToken:       envStr("NATS_TOKEN", ""),
		NatsLeadSubject: envStr("NATS_LEAD_SUBJECT", "relay.lead.qualified"),
		RedisURL:        envStr("REDIS_URL", ""),

		LogLevel:  envStr("LOG_LEVEL", "info"),
		LogFormat: strings.ToLower(envStr("LOG_FORMAT", "json")),
		LogFile:   envStr("LOG_FILE", ""),
	}
}

// Validate checks settings that cannot be defaulted. Secrets are checked by
// the caller after the parameter store fallback has run.
func (c Config) Validate() error {
	var errs []error
	if c.AssistantID == "" {
		errs = append(errs, errors.New("ASSISTANT_ID is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d is out of range", c.Port))
	}
	if c.PollInterval <= 0 || c.PollTimeout <= 0 || c.ForwardTimeout <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL, POLL_TIMEOUT and FORWARD_TIMEOUT must be positive"))
	}
	if c.PollInterval > c.PollTimeout {
		errs = append(errs, errors.New("POLL_INTERVAL must not exceed POLL_TIMEOUT"))
	}
	if c.MaxMessageLen <= 0 {
		errs = append(errs, errors.New("MAX_MESSAGE_LENGTH must be positive"))
	}
	switch c.LeadStrategy {
	case LeadStrategyPayload, LeadStrategyPhrase:
	default:
		errs = append(errs, fmt.Errorf("unknown LEAD_STRATEGY %q", c.LeadStrategy))
	}
	switch c.Forwarder {
	case "", ForwarderZoho, ForwarderSheets, ForwarderDynamoDB, ForwarderNATS, ForwarderNone:
	default:
		errs = append(errs, fmt.Errorf("unknown FORWARDER %q", c.Forwarder))
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown LOG_FORMAT %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// ForwarderKind resolves FORWARDER. When unset the CRM wins over the
// spreadsheet, and with neither configured leads are dropped.
func (c Config) ForwarderKind() string {
	if c.Forwarder != "" {
		return c.Forwarder
	}
	switch {
	case c.Zoho.Complete():
		return ForwarderZoho
	case c.Sheets.Complete():
		return ForwarderSheets
	default:
		return ForwarderNone
	}
}

func envStr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return fallback
}

// envDuration accepts Go durations ("1500ms") or a bare number of seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
