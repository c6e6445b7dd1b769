package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "CODECOLLAB"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "codecollab.db"
	defaultLogLevel          = "info"
	defaultCookieName        = "codecollab_session"
	defaultIssuer            = "codecollab-auth"
	defaultTokenTTL          = 12 * time.Hour
	defaultIdleTTL           = time.Hour
	defaultSweepSchedule     = "@every 5m"
	defaultPermission        = "write"
	defaultColorPolicy       = "round-robin"
	defaultMaxMessageLength  = 2000
	defaultRelayBufferSize   = 64
	defaultExecTimeout       = 10 * time.Second
	defaultPythonPath        = "python3"
	defaultNodePath          = "node"
	defaultAIModel           = "gemini-2.0-flash"
	defaultAITimeout         = 30 * time.Second
	defaultRedisDB           = 0
	defaultAllowedOriginList = "*"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	DatabasePath   string
	LogLevel       string

	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string
	AuthTokenTTL      time.Duration

	RedisAddress  string
	RedisPassword string
	RedisDB       int

	SessionIdleTTL           time.Duration
	SessionSweepSchedule     string
	SessionReapExemptActive  bool
	SessionDefaultPermission string
	SessionPalette           []string
	SessionColorPolicy       string
	SessionMaxMessageLength  int

	RelayBufferSize int

	ExecTimeout    time.Duration
	ExecPythonPath string
	ExecNodePath   string

	AIAPIKey  string
	AIModel   string
	AITimeout time.Duration
}

// RedisEnabled reports whether a shared redis store is configured.
func (c AppConfig) RedisEnabled() bool {
	return strings.TrimSpace(c.RedisAddress) != ""
}

// AssistantEnabled reports whether the generative assistant has credentials.
func (c AppConfig) AssistantEnabled() bool {
	return strings.TrimSpace(c.AIAPIKey) != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", defaultAllowedOriginList)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)

	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", defaultRedisDB)

	configViper.SetDefault("session.idle_ttl", defaultIdleTTL)
	configViper.SetDefault("session.sweep_schedule", defaultSweepSchedule)
	configViper.SetDefault("session.reap_exempt_active", false)
	configViper.SetDefault("session.default_permission", defaultPermission)
	configViper.SetDefault("session.palette", "")
	configViper.SetDefault("session.color_policy", defaultColorPolicy)
	configViper.SetDefault("session.max_message_length", defaultMaxMessageLength)

	configViper.SetDefault("relay.buffer_size", defaultRelayBufferSize)

	configViper.SetDefault("exec.timeout", defaultExecTimeout)
	configViper.SetDefault("exec.python_path", defaultPythonPath)
	configViper.SetDefault("exec.node_path", defaultNodePath)

	configViper.SetDefault("ai.api_key", "")
	configViper.SetDefault("ai.model", defaultAIModel)
	configViper.SetDefault("ai.timeout", defaultAITimeout)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: splitList(configViper.GetString("http.allowed_origins")),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),

		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthCookieName:    configViper.GetString("auth.cookie_name"),
		AuthTokenTTL:      configViper.GetDuration("auth.token_ttl"),

		RedisAddress:  configViper.GetString("redis.address"),
		RedisPassword: configViper.GetString("redis.password"),
		RedisDB:       configViper.GetInt("redis.db"),

		SessionIdleTTL:           configViper.GetDuration("session.idle_ttl"),
		SessionSweepSchedule:     configViper.GetString("session.sweep_schedule"),
		SessionReapExemptActive:  configViper.GetBool("session.reap_exempt_active"),
		SessionDefaultPermission: strings.ToLower(strings.TrimSpace(configViper.GetString("session.default_permission"))),
		SessionPalette:           splitList(configViper.GetString("session.palette")),
		SessionColorPolicy:       strings.ToLower(strings.TrimSpace(configViper.GetString("session.color_policy"))),
		SessionMaxMessageLength:  configViper.GetInt("session.max_message_length"),

		RelayBufferSize: configViper.GetInt("relay.buffer_size"),

		ExecTimeout:    configViper.GetDuration("exec.timeout"),
		ExecPythonPath: configViper.GetString("exec.python_path"),
		ExecNodePath:   configViper.GetString("exec.node_path"),

		AIAPIKey:  configViper.GetString("ai.api_key"),
		AIModel:   configViper.GetString("ai.model"),
		AITimeout: configViper.GetDuration("ai.timeout"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.AuthTokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.SessionIdleTTL <= 0 {
		return fmt.Errorf("session.idle_ttl must be positive")
	}
	if strings.TrimSpace(c.SessionSweepSchedule) == "" {
		return fmt.Errorf("session.sweep_schedule is required")
	}
	switch c.SessionDefaultPermission {
	case "read", "write":
	default:
		return fmt.Errorf("session.default_permission must be read or write, got %q", c.SessionDefaultPermission)
	}
	switch c.SessionColorPolicy {
	case "round-robin", "least-used":
	default:
		return fmt.Errorf("session.color_policy must be round-robin or least-used, got %q", c.SessionColorPolicy)
	}
	if c.SessionMaxMessageLength <= 0 {
		return fmt.Errorf("session.max_message_length must be positive")
	}
	if c.RelayBufferSize <= 0 {
		return fmt.Errorf("relay.buffer_size must be positive")
	}
	if c.ExecTimeout <= 0 {
		return fmt.Errorf("exec.timeout must be positive")
	}
	if c.AITimeout <= 0 {
		return fmt.Errorf("ai.timeout must be positive")
	}
	return nil
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
