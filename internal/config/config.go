package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath   = "config.toml"
	DefaultHTTPAddr     = ":8080"
	DefaultJWTExpiresIn = "24h"
	DefaultPGHost       = "127.0.0.1"
	DefaultPGPort       = 5432
	DefaultPGUser       = "postgres"
	DefaultPGDatabase   = "socialdesk"
	DefaultPGSSLMode    = "disable"
	DefaultMediaDir     = "uploads"
	DefaultLLMBaseURL   = "https://api.openai.com/v1"
	DefaultLLMModel     = "gpt-4o-mini"
)

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Admin    AdminConfig    `toml:"admin"`
	Auth     AuthConfig     `toml:"auth"`
	Postgres PostgresConfig `toml:"postgres"`
	Webhook  WebhookConfig  `toml:"webhook"`
	Media    MediaConfig    `toml:"media"`
	Reply    ReplyConfig    `toml:"reply"`
	LLM      LLMConfig      `toml:"llm"`
	Identity IdentityConfig `toml:"identity"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
	// PublicBaseURL is the externally reachable base URL of this service,
	// used to build media URLs that platforms can fetch.
	PublicBaseURL string `toml:"public_base_url"`
}

type AdminConfig struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

type WebhookConfig struct {
	VerifyToken string `toml:"verify_token"`
}

type MediaConfig struct {
	Dir string `toml:"dir"`
	// MaxDownloadBytes caps a single attachment download. Zero means the
	// built-in default.
	MaxDownloadBytes int64 `toml:"max_download_bytes"`
}

type ReplyConfig struct {
	// PriceTablePath points at a TOML price table for the deterministic
	// two-token reply rule. Empty disables the rule.
	PriceTablePath string `toml:"price_table_path"`
	// PersistOnSendFailure keeps the generated reply in the conversation log
	// even when platform delivery fails, so operators can see what was
	// attempted.
	PersistOnSendFailure bool `toml:"persist_on_send_failure"`
}

type LLMConfig struct {
	BaseURL        string  `toml:"base_url"`
	APIKey         string  `toml:"api_key"`
	Model          string  `toml:"model"`
	Temperature    float64 `toml:"temperature"`
	MaxTokens      int     `toml:"max_tokens"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
	SystemPrompt   string  `toml:"system_prompt"`
}

type IdentityConfig struct {
	// RefreshCron schedules the background identity sweep. Empty disables it.
	RefreshCron string `toml:"refresh_cron"`
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Admin: AdminConfig{
			Username: "admin",
			Password: "change-your-password-here",
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Media: MediaConfig{
			Dir: DefaultMediaDir,
		},
		Reply: ReplyConfig{
			PersistOnSendFailure: true,
		},
		LLM: LLMConfig{
			BaseURL:     DefaultLLMBaseURL,
			Model:       DefaultLLMModel,
			Temperature: 0.4,
			MaxTokens:   300,
		},
		Identity: IdentityConfig{
			RefreshCron: "@every 30m",
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return applyEnv(cfg), nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return applyEnv(cfg), nil
}

// applyEnv lets secrets come from the environment without a config file edit.
func applyEnv(cfg Config) Config {
	if v := os.Getenv("SOCIALDESK_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("SOCIALDESK_VERIFY_TOKEN"); v != "" {
		cfg.Webhook.VerifyToken = v
	}
	if v := os.Getenv("SOCIALDESK_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("SOCIALDESK_PG_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	return cfg
}
