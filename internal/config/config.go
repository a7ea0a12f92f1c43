package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix          = "REGISTRAR"
	defaultHTTPAddress = "0.0.0.0:8080"
	defaultDatabase    = "registrar.db"
	defaultLogLevel    = "info"
	defaultBaseURL     = "http://localhost:8080"

	defaultNotifyCount   = 5
	defaultNotifyLimit   = 5
	defaultTokenMaxAgeS  = 86400
	defaultNotifyCron    = "*/10 * * * *"
	defaultExpiryCron    = "30 * * * *"
	defaultWarningCron   = "45 * * * *"
	defaultSessionTTLMin = 60
)

// AppConfig captures runtime configuration for the registrar service.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	BaseURL           string
	AuthSigningSecret string
	SessionTTL        time.Duration

	// NotifyCount is the maximum number of queued users notified per
	// instance per scheduler run. NotifyLimit caps notifications per
	// waitlist entry; entries at the limit are skipped, not removed.
	NotifyCount int
	NotifyLimit int

	TokenMaxAge    time.Duration
	NotifyFromUser int64

	NotifyCronSpec  string
	ExpiryCronSpec  string
	WarningCronSpec string
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
	configViper.SetDefault("http.base_url", defaultBaseURL)
	configViper.SetDefault("database.path", defaultDatabase)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.session_ttl_minutes", defaultSessionTTLMin)
	configViper.SetDefault("notify.count", defaultNotifyCount)
	configViper.SetDefault("notify.limit", defaultNotifyLimit)
	configViper.SetDefault("notify.from_user", 0)
	configViper.SetDefault("notify.cron", defaultNotifyCron)
	configViper.SetDefault("expiry.cron", defaultExpiryCron)
	configViper.SetDefault("expiry.warning_cron", defaultWarningCron)
	configViper.SetDefault("token.max_age_s", defaultTokenMaxAgeS)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		BaseURL:           configViper.GetString("http.base_url"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		SessionTTL:        time.Duration(configViper.GetInt("auth.session_ttl_minutes")) * time.Minute,
		NotifyCount:       configViper.GetInt("notify.count"),
		NotifyLimit:       configViper.GetInt("notify.limit"),
		NotifyFromUser:    configViper.GetInt64("notify.from_user"),
		TokenMaxAge:       time.Duration(configViper.GetInt("token.max_age_s")) * time.Second,
		NotifyCronSpec:    configViper.GetString("notify.cron"),
		ExpiryCronSpec:    configViper.GetString("expiry.cron"),
		WarningCronSpec:   configViper.GetString("expiry.warning_cron"),
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
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("http.base_url is required")
	}
	if c.NotifyCount <= 0 {
		return fmt.Errorf("notify.count must be positive")
	}
	if c.NotifyLimit <= 0 {
		return fmt.Errorf("notify.limit must be positive")
	}
	if c.TokenMaxAge <= 0 {
		return fmt.Errorf("token.max_age_s must be positive")
	}
	return nil
}
