package main

import "time"

// Config holds service configuration loaded from environment variables.
// When REDIS_URL is empty the service runs in single-process development
// mode against the local credential file.
type Config struct {
	Port      int    `envconfig:"PORT" default:"8080"`
	Env       string `envconfig:"ENV" default:"development"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	RedisURL       string        `envconfig:"REDIS_URL"`
	CredentialKey  string        `envconfig:"CREDENTIAL_KEY" default:"tokenkeeper:credential"`
	LockKey        string        `envconfig:"LOCK_KEY" default:"tokenkeeper:refresh-lock"`
	LockTTL        time.Duration `envconfig:"LOCK_TTL" default:"5s"`
	CacheURL       string        `envconfig:"CACHE_URL"`
	CacheTTL       time.Duration `envconfig:"CACHE_TTL" default:"1s"`
	CredentialFile string        `envconfig:"CREDENTIAL_FILE" default:".secrets/credential.json"`

	ProviderDeviceAuthURL string        `envconfig:"PROVIDER_DEVICE_AUTH_URL" required:"true"`
	ProviderTokenURL      string        `envconfig:"PROVIDER_TOKEN_URL" required:"true"`
	ProviderHealthURL     string        `envconfig:"PROVIDER_HEALTH_URL"`
	ClientID              string        `envconfig:"CLIENT_ID" required:"true"`
	ClientSecret          string        `envconfig:"CLIENT_SECRET"`
	Scope                 string        `envconfig:"SCOPE"`
	ProviderTimeout       time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"10s"`

	TokenSkew         time.Duration `envconfig:"TOKEN_SKEW" default:"60s"`
	RefreshInterval   time.Duration `envconfig:"REFRESH_INTERVAL" default:"12h"`
	PollStartInterval time.Duration `envconfig:"POLL_START_INTERVAL" default:"3s"`
	PollMaxInterval   time.Duration `envconfig:"POLL_MAX_INTERVAL" default:"8s"`

	ReadHeaderTimeout time.Duration `envconfig:"READ_HEADER_TIMEOUT" default:"5s"`
	ReadTimeout       time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout       time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`
	ShutdownTimeout   time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}
