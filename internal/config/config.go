// Package config loads service configuration from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// ProviderCredentials are the OAuth client credentials of one provider. A provider is
// enabled when its id is set.
type ProviderCredentials struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET" validate:"required_with=ClientID"`
}

// Enabled reports whether the provider is configured.
func (p ProviderCredentials) Enabled() bool { return p.ClientID != "" }

// Config is the full service configuration.
type Config struct {
	Environment string `env:"APP_ENV" validate:"oneof=development production test"`
	LogLevel    string `env:"LOG_LEVEL" validate:"oneof=debug info warn error"`

	DatabaseURL   string `env:"DATABASE_URL"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	KVRestURL     string `env:"KV_REST_URL" validate:"omitempty,url"`
	KVRestToken   string `env:"KV_REST_TOKEN" validate:"required_with=KVRestURL"`

	OAuthStateSecret     string        `env:"OAUTH_STATE_SECRET" validate:"required,min=32"`
	TokenEncryptionKey   string        `env:"TOKEN_ENCRYPTION_KEY" validate:"required"`
	OAuthRedirectBaseURL string        `env:"OAUTH_REDIRECT_BASE_URL" validate:"required,url"`
	OAuthStateMaxAge     time.Duration `env:"OAUTH_STATE_MAX_AGE" validate:"gt=0"`
	AllowedReturnHosts   []string      `env:"ALLOWED_RETURN_HOSTS"`

	ProviderHTTPTimeout time.Duration `env:"PROVIDER_HTTP_TIMEOUT" validate:"gt=0"`
	ProviderRateLimit   float64       `env:"PROVIDER_RATE_LIMIT" validate:"gte=0"`
	RefreshConcurrency  int           `env:"REFRESH_CONCURRENCY" validate:"min=1,max=64"`
	RefreshSchedule     string        `env:"REFRESH_SCHEDULE"`
	ProbeSchedule       string        `env:"PROBE_SCHEDULE"`
	ThresholdsFile      string        `env:"THRESHOLDS_FILE"`

	Meta             ProviderCredentials `env:"META_APP"`
	MetaGraphVersion string              `env:"META_GRAPH_VERSION"`
	Google           ProviderCredentials `env:"GOOGLE"`
	GoogleDevToken   string              `env:"GOOGLE_ADS_DEVELOPER_TOKEN"`
	TikTok           ProviderCredentials `env:"TIKTOK_APP"`
	Klaviyo          ProviderCredentials `env:"KLAVIYO"`
}

var defaults = map[string]string{
	"APP_ENV":               "development",
	"LOG_LEVEL":             "info",
	"OAUTH_STATE_MAX_AGE":   "10m",
	"PROVIDER_HTTP_TIMEOUT": "20s",
	"PROVIDER_RATE_LIMIT":   "10",
	"REFRESH_CONCURRENCY":   "8",
	"REFRESH_SCHEDULE":      "@every 5m",
	"PROBE_SCHEDULE":        "@every 30s",
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("env"); name != "" {
			return name
		}
		return f.Name
	})
	return v
}

// Load reads the given .env files (default ".env") when they exist, then the
// process environment.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds and validates a Config from lookup. Every problem is reported at
// once.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	var problems []string
	get := func(key string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return defaults[key]
	}
	duration := func(key string) time.Duration {
		d, err := time.ParseDuration(get(key))
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: not a duration", key))
		}
		return d
	}
	creds := func(prefix string) ProviderCredentials {
		id, secret := "CLIENT_ID", "CLIENT_SECRET"
		if strings.HasSuffix(prefix, "_APP") {
			id, secret = "ID", "SECRET"
		}
		return ProviderCredentials{ClientID: get(prefix + "_" + id), ClientSecret: get(prefix + "_" + secret)}
	}

	cfg := &Config{
		Environment:          get("APP_ENV"),
		LogLevel:             strings.ToLower(get("LOG_LEVEL")),
		DatabaseURL:          get("DATABASE_URL"),
		RedisAddr:            get("REDIS_ADDR"),
		RedisPassword:        get("REDIS_PASSWORD"),
		KVRestURL:            get("KV_REST_URL"),
		KVRestToken:          get("KV_REST_TOKEN"),
		OAuthStateSecret:     get("OAUTH_STATE_SECRET"),
		TokenEncryptionKey:   get("TOKEN_ENCRYPTION_KEY"),
		OAuthRedirectBaseURL: strings.TrimRight(get("OAUTH_REDIRECT_BASE_URL"), "/"),
		OAuthStateMaxAge:     duration("OAUTH_STATE_MAX_AGE"),
		AllowedReturnHosts:   splitList(get("ALLOWED_RETURN_HOSTS")),
		ProviderHTTPTimeout:  duration("PROVIDER_HTTP_TIMEOUT"),
		RefreshSchedule:      get("REFRESH_SCHEDULE"),
		ProbeSchedule:        get("PROBE_SCHEDULE"),
		ThresholdsFile:       get("THRESHOLDS_FILE"),
		Meta:                 creds("META_APP"),
		MetaGraphVersion:     get("META_GRAPH_VERSION"),
		Google:               creds("GOOGLE"),
		GoogleDevToken:       get("GOOGLE_ADS_DEVELOPER_TOKEN"),
		TikTok:               creds("TIKTOK_APP"),
		Klaviyo:              creds("KLAVIYO"),
	}
	if n, err := strconv.Atoi(get("REFRESH_CONCURRENCY")); err != nil {
		problems = append(problems, "REFRESH_CONCURRENCY: not an integer")
	} else {
		cfg.RefreshConcurrency = n
	}
	if f, err := strconv.ParseFloat(get("PROVIDER_RATE_LIMIT"), 64); err != nil {
		problems = append(problems, "PROVIDER_RATE_LIMIT: not a number")
	} else {
		cfg.ProviderRateLimit = f
	}

	if cfg.Google.Enabled() && cfg.GoogleDevToken == "" {
		problems = append(problems, "GOOGLE_ADS_DEVELOPER_TOKEN: required when GOOGLE_CLIENT_ID is set")
	}

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, err
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return cfg, nil
}

// describe names the environment variable behind a failed field.
func describe(fe validator.FieldError) string {
	name := fe.Field()
	if parts := strings.Split(fe.Namespace(), "."); len(parts) == 3 {
		// Nested credentials: Config.META_APP.CLIENT_SECRET
		suffix := name
		if strings.HasSuffix(parts[1], "_APP") {
			suffix = strings.TrimPrefix(name, "CLIENT_")
		}
		name = parts[1] + "_" + suffix
	}
	switch fe.Tag() {
	case "required":
		return name + ": required"
	case "required_with":
		return fmt.Sprintf("%s: required with %s", name, fe.Param())
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s: must be at least %s characters", name, fe.Param())
		}
		return fmt.Sprintf("%s: must be at least %s", name, fe.Param())
	case "url":
		return name + ": must be a URL"
	case "oneof":
		return fmt.Sprintf("%s: must be one of %s", name, fe.Param())
	default:
		return fmt.Sprintf("%s: failed %s %s", name, fe.Tag(), fe.Param())
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// RedirectURL is the OAuth callback registered with provider.
func (c *Config) RedirectURL(provider string) string {
	return c.OAuthRedirectBaseURL + "/integrations/" + provider + "/callback"
}

// Development reports whether logs should be human-readable.
func (c *Config) Development() bool { return c.Environment == "development" }
