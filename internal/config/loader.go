package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Load reads configuration from the process environment, applies defaults
// and validates the result.
func Load() (*Config, error) {
	return LoadFrom(os.LookupEnv)
}

// LoadFrom is Load with a custom variable source.
func LoadFrom(lookup func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem(), lookup); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	cfg.State.Backend = strings.ToLower(strings.TrimSpace(cfg.State.Backend))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// loadStruct populates tagged fields, recursing into nested structs.
func loadStruct(v reflect.Value, lookup func(string) (string, bool)) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)
		if !fieldVal.CanSet() {
			continue
		}

		if field.Type.Kind() == reflect.Struct {
			if err := loadStruct(fieldVal, lookup); err != nil {
				return err
			}
			continue
		}

		envName := field.Tag.Get("env")
		if envName == "" {
			continue
		}

		value, _ := lookup(envName)
		if value == "" {
			if alt := field.Tag.Get("envAlt"); alt != "" {
				value, _ = lookup(alt)
			}
		}
		if value == "" {
			if field.Tag.Get("required") == "true" {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = field.Tag.Get("default")
		}
		if value == "" {
			continue
		}

		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, maskIfSecret(field, value), err)
		}
	}
	return nil
}

func maskIfSecret(field reflect.StructField, value string) string {
	if field.Tag.Get("secret") == "true" {
		return "[MASKED]"
	}
	return value
}

// setField parses value into field according to its type.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		field.SetInt(n)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		field.Set(reflect.ValueOf(out))

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("SERVER_PORT (%d) must be 1-65535", c.Server.Port)
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		add("SERVER_READ_TIMEOUT and SERVER_WRITE_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		add("SERVER_SHUTDOWN_TIMEOUT must be positive")
	}
	if c.Server.RequestTimeout <= 0 {
		add("SERVER_REQUEST_TIMEOUT must be positive")
	}
	if c.Server.MaxBodyBytes <= 0 {
		add("SERVER_MAX_BODY_BYTES must be positive")
	}

	if c.Bot.AppID != "" && c.Bot.AppPassword == "" {
		add("BOT_APP_PASSWORD is required when BOT_APP_ID is set")
	}
	if c.Bot.AppID != "" && len(c.Bot.ChannelTokens) == 0 {
		add("CHANNEL_TOKENS is required when BOT_APP_ID is set")
	}
	if c.Bot.AppID != "" && len(c.Bot.ServiceURLHosts) == 0 {
		add("BOT_SERVICE_URL_HOSTS must not be empty when BOT_APP_ID is set")
	}
	if c.Bot.ReplyTimeout <= 0 {
		add("BOT_REPLY_TIMEOUT must be positive")
	}

	if c.Fetch.Timeout <= 0 {
		add("FETCH_TIMEOUT must be positive")
	}
	if c.Fetch.MaxBytes <= 0 {
		add("FETCH_MAX_BYTES must be positive")
	}
	if c.Fetch.MaxConcurrent <= 0 {
		add("FETCH_MAX_CONCURRENT must be positive")
	}
	if c.Fetch.MaxWait <= 0 {
		add("FETCH_MAX_WAIT must be positive")
	}
	if c.Fetch.UseBotToken && c.Bot.AppID == "" {
		add("FETCH_USE_BOT_TOKEN needs BOT_APP_ID")
	}

	if !strings.Contains(c.Staging.URL, "://") {
		add("STAGING_URL (%q) must be a URL such as mem://localhost/staging or file:///var/lib/sheetbot", c.Staging.URL)
	}

	switch c.State.Backend {
	case BackendMemory:
	case BackendPostgres:
		if strings.HasPrefix(strings.ToLower(c.Staging.URL), "mem://") {
			add("STAGING_URL (%q) is process-local; STATE_BACKEND=postgres needs shared staging such as file:// on a shared volume or a cloud bucket", c.Staging.URL)
		}
		if c.Database.URL == "" {
			add("DATABASE_URL is required when STATE_BACKEND=postgres")
		}
		if c.Database.MaxConns <= 0 {
			add("DB_MAX_CONNS must be positive")
		}
		if c.Database.MinConns < 0 {
			add("DB_MIN_CONNS must be non-negative")
		}
		if c.Database.MaxConns < c.Database.MinConns {
			add("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)", c.Database.MaxConns, c.Database.MinConns)
		}
	default:
		add("STATE_BACKEND (%q) must be one of: memory, postgres", c.State.Backend)
	}
	if c.State.TTL <= 0 {
		add("STATE_TTL must be positive")
	}
	if c.State.SweepInterval <= 0 {
		add("STATE_SWEEP_INTERVAL must be positive")
	}

	if c.Rate.Enabled && (c.Rate.RequestsPerMinute <= 0 || c.Rate.Burst <= 0) {
		add("RATE_LIMIT_REQUESTS_PER_MINUTE and RATE_LIMIT_BURST must be positive when rate limiting is enabled")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		add("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level)
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		add("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format)
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// String renders the config for startup logs with secrets masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	fmt.Fprintf(&b, "Server: {Addr: %q}, ", c.Server.Addr())
	fmt.Fprintf(&b, "Bot: {AppID: %q, Password: %s, ChannelTokens: %d, ServiceURLHosts: %q}, ",
		c.Bot.AppID, mask(c.Bot.AppPassword), len(c.Bot.ChannelTokens), c.Bot.ServiceURLHosts)
	fmt.Fprintf(&b, "Fetch: {Timeout: %s, MaxBytes: %d, MaxConcurrent: %d}, ",
		c.Fetch.Timeout, c.Fetch.MaxBytes, c.Fetch.MaxConcurrent)
	fmt.Fprintf(&b, "Staging: {URL: %q}, ", c.Staging.URL)
	fmt.Fprintf(&b, "State: {Backend: %q, TTL: %s}, ", c.State.Backend, c.State.TTL)
	fmt.Fprintf(&b, "Database: {URL: %s}, ", mask(c.Database.URL))
	fmt.Fprintf(&b, "Rate: {Enabled: %v, RequestsPerMinute: %d}, ", c.Rate.Enabled, c.Rate.RequestsPerMinute)
	fmt.Fprintf(&b, "Logging: {Level: %q, Format: %q}", c.Logging.Level, c.Logging.Format)
	b.WriteString("}")
	return b.String()
}

func mask(s string) string {
	if s == "" {
		return `""`
	}
	return "[MASKED]"
}
