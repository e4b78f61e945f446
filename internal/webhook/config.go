package webhook

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Authentication types
const (
	AuthNone   = "none"
	AuthBearer = "bearer"
	AuthAPIKey = "api-key"
)

// Config holds webhook endpoint configuration
type Config struct {
	URL       string            // Webhook endpoint URL
	Method    string            // HTTP method (default: POST)
	Headers   map[string]string // Custom headers
	Timeout   time.Duration     // Overall timeout for all retries
	AuthType  string            // Authentication type: none, bearer, api-key
	AuthToken string            // Authentication token
}

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxRetries   int           // Maximum retry attempts (default: 3)
	InitialDelay time.Duration // Initial delay between retries (default: 1s)
	MaxDelay     time.Duration // Maximum delay (default: 30s)
	Multiplier   float64       // Backoff multiplier (default: 2.0)
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// ParseSettings turns flattened settings into webhook configuration. Keys are
// url, method, timeout, auth_type, auth_token, retries, retry_delay,
// max_delay and header_<name>. A nil Config means no webhook is configured.
func ParseSettings(settings map[string]string) (*Config, *RetryConfig, error) {
	url := strings.TrimSpace(settings["url"])
	if url == "" {
		return nil, nil, nil
	}

	cfg := &Config{
		URL:       url,
		Method:    strings.ToUpper(settings["method"]),
		Timeout:   30 * time.Second,
		AuthType:  settings["auth_type"],
		AuthToken: settings["auth_token"],
		Headers:   map[string]string{},
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	switch cfg.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return nil, nil, fmt.Errorf("unsupported webhook method %q", cfg.Method)
	}
	if cfg.AuthType == "" {
		cfg.AuthType = AuthNone
	}
	switch cfg.AuthType {
	case AuthNone:
	case AuthBearer, AuthAPIKey:
		if cfg.AuthToken == "" {
			return nil, nil, fmt.Errorf("webhook auth_type %s requires auth_token", cfg.AuthType)
		}
	default:
		return nil, nil, fmt.Errorf("unsupported webhook auth_type %q", cfg.AuthType)
	}

	retry := DefaultRetryConfig()
	var err error
	if cfg.Timeout, err = duration(settings, "timeout", cfg.Timeout); err != nil {
		return nil, nil, err
	}
	if retry.InitialDelay, err = duration(settings, "retry_delay", retry.InitialDelay); err != nil {
		return nil, nil, err
	}
	if retry.MaxDelay, err = duration(settings, "max_delay", retry.MaxDelay); err != nil {
		return nil, nil, err
	}
	if v := settings["retries"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, nil, fmt.Errorf("invalid webhook retries %q", v)
		}
		retry.MaxRetries = n
	}

	for k, v := range settings {
		if name, ok := strings.CutPrefix(k, "header_"); ok && name != "" {
			cfg.Headers[http.CanonicalHeaderKey(strings.ReplaceAll(name, "_", "-"))] = v
		}
	}
	return cfg, retry, nil
}

func duration(settings map[string]string, key string, fallback time.Duration) (time.Duration, error) {
	v := settings[key]
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid webhook %s: %w", key, err)
	}
	return d, nil
}
