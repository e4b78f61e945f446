package helpers

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zinc-sig/harness/cmd/config"
	"github.com/zinc-sig/harness/internal/logging"
	"github.com/zinc-sig/harness/internal/output"
)

// EnvDatabaseURL is read when --database-url is not given
const EnvDatabaseURL = "HARNESS_DATABASE_URL"

// ParseTimeout parses a timeout given in whole seconds or as a duration string
func ParseTimeout(timeoutStr string) (time.Duration, error) {
	timeoutStr = strings.TrimSpace(timeoutStr)
	if timeoutStr == "" {
		return 0, nil
	}

	var timeout time.Duration
	if secs, err := strconv.Atoi(timeoutStr); err == nil {
		timeout = time.Duration(secs) * time.Second
	} else {
		timeout, err = time.ParseDuration(timeoutStr)
		if err != nil {
			return 0, fmt.Errorf("invalid timeout duration: %w", err)
		}
	}

	if timeout <= 0 {
		return 0, fmt.Errorf("timeout must be positive")
	}

	return timeout, nil
}

// ParseRunConfig resolves the duration flags and checks the rest
func ParseRunConfig(cfg *config.RunConfig) error {
	var err error
	if cfg.Timeout, err = ParseTimeout(cfg.TimeoutStr); err != nil {
		return fmt.Errorf("--timeout: %w", err)
	}
	if cfg.BuildTimeout, err = ParseTimeout(cfg.BuildTimeoutStr); err != nil {
		return fmt.Errorf("--build-timeout: %w", err)
	}
	if cfg.Grace, err = ParseTimeout(cfg.GraceStr); err != nil {
		return fmt.Errorf("--grace: %w", err)
	}
	if cfg.Workers < 0 {
		return fmt.Errorf("--workers must not be negative")
	}
	return ValidateFormat(cfg.Format)
}

// ValidateFormat checks a report format name
func ValidateFormat(format string) error {
	switch format {
	case output.FormatJSON, output.FormatNDJSON, output.FormatText:
		return nil
	}
	return fmt.Errorf("unknown format %q (want %s, %s or %s)", format,
		output.FormatJSON, output.FormatNDJSON, output.FormatText)
}

// NewLogger builds the process logger from the log flags
func NewLogger(cfg *config.LogConfig) (*zap.Logger, error) {
	return logging.New(logging.Options{Verbose: cfg.Verbose, Encoding: cfg.Format})
}

// DatabaseURL returns the flag value, falling back to the environment
func DatabaseURL(cfg *config.StoreConfig) string {
	if cfg.URL != "" {
		return cfg.URL
	}
	return os.Getenv(EnvDatabaseURL)
}
