package helpers

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/zinc-sig/harness/cmd/config"
	"github.com/zinc-sig/harness/internal/confparse"
	"github.com/zinc-sig/harness/internal/output"
	"github.com/zinc-sig/harness/internal/webhook"
)

// BuildWebhookConfig builds webhook settings from all sources.
// Precedence: env < file < json < kv < direct flags
func BuildWebhookConfig(cfg *config.WebhookConfig) (map[string]string, error) {
	settings, err := confparse.BuildStrings(confparse.Sources{
		EnvPrefix: confparse.EnvWebhook,
		File:      cfg.ConfigFile,
		JSON:      cfg.Config,
		Pairs:     cfg.ConfigKV,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build webhook config: %w", err)
	}

	// Explicit flag values win when set
	if cfg.URL != "" {
		settings["url"] = cfg.URL
	}
	if cfg.Method != "" {
		settings["method"] = cfg.Method
	}
	if cfg.AuthType != "" {
		settings["auth_type"] = cfg.AuthType
	}
	if cfg.AuthToken != "" {
		settings["auth_token"] = cfg.AuthToken
	}
	if cfg.Timeout != "" {
		settings["timeout"] = cfg.Timeout
	}
	if cfg.Retries >= 0 {
		settings["retries"] = strconv.Itoa(cfg.Retries)
	}
	if cfg.RetryDelay != "" {
		settings["retry_delay"] = cfg.RetryDelay
	}

	return settings, nil
}

// ParseWebhookConfig converts the webhook flags to client configuration.
// Both results are nil when no webhook URL is configured.
func ParseWebhookConfig(cfg *config.WebhookConfig) (*webhook.Config, *webhook.RetryConfig, error) {
	settings, err := BuildWebhookConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	return webhook.ParseSettings(settings)
}

// SendWebhook delivers the report and records the delivery status on it.
// A failed delivery never fails the run.
func SendWebhook(ctx context.Context, cfg *webhook.Config, retry *webhook.RetryConfig, report *output.Report, logger *zap.Logger) {
	if cfg == nil || cfg.URL == "" {
		return
	}

	logger.Info("sending report to webhook", zap.String("url", cfg.URL))

	// The receiver gets the report without local delivery fields
	payload := *report
	payload.WebhookSent = false
	payload.WebhookError = ""
	payload.UploadError = ""

	client := webhook.NewClient(cfg, retry, logger)
	if err := client.SendReport(ctx, &payload); err != nil {
		logger.Warn("webhook delivery failed", zap.Error(err))
		report.WebhookSent = false
		report.WebhookError = err.Error()
		return
	}
	report.WebhookSent = true
}
