package helpers

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/zinc-sig/harness/cmd/config"
	"github.com/zinc-sig/harness/internal/confparse"
	"github.com/zinc-sig/harness/internal/output"
	"github.com/zinc-sig/harness/internal/upload"
)

// BuildUploadConfig builds upload settings from all sources
func BuildUploadConfig(cfg *config.UploadConfig) (map[string]string, error) {
	settings, err := confparse.BuildStrings(confparse.Sources{
		EnvPrefix: confparse.EnvUpload,
		File:      cfg.ConfigFile,
		JSON:      cfg.Config,
		Pairs:     cfg.ConfigKV,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build upload config: %w", err)
	}
	return settings, nil
}

// SetupUploadProvider creates and configures the upload provider, or returns
// nil when no provider was requested
func SetupUploadProvider(cfg *config.UploadConfig) (upload.Provider, map[string]string, error) {
	if cfg.Provider == "" {
		return nil, nil, nil
	}

	settings, err := BuildUploadConfig(cfg)
	if err != nil {
		return nil, nil, err
	}

	provider, err := upload.NewProvider(cfg.Provider, settings)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create upload provider: %w", err)
	}

	return provider, settings, nil
}

// PrintUploadInfo prints the upload configuration in verbose mode. Credentials
// are never printed.
func PrintUploadInfo(w io.Writer, provider upload.Provider, settings map[string]string) {
	fmt.Fprintln(w, "========================================")
	fmt.Fprintln(w, "Upload Configuration")
	fmt.Fprintln(w, "========================================")
	fmt.Fprintf(w, "Provider:       %s\n", provider.Name())

	for _, k := range []string{"endpoint", "bucket", "prefix", "path"} {
		if v := settings[k]; v != "" {
			fmt.Fprintf(w, "%-16s%s\n", displayName(k)+":", v)
		}
	}
	fmt.Fprintf(w, "Report:         %s\n", provider.Location("<run_id>/report.json"))
	fmt.Fprintln(w, "----------------------------------------")
}

func displayName(key string) string {
	if key == "" {
		return key
	}
	return string(key[0]-'a'+'A') + key[1:]
}

// PublishReport uploads the run's logs and report and records the outcome
// on the report. A failed upload never fails the run.
func PublishReport(ctx context.Context, provider upload.Provider, report *output.Report, logger *zap.Logger) {
	if provider == nil {
		return
	}

	location, err := upload.NewPublisher(provider, logger).Publish(ctx, report)
	if err != nil {
		logger.Warn("report upload failed", zap.String("provider", provider.Name()), zap.Error(err))
		report.UploadError = err.Error()
		return
	}
	logger.Info("report uploaded", zap.String("location", location))
	report.UploadLocation = location
}
