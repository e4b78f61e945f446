package helpers

import (
	"github.com/spf13/cobra"

	"github.com/zinc-sig/harness/cmd/config"
	"github.com/zinc-sig/harness/internal/expand"
	"github.com/zinc-sig/harness/internal/logging"
	"github.com/zinc-sig/harness/internal/output"
)

// SetupLogFlags adds logging flags to a command
func SetupLogFlags(cmd *cobra.Command, cfg *config.LogConfig) {
	cmd.Flags().BoolVarP(&cfg.Verbose, "verbose", "v", false, "Log debug output to stderr")
	cmd.Flags().StringVar(&cfg.Format, "log-format", logging.EncodingConsole, "Log encoding: console or json")
}

// SetupSelectionFlags adds the recipe selection flags to a command
func SetupSelectionFlags(cmd *cobra.Command, cfg *config.SelectionConfig) {
	cmd.Flags().StringArrayVarP(&cfg.Recipes, "recipes", "r", nil, "Recipe set: descriptor, recipe directory, directory of recipes or glob (can be used multiple times)")
	cmd.Flags().StringVar(&cfg.Filter, "filter", "", "Only test recipes whose name/version matches this glob")
	cmd.Flags().IntVar(&cfg.MaxCombinations, "max-combinations", expand.DefaultThreshold, "Cross product size above which configurations are reduced pairwise")
	cmd.Flags().BoolVar(&cfg.DefaultsOnly, "defaults-only", false, "Only test the default configuration of each recipe")
	cmd.Flags().StringArrayVar(&cfg.Capabilities, "capability", nil, "Host capability available to recipes, e.g. network (can be used multiple times)")
}

// SetupRunFlags adds the execution flags of the run command
func SetupRunFlags(cmd *cobra.Command, cfg *config.RunConfig) {
	cmd.Flags().IntVarP(&cfg.Workers, "workers", "w", 0, "Number of parallel workers (0 = one per CPU)")
	cmd.Flags().StringVarP(&cfg.TimeoutStr, "timeout", "t", "60", "Consumer run timeout in seconds or as a duration (e.g. 30s, 2m)")
	cmd.Flags().StringVar(&cfg.BuildTimeoutStr, "build-timeout", "10m", "Consumer build timeout in seconds or as a duration")
	cmd.Flags().StringVar(&cfg.GraceStr, "grace", "30s", "Extra time before the watchdog abandons a unit")
	cmd.Flags().StringVar(&cfg.Artifacts, "artifacts", "artifacts", "Root of the prebuilt package artifacts")
	cmd.Flags().StringVar(&cfg.WorkDir, "workdir", "", "Scratch directory for worker builds (default: a temp dir)")
	cmd.Flags().StringVarP(&cfg.Format, "format", "f", output.FormatJSON, "Report format on stdout: json, ndjson or text")
	cmd.Flags().StringVarP(&cfg.Report, "report", "o", "", "Also write the JSON report to this file")
}

// SetupContextFlags adds context-related flags to a command
func SetupContextFlags(cmd *cobra.Command, cfg *config.ContextConfig) {
	cmd.Flags().StringVar(&cfg.JSON, "context", "", "Context data as JSON string")
	cmd.Flags().StringArrayVar(&cfg.KV, "context-kv", nil, "Context key=value pairs (can be used multiple times)")
	cmd.Flags().StringVar(&cfg.File, "context-file", "", "Path to JSON or YAML file containing context data")
}

// SetupUploadFlags adds upload-related flags to a command
func SetupUploadFlags(cmd *cobra.Command, cfg *config.UploadConfig) {
	cmd.Flags().StringVar(&cfg.Provider, "upload-provider", "", "Upload provider for the report and logs (minio, local)")
	cmd.Flags().StringVar(&cfg.Config, "upload-config", "", "Upload configuration as JSON string")
	cmd.Flags().StringArrayVar(&cfg.ConfigKV, "upload-config-kv", nil, "Upload config key=value pairs (can be used multiple times)")
	cmd.Flags().StringVar(&cfg.ConfigFile, "upload-config-file", "", "Path to JSON or YAML file containing upload configuration")
}

// SetupWebhookFlags adds webhook-related flags to a command
func SetupWebhookFlags(cmd *cobra.Command, cfg *config.WebhookConfig) {
	// Direct configuration flags
	cmd.Flags().StringVar(&cfg.URL, "webhook-url", "", "Webhook URL to send the report to")
	cmd.Flags().StringVar(&cfg.Method, "webhook-method", "", "HTTP method to use: POST, PUT, PATCH (default POST)")
	cmd.Flags().StringVar(&cfg.AuthType, "webhook-auth-type", "", "Authentication type: none, bearer, api-key")
	cmd.Flags().StringVar(&cfg.AuthToken, "webhook-auth-token", "", "Authentication token (use with --webhook-auth-type)")
	cmd.Flags().IntVar(&cfg.Retries, "webhook-retries", -1, "Maximum webhook retry attempts (default 3, 0 = no retries)")
	cmd.Flags().StringVar(&cfg.RetryDelay, "webhook-retry-delay", "", "Initial delay between webhook retries (default 1s)")
	cmd.Flags().StringVar(&cfg.Timeout, "webhook-timeout", "", "Total timeout for webhook including retries (default 30s)")

	// Alternative configuration methods
	cmd.Flags().StringVar(&cfg.Config, "webhook-config", "", "Webhook configuration as JSON string")
	cmd.Flags().StringArrayVar(&cfg.ConfigKV, "webhook-config-kv", nil, "Webhook config key=value pairs (can be used multiple times)")
	cmd.Flags().StringVar(&cfg.ConfigFile, "webhook-config-file", "", "Path to JSON or YAML file containing webhook configuration")
}

// SetupStoreFlags adds the run history database flags to a command
func SetupStoreFlags(cmd *cobra.Command, cfg *config.StoreConfig) {
	cmd.Flags().StringVar(&cfg.URL, "database-url", "", "Postgres URL to record the run in (env HARNESS_DATABASE_URL)")
	cmd.Flags().BoolVar(&cfg.Migrate, "database-migrate", true, "Create the run history tables when missing")
}
