package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zinc-sig/harness/cmd/clierr"
	"github.com/zinc-sig/harness/cmd/config"
	"github.com/zinc-sig/harness/cmd/helpers"
	"github.com/zinc-sig/harness/internal/build"
	"github.com/zinc-sig/harness/internal/consumer"
	"github.com/zinc-sig/harness/internal/expand"
	"github.com/zinc-sig/harness/internal/output"
	"github.com/zinc-sig/harness/internal/recipe"
	"github.com/zinc-sig/harness/internal/scheduler"
	"github.com/zinc-sig/harness/internal/toolchain"
	"github.com/zinc-sig/harness/internal/verdict"
	"github.com/zinc-sig/harness/internal/webhook"
)

type runOptions struct {
	log       config.LogConfig
	selection config.SelectionConfig
	run       config.RunConfig
	context   config.ContextConfig
	upload    config.UploadConfig
	webhook   config.WebhookConfig
	store     config.StoreConfig

	webhookConfig *webhook.Config
	retryConfig   *webhook.RetryConfig
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run --recipes <set> [flags]",
		Short: "Build and run every recipe's consumer and report verdicts",
		Long: `Expand each recipe into its configurations, build and run the consumer
program of every configuration on a pool of workers, and report one verdict
per recipe.

Exit codes: 0 when every recipe passed or was skipped, 1 when any recipe
failed, 2 on a harness error, 130 when the run was interrupted.`,
		Example: `  harness run --recipes recipes/ --workers 8 --timeout 60
  harness run -r 'recipes/zlib*' --filter 'zlib/1.*' --format text
  harness run -r recipes/ --upload-provider minio --upload-config-file minio.yaml
  harness run -r recipes/ --webhook-url https://ci.example.com/hooks/harness --context-kv pipeline=nightly`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd, opts)
		},
	}

	helpers.SetupLogFlags(cmd, &opts.log)
	helpers.SetupSelectionFlags(cmd, &opts.selection)
	helpers.SetupRunFlags(cmd, &opts.run)
	helpers.SetupContextFlags(cmd, &opts.context)
	helpers.SetupUploadFlags(cmd, &opts.upload)
	helpers.SetupWebhookFlags(cmd, &opts.webhook)
	helpers.SetupStoreFlags(cmd, &opts.store)
	return cmd
}

func (o *runOptions) validate() error {
	if len(o.selection.Recipes) == 0 {
		return fmt.Errorf("required flag 'recipes' not set")
	}
	if err := helpers.ParseRunConfig(&o.run); err != nil {
		return err
	}

	var err error
	o.webhookConfig, o.retryConfig, err = helpers.ParseWebhookConfig(&o.webhook)
	if err != nil {
		return fmt.Errorf("invalid webhook configuration: %w", err)
	}
	return nil
}

func runCommand(cmd *cobra.Command, opts *runOptions) error {
	ctx := cmd.Context()
	stdout := cmd.OutOrStdout()
	stderr := cmd.ErrOrStderr()

	logger, err := helpers.NewLogger(&opts.log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID))

	ctxData, err := helpers.BuildContext(&opts.context)
	if err != nil {
		return err
	}

	provider, uploadSettings, err := helpers.SetupUploadProvider(&opts.upload)
	if err != nil {
		return err
	}

	recipes, err := recipe.LoadSet(opts.selection.Recipes, opts.selection.Filter, opts.run.Workers)
	if err != nil {
		return clierr.Wrap(clierr.CodeHarness, "failed to load recipes", err)
	}
	if len(recipes) == 0 {
		return clierr.New(clierr.CodeHarness, "no recipes selected")
	}

	artifacts, err := filepath.Abs(opts.run.Artifacts)
	if err != nil {
		return fmt.Errorf("invalid artifacts directory: %w", err)
	}
	// Unit logs stay in the work directory; the report points at them
	workDir := opts.run.WorkDir
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "harness", runID)
	}

	env := toolchain.Probe(ctx, toolchain.Options{Capabilities: opts.selection.Capabilities})

	sched := scheduler.New(scheduler.Options{
		Workers:      opts.run.Workers,
		WorkDir:      workDir,
		BuildTimeout: opts.run.BuildTimeout,
		RunTimeout:   opts.run.Timeout,
		Grace:        opts.run.Grace,
		DefaultsOnly: opts.selection.DefaultsOnly,
	},
		expand.New(opts.selection.MaxCombinations),
		build.New(env, artifacts, logger),
		consumer.NewExecutor(logger),
		env,
		logger,
	)

	printer := output.NewPrinter(stderr)
	stream := output.NewStream(stdout, runID)

	workers := opts.run.Workers
	if workers == 0 {
		workers = runtime.NumCPU()
	}
	printer.Header(output.RunHeader{
		RunID:     runID,
		Recipes:   len(recipes),
		Workers:   workers,
		Timeout:   opts.run.Timeout,
		Artifacts: artifacts,
		Tools:     env.Tools(),
	})
	if opts.log.Verbose {
		helpers.PrintContextInfo(stderr, ctxData, false)
		if provider != nil {
			helpers.PrintUploadInfo(stderr, provider, uploadSettings)
		}
	}

	sched.OnUnit = printer.Unit
	if opts.run.Format == output.FormatNDJSON {
		sched.OnVerdict = func(v *verdict.Verdict) {
			if err := stream.Verdict(v); err != nil {
				logger.Warn("failed to stream verdict", zap.String("recipe", v.Recipe.Ref()), zap.Error(err))
			}
		}
	}

	started := time.Now()
	result, err := sched.Run(ctx, recipes)
	if err != nil {
		return clierr.Wrap(clierr.CodeHarness, "run failed", err)
	}

	report := output.NewReport(runID, started, time.Now(), result.Verdicts, result.Canceled)
	report.Toolchain = env.Tools()
	report.Context = ctxData

	// Results of an interrupted run are still delivered
	sinkCtx := context.WithoutCancel(ctx)
	helpers.PublishReport(sinkCtx, provider, report, logger)
	helpers.SendWebhook(sinkCtx, opts.webhookConfig, opts.retryConfig, report, logger)

	if opts.run.Format != output.FormatText {
		printer.Summary(report)
	}
	if err := helpers.OutputReport(stdout, opts.run.Format, report, stream); err != nil {
		return clierr.Wrap(clierr.CodeHarness, "failed to write report", err)
	}
	if opts.run.Report != "" {
		if err := output.WriteFile(opts.run.Report, report); err != nil {
			return clierr.Wrap(clierr.CodeHarness, "failed to write report file", err)
		}
	}

	if url := helpers.DatabaseURL(&opts.store); url != "" {
		if err := helpers.SaveReport(sinkCtx, url, opts.store.Migrate, report, logger); err != nil {
			return clierr.Wrap(clierr.CodeHarness, "", err)
		}
	}

	return clierr.Exit(helpers.ExitCode(report, result.Canceled))
}
