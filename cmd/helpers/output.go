package helpers

import (
	"fmt"
	"io"

	"github.com/zinc-sig/harness/cmd/clierr"
	"github.com/zinc-sig/harness/cmd/config"
	"github.com/zinc-sig/harness/internal/confparse"
	"github.com/zinc-sig/harness/internal/output"
	"github.com/zinc-sig/harness/internal/verdict"
)

// BuildContext merges the context data of the run from all sources
func BuildContext(cfg *config.ContextConfig) (any, error) {
	ctxData, err := confparse.Build(confparse.Sources{
		EnvPrefix: confparse.EnvContext,
		File:      cfg.File,
		JSON:      cfg.JSON,
		Pairs:     cfg.KV,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build context: %w", err)
	}
	return ctxData, nil
}

// OutputReport writes the final report to stdout in the requested format.
// NDJSON recipe records were streamed during the run, so only the summary
// line is left.
func OutputReport(w io.Writer, format string, report *output.Report, stream *output.Stream) error {
	switch format {
	case output.FormatNDJSON:
		return stream.Summary(report)
	case output.FormatText:
		output.NewPrinter(w).Summary(report)
		return nil
	default:
		return output.WriteJSON(w, report)
	}
}

// ExitCode maps a finished run to the process exit code. A canceled run
// exits 130 whatever its verdicts.
func ExitCode(report *output.Report, canceled bool) int {
	if canceled {
		return clierr.CodeCanceled
	}
	switch verdict.RunStatus(report.Status) {
	case verdict.RunPassed:
		return clierr.CodeOK
	case verdict.RunFailed:
		return clierr.CodeFailed
	case verdict.RunCanceled:
		return clierr.CodeCanceled
	}
	return clierr.CodeHarness
}
