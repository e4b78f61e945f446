package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zinc-sig/harness/cmd/clierr"
	"github.com/zinc-sig/harness/cmd/helpers"
	"github.com/zinc-sig/harness/internal/output"
	"github.com/zinc-sig/harness/internal/toolchain"
)

type probeOptions struct {
	tools        []string
	capabilities []string
	timeoutStr   string
	format       string
	require      bool
}

type probeResult struct {
	Tools        []toolchain.Tool `json:"tools"`
	Capabilities []string         `json:"capabilities"`
	CC           string           `json:"cc"`
	CXX          string           `json:"cxx"`
}

func newProbeCmd() *cobra.Command {
	opts := &probeOptions{}

	cmd := &cobra.Command{
		Use:   "probe [flags]",
		Short: "Report the toolchain a run would see",
		Long: `Probe the host for the C and C++ compilers, cmake and any extra tools, the
same way a run does at startup, and print what was found.

With --require the command exits 1 when any probed tool is missing.`,
		Example: `  harness probe
  harness probe --tool ninja --tool pkg-config --require
  CXX=clang++ harness probe --format json`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.format == output.FormatNDJSON {
				return fmt.Errorf("probe supports the json and text formats")
			}
			return helpers.ValidateFormat(opts.format)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return probeCommand(cmd, opts)
		},
	}

	cmd.Flags().StringArrayVar(&opts.tools, "tool", nil, "Extra tool to probe (can be used multiple times)")
	cmd.Flags().StringArrayVar(&opts.capabilities, "capability", nil, "Host capability to declare (can be used multiple times)")
	cmd.Flags().StringVar(&opts.timeoutStr, "timeout", "5s", "Timeout for each tool's version query")
	cmd.Flags().StringVarP(&opts.format, "format", "f", output.FormatText, "Output format: json or text")
	cmd.Flags().BoolVar(&opts.require, "require", false, "Exit 1 when a probed tool is missing")
	return cmd
}

func probeCommand(cmd *cobra.Command, opts *probeOptions) error {
	timeout, err := helpers.ParseTimeout(opts.timeoutStr)
	if err != nil {
		return err
	}

	env := toolchain.Probe(cmd.Context(), toolchain.Options{
		Tools:        opts.tools,
		Capabilities: opts.capabilities,
		Timeout:      timeout,
	})
	result := probeResult{
		Tools:        env.Tools(),
		Capabilities: env.Capabilities(),
		CC:           env.Compiler("c"),
		CXX:          env.Compiler("c++"),
	}

	w := cmd.OutOrStdout()
	if opts.format == output.FormatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return fmt.Errorf("failed to write probe result: %w", err)
		}
	} else {
		fmt.Fprintf(w, "CC:           %s\n", result.CC)
		fmt.Fprintf(w, "CXX:          %s\n", result.CXX)
		if len(result.Capabilities) > 0 {
			fmt.Fprintf(w, "Capabilities: %s\n", strings.Join(result.Capabilities, ", "))
		}
		for _, t := range result.Tools {
			if !t.Available {
				fmt.Fprintf(w, "  %-12s not found\n", t.Name)
				continue
			}
			line := fmt.Sprintf("  %-12s %s", t.Name, t.Path)
			if t.Version != "" {
				line += " (" + t.Version + ")"
			}
			fmt.Fprintln(w, line)
		}
	}

	if opts.require {
		var missing []string
		for _, t := range result.Tools {
			if !t.Available {
				missing = append(missing, t.Name)
			}
		}
		if len(missing) > 0 {
			return clierr.Newf(clierr.CodeFailed, "missing tools: %s", strings.Join(missing, ", "))
		}
	}
	return nil
}
