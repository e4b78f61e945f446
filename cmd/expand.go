package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zinc-sig/harness/cmd/clierr"
	"github.com/zinc-sig/harness/cmd/config"
	"github.com/zinc-sig/harness/cmd/helpers"
	"github.com/zinc-sig/harness/internal/expand"
	"github.com/zinc-sig/harness/internal/output"
	"github.com/zinc-sig/harness/internal/recipe"
	"github.com/zinc-sig/harness/internal/toolchain"
)

type expandOptions struct {
	selection config.SelectionConfig
	context   config.ContextConfig
	format    string
}

// planConfiguration is one configuration the run would test
type planConfiguration struct {
	Options   map[string]string `json:"options"`
	PackageID string            `json:"package_id"`
	Skip      string            `json:"skip,omitempty"`
}

// planRecipe is the configuration plan of one recipe
type planRecipe struct {
	Name           string              `json:"name"`
	Version        string              `json:"version"`
	Strategy       string              `json:"strategy,omitempty"`
	Configurations []planConfiguration `json:"configurations"`
	Uncovered      []string            `json:"uncovered_pairs,omitempty"`
	Error          string              `json:"error,omitempty"`
}

func newExpandCmd() *cobra.Command {
	opts := &expandOptions{}

	cmd := &cobra.Command{
		Use:   "expand --recipes <set> [flags]",
		Short: "Print the configurations a run would test, without building",
		Long: `Expand each selected recipe into the configurations a run would test and
print the plan. Nothing is built or run.

Configurations that would be skipped are listed with the reason, and any
option pair the plan fails to cover is reported.`,
		Example: `  harness expand --recipes recipes/zlib
  harness expand -r recipes/ --max-combinations 16 --format text`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if len(opts.selection.Recipes) == 0 {
				return fmt.Errorf("required flag 'recipes' not set")
			}
			if opts.format == output.FormatNDJSON {
				return fmt.Errorf("expand supports the json and text formats")
			}
			return helpers.ValidateFormat(opts.format)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return expandCommand(cmd, opts)
		},
	}

	helpers.SetupSelectionFlags(cmd, &opts.selection)
	helpers.SetupContextFlags(cmd, &opts.context)
	cmd.Flags().StringVarP(&opts.format, "format", "f", output.FormatText, "Plan format: json or text")
	return cmd
}

func expandCommand(cmd *cobra.Command, opts *expandOptions) error {
	recipes, err := recipe.LoadSet(opts.selection.Recipes, opts.selection.Filter, 0)
	if err != nil {
		return clierr.Wrap(clierr.CodeHarness, "failed to load recipes", err)
	}

	ctxData, err := helpers.BuildContext(&opts.context)
	if err != nil {
		return err
	}

	env := toolchain.NewEnvironment(opts.selection.Capabilities)
	expander := expand.New(opts.selection.MaxCombinations)

	plans := make([]planRecipe, 0, len(recipes))
	failed := false
	for _, r := range recipes {
		p := planFor(r, expander, env, opts.selection.DefaultsOnly)
		if p.Error != "" {
			failed = true
		}
		plans = append(plans, p)
	}

	w := cmd.OutOrStdout()
	if opts.format == output.FormatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(plans); err != nil {
			return fmt.Errorf("failed to write plan: %w", err)
		}
	} else {
		helpers.PrintContextInfo(w, ctxData, true)
		printPlans(w, plans)
	}

	if failed {
		return clierr.Exit(clierr.CodeFailed)
	}
	return nil
}

func planFor(r *recipe.Recipe, expander *expand.Expander, env *toolchain.Environment, defaultsOnly bool) planRecipe {
	p := planRecipe{Name: r.Name, Version: r.Version}

	var configs []recipe.Configuration
	if defaultsOnly {
		cfg, err := expand.Default(r)
		if err != nil {
			p.Error = err.Error()
			return p
		}
		configs = []recipe.Configuration{cfg}
	} else {
		strategy, err := expander.StrategyFor(r.Options, r.Exclusions)
		if err != nil {
			p.Error = err.Error()
			return p
		}
		p.Strategy = string(strategy)

		if configs, err = expander.ExpandRecipe(r); err != nil {
			p.Error = err.Error()
			return p
		}
		pairs, err := expand.Uncovered(configs, r.Options, r.Exclusions)
		if err != nil {
			p.Error = err.Error()
			return p
		}
		for _, pair := range pairs {
			p.Uncovered = append(p.Uncovered, pair.String())
		}
	}

	missing := env.MissingCapabilities(r.Requires)
	p.Configurations = make([]planConfiguration, 0, len(configs))
	for _, cfg := range configs {
		pc := planConfiguration{Options: cfg.Map(), PackageID: cfg.PackageID()}
		if len(missing) > 0 {
			pc.Skip = "missing capabilities: " + strings.Join(missing, ", ")
		} else if reason, ok := r.SkipReason(cfg); ok {
			pc.Skip = reason
		}
		p.Configurations = append(p.Configurations, pc)
	}
	return p
}

func printPlans(w io.Writer, plans []planRecipe) {
	total := 0
	for _, p := range plans {
		if p.Error != "" {
			fmt.Fprintf(w, "%s/%s: %s\n", p.Name, p.Version, p.Error)
			continue
		}
		strategy := p.Strategy
		if strategy == "" {
			strategy = "defaults"
		}
		fmt.Fprintf(w, "%s/%s: %d configurations (%s)\n", p.Name, p.Version, len(p.Configurations), strategy)
		for _, c := range p.Configurations {
			line := fmt.Sprintf("  %s %s", c.PackageID, recipe.NewConfiguration(c.Options))
			if c.Skip != "" {
				line += " skip: " + c.Skip
			}
			fmt.Fprintln(w, line)
		}
		for _, pair := range p.Uncovered {
			fmt.Fprintf(w, "  uncovered %s\n", pair)
		}
		total += len(p.Configurations)
	}
	fmt.Fprintf(w, "%d recipes, %d configurations\n", len(plans), total)
}
