package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/keel-cm/keel/pkg/config"
	"github.com/keel-cm/keel/pkg/manifest"
	manifeststarlark "github.com/keel-cm/keel/pkg/manifest/starlark"
	manifestyaml "github.com/keel-cm/keel/pkg/manifest/yaml"
	"github.com/keel-cm/keel/pkg/planner"
	"github.com/keel-cm/keel/pkg/reconciler"
	"github.com/keel-cm/keel/pkg/report"
	"github.com/keel-cm/keel/pkg/resource"
	"github.com/keel-cm/keel/pkg/secret"
	"github.com/keel-cm/keel/pkg/target"
)

// Exit codes: 0 converged, 1 partial, 2 failed to plan, 3 failed to apply.
const exitPlanFailed = 2

var (
	endpoint     string
	configFile   string
	manifestFile string
	noColor      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "keelctl",
		Short:         "Declarative host configuration reconciler",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", "",
		"keeld agent endpoint (e.g., https://host:8335); empty reconciles the local host")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"Path to optional YAML configuration file")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false,
		"Disable colored output")

	rootCmd.AddCommand(cmdPlan())
	rootCmd.AddCommand(cmdApply())
	rootCmd.AddCommand(cmdGraph())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(exitPlanFailed)
	}
}

func cmdPlan() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Preview configuration changes without applying them",
		Long: `Plan evaluates the manifest against the current system state and shows
what changes would be made without actually applying them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(true)
		},
	}

	cmd.Flags().StringVar(&manifestFile, "manifest", "",
		"Path to manifest file containing resource definitions (required)")
	cmd.MarkFlagRequired("manifest")

	return cmd
}

func cmdApply() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply the configuration to the target system",
		Long: `Apply evaluates the manifest and makes the necessary changes to bring
the system to the desired state defined in the manifest.

WARNING: This command makes actual changes to your system.
Always run 'plan' first to review changes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(false)
		},
	}

	cmd.Flags().StringVar(&manifestFile, "manifest", "",
		"Path to manifest file containing resource definitions (required)")
	cmd.MarkFlagRequired("manifest")

	return cmd
}

func cmdGraph() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Render the manifest's dependency graph in DOT format",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}

			specs, _, err := loadManifest(cfg, manifestFile)
			if err != nil {
				return err
			}

			dot, err := planner.Dot(specs, "resources")
			if err != nil {
				return err
			}

			fmt.Fprint(os.Stdout, dot)
			return nil
		},
	}

	cmd.Flags().StringVar(&manifestFile, "manifest", "",
		"Path to manifest file containing resource definitions (required)")
	cmd.MarkFlagRequired("manifest")

	return cmd
}

// run executes plan (dryRun) or apply against the configured target.
// Planning failures exit through the returned error; execution outcomes exit
// directly with the report's code.
func run(dryRun bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	applyFlagOverrides(cfg)
	if cfg.Output.NoColor {
		color.NoColor = true
	}

	specs, redactor, err := loadManifest(cfg, manifestFile)
	if err != nil {
		return maskError(redactor, err)
	}

	reg := resource.Defaults()
	plan, err := planner.BuildPlan(specs, reg)
	if err != nil {
		return maskError(redactor, err)
	}

	t := selectTarget(cfg)

	var rep report.Reporter
	if cfg.Output.NoColor {
		rep = report.Plain{W: os.Stdout}
	} else {
		rep = report.Color{W: os.Stdout}
	}

	opts := []reconciler.Option{
		reconciler.WithReporter(rep),
		reconciler.WithCallTimeout(cfg.Run.CallTimeout),
		reconciler.WithRetryPolicy(reconciler.RetryPolicy{
			MaxAttempts: cfg.Run.RetryAttempts,
			BaseDelay:   cfg.Run.RetryBaseWait,
			MaxDelay:    cfg.Run.RetryMaxWait,
		}),
	}
	if dryRun {
		opts = append(opts, reconciler.WithDryRun())
	}

	r := reconciler.New(reg, opts...)
	stateReport := r.Run(ctx, plan, t)

	renderSummary(os.Stdout, stateReport, redactor)

	if stateReport.Fatal != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", maskError(redactor, stateReport.Fatal))
	}

	if code := stateReport.ExitCode(); code != 0 {
		os.Exit(code)
	}
	return nil
}

// applyFlagOverrides lets command-line flags win over file and environment
// settings.
func applyFlagOverrides(cfg *config.Config) {
	if endpoint != "" {
		cfg.Target.Endpoint = endpoint
	}
	if noColor {
		cfg.Output.NoColor = true
	}
}

func selectTarget(cfg *config.Config) target.Target {
	if cfg.Target.Endpoint == "" {
		return target.NewLocal()
	}
	return target.NewHTTP(cfg.Target.Endpoint,
		target.WithExecTimeout(cfg.Target.ExecTimeout))
}

func loadManifest(cfg *config.Config, path string) ([]resource.Spec, *secret.Redactor, error) {
	redactor := secret.NewRedactor()
	store := secret.Env{Prefix: cfg.Secrets.EnvPrefix}

	var loader manifest.Loader
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		loader = &manifestyaml.Loader{Secrets: store, Redactor: redactor}
	case ".star":
		loader = &manifeststarlark.Loader{Secrets: store, Redactor: redactor}
	default:
		return nil, redactor, fmt.Errorf("unsupported manifest file extension: %s", path)
	}

	specs, err := loader.Load(context.Background(), path)
	if err != nil {
		return nil, redactor, err
	}
	return specs, redactor, nil
}

// maskError scrubs resolved secret values out of an error before it reaches
// the terminal.
func maskError(redactor *secret.Redactor, err error) error {
	if err == nil || redactor == nil {
		return err
	}
	return fmt.Errorf("%s", redactor.Mask(err.Error()))
}

func renderSummary(w *os.File, rep *reconciler.StateReport, redactor *secret.Redactor) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Resource", "Outcome", "Changes", "Detail"})

	for _, res := range rep.Results {
		detail := res.Reason
		if res.Err != nil {
			detail = maskError(redactor, res.Err).Error()
		}
		tw.AppendRow(table.Row{res.ID, res.Outcome, len(res.Changes), detail})
	}

	converged, applied, skipped, failed := rep.Counts()
	tw.AppendFooter(table.Row{
		"",
		rep.Outcome,
		fmt.Sprintf("%d applied", applied),
		fmt.Sprintf("%d converged, %d skipped, %d failed", converged, skipped, failed),
	})

	if color.NoColor {
		tw.SetStyle(table.StyleLight)
	} else {
		tw.SetStyle(table.StyleColoredBright)
	}
	tw.Render()

	mode := "apply"
	if rep.DryRun {
		mode = "plan"
	}
	fmt.Fprintf(w, "Run %s (%s) finished in %s\n", rep.RunID, mode, rep.Duration.Round(time.Millisecond))
}
