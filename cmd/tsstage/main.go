package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"tsstage/internal/apperr"
	"tsstage/internal/config"
	"tsstage/internal/graph"
	"tsstage/internal/logging"
	"tsstage/internal/pipeline"
	"tsstage/internal/project"
	"tsstage/internal/sourcemap"
	"tsstage/internal/storage"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the CLI and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd, c := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	executed, err := cmd.ExecuteContextC(ctx)
	if err != nil {
		c.report(executed, err)
		return 1
	}
	return 0
}

// cli holds the values shared by every subcommand.
type cli struct {
	stdout, stderr io.Writer

	configPath string
	logLevel   string
	logFormat  string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd(stdout, stderr io.Writer) (*cobra.Command, *cli) {
	c := &cli{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "tsstage",
		Short:         "Stage TypeScript outputs of referenced projects into one library directory",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load(cmd)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "tsstage.yaml", "Path to the YAML configuration file")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&c.logFormat, "log-format", "", "Log format: text or json")

	root.AddCommand(c.stageCmd())
	root.AddCommand(c.refsCmd())
	root.AddCommand(c.historyCmd())
	return root, c
}

func (c *cli) load(cmd *cobra.Command) error {
	cfg, err := config.LoadConfig(c.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = c.logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Log.Format = c.logFormat
	}
	c.cfg = cfg
	c.logger = logging.New(cfg.Log.Level, cfg.Log.Format, c.stderr)
	return nil
}

func (c *cli) stageCmd() *cobra.Command {
	var (
		projectPath, libDir, ledgerPath, reportPath, patchMode string
		allowPartial                                           bool
	)
	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Copy .d.ts, .js, .ts and .js.map files of every referenced project into the library directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("project") {
				c.cfg.Project.Root = projectPath
			}
			if flags.Changed("lib") {
				c.cfg.Project.LibDir = libDir
			}
			if flags.Changed("ledger") {
				c.cfg.Ledger.Path = ledgerPath
			}
			if flags.Changed("report") {
				c.cfg.Stage.ReportPath = reportPath
			}
			if flags.Changed("patch-mode") {
				c.cfg.Stage.PatchMode = patchMode
			}
			if flags.Changed("allow-partial") {
				c.cfg.Stage.AllowPartial = allowPartial
			}
			return c.stage(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&projectPath, "project", "p", "", "Root project descriptor (.csproj or .yaml)")
	cmd.Flags().StringVarP(&libDir, "lib", "l", "", "Library directory to stage into")
	cmd.Flags().StringVar(&ledgerPath, "ledger", "", "SQLite ledger recording staged files (disabled when empty)")
	cmd.Flags().StringVar(&reportPath, "report", "", "Write a JSON run report to this path")
	cmd.Flags().StringVar(&patchMode, "patch-mode", "strict", "Source map patching: strict or legacy")
	cmd.Flags().BoolVar(&allowPartial, "allow-partial", false, "Skip missing .d.ts/.js/.js.map siblings instead of failing")
	return cmd
}

func (c *cli) stage(ctx context.Context) error {
	cfg := c.cfg
	if cfg.Project.Root == "" {
		return apperr.Usage("--project is required")
	}
	if cfg.Project.LibDir == "" {
		return apperr.Usage("--lib is required")
	}
	mode, err := sourcemap.ParseMode(cfg.Stage.PatchMode)
	if err != nil {
		return err
	}

	stager := pipeline.NewStager(project.NewFileLoader(), c.logger, pipeline.Options{
		PatchMode:    mode,
		AllowPartial: cfg.Stage.AllowPartial,
	})
	if cfg.Ledger.Path != "" {
		ledger, err := storage.NewSQLiteLedger(cfg.Ledger.Path)
		if err != nil {
			return fmt.Errorf("failed to open ledger: %w", err)
		}
		defer ledger.Close()
		stager.WithLedger(ledger)
	}

	fmt.Fprintf(c.stdout, "📂 Staging references of %s into %s\n", cfg.Project.Root, cfg.Project.LibDir)
	report, runErr := stager.Run(ctx, cfg.Project.Root, cfg.Project.LibDir)

	if cfg.Stage.ReportPath != "" {
		if err := report.Save(cfg.Stage.ReportPath); err != nil {
			c.logger.Warn("failed to write report", "path", cfg.Stage.ReportPath, "err", err)
		}
	}
	for _, s := range report.Signals {
		if s.Severity == "warn" {
			fmt.Fprintf(c.stdout, "⚠️  %s\n", s.Message)
		}
	}
	if runErr != nil {
		return runErr
	}

	fmt.Fprintf(c.stdout, "✅ Staged %d families (%d files) from %d projects in %dms\n",
		len(report.Families), report.FileCount(), report.Projects, report.DurationMS)
	return nil
}

// report is the single place a command failure is surfaced. Errors raised
// before the logger exists (flag parsing, config loading) go to stderr as is.
func (c *cli) report(cmd *cobra.Command, err error) {
	if c.logger == nil {
		fmt.Fprintln(c.stderr, "❌", err)
		return
	}
	name := "tsstage"
	if cmd != nil {
		name = cmd.Name()
	}
	c.logger.Error(name+" failed", "kind", apperr.KindOf(err), "err", err)
}

func (c *cli) refsCmd() *cobra.Command {
	var (
		projectPath string
		dependents  bool
	)
	cmd := &cobra.Command{
		Use:   "refs",
		Short: "Print the transitive project reference tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("project") {
				c.cfg.Project.Root = projectPath
			}
			if c.cfg.Project.Root == "" {
				return apperr.Usage("--project is required")
			}
			loader := project.NewFileLoader()
			root, err := loader.Open(c.cfg.Project.Root)
			if err != nil {
				return err
			}
			g, err := graph.Build(cmd.Context(), loader, root)
			if err != nil {
				return err
			}
			if dependents {
				return g.WriteDependents(c.stdout)
			}
			return g.WriteTree(c.stdout)
		},
	}
	cmd.Flags().StringVarP(&projectPath, "project", "p", "", "Root project descriptor")
	cmd.Flags().BoolVar(&dependents, "dependents", false, "List each project with the projects that reference it")
	return cmd
}

func (c *cli) historyCmd() *cobra.Command {
	var (
		ledgerPath string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded staging runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("ledger") {
				c.cfg.Ledger.Path = ledgerPath
			}
			if c.cfg.Ledger.Path == "" {
				return apperr.Usage("--ledger is required")
			}
			if _, err := os.Stat(c.cfg.Ledger.Path); errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("ledger %s does not exist", c.cfg.Ledger.Path)
			}
			ledger, err := storage.NewSQLiteLedger(c.cfg.Ledger.Path)
			if err != nil {
				return err
			}
			defer ledger.Close()

			runs, err := ledger.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(c.stdout, "No runs recorded.")
				return nil
			}
			for _, r := range runs {
				status := "ok"
				if !r.Success {
					status = "FAILED: " + r.Error
				}
				fmt.Fprintf(c.stdout, "#%d  %s  %d files  %s -> %s  %s\n",
					r.ID, r.StartedAt.Format(time.RFC3339), r.FileCount, r.Root, r.Dest, status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&ledgerPath, "ledger", "", "SQLite ledger path")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs to list")
	return cmd
}
