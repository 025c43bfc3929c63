package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/storylinehq/storyline/internal/agent"
	"github.com/storylinehq/storyline/internal/chain"
	"github.com/storylinehq/storyline/internal/pipeline"
	"github.com/storylinehq/storyline/internal/types"
	"github.com/storylinehq/storyline/internal/ui"
)

var chainCmd = &cobra.Command{
	Use:   "chain <unit>...",
	Short: "Run multiple units in sequence with gates and handoffs",
	Long: `Run the chain program: each named unit goes through the full story
pipeline and, unless disabled, its acceptance gate. Between adjacent
units a handoff document summarizes outcomes, changed files, and open
fix contexts for the next unit.

Units execute in the order given; dependency declarations in unit
documents are logged as hints only. A failed gate is recorded and the
chain continues unless --uat-blocking is set. After the last unit a
combined report lands under the artifacts directory.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		analyzeOnly, _ := cmd.Flags().GetBool("analyze-only")
		noHandoff, _ := cmd.Flags().GetBool("no-handoff")
		noCombined, _ := cmd.Flags().GetBool("no-combined-report")
		noReport, _ := cmd.Flags().GetBool("no-report")
		noUAT, _ := cmd.Flags().GetBool("no-uat")
		uatGate, _ := cmd.Flags().GetString("uat-gate")
		uatBlocking, _ := cmd.Flags().GetBool("uat-blocking")
		uatRetries, _ := cmd.Flags().GetInt("uat-retries")
		startFrom, _ := cmd.Flags().GetString("start-from")
		skipDone, _ := cmd.Flags().GetBool("skip-done")

		log := ui.New(verbose)
		cfg := loadConfig()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		invoker, err := agent.New(cfg.Agent)
		if err != nil {
			fatal(err)
		}

		store := openLedger(cfg, log)
		git := openGit(ctx, log)
		workDir := workingDir()

		runner, err := pipeline.NewRunner(cfg, log, invoker, store, git, workDir)
		if err != nil {
			fatal(err)
		}
		validator, err := pipeline.NewValidator(cfg, log, invoker, store, nil, workDir)
		if err != nil {
			fatal(err)
		}
		orch, err := chain.New(cfg, log, runner, validator, store, git)
		if err != nil {
			fatal(err)
		}

		res, err := orch.Execute(ctx, args, chain.Options{
			AnalyzeOnly:      analyzeOnly,
			NoHandoff:        noHandoff,
			NoCombinedReport: noCombined,
			NoReport:         noReport,
			NoUAT:            noUAT,
			UATGate:          types.GateMode(uatGate),
			UATBlocking:      uatBlocking,
			UATRetries:       healingRetries(cmd.Flags().Changed("uat-retries"), uatRetries),
			StartFrom:        startFrom,
			SkipDone:         skipDone,
		})
		if err != nil {
			log.Errorf("%v", err)
			exit(log, store, 1)
		}
		exit(log, store, res.ExitCode())
	},
}

func init() {
	chainCmd.Flags().Bool("analyze-only", false, "Print the chain plan and exit")
	chainCmd.Flags().Bool("no-handoff", false, "Do not write handoff documents between units")
	chainCmd.Flags().Bool("no-combined-report", false, "Do not write the aggregate chain report")
	chainCmd.Flags().Bool("no-report", false, "Disable per-unit metrics recording for this chain run")
	chainCmd.Flags().Bool("no-uat", false, "Skip acceptance validation entirely")
	chainCmd.Flags().String("uat-gate", "", "Gate mode per unit: quick, full, or skip (default from config)")
	chainCmd.Flags().Bool("uat-blocking", false, "Halt the chain when a unit's gate fails")
	chainCmd.Flags().Int("uat-retries", 0, "Self-healing bound per unit (0 disables healing; unset uses the config value)")
	chainCmd.Flags().String("start-from", "", "Resume from the named unit")
	chainCmd.Flags().Bool("skip-done", false, "Skip units whose stories are all done")
	rootCmd.AddCommand(chainCmd)
}
