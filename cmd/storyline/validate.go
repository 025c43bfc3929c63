package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/storylinehq/storyline/internal/agent"
	"github.com/storylinehq/storyline/internal/pipeline"
	"github.com/storylinehq/storyline/internal/types"
	"github.com/storylinehq/storyline/internal/ui"
)

var validateCmd = &cobra.Command{
	Use:   "validate <unit>",
	Short: "Evaluate a unit's acceptance scenarios and gate the result",
	Long: `Parse the unit's acceptance document, classify each scenario as
automatable, semi-automated, or manual, execute the in-scope scenarios,
and evaluate the gate.

When the gate fails, self-healing feeds the failures back to the agent
and re-runs the scope, up to the retry bound. Exhaustion writes a
human-actions artifact and exits 2. Manual scenarios never gate; they
are listed in the report unless --skip-manual is set.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		gateMode, _ := cmd.Flags().GetString("gate-mode")
		maxRetries, _ := cmd.Flags().GetInt("max-retries")
		includeManual, _ := cmd.Flags().GetBool("include-manual")
		skipManual, _ := cmd.Flags().GetBool("skip-manual")
		timeoutSecs, _ := cmd.Flags().GetInt("timeout")
		if skipManual {
			includeManual = false
		}

		log := ui.New(verbose)
		cfg := loadConfig()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		invoker, err := agent.New(cfg.Agent)
		if err != nil {
			fatal(err)
		}

		store := openLedger(cfg, log)

		validator, err := pipeline.NewValidator(cfg, log, invoker, store, nil, workingDir())
		if err != nil {
			fatal(err)
		}

		res, err := validator.ValidateUnit(ctx, args[0], nil, pipeline.ValidateOptions{
			Mode:          types.GateMode(gateMode),
			MaxRetries:    healingRetries(cmd.Flags().Changed("max-retries"), maxRetries),
			Timeout:       time.Duration(timeoutSecs) * time.Second,
			IncludeManual: includeManual,
		})
		if err != nil {
			log.Errorf("%v", err)
			exit(log, store, 1)
		}
		exit(log, store, res.ExitCode())
	},
}

func init() {
	validateCmd.Flags().String("gate-mode", "", "Gate mode: quick, full, or skip (default from config)")
	validateCmd.Flags().Int("max-retries", 0, "Self-healing bound (0 disables healing; unset uses the config value)")
	validateCmd.Flags().Bool("skip-manual", false, "Omit manual scenarios from the report")
	validateCmd.Flags().Bool("include-manual", true, "List manual scenarios in the report (never gated)")
	validateCmd.Flags().Int("timeout", 0, "Per-scenario timeout in seconds (0 uses the config value)")
	rootCmd.AddCommand(validateCmd)
}
