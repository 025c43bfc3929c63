package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/storylinehq/storyline/internal/agent"
	"github.com/storylinehq/storyline/internal/docedit"
	"github.com/storylinehq/storyline/internal/metrics"
	"github.com/storylinehq/storyline/internal/pipeline"
	"github.com/storylinehq/storyline/internal/ui"
)

var runCmd = &cobra.Command{
	Use:   "run <unit>",
	Short: "Run every story of a unit through implementation and review",
	Long: `Run the item-level pipeline for one unit: discover its stories,
implement each with the reasoning agent, review the work adversarially,
and fix findings until the review passes or the retry bound runs out.

Completed stories are marked done in the ledger and committed. The final
line reports UNIT_STATUS: <unit> <done|failed|max_retries> followed by
EXIT_CODE: 0, 1, or 2.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		skipReview, _ := cmd.Flags().GetBool("skip-review")
		noCommit, _ := cmd.Flags().GetBool("no-commit")
		parallel, _ := cmd.Flags().GetBool("parallel")
		startFrom, _ := cmd.Flags().GetString("start-from")
		skipDone, _ := cmd.Flags().GetBool("skip-done")
		maxRetries, _ := cmd.Flags().GetInt("max-retries")

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

		runner, err := pipeline.NewRunner(cfg, log, invoker, store, git, workingDir())
		if err != nil {
			fatal(err)
		}

		var rec *metrics.Recorder
		if !dryRun {
			rec = metrics.New(docedit.Select(cfg.Editor), cfg.Locations.Artifacts, log)
		}

		res, err := runner.RunUnit(ctx, args[0], rec, pipeline.Options{
			DryRun:     dryRun,
			SkipReview: skipReview,
			NoCommit:   noCommit,
			Parallel:   parallel,
			StartFrom:  startFrom,
			SkipDone:   skipDone,
			MaxRetries: maxRetries,
		})
		if rec != nil {
			rec.Finalize()
		}
		if err != nil {
			log.Errorf("%v", err)
			exit(log, store, 1)
		}
		exit(log, store, res.ExitCode())
	},
}

func init() {
	runCmd.Flags().Bool("dry-run", false, "Print the execution plan without invoking the agent")
	runCmd.Flags().Bool("skip-review", false, "Skip the adversarial review phase")
	runCmd.Flags().Bool("no-commit", false, "Do not commit completed stories")
	runCmd.Flags().Bool("parallel", false, "Accepted but unimplemented; runs sequentially with a warning")
	runCmd.Flags().String("start-from", "", "Resume from the named story")
	runCmd.Flags().Bool("skip-done", false, "Skip stories already marked done in the ledger")
	runCmd.Flags().Int("max-retries", 0, "Review fix-loop bound (0 uses the config value)")
	rootCmd.AddCommand(runCmd)
}
