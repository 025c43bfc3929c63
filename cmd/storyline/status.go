package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/storylinehq/storyline/internal/ledger"
	"github.com/storylinehq/storyline/internal/types"
	"github.com/storylinehq/storyline/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status [unit]",
	Short: "Show ledger state: story statuses, latest gate, recent runs",
	Long: `Query the execution ledger. With a unit argument, show each story's
latest status and the unit's most recent gate outcome, then the unit's
recent runs. Without one, show recent runs across all units.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")

		log := ui.New(verbose)
		cfg := loadConfig()
		store := openLedger(cfg, log)
		defer store.Close()

		ctx := context.Background()
		unitID := ""
		if len(args) > 0 {
			unitID = args[0]
		}

		if unitID != "" {
			showUnitStatus(ctx, log, store, unitID)
		}
		showRecentRuns(ctx, log, store, unitID, limit)
	},
}

func showUnitStatus(ctx context.Context, log *ui.Logger, store ledger.Store, unitID string) {
	items, err := store.UnitItems(ctx, unitID)
	if err != nil {
		log.Errorf("%v", err)
		return
	}

	log.Headerf("Unit %s", unitID)
	if len(items) == 0 {
		log.Infof("no recorded stories")
	}
	for _, item := range items {
		switch item.Status {
		case types.StatusDone:
			log.Successf("%s", item.ItemID)
		case types.StatusBlocked:
			log.Failf("%s (%s)", item.ItemID, item.BlockReason)
		default:
			log.Itemf(item.ItemID, "%s", item.Status)
		}
	}

	gate, err := store.LatestGate(ctx, unitID)
	if err != nil {
		log.Warnf("%v", err)
		return
	}
	if gate != nil {
		log.Itemf("Gate", "%s (%s mode, %d passed, %d failed, %s)",
			gate.Status, gate.Mode, gate.Passed, gate.Failed,
			gate.CreatedAt.Format("2006-01-02 15:04"))
	}
}

func showRecentRuns(ctx context.Context, log *ui.Logger, store ledger.Store, unitID string, limit int) {
	runs, err := store.RecentRuns(ctx, unitID, limit)
	if err != nil {
		log.Errorf("%v", err)
		return
	}

	log.Headerf("Recent runs")
	if len(runs) == 0 {
		log.Infof("no runs recorded")
		return
	}
	for _, run := range runs {
		state := "running"
		if run.Finished() && run.ExitCode != nil {
			state = fmt.Sprintf("exit %d", *run.ExitCode)
		}
		log.Itemf(run.UnitID, "%s %.8s started %s (%s)",
			run.Kind, run.ID, run.StartedAt.Format("2006-01-02 15:04:05"), state)
	}
}

func init() {
	statusCmd.Flags().Int("limit", 10, "Maximum runs to list")
	rootCmd.AddCommand(statusCmd)
}
