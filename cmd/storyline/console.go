package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/storylinehq/storyline/internal/console"
	"github.com/storylinehq/storyline/internal/ui"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Start the interactive inspection console",
	Long: `Start an interactive console for inspecting pipeline state.

The console reads the execution ledger, persisted metrics, and acceptance
documents. It never runs phases. Type 'help' inside the console for the
command list.`,
	Run: func(cmd *cobra.Command, args []string) {
		log := ui.New(verbose)
		cfg := loadConfig()
		store := openLedger(cfg, log)
		defer store.Close()

		c, err := console.New(cfg, store, log)
		if err != nil {
			fatal(err)
		}
		if err := c.Run(context.Background()); err != nil {
			fatal(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}
