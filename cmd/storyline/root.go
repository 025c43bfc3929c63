package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/storylinehq/storyline/internal/config"
	"github.com/storylinehq/storyline/internal/gitops"
	"github.com/storylinehq/storyline/internal/ledger"
	"github.com/storylinehq/storyline/internal/ui"
)

var (
	cfgPath string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "storyline",
	Short: "Drive units of stories through an agent-powered pipeline",
	Long: `Storyline drives units of work ("stories") through implementation,
adversarial review with a bounded fix loop, acceptance-scenario
validation with self-healing, and chained multi-unit execution.

All content judgment is delegated to an external reasoning agent
invoked as an isolated subprocess; storyline owns the control flow,
the bookkeeping, and the gates.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath, "Config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
}

// fatal reports a terminal error and exits without an EXIT_CODE signal:
// setup failures happen before any machine-parseable output is promised.
func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// exit emits the EXIT_CODE signal, releases the ledger, and terminates.
// Deferred cleanup does not survive os.Exit, so the store closes here.
func exit(log *ui.Logger, store ledger.Store, code int) {
	log.Signal("EXIT_CODE", "%d", code)
	if store != nil {
		_ = store.Close()
	}
	os.Exit(code)
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatal(err)
	}
	return cfg
}

// openLedger opens the configured ledger database. An unopenable ledger
// is tolerable: resume and skip-done degrade, the run itself does not.
func openLedger(cfg *config.Config, log *ui.Logger) ledger.Store {
	store, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		log.Warnf("%v (continuing without persistent ledger)", err)
		return ledger.NewMemory()
	}
	return store
}

// openGit probes for a usable git binary in the working tree. Without
// one, completed stories simply are not committed.
func openGit(ctx context.Context, log *ui.Logger) gitops.Operations {
	git, err := gitops.New(ctx, ".")
	if err != nil {
		log.Warnf("%v (continuing without commits)", err)
		return nil
	}
	return git
}

func workingDir() string {
	wd, err := os.Getwd()
	if err != nil {
		fatal(fmt.Errorf("failed to get working directory: %w", err))
	}
	return wd
}

// healingRetries maps the self-healing retry flag onto the validation
// engine's convention: unset means the config default, an explicit zero
// disables healing.
func healingRetries(changed bool, value int) int {
	if changed && value == 0 {
		return -1
	}
	return value
}
