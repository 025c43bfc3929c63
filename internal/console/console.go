// Package console implements the interactive inspection shell: a readline
// loop over the execution ledger, persisted metrics, and acceptance
// documents. The console never runs phases; it only reads state.
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"github.com/storylinehq/storyline/internal/config"
	"github.com/storylinehq/storyline/internal/discovery"
	"github.com/storylinehq/storyline/internal/docedit"
	"github.com/storylinehq/storyline/internal/ledger"
	"github.com/storylinehq/storyline/internal/metrics"
	"github.com/storylinehq/storyline/internal/scenario"
	"github.com/storylinehq/storyline/internal/types"
	"github.com/storylinehq/storyline/internal/ui"
)

// handler executes one console command. Returning io.EOF exits the loop.
type handler func(ctx context.Context, args []string) error

// Console is the interactive shell.
type Console struct {
	cfg      *config.Config
	store    ledger.Store
	log      *ui.Logger
	rl       *readline.Instance
	commands map[string]handler
}

// New builds a console over the given ledger.
func New(cfg *config.Config, store ledger.Store, log *ui.Logger) (*Console, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if store == nil {
		return nil, fmt.Errorf("ledger store is required")
	}
	if log == nil {
		log = ui.New(false)
	}

	c := &Console{cfg: cfg, store: store, log: log}
	c.commands = map[string]handler{
		"help":      c.cmdHelp,
		"?":         c.cmdHelp,
		"status":    c.cmdStatus,
		"runs":      c.cmdRuns,
		"metrics":   c.cmdMetrics,
		"scenarios": c.cmdScenarios,
		"units":     c.cmdUnits,
		"exit":      c.cmdExit,
		"quit":      c.cmdExit,
	}
	return c, nil
}

// Run starts the readline loop and blocks until exit.
func (c *Console) Run(ctx context.Context) error {
	cyan := color.New(color.FgCyan).SprintFunc()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            cyan("storyline> "),
		HistoryFile:       filepath.Join(os.TempDir(), ".storyline_history"),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()
	c.rl = rl

	c.printWelcome()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				fmt.Println("bye")
				return nil
			}
			return err
		}

		if err := c.processLine(ctx, strings.TrimSpace(line)); err != nil {
			if err == io.EOF {
				return nil
			}
			c.log.Errorf("%v", err)
		}
	}
}

// processLine dispatches one line of input. Exported through Run only;
// tests call it directly to skip the terminal loop.
func (c *Console) processLine(ctx context.Context, line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}

	if h, ok := c.commands[parts[0]]; ok {
		return h(ctx, parts[1:])
	}
	return fmt.Errorf("unknown command %q (try 'help')", parts[0])
}

func (c *Console) printWelcome() {
	c.log.Headerf("storyline console")
	c.log.Infof("type 'help' for commands, 'exit' to quit")
}

func (c *Console) cmdHelp(ctx context.Context, args []string) error {
	c.log.Headerf("Commands")
	c.log.Itemf("status [unit]", "story statuses and latest gate")
	c.log.Itemf("runs [unit]", "recent orchestrator runs")
	c.log.Itemf("metrics <unit>", "persisted unit metrics record")
	c.log.Itemf("scenarios <unit>", "acceptance scenarios and their classes")
	c.log.Itemf("units", "units with definition documents")
	c.log.Itemf("help", "this message")
	c.log.Itemf("exit", "leave the console")
	return nil
}

func (c *Console) cmdExit(ctx context.Context, args []string) error {
	c.log.Infof("bye")
	return io.EOF
}

func (c *Console) cmdStatus(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return c.cmdRuns(ctx, nil)
	}
	unitID := args[0]

	items, err := c.store.UnitItems(ctx, unitID)
	if err != nil {
		return err
	}

	c.log.Headerf("Unit %s", unitID)
	if len(items) == 0 {
		c.log.Infof("no recorded stories")
	}
	for _, item := range items {
		switch item.Status {
		case types.StatusDone:
			c.log.Successf("%s", item.ItemID)
		case types.StatusBlocked:
			c.log.Failf("%s (%s)", item.ItemID, item.BlockReason)
		default:
			c.log.Itemf(item.ItemID, "%s", item.Status)
		}
	}

	gate, err := c.store.LatestGate(ctx, unitID)
	if err != nil {
		return err
	}
	if gate != nil {
		c.log.Itemf("Gate", "%s (%s mode, %d passed, %d failed)",
			gate.Status, gate.Mode, gate.Passed, gate.Failed)
	}
	return nil
}

func (c *Console) cmdRuns(ctx context.Context, args []string) error {
	unitID := ""
	if len(args) > 0 {
		unitID = args[0]
	}

	runs, err := c.store.RecentRuns(ctx, unitID, 10)
	if err != nil {
		return err
	}

	c.log.Headerf("Recent runs")
	if len(runs) == 0 {
		c.log.Infof("no runs recorded")
		return nil
	}
	for _, run := range runs {
		state := "running"
		if run.Finished() && run.ExitCode != nil {
			state = fmt.Sprintf("exit %d", *run.ExitCode)
		}
		c.log.Itemf(run.UnitID, "%s %.8s started %s (%s)",
			run.Kind, run.ID, run.StartedAt.Format("2006-01-02 15:04:05"), state)
	}
	return nil
}

func (c *Console) cmdMetrics(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: metrics <unit>")
	}
	unitID := args[0]

	m, err := metrics.Load(docedit.Select(c.cfg.Editor), c.cfg.Locations.Artifacts, unitID)
	if err != nil {
		return fmt.Errorf("no metrics record for %s: %w", unitID, err)
	}

	c.log.Headerf("Metrics: %s (run %.8s)", m.UnitID, m.RunID)
	c.log.Itemf("Stories", "%d total, %d completed, %d failed, %d skipped",
		m.Stories.Total, m.Stories.Completed, m.Stories.Failed, m.Stories.Skipped)
	c.log.Itemf("Fix loop", "%d attempts, %d exhausted", m.FixLoop.Attempts, m.FixLoop.Exhausted)
	if m.GateStatus != "" {
		c.log.Itemf("Gate", "%s", m.GateStatus)
	}
	if m.Finalized {
		c.log.Itemf("Duration", "%dms", m.DurationMS)
	} else {
		c.log.Itemf("State", "not finalized (run still active or aborted)")
	}
	for _, issue := range m.Issues {
		c.log.Failf("%s: %s", issue.ItemID, issue.Message)
	}
	return nil
}

func (c *Console) cmdScenarios(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: scenarios <unit>")
	}
	unitID := args[0]

	scenarios, doc, err := scenario.Load(unitID, c.cfg.Locations.Acceptance)
	if err != nil {
		return err
	}
	if doc == "" {
		return fmt.Errorf("no acceptance document found for unit %q", unitID)
	}

	c.log.Headerf("Scenarios: %s (%s)", unitID, doc)
	for _, s := range scenarios {
		detail := string(s.Classification)
		if s.Command != "" {
			detail += fmt.Sprintf(", command: %s", s.Command)
		}
		c.log.Itemf(s.ID, "%s (%s)", s.Name, detail)
	}
	return nil
}

func (c *Console) cmdUnits(ctx context.Context, args []string) error {
	c.log.Headerf("Units")
	disc := discovery.New(c.cfg.Locations.Stories)

	found := 0
	for _, dir := range c.cfg.Locations.Units {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			unitID := strings.TrimSuffix(entry.Name(), ".md")
			found++

			detail := "no stories discovered"
			if items, err := disc.Discover(unitID); err == nil {
				done := 0
				for _, item := range items {
					if ok, err := c.store.IsDone(ctx, unitID, item.ID); err == nil && ok {
						done++
					}
				}
				detail = fmt.Sprintf("%d stories, %d done", len(items), done)
			}
			c.log.Itemf(unitID, "%s", detail)
		}
	}
	if found == 0 {
		c.log.Infof("no unit documents found (searched: %v)", c.cfg.Locations.Units)
	}
	return nil
}
