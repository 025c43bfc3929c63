package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/storylinehq/storyline/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Write a starter .storyline.yaml into the current directory (or the
path given with --config). The file carries the default locations,
agent backend, retry bounds, and gate settings, ready to edit.

Refuses to overwrite an existing file.

Example:
  cd ~/myproject
  storyline init
  storyline run checkout`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := config.SaveDefault(cfgPath); err != nil {
			fatal(err)
		}

		green := color.New(color.FgGreen).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\n%s Wrote %s\n\n", green("✓"), cyan(cfgPath))
		fmt.Printf("%s Next steps:\n", gray("→"))
		fmt.Printf("  %s\n", gray("edit "+cfgPath+"  # point locations at your documents"))
		fmt.Printf("  %s\n", gray("storyline run <unit>"))
		fmt.Printf("  %s\n", gray("storyline chain <unit> <unit>..."))
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
