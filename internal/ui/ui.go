// Package ui prints the leveled, colored log lines the control programs
// emit during execution, plus the uncolored KEY: VALUE signal lines that
// upstream callers branch on.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// Logger writes leveled output for one control-program run.
type Logger struct {
	Out     io.Writer
	Err     io.Writer
	Verbose bool
}

// New returns a logger writing to stdout/stderr.
func New(verbose bool) *Logger {
	return &Logger{Out: os.Stdout, Err: os.Stderr, Verbose: verbose}
}

// Infof prints an informational line.
func (l *Logger) Infof(format string, args ...interface{}) {
	fmt.Fprintf(l.Out, format+"\n", args...)
}

// Successf prints a green checkmarked line.
func (l *Logger) Successf(format string, args ...interface{}) {
	fmt.Fprintf(l.Out, "%s %s\n", green("✓"), fmt.Sprintf(format, args...))
}

// Failf prints a red crossed line.
func (l *Logger) Failf(format string, args ...interface{}) {
	fmt.Fprintf(l.Out, "%s %s\n", red("✗"), fmt.Sprintf(format, args...))
}

// Warnf prints a warning to stderr. Warnings never abort a run.
func (l *Logger) Warnf(format string, args ...interface{}) {
	fmt.Fprintf(l.Err, "%s %s\n", yellow("Warning:"), fmt.Sprintf(format, args...))
}

// Errorf prints an error line to stderr.
func (l *Logger) Errorf(format string, args ...interface{}) {
	fmt.Fprintf(l.Err, "%s %s\n", red("Error:"), fmt.Sprintf(format, args...))
}

// Debugf prints only when verbose output is enabled.
func (l *Logger) Debugf(format string, args ...interface{}) {
	if !l.Verbose {
		return
	}
	fmt.Fprintf(l.Out, "%s\n", gray(fmt.Sprintf(format, args...)))
}

// Headerf prints a bold section header.
func (l *Logger) Headerf(format string, args ...interface{}) {
	fmt.Fprintf(l.Out, "\n%s\n", bold(fmt.Sprintf(format, args...)))
}

// Itemf prints an indented detail line with a cyan label.
func (l *Logger) Itemf(label string, format string, args ...interface{}) {
	fmt.Fprintf(l.Out, "  %s %s\n", cyan(label+":"), fmt.Sprintf(format, args...))
}

// Signal emits a machine-parseable KEY: VALUE line. Never colored so
// upstream callers can match it with a plain prefix check.
func (l *Logger) Signal(key, format string, args ...interface{}) {
	fmt.Fprintf(l.Out, "%s: %s\n", key, fmt.Sprintf(format, args...))
}

// Rule prints a horizontal separator.
func (l *Logger) Rule() {
	fmt.Fprintln(l.Out, gray(strings.Repeat("─", 60)))
}
