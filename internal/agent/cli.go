package agent

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// defaultMaxOutputLines caps captured agent output so a chatty agent cannot
// exhaust memory.
const defaultMaxOutputLines = 10000

// CLIInvoker spawns the reasoning agent as a local subprocess with the
// prompt as its final argument.
type CLIInvoker struct {
	// Command is the agent executable.
	Command string
	// Args are passed before the prompt argument.
	Args []string
	// MaxLines caps each captured stream.
	MaxLines int
	// Echo, when set, receives every captured line as it arrives.
	Echo func(line string)
}

// NewCLIInvoker creates a subprocess-backed invoker.
func NewCLIInvoker(command string, args []string, maxLines int) *CLIInvoker {
	if maxLines <= 0 {
		maxLines = defaultMaxOutputLines
	}
	return &CLIInvoker{Command: command, Args: args, MaxLines: maxLines}
}

// Invoke runs the agent to completion and returns its captured output.
// The command deliberately does not use exec.CommandContext: an agent that
// has started is never killed mid-flight.
func (c *CLIInvoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	args := make([]string, 0, len(c.Args)+1)
	args = append(args, c.Args...)
	args = append(args, req.Prompt)

	cmd := exec.Command(c.Command, args...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent %s: %w", c.Command, err)
	}

	outBuf := newCappedBuffer(c.MaxLines, c.Echo)
	errBuf := newCappedBuffer(c.MaxLines, c.Echo)

	var g errgroup.Group
	g.Go(func() error { return outBuf.consume(stdout) })
	g.Go(func() error { return errBuf.consume(stderr) })

	// Drain both streams fully before waiting on the process.
	captureErr := g.Wait()
	waitErr := cmd.Wait()

	result := &Result{
		Output:   outBuf.String(),
		Errors:   errBuf.String(),
		Duration: time.Since(start),
	}

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("agent execution failed: %w", waitErr)
	}
	if captureErr != nil {
		return nil, fmt.Errorf("capturing agent output: %w", captureErr)
	}

	return result, nil
}

// cappedBuffer collects scanned lines up to a limit, appending a single
// truncation marker when the limit is reached.
type cappedBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
	echo  func(string)
}

func newCappedBuffer(max int, echo func(string)) *cappedBuffer {
	return &cappedBuffer{max: max, echo: echo}
}

func (b *cappedBuffer) consume(r interface{ Read([]byte) (int, error) }) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		b.mu.Lock()
		if len(b.lines) < b.max {
			b.lines = append(b.lines, line)
			if b.echo != nil {
				b.echo(line)
			}
		} else if len(b.lines) == b.max {
			b.lines = append(b.lines, "[... output truncated: line limit reached ...]")
		}
		b.mu.Unlock()
	}
	return scanner.Err()
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}
