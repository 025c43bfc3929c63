// Package agent invokes the external reasoning agent. This is the one true
// external boundary of the orchestrator: a fully self-contained prompt goes
// in, raw text comes out, and nothing else crosses.
//
// Invocations are blocking with no mid-call cancellation: once an agent
// starts it runs to completion or until this process dies. The context
// passed to Invoke gates only the pre-spawn rate-limiter wait.
package agent

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/storylinehq/storyline/internal/config"
	"github.com/storylinehq/storyline/internal/types"
)

// Request describes one agent invocation.
type Request struct {
	Phase      types.Phase
	ItemID     string
	Prompt     string
	WorkingDir string
}

// Result is the raw outcome of one invocation. A nonzero exit code is not
// an invocation error: agents may exit nonzero after printing a valid
// signal, so the output is always returned for parsing.
type Result struct {
	Output   string
	Errors   string
	ExitCode int
	Duration time.Duration
}

// Invoker sends one self-contained prompt to the reasoning agent and
// returns its full text output.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// New builds the configured backend, wrapped with rate limiting when
// agent.requests_per_minute is set.
func New(cfg config.AgentConfig) (Invoker, error) {
	var inv Invoker
	switch cfg.Backend {
	case "cli":
		inv = NewCLIInvoker(cfg.Command, cfg.Args, cfg.MaxOutputLines)
	case "api":
		api, err := NewAPIInvoker(cfg.Model)
		if err != nil {
			return nil, err
		}
		inv = api
	default:
		return nil, fmt.Errorf("unsupported agent backend: %s", cfg.Backend)
	}

	if cfg.RequestsPerMinute > 0 {
		inv = RateLimited(inv, cfg.RequestsPerMinute)
	}
	return inv, nil
}

// RateLimited wraps an invoker so that successive invocations wait for the
// limiter before spawning. The wait is the only point where the caller's
// context can interrupt an invocation.
func RateLimited(inner Invoker, perMinute int) Invoker {
	return &limitedInvoker{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
	}
}

type limitedInvoker struct {
	inner   Invoker
	limiter *rate.Limiter
}

func (l *limitedInvoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for agent rate limiter: %w", err)
	}
	return l.inner.Invoke(ctx, req)
}
