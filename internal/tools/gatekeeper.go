// ABOUTME: Confirmation-gated tool execution with one audit row per attempt, written before the call
// ABOUTME: Executor failures and panics are recorded on the Outcome, not returned as errors

package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/chatgate/internal/metrics"
	"github.com/2389/chatgate/internal/store"
)

// ErrConfirmationRequired is set on an Outcome when the policy demands
// confirmation and the user did not grant it.
var ErrConfirmationRequired = errors.New("user confirmation required and not granted")

// ErrExecutorFailure wraps the executor's error on an Outcome.
var ErrExecutorFailure = errors.New("tool execution failed")

// IncompleteMessage is the error text an invocation row carries while the
// tool runs. A row still holding it after a restart was interrupted.
const IncompleteMessage = "tool execution did not complete"

// DefaultMaxOutput is the longest tool output kept, in characters.
const DefaultMaxOutput = 100000

// Executor runs a tool on a downstream server.
type Executor interface {
	Execute(ctx context.Context, toolName, serverName, credential string) (string, error)
}

// PolicyProvider reports which tools need confirmation.
type PolicyProvider interface {
	RequiresConfirmation(tool string) bool
}

// Request describes one invocation attempt.
type Request struct {
	ToolName      string
	ServerName    string
	Credential    string // forwarded to the executor
	ChatMessageID string
	Username      string
	WasExplicit   bool  // named by the user with a #tag
	IsLLMRequest  bool  // recommended by the model
	UserConfirmed *bool // nil when the user was not asked
}

// Outcome is the result of Invoke.
type Outcome struct {
	Executed   bool
	Output     string
	Err        error // ErrConfirmationRequired or wraps ErrExecutorFailure
	Invocation *store.ToolInvocation
}

// GatekeeperConfig contains configuration options for the Gatekeeper.
type GatekeeperConfig struct {
	Store       store.CredentialStore
	Executor    Executor
	Policy      PolicyProvider
	Logger      *slog.Logger
	MaxOutput   int
	CallTimeout time.Duration // zero means no timeout beyond the caller's context
}

// Gatekeeper applies the confirmation policy and records every attempt.
type Gatekeeper struct {
	store       store.CredentialStore
	executor    Executor
	policy      PolicyProvider
	logger      *slog.Logger
	maxOutput   int
	callTimeout time.Duration
}

// NewGatekeeper creates a Gatekeeper with the given configuration.
func NewGatekeeper(cfg GatekeeperConfig) *Gatekeeper {
	maxOutput := cfg.MaxOutput
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutput
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Gatekeeper{
		store:       cfg.Store,
		executor:    cfg.Executor,
		policy:      cfg.Policy,
		logger:      logger.With("component", "gatekeeper"),
		maxOutput:   maxOutput,
		callTimeout: cfg.CallTimeout,
	}
}

// NeedsConfirmation reports whether req must be confirmed before it runs.
func (g *Gatekeeper) NeedsConfirmation(req Request) bool {
	return g.policy.RequiresConfirmation(req.ToolName) && req.IsLLMRequest && !req.WasExplicit
}

// Invoke runs req if the policy allows it and records the attempt.
func (g *Gatekeeper) Invoke(ctx context.Context, req Request) (*Outcome, error) {
	inv := &store.ToolInvocation{
		ChatMessageID: req.ChatMessageID,
		Username:      req.Username,
		ToolName:      req.ToolName,
		ServerName:    req.ServerName,
		WasExplicit:   req.WasExplicit,
		UserConfirmed: req.UserConfirmed,
	}
	outcome := &Outcome{Invocation: inv}

	if g.NeedsConfirmation(req) && (req.UserConfirmed == nil || !*req.UserConfirmed) {
		msg := ErrConfirmationRequired.Error()
		inv.ErrorMessage = &msg
		outcome.Err = ErrConfirmationRequired

		if err := g.record(ctx, inv); err != nil {
			return nil, err
		}
		metrics.ToolInvocationsTotal.WithLabelValues(req.ToolName, "denied").Inc()
		g.logger.Info("tool denied pending confirmation", "tool", req.ToolName, "username", req.Username)
		return outcome, nil
	}

	pending := IncompleteMessage
	inv.ErrorMessage = &pending
	if err := g.record(ctx, inv); err != nil {
		return nil, err
	}
	inv.ErrorMessage = nil

	start := time.Now()
	output, err := g.execute(ctx, req)
	metrics.ToolDuration.WithLabelValues(req.ToolName).Observe(time.Since(start).Seconds())

	if err != nil {
		msg := err.Error()
		inv.ErrorMessage = &msg
		outcome.Err = fmt.Errorf("%w: %v", ErrExecutorFailure, err)
		g.logger.Warn("tool failed", "tool", req.ToolName, "server", req.ServerName, "error", err)
	} else {
		output = truncate(output, g.maxOutput)
		inv.Success = true
		inv.OutputText = &output
		outcome.Executed = true
		outcome.Output = output
	}

	if err := g.finish(ctx, inv); err != nil {
		return nil, err
	}

	result := "success"
	if !inv.Success {
		result = "failure"
	}
	metrics.ToolInvocationsTotal.WithLabelValues(req.ToolName, result).Inc()
	return outcome, nil
}

// execute calls the executor, converting a panic into an error.
func (g *Gatekeeper) execute(ctx context.Context, req Request) (output string, err error) {
	if g.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.callTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("tool executor panicked", "tool", req.ToolName, "panic", r)
			output = ""
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()

	return g.executor.Execute(ctx, req.ToolName, req.ServerName, req.Credential)
}

func (g *Gatekeeper) record(ctx context.Context, inv *store.ToolInvocation) error {
	err := g.store.InTx(ctx, func(tx store.Tx) error {
		return tx.CreateToolInvocation(ctx, inv)
	})
	if err != nil {
		return fmt.Errorf("recording tool invocation: %w", err)
	}
	return nil
}

// finish writes the outcome onto the row record inserted. The caller's
// context may have been cancelled by the tool call; the row is finished anyway.
func (g *Gatekeeper) finish(ctx context.Context, inv *store.ToolInvocation) error {
	ctx = context.WithoutCancel(ctx)
	err := g.store.InTx(ctx, func(tx store.Tx) error {
		return tx.FinishToolInvocation(ctx, inv)
	})
	if err != nil {
		return fmt.Errorf("finishing tool invocation %s: %w", inv.ID, err)
	}
	return nil
}

// truncate cuts s to at most limit characters.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
