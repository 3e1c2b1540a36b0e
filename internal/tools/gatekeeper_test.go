// ABOUTME: Tests for the confirmation gate, output truncation and invocation auditing
// ABOUTME: Uses MockStore and a scripted executor

package tools

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chatgate/internal/config"
	"github.com/2389/chatgate/internal/store"
)

type fakeExecutor struct {
	output  string
	err     error
	panics  bool
	block   bool
	calls   int
	gotCred string
}

func (f *fakeExecutor) Execute(ctx context.Context, toolName, serverName, credential string) (string, error) {
	f.calls++
	f.gotCred = credential
	if f.panics {
		panic("boom")
	}
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.output, f.err
}

func boolPtr(b bool) *bool { return &b }

func newGatekeeper(t *testing.T, exec Executor, maxOutput int) (*Gatekeeper, *store.MockStore) {
	t.Helper()
	s := store.NewMockStore()
	policy := config.NewPolicyStore(config.NewPolicy(nil, nil, nil, []string{"delete_repo"}))
	g := NewGatekeeper(GatekeeperConfig{
		Store:     s,
		Executor:  exec,
		Policy:    policy,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		MaxOutput: maxOutput,
	})
	return g, s
}

func TestNeedsConfirmation(t *testing.T) {
	g, _ := newGatekeeper(t, &fakeExecutor{}, 0)

	tests := []struct {
		name string
		req  Request
		want bool
	}{
		{"listed, llm, implicit", Request{ToolName: "delete_repo", IsLLMRequest: true}, true},
		{"listed, llm, explicit", Request{ToolName: "delete_repo", IsLLMRequest: true, WasExplicit: true}, false},
		{"listed, user request", Request{ToolName: "delete_repo"}, false},
		{"unlisted, llm", Request{ToolName: "search", IsLLMRequest: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, g.NeedsConfirmation(tt.req))
		})
	}
}

func TestInvoke_ExplicitBypassesConfirmation(t *testing.T) {
	exec := &fakeExecutor{output: "done"}
	g, s := newGatekeeper(t, exec, 0)

	out, err := g.Invoke(context.Background(), Request{
		ToolName: "delete_repo", ServerName: "http://tools", Credential: "tok",
		Username: "alice", WasExplicit: true, IsLLMRequest: true,
	})
	require.NoError(t, err)
	assert.True(t, out.Executed)
	assert.Equal(t, "done", out.Output)
	assert.NoError(t, out.Err)
	assert.Equal(t, 1, exec.calls)
	assert.Equal(t, "tok", exec.gotCred)

	rows := s.ToolInvocations()
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Success)
	assert.True(t, rows[0].WasExplicit)
	require.NotNil(t, rows[0].OutputText)
	assert.Equal(t, "done", *rows[0].OutputText)
	assert.Nil(t, rows[0].ErrorMessage)
}

func TestInvoke_UnconfirmedRecommendationDenied(t *testing.T) {
	for _, confirmed := range []*bool{nil, boolPtr(false)} {
		exec := &fakeExecutor{output: "should not run"}
		g, s := newGatekeeper(t, exec, 0)

		out, err := g.Invoke(context.Background(), Request{
			ToolName: "delete_repo", ServerName: "http://tools", Username: "alice",
			ChatMessageID: "msg-1", IsLLMRequest: true, UserConfirmed: confirmed,
		})
		require.NoError(t, err)
		assert.False(t, out.Executed)
		assert.ErrorIs(t, out.Err, ErrConfirmationRequired)
		assert.Zero(t, exec.calls, "executor must not be called")

		rows := s.ToolInvocations()
		require.Len(t, rows, 1, "exactly one audit row")
		assert.False(t, rows[0].Success)
		assert.Nil(t, rows[0].OutputText)
		require.NotNil(t, rows[0].ErrorMessage)
		assert.Equal(t, "user confirmation required and not granted", *rows[0].ErrorMessage)
		assert.Equal(t, "msg-1", rows[0].ChatMessageID)
	}
}

func TestInvoke_ConfirmedRecommendationRuns(t *testing.T) {
	exec := &fakeExecutor{output: "gone"}
	g, s := newGatekeeper(t, exec, 0)

	out, err := g.Invoke(context.Background(), Request{
		ToolName: "delete_repo", Username: "alice", IsLLMRequest: true, UserConfirmed: boolPtr(true),
	})
	require.NoError(t, err)
	assert.True(t, out.Executed)

	rows := s.ToolInvocations()
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].UserConfirmed)
	assert.True(t, *rows[0].UserConfirmed)
}

func TestInvoke_ExecutorFailureIsRecorded(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("server exploded")}
	g, s := newGatekeeper(t, exec, 0)

	out, err := g.Invoke(context.Background(), Request{ToolName: "search", Username: "alice"})
	require.NoError(t, err, "executor failures are not Go errors")
	assert.False(t, out.Executed)
	assert.ErrorIs(t, out.Err, ErrExecutorFailure)

	rows := s.ToolInvocations()
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Success)
	assert.Nil(t, rows[0].OutputText)
	require.NotNil(t, rows[0].ErrorMessage)
	assert.Equal(t, "server exploded", *rows[0].ErrorMessage)
}

func TestInvoke_PanicIsRecorded(t *testing.T) {
	g, s := newGatekeeper(t, &fakeExecutor{panics: true}, 0)

	out, err := g.Invoke(context.Background(), Request{ToolName: "search", Username: "alice"})
	require.NoError(t, err)
	assert.False(t, out.Executed)
	assert.ErrorIs(t, out.Err, ErrExecutorFailure)

	rows := s.ToolInvocations()
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].ErrorMessage)
	assert.Contains(t, *rows[0].ErrorMessage, "boom")
}

func TestInvoke_CallTimeout(t *testing.T) {
	s := store.NewMockStore()
	g := NewGatekeeper(GatekeeperConfig{
		Store:       s,
		Executor:    &fakeExecutor{block: true},
		Policy:      config.NewPolicyStore(config.NewPolicy(nil, nil, nil, nil)),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		CallTimeout: 20 * time.Millisecond,
	})

	out, err := g.Invoke(context.Background(), Request{ToolName: "slow"})
	require.NoError(t, err)
	assert.ErrorIs(t, out.Err, ErrExecutorFailure)
	assert.ErrorContains(t, out.Err, context.DeadlineExceeded.Error())
	assert.Len(t, s.ToolInvocations(), 1)
}

func TestInvoke_Truncation(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{"shorter is unchanged", "abc", "abc"},
		{"exactly the limit", "abcde", "abcde"},
		{"cut to the limit", "abcdefgh", "abcde"},
		{"counts characters not bytes", "héllo wörld", "héllo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, s := newGatekeeper(t, &fakeExecutor{output: tt.output}, 5)

			out, err := g.Invoke(context.Background(), Request{ToolName: "search"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Output)
			assert.Equal(t, tt.want, *s.ToolInvocations()[0].OutputText)
		})
	}
}

func TestInvoke_DefaultMaxOutput(t *testing.T) {
	big := strings.Repeat("x", DefaultMaxOutput+10)
	g, _ := newGatekeeper(t, &fakeExecutor{output: big}, 0)

	out, err := g.Invoke(context.Background(), Request{ToolName: "search"})
	require.NoError(t, err)
	assert.Len(t, out.Output, DefaultMaxOutput)
}

func TestInvoke_StoreFailureIsReturned(t *testing.T) {
	exec := &fakeExecutor{output: "ok"}
	g, s := newGatekeeper(t, exec, 0)
	s.FailWrites = errors.New("disk full")

	out, err := g.Invoke(context.Background(), Request{ToolName: "search"})
	assert.Nil(t, out)
	assert.ErrorContains(t, err, "disk full")
	assert.Zero(t, exec.calls, "a tool that cannot be audited does not run")
}

type executorFunc func(ctx context.Context, toolName, serverName, credential string) (string, error)

func (f executorFunc) Execute(ctx context.Context, toolName, serverName, credential string) (string, error) {
	return f(ctx, toolName, serverName, credential)
}

func TestInvoke_RowExistsWhileToolRuns(t *testing.T) {
	var s *store.MockStore
	var during []*store.ToolInvocation
	exec := executorFunc(func(ctx context.Context, toolName, serverName, credential string) (string, error) {
		during = s.ToolInvocations()
		return "removed", nil
	})
	g, s := newGatekeeper(t, exec, 0)

	out, err := g.Invoke(context.Background(), Request{ToolName: "rm", Username: "alice", WasExplicit: true})
	require.NoError(t, err)
	assert.True(t, out.Executed)

	// A crash mid-call leaves this row behind.
	require.Len(t, during, 1)
	assert.False(t, during[0].Success)
	require.NotNil(t, during[0].ErrorMessage)
	assert.Equal(t, IncompleteMessage, *during[0].ErrorMessage)

	rows := s.ToolInvocations()
	require.Len(t, rows, 1, "the pending row is finished, not duplicated")
	assert.Equal(t, during[0].ID, rows[0].ID)
	assert.True(t, rows[0].Success)
	assert.Nil(t, rows[0].ErrorMessage)
	assert.Equal(t, "removed", *rows[0].OutputText)
}

func TestInvoke_FinishedAfterCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := executorFunc(func(ctx context.Context, toolName, serverName, credential string) (string, error) {
		cancel()
		return "", ctx.Err()
	})
	g, s := newGatekeeper(t, exec, 0)

	out, err := g.Invoke(ctx, Request{ToolName: "rm", Username: "alice", WasExplicit: true})
	require.NoError(t, err)
	assert.ErrorIs(t, out.Err, ErrExecutorFailure)

	rows := s.ToolInvocations()
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].ErrorMessage)
	assert.Equal(t, context.Canceled.Error(), *rows[0].ErrorMessage)
}
