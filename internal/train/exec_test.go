package train

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lprior-repo/isolate/internal/coord"
	"github.com/lprior-repo/isolate/internal/workspace"
)

func TestCommandValidator_EmptyArgvPasses(t *testing.T) {
	v := CommandValidator{}
	verdict, err := v.Validate(context.Background(), "dev")
	require.NoError(t, err)
	assert.True(t, verdict.Passed)
}

func TestCommandValidator_SubstitutesSession(t *testing.T) {
	var got []string
	runner := workspace.RunnerFunc(func(ctx context.Context, name string, args ...string) (string, error) {
		got = append([]string{name}, args...)
		return "", nil
	})
	v := CommandValidator{Runner: runner, Argv: []string{"run-checks", "--target", SessionPlaceholder}}

	verdict, err := v.Validate(context.Background(), "dev")
	require.NoError(t, err)
	assert.True(t, verdict.Passed)
	assert.Equal(t, []string{"run-checks", "--target", "dev"}, got)
}

func TestCommandValidator_NonZeroExitIsAVerdict(t *testing.T) {
	runner := workspace.RunnerFunc(func(ctx context.Context, name string, args ...string) (string, error) {
		return "", coord.NewExternal("run-checks dev: tests failed", nil)
	})
	v := CommandValidator{Runner: runner, Argv: []string{"run-checks", SessionPlaceholder}}

	verdict, err := v.Validate(context.Background(), "dev")
	require.NoError(t, err, "a failing check is a verdict, not an error")
	assert.False(t, verdict.Passed)
	assert.Contains(t, verdict.Detail, "tests failed")
}

func TestCommandValidator_TimeoutIsInfrastructureFailure(t *testing.T) {
	// A check killed by the deadline surfaces as an external exit, exactly
	// like a rejection; the deadline must win the classification.
	slow := workspace.RunnerFunc(func(ctx context.Context, name string, args ...string) (string, error) {
		<-ctx.Done()
		return "", coord.NewExternal(name+": signal: killed", nil)
	})
	v := CommandValidator{Runner: slow, Argv: []string{"run-checks"}, Timeout: 20 * time.Millisecond}

	verdict, err := v.Validate(context.Background(), "dev")
	require.Error(t, err, "a timed-out check must block the entry, not kick it")
	assert.False(t, verdict.Passed)
	assert.Equal(t, coord.CategoryExternal, coord.CategoryOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCommandValidator_CanceledPassIsInfrastructureFailure(t *testing.T) {
	slow := workspace.RunnerFunc(func(ctx context.Context, name string, args ...string) (string, error) {
		<-ctx.Done()
		return "", coord.NewExternal(name+": signal: killed", nil)
	})
	v := CommandValidator{Runner: slow, Argv: []string{"run-checks"}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := v.Validate(ctx, "dev")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCommandValidator_MissingToolIsInfrastructureFailure(t *testing.T) {
	runner := workspace.RunnerFunc(func(ctx context.Context, name string, args ...string) (string, error) {
		return "", coord.NewConfiguration(name+" not found on PATH", "install "+name+" or adjust PATH")
	})
	v := CommandValidator{Runner: runner, Argv: []string{"run-checks"}}

	_, err := v.Validate(context.Background(), "dev")
	require.Error(t, err)
	assert.Equal(t, coord.CategoryConfiguration, coord.CategoryOf(err))
}

func TestCommandMerger(t *testing.T) {
	err := CommandMerger{}.Merge(context.Background(), "dev")
	require.Error(t, err, "a merge command must be configured")
	assert.Equal(t, coord.CategoryConfiguration, coord.CategoryOf(err))

	var got []string
	runner := workspace.RunnerFunc(func(ctx context.Context, name string, args ...string) (string, error) {
		got = append([]string{name}, args...)
		return "", nil
	})
	m := CommandMerger{Runner: runner, Argv: []string{"land", SessionPlaceholder}}
	require.NoError(t, m.Merge(context.Background(), "dev"))
	assert.Equal(t, []string{"land", "dev"}, got)
}
