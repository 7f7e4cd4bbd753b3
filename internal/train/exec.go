package train

import (
	"context"
	"strings"
	"time"

	"github.com/lprior-repo/isolate/internal/coord"
	"github.com/lprior-repo/isolate/internal/workspace"
)

// SessionPlaceholder in an argv is replaced with the entry's session name.
const SessionPlaceholder = "{session}"

// CommandValidator checks an entry by running a configured command with
// the session name substituted into its argv. Exit zero passes; a
// non-zero exit fails the verdict with the tool's output as detail; any
// other failure to run the command at all is an infrastructure error.
//
// An empty argv passes every entry: coordination without a check gate.
type CommandValidator struct {
	Runner  workspace.Runner
	Argv    []string
	Timeout time.Duration
}

func (v CommandValidator) Validate(ctx context.Context, session string) (Verdict, error) {
	if len(v.Argv) == 0 {
		return Verdict{Passed: true, Detail: "no check configured"}, nil
	}

	if v.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.Timeout)
		defer cancel()
	}

	argv := substitute(v.Argv, session)
	_, err := v.Runner.Run(ctx, argv[0], argv[1:]...)
	if err == nil {
		return Verdict{Passed: true}, nil
	}

	// A check killed by the deadline (or a canceled pass) never produced
	// a verdict; the kill surfaces as an External exit, so the context is
	// consulted before the exit status.
	if cerr := ctx.Err(); cerr != nil {
		return Verdict{}, coord.NewExternal("check for "+session+" did not finish", cerr)
	}

	// The tool ran and said no: that is a verdict, not an infra failure.
	if coord.CategoryOf(err) == coord.CategoryExternal {
		return Verdict{Passed: false, Detail: err.Error()}, nil
	}
	return Verdict{}, err
}

// CommandMerger lands an entry by running a configured command with the
// session name substituted into its argv.
type CommandMerger struct {
	Runner workspace.Runner
	Argv   []string
}

func (m CommandMerger) Merge(ctx context.Context, session string) error {
	if len(m.Argv) == 0 {
		return coord.NewConfiguration("no merge command configured", "set train.merge_cmd or pass --merge-cmd")
	}
	argv := substitute(m.Argv, session)
	_, err := m.Runner.Run(ctx, argv[0], argv[1:]...)
	return err
}

func substitute(argv []string, session string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = strings.ReplaceAll(a, SessionPlaceholder, session)
	}
	return out
}
