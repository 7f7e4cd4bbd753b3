// Package workspace is the boundary to the external tools that give a
// session its isolation: the VCS workspace manager and the terminal
// multiplexer. Everything here shells out; nothing here touches the
// coordination state.
package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"

	"github.com/lprior-repo/isolate/internal/coord"
)

// Runner executes an external tool and returns its stdout. Implementors
// wrap os/exec; tests substitute a fake to script tool behavior.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs tools via os/exec in a fixed working directory.
type ExecRunner struct {
	// Dir is the working directory for every invocation; empty means the
	// process working directory.
	Dir string
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", classifyToolError(name, args, err, stderr.String())
	}
	return stdout.String(), nil
}

// classifyToolError maps a subprocess failure into the error taxonomy.
// Permission problems surface as such; everything else is an external
// collaborator failure carrying the tool's stderr.
func classifyToolError(name string, args []string, err error, stderr string) error {
	detail := strings.TrimSpace(stderr)
	if detail == "" {
		detail = err.Error()
	}

	if errors.Is(err, fs.ErrPermission) {
		return coord.NewPermissionDenied(
			fmt.Sprintf("%s %s: %s", name, strings.Join(args, " "), detail), err)
	}
	if errors.Is(err, exec.ErrNotFound) {
		return &coord.Error{
			Category:    coord.CategoryConfiguration,
			Message:     name + " not found on PATH",
			Remediation: "install " + name + " or adjust PATH",
			Err:         err,
		}
	}
	return coord.NewExternal(
		fmt.Sprintf("%s %s: %s", name, strings.Join(args, " "), detail), err)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, name string, args ...string) (string, error)

func (f RunnerFunc) Run(ctx context.Context, name string, args ...string) (string, error) {
	return f(ctx, name, args...)
}
