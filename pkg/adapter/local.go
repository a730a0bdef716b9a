package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/zen-systems/modelgate/pkg/artifact"
	"github.com/zen-systems/modelgate/pkg/config"
)

// LocalDiagnostics captures execution details for a local run.
type LocalDiagnostics struct {
	Command  []string      `json:"command"`
	Workdir  string        `json:"workdir,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// LocalRunError reports a local command that exited non-zero. It is wrapped
// in an AdapterError; use errors.As to reach the diagnostics.
type LocalRunError struct {
	Diagnostics LocalDiagnostics
}

func (e *LocalRunError) Error() string {
	msg := fmt.Sprintf("local command exited with status %d", e.Diagnostics.ExitCode)
	if tail := lastLine(e.Diagnostics.Stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

// LocalAdapter runs a privileged local command for each request. The prompt
// is written to stdin and stdout becomes the artifact content. The command
// sees the backend model id and task through MODELGATE_MODEL and
// MODELGATE_TASK.
type LocalAdapter struct {
	command []string
	workdir string
	timeout time.Duration
}

// NewLocalAdapter creates an adapter from the local execution settings.
func NewLocalAdapter(def config.LocalDef) (*LocalAdapter, error) {
	if len(def.Command) == 0 {
		return nil, fmt.Errorf("local adapter requires a command")
	}
	return &LocalAdapter{
		command: append([]string{}, def.Command...),
		workdir: def.Workdir,
		timeout: time.Duration(def.TimeoutSeconds) * time.Second,
	}, nil
}

// Name returns the adapter identifier.
func (a *LocalAdapter) Name() string {
	return KindLocal
}

// Generate runs the command and returns its stdout.
func (a *LocalAdapter) Generate(ctx context.Context, req Request) (*Response, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, a.command[0], a.command[1:]...)
	if a.workdir != "" {
		cmd.Dir = a.workdir
	}
	cmd.Env = append(os.Environ(),
		"MODELGATE_MODEL="+req.Model,
		"MODELGATE_TASK="+req.Task,
		"MODELGATE_KIND="+string(kindOf(req)),
	)
	cmd.Stdin = strings.NewReader(req.Prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	diag := LocalDiagnostics{
		Command:  append([]string{}, a.command...),
		Workdir:  a.workdir,
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("local command: %w", ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("local command failed to run: %w", err)
		}
		diag.ExitCode = exitErr.ExitCode()
		return nil, &AdapterError{Err: &LocalRunError{Diagnostics: diag}}
	}

	var art *artifact.Artifact
	if kindOf(req) == artifact.KindImage {
		art = artifact.NewImage(stdout.Bytes(), "image/png", "", a.Name(), req.Model)
	} else {
		art = artifact.New(stdout.String(), a.Name(), req.Model)
	}
	art = art.WithMetadata("local_command", strings.Join(diag.Command, " ")).
		WithMetadata("local_duration_ms", fmt.Sprintf("%d", diag.Duration.Milliseconds()))
	if diag.Workdir != "" {
		art = art.WithMetadata("local_workdir", diag.Workdir)
	}
	return &Response{Artifact: art}, nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
