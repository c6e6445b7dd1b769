package execution

import (
	"bytes"
	"context"
	"errors"
	"os"
	osexec "os/exec"
	"syscall"
	"time"
)

// maxCapturedOutput bounds each of stdout and stderr.
const maxCapturedOutput = 64 * 1024

// terminationGrace is how long a process has to exit after SIGTERM before it
// is killed.
const terminationGrace = 2 * time.Second

// Command is a single interpreter invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
}

// Output is what a finished process produced.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner starts processes. Tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, command Command) (Output, error)
}

// ProcessRunner runs commands with os/exec.
type ProcessRunner struct {
	// Env overrides environment variables (nil = inherit from parent).
	Env []string
}

// NewProcessRunner creates a runner backed by real subprocesses.
func NewProcessRunner() *ProcessRunner {
	return &ProcessRunner{}
}

// Run executes the command and waits for it. A non-zero exit is reported in
// Output.ExitCode with a nil error; errors mean the process could not run to
// completion.
func (r *ProcessRunner) Run(ctx context.Context, command Command) (Output, error) {
	cmd := osexec.CommandContext(ctx, command.Name, command.Args...)
	cmd.Dir = command.Dir
	if r.Env != nil {
		cmd.Env = r.Env
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = terminationGrace

	stdout := &cappedBuffer{limit: maxCapturedOutput}
	stderr := &cappedBuffer{limit: maxCapturedOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	output := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if ctx.Err() != nil {
		return output, ctx.Err()
	}
	var exitErr *osexec.ExitError
	if errors.As(err, &exitErr) {
		output.ExitCode = exitErr.ExitCode()
		return output, nil
	}
	if err != nil {
		return output, err
	}
	return output, nil
}

type cappedBuffer struct {
	buffer bytes.Buffer
	limit  int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buffer.Len()
	if remaining > 0 {
		if len(p) > remaining {
			b.buffer.Write(p[:remaining])
		} else {
			b.buffer.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	return b.buffer.String()
}

func writeSourceFile(dir, pattern, source string) (string, error) {
	file, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", err
	}
	if _, err := file.WriteString(source); err != nil {
		file.Close()
		os.Remove(file.Name())
		return "", err
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return "", err
	}
	return file.Name(), nil
}
