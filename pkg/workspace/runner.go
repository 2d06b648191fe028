package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/adaptiv/gh-broker/pkg/constants"
	brokererrors "github.com/adaptiv/gh-broker/pkg/errors"
	"github.com/adaptiv/gh-broker/pkg/logger"
)

var runnerLog = logger.New("workspace:runner")

// CommandSpec describes a single subprocess invocation.
type CommandSpec struct {
	Name string
	Args []string
	Dir  string
	// Env entries are appended to the inherited environment.
	Env     []string
	Timeout time.Duration
	// Output caps in bytes; zero means the configured defaults.
	StdoutMax int
	StderrMax int
}

// RunResult carries bounded subprocess output and exit metadata.
type RunResult struct {
	ExitCode        int           `json:"exit_code"`
	Stdout          string        `json:"stdout"`
	Stderr          string        `json:"stderr"`
	StdoutTruncated bool          `json:"stdout_truncated"`
	StderrTruncated bool          `json:"stderr_truncated"`
	TimedOut        bool          `json:"timed_out"`
	Duration        time.Duration `json:"-"`
	DurationMS      int64         `json:"duration_ms"`
}

// ProcessRunner runs subprocesses with group-kill semantics. Implementations
// must never leave orphaned children behind on cancellation or timeout.
type ProcessRunner interface {
	Run(ctx context.Context, spec CommandSpec) (*RunResult, error)
}

// execRunner is the POSIX implementation: each child gets its own process
// group; on cancellation or timeout the whole group receives SIGTERM, then
// SIGKILL after a short grace period.
type execRunner struct {
	defaultTimeout time.Duration
	stdoutMax      int
	stderrMax      int
}

// NewRunner returns the default ProcessRunner.
func NewRunner(defaultTimeout time.Duration, stdoutMax, stderrMax int) ProcessRunner {
	if defaultTimeout <= 0 {
		defaultTimeout = constants.DefaultSubprocessTimeout
	}
	if stdoutMax <= 0 {
		stdoutMax = constants.DefaultStdoutMaxChars
	}
	if stderrMax <= 0 {
		stderrMax = constants.DefaultStderrMaxChars
	}
	return &execRunner{defaultTimeout: defaultTimeout, stdoutMax: stdoutMax, stderrMax: stderrMax}
}

// limitBuffer keeps the first max bytes written and records truncation.
type limitBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func (b *limitBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if remaining := b.max - len(b.buf); remaining > 0 {
		if len(p) > remaining {
			b.buf = append(b.buf, p[:remaining]...)
			b.truncated = true
		} else {
			b.buf = append(b.buf, p...)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *limitBuffer) snapshot() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf), b.truncated
}

func (r *execRunner) Run(ctx context.Context, spec CommandSpec) (*RunResult, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	stdoutMax := spec.StdoutMax
	if stdoutMax <= 0 {
		stdoutMax = r.stdoutMax
	}
	stderrMax := spec.StderrMax
	if stderrMax <= 0 {
		stderrMax = r.stderrMax
	}

	cmd := exec.Command(spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	setProcessGroup(cmd)

	stdout := &limitBuffer{max: stdoutMax}
	stderr := &limitBuffer{max: stderrMax}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runnerLog.Printf("Starting subprocess: %s %v (timeout %s)", spec.Name, spec.Args, timeout)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Name, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	result := &RunResult{}
	var waitErr error
	var cancelled bool

	select {
	case waitErr = <-done:
	case <-ctx.Done():
		cancelled = true
		killProcessGroup(cmd)
		waitErr = r.drain(done)
	case <-timer.C:
		result.TimedOut = true
		killProcessGroup(cmd)
		waitErr = r.drain(done)
	}

	result.Duration = time.Since(start)
	result.DurationMS = result.Duration.Milliseconds()
	result.Stdout, result.StdoutTruncated = stdout.snapshot()
	result.Stderr, result.StderrTruncated = stderr.snapshot()
	result.ExitCode = exitCode(cmd, waitErr)

	if cancelled {
		runnerLog.Printf("Subprocess cancelled after %s: %s", result.Duration, spec.Name)
		return result, context.Canceled
	}
	if result.TimedOut {
		runnerLog.Printf("Subprocess timed out after %s: %s %v", timeout, spec.Name, spec.Args)
		if result.Stderr != "" {
			result.Stderr += "\n"
		}
		result.Stderr += fmt.Sprintf("[killed: timed out after %s]", timeout)
		return result, &brokererrors.TimeoutError{
			Operation: fmt.Sprintf("%s %v", spec.Name, spec.Args),
			Limit:     timeout,
		}
	}

	runnerLog.Printf("Subprocess finished: %s exit=%d duration=%s", spec.Name, result.ExitCode, result.Duration)
	return result, nil
}

// drain waits briefly for Wait to return after a group kill so output
// buffers settle; a wedged pipe is abandoned rather than hanging the caller.
func (r *execRunner) drain(done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-time.After(constants.DrainTimeout):
		runnerLog.Print("Abandoned subprocess drain after grace period")
		return nil
	}
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		return -1
	}
	return 0
}
