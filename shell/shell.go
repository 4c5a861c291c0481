// Package shell runs external commands with a deadline and guaranteed
// termination.
//
// Every command is started in its own process group. When the deadline
// passes or the context is canceled the whole group is asked to exit, and is
// force-killed if it is still running after a grace period. The caller always
// gets a typed Result back, so an organic non-zero exit, a timeout and a
// cancellation can be told apart without inspecting exit codes.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// DefaultKillGrace is how long a process group gets between the termination
// request and the force-kill.
const DefaultKillGrace = 2 * time.Second

// Status is the outcome of a command.
type Status int

const (
	StatusSuccess   Status = iota // exited with code 0
	StatusExitError               // exited with a non-zero code or was killed by a signal
	StatusTimeout                 // deadline passed, process group terminated
	StatusCanceled                // context canceled, process group terminated
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusExitError:
		return "exit-error"
	case StatusTimeout:
		return "timeout"
	case StatusCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Command describes one external process invocation.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string      // appended to the current environment
	Timeout time.Duration // zero means no deadline

	// Optional writers that receive a live copy of the output.
	Stdout io.Writer
	Stderr io.Writer
}

// String renders the command line for logs and error messages.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is the typed outcome of Run.
type Result struct {
	Command  string
	Status   Status
	ExitCode int // -1 unless the process exited on its own
	Signal   int // signal that terminated the process, 0 if none
	PID      int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Success reports whether the command exited with code 0.
func (r *Result) Success() bool {
	return r != nil && r.Status == StatusSuccess
}

// Runner executes commands. Components depend on this interface so tests can
// substitute recorded results.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

var _ Runner = (*Exec)(nil)

// Exec runs commands as real child processes.
type Exec struct {
	KillGrace  time.Duration
	MaxCapture int
	log        log.Logger
}

// New creates an Exec with default settings.
func New(logger log.Logger) *Exec {
	if logger == nil {
		logger = log.NewLogger(log.DiscardHandler())
	}
	return &Exec{
		KillGrace:  DefaultKillGrace,
		MaxCapture: defaultCaptureBytes,
		log:        logger,
	}
}

// Run starts the command and waits for it to finish, time out or be canceled.
// An error is returned only when the process could not be started or waited
// for; every outcome of a started process is reported through Result.
func (e *Exec) Run(ctx context.Context, c Command) (*Result, error) {
	if c.Name == "" {
		return nil, errors.New("command name cannot be empty")
	}

	cmd := exec.Command(c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	setProcessGroup(cmd)
	cmd.WaitDelay = e.killGrace()

	stdout := newTailBuffer(e.MaxCapture)
	stderr := newTailBuffer(e.MaxCapture)
	cmd.Stdout = tee(stdout, c.Stdout)
	cmd.Stderr = tee(stderr, c.Stderr)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %q: %w", c.String(), err)
	}
	e.log.Debug("Started command", "cmd", c.String(), "pid", cmd.Process.Pid, "timeout", c.Timeout)

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var deadline <-chan time.Time
	if c.Timeout > 0 {
		timer := time.NewTimer(c.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	status := StatusSuccess
	var waitErr error
	select {
	case waitErr = <-done:
	case <-deadline:
		e.log.Warn("Command timed out, terminating", "cmd", c.String(), "pid", cmd.Process.Pid, "timeout", c.Timeout)
		status = StatusTimeout
		waitErr = e.terminate(cmd, done)
	case <-ctx.Done():
		e.log.Warn("Command canceled, terminating", "cmd", c.String(), "pid", cmd.Process.Pid, "err", ctx.Err())
		status = StatusCanceled
		waitErr = e.terminate(cmd, done)
	}

	result := &Result{
		Command:  c.String(),
		Status:   status,
		ExitCode: -1,
		PID:      cmd.Process.Pid,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		result.Signal = signalOf(cmd.ProcessState)
		if status == StatusSuccess {
			result.ExitCode = cmd.ProcessState.ExitCode()
		}
	}

	if status == StatusSuccess && waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
			return nil, fmt.Errorf("failed to wait for %q: %w", c.String(), waitErr)
		}
		if result.ExitCode != 0 {
			result.Status = StatusExitError
		}
	}
	return result, nil
}

// terminate asks the process group to exit, escalates to a kill after the
// grace period and always reaps the process.
func (e *Exec) terminate(cmd *exec.Cmd, done <-chan error) error {
	if err := interruptGroup(cmd); err != nil {
		e.log.Debug("Failed to interrupt process group", "pid", cmd.Process.Pid, "err", err)
	}

	grace := time.NewTimer(e.killGrace())
	defer grace.Stop()

	select {
	case err := <-done:
		return err
	case <-grace.C:
	}

	e.log.Warn("Process group still running after grace period, killing", "pid", cmd.Process.Pid)
	if err := killGroup(cmd); err != nil {
		e.log.Debug("Failed to kill process group", "pid", cmd.Process.Pid, "err", err)
	}
	return <-done
}

func (e *Exec) killGrace() time.Duration {
	if e.KillGrace <= 0 {
		return DefaultKillGrace
	}
	return e.KillGrace
}

func tee(capture io.Writer, live io.Writer) io.Writer {
	if live == nil {
		return capture
	}
	return io.MultiWriter(capture, live)
}
