// Package invoker runs the external test262 harness over a staged or
// in-place test tree.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/conformance/shell"
	"github.com/ethereum-optimism/infra/conformance/types"
)

// HostTypePanda is the host type served by the ark-host subcommand.
const HostTypePanda = "panda"

// ExitError is returned when the harness exits with a non-zero status.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("test runner exited with code %d: %s", e.Code, e.Stderr)
	}
	return fmt.Sprintf("test runner exited with code %d", e.Code)
}

// TimeoutError is returned when the harness outlives the run deadline.
type TimeoutError struct {
	Deadline time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("test runner did not finish within %s and was terminated", e.Deadline)
}

// IsExitError reports whether err carries an organic harness failure.
func IsExitError(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr)
}

// IsTimeoutError reports whether err is a run deadline expiry.
func IsTimeoutError(err error) bool {
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr)
}

// Config describes one harness invocation.
type Config struct {
	NodeBinary   string
	RunnerScript string
	WorkDir      string

	HostType      string
	HostPath      string
	ExtraHostArgs []string

	// Passed to the ark-host subcommand for the panda host type.
	ArkTool         string
	ArkFrontendTool string
	LibsDir         string
	ArkFrontend     string
	ICUDataPath     string

	Threads      int
	TimeoutMs    int
	Strictness   types.Strictness
	TempDir      string
	Test262Dir   string
	Preprocessor string
	OtherArgs    []string

	// File wins over TestDir as the harness target.
	File    string
	TestDir string

	// Deadline bounds the whole harness run; zero means none.
	Deadline time.Duration

	Shell  shell.Runner
	Log    log.Logger
	Stdout io.Writer
	Stderr io.Writer
}

// Invoker runs the harness.
type Invoker struct {
	cfg Config
	log log.Logger
}

// New creates an Invoker.
func New(cfg Config) (*Invoker, error) {
	if cfg.Shell == nil {
		return nil, errors.New("shell runner is required")
	}
	if cfg.RunnerScript == "" {
		return nil, errors.New("runner script is required")
	}
	if cfg.File == "" && cfg.TestDir == "" {
		return nil, errors.New("either a test file or a test directory is required")
	}
	if cfg.NodeBinary == "" {
		cfg.NodeBinary = "node"
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	return &Invoker{cfg: cfg, log: cfg.Log.New("component", "invoker")}, nil
}

// Target returns the test file or glob handed to the harness.
func (i *Invoker) Target() string {
	if i.cfg.File != "" {
		return i.cfg.File
	}
	return filepath.Join(i.cfg.TestDir, "**", "*.js")
}

// HostArgs returns the arguments the harness passes to the host. For the
// panda host these select the ark-host subcommand and its tool paths,
// followed by any extra host args.
func (i *Invoker) HostArgs() []string {
	if i.cfg.HostType != HostTypePanda {
		return i.cfg.ExtraHostArgs
	}
	args := []string{
		"ark-host",
		"--ark-tool=" + i.cfg.ArkTool,
		"--ark-frontend-tool=" + i.cfg.ArkFrontendTool,
		"--libs-dir=" + i.cfg.LibsDir,
		"--ark-frontend=" + i.cfg.ArkFrontend,
	}
	if i.cfg.ICUDataPath != "" {
		args = append(args, "--icu-data-path="+i.cfg.ICUDataPath)
	}
	return append(args, i.cfg.ExtraHostArgs...)
}

// Args returns the harness command line without the node binary.
func (i *Invoker) Args() []string {
	args := []string{
		i.cfg.RunnerScript,
		"--hostType=" + i.cfg.HostType,
		"--hostPath=" + i.cfg.HostPath,
	}
	if hostArgs := i.HostArgs(); len(hostArgs) > 0 {
		args = append(args, "--hostArgs="+strings.Join(hostArgs, " "))
	}
	args = append(args,
		"--threads="+strconv.Itoa(i.cfg.Threads),
		"--mode="+i.cfg.Strictness.String(),
		"--timeout="+strconv.Itoa(i.cfg.TimeoutMs),
		"--tempDir="+i.cfg.TempDir,
		"--test262Dir="+i.cfg.Test262Dir,
	)
	if i.cfg.Preprocessor != "" {
		args = append(args, "--preprocessor="+i.cfg.Preprocessor)
	}
	args = append(args, i.cfg.OtherArgs...)
	return append(args, i.Target())
}

// Command returns the shell command Invoke runs.
func (i *Invoker) Command() shell.Command {
	return shell.Command{
		Name:    i.cfg.NodeBinary,
		Args:    i.Args(),
		Dir:     i.cfg.WorkDir,
		Timeout: i.cfg.Deadline,
		Stdout:  i.cfg.Stdout,
		Stderr:  i.cfg.Stderr,
	}
}

// Invoke runs the harness to completion. The harness output is streamed to
// the configured writers. A non-zero exit yields an *ExitError, an expired
// deadline a *TimeoutError.
func (i *Invoker) Invoke(ctx context.Context) (*shell.Result, error) {
	cmd := i.Command()
	i.log.Info("Running test262 harness", "cmd", cmd.String(), "deadline", i.cfg.Deadline)

	res, err := i.cfg.Shell.Run(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to run test runner: %w", err)
	}
	i.log.Info("Test262 harness finished", "status", res.Status, "exitCode", res.ExitCode, "duration", res.Duration)

	switch res.Status {
	case shell.StatusSuccess:
		return res, nil
	case shell.StatusTimeout:
		return res, &TimeoutError{Deadline: i.cfg.Deadline}
	case shell.StatusCanceled:
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("test runner interrupted: %w", err)
		}
		return res, errors.New("test runner interrupted")
	default:
		return res, &ExitError{Code: exitCode(res), Stderr: lastLine(res.Stderr)}
	}
}

// exitCode maps a signal death to the shell convention of 128+signal.
func exitCode(res *shell.Result) int {
	if res.ExitCode > 0 {
		return res.ExitCode
	}
	if res.Signal > 0 {
		return 128 + res.Signal
	}
	return 1
}

func lastLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		return s[idx+1:]
	}
	return s
}
