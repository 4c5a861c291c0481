// Package arkhost is the test262 host for the ark VM: it compiles one test
// to bytecode with the selected front-end and runs it, reporting the outcome
// on stdout/stderr the way the harness expects.
package arkhost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/conformance/shell"
	"github.com/ethereum-optimism/infra/conformance/types"
)

const (
	// GCArgs is passed to the VM for every test.
	GCArgs = "--gc-type=epsilon"

	// WrongFrontendMessage is written to stderr for an unknown front-end.
	WrongFrontendMessage = "Wrong ark front-end option"
)

// ErrWrongFrontend is returned for an unknown front-end name.
var ErrWrongFrontend = errors.New("wrong ark front-end option")

// moduleTests must be compiled as ES modules.
var moduleTests = map[string]struct{}{
	"early-dup-export-decl.js":       {},
	"early-dup-export-dflt-id.js":    {},
	"early-dup-export-dflt.js":       {},
	"early-dup-export-id-as.js":      {},
	"early-dup-export-id.js":         {},
	"early-dup-lables.js":            {},
	"early-dup-lex.js":               {},
	"early-export-global.js":         {},
	"early-lex-and-var.js":           {},
	"early-new-target.js":            {},
	"early-strict-mode.js":           {},
	"early-super.js":                 {},
	"early-undef-break.js":           {},
	"early-undef-continue.js":        {},
	"parse-err-export-dflt-const.js": {},
	"parse-err-export-dflt-let.js":   {},
	"parse-err-export-dflt-var.js":   {},
	"parse-err-return.js":            {},
	"parse-err-yield.js":             {},
	"dup-bound-names.js":             {},
	"await-module.js":                {},
}

// IsModuleTest reports whether the test file must be compiled as a module.
func IsModuleTest(jsFile string) bool {
	_, ok := moduleTests[filepath.Base(jsFile)]
	return ok
}

// BytecodeFile returns the .abc path produced for jsFile.
func BytecodeFile(jsFile string) string {
	return strings.TrimSuffix(jsFile, filepath.Ext(jsFile)) + ".abc"
}

// Config holds the tool paths of one ark build.
type Config struct {
	ArkTool         string
	ArkFrontendTool string
	LibsDir         string
	ArkFrontend     string
	ICUDataPath     string
	NodeBinary      string

	// Timeout bounds each compile and execute step; zero means none.
	Timeout time.Duration

	Shell  shell.Runner
	Log    log.Logger
	Stdout io.Writer
	Stderr io.Writer
}

// Host runs single tests on the ark VM.
type Host struct {
	cfg Config
	log log.Logger
}

// New creates a Host.
func New(cfg Config) (*Host, error) {
	if cfg.Shell == nil {
		return nil, errors.New("shell runner is required")
	}
	if cfg.NodeBinary == "" {
		cfg.NodeBinary = "node"
	}
	if cfg.Log == nil {
		cfg.Log = log.NewLogger(log.DiscardHandler())
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	return &Host{cfg: cfg, log: cfg.Log.New("component", "arkhost")}, nil
}

// CompileCommand returns the front-end invocation that turns jsFile into
// bytecode.
func (h *Host) CompileCommand(jsFile string) (shell.Command, error) {
	out := BytecodeFile(jsFile)
	var (
		name string
		args []string
	)
	switch h.cfg.ArkFrontend {
	case types.FrontendTS2Panda:
		name = h.cfg.NodeBinary
		args = []string{"--expose-gc", h.cfg.ArkFrontendTool, jsFile, "-o", out}
		if IsModuleTest(jsFile) {
			args = insert(args, 2, "-m")
		}
	case types.FrontendES2Panda:
		name = h.cfg.ArkFrontendTool
		args = []string{"-c", "-e", "js", "-o", out, "-i", jsFile}
		if IsModuleTest(jsFile) {
			args = insert(args, 0, "-m")
		}
	default:
		return shell.Command{}, ErrWrongFrontend
	}
	return shell.Command{Name: name, Args: args, Timeout: h.cfg.Timeout}, nil
}

// ExecuteCommand returns the VM invocation for the bytecode of jsFile.
func (h *Host) ExecuteCommand(jsFile string) shell.Command {
	args := []string{GCArgs}
	if h.cfg.ICUDataPath != "" {
		args = append(args, "--icu-data-path="+h.cfg.ICUDataPath)
	}
	return shell.Command{
		Name:    h.cfg.ArkTool,
		Args:    append(args, BytecodeFile(jsFile)),
		Env:     []string{"LD_LIBRARY_PATH=" + h.cfg.LibsDir},
		Timeout: h.cfg.Timeout,
	}
}

// Run compiles and executes jsFile and returns the process exit code to
// report to the harness. Execution is skipped when compilation fails.
func (h *Host) Run(ctx context.Context, jsFile string) int {
	compile, err := h.CompileCommand(jsFile)
	if err != nil {
		fmt.Fprint(h.cfg.Stderr, WrongFrontendMessage)
		return 1
	}
	if code := h.step(ctx, compile); code != 0 {
		return code
	}
	return h.step(ctx, h.ExecuteCommand(jsFile))
}

// step runs one command and translates its outcome to the host output
// contract. Stderr output from the tool always counts as a failure. Exit
// code 1 is how tests report an expected negative result and is passed
// through as success with the tool's stdout.
func (h *Host) step(ctx context.Context, c shell.Command) int {
	h.log.Debug("Running ark step", "cmd", c.String())
	res, err := h.cfg.Shell.Run(ctx, c)
	if err != nil {
		fmt.Fprintf(h.cfg.Stderr, "%s: unknown error: %v", c.String(), err)
		return 1
	}

	switch res.Status {
	case shell.StatusTimeout:
		fmt.Fprintf(h.cfg.Stderr, "Timeout:'%s' timed out after %s", c.String(), h.cfg.Timeout)
		return 1
	case shell.StatusCanceled:
		fmt.Fprintf(h.cfg.Stderr, "Canceled:'%s'", c.String())
		return 1
	}

	if len(res.Stderr) > 0 {
		h.cfg.Stderr.Write(res.Stderr)
		return 1
	}

	switch {
	case res.Signal == int(syscall.SIGABRT):
		fmt.Fprint(h.cfg.Stderr, "Aborted (core dumped)")
		return 128 + res.Signal
	case res.Signal == int(syscall.SIGSEGV):
		fmt.Fprint(h.cfg.Stderr, "Segmentation fault (core dumped)")
		return 128 + res.Signal
	case res.Signal > 0:
		fmt.Fprintf(h.cfg.Stderr, "Command %s: \nerror: killed by signal %d", c.String(), res.Signal)
		return 128 + res.Signal
	case res.ExitCode > 1:
		fmt.Fprintf(h.cfg.Stderr, "Command %s: \nerror: exit code %d", c.String(), res.ExitCode)
		return res.ExitCode
	}

	if len(res.Stdout) > 0 {
		h.cfg.Stdout.Write(res.Stdout)
	}
	return 0
}

func insert(args []string, idx int, v string) []string {
	out := make([]string, 0, len(args)+1)
	out = append(out, args[:idx]...)
	out = append(out, v)
	return append(out, args[idx:]...)
}
