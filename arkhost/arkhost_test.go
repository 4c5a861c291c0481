package arkhost

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/conformance/shell"
	"github.com/ethereum-optimism/infra/conformance/types"
)

// scriptedRunner answers each call with the next scripted result.
type scriptedRunner struct {
	calls   []shell.Command
	results []*shell.Result
	errs    []error
}

func (s *scriptedRunner) Run(_ context.Context, c shell.Command) (*shell.Result, error) {
	i := len(s.calls)
	s.calls = append(s.calls, c)
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	if i < len(s.results) {
		return s.results[i], err
	}
	return &shell.Result{Status: shell.StatusSuccess}, err
}

func newHost(t *testing.T, frontend string, runner shell.Runner) (*Host, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	h, err := New(Config{
		ArkTool:         "/ark/ark_js_vm",
		ArkFrontendTool: "/ark/build/src/index.js",
		LibsDir:         "/ark:/icu:/llvm/lib",
		ArkFrontend:     frontend,
		ICUDataPath:     "/code/third_party/icu/ohos_icu4j/data",
		Timeout:         time.Minute,
		Shell:           runner,
		Stdout:          &stdout,
		Stderr:          &stderr,
	})
	require.NoError(t, err)
	return h, &stdout, &stderr
}

func TestBytecodeFile(t *testing.T) {
	assert.Equal(t, "/tmp/t/a.abc", BytecodeFile("/tmp/t/a.js"))
	assert.Equal(t, "noext.abc", BytecodeFile("noext"))
}

func TestIsModuleTest(t *testing.T) {
	assert.True(t, IsModuleTest("/x/y/early-super.js"))
	assert.True(t, IsModuleTest("await-module.js"))
	assert.False(t, IsModuleTest("/x/y/early-super-2.js"))
}

func TestCompileCommand(t *testing.T) {
	tests := []struct {
		name     string
		frontend string
		file     string
		wantName string
		wantArgs []string
	}{
		{
			name:     "ts2panda",
			frontend: types.FrontendTS2Panda,
			file:     "/t/a.js",
			wantName: "node",
			wantArgs: []string{"--expose-gc", "/ark/build/src/index.js", "/t/a.js", "-o", "/t/a.abc"},
		},
		{
			name:     "ts2panda module test",
			frontend: types.FrontendTS2Panda,
			file:     "/t/early-super.js",
			wantName: "node",
			wantArgs: []string{"--expose-gc", "/ark/build/src/index.js", "-m", "/t/early-super.js", "-o", "/t/early-super.abc"},
		},
		{
			name:     "es2panda",
			frontend: types.FrontendES2Panda,
			file:     "/t/a.js",
			wantName: "/ark/build/src/index.js",
			wantArgs: []string{"-c", "-e", "js", "-o", "/t/a.abc", "-i", "/t/a.js"},
		},
		{
			name:     "es2panda module test",
			frontend: types.FrontendES2Panda,
			file:     "/t/parse-err-yield.js",
			wantName: "/ark/build/src/index.js",
			wantArgs: []string{"-m", "-c", "-e", "js", "-o", "/t/parse-err-yield.abc", "-i", "/t/parse-err-yield.js"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, _ := newHost(t, tt.frontend, &scriptedRunner{})
			cmd, err := h.CompileCommand(tt.file)
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, cmd.Name)
			assert.Equal(t, tt.wantArgs, cmd.Args)
			assert.Equal(t, time.Minute, cmd.Timeout)
		})
	}
}

func TestExecuteCommand(t *testing.T) {
	h, _, _ := newHost(t, types.FrontendTS2Panda, &scriptedRunner{})
	cmd := h.ExecuteCommand("/t/a.js")
	assert.Equal(t, "/ark/ark_js_vm", cmd.Name)
	assert.Equal(t, []string{"--gc-type=epsilon", "--icu-data-path=/code/third_party/icu/ohos_icu4j/data", "/t/a.abc"}, cmd.Args)
	assert.Equal(t, []string{"LD_LIBRARY_PATH=/ark:/icu:/llvm/lib"}, cmd.Env)
}

func TestRunWrongFrontend(t *testing.T) {
	runner := &scriptedRunner{}
	h, _, stderr := newHost(t, "v8", runner)

	assert.Equal(t, 1, h.Run(context.Background(), "/t/a.js"))
	assert.Equal(t, WrongFrontendMessage, stderr.String())
	assert.Empty(t, runner.calls)

	_, err := h.CompileCommand("/t/a.js")
	assert.ErrorIs(t, err, ErrWrongFrontend)
}

func TestRunOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		results    []*shell.Result
		errs       []error
		wantCode   int
		wantCalls  int
		wantStdout string
		wantStderr string
	}{
		{
			name: "pass prints the VM output",
			results: []*shell.Result{
				{Status: shell.StatusSuccess},
				{Status: shell.StatusSuccess, Stdout: []byte("Test262:AsyncTestComplete\n")},
			},
			wantCode:   0,
			wantCalls:  2,
			wantStdout: "Test262:AsyncTestComplete\n",
		},
		{
			name: "exit code one is a reported result",
			results: []*shell.Result{
				{Status: shell.StatusSuccess},
				{Status: shell.StatusExitError, ExitCode: 1, Stdout: []byte("SyntaxError\n")},
			},
			wantCode:   0,
			wantCalls:  2,
			wantStdout: "SyntaxError\n",
		},
		{
			name: "compile error stops before execution",
			results: []*shell.Result{
				{Status: shell.StatusExitError, ExitCode: 1, Stderr: []byte("SyntaxError: Unexpected token")},
			},
			wantCode:   1,
			wantCalls:  1,
			wantStderr: "SyntaxError: Unexpected token",
		},
		{
			name: "abort",
			results: []*shell.Result{
				{Status: shell.StatusSuccess},
				{Status: shell.StatusExitError, ExitCode: -1, Signal: 6},
			},
			wantCode:   134,
			wantCalls:  2,
			wantStderr: "Aborted (core dumped)",
		},
		{
			name: "segfault",
			results: []*shell.Result{
				{Status: shell.StatusSuccess},
				{Status: shell.StatusExitError, ExitCode: -1, Signal: 11},
			},
			wantCode:   139,
			wantCalls:  2,
			wantStderr: "Segmentation fault (core dumped)",
		},
		{
			name: "other exit codes",
			results: []*shell.Result{
				{Status: shell.StatusSuccess},
				{Status: shell.StatusExitError, ExitCode: 255},
			},
			wantCode:   255,
			wantCalls:  2,
			wantStderr: "Command /ark/ark_js_vm --gc-type=epsilon --icu-data-path=/code/third_party/icu/ohos_icu4j/data /t/a.abc: \nerror: exit code 255",
		},
		{
			name: "timeout",
			results: []*shell.Result{
				{Status: shell.StatusTimeout, ExitCode: -1},
			},
			wantCode:   1,
			wantCalls:  1,
			wantStderr: "Timeout:'node --expose-gc /ark/build/src/index.js /t/a.js -o /t/a.abc' timed out after 1m0s",
		},
		{
			name:       "start failure",
			results:    []*shell.Result{nil},
			errs:       []error{errors.New("no such file")},
			wantCode:   1,
			wantCalls:  1,
			wantStderr: "node --expose-gc /ark/build/src/index.js /t/a.js -o /t/a.abc: unknown error: no such file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &scriptedRunner{results: tt.results, errs: tt.errs}
			h, stdout, stderr := newHost(t, types.FrontendTS2Panda, runner)

			code := h.Run(context.Background(), "/t/a.js")
			assert.Equal(t, tt.wantCode, code)
			assert.Len(t, runner.calls, tt.wantCalls)
			assert.Equal(t, tt.wantStdout, stdout.String())
			assert.Equal(t, tt.wantStderr, stderr.String())
		})
	}
}
