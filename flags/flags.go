package flags

import (
	"strings"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

const EnvVarPrefix = "TEST262"

var (
	Dir = &cli.StringFlag{
		Name:    "dir",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "DIR"),
		Usage:   "Directory of tests to run, overrides the edition default",
	}
	File = &cli.StringFlag{
		Name:    "file",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "FILE"),
		Usage:   "Single test file to run",
	}
	Mode = &cli.IntFlag{
		Name:    "mode",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MODE"),
		Usage:   "Strict mode selection: 1 only default, 2 only strict mode, 3 both (default 2)",
	}
	ES51 = &cli.BoolFlag{
		Name:    "es51",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ES51"),
		Usage:   "Run the es5.1 tests",
	}
	ES2015 = &cli.StringFlag{
		Name:    "es2015",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ES2015"),
		Usage:   "Run the es2015 tests: 'all' includes the es5.1 tests, 'only' does not. A bare --es2015 means 'all'",
	}
	CIBuild = &cli.BoolFlag{
		Name:    "ci-build",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CI_BUILD"),
		Usage:   "Run the CI test list",
	}
	ESNext = &cli.BoolFlag{
		Name:    "esnext",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ESNEXT"),
		Usage:   "Run the whole corpus at the esnext revision",
	}
	Engine = &cli.StringFlag{
		Name:    "engine",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ENGINE"),
		Usage:   "Path to an alternate engine binary; its base name becomes the host type",
	}
	Babel = &cli.BoolFlag{
		Name:    "babel",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "BABEL"),
		Usage:   "Preprocess tests with babel",
	}
	Timeout = &cli.IntFlag{
		Name:    "timeout",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TIMEOUT"),
		Usage:   "Per-test timeout in milliseconds (default: 60000 times the thread count)",
	}
	Threads = &cli.IntFlag{
		Name:    "threads",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "THREADS"),
		Usage:   "Number of parallel workers for staging and the harness (default 8)",
	}
	HostArgs = &cli.StringFlag{
		Name:    "host-args",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "HOST_ARGS"),
		Usage:   "Extra arguments passed to the host, space separated",
	}
	ArkTool = &cli.StringFlag{
		Name:    "ark-tool",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ARK_TOOL"),
		Usage:   "Path to the ark VM binary",
	}
	ArkFrontendTool = &cli.StringFlag{
		Name:    "ark-frontend-tool",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ARK_FRONTEND_TOOL"),
		Usage:   "Path to the ark front-end compiler",
	}
	LibsDir = &cli.StringFlag{
		Name:    "libs-dir",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LIBS_DIR"),
		Usage:   "Colon separated shared library directories for the ark VM",
	}
	ArkFrontend = &cli.StringFlag{
		Name:    "ark-frontend",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ARK_FRONTEND"),
		Usage:   "Ark front-end to compile with: ts2panda or es2panda",
	}
	CodeRoot = &cli.StringFlag{
		Name:    "code-root",
		Value:   "../..",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CODE_ROOT"),
		Usage:   "Root of the source tree holding the ark build output",
	}
	DefaultsFile = &cli.StringFlag{
		Name:    "defaults-file",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "DEFAULTS_FILE"),
		Usage:   "TOML file overriding the built-in defaults (revisions, remotes, paths)",
	}
	RunDeadline = &cli.DurationFlag{
		Name:    "run-deadline",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUN_DEADLINE"),
		Usage:   "Terminate the harness if the whole run takes longer than this (e.g. '2h'). 0 disables the deadline.",
	}
	SkipSync = &cli.BoolFlag{
		Name:    "skip-sync",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SKIP_SYNC"),
		Usage:   "Use the corpus and harness checkouts as they are, without git or npm",
	}
)

// Flags of the ark-host subcommand. The tool flags share names with the run
// flags so the harness can forward them unchanged.
var (
	JSFile = &cli.StringFlag{
		Name:    "js-file",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "JS_FILE"),
		Usage:   "Test file to compile and execute",
	}
	ICUDataPath = &cli.StringFlag{
		Name:    "icu-data-path",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ICU_DATA_PATH"),
		Usage:   "ICU data directory passed to the ark VM",
	}
	HostTimeout = &cli.DurationFlag{
		Name:    "host-timeout",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "HOST_TIMEOUT"),
		Usage:   "Deadline for each compile and execute step of a single test. 0 disables it.",
	}
)

var optionalFlags = []cli.Flag{
	Dir,
	File,
	Mode,
	ES51,
	ES2015,
	CIBuild,
	ESNext,
	Engine,
	Babel,
	Timeout,
	Threads,
	HostArgs,
	ArkTool,
	ArkFrontendTool,
	LibsDir,
	ArkFrontend,
	CodeRoot,
	DefaultsFile,
	RunDeadline,
	SkipSync,
}

var Flags []cli.Flag

var ArkHostFlags = []cli.Flag{
	JSFile,
	ICUDataPath,
	HostTimeout,
	cloneString(ArkTool),
	cloneString(ArkFrontendTool),
	cloneString(LibsDir),
	cloneString(ArkFrontend),
}

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	Flags = append(Flags, optionalFlags...)
}

// cloneString copies a flag definition so it can be registered on a second
// command without sharing parse state.
func cloneString(f *cli.StringFlag) *cli.StringFlag {
	return &cli.StringFlag{
		Name:    f.Name,
		Value:   f.Value,
		EnvVars: f.EnvVars,
		Usage:   f.Usage,
	}
}

// NormalizeArgs rewrites a bare --es2015, one not followed by a value, to
// --es2015=all so both "--es2015" and "--es2015 only" parse.
func NormalizeArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for i, arg := range args {
		if arg == "--" {
			return append(out, args[i:]...)
		}
		if arg == "--"+ES2015.Name || arg == "-"+ES2015.Name {
			if i+1 == len(args) || strings.HasPrefix(args[i+1], "-") {
				arg = "--" + ES2015.Name + "=" + "all"
			}
		}
		out = append(out, arg)
	}
	return out
}
