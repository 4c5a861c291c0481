package conformance

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/conformance/flags"
	"github.com/ethereum-optimism/infra/conformance/types"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

// Edition staging roots, below the corpus root.
const (
	ES51DirName   = "test_es51"
	ES2015DirName = "test_es2015"
	CIDirName     = "test_CI"
	TestDirName   = "test"
)

// Defaults holds the built-in values every option falls back to. A TOML
// defaults file may override any of them.
type Defaults struct {
	DataDir    string `toml:"data_dir"`
	HarnessDir string `toml:"harness_dir"`
	ESHostDir  string `toml:"eshost_dir"`
	BaseOutDir string `toml:"base_out_dir"`

	ES5List    string `toml:"es5_list"`
	ES2015List string `toml:"es2015_list"`
	CIList     string `toml:"ci_list"`
	SkipList   string `toml:"skip_list"`

	ESHostPatch       string `toml:"eshost_patch"`
	HarnessPatch      string `toml:"harness_patch"`
	RunnerScript      string `toml:"runner_script"`
	BabelPreprocessor string `toml:"babel_preprocessor"`

	Test262Hash string `toml:"test262_hash"`
	HarnessHash string `toml:"harness_hash"`
	ESHostHash  string `toml:"eshost_hash"`
	ESNextHash  string `toml:"esnext_hash"`

	Test262URL string `toml:"test262_url"`
	HarnessURL string `toml:"harness_url"`
	ESHostURL  string `toml:"eshost_url"`

	Strictness int      `toml:"strictness"`
	Threads    int      `toml:"threads"`
	TimeoutMs  int      `toml:"timeout_ms"`
	HostType   string   `toml:"host_type"`
	HostBinary string   `toml:"host_binary"`
	OtherArgs  []string `toml:"other_args"`

	ArkTool         string `toml:"ark_tool"`
	ArkFrontendTool string `toml:"ark_frontend_tool"`
	LibsDir         string `toml:"libs_dir"`
	ArkFrontend     string `toml:"ark_frontend"`
	ICUDataPath     string `toml:"icu_data_path"`

	GitBinary  string `toml:"git_binary"`
	NpmBinary  string `toml:"npm_binary"`
	NodeBinary string `toml:"node_binary"`
}

// DefaultDefaults returns the built-in defaults. Ark tool paths are derived
// from codeRoot, the root of the source tree holding the ark build output.
func DefaultDefaults(codeRoot string) Defaults {
	arkDir := filepath.Join(codeRoot, "out", "ohos-arm-release", "clang_x64", "ark", "ark")
	icuDir := filepath.Join(codeRoot, "out", "ohos-arm-release", "clang_x64", "global", "i18n_standard")
	llvmDir := filepath.Join(codeRoot, "prebuilts", "clang", "ohos", "linux-x86_64", "llvm", "lib")

	return Defaults{
		DataDir:    filepath.Join("test262", "data"),
		HarnessDir: filepath.Join("test262", "harness"),
		ESHostDir:  filepath.Join("test262", "eshost"),
		BaseOutDir: filepath.Join("out", "test262"),

		ES5List:    filepath.Join("test262", "es5_tests.txt"),
		ES2015List: filepath.Join("test262", "es2015_tests.txt"),
		CIList:     filepath.Join("test262", "CI_tests.txt"),
		SkipList:   filepath.Join("test262", "skip_tests.json"),

		ESHostPatch:       filepath.Join("test262", "eshost.patch"),
		HarnessPatch:      filepath.Join("test262", "harness.patch"),
		RunnerScript:      filepath.Join("test262", "harness", "bin", "run.js"),
		BabelPreprocessor: filepath.Join("test262", "babel-preprocessor.js"),

		Test262Hash: "9ca13b12728b7e0089c7eb03fa2bd17f8abe297f",
		HarnessHash: "9c499f028eb24e67781435c0bb442e00343eb39d",
		ESHostHash:  "fa2d4d27d9d6152002bdef36ee2d17e98b886268",
		ESNextHash:  "281eb10b2844929a7c0ac04527f5b42ce56509fd",

		Test262URL: "https://gitee.com/Han00000000/test262.git",
		HarnessURL: "https://gitee.com/Han00000000/test262-harness.git",
		ESHostURL:  "https://gitee.com/Han00000000/eshost.git",

		Strictness: int(types.StrictnessStrict),
		Threads:    8,
		TimeoutMs:  60000,
		HostType:   "panda",
		HostBinary: "conformance",
		OtherArgs:  []string{"--saveCompiledTests"},

		ArkTool:         filepath.Join(arkDir, "..", "ark_js_runtime", "ark_js_vm"),
		ArkFrontendTool: filepath.Join(arkDir, "build", "src", "index.js"),
		LibsDir:         strings.Join([]string{arkDir, icuDir, llvmDir}, ":"),
		ArkFrontend:     types.FrontendTS2Panda,
		ICUDataPath:     filepath.Join(codeRoot, "third_party", "icu", "ohos_icu4j", "data"),

		GitBinary:  "git",
		NpmBinary:  "npm",
		NodeBinary: "node",
	}
}

// LoadDefaultsFile overlays the TOML file at path onto defs. Keys absent from
// the file keep their value; unknown keys are an error. An empty path returns
// defs unchanged.
func LoadDefaultsFile(path string, defs Defaults) (Defaults, error) {
	if path == "" {
		return defs, nil
	}
	md, err := toml.DecodeFile(path, &defs)
	if err != nil {
		return Defaults{}, fmt.Errorf("failed to read defaults file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Defaults{}, fmt.Errorf("unknown keys in defaults file %s: %s", path, strings.Join(keys, ", "))
	}
	return defs, nil
}

// Options are the parsed command line options. Zero values mean the option
// was not given.
type Options struct {
	Dir        string
	File       string
	Strictness int
	ES51       bool
	ES2015     string
	CIBuild    bool
	ESNext     bool

	Engine   string
	HostArgs string
	HostPath string // path of the running executable, used for the panda host
	Babel    bool

	TimeoutMs   int
	Threads     int
	RunDeadline time.Duration

	ArkTool         string
	ArkFrontendTool string
	LibsDir         string
	ArkFrontend     string

	SkipSync bool
}

// Config is the resolved configuration of one run. It is built once by
// Resolve and only read afterwards.
type Config struct {
	DataDir    string
	HarnessDir string
	ESHostDir  string
	BaseOutDir string

	CorpusTestDir string // <data>/test
	ES51Dir       string
	ES2015Dir     string
	CIDir         string

	OutputDir string
	TestDir   string
	File      string

	Test262Hash string
	HarnessHash string
	ESHostHash  string
	ESNextHash  string
	Test262URL  string
	HarnessURL  string
	ESHostURL   string

	ES5List    string
	ES2015List string
	CIList     string
	SkipList   string

	ESHostPatch  string
	HarnessPatch string
	RunnerScript string
	Preprocessor string // empty unless babel is enabled

	Mode        types.SelectionMode
	ES2015Scope types.ES2015Scope
	Strictness  types.Strictness

	Threads         int
	TimeoutMs       int
	TimeoutExplicit bool
	RunDeadline     time.Duration

	Engine        string
	HostType      string
	HostPath      string
	ExtraHostArgs []string
	OtherArgs     []string

	ArkTool         string
	ArkFrontendTool string
	LibsDir         string
	ArkFrontend     string
	ICUDataPath     string

	GitBinary  string
	NpmBinary  string
	NodeBinary string

	SkipSync bool

	Metrics opmetrics.CLIConfig
	Log     log.Logger
}

// StagingDir returns the edition root the mode stages into, or "" for modes
// that run the corpus in place.
func (c *Config) StagingDir() string {
	switch c.Mode {
	case types.ModeES51:
		return c.ES51Dir
	case types.ModeES2015:
		return c.ES2015Dir
	case types.ModeCI:
		return c.CIDir
	default:
		return ""
	}
}

// SourceDir returns the root the executed tests live under: the staging
// root, or the corpus test directory.
func (c *Config) SourceDir() string {
	if dir := c.StagingDir(); dir != "" {
		return dir
	}
	return c.CorpusTestDir
}

// ModeString returns the harness description of a strictness value.
func ModeString(s types.Strictness) string {
	return s.String()
}

// Resolve combines the options with the defaults. It touches neither the
// filesystem nor the environment.
func Resolve(opts Options, defs Defaults) (Config, error) {
	cfg := Config{
		DataDir:    defs.DataDir,
		HarnessDir: defs.HarnessDir,
		ESHostDir:  defs.ESHostDir,
		BaseOutDir: defs.BaseOutDir,

		CorpusTestDir: filepath.Join(defs.DataDir, TestDirName),
		ES51Dir:       filepath.Join(defs.DataDir, ES51DirName),
		ES2015Dir:     filepath.Join(defs.DataDir, ES2015DirName),
		CIDir:         filepath.Join(defs.DataDir, CIDirName),

		Test262Hash: defs.Test262Hash,
		HarnessHash: defs.HarnessHash,
		ESHostHash:  defs.ESHostHash,
		ESNextHash:  defs.ESNextHash,
		Test262URL:  defs.Test262URL,
		HarnessURL:  defs.HarnessURL,
		ESHostURL:   defs.ESHostURL,

		ES5List:    defs.ES5List,
		ES2015List: defs.ES2015List,
		CIList:     defs.CIList,
		SkipList:   defs.SkipList,

		ESHostPatch:  defs.ESHostPatch,
		HarnessPatch: defs.HarnessPatch,
		RunnerScript: defs.RunnerScript,

		File:        opts.File,
		RunDeadline: opts.RunDeadline,
		OtherArgs:   defs.OtherArgs,
		ICUDataPath: defs.ICUDataPath,
		GitBinary:   defs.GitBinary,
		NpmBinary:   defs.NpmBinary,
		NodeBinary:  defs.NodeBinary,
		SkipSync:    opts.SkipSync,
	}

	// 1. validation
	mode, scope, err := explicitMode(opts)
	if err != nil {
		return Config{}, err
	}

	strictness := types.Strictness(defs.Strictness)
	if opts.Strictness != 0 {
		strictness = types.Strictness(opts.Strictness)
	}
	if !strictness.IsValid() {
		return Config{}, configErrorf("invalid mode %d, must be 1, 2 or 3", int(strictness))
	}
	cfg.Strictness = strictness

	cfg.ArkFrontend = firstNonEmpty(opts.ArkFrontend, defs.ArkFrontend)
	if !types.IsValidFrontend(cfg.ArkFrontend) {
		return Config{}, configErrorf("invalid ark front-end %q, must be one of: %s", cfg.ArkFrontend, strings.Join(types.Frontends, ", "))
	}
	cfg.ArkTool = firstNonEmpty(opts.ArkTool, defs.ArkTool)
	cfg.ArkFrontendTool = firstNonEmpty(opts.ArkFrontendTool, defs.ArkFrontendTool)
	cfg.LibsDir = firstNonEmpty(opts.LibsDir, defs.LibsDir)

	if opts.Threads < 0 {
		return Config{}, configErrorf("threads must be positive, got %d", opts.Threads)
	}
	cfg.Threads = defs.Threads
	if opts.Threads > 0 {
		cfg.Threads = opts.Threads
	}
	if cfg.Threads <= 0 {
		return Config{}, configErrorf("threads must be positive, got %d", cfg.Threads)
	}
	if opts.TimeoutMs < 0 {
		return Config{}, configErrorf("timeout must not be negative, got %d", opts.TimeoutMs)
	}
	if opts.RunDeadline < 0 {
		return Config{}, configErrorf("run deadline must not be negative, got %s", opts.RunDeadline)
	}

	// 2. edition inference from an explicit directory or file. An explicit
	// --es2015 scope survives inference; only an inferred es2015 defaults to all.
	for _, target := range []string{opts.Dir, opts.File} {
		if target == "" {
			continue
		}
		inferred := inferMode(target, cfg.ES51Dir, cfg.ES2015Dir)
		if inferred == "" {
			continue
		}
		if mode != types.ModeDefault && mode != inferred {
			return Config{}, configErrorf("%s is inside the %s tree but %s mode was requested", target, inferred, mode)
		}
		if mode != inferred {
			mode = inferred
			if inferred == types.ModeES2015 {
				scope = types.ScopeAll
			}
		}
	}
	cfg.Mode = mode
	cfg.ES2015Scope = scope

	// 3. output directory
	switch mode {
	case types.ModeES51:
		cfg.OutputDir = filepath.Join(cfg.BaseOutDir, ES51DirName)
	case types.ModeES2015:
		cfg.OutputDir = filepath.Join(cfg.BaseOutDir, ES2015DirName)
	case types.ModeCI:
		cfg.OutputDir = filepath.Join(cfg.BaseOutDir, CIDirName)
	default:
		cfg.OutputDir = filepath.Join(cfg.BaseOutDir, TestDirName)
	}

	// 4. test directory
	cfg.TestDir = opts.Dir
	if cfg.TestDir == "" {
		cfg.TestDir = cfg.SourceDir()
	}

	// 5. runner-side derivations
	if engine := strings.TrimSpace(opts.Engine); engine != "" {
		cfg.Engine = engine
		cfg.HostPath = engine
		cfg.HostType = filepath.Base(engine)
	} else {
		cfg.HostType = defs.HostType
		cfg.HostPath = firstNonEmpty(opts.HostPath, defs.HostBinary)
	}
	cfg.ExtraHostArgs = strings.Fields(opts.HostArgs)

	if opts.TimeoutMs > 0 {
		cfg.TimeoutMs = opts.TimeoutMs
		cfg.TimeoutExplicit = true
	} else {
		cfg.TimeoutMs = defs.TimeoutMs * cfg.Threads
	}
	if opts.Babel {
		cfg.Preprocessor = defs.BabelPreprocessor
	}
	return cfg, nil
}

// explicitMode validates the edition flags. At most one may be given.
func explicitMode(opts Options) (types.SelectionMode, types.ES2015Scope, error) {
	var selected []types.SelectionMode
	if opts.ES51 {
		selected = append(selected, types.ModeES51)
	}
	if opts.ES2015 != "" {
		selected = append(selected, types.ModeES2015)
	}
	if opts.CIBuild {
		selected = append(selected, types.ModeCI)
	}
	if opts.ESNext {
		selected = append(selected, types.ModeESNext)
	}
	if len(selected) > 1 {
		names := make([]string, len(selected))
		for i, m := range selected {
			names[i] = string(m)
		}
		return "", "", configErrorf("only one of es51, es2015, ci-build and esnext may be set, got %s", strings.Join(names, ", "))
	}
	if len(selected) == 0 {
		return types.ModeDefault, "", nil
	}
	if selected[0] != types.ModeES2015 {
		return selected[0], "", nil
	}
	scope, err := types.ParseES2015Scope(opts.ES2015)
	if err != nil {
		return "", "", NewConfigError(err)
	}
	return types.ModeES2015, scope, nil
}

// inferMode returns the edition whose staging root target lies in.
func inferMode(target, es51Dir, es2015Dir string) types.SelectionMode {
	t := filepath.ToSlash(filepath.Clean(target))
	switch {
	case strings.Contains(t, filepath.ToSlash(filepath.Clean(es51Dir))):
		return types.ModeES51
	case strings.Contains(t, filepath.ToSlash(filepath.Clean(es2015Dir))):
		return types.ModeES2015
	default:
		return ""
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// OptionsFromCLI reads the run flags.
func OptionsFromCLI(ctx *cli.Context) Options {
	opts := Options{
		Dir:             ctx.String(flags.Dir.Name),
		File:            ctx.String(flags.File.Name),
		Strictness:      ctx.Int(flags.Mode.Name),
		ES51:            ctx.Bool(flags.ES51.Name),
		ES2015:          ctx.String(flags.ES2015.Name),
		CIBuild:         ctx.Bool(flags.CIBuild.Name),
		ESNext:          ctx.Bool(flags.ESNext.Name),
		Engine:          ctx.String(flags.Engine.Name),
		HostArgs:        ctx.String(flags.HostArgs.Name),
		Babel:           ctx.Bool(flags.Babel.Name),
		TimeoutMs:       ctx.Int(flags.Timeout.Name),
		Threads:         ctx.Int(flags.Threads.Name),
		RunDeadline:     ctx.Duration(flags.RunDeadline.Name),
		ArkTool:         ctx.String(flags.ArkTool.Name),
		ArkFrontendTool: ctx.String(flags.ArkFrontendTool.Name),
		LibsDir:         ctx.String(flags.LibsDir.Name),
		ArkFrontend:     ctx.String(flags.ArkFrontend.Name),
		SkipSync:        ctx.Bool(flags.SkipSync.Name),
	}
	if exe, err := os.Executable(); err == nil {
		opts.HostPath = exe
	}
	return opts
}

// NewConfig builds the run configuration from the cli context.
func NewConfig(ctx *cli.Context, log log.Logger) (*Config, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	defs, err := LoadDefaultsFile(ctx.String(flags.DefaultsFile.Name), DefaultDefaults(ctx.String(flags.CodeRoot.Name)))
	if err != nil {
		return nil, NewConfigError(err)
	}
	cfg, err := Resolve(OptionsFromCLI(ctx), defs)
	if err != nil {
		return nil, err
	}
	cfg.Metrics = opmetrics.ReadCLIConfig(ctx)
	cfg.Log = log
	return &cfg, nil
}
