package conformance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/infra/conformance/corpus"
	"github.com/ethereum-optimism/infra/conformance/invoker"
	"github.com/ethereum-optimism/infra/conformance/metrics"
	"github.com/ethereum-optimism/infra/conformance/selector"
	"github.com/ethereum-optimism/infra/conformance/service"
	"github.com/ethereum-optimism/infra/conformance/shell"
	"github.com/ethereum-optimism/infra/conformance/skiplist"
	"github.com/ethereum-optimism/infra/conformance/staging"
	"github.com/ethereum-optimism/infra/conformance/types"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
)

// Stage names one step of a run.
type Stage string

const (
	StageInit     Stage = "init"
	StageSkipList Stage = "skiplist"
	StageSync     Stage = "sync"
	StageSelect   Stage = "select"
	StageVerify   Stage = "verify"
	StageStage    Stage = "stage"
	StageMirror   Stage = "mirror"
	StageInvoke   Stage = "invoke"
)

// Repository names used by the synchronizer.
const (
	RepoTest262 = "test262"
	RepoESHost  = "eshost"
	RepoHarness = "harness"
)

// Result summarizes one run.
type Result struct {
	RunID    string
	Mode     types.SelectionMode
	Selected int
	Staging  staging.Report
	Runner   *shell.Result
	Duration time.Duration
}

// pipeline implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &pipeline{}

// pipeline prepares the corpus and runs the harness once.
type pipeline struct {
	config  *Config
	version string
	runID   string

	shell    shell.Runner
	sync     *corpus.Synchronizer
	selector *selector.Selector
	tracer   trace.Tracer
	svc      *service.Service
	skip     *skiplist.Set
	result   *Result

	stdout io.Writer
	stderr io.Writer

	running          atomic.Bool
	shutdownCallback func(error)
}

// New creates the run lifecycle.
func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*pipeline, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.Log == nil {
		return nil, errors.New("config logger is required")
	}
	return newPipeline(config, version, shell.New(config.Log), shutdownCallback)
}

func newPipeline(config *Config, version string, runner shell.Runner, shutdownCallback func(error)) (*pipeline, error) {
	config.Log.Debug("Creating pipeline with config",
		"mode", config.Mode,
		"scope", config.ES2015Scope,
		"testDir", config.TestDir,
		"outputDir", config.OutputDir,
		"threads", config.Threads,
		"timeout", config.TimeoutMs,
		"hostType", config.HostType)

	sync, err := corpus.New(corpus.Config{
		Repos: []corpus.Repo{
			{
				Name: RepoTest262,
				Dir:  config.DataDir,
				URL:  config.Test262URL,
				Hash: config.Test262Hash,
			},
			{
				Name:         RepoESHost,
				Dir:          config.ESHostDir,
				URL:          config.ESHostURL,
				Hash:         config.ESHostHash,
				Patch:        config.ESHostPatch,
				StaleFiles:   []string{"lib/agents/panda.js", "runtimes/panda.js"},
				NeedsInstall: true,
			},
			{
				Name:         RepoHarness,
				Dir:          config.HarnessDir,
				URL:          config.HarnessURL,
				Hash:         config.HarnessHash,
				Patch:        config.HarnessPatch,
				NeedsInstall: true,
			},
		},
		GitBinary: config.GitBinary,
		NpmBinary: config.NpmBinary,
		Shell:     runner,
		Log:       config.Log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create corpus synchronizer: %w", err)
	}

	var svc *service.Service
	if config.Metrics.Enabled {
		svc = service.New(service.Config{
			MetricsHost: config.Metrics.ListenAddr,
			MetricsPort: config.Metrics.ListenPort,
			Log:         config.Log,
		})
	}

	if shutdownCallback == nil {
		shutdownCallback = func(error) {}
	}
	return &pipeline{
		config:  config,
		version: version,
		runID:   uuid.New().String(),
		shell:   runner,
		sync:    sync,
		selector: selector.New(selector.Config{
			TestDir:    config.CorpusTestDir,
			ES5List:    config.ES5List,
			ES2015List: config.ES2015List,
			CIList:     config.CIList,
			Log:        config.Log,
		}),
		tracer:           otel.Tracer("test262 pipeline"),
		svc:              svc,
		stdout:           os.Stdout,
		stderr:           os.Stderr,
		shutdownCallback: shutdownCallback,
	}, nil
}

// Start runs the pipeline once and then asks the application to shut down.
// Start implements the cliapp.Lifecycle interface.
func (p *pipeline) Start(ctx context.Context) error {
	p.running.Store(true)
	if p.svc != nil {
		p.svc.Start(ctx)
	}

	result, err := p.Run(ctx)
	p.result = result
	if err != nil {
		p.config.Log.Error("Run failed", "run_id", p.runID, "err", err, "exitCode", ExitCode(err))
		return err
	}

	go func() {
		p.shutdownCallback(nil)
	}()
	return nil
}

// Stop implements the cliapp.Lifecycle interface.
func (p *pipeline) Stop(ctx context.Context) error {
	if !p.running.Load() {
		p.config.Log.Debug("Pipeline already stopped, nothing to do")
		return nil
	}
	p.running.Store(false)
	if p.svc != nil {
		p.svc.Shutdown()
	}
	p.config.Log.Info("Pipeline stopped", "run_id", p.runID)
	return nil
}

// Stopped implements the cliapp.Lifecycle interface.
func (p *pipeline) Stopped() bool {
	return !p.running.Load()
}

// Run executes every stage in order. The first failing stage ends the run.
func (p *pipeline) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	cfg := p.config
	log := cfg.Log.New("run_id", p.runID)
	result := &Result{RunID: p.runID, Mode: cfg.Mode}

	ctx, span := p.tracer.Start(ctx, fmt.Sprintf("run %s", cfg.Mode))
	span.SetAttributes(
		attribute.String("run_id", p.runID),
		attribute.String("mode", string(cfg.Mode)),
		attribute.Int("threads", cfg.Threads),
	)
	defer span.End()

	log.Info("Starting test262 run", "version", p.version, "mode", cfg.Mode, "scope", cfg.ES2015Scope,
		"strictness", cfg.Strictness, "dir", cfg.TestDir, "file", cfg.File)

	finish := func(err error) (*Result, error) {
		result.Duration = time.Since(start)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		log.Info("Run finished", "elapsed", result.Duration, "exitCode", ExitCode(err))
		return result, err
	}

	if err := p.stage(ctx, StageInit, p.init); err != nil {
		return finish(err)
	}
	if err := p.stage(ctx, StageSkipList, p.loadSkipList); err != nil {
		return finish(err)
	}
	if !cfg.SkipSync {
		if err := p.stage(ctx, StageSync, p.syncCorpus); err != nil {
			return finish(err)
		}
	} else {
		log.Info("Skipping corpus sync")
	}

	if cfg.Mode.Staged() {
		var sel selector.Selection
		err := p.stage(ctx, StageSelect, func(ctx context.Context) error {
			var err error
			sel, err = p.selector.Select(cfg.Mode, cfg.ES2015Scope)
			return err
		})
		if err != nil {
			return finish(err)
		}
		result.Selected = sel.Len()
		metrics.RecordSelection(p.runID, string(cfg.Mode), sel.Len())

		if err := p.stage(ctx, StageVerify, func(ctx context.Context) error {
			return p.selector.Verify(sel, p.skip)
		}); err != nil {
			return finish(err)
		}

		if err := p.stage(ctx, StageStage, func(ctx context.Context) error {
			report, err := p.stageSelection(ctx, sel)
			result.Staging = report
			return err
		}); err != nil {
			return finish(err)
		}
		printStagingTable(p.stdout, p.runID, cfg.Mode, result.Staging)
	}

	if err := p.stage(ctx, StageMirror, p.mirror); err != nil {
		return finish(err)
	}

	runnerResult, err := p.invoke(ctx)
	result.Runner = runnerResult
	return finish(err)
}

// stage runs fn inside a span and wraps its failure in a RuntimeError.
func (p *pipeline) stage(ctx context.Context, name Stage, fn func(ctx context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, fmt.Sprintf("stage %s", name))
	defer span.End()

	p.config.Log.Debug("Entering stage", "stage", name, "run_id", p.runID)
	if err := ctx.Err(); err != nil {
		return NewRuntimeError(name, err)
	}
	err := fn(ctx)
	if err == nil {
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	metrics.RecordErrorDetails(string(name), err)
	if IsConfigError(err) || IsRuntimeError(err) {
		return err
	}
	return NewRuntimeError(name, err)
}

// init removes the output and staging roots of a previous run.
func (p *pipeline) init(ctx context.Context) error {
	cfg := p.config
	if err := staging.Reset(cfg.BaseOutDir, cfg.ES51Dir, cfg.ES2015Dir, cfg.CIDir); err != nil {
		return err
	}
	if cfg.SkipSync || cfg.Engine != "" {
		return nil
	}
	return p.sync.InstallFrontend(ctx, cfg.ArkFrontend, cfg.ArkFrontendTool)
}

func (p *pipeline) loadSkipList(context.Context) error {
	skip, err := skiplist.Load(p.config.SkipList)
	if err != nil {
		return err
	}
	p.skip = skip
	p.config.Log.Info("Loaded skip list", "file", p.config.SkipList, "count", skip.Len())
	return nil
}

// syncCorpus clones what is missing, pins the corpus, re-applies the host
// adapter patches and, for esnext, moves the corpus to the esnext revision.
func (p *pipeline) syncCorpus(ctx context.Context) error {
	if err := p.sync.Prepare(ctx); err != nil {
		return err
	}
	data, ok := p.sync.Repo(RepoTest262)
	if !ok {
		return errors.New("corpus repository is not configured")
	}
	if err := p.sync.CleanReset(ctx, data, p.config.Test262Hash); err != nil {
		return err
	}
	if err := p.sync.Replug(ctx); err != nil {
		return err
	}
	if p.config.Mode == types.ModeESNext {
		return p.sync.Checkout(ctx, data, p.config.ESNextHash)
	}
	return nil
}

func (p *pipeline) stageSelection(ctx context.Context, sel selector.Selection) (staging.Report, error) {
	stager, err := staging.New(staging.Config{
		SourceDir: sel.Root,
		DestDir:   p.config.StagingDir(),
		Skip:      p.skip,
		Threads:   p.config.Threads,
		Log:       p.config.Log,
	})
	if err != nil {
		return staging.Report{}, err
	}
	report, err := stager.Stage(ctx, sel.Paths)
	metrics.RecordStaging(p.runID, string(p.config.Mode), report.Copied, report.Skipped, report.Failed, report.Duration)
	return report, err
}

// mirror creates the output directory layout the harness writes into.
func (p *pipeline) mirror(context.Context) error {
	target := p.config.File
	if target == "" {
		target = p.config.TestDir
	}
	files, err := selector.Collect(target)
	if err != nil {
		return err
	}
	if err := staging.Mirror(files, p.config.SourceDir(), p.config.OutputDir); err != nil {
		return err
	}
	p.config.Log.Debug("Mirrored output tree", "files", len(files), "out", p.config.OutputDir)
	return nil
}

func (p *pipeline) invoke(ctx context.Context) (*shell.Result, error) {
	ctx, span := p.tracer.Start(ctx, fmt.Sprintf("stage %s", StageInvoke))
	defer span.End()

	cfg := p.config
	inv, err := invoker.New(invoker.Config{
		NodeBinary:      cfg.NodeBinary,
		RunnerScript:    cfg.RunnerScript,
		HostType:        cfg.HostType,
		HostPath:        cfg.HostPath,
		ExtraHostArgs:   cfg.ExtraHostArgs,
		ArkTool:         cfg.ArkTool,
		ArkFrontendTool: cfg.ArkFrontendTool,
		LibsDir:         cfg.LibsDir,
		ArkFrontend:     cfg.ArkFrontend,
		ICUDataPath:     cfg.ICUDataPath,
		Threads:         cfg.Threads,
		TimeoutMs:       cfg.TimeoutMs,
		Strictness:      cfg.Strictness,
		TempDir:         cfg.BaseOutDir,
		Test262Dir:      cfg.DataDir,
		Preprocessor:    cfg.Preprocessor,
		OtherArgs:       cfg.OtherArgs,
		File:            cfg.File,
		TestDir:         cfg.TestDir,
		Deadline:        cfg.RunDeadline,
		Shell:           p.shell,
		Log:             cfg.Log,
		Stdout:          p.stdout,
		Stderr:          p.stderr,
	})
	if err != nil {
		return nil, NewRuntimeError(StageInvoke, err)
	}

	res, err := inv.Invoke(ctx)
	code := ExitCode(err)
	var duration time.Duration
	if res != nil {
		duration = res.Duration
	}
	metrics.RecordRunner(p.runID, string(cfg.Mode), code, duration)
	span.SetAttributes(attribute.Int("exit_code", code))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !invoker.IsExitError(err) && !invoker.IsTimeoutError(err) {
			return res, NewRuntimeError(StageInvoke, err)
		}
	}
	return res, err
}
