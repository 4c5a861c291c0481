package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/urfave/cli/v2"

	conformance "github.com/ethereum-optimism/infra/conformance"
	"github.com/ethereum-optimism/infra/conformance/arkhost"
	"github.com/ethereum-optimism/infra/conformance/exitcodes"
	"github.com/ethereum-optimism/infra/conformance/flags"
	"github.com/ethereum-optimism/infra/conformance/shell"
	"github.com/ethereum-optimism/infra/conformance/types"
	"github.com/ethereum-optimism/optimism/devnet-sdk/telemetry"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum-optimism/optimism/op-service/ctxinterrupt"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := newApp()

	// Start telemetry
	ctx, shutdown, err := telemetry.SetupOpenTelemetry(
		context.Background(),
		otelconfig.WithServiceName(app.Name),
		otelconfig.WithServiceVersion(app.Version),
	)
	if err != nil {
		log.Crit("Failed to setup open telemetry", "message", err)
	}
	defer shutdown()

	// Start CLI
	ctx = ctxinterrupt.WithSignalWaiterMain(ctx)
	err = app.RunContext(ctx, flags.NormalizeArgs(os.Args))
	if err != nil {
		log.Crit("Application failed", "message", err)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "conformance"
	app.Usage = "test262 conformance runner"
	app.Description = "Stages the test262 corpus for an edition and runs the test262 harness against the ark VM or another engine"
	app.Flags = cliapp.ProtectFlags(flags.Flags)
	app.Action = cliapp.LifecycleCmd(run)
	app.Commands = []*cli.Command{
		{
			Name:   "ark-host",
			Usage:  "Compile and execute a single test on the ark VM (invoked by the harness)",
			Flags:  cliapp.ProtectFlags(flags.ArkHostFlags),
			Action: arkHost,
		},
	}
	app.ExitErrHandler = exitErrHandler
	return app
}

func exitErrHandler(c *cli.Context, err error) {
	if err == nil {
		return
	}
	var exitErr cli.ExitCoder
	if errors.As(err, &exitErr) {
		// Use the exit code from the ExitCoder
		cli.HandleExitCoder(exitErr)
		return
	}
	// Harness failures keep their own exit code, everything else is a runtime error
	cli.HandleExitCoder(cli.Exit(err.Error(), conformance.ExitCode(err)))
}

func run(ctx *cli.Context, closeApp context.CancelCauseFunc) (cliapp.Lifecycle, error) {
	logCfg := oplog.ReadCLIConfig(ctx)
	log := oplog.NewLogger(oplog.AppOut(ctx), logCfg)
	oplog.SetGlobalLogHandler(log.Handler())
	oplog.SetupDefaults()

	cfg, err := conformance.NewConfig(ctx, log)
	if err != nil {
		if conformance.IsConfigError(err) {
			return nil, err
		}
		return nil, conformance.NewConfigError(fmt.Errorf("failed to create config: %w", err))
	}

	cfg.Log.Debug("Config", "config", cfg)

	p, err := conformance.New(ctx.Context, cfg, Version, closeApp)
	if err != nil {
		return nil, conformance.NewRuntimeError(conformance.StageInit, fmt.Errorf("failed to create pipeline: %w", err))
	}
	return p, nil
}

// arkHost runs one test for the harness. Its output and exit code follow the
// contract the patched eshost panda agent reads.
func arkHost(ctx *cli.Context) error {
	jsFile := ctx.String(flags.JSFile.Name)
	if jsFile == "" {
		return cli.Exit("missing --"+flags.JSFile.Name, exitcodes.RuntimeErr)
	}
	frontend := ctx.String(flags.ArkFrontend.Name)
	if frontend == "" {
		frontend = types.FrontendTS2Panda
	}
	host, err := arkhost.New(arkhost.Config{
		ArkTool:         ctx.String(flags.ArkTool.Name),
		ArkFrontendTool: ctx.String(flags.ArkFrontendTool.Name),
		LibsDir:         ctx.String(flags.LibsDir.Name),
		ArkFrontend:     frontend,
		ICUDataPath:     ctx.String(flags.ICUDataPath.Name),
		Timeout:         ctx.Duration(flags.HostTimeout.Name),
		Shell:           shell.New(nil),
		Stdout:          ctx.App.Writer,
		Stderr:          ctx.App.ErrWriter,
	})
	if err != nil {
		return cli.Exit(err.Error(), exitcodes.RuntimeErr)
	}
	if code := host.Run(ctx.Context, jsFile); code != 0 {
		return cli.Exit("", code)
	}
	return nil
}
