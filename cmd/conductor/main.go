// Command conductor runs the multi-agent orchestration engine: a fleet of
// container-isolated worker processes driven by a central coordinator over a
// Unix-domain broker socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/basket/conductor/internal/config"
	"github.com/basket/conductor/internal/supervisor"
	"github.com/basket/conductor/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

ENGINE MODE (default):
  %s [flags]                 Start the orchestration engine

SUBCOMMANDS:
  %s doctor [-json]          Run diagnostic checks (config, Docker, socket)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CONDUCTOR_HOME           Data directory (default: ~/.conductor)
  CONDUCTOR_LOG_STDOUT     Set to 1 to mirror logs to stdout when not a TTY
`)
}

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: $CONDUCTOR_HOME/config.yaml)")
	agents := flag.Int("agents", 0, "override num_agents from config")
	debug := flag.Bool("debug", false, "force debug log level")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "doctor":
			os.Exit(runDoctorCommand(ctx, *configPath, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalStartup("E_CONFIG_LOAD", err)
	}
	if *agents > 0 {
		cfg.NumAgents = *agents
		if cfg.MinAgents > cfg.NumAgents {
			cfg.MinAgents = cfg.NumAgents
		}
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	// Mirror logs to stdout on a terminal; a detached process logs to the
	// file only unless CONDUCTOR_LOG_STDOUT is set.
	quiet := !isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("CONDUCTOR_LOG_STDOUT") == ""

	levelVar := new(slog.LevelVar)
	levelVar.Set(telemetry.ParseLevel(cfg.LogLevel))
	logger, closer, err := telemetry.NewDynamicLogger(cfg.HomeDir, levelVar, quiet)
	if err != nil {
		fatalStartup("E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	sup, err := supervisor.New(ctx, cfg, logger, levelVar)
	if err != nil {
		fatalStartup("E_SUPERVISOR_INIT", err)
	}
	if err := sup.Start(ctx); err != nil {
		fatalStartup("E_ENGINE_START", err)
	}

	<-ctx.Done()
	stop()
	sup.Shutdown()
}

func fatalStartup(code string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", code, err)
	os.Exit(1)
}
