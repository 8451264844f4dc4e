package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/maxpert/rowlock/cfg"
	"github.com/maxpert/rowlock/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const usage = `usage: rowlock [flags] <command> <database>

commands:
  serve <database>           attach the lock segment and serve admin and metrics endpoints
  inspect <database>         print the lock segment as JSON
  sweep <database>           reclaim dead holders
  dump <database> [file]     write a msgpack snapshot of the lock segment
  reset <database>           discard a lock segment no live holder uses
  bench <database> [workers] [rows]
                             insert and update rows from concurrent connections

flags:
`

func main() {
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 2 {
		flag.Usage()
		os.Exit(2)
	}

	// Load configuration
	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	setupLogging()

	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	command, database := flag.Arg(0), cfg.Config.DatabasePath(flag.Arg(1))
	var err error
	switch command {
	case "serve":
		err = runServe(database)
	case "inspect":
		err = runInspect(database, os.Stdout)
	case "sweep":
		err = runSweep(database, os.Stdout)
	case "dump":
		err = runDump(database, flag.Arg(2))
	case "reset":
		err = runReset(database)
	case "bench":
		err = runBench(database, flag.Args()[2:], os.Stdout)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", command).Str("database", database).Msg("Command failed")
	}
}

func setupLogging() {
	// Inspection commands write their output to stdout, so logs go to stderr
	var writer io.Writer = zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) { w.Out = os.Stderr })
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stderr
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}
}
