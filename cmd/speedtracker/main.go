package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/speedtracker/internal/config"
	"github.com/m-lab/speedtracker/internal/control"
	"github.com/m-lab/speedtracker/internal/persistence"
	"github.com/m-lab/speedtracker/internal/scheduler"
	"github.com/m-lab/speedtracker/internal/supervisor"
	"github.com/m-lab/speedtracker/pkg/client"
)

const (
	clientName    = "speedtracker"
	clientVersion = "v0.1.0"
)

var (
	flagSettings       = flag.String("settings", "connection_settings.json", "YAML or JSON file with the connection settings")
	flagIP             = flag.String("ip", "127.0.0.1", "Listen IP of the control server")
	flagPort           = flag.Int("port", 5555, "Listen port of the control server")
	flagFrequency      = flag.Float64("frequency", 0, "Minutes between the start of two trials (asked on stdin if unset)")
	flagDuration       = flag.Float64("duration", 0, "Total duration of the run in hours (asked on stdin if unset)")
	flagRecordsPerFile = flag.Int("records-per-file", 0, "Number of record files, trial N goes to file N mod this value (asked on stdin if unset)")
	flagDataDir        = flag.String("datadir", ".", "Directory to store record files in")
	flagLogDir         = flag.String("logdir", ".", "Directory to store diagnostic log files in")
	flagIdleTimeout    = flag.Duration("control.idle-timeout", 0, "Disconnect control clients idle for this long (0 disables)")
	flagProbeServer    = flag.String("probe.server", "", "throughput1 server (host:port). If empty, the Locate API is used")
	flagProbeScheme    = flag.String("probe.scheme", client.DefaultScheme, "WebSocket scheme (wss or ws)")
	flagProbeLength    = flag.Duration("probe.length", client.DefaultLength, "Length of each subtest")
	flagProbeTimeout   = flag.Duration("probe.timeout", time.Minute, "Maximum duration of a trial (0 disables)")
	flagProbeNoVerify  = flag.Bool("probe.no-verify", false, "Skip TLS certificate verification")
	flagLogLevel       = flag.String("log.level", "debug", "Log level (debug, info, warn, error)")
)

func parseLevel(s string) log.Level {
	switch strings.ToLower(s) {
	case "info":
		return log.InfoLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.DebugLevel
	}
}

// osExit is replaced in tests.
var osExit = os.Exit

// fatalIf logs err through the configured logger, so that the reason reaches
// the log file served by send_logs, then flushes the file and exits.
func fatalIf(err error, logFile *os.File, msg string) {
	if err == nil {
		return
	}
	log.Error(msg, "error", err)
	logFile.Sync()
	logFile.Close()
	osExit(1)
}

// runConfig builds the RunConfig from flags, the settings file and, for
// values still missing, answers read from stdin.
func runConfig() (config.RunConfig, error) {
	cfg := config.RunConfig{
		FrequencyMinutes:   *flagFrequency,
		TotalDurationHours: *flagDuration,
		RecordsPerFile:     *flagRecordsPerFile,
		Host:               *flagIP,
		Port:               *flagPort,
		DataDir:            *flagDataDir,
		LogDir:             *flagLogDir,
		ProbeTimeout:       *flagProbeTimeout,
	}
	explicit := map[string]bool{}
	flag.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})
	settings, err := config.LoadSettings(*flagSettings)
	switch {
	case err == nil:
		settings.Apply(&cfg, explicit)
	case errors.Is(err, os.ErrNotExist) && !explicit["settings"]:
		log.Warn("Settings file not found, using flags", "path", *flagSettings)
	default:
		return cfg, fmt.Errorf("could not load settings: %w", err)
	}
	if err := config.Prompt(os.Stdin, os.Stdout, &cfg); err != nil {
		return cfg, fmt.Errorf("could not read run configuration: %w", err)
	}
	return cfg, cfg.Validate()
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not parse env args")

	// Initialize logging: every message goes to stdout and to a new log file
	// named after the start time.
	logFile, err := persistence.NewLogFile(*flagLogDir, time.Now())
	rtx.Must(err, "Could not create log file")
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetReportCaller(true)
	log.SetReportTimestamp(true)
	log.SetTimeFormat(time.DateTime)
	log.SetLevel(parseLevel(*flagLogLevel))
	log.Info("Application starting", "logfile", logFile.Name())

	cfg, err := runConfig()
	fatalIf(err, logFile, "Invalid configuration")
	log.Info("Configuration loaded", "listen", cfg.ListenAddress(),
		"frequency", cfg.Period(), "duration", cfg.Duration(), "records-per-file", cfg.RecordsPerFile)

	promSrv := prometheusx.MustServeMetrics()

	store, err := persistence.New(cfg.DataDir, cfg.LogDir, cfg.RecordsPerFile, persistence.DefaultCacheTTL)
	fatalIf(err, logFile, "Could not open record store")

	probe := client.New(clientName, clientVersion, client.Config{
		Server:   *flagProbeServer,
		Scheme:   *flagProbeScheme,
		Length:   *flagProbeLength,
		NoVerify: *flagProbeNoVerify,
	})
	sched := scheduler.New(cfg, probe, store)
	srv := control.New(cfg.ListenAddress(), store)
	srv.IdleTimeout = *flagIdleTimeout

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = supervisor.Run(ctx, sched, srv)
	cancel()
	promSrv.Close()
	fatalIf(err, logFile, "Run aborted")
	logFile.Close()
}
