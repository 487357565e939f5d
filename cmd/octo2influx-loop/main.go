package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/yo8192/octo2influx/internal/collector"
	"github.com/yo8192/octo2influx/internal/logger"
	"github.com/yo8192/octo2influx/internal/loop"
	"github.com/yo8192/octo2influx/internal/server"
	"github.com/yo8192/octo2influx/internal/version"
)

const (
	// DefaultShutdownTimeout is the maximum time to wait for graceful shutdown
	DefaultShutdownTimeout = 30 * time.Second

	programName = "octo2influx-loop"
)

type options struct {
	interval  time.Duration
	httpPort  int
	logLevel  string
	logFormat string
	command   []string
}

func parseArgs(args []string) (*options, error) {
	fs := flag.NewFlagSet(programName, flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s --interval 1h [--http_port 9100] -- octo2influx [args]\n\n", programName)
		fmt.Fprintln(fs.Output(), "Run a command repeatedly, sleeping for the interval after each run.")
		fmt.Fprintln(fs.Output())
		fs.PrintDefaults()
	}

	var (
		opts     options
		interval string
	)
	fs.StringVar(&interval, "interval", "", "Pause between runs: seconds, or a number with an s, m, h or d suffix")
	fs.IntVar(&opts.httpPort, "http_port", 0, "Port serving /health, /ready and /metrics (0 disables the server)")
	fs.StringVar(&opts.logLevel, "loglevel", "INFO", "Level of logs (INFO, DEBUG, WARNING, ERROR)")
	fs.StringVar(&opts.logFormat, "log_format", "text", "Log output format (text or json)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	d, err := loop.ParseInterval(interval)
	if err != nil {
		return nil, err
	}
	opts.interval = d

	if opts.httpPort < 0 || opts.httpPort > 65535 {
		return nil, fmt.Errorf("invalid http_port: must be between 0 and 65535, got %d", opts.httpPort)
	}

	opts.command = fs.Args()
	if len(opts.command) == 0 {
		return nil, errors.New("no command given after --")
	}
	return &opts, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts, err := parseArgs(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		log.Printf("%s: %v", programName, err)
		return 2
	}

	logger := logger.New(opts.logLevel, opts.logFormat)
	logger.Info("octo2influx-loop starting",
		"version", version.Version,
		"interval", opts.interval.String(),
		"http_port", opts.httpPort,
		"command", opts.command)

	runs := collector.NewRunCollector()
	if err := prometheus.Register(runs); err != nil {
		logger.Error("Failed to register collector", "error", err)
		return 1
	}

	// Register Go runtime metrics (memory, goroutines, GC stats)
	if err := prometheus.Register(prometheus.NewGoCollector()); err != nil {
		logger.Warn("Failed to register Go collector", "error", err)
	}

	// Register process metrics (CPU, memory, file descriptors)
	if err := prometheus.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{})); err != nil {
		logger.Warn("Failed to register process collector", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var srv *server.Server
	serverErrors := make(chan error, 1)
	if opts.httpPort > 0 {
		srv = server.NewServer(opts.httpPort, runs, prometheus.DefaultGatherer, logger)
		go func() {
			serverErrors <- srv.Start()
		}()
	}

	runner := loop.NewRunner(loop.ExecCommand(opts.command[0], opts.command[1:]...), opts.interval, runs, logger)
	loopDone := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(loopDone)
	}()

	code := 0
	select {
	case err := <-serverErrors:
		if err != nil {
			logger.Error("Server error", "error", err)
			code = 1
		}
		stop()
		<-loopDone
	case <-loopDone:
		logger.Info("Received shutdown signal, starting graceful shutdown")
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during server shutdown", "error", err)
			return 1
		}
		logger.Info("Server stopped gracefully")
	}
	return code
}
