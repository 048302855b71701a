// Command imagerepod serves the image repository over HTTP.
//
// Exit codes: 0 on clean shutdown, 1 on configuration errors, 2 when the
// originals store is unreachable at startup.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/adelaideecoinformatics/imagerepo"
	"github.com/adelaideecoinformatics/imagerepo/config"
	"github.com/adelaideecoinformatics/imagerepo/internal/httpapi"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "path to the YAML configuration file")
		validate   = flag.Bool("validate", false, "parse the configuration and exit")
		logJSON    = flag.Bool("log-json", false, "emit JSON logs")
		logDebug   = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "imagerepod: -config is required")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "imagerepod: %v\n", err)
		return 1
	}
	if *validate {
		fmt.Println("configuration ok")
		return 0
	}

	level := slog.LevelInfo
	if *logDebug {
		level = slog.LevelDebug
	}
	var logger *imagerepo.Logger
	if *logJSON {
		logger = imagerepo.NewJSONLogger(level)
	} else {
		logger = imagerepo.NewTextLogger(level)
	}

	metrics := httpapi.NewMetrics()

	startCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	repo, err := imagerepo.Open(startCtx, cfg,
		imagerepo.WithLogger(logger),
		imagerepo.WithMetrics(&imagerepo.InProcessMetricsCollector{}),
		imagerepo.WithAlarmSink(metrics.AlarmSink()),
	)
	cancel()
	if err != nil {
		logger.Error("startup failed", "error", err)
		if errors.Is(err, imagerepo.ErrConfig) {
			return 1
		}
		return 2
	}
	defer repo.Close()

	probeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = repo.Health(probeCtx)
	cancel()
	if err != nil {
		logger.Error("originals store unreachable", "error", err)
		return 2
	}

	if cfg.PidFile != "" {
		if err := os.WriteFile(cfg.PidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
			logger.Error("pid file", "path", cfg.PidFile, "error", err)
			return 1
		}
		defer os.Remove(cfg.PidFile)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           httpapi.New(repo, logger, metrics).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving", "address", cfg.ListenAddress, "base", cfg.RepositoryBasePathname)
		errCh <- srv.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error("server stopped", "error", err)
		return 2
	case s := <-sig:
		logger.Info("shutting down", "signal", s.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	return 0
}
