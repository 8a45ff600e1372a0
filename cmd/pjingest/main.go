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
	"strings"
	"syscall"
	"time"

	"github.com/fhnw-medical-informatics/patient-journey-public/internal/api"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/common"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/data/orchestrator"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/integrity"
)

func main() {
	logger := common.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loaded, err := common.LoadEnvFiles(".")
	if err != nil {
		logger.Warn("pjingest: env file not loaded", "error", err)
	} else if len(loaded) > 0 {
		logger.Info("pjingest: environment loaded", "files", strings.Join(loaded, ","))
	}

	if err := run(ctx, os.Args[1:], logger); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		logger.Error("pjingest: exiting", "error", err)
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// run ingests the data directory and optionally serves the result. Every
// resource it starts is released before it returns, on success or failure.
func run(ctx context.Context, args []string, logger *slog.Logger) error {
	flags := flag.NewFlagSet("pjingest", flag.ContinueOnError)
	configPath := flags.String("config", strings.TrimSpace(os.Getenv("PJ_CONFIG")), "optional YAML config file")
	dataDir := flags.String("data-dir", "", "directory holding patients.csv and events.csv (overrides DATA_DIR)")
	strict := flags.Bool("strict", false, "join projections by patient id and rebuild the relational store on every run")
	addr := flags.String("addr", "", "serve the results on this address after ingestion (e.g. :8081)")
	startChroma := flags.Bool("start-chroma", false, "launch a local ChromaDB server persisting into the data directory")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := orchestrator.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	if trimmed := strings.TrimSpace(*dataDir); trimmed != "" {
		cfg.DataDir = trimmed
	}
	if *strict {
		cfg.StrictMode = true
	}

	if *startChroma {
		svc, err := startChromaServer(ctx, &cfg, logger)
		if err != nil {
			return fmt.Errorf("chromadb launch failed: %w", err)
		}
		defer func() {
			if err := svc.Stop(context.Background()); err != nil {
				logger.Warn("pjingest: chromadb shutdown returned error", "error", err)
			}
		}()
	}

	orch, err := orchestrator.New(cfg)
	if err != nil {
		return fmt.Errorf("orchestrator initialization failed: %w", err)
	}
	defer orch.Close()

	result, err := orch.Init(ctx)
	if err != nil {
		var ierr *integrity.Error
		if errors.As(err, &ierr) {
			for _, v := range ierr.Violations {
				logger.Error("pjingest: data consistency problem", "kind", v.Kind, "ids", strings.Join(v.IDs, ","), "detail", v.Detail)
			}
		}
		return fmt.Errorf("ingestion failed: %w", err)
	}
	logger.Info("pjingest: ingestion finished",
		"sync", result.Sync.Status,
		"embedded", result.Sync.Embedded,
		"remaining", result.Sync.Remaining(),
		"report_generated", result.ReportGenerated,
		"materialized", result.Materialized,
	)

	if strings.TrimSpace(*addr) == "" {
		return nil
	}
	server, err := api.NewServer(result, cfg.EventsPath(), logger)
	if err != nil {
		return fmt.Errorf("server construction failed: %w", err)
	}
	httpServer := &http.Server{Addr: *addr, Handler: server, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	reachable := *addr
	if strings.HasPrefix(reachable, ":") {
		reachable = "localhost" + reachable
	}
	logger.Info("pjingest: server listening", "addr", *addr, "health", fmt.Sprintf("curl http://%s/healthz", reachable))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server stopped: %w", err)
	}
	return nil
}
