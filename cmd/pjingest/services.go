package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/fhnw-medical-informatics/patient-journey-public/internal/common/process"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/data/orchestrator"
)

// startChromaServer runs `chroma run` against the index directory of the
// data dir and points cfg at it. CHROMA_BIN overrides the executable.
func startChromaServer(ctx context.Context, cfg *orchestrator.Config, logger *slog.Logger) (*process.Service, error) {
	binary := strings.TrimSpace(os.Getenv("CHROMA_BIN"))
	if binary == "" {
		binary = "chroma"
	}
	path, err := process.BinaryPath(binary)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return nil, fmt.Errorf("chromadb needs a data directory")
	}
	persistDir := cfg.VectorPath()
	if err := os.MkdirAll(persistDir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare chroma persist directory: %w", err)
	}

	if strings.TrimSpace(cfg.Chroma.Host) == "" {
		cfg.Chroma.Host = "127.0.0.1"
	}
	if strings.TrimSpace(cfg.Chroma.Port) == "" {
		cfg.Chroma.Port = "8000"
	}
	scheme := cfg.Chroma.Scheme
	if strings.TrimSpace(scheme) == "" {
		scheme = "http"
	}
	return process.Start(ctx, process.ServiceConfig{
		Name:         "chromadb",
		Command:      path,
		Args:         []string{"run", "--path", persistDir, "--host", cfg.Chroma.Host, "--port", cfg.Chroma.Port},
		ReadyURL:     fmt.Sprintf("%s://%s/api/v1/heartbeat", scheme, net.JoinHostPort(cfg.Chroma.Host, cfg.Chroma.Port)),
		ReadyTimeout: 2 * time.Minute,
		StopTimeout:  5 * time.Second,
		Logger:       logger.With("service", "chromadb"),
	})
}
