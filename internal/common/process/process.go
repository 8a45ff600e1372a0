// Package process supervises helper servers the pipeline launches itself,
// such as a local ChromaDB instance.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fhnw-medical-informatics/patient-journey-public/internal/common"
)

// ServiceConfig describes a process to launch and the URL that answers once
// it accepts requests.
type ServiceConfig struct {
	Name          string
	Command       string
	Args          []string
	Env           []string
	WorkDir       string
	ReadyURL      string
	ReadyTimeout  time.Duration
	ReadyInterval time.Duration
	StopTimeout   time.Duration
	Logger        *slog.Logger
}

// Service is a running helper process.
type Service struct {
	cfg    ServiceConfig
	cmd    *exec.Cmd
	logger *slog.Logger

	done    chan struct{}
	mu      sync.RWMutex
	waitErr error
	stopped bool
}

// Start launches the process, forwards its output to the logger and blocks
// until ReadyURL answers or the ready timeout passes.
func Start(ctx context.Context, cfg ServiceConfig) (*Service, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("process: command required")
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = filepath.Base(cfg.Command)
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	logger := common.LoggerOr(cfg.Logger)
	logger.Info("process: launching service", "service", cfg.Name, "command", cfg.Command, "args", strings.Join(cfg.Args, " "))

	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkDir
	// Cancellation sends an interrupt; the process is killed after WaitDelay.
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = cfg.StopTimeout
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("process: stdout pipe %s: %w", cfg.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("process: stderr pipe %s: %w", cfg.Name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("process: start %s: %w", cfg.Name, err)
	}

	svc := &Service{cfg: cfg, cmd: cmd, logger: logger, done: make(chan struct{})}
	var streams sync.WaitGroup
	streams.Add(2)
	go svc.forward(&streams, stdout, "stdout", slog.LevelInfo)
	go svc.forward(&streams, stderr, "stderr", slog.LevelWarn)
	go func() {
		// Wait closes the pipes, so the readers must drain first.
		streams.Wait()
		err := cmd.Wait()
		svc.mu.Lock()
		svc.waitErr = err
		svc.mu.Unlock()
		close(svc.done)
	}()

	if err := svc.waitReady(ctx); err != nil {
		_ = svc.Stop(context.Background())
		return nil, err
	}
	logger.Info("process: service ready", "service", cfg.Name, "url", cfg.ReadyURL)
	return svc, nil
}

func (s *Service) forward(wg *sync.WaitGroup, pipe io.Reader, stream string, level slog.Level) {
	defer wg.Done()
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		s.logger.Log(context.Background(), level, "process: "+s.cfg.Name+" output", "stream", stream, "line", scanner.Text())
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		s.logger.Warn("process: output stream error", "service", s.cfg.Name, "stream", stream, "error", err)
	}
}

func (s *Service) waitReady(ctx context.Context) error {
	if strings.TrimSpace(s.cfg.ReadyURL) == "" {
		return nil
	}
	timeout := s.cfg.ReadyTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	interval := s.cfg.ReadyInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	readyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	client := &http.Client{Timeout: 2 * time.Second}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		select {
		case <-readyCtx.Done():
			if lastErr == nil {
				lastErr = readyCtx.Err()
			}
			return fmt.Errorf("process: %s not ready after %s: %w", s.cfg.Name, timeout, lastErr)
		case <-s.done:
			return fmt.Errorf("process: %s exited before reporting ready: %v", s.cfg.Name, s.waitError())
		case <-ticker.C:
			req, err := http.NewRequestWithContext(readyCtx, http.MethodGet, s.cfg.ReadyURL, nil)
			if err != nil {
				return fmt.Errorf("process: readiness request for %s: %w", s.cfg.Name, err)
			}
			resp, err := client.Do(req)
			if err != nil {
				lastErr = err
				continue
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode < http.StatusInternalServerError {
				return nil
			}
			lastErr = fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
	}
}

// Stop interrupts the process and kills it if it has not exited within the
// stop timeout. Exit errors caused by the stop itself are not reported.
func (s *Service) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.logger.Info("process: stopping service", "service", s.cfg.Name)
	if err := s.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("process: interrupt failed", "service", s.cfg.Name, "error", err)
	}
	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
		s.logger.Warn("process: forcing service kill", "service", s.cfg.Name)
		if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("process: kill %s: %w", s.cfg.Name, err)
		}
		<-s.done
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.exitError()
}

// Done is closed when the process has exited.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) waitError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.waitErr
}

func (s *Service) exitError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var exitErr *exec.ExitError
	if s.stopped && errors.As(s.waitErr, &exitErr) {
		return nil
	}
	return s.waitErr
}

// BinaryPath resolves name on PATH.
func BinaryPath(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("process: binary name required")
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("process: locate %s: %w", name, err)
	}
	return filepath.Clean(path), nil
}
