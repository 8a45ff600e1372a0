//go:build unix

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"

	"github.com/fhnw-medical-informatics/patient-journey-public/internal/common"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/integrity"
)

const (
	testPatients = "pid,Age\npid,number\nP1,42\nP2,37\n"
	// E3 points at a patient that does not exist.
	testEvents = "eid,pid,Code,Date\neid,pid,string,date\nE1,P1,X01,01.02.2020\nE3,P9,Z03,05.06.2022\n"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PJ_CONFIG", "DATA_DIR", "LLM_PROVIDER", "EMBEDDING_PROVIDER", "PJ_BATCH_SIZE", "PJ_STRICT_MODE",
		"PJ_TARGET_CLUSTERS", "PJ_SEED", "CHROMADB_HOST", "CHROMADB_PORT", "CHROMADB_SCHEME", "SQLITE_PATH",
	} {
		t.Setenv(key, "")
	}
}

func writeDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "patients.csv"), []byte(testPatients), 0o644); err != nil {
		t.Fatalf("write patients: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "events.csv"), []byte(testEvents), 0o644); err != nil {
		t.Fatalf("write events: %v", err)
	}
	return dir
}

// fakeChroma installs a CHROMA_BIN that records its pid and sleeps, and a
// heartbeat endpoint that turns healthy once the pid is recorded.
func fakeChroma(t *testing.T) (pidFile string) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	pidFile = filepath.Join(dir, "chroma.pid")
	script := filepath.Join(dir, "chroma")
	body := "#!/bin/sh\necho $$ > '" + pidFile + ".tmp'\nmv '" + pidFile + ".tmp' '" + pidFile + "'\nexec sleep 30\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	heartbeat := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := os.Stat(pidFile); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(heartbeat.Close)
	u, err := url.Parse(heartbeat.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host: %v", err)
	}
	t.Setenv("CHROMA_BIN", script)
	t.Setenv("CHROMADB_HOST", host)
	t.Setenv("CHROMADB_PORT", port)
	return pidFile
}

func TestRunStopsChromaWhenIngestionFails(t *testing.T) {
	clearEnv(t)
	pidFile := fakeChroma(t)
	dataDir := writeDataDir(t)

	err := run(context.Background(), []string{"-data-dir", dataDir, "-start-chroma"}, quietLogger())
	if !errors.Is(err, integrity.ErrDataConsistency) {
		t.Fatalf("expected data consistency error, got %v", err)
	}
	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("chroma was never started: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("parse pid: %v", err)
	}
	if err := syscall.Kill(pid, 0); !errors.Is(err, syscall.ESRCH) {
		_ = syscall.Kill(pid, syscall.SIGKILL)
		t.Fatalf("chroma process %d still running after run returned (kill: %v)", pid, err)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "chroma-persist")); err != nil {
		t.Fatalf("persist directory not prepared: %v", err)
	}
}

func TestRunRequiresDataDir(t *testing.T) {
	clearEnv(t)
	err := run(context.Background(), nil, quietLogger())
	if !errors.Is(err, common.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestRunRejectsUnknownFlag(t *testing.T) {
	clearEnv(t)
	if err := run(context.Background(), []string{"-no-such-flag"}, quietLogger()); err == nil {
		t.Fatal("expected flag error")
	}
}
