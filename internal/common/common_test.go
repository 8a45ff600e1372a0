package common

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"fatal":   slog.LevelError,
		"":        slog.LevelInfo,
		"chatty":  slog.LevelInfo,
	}
	for input, want := range cases {
		if got := ParseLevel(input); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestLoggerCapturesComponent(t *testing.T) {
	Logger().Info("fixture: captured entry", "batch", 2)
	entries := LogEntries()
	if len(entries) == 0 {
		t.Fatal("expected captured entries")
	}
	last := entries[len(entries)-1]
	if last.Component != "fixture" || last.Message != "fixture: captured entry" {
		t.Fatalf("unexpected entry %+v", last)
	}
	if last.Attrs["batch"] != int64(2) {
		t.Fatalf("attribute not captured: %+v", last.Attrs)
	}
}

func TestLoadEnvFilesPrecedence(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("PJ_TEST_SHELL=file\nPJ_TEST_BASE=base\nPJ_TEST_LOCAL=base\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env.local"), []byte("PJ_TEST_LOCAL=local\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PJ_TEST_SHELL", "shell")
	t.Cleanup(func() {
		os.Unsetenv("PJ_TEST_BASE")
		os.Unsetenv("PJ_TEST_LOCAL")
	})

	loaded, err := LoadEnvFiles(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected both files applied, got %v", loaded)
	}
	if got := os.Getenv("PJ_TEST_SHELL"); got != "shell" {
		t.Fatalf(".env must not replace set variables, got %q", got)
	}
	if got := os.Getenv("PJ_TEST_BASE"); got != "base" {
		t.Fatalf("expected base value, got %q", got)
	}
	if got := os.Getenv("PJ_TEST_LOCAL"); got != "local" {
		t.Fatalf(".env.local must override, got %q", got)
	}
}

func TestLoadEnvFilesSkipsMissing(t *testing.T) {
	loaded, err := LoadEnvFiles(t.TempDir())
	if err != nil || len(loaded) != 0 {
		t.Fatalf("expected nothing loaded, got %v %v", loaded, err)
	}
}
