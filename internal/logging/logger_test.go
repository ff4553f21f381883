package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func initTest(t *testing.T, configYAML string) string {
	t.Helper()
	dir := t.TempDir()
	if configYAML != "" {
		if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(configYAML), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := Initialize(dir); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() {
		CloseAll()
		logsDir = ""
		config = loggingConfig{}
	})
	return dir
}

func TestDisabledByDefault(t *testing.T) {
	dir := initTest(t, "")

	Exec("should not be written")

	if _, err := os.Stat(filepath.Join(dir, "logs")); !os.IsNotExist(err) {
		t.Error("logs directory created without debug mode")
	}
	if IsDebugMode() {
		t.Error("debug mode should be off by default")
	}
}

func TestDebugModeWritesCategoryFiles(t *testing.T) {
	dir := initTest(t, `logging:
  debug_mode: true
  level: debug
`)

	Exec("command ran")
	ExecDebug("details")

	entries, err := os.ReadDir(filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatalf("logs directory missing: %v", err)
	}

	var execLog string
	for _, entry := range entries {
		if strings.Contains(entry.Name(), "exec") {
			execLog = filepath.Join(dir, "logs", entry.Name())
		}
	}
	if execLog == "" {
		t.Fatalf("no exec log among %v", entries)
	}

	content, err := os.ReadFile(execLog)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(content), "command ran") {
		t.Errorf("info line missing from %q", content)
	}
	if !strings.Contains(string(content), "details") {
		t.Errorf("debug line missing from %q", content)
	}
}

func TestCategoryDisabled(t *testing.T) {
	initTest(t, `logging:
  debug_mode: true
  categories:
    multipass: false
`)

	if IsCategoryEnabled(CategoryMultipass) {
		t.Error("multipass category should be disabled")
	}
	if !IsCategoryEnabled(CategoryExec) {
		t.Error("unlisted categories should default to enabled")
	}
}

func TestLevelFiltersInfo(t *testing.T) {
	dir := initTest(t, `logging:
  debug_mode: true
  level: warn
`)

	Setup("info line")
	SetupWarn("warn line")

	entries, _ := os.ReadDir(filepath.Join(dir, "logs"))
	var setupLog string
	for _, entry := range entries {
		if strings.Contains(entry.Name(), "setup") {
			setupLog = filepath.Join(dir, "logs", entry.Name())
		}
	}
	if setupLog == "" {
		t.Fatal("no setup log written")
	}

	content, _ := os.ReadFile(setupLog)
	if strings.Contains(string(content), "info line") {
		t.Error("info line written despite warn level")
	}
	if !strings.Contains(string(content), "warn line") {
		t.Error("warn line missing")
	}
}
