package host

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"buildbox/internal/executor"
)

func TestRunEcho(t *testing.T) {
	ex := NewExecutor()
	result, err := ex.Run(context.Background(), executor.Command{
		Binary: "echo", Arguments: []string{"host", "test"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success || result.ExitCode != 0 {
		t.Errorf("success=%v exit=%d, want true/0", result.Success, result.ExitCode)
	}
	if result.Stdout != "host test\n" {
		t.Errorf("stdout = %q", result.Stdout)
	}
}

func TestRunRequiresBinary(t *testing.T) {
	ex := NewExecutor()
	if _, err := ex.Run(context.Background(), executor.Command{}); err == nil {
		t.Error("Run with empty binary should fail")
	}
}

func TestRunEnvironment(t *testing.T) {
	ex := NewExecutor()
	result, err := ex.Run(context.Background(), executor.Command{
		Binary:      "sh",
		Arguments:   []string{"-c", "echo $BUILDBOX_TEST_VAR"},
		Environment: []string{"BUILDBOX_TEST_VAR=set"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(result.Stdout) != "set" {
		t.Errorf("stdout = %q, want environment variable applied", result.Stdout)
	}
}

func TestRunWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	ex := NewExecutor()
	result, err := ex.Run(context.Background(), executor.Command{
		Binary: "pwd", WorkingDirectory: dir,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Resolve symlinks; macOS TempDir lives under /private.
	resolved, _ := filepath.EvalSymlinks(dir)
	got := strings.TrimSpace(result.Stdout)
	if got != dir && got != resolved {
		t.Errorf("pwd = %q, want %q", got, dir)
	}
}

func TestCreateFile(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "etc", "hostname")
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		t.Fatal(err)
	}

	ex := NewExecutor()
	err := ex.CreateFile(context.Background(), executor.FileSpec{
		Destination: dest,
		Content:     []byte("builder\n"),
		Mode:        "0644",
		UID:         os.Getuid(),
		GID:         os.Getgid(),
	})
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	content, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(content) != "builder\n" {
		t.Errorf("content = %q", content)
	}

	info, err := os.Stat(dest)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0644 {
		t.Errorf("mode = %v, want 0644", info.Mode().Perm())
	}
}

func TestSyncRoundTrip(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "artifact.txt"), []byte("payload"), 0644); err != nil {
		t.Fatal(err)
	}

	ex := NewExecutor()
	dest := filepath.Join(t.TempDir(), "copied")
	if err := ex.SyncTo(context.Background(), src, dest); err != nil {
		t.Fatalf("SyncTo: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(dest, "artifact.txt"))
	if err != nil {
		t.Fatalf("synced file missing: %v", err)
	}
	if string(content) != "payload" {
		t.Errorf("content = %q", content)
	}

	back := filepath.Join(t.TempDir(), "back")
	if err := ex.SyncFrom(context.Background(), dest, back); err != nil {
		t.Fatalf("SyncFrom: %v", err)
	}
	if _, err := os.Stat(filepath.Join(back, "artifact.txt")); err != nil {
		t.Errorf("round-tripped file missing: %v", err)
	}
}

func TestSyncToMissingSource(t *testing.T) {
	ex := NewExecutor()
	err := ex.SyncTo(context.Background(), "/does/not/exist", t.TempDir())
	if err == nil {
		t.Error("SyncTo with missing source should fail")
	}
}

func TestHostname(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"buildbox-focal", "buildbox-focal"},
		{"My Project!", "my-project"},
		{"--weird--name--", "weird-name"},
		{"UPPER_case.01", "upper-case-01"},
	}
	for _, tc := range tests {
		if got := Hostname(tc.in); got != tc.want {
			t.Errorf("Hostname(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestProviderCreateInstance(t *testing.T) {
	p := &Provider{}
	if ex := p.CreateInstance(); ex == nil || ex.sudoUser != "" {
		t.Error("default provider should yield a plain executor")
	}

	sudo := &Provider{SudoUser: "builder"}
	if ex := sudo.CreateInstance(); ex.sudoUser != "builder" {
		t.Error("sudo user not applied")
	}
}
