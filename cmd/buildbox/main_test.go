package main

import (
	"errors"
	"fmt"
	"testing"
)

func TestDefaultInstanceName(t *testing.T) {
	if got := defaultInstanceName("focal"); got != "buildbox-focal" {
		t.Errorf("defaultInstanceName = %q", got)
	}
}

func TestImageConfig(t *testing.T) {
	img := imageConfig("focal", "My Build Env")
	if img.Alias != "focal" {
		t.Errorf("Alias = %q", img.Alias)
	}
	if img.Hostname != "my-build-env" {
		t.Errorf("Hostname = %q, want sanitized instance name", img.Hostname)
	}
}

func TestExitCodeError(t *testing.T) {
	var target *exitCodeError
	err := fmt.Errorf("wrapped: %w", &exitCodeError{code: 3})
	if !errors.As(err, &target) || target.code != 3 {
		t.Errorf("exit code not recoverable from %v", err)
	}
}
