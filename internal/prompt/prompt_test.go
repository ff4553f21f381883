package prompt

import (
	"bytes"
	"strings"
	"testing"
)

func TestConfirm(t *testing.T) {
	tests := []struct {
		input      string
		defaultYes bool
		want       bool
	}{
		{"y\n", false, true},
		{"yes\n", false, true},
		{"Y\n", false, true},
		{"n\n", true, false},
		{"no\n", true, false},
		{"\n", true, true},
		{"\n", false, false},
		{"maybe\n", true, false},
		{"", false, false}, // EOF counts as no answer
	}

	for _, tc := range tests {
		var out bytes.Buffer
		got, err := Confirm(strings.NewReader(tc.input), &out, "Proceed?", tc.defaultYes)
		if err != nil {
			t.Errorf("Confirm(%q): %v", tc.input, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Confirm(%q, defaultYes=%v) = %v, want %v",
				tc.input, tc.defaultYes, got, tc.want)
		}
		if !strings.Contains(out.String(), "Proceed?") {
			t.Errorf("question not written: %q", out.String())
		}
	}
}

func TestConfirmSuffix(t *testing.T) {
	var out bytes.Buffer
	if _, err := Confirm(strings.NewReader("\n"), &out, "Delete?", false); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "[y/N]") {
		t.Errorf("default-no prompt missing suffix: %q", out.String())
	}

	out.Reset()
	if _, err := Confirm(strings.NewReader("\n"), &out, "Keep?", true); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "[Y/n]") {
		t.Errorf("default-yes prompt missing suffix: %q", out.String())
	}
}
