package ui

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestInput_Confirm(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		defaultYes bool
		want       bool
	}{
		{"yes", "y\n", false, true},
		{"long yes", "YES\n", false, true},
		{"no", "n\n", true, false},
		{"empty takes default yes", "\n", true, true},
		{"empty takes default no", "\n", false, false},
		{"no trailing newline", "y", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := NewInputFrom(strings.NewReader(tt.input), io.Discard)
			got, err := in.Confirm("continue?", tt.defaultYes)
			if err != nil {
				t.Fatalf("Confirm: %v", err)
			}
			if got != tt.want {
				t.Errorf("Confirm = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInput_SelectRetriesInvalid(t *testing.T) {
	var out bytes.Buffer
	in := NewInputFrom(strings.NewReader("abc\n9\n2\n"), &out)

	got, err := in.Select("pick", []string{"a", "b"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got != 1 {
		t.Errorf("Select = %d, want 1", got)
	}
	if !strings.Contains(out.String(), "between 1 and 2") {
		t.Errorf("missing range hint:\n%s", out.String())
	}
}

func TestInput_ReadLineEOF(t *testing.T) {
	in := NewInputFrom(strings.NewReader(""), io.Discard)
	if _, err := in.ReadLine("> "); err != io.EOF {
		t.Errorf("ReadLine = %v, want io.EOF", err)
	}
}
