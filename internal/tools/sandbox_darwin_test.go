//go:build darwin

package tools

import (
	"strings"
	"testing"
)

func TestSeatbeltSandbox_Wrap(t *testing.T) {
	s := &SeatbeltSandbox{}
	tests := []struct {
		name        string
		c           Confinement
		wantWrite   bool
		wantNetwork bool
	}{
		{"read-only", Confinement{Root: "/tmp/project"}, false, false},
		{"writable with network", Confinement{Root: "/tmp/project", Writable: true, Network: true}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exe, args, err := s.Wrap("echo hello", tt.c)
			if err != nil {
				t.Fatalf("Wrap() error = %v", err)
			}
			if exe != "sandbox-exec" || len(args) != 5 || args[0] != "-p" {
				t.Fatalf("Wrap() = %s %v", exe, args)
			}
			if got := args[2:]; got[0] != "sh" || got[1] != "-c" || got[2] != "echo hello" {
				t.Errorf("command args = %v", got)
			}
			profile := args[1]
			writeRule := profile[strings.Index(profile, "(allow file-write*"):]
			if got := strings.Contains(writeRule, `(subpath "/tmp/project")`); got != tt.wantWrite {
				t.Errorf("project writable = %v, want %v\n%s", got, tt.wantWrite, profile)
			}
			if got := strings.Contains(profile, "(allow network*)"); got != tt.wantNetwork {
				t.Errorf("network allowed = %v, want %v", got, tt.wantNetwork)
			}
			if !strings.Contains(profile, ".ssh") {
				t.Error("profile should deny ~/.ssh")
			}
		})
	}
}

func TestSeatbeltSandbox_RequiresRoot(t *testing.T) {
	if _, _, err := (&SeatbeltSandbox{}).Wrap("true", Confinement{}); err == nil {
		t.Error("Wrap() without a root should fail")
	}
}
