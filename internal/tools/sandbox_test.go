package tools

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func TestDetectSandbox(t *testing.T) {
	s := DetectSandbox()
	if s == nil || s.Name() == "" || !s.Available() {
		t.Fatalf("DetectSandbox() = %#v, want an available named sandbox", s)
	}
}

func TestNoopSandbox(t *testing.T) {
	s := &NoopSandbox{}
	if IsolatingSandbox(s) {
		t.Error("NoopSandbox must not count as isolating")
	}
	if IsolatingSandbox(nil) {
		t.Error("nil sandbox must not count as isolating")
	}
	for _, cmd := range []string{"ls -la", "echo 'multi word' && cd /tmp"} {
		exe, args, err := s.Wrap(cmd, Confinement{Root: "/project"})
		if err != nil {
			t.Fatalf("Wrap(%q) error = %v", cmd, err)
		}
		if exe != "sh" || !slices.Equal(args, []string{"-c", cmd}) {
			t.Errorf("Wrap(%q) = %s %v", cmd, exe, args)
		}
	}
}

func TestWorkspaceConfinement(t *testing.T) {
	modcache := t.TempDir()
	gocache := t.TempDir()
	t.Setenv("GOMODCACHE", modcache)
	t.Setenv("GOCACHE", gocache)
	t.Setenv("CARGO_HOME", filepath.Join(t.TempDir(), "missing"))
	t.Setenv("GOROOT", "")

	c := WorkspaceConfinement("/work", true)
	if c.Root != "/work" || !c.Writable || c.Network {
		t.Errorf("confinement = %+v", c)
	}
	if !slices.Equal(c.ReadPaths, []string{modcache}) {
		t.Errorf("ReadPaths = %v, want only the existing module cache", c.ReadPaths)
	}
	if !slices.Equal(c.WritePaths, []string{gocache}) {
		t.Errorf("WritePaths = %v, want the build cache", c.WritePaths)
	}
}

func TestSanitizedEnv(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("GOFLAGS", "-mod=mod")
	t.Setenv("DEEPSEEK_API_KEY", "sk-123")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret")
	t.Setenv("GOROOT", "")
	os.Unsetenv("GOROOT")

	env := SanitizedEnv("CODINGBUDDY_HOOK=pre")
	keys := map[string]string{}
	for _, e := range env {
		k, v, _ := strings.Cut(e, "=")
		keys[k] = v
	}
	for _, want := range []string{"PATH", "GOFLAGS", "CODINGBUDDY_HOOK"} {
		if _, ok := keys[want]; !ok {
			t.Errorf("missing %s in %v", want, env)
		}
	}
	for _, secret := range []string{"DEEPSEEK_API_KEY", "AWS_SECRET_ACCESS_KEY", "GOROOT"} {
		if _, ok := keys[secret]; ok {
			t.Errorf("%s should not be passed through", secret)
		}
	}
	if env[len(env)-1] != "CODINGBUDDY_HOOK=pre" {
		t.Errorf("extra pairs should come last: %v", env)
	}
}
