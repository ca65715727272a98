//go:build darwin

package tools

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// SeatbeltSandbox confines commands with sandbox-exec and a generated
// Seatbelt profile.
type SeatbeltSandbox struct{}

var (
	seatbeltSystemReads = []string{
		"/usr", "/bin", "/sbin", "/Library", "/System", "/private/var",
		"/private/etc", "/dev", "/opt/homebrew", "/Applications",
	}
	seatbeltTemp = []string{"/tmp", "/private/tmp"}
	// Credential dirs under $HOME stay unreadable even if a broader rule
	// would allow them.
	seatbeltHomeDenied = []string{".ssh", ".aws", ".gnupg", ".config/gcloud"}
)

func (*SeatbeltSandbox) Wrap(command string, c Confinement) (string, []string, error) {
	if c.Root == "" {
		return "", nil, errors.New("seatbelt: confinement has no root")
	}
	return "sandbox-exec", []string{"-p", seatbeltProfile(c), "sh", "-c", command}, nil
}

func (*SeatbeltSandbox) Available() bool {
	_, err := exec.LookPath("sandbox-exec")
	return err == nil
}

func (*SeatbeltSandbox) Name() string { return "darwin-seatbelt" }

func seatbeltProfile(c Confinement) string {
	var b strings.Builder
	rule := func(action string, paths ...string) {
		if len(paths) == 0 {
			return
		}
		fmt.Fprintf(&b, "(%s", action)
		for _, p := range paths {
			fmt.Fprintf(&b, "\n  (subpath %q)", p)
		}
		b.WriteString(")\n")
	}

	b.WriteString("(version 1)\n(deny default)\n")
	b.WriteString("(allow process-exec)\n(allow process-fork)\n(allow sysctl-read)\n(allow signal)\n(allow mach-lookup)\n")
	if c.Network {
		b.WriteString("(allow network*)\n")
	} else {
		b.WriteString("(deny network*)\n")
	}
	b.WriteString("(allow file-read* (literal \"/etc\") (literal \"/tmp\") (literal \"/var\"))\n")
	rule("allow file-read*", seatbeltSystemReads...)
	rule("allow file-read*", append(append([]string{c.Root}, seatbeltTemp...), c.ReadPaths...)...)
	rule("allow file-read*", c.WritePaths...)
	writes := append(append([]string(nil), seatbeltTemp...), c.WritePaths...)
	if c.Writable {
		writes = append(writes, c.Root)
	}
	rule("allow file-write*", writes...)
	if home, err := os.UserHomeDir(); err == nil {
		denied := make([]string, 0, len(seatbeltHomeDenied))
		for _, d := range seatbeltHomeDenied {
			denied = append(denied, filepath.Join(home, d))
		}
		rule("deny file-read*", denied...)
	}
	return b.String()
}

func init() {
	registerPlatformSandbox(&SeatbeltSandbox{})
}
