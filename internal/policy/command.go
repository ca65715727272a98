package policy

import (
	"errors"
	"regexp"
	"strings"
)

// Violation kinds returned (wrapped) by CheckPath and CheckCommand.
var (
	ErrPathTraversal     = errors.New("path traversal is not allowed")
	ErrSecretPath        = errors.New("path is blocked by policy")
	ErrCommandInjection  = errors.New("command contains forbidden shell tokens")
	ErrDangerousCommand  = errors.New("dangerous command blocked by policy")
	ErrCommandNotAllowed = errors.New("command not allowed by allowlist")
)

var forbiddenShellTokens = []string{"\n", "\r", ";", "&&", "||", "|", "`", "$("}

// dangerousPatterns are blocked anywhere in a command, even when the first
// token looks harmless.
var dangerousPatterns = []string{
	"rm -rf /",
	"mkfs.",
	"dd if=/dev/",
	":(){:|:&};:",
	"> /dev/sd",
	"chmod -r 777 /",
	"find / -delete",
	"/dev/tcp/",
	"/dev/udp/",
}

// evasionPatterns catch encoded or escaped variants of dangerous commands.
var evasionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`base64\s+(-d|--decode)`),
	regexp.MustCompile(`xxd\s+-r`),
	regexp.MustCompile(`python[23]?\s+-c\s+.*__(import|eval|exec)__`),
	regexp.MustCompile(`perl\s+-e\s+.*system\s*\(`),
	regexp.MustCompile(`r\\m\s`),
	regexp.MustCompile(`s\\hutdown`),
	regexp.MustCompile(`re\\boot`),
	regexp.MustCompile(`mk\\fs`),
	regexp.MustCompile(`\$'\\x[0-9a-fA-F]{2}`),
	regexp.MustCompile(`\beval\s+`),
}

func containsForbiddenShellTokens(cmd string) bool {
	for _, tok := range forbiddenShellTokens {
		if strings.Contains(cmd, tok) {
			return true
		}
	}
	return false
}

// CheckCommand validates a bash command line. It returns nil only when the
// command is free of shell metacharacters, not dangerous, and allowlisted.
func (e *Engine) CheckCommand(cmd string) error {
	if containsForbiddenShellTokens(cmd) {
		return violation(ErrCommandInjection, cmd)
	}
	tokens := strings.Fields(cmd)
	if len(tokens) == 0 {
		return violation(ErrCommandNotAllowed, cmd)
	}
	if isDangerous(cmd, tokens[0], e.deniedPrefixes) {
		return violation(ErrDangerousCommand, cmd)
	}
	for _, allowed := range e.allowlist {
		if allowPatternMatches(allowed, tokens) {
			return nil
		}
	}
	return violation(ErrCommandNotAllowed, cmd)
}

func isDangerous(cmd, first string, deniedPrefixes []string) bool {
	for _, prefix := range deniedPrefixes {
		if strings.EqualFold(prefix, first) {
			return true
		}
	}
	lower := strings.ToLower(cmd)
	for _, pattern := range dangerousPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	for _, re := range evasionPatterns {
		if re.MatchString(cmd) {
			return true
		}
	}
	return false
}

// allowPatternMatches compares an allowlist entry against command tokens.
// A "*" token matches the rest of the command; a token ending in "*"
// matches by prefix; anything else compares case-insensitively.
func allowPatternMatches(pattern string, cmdTokens []string) bool {
	patternTokens := strings.Fields(pattern)
	if len(patternTokens) == 0 || len(cmdTokens) < len(patternTokens) {
		return false
	}
	for i, pt := range patternTokens {
		if pt == "*" {
			return true
		}
		ct := strings.ToLower(cmdTokens[i])
		pt = strings.ToLower(pt)
		if strings.HasSuffix(pt, "*") {
			if !strings.HasPrefix(ct, strings.TrimSuffix(pt, "*")) {
				return false
			}
			continue
		}
		if ct != pt {
			return false
		}
	}
	return true
}
