// Package failure classifies verification failures so the run loop can
// decide between an editor retry, a re-plan, or abandoning the iteration.
package failure

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/abdul-hamid-achik/codingbuddy/internal/config"
)

// Class is the failure class assigned to a verification or apply failure.
type Class string

const (
	PatchMismatch           Class = "PatchMismatch"
	MechanicalVerifyFailure Class = "MechanicalVerifyFailure"
	RepeatedVerifyFailure   Class = "RepeatedVerifyFailure"
	DesignMismatch          Class = "DesignMismatch"
)

var digitRun = regexp.MustCompile(`[0-9]+`)

// ErrorSet is a set of normalized error lines.
type ErrorSet map[string]struct{}

// Sorted returns the set members in lexical order.
func (s ErrorSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for line := range s {
		out = append(out, line)
	}
	sort.Strings(out)
	return out
}

// NormalizeErrorSet lower-cases and trims each line, replaces digit runs
// with "#", collapses whitespace and drops blank lines. Only the first
// maxLines lines of output are considered.
func NormalizeErrorSet(output string, maxLines int) ErrorSet {
	if maxLines < 1 {
		maxLines = 1
	}
	set := ErrorSet{}
	lines := strings.Split(output, "\n")
	if len(lines) > maxLines {
		lines = lines[:maxLines]
	}
	for _, line := range lines {
		line = strings.ToLower(strings.TrimSpace(line))
		if line == "" {
			continue
		}
		line = strings.Join(strings.Fields(digitRun.ReplaceAllString(line, "#")), " ")
		if line != "" {
			set[line] = struct{}{}
		}
	}
	return set
}

// Fingerprint hashes the sorted set joined by newlines.
func Fingerprint(set ErrorSet) string {
	sum := sha256.Sum256([]byte(strings.Join(set.Sorted(), "\n")))
	return hex.EncodeToString(sum[:])
}

// Jaccard returns |a∩b| / |a∪b|. Two empty sets are identical.
func Jaccard(a, b ErrorSet) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for line := range a {
		if _, ok := b[line]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Tracker is the per-run classifier state.
type Tracker struct {
	LastFingerprint string
	RepeatCount     uint64
	LastErrorSet    ErrorSet
}

// Result is one classification.
type Result struct {
	Class       Class
	Fingerprint string
	Similarity  float64
	OldSize     int
	NewSize     int
}

// Classifier applies the thresholds from configuration.
type Classifier struct {
	repeatThreshold     uint64
	similarityThreshold float64
	fingerprintLines    int
}

// NewClassifier creates a classifier. Zero values fall back to 3 repeats,
// 0.8 similarity and 50 lines.
func NewClassifier(cfg config.FailureClassifierConfig) *Classifier {
	c := &Classifier{
		repeatThreshold:     uint64(max(cfg.RepeatThreshold, 1)),
		similarityThreshold: cfg.SimilarityThreshold,
		fingerprintLines:    cfg.FingerprintLines,
	}
	if cfg.RepeatThreshold <= 0 {
		c.repeatThreshold = 3
	}
	if c.similarityThreshold <= 0 {
		c.similarityThreshold = 0.8
	}
	if c.fingerprintLines <= 0 {
		c.fingerprintLines = 50
	}
	return c
}

// Classify updates t with output and returns the class. editorRetryUsed
// reports whether the mechanical editor retry was already spent this
// iteration.
func (c *Classifier) Classify(output string, t *Tracker, editorRetryUsed bool) Result {
	set := NormalizeErrorSet(output, c.fingerprintLines)
	fp := Fingerprint(set)
	same := t.LastFingerprint != "" && t.LastFingerprint == fp
	old := t.LastErrorSet

	if same {
		t.RepeatCount++
	} else {
		t.RepeatCount = 1
	}

	res := Result{
		Class:       MechanicalVerifyFailure,
		Fingerprint: fp,
		OldSize:     len(old),
		NewSize:     len(set),
	}
	if t.RepeatCount >= c.repeatThreshold || (editorRetryUsed && same) {
		if len(old) == 0 {
			res.Class = RepeatedVerifyFailure
		} else {
			res.Similarity = Jaccard(old, set)
			if len(set) < len(old) || res.Similarity < c.similarityThreshold {
				res.Class = RepeatedVerifyFailure
			} else {
				res.Class = DesignMismatch
			}
		}
	}

	t.LastFingerprint = fp
	t.LastErrorSet = set
	return res
}

// Summary renders the classification header followed by the raw output.
// The text is fed back to the architect and editor.
func (r Result) Summary(output string) string {
	return fmt.Sprintf("classification=%s\nfingerprint=%s\nsimilarity=%.3f\nerror_count_old=%d\nerror_count_new=%d\n\n%s",
		r.Class, r.Fingerprint, r.Similarity, r.OldSize, r.NewSize, output)
}
