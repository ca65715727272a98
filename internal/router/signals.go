package router

import (
	"math"
	"strings"

	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
)

// complexTriggers raise prompt complexity when present in a request.
var complexTriggers = []string{
	"refactor",
	"redesign",
	"architecture",
	"migrate",
	"optimize",
	"concurrency",
	"race",
	"security",
	"performance",
	"across the codebase",
	"every",
	"all callers",
	"design",
	"why does",
	"debug",
}

// vagueTriggers raise the ambiguity flag.
var vagueTriggers = []string{
	"somehow",
	"something",
	"maybe",
	"not sure",
	"etc",
	"whatever",
	"stuff",
	"some kind of",
	"or so",
}

// SignalInput describes the situation a model is being selected for.
type SignalInput struct {
	Prompt               string
	RepoBreadth          float64
	FailureStreak        int
	VerificationFailures int
	LowConfidence        float64
}

// Signals derives router signals from a prompt and failure counters.
// Prompt length saturates at 500 bytes; counters saturate at 3.
func Signals(in SignalInput) core.RouterSignals {
	lower := strings.ToLower(in.Prompt)

	complexity := float64(len(in.Prompt)) / 500
	for _, trigger := range complexTriggers {
		if strings.Contains(lower, trigger) {
			complexity += 0.3
			break
		}
	}

	ambiguity := 0.0
	for _, trigger := range vagueTriggers {
		if strings.Contains(lower, trigger) {
			ambiguity += 0.25
		}
	}
	if q := strings.Count(in.Prompt, "?"); q > 1 {
		ambiguity += 0.15 * float64(q-1)
	}

	return core.RouterSignals{
		PromptComplexity:     clamp01(complexity),
		RepoBreadth:          clamp01(in.RepoBreadth),
		FailureStreak:        math.Min(1, float64(max(in.FailureStreak, 0))/3),
		VerificationFailures: math.Min(1, float64(max(in.VerificationFailures, 0))/3),
		LowConfidence:        clamp01(in.LowConfidence),
		AmbiguityFlags:       clamp01(ambiguity),
	}
}
