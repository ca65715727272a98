package planner

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
	buderr "github.com/abdul-hamid-achik/codingbuddy/internal/errors"
)

// maxOutcomes bounds the outcome memory file.
const maxOutcomes = 96

// Outcome summarizes past runs of objectives sharing a GoalPattern.
type Outcome struct {
	Key                      string  `json:"key"`
	GoalExcerpt              string  `json:"goal_excerpt"`
	SuccessCount             uint64  `json:"success_count"`
	FailureCount             uint64  `json:"failure_count"`
	ExecutionFailureCount    uint64  `json:"execution_failure_count"`
	VerificationFailureCount uint64  `json:"verification_failure_count"`
	AvgStepCount             float64 `json:"avg_step_count"`
	AvgFailureCount          float64 `json:"avg_failure_count"`
	Confidence               float64 `json:"confidence"`
	LastOutcome              string  `json:"last_outcome"`
	LastFailureSummary       string  `json:"last_failure_summary"`
	NextFocus                string  `json:"next_focus"`
	UpdatedAt                string  `json:"updated_at"`
}

func (o Outcome) observations() uint64 { return o.SuccessCount + o.FailureCount }

// confidence blends a smoothed success rate with penalties for
// verification-heavy and failure-heavy history.
func (o Outcome) confidence() float64 {
	n := float64(o.observations())
	if n == 0 {
		return 0.5
	}
	rate := float64(o.SuccessCount) / n
	verifyPenalty := min(float64(o.VerificationFailureCount)/n, 1) * 0.25
	failPenalty := min(o.AvgFailureCount/3, 1) * 0.20
	sample := min(n/10, 1)
	posterior := (float64(o.SuccessCount) + 1) / (n + 2)
	blended := (1-sample)*0.5 + sample*posterior
	return clamp01(blended + rate*0.15 - verifyPenalty - failPenalty)
}

func (o Outcome) nextFocus() string {
	switch {
	case o.LastOutcome == "success":
		return "preserve successful decomposition and keep verification breadth"
	case o.VerificationFailureCount > o.ExecutionFailureCount:
		return "expand verification coverage and map prior failing checks into plan steps"
	case o.ExecutionFailureCount > 0:
		return "reduce plan branching and add explicit recovery checkpoints for execution failures"
	default:
		return "stabilize plan ordering and retain explicit validation gates"
	}
}

// OutcomeStore persists outcomes in .deepseek/objective-outcomes.json.
type OutcomeStore struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewOutcomeStore opens the store for workspace.
func NewOutcomeStore(workspace string) *OutcomeStore {
	return &OutcomeStore{
		path: filepath.Join(core.RuntimeDir(workspace), "objective-outcomes.json"),
		now:  time.Now,
	}
}

type outcomeFile struct {
	Entries []Outcome `json:"entries"`
}

func (s *OutcomeStore) read() ([]Outcome, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, buderr.StorageIO("read_objective_outcomes", err)
	}
	var f outcomeFile
	if err := json.Unmarshal(data, &f); err != nil {
		// Unreadable memory starts over.
		return nil, nil
	}
	return f.Entries, nil
}

func (s *OutcomeStore) write(entries []Outcome) error {
	data, err := json.MarshalIndent(outcomeFile{Entries: entries}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return buderr.StorageIO("write_objective_outcomes", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return buderr.StorageIO("write_objective_outcomes", err)
	}
	return nil
}

// Record folds one finished run into the entry for prompt's goal pattern.
func (s *OutcomeStore) Record(prompt string, steps, failureStreak, verifyFailures int, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.read()
	if err != nil {
		return err
	}
	key := GoalPattern(prompt)
	execFailures := uint64(max(failureStreak-verifyFailures, 0))
	observedFailures := float64(failureStreak + verifyFailures)

	idx := -1
	for i := range entries {
		if entries[i].Key == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		entries = append(entries, Outcome{Key: key, AvgStepCount: float64(steps), AvgFailureCount: observedFailures})
		idx = len(entries) - 1
	} else {
		prior := float64(entries[idx].observations())
		e := &entries[idx]
		e.AvgStepCount = (e.AvgStepCount*prior + float64(steps)) / (prior + 1)
		e.AvgFailureCount = (e.AvgFailureCount*prior + observedFailures) / (prior + 1)
	}

	e := &entries[idx]
	e.GoalExcerpt = excerpt(prompt, 220)
	if success {
		e.SuccessCount++
		e.LastOutcome = "success"
		e.LastFailureSummary = "none"
	} else {
		e.FailureCount++
		e.ExecutionFailureCount += execFailures
		e.VerificationFailureCount += uint64(verifyFailures)
		e.LastOutcome = "failure"
		e.LastFailureSummary = failureSummary(execFailures, uint64(verifyFailures))
	}
	e.NextFocus = e.nextFocus()
	e.Confidence = e.confidence()
	e.UpdatedAt = s.now().UTC().Format(time.RFC3339)

	return s.write(prune(entries))
}

// Matching returns up to limit outcomes whose key or excerpt shares a term
// with prompt's goal pattern, most confident first.
func (s *OutcomeStore) Matching(prompt string, limit int) ([]Outcome, error) {
	s.mu.Lock()
	entries, err := s.read()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	key := GoalPattern(prompt)
	terms := strings.Split(key, "|")
	var out []Outcome
	for _, e := range entries {
		if e.Key == key || containsAny(e.Key, terms...) || containsAny(e.GoalExcerpt, terms...) {
			out = append(out, e)
		}
	}
	sortOutcomes(out)
	return out[:min(len(out), max(limit, 1))], nil
}

func failureSummary(exec, verify uint64) string {
	switch {
	case exec > 0 && verify > 0:
		return "execution_failures=" + itoa(exec) + " verification_failures=" + itoa(verify)
	case verify > 0:
		return "verification_failures=" + itoa(verify)
	default:
		return "execution_failures=" + itoa(exec)
	}
}

func prune(entries []Outcome) []Outcome {
	kept := entries[:0]
	for _, e := range entries {
		if e.observations() >= 4 && e.FailureCount > e.SuccessCount+2 && e.Confidence < 0.30 {
			continue
		}
		kept = append(kept, e)
	}
	sortOutcomes(kept)
	return kept[:min(len(kept), maxOutcomes)]
}

func sortOutcomes(es []Outcome) {
	sort.SliceStable(es, func(i, j int) bool {
		a, b := es[i], es[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.SuccessCount != b.SuccessCount {
			return a.SuccessCount > b.SuccessCount
		}
		if a.FailureCount != b.FailureCount {
			return a.FailureCount < b.FailureCount
		}
		return a.UpdatedAt > b.UpdatedAt
	})
}

func excerpt(s string, n int) string {
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}

func itoa(n uint64) string { return strconv.FormatUint(n, 10) }
