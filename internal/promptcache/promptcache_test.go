package promptcache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/abdul-hamid-achik/codingbuddy/internal/config"
	"github.com/abdul-hamid-achik/codingbuddy/internal/journal"
	"github.com/abdul-hamid-achik/codingbuddy/internal/llm"
)

type fakeRecorder struct {
	mu   sync.Mutex
	rows []journal.ProviderMetric
}

func (f *fakeRecorder) InsertProviderMetric(_ context.Context, m journal.ProviderMetric) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, m)
	return nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "prompt-cache"))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestKey(t *testing.T) {
	a := Key("deepseek", "deepseek-chat", "plan this")
	if len(a) != 64 {
		t.Fatalf("key length = %d, want 64 hex chars", len(a))
	}
	if a != Key("deepseek", "deepseek-chat", "plan this") {
		t.Error("key must be deterministic")
	}
	others := []string{
		Key("deepseek", "deepseek-chat", "plan that"),
		Key("deepseek", "deepseek-reasoner", "plan this"),
		Key("other", "deepseek-chat", "plan this"),
	}
	for _, o := range others {
		if o == a {
			t.Error("distinct inputs must give distinct keys")
		}
	}
}

func TestStore_PutGet(t *testing.T) {
	s := newTestStore(t)
	key := Key("p", "m", "prompt")

	if _, ok, err := s.Get(key); ok || err != nil {
		t.Fatalf("Get() on empty store = %v, %v", ok, err)
	}
	want := &llm.Response{Content: "cached", FinishReason: llm.FinishStop, Model: "m"}
	if err := s.Put(key, want); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.dir, key+".json")); err != nil {
		t.Fatalf("cache file missing: %v", err)
	}

	fresh, err := NewStore(s.dir)
	if err != nil {
		t.Fatal(err)
	}
	defer fresh.Close()
	got, ok, err := fresh.Get(key)
	if err != nil || !ok {
		t.Fatalf("Get() from disk = %v, %v", ok, err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_CorruptEntryIsMiss(t *testing.T) {
	s := newTestStore(t)
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.path("bad"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := s.Get("bad"); ok || err != nil {
		t.Errorf("Get(corrupt) = %v, %v; want miss", ok, err)
	}
}

func TestClient_MissThenHit(t *testing.T) {
	mock := llm.NewScriptedClient(&llm.Response{Content: "plan", FinishReason: llm.FinishStop})
	rec := &fakeRecorder{}
	var events []journal.Kind
	c := NewClient(mock, newTestStore(t), "deepseek",
		WithMetrics(rec), WithEvents(func(k journal.Kind) { events = append(events, k) }))

	req := llm.ChatRequest{Model: "deepseek-chat", Messages: []llm.Message{{Role: llm.RoleUser, Content: "plan"}}}
	for range 2 {
		resp, err := c.Chat(context.Background(), req)
		if err != nil || resp.Content != "plan" {
			t.Fatalf("Chat() = %+v, %v", resp, err)
		}
	}
	if mock.CallCount() != 1 {
		t.Errorf("inner calls = %d, want 1", mock.CallCount())
	}

	key := c.KeyFor(req)
	want := []journal.ProviderMetric{
		{Provider: "deepseek", Model: "deepseek-chat", CacheKey: key, CacheHit: false},
		{Provider: "deepseek", Model: "deepseek-chat", CacheKey: key, CacheHit: true},
	}
	if diff := cmp.Diff(want, rec.rows, cmpopts.IgnoreFields(journal.ProviderMetric{}, "LatencyMS")); diff != "" {
		t.Errorf("metrics mismatch (-want +got):\n%s", diff)
	}
	if rec.rows[1].LatencyMS != 0 {
		t.Errorf("hit latency = %d, want 0", rec.rows[1].LatencyMS)
	}
	if diff := cmp.Diff([]journal.Kind{journal.PromptCacheHit{CacheKey: key, Model: "deepseek-chat"}}, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestClient_ToolCallsNotCached(t *testing.T) {
	mock := llm.NewScriptedClient(&llm.Response{
		FinishReason: llm.FinishToolCalls,
		ToolCalls:    []llm.ToolCall{{ID: "1", Name: "fs_read"}},
	})
	c := NewClient(mock, newTestStore(t), "deepseek")
	req := llm.ChatRequest{Model: "m"}
	for range 2 {
		if _, err := c.Chat(context.Background(), req); err != nil {
			t.Fatal(err)
		}
	}
	if mock.CallCount() != 2 {
		t.Errorf("inner calls = %d, tool-call responses must not be cached", mock.CallCount())
	}
}

func TestClient_StreamReplay(t *testing.T) {
	mock := llm.NewScriptedClient(&llm.Response{Content: "streamed", FinishReason: llm.FinishStop})
	c := NewClient(mock, newTestStore(t), "deepseek")
	req := llm.ChatRequest{Model: "m", System: "s"}

	for range 2 {
		resp, err := llm.Collect(c.ChatStream(context.Background(), req))
		if err != nil || resp.Content != "streamed" {
			t.Fatalf("ChatStream() = %+v, %v", resp, err)
		}
	}
	if mock.CallCount() != 1 {
		t.Errorf("inner calls = %d, want 1", mock.CallCount())
	}
}

func TestOffPeak_InWindow(t *testing.T) {
	tests := []struct {
		name       string
		start, end int
		hour       int
		want       bool
	}{
		{"inside plain", 0, 6, 3, true},
		{"end exclusive", 0, 6, 6, false},
		{"start inclusive", 0, 6, 0, true},
		{"wrap late", 22, 6, 23, true},
		{"wrap early", 22, 6, 5, true},
		{"wrap outside", 22, 6, 12, false},
		{"whole day", 4, 4, 17, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewOffPeak(config.SchedulingConfig{OffPeak: true, OffPeakStartHour: tt.start, OffPeakEndHour: tt.end})
			if got := o.InWindow(tt.hour); got != tt.want {
				t.Errorf("InWindow(%d) = %v, want %v", tt.hour, got, tt.want)
			}
		})
	}
}

func TestOffPeak_Check(t *testing.T) {
	o := NewOffPeak(config.SchedulingConfig{OffPeak: true, OffPeakStartHour: 22, OffPeakEndHour: 6})
	noon := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	kind, deferred := o.Check(noon)
	if !deferred {
		t.Fatal("noon is outside 22-6 and should be flagged")
	}
	want := journal.OffPeakScheduled{Reason: "outside off-peak window", ResumeAfter: "2026-03-10T22:00:00Z"}
	if diff := cmp.Diff(journal.Kind(want), kind); diff != "" {
		t.Errorf("event mismatch (-want +got):\n%s", diff)
	}

	if _, deferred := o.Check(time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)); deferred {
		t.Error("23:00 is inside the window")
	}
	disabled := NewOffPeak(config.SchedulingConfig{OffPeakStartHour: 22, OffPeakEndHour: 6})
	if _, deferred := disabled.Check(noon); deferred {
		t.Error("disabled scheduling never defers")
	}
}

func TestClient_OffPeakOnlyForNonUrgent(t *testing.T) {
	var events []journal.Kind
	c := NewClient(llm.NewMockLLMClient(), newTestStore(t), "deepseek",
		WithEvents(func(k journal.Kind) { events = append(events, k) }),
		WithOffPeak(NewOffPeak(config.SchedulingConfig{OffPeak: true, OffPeakStartHour: 0, OffPeakEndHour: 1})))
	c.now = func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }

	if _, err := c.Chat(context.Background(), llm.ChatRequest{Model: "a"}); err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("urgent call emitted %d events", len(events))
	}
	if _, err := c.Chat(NonUrgent(context.Background()), llm.ChatRequest{Model: "b"}); err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Type() != "OffPeakScheduledV1" {
		t.Errorf("events = %+v, want one OffPeakScheduledV1", events)
	}
}
