package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"go.uber.org/goleak"
)

type fakeStream struct {
	events []anthropic.MessageStreamEventUnion
	err    error
	// block, when set, stalls Next until it is closed.
	block chan struct{}
	pos   int
}

func (f *fakeStream) Next() bool {
	if f.block != nil {
		<-f.block
		return false
	}
	if f.pos >= len(f.events) {
		return false
	}
	f.pos++
	return true
}

func (f *fakeStream) Current() anthropic.MessageStreamEventUnion { return f.events[f.pos-1] }
func (f *fakeStream) Err() error                                 { return f.err }

func TestIdleReader(t *testing.T) {
	defer goleak.VerifyNone(t)

	streamErr := errors.New("connection reset")
	tests := []struct {
		name      string
		stream    *fakeStream
		wantTypes []string
		wantErr   error
	}{
		{
			name: "reads to the end",
			stream: &fakeStream{events: []anthropic.MessageStreamEventUnion{
				{Type: "message_start"}, {Type: "message_stop"},
			}},
			wantTypes: []string{"message_start", "message_stop"},
		},
		{
			name:      "surfaces the stream error at the end",
			stream:    &fakeStream{events: []anthropic.MessageStreamEventUnion{{Type: "ping"}}, err: streamErr},
			wantTypes: []string{"ping"},
			wantErr:   streamErr,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newIdleReader(context.Background(), tt.stream, time.Second)
			var got []string
			for {
				ev, more, err := r.next()
				if err != nil {
					if !errors.Is(err, tt.wantErr) {
						t.Fatalf("next() error = %v, want %v", err, tt.wantErr)
					}
					break
				}
				if !more {
					if tt.wantErr != nil {
						t.Fatalf("stream ended without error, want %v", tt.wantErr)
					}
					break
				}
				got = append(got, ev.Type)
			}
			if len(got) != len(tt.wantTypes) {
				t.Fatalf("events = %v, want %v", got, tt.wantTypes)
			}
			for i := range got {
				if got[i] != tt.wantTypes[i] {
					t.Errorf("event %d = %q, want %q", i, got[i], tt.wantTypes[i])
				}
			}
		})
	}
}

func TestIdleReader_Timeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	stream := &fakeStream{block: make(chan struct{})}
	r := newIdleReader(context.Background(), stream, 20*time.Millisecond)
	if _, _, err := r.next(); !errors.Is(err, ErrChunkTimeout) {
		t.Fatalf("next() error = %v, want ErrChunkTimeout", err)
	}
	// Closing the stream lets the reader finish.
	close(stream.block)
	if _, more, err := r.next(); more || err != nil {
		t.Errorf("next() after close = more %v, err %v", more, err)
	}
}

func TestIdleReader_ContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	stream := &fakeStream{block: make(chan struct{})}
	r := newIdleReader(ctx, stream, time.Minute)
	cancel()
	if _, _, err := r.next(); !errors.Is(err, context.Canceled) {
		t.Fatalf("next() error = %v, want context.Canceled", err)
	}
	close(stream.block)
}
