package llm

import (
	"context"
	"errors"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// ErrChunkTimeout is returned when the provider goes quiet mid-stream.
var ErrChunkTimeout = errors.New("stream chunk timeout: no data received")

// eventStream is the part of ssestream.Stream the reader needs.
type eventStream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}

var _ eventStream = (*ssestream.Stream[anthropic.MessageStreamEventUnion])(nil)

type streamEvent struct {
	event anthropic.MessageStreamEventUnion
	more  bool
}

// idleReader pulls SSE events on its own goroutine so a read can give up
// when ctx ends or no event arrives within idle. The goroutine exits once
// the stream ends or ctx is done; closing the stream unblocks it.
type idleReader struct {
	ctx    context.Context
	stream eventStream
	idle   time.Duration
	events chan streamEvent
	once   bool
}

func newIdleReader(ctx context.Context, stream eventStream, idle time.Duration) *idleReader {
	if idle <= 0 {
		idle = defaultChunkTimeout
	}
	return &idleReader{ctx: ctx, stream: stream, idle: idle, events: make(chan streamEvent, 1)}
}

func (r *idleReader) pump() {
	for {
		ev := streamEvent{more: r.stream.Next()}
		if ev.more {
			ev.event = r.stream.Current()
		}
		select {
		case r.events <- ev:
		case <-r.ctx.Done():
			return
		}
		if !ev.more {
			return
		}
	}
}

// next returns the next event. more is false with a nil error at the
// normal end of the stream.
func (r *idleReader) next() (ev anthropic.MessageStreamEventUnion, more bool, err error) {
	if !r.once {
		r.once = true
		go r.pump()
	}
	timer := time.NewTimer(r.idle)
	defer timer.Stop()

	select {
	case got := <-r.events:
		if !got.more {
			return ev, false, r.stream.Err()
		}
		return got.event, true, nil
	case <-r.ctx.Done():
		return ev, false, r.ctx.Err()
	case <-timer.C:
		return ev, false, ErrChunkTimeout
	}
}
