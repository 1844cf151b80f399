package gateway

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultStreamBuffer = 16

// StreamUpdate is one step of a watched stream: the chunk just merged, the
// text it added and a snapshot of the state after merging it.
type StreamUpdate struct {
	Chunk DeltaChunk
	Text  string
	State StreamState
}

// Watcher pushes the chunks of a Decoder to a channel from a background
// goroutine. It owns the decoder and closes it when the pump exits.
type Watcher struct {
	updates  chan StreamUpdate
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	canceled atomic.Bool

	state StreamState
	err   error
}

// Watch starts draining dec. Updates are delivered in arrival order; the
// channel is closed when the stream ends, ctx is done or Cancel is called.
// A buffer <= 0 uses the default of 16.
func Watch(ctx context.Context, dec *Decoder, buffer int) *Watcher {
	if buffer <= 0 {
		buffer = defaultStreamBuffer
	}
	w := &Watcher{
		updates: make(chan StreamUpdate, buffer),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
	go w.pump(ctx, dec)
	return w
}

func (w *Watcher) pump(ctx context.Context, dec *Decoder) {
	defer close(w.done)
	defer close(w.updates)
	defer dec.Close()

	var state StreamState
	defer func() { w.state = state }()

	for !w.stopped(ctx) {
		chunk, ok := dec.Next()
		if !ok {
			w.err = dec.Err()
			return
		}
		// Cancellation may have happened while blocked on the read.
		if w.stopped(ctx) {
			break
		}

		state.Merge(chunk)
		update := StreamUpdate{
			Chunk: chunk,
			Text:  chunk.Text(),
			State: state.snapshot(),
		}
		select {
		case w.updates <- update:
		case <-w.stop:
			return
		case <-ctx.Done():
			w.err = contextError(ctx.Err())
			return
		}
	}
	if err := ctx.Err(); err != nil && !w.canceled.Load() {
		w.err = contextError(err)
	}
}

func (w *Watcher) stopped(ctx context.Context) bool {
	return w.canceled.Load() || ctx.Err() != nil
}

// Updates returns the update channel. Consumers must drain it or call
// Cancel, otherwise the pump blocks once the buffer is full.
func (w *Watcher) Updates() <-chan StreamUpdate { return w.updates }

// Cancel stops the pump. No update is produced after Cancel returns except
// one that was already in the buffer. The stream is closed once the pump
// notices the flag, which may be after an in-flight read completes.
func (w *Watcher) Cancel() {
	w.canceled.Store(true)
	w.stopOnce.Do(func() { close(w.stop) })
}

// Canceled reports whether Cancel was called.
func (w *Watcher) Canceled() bool { return w.canceled.Load() }

// Done is closed when the pump has exited.
func (w *Watcher) Done() <-chan struct{} { return w.done }

// Result waits for the pump to exit and returns the merged state together
// with the error that ended the stream. A normal end or Cancel yields a nil
// error; a done context yields a timeout or network error.
func (w *Watcher) Result() (StreamState, error) {
	<-w.done
	return w.state, w.err
}

// snapshot returns a copy of s that shares nothing mutable with it.
func (s *StreamState) snapshot() StreamState {
	out := *s
	if s.ToolCalls != nil {
		out.ToolCalls = make([]ToolCallAccumulator, len(s.ToolCalls))
		copy(out.ToolCalls, s.ToolCalls)
	}
	if s.Usage != nil {
		u := *s.Usage
		out.Usage = &u
	}
	return out
}
