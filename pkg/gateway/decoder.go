package gateway

import (
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"llmgate/internal/sse"
)

// FrameSource yields raw SSE frames. It returns io.EOF when exhausted.
type FrameSource interface {
	Next() (*sse.Event, error)
}

// Decoder turns SSE frames into DeltaChunks. It has two states, active and
// finished; the transition happens on end of input or the [DONE] sentinel
// and is irreversible. Frames that carry no data or that fail to decode are
// skipped. A Decoder is not safe for concurrent use.
type Decoder struct {
	src      FrameSource
	body     io.Closer
	finished bool
	err      error

	idle     time.Duration
	timer    *time.Timer
	timedOut chan struct{}
	fireOnce sync.Once
	once     sync.Once
}

// NewDecoder creates a Decoder reading frames from src. body, if non-nil, is
// closed by Close and when an idle timeout fires.
func NewDecoder(src FrameSource, body io.Closer) *Decoder {
	return &Decoder{src: src, body: body}
}

// NewStreamDecoder creates a Decoder over an SSE byte stream.
func NewStreamDecoder(r io.ReadCloser) *Decoder {
	return NewDecoder(sse.NewReader(r), r)
}

// setIdleTimeout installs a watchdog that closes the body when a single read
// waits longer than d. The watchdog only runs while Next is blocked on the
// source, never while the caller holds a chunk. The failed read then
// finishes the decoder with a timeout error.
func (d *Decoder) setIdleTimeout(dur time.Duration) {
	if dur <= 0 || d.body == nil {
		return
	}
	d.idle = dur
	d.timedOut = make(chan struct{})
	d.timer = time.AfterFunc(dur, func() {
		// A Reset racing with expiry can fire the timer twice.
		d.fireOnce.Do(func() {
			close(d.timedOut)
			d.body.Close()
		})
	})
	d.timer.Stop()
}

// read pulls one frame with the watchdog armed.
func (d *Decoder) read() (*sse.Event, error) {
	if d.timer == nil {
		return d.src.Next()
	}
	d.timer.Reset(d.idle)
	ev, err := d.src.Next()
	d.timer.Stop()
	return ev, err
}

// Next returns the next decoded chunk. The boolean is false at end of
// stream; every later call also returns false.
func (d *Decoder) Next() (DeltaChunk, bool) {
	for !d.finished {
		ev, err := d.read()
		if err != nil {
			d.finish(err)
			break
		}

		data := strings.TrimSpace(ev.Data)
		if data == streamDoneSentinel {
			d.finish(nil)
			break
		}
		if data == "" {
			continue
		}
		if !gjson.Valid(data) {
			continue
		}
		var chunk DeltaChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		return chunk, true
	}
	return DeltaChunk{}, false
}

func (d *Decoder) finish(err error) {
	d.finished = true
	if d.timer != nil {
		d.timer.Stop()
	}
	if err == nil || errors.Is(err, io.EOF) {
		return
	}
	select {
	case <-d.timedOut:
		d.err = NewTimeoutError("no stream data within "+d.idle.String(), err)
	default:
		d.err = NewNetworkError("read stream", err)
	}
}

// Finished reports whether the decoder reached the end of the stream.
func (d *Decoder) Finished() bool { return d.finished }

// Err returns the read error that ended the stream, if any. A normal end
// (EOF or [DONE]) yields nil.
func (d *Decoder) Err() error { return d.err }

// Close releases the underlying body. It is safe to call more than once.
func (d *Decoder) Close() error {
	var err error
	d.once.Do(func() {
		if d.timer != nil {
			d.timer.Stop()
		}
		if d.body != nil {
			err = d.body.Close()
		}
	})
	return err
}

// Each calls fn for every remaining chunk until the stream ends or fn
// returns false.
func (d *Decoder) Each(fn func(DeltaChunk) bool) {
	for {
		chunk, ok := d.Next()
		if !ok || !fn(chunk) {
			return
		}
	}
}

// CollectChunks drains the stream and returns every chunk in order.
func (d *Decoder) CollectChunks() []DeltaChunk {
	var chunks []DeltaChunk
	d.Each(func(c DeltaChunk) bool {
		chunks = append(chunks, c)
		return true
	})
	return chunks
}

// CollectText drains the stream and returns the concatenated text.
func (d *Decoder) CollectText() string {
	return joinText(d.CollectChunks())
}

// CollectState drains the stream and returns the merged state.
func (d *Decoder) CollectState() *StreamState {
	state := &StreamState{}
	d.Each(func(c DeltaChunk) bool {
		state.Merge(c)
		return true
	})
	return state
}
