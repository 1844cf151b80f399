package sse

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, raw string) []Event {
	t.Helper()
	r := NewReader(strings.NewReader(raw))
	var events []Event
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return events
		}
		require.NoError(t, err)
		events = append(events, *ev)
	}
}

func TestReaderBasicFrames(t *testing.T) {
	raw := "data: {\"a\":1}\n\ndata: [DONE]\n\n"
	events := readAll(t, raw)

	require.Len(t, events, 2)
	assert.Equal(t, `{"a":1}`, events[0].Data)
	assert.Equal(t, "[DONE]", events[1].Data)
}

func TestReaderEventAndID(t *testing.T) {
	raw := "event: message\nid: 7\ndata: hello\n\n"
	events := readAll(t, raw)

	require.Len(t, events, 1)
	assert.Equal(t, "message", events[0].Type)
	assert.Equal(t, "7", events[0].ID)
	assert.Equal(t, "hello", events[0].Data)
}

func TestReaderMultiLineData(t *testing.T) {
	raw := "data: line1\ndata: line2\n\n"
	events := readAll(t, raw)

	require.Len(t, events, 1)
	assert.Equal(t, "line1\nline2", events[0].Data)
}

func TestReaderSkipsComments(t *testing.T) {
	raw := ": OPENROUTER PROCESSING\n\n: keep-alive\ndata: x\n\n"
	events := readAll(t, raw)

	require.Len(t, events, 1)
	assert.Equal(t, "x", events[0].Data)
}

func TestReaderUnterminatedFinalFrame(t *testing.T) {
	events := readAll(t, "data: tail")

	require.Len(t, events, 1)
	assert.Equal(t, "tail", events[0].Data)
}

func TestReaderEmptyDataFrame(t *testing.T) {
	events := readAll(t, "data:\n\n")

	require.Len(t, events, 1)
	assert.Equal(t, "", events[0].Data)
}

func TestReaderCRLF(t *testing.T) {
	events := readAll(t, "data: a\r\n\r\ndata: b\r\n\r\n")

	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].Data)
	assert.Equal(t, "b", events[1].Data)
}

func TestSplitField(t *testing.T) {
	tests := []struct {
		line  string
		field string
		value string
	}{
		{"data: x", "data", "x"},
		{"data:x", "data", "x"},
		{"data:  x", "data", " x"},
		{"event", "event", ""},
	}
	for _, tt := range tests {
		f, v := splitField(tt.line)
		assert.Equal(t, tt.field, f, tt.line)
		assert.Equal(t, tt.value, v, tt.line)
	}
}

func TestReaderDropsOversizedFrame(t *testing.T) {
	huge := strings.Repeat("x", 2*DefaultMaxLineSize)
	raw := "data: " + huge + "\n\ndata: after\n\n"

	r := NewReader(strings.NewReader(raw))
	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "after", ev.Data)
	assert.Equal(t, 1, r.Dropped())

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderLineLimit(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    []string
		dropped int
	}{
		{
			name: "line at the limit is kept",
			raw:  "data: " + strings.Repeat("a", 10) + "\n\n",
			want: []string{strings.Repeat("a", 10)},
		},
		{
			name:    "long continuation line drops the whole frame",
			raw:     "data: first\ndata: " + strings.Repeat("b", 40) + "\n\ndata: next\n\n",
			want:    []string{"next"},
			dropped: 1,
		},
		{
			name:    "oversized unterminated tail",
			raw:     "data: ok\n\ndata: " + strings.Repeat("c", 40),
			want:    []string{"ok"},
			dropped: 1,
		},
		{
			name: "crlf terminator does not count",
			raw:  "data: " + strings.Repeat("d", 10) + "\r\n\r\n",
			want: []string{strings.Repeat("d", 10)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReaderSize(strings.NewReader(tt.raw), 16)
			var got []string
			for {
				ev, err := r.Next()
				if errors.Is(err, io.EOF) {
					break
				}
				require.NoError(t, err)
				got = append(got, ev.Data)
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.dropped, r.Dropped())
		})
	}
}
