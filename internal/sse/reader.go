// Package sse reads Server-Sent Events frames from an HTTP response body.
package sse

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// DefaultMaxLineSize bounds a single SSE line when no limit is given.
const DefaultMaxLineSize = 1024 * 1024

const readBufferSize = 64 * 1024

// Event is a single dispatched SSE frame.
type Event struct {
	Type string
	Data string
	ID   string
}

// Reader parses Server-Sent Events from an io.Reader.
//
// A line longer than the limit does not end the stream: the rest of the
// line is discarded and the frame it belongs to is dropped at the next
// blank line. Later frames are read normally.
type Reader struct {
	br      *bufio.Reader
	maxLine int
	dropped int
}

// NewReader creates a Reader over r with DefaultMaxLineSize.
func NewReader(r io.Reader) *Reader {
	return NewReaderSize(r, DefaultMaxLineSize)
}

// NewReaderSize creates a Reader over r that drops frames containing a line
// longer than maxLine bytes.
func NewReaderSize(r io.Reader, maxLine int) *Reader {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineSize
	}
	return &Reader{
		br:      bufio.NewReaderSize(r, readBufferSize),
		maxLine: maxLine,
	}
}

// Dropped returns how many frames were discarded for exceeding the line limit.
func (r *Reader) Dropped() int { return r.dropped }

// Next reads and returns the next event. It returns nil, io.EOF once the
// underlying reader is exhausted and no partial frame is pending. A frame
// that is not terminated by a blank line before EOF is still dispatched.
func (r *Reader) Next() (*Event, error) {
	var ev Event
	var data []string
	var pending, oversized bool

	for {
		line, tooLong, err := r.readLine()
		if errors.Is(err, io.EOF) {
			if oversized {
				r.dropped++
			} else if pending {
				ev.Data = strings.Join(data, "\n")
				return &ev, nil
			}
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}

		if tooLong {
			oversized = true
			continue
		}

		if line == "" {
			if oversized {
				r.dropped++
				ev, data, pending, oversized = Event{}, nil, false, false
				continue
			}
			if pending {
				ev.Data = strings.Join(data, "\n")
				return &ev, nil
			}
			continue
		}

		// Comment line (keep-alive).
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := splitField(line)
		switch field {
		case "event":
			ev.Type = value
			pending = true
		case "data":
			data = append(data, value)
			pending = true
		case "id":
			ev.ID = value
			pending = true
		}
	}
}

// readLine returns the next line without its LF or CRLF terminator. When
// the line exceeds maxLine it is consumed to its end and tooLong is set.
// An unterminated final line is returned with a nil error; io.EOF follows.
func (r *Reader) readLine() (string, bool, error) {
	var buf []byte
	var tooLong bool
	for {
		chunk, err := r.br.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(chunk) > r.maxLine+len("\r\n") {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}

		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(buf) == 0 && !tooLong {
				return "", false, io.EOF
			}
		case err != nil:
			return "", false, err
		}

		if tooLong {
			return "", true, nil
		}
		s := strings.TrimSuffix(string(buf), "\n")
		return strings.TrimSuffix(s, "\r"), false, nil
	}
}

// splitField splits "field: value" and strips one optional space after the colon.
func splitField(line string) (string, string) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return line, ""
	}
	value := line[idx+1:]
	if strings.HasPrefix(value, " ") {
		value = value[1:]
	}
	return line[:idx], value
}
