// Package sse implements the client side of the SimCloud push-event feed: a
// wire-format decoder for text/event-stream responses and a reconnecting
// stream that runs a single receive loop for the lifetime of the owning
// client.
package sse

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
	"time"
)

// DefaultMaxLineBytes caps the size of a single wire-format line.
const DefaultMaxLineBytes = 1 << 20

// ErrLineTooLong indicates a wire-format line over the configured limit.
var ErrLineTooLong = errors.New("sse line exceeds max bytes")

// Event is one decoded server-sent event.
type Event struct {
	// ID is the event identifier, used as the resumption cursor. Empty if
	// the event carried no id field.
	ID string

	// Name is the event type from the "event:" field, if any.
	Name string

	// Data is the payload, with multi-line data joined by newlines.
	Data []byte

	// Retry is the server's reconnection delay hint, zero if unset.
	Retry time.Duration
}

// Decoder reads server-sent events from a byte stream. It performs no
// buffering beyond one event: events are decoded lazily as Next is called.
type Decoder struct {
	r            *bufio.Reader
	maxLineBytes int
}

// NewDecoder creates a decoder over r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r), maxLineBytes: DefaultMaxLineBytes}
}

// SetMaxLineBytes overrides the per-line size limit. Non-positive restores
// the default.
func (d *Decoder) SetMaxLineBytes(n int) {
	if n <= 0 {
		d.maxLineBytes = DefaultMaxLineBytes
		return
	}
	d.maxLineBytes = n
}

// Next decodes the next event. It returns io.EOF when the stream ends
// cleanly and the underlying read error otherwise. Comment lines and empty
// events (keepalives) are skipped.
func (d *Decoder) Next() (Event, error) {
	var (
		ev      Event
		data    [][]byte
		hasAny  bool
		hasData bool
	)

	for {
		line, err := readLineLimited(d.r, d.maxLineBytes)
		if err != nil {
			// A partial event at EOF is discarded: without its terminating
			// blank line it may have been truncated mid-write.
			return Event{}, err
		}

		if len(line) == 0 {
			if !hasAny {
				continue
			}
			if hasData {
				ev.Data = bytes.Join(data, []byte("\n"))
			}
			return ev, nil
		}
		if line[0] == ':' {
			continue
		}

		field, value := splitField(line)
		switch field {
		case "data":
			data = append(data, value)
			hasAny = true
			hasData = true
		case "id":
			// Ids containing NUL are ignored per the event-stream format.
			if !bytes.ContainsRune(value, 0) {
				ev.ID = string(value)
				hasAny = true
			}
		case "event":
			ev.Name = string(value)
			hasAny = true
		case "retry":
			ms, err := strconv.Atoi(string(value))
			if err == nil && ms >= 0 {
				ev.Retry = time.Duration(ms) * time.Millisecond
				hasAny = true
			}
		default:
			// Unknown fields are ignored for forward compatibility.
		}
	}
}

// splitField splits "field: value", trimming the single optional space
// after the colon. A line without a colon is a field with an empty value.
func splitField(line []byte) (string, []byte) {
	field, value, found := bytes.Cut(line, []byte(":"))
	if !found {
		return string(line), nil
	}
	value = bytes.TrimPrefix(value, []byte(" "))
	return string(field), value
}

func readLineLimited(r *bufio.Reader, maxBytes int) ([]byte, error) {
	var out []byte
	for {
		frag, err := r.ReadSlice('\n')
		out = append(out, frag...)
		if len(out) > maxBytes {
			return nil, ErrLineTooLong
		}
		if err == nil {
			out = bytes.TrimSuffix(out, []byte("\n"))
			out = bytes.TrimSuffix(out, []byte("\r"))
			return out, nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return nil, err
	}
}
