package capture

import (
	"bytes"
	"strings"
)

// MaxFrameSize bounds a pending frame. Scanners emit short lines; a frame
// longer than this is line noise and is discarded up to its terminator.
const MaxFrameSize = 64 * 1024

// Framer turns a byte stream into terminator-delimited payloads. Each \r or
// \n ends the pending frame, so the output does not depend on how the stream
// was split into chunks. Not safe for concurrent use; each listener owns one.
type Framer struct {
	pending    []byte
	discarding bool // the current frame overflowed; drop bytes until a terminator
	overflows  int64
}

// NewFramer creates an empty Framer
func NewFramer() *Framer {
	return &Framer{}
}

// Feed appends chunk and returns the payloads it completed, in order.
// Payloads are trimmed of surrounding whitespace; empty ones are dropped so
// a \r\n pair yields a single record. Invalid UTF-8 is replaced with U+FFFD.
func (f *Framer) Feed(chunk []byte) []string {
	var out []string

	for len(chunk) > 0 {
		i := bytes.IndexAny(chunk, "\r\n")
		if i < 0 {
			f.appendPending(chunk)
			break
		}

		f.appendPending(chunk[:i])
		if f.discarding {
			f.discarding = false
		} else if payload := f.flush(); payload != "" {
			out = append(out, payload)
		}
		chunk = chunk[i+1:]
	}

	return out
}

// Pending returns the number of buffered bytes awaiting a terminator
func (f *Framer) Pending() int {
	return len(f.pending)
}

// Overflows returns how many oversized frames were discarded
func (f *Framer) Overflows() int64 {
	return f.overflows
}

// Reset discards any partial frame
func (f *Framer) Reset() {
	f.pending = f.pending[:0]
	f.discarding = false
}

// appendPending adds b to the current frame. The first byte past
// MaxFrameSize counts one overflow and drops the whole frame.
func (f *Framer) appendPending(b []byte) {
	if f.discarding {
		return
	}
	if len(f.pending)+len(b) <= MaxFrameSize {
		f.pending = append(f.pending, b...)
		return
	}

	f.overflows++
	f.discarding = true
	f.pending = f.pending[:0]
}

func (f *Framer) flush() string {
	if len(f.pending) == 0 {
		return ""
	}
	payload := strings.TrimSpace(strings.ToValidUTF8(string(f.pending), "\uFFFD"))
	f.pending = f.pending[:0]
	return payload
}
