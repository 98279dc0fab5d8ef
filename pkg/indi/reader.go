package indi

import (
	"bytes"
	"errors"
	"io"
)

// DefaultMaxElement bounds how much a single element may buffer before the
// reader gives up on it. Large enough for a full-frame camera capture in
// base64.
const DefaultMaxElement = 64 << 20

// ErrElementTooLarge reports an element that failed to complete within the
// reader's size limit. The buffered bytes are discarded and reading resumes
// at the next tag opener.
var ErrElementTooLarge = errors.New("protocol element exceeds size limit")

// Reader extracts complete top-level protocol elements from a byte stream.
// Input may be split at arbitrary byte boundaries; bytes that cannot begin
// an element are silently discarded, so the reader recovers from partial
// writes and driver chatter without stalling.
type Reader struct {
	r     io.Reader
	buf   []byte
	chunk []byte
	max   int
	err   error // sticky read error, surfaced once the buffer is exhausted
}

// NewReader returns a Reader with the default element size limit.
func NewReader(r io.Reader) *Reader {
	return NewReaderSize(r, DefaultMaxElement)
}

// NewReaderSize returns a Reader that gives up on elements still incomplete
// after max buffered bytes.
func NewReaderSize(r io.Reader, max int) *Reader {
	return &Reader{
		r:     r,
		chunk: make([]byte, 4096),
		max:   max,
	}
}

// Next blocks until one complete element is available and returns its raw
// bytes. It returns ErrElementTooLarge for an element that overflowed the
// limit (reading may continue afterwards) and the underlying read error,
// typically io.EOF, once the stream ends.
func (rd *Reader) Next() ([]byte, error) {
	for {
		if elem := rd.scan(); elem != nil {
			return elem, nil
		}
		if len(rd.buf) > rd.max {
			rd.discardElement()
			return nil, ErrElementTooLarge
		}
		if rd.err != nil {
			return nil, rd.err
		}

		n, err := rd.r.Read(rd.chunk)
		if n > 0 {
			rd.buf = append(rd.buf, rd.chunk[:n]...)
		}
		if err != nil {
			rd.err = err
		}
	}
}

// scan returns the first complete element in the buffer, or nil if more
// input is needed. Leading garbage is dropped as a side effect.
func (rd *Reader) scan() []byte {
	for {
		// Discard everything before the first tag opener.
		i := bytes.IndexByte(rd.buf, '<')
		if i < 0 {
			rd.buf = rd.buf[:0]
			return nil
		}
		if i > 0 {
			rd.buf = rd.buf[i:]
		}

		name, partial := tagName(rd.buf)
		if partial {
			return nil
		}
		if name == nil {
			// Not the start of an element ('</', '<?', junk): skip the
			// opener and rescan.
			rd.buf = rd.buf[1:]
			continue
		}

		gt := findTagEnd(rd.buf)
		if gt < 0 {
			return nil
		}

		var end int
		if rd.buf[gt-1] == '/' {
			end = gt + 1
		} else {
			closing := append(append([]byte("</"), name...), '>')
			ci := bytes.Index(rd.buf, closing)
			if ci < 0 {
				return nil
			}
			end = ci + len(closing)
		}

		elem := append([]byte(nil), rd.buf[:end]...)
		rd.buf = append(rd.buf[:0:0], rd.buf[end:]...)
		return elem
	}
}

// discardElement drops the stuck element at the head of the buffer, keeping
// everything from the next tag opener on.
func (rd *Reader) discardElement() {
	if i := bytes.IndexByte(rd.buf[1:], '<'); i >= 0 {
		rd.buf = append(rd.buf[:0:0], rd.buf[i+1:]...)
		return
	}
	rd.buf = rd.buf[:0]
}

// tagName returns the element name following '<'. A nil name with
// partial=true means the name may continue past the buffered bytes; with
// partial=false the opener does not begin an element.
func tagName(buf []byte) (name []byte, partial bool) {
	for i := 1; i < len(buf); i++ {
		if isNameByte(buf[i], i == 1) {
			continue
		}
		if i == 1 {
			return nil, false
		}
		return buf[1:i], false
	}
	return nil, true
}

func isNameByte(c byte, first bool) bool {
	if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' {
		return true
	}
	return !first && c >= '0' && c <= '9'
}

// findTagEnd returns the index of the '>' terminating the start tag,
// honoring quoted attribute values, or -1 if it is not buffered yet.
func findTagEnd(buf []byte) int {
	var quote byte
	for i, c := range buf {
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '>':
			return i
		}
	}
	return -1
}
