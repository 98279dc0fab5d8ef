package picolink

import (
	"bytes"
	"fmt"
	"io"

	"github.com/sigurn/crc16"
)

const (
	frameMarker = 0xA5
	headerSize  = 3 // marker, code, length
	crcSize     = 2
	maxPayload  = 255
)

var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

type frame struct {
	Code    byte
	Payload []byte
}

func encodeFrame(f frame) ([]byte, error) {
	if f.Code == 0 || f.Code == 0xFF {
		return nil, fmt.Errorf("reserved frame code %d", f.Code)
	}
	if len(f.Payload) > maxPayload {
		return nil, fmt.Errorf("payload too large: %d bytes", len(f.Payload))
	}
	buf := make([]byte, 0, headerSize+len(f.Payload)+crcSize)
	buf = append(buf, frameMarker, f.Code, byte(len(f.Payload)))
	buf = append(buf, f.Payload...)
	sum := crc16.Checksum(buf[1:], crcTable)
	return append(buf, byte(sum>>8), byte(sum)), nil
}

// frameReader extracts frames from a serial byte stream, skipping noise and
// resynchronizing on the next marker after a checksum failure.
type frameReader struct {
	r   io.Reader
	buf []byte
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: r}
}

// Next blocks until a complete valid frame arrives or the stream fails.
func (fr *frameReader) Next() (frame, error) {
	for {
		if f, ok := fr.scan(); ok {
			return f, nil
		}
		chunk := make([]byte, 256)
		n, err := fr.r.Read(chunk)
		if n > 0 {
			fr.buf = append(fr.buf, chunk[:n]...)
			continue
		}
		if err != nil {
			return frame{}, err
		}
	}
}

func (fr *frameReader) scan() (frame, bool) {
	for {
		start := bytes.IndexByte(fr.buf, frameMarker)
		if start < 0 {
			fr.buf = fr.buf[:0]
			return frame{}, false
		}
		if start > 0 {
			fr.buf = append(fr.buf[:0], fr.buf[start:]...)
		}
		if len(fr.buf) < headerSize {
			return frame{}, false
		}

		n := int(fr.buf[2])
		total := headerSize + n + crcSize
		if len(fr.buf) < total {
			return frame{}, false
		}

		code := fr.buf[1]
		want := uint16(fr.buf[total-2])<<8 | uint16(fr.buf[total-1])
		if code == 0 || code == 0xFF || crc16.Checksum(fr.buf[1:headerSize+n], crcTable) != want {
			// Drop the marker byte and hunt for the next one.
			crcErrors.Inc()
			resyncs.Inc()
			fr.buf = append(fr.buf[:0], fr.buf[1:]...)
			continue
		}

		f := frame{
			Code:    code,
			Payload: append([]byte(nil), fr.buf[headerSize:headerSize+n]...),
		}
		fr.buf = append(fr.buf[:0], fr.buf[total:]...)
		return f, true
	}
}
