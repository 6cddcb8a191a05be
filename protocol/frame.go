package protocol

import (
	"bytes"
	"encoding/binary"
	"strconv"
)

// Frame is one fully-buffered protocol unit.
//
// Text protocol: Line is the status line without its CRLF; Body is the
// data block (without terminator) for VALUE frames, nil otherwise.
//
// Binary protocol: Line is the 24-byte response header; Body is the
// extras+key+value section.
//
// Both slices are copies owned by the receiver; they do not alias the
// reader's internal buffer.
type Frame struct {
	Line []byte
	Body []byte
}

// FrameReader assembles complete frames from arbitrarily-sized byte
// chunks. Feed never blocks: it returns every frame completed by the
// new bytes and buffers any trailing partial frame.
//
// A non-nil error means the stream is desynchronized. The reader is not
// restartable after an error; the connection must be discarded.
type FrameReader interface {
	Feed(p []byte) ([]Frame, error)
}

// textFrameReader assembles CRLF-delimited frames. Two states: scanning
// for a status line, or waiting for a declared-length data block.
type textFrameReader struct {
	buf []byte

	// pendingLine holds the VALUE status line while its body is awaited.
	// nil when scanning for a line.
	pendingLine []byte
	bodyLen     int

	failed bool
}

func newTextFrameReader() *textFrameReader {
	return &textFrameReader{}
}

func (r *textFrameReader) Feed(p []byte) ([]Frame, error) {
	if r.failed {
		return nil, &ProtocolError{Message: "frame reader used after stream desynchronization"}
	}

	r.buf = append(r.buf, p...)

	var frames []Frame
	off := 0
	for {
		if r.pendingLine != nil {
			// Body plus its CRLF terminator must be fully present.
			need := r.bodyLen + 2
			if len(r.buf)-off < need {
				break
			}
			body := r.buf[off : off+r.bodyLen]
			term := r.buf[off+r.bodyLen : off+need]
			if term[0] != '\r' || term[1] != '\n' {
				r.failed = true
				return frames, &ProtocolError{Message: "data block not terminated by CRLF"}
			}
			frames = append(frames, Frame{
				Line: r.pendingLine,
				Body: append([]byte(nil), body...),
			})
			r.pendingLine = nil
			r.bodyLen = 0
			off += need
			continue
		}

		idx := bytes.Index(r.buf[off:], []byte(crlf))
		if idx == -1 {
			if len(r.buf)-off > maxTextLineLength {
				r.failed = true
				return frames, &ProtocolError{Message: "status line exceeds maximum length"}
			}
			break
		}
		line := r.buf[off : off+idx]
		off += idx + 2

		if size, ok, err := valueLineSize(line); err != nil {
			r.failed = true
			return frames, err
		} else if ok {
			r.pendingLine = append([]byte(nil), line...)
			r.bodyLen = size
			continue
		}

		frames = append(frames, Frame{Line: append([]byte(nil), line...)})
	}

	// Retain the unconsumed tail.
	r.buf = append(r.buf[:0], r.buf[off:]...)
	return frames, nil
}

// valueLineSize reports whether line is a VALUE status line and, if so,
// the declared data block size.
// Format: VALUE <key> <flags> <bytes> [<cas>]
func valueLineSize(line []byte) (size int, ok bool, err error) {
	if !bytes.HasPrefix(line, []byte(tokValue+" ")) {
		return 0, false, nil
	}
	fields := bytes.Fields(line)
	if len(fields) != 4 && len(fields) != 5 {
		return 0, false, &ProtocolError{Message: "malformed VALUE line: " + string(line)}
	}
	size, aerr := strconv.Atoi(string(fields[3]))
	if aerr != nil || size < 0 {
		return 0, false, &ProtocolError{Message: "invalid byte count in VALUE line: " + string(line)}
	}
	return size, true, nil
}

// binaryFrameReader assembles fixed-header binary packets. Two states:
// waiting for the 24-byte header, or waiting for the declared body.
type binaryFrameReader struct {
	buf         []byte
	maxBodySize int
	failed      bool
}

func newBinaryFrameReader(maxBodySize int) *binaryFrameReader {
	return &binaryFrameReader{maxBodySize: maxBodySize}
}

func (r *binaryFrameReader) Feed(p []byte) ([]Frame, error) {
	if r.failed {
		return nil, &ProtocolError{Message: "frame reader used after stream desynchronization"}
	}

	r.buf = append(r.buf, p...)

	var frames []Frame
	off := 0
	for len(r.buf)-off >= binHeaderSize {
		header := r.buf[off : off+binHeaderSize]
		if header[0] != magicResponse {
			r.failed = true
			return frames, &ProtocolError{
				Message: "invalid response magic byte 0x" + strconv.FormatUint(uint64(header[0]), 16),
			}
		}
		bodyLen := int(binary.BigEndian.Uint32(header[8:12]))
		if bodyLen > r.maxBodySize {
			r.failed = true
			return frames, &ProtocolError{
				Message: "declared body of " + strconv.Itoa(bodyLen) + " bytes exceeds maximum",
			}
		}
		if len(r.buf)-off < binHeaderSize+bodyLen {
			break
		}
		frames = append(frames, Frame{
			Line: append([]byte(nil), header...),
			Body: append([]byte(nil), r.buf[off+binHeaderSize:off+binHeaderSize+bodyLen]...),
		})
		off += binHeaderSize + bodyLen
	}

	r.buf = append(r.buf[:0], r.buf[off:]...)
	return frames, nil
}
