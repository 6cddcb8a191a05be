package protocol

// Variant selects the wire protocol spoken by a codec.
// The choice is made at construction time; a codec never inspects
// response bytes to guess the protocol.
type Variant int

const (
	// TextProtocol is the classic CRLF-delimited ASCII protocol.
	TextProtocol Variant = iota

	// BinaryProtocol is the 24-byte-header binary protocol.
	BinaryProtocol
)

func (v Variant) String() string {
	switch v {
	case TextProtocol:
		return "text"
	case BinaryProtocol:
		return "binary"
	default:
		return "unknown"
	}
}

// Protocol limits
const (
	// MaxKeyLength is the maximum key length in bytes.
	// Keys exceeding this are rejected client-side before any I/O.
	MaxKeyLength = 250

	// MinKeyLength is the minimum key length in bytes.
	MinKeyLength = 1

	// DefaultMaxValueSize is the default maximum value size.
	// Matches the memcached default; configurable per codec since the
	// server limit is tunable (-I flag).
	DefaultMaxValueSize = 1024 * 1024 // 1 MB

	// maxTextLineLength bounds a single text status line. A well-formed
	// status line never comes close; exceeding it means the stream is
	// desynchronized.
	maxTextLineLength = 8192
)

// Text protocol tokens, as named in memcached's doc/protocol.txt.
const (
	crlf = "\r\n"

	tokStored    = "STORED"
	tokNotStored = "NOT_STORED"
	tokExists    = "EXISTS"
	tokNotFound  = "NOT_FOUND"
	tokDeleted   = "DELETED"
	tokTouched   = "TOUCHED"
	tokOk        = "OK"
	tokEnd       = "END"
	tokValue     = "VALUE"
	tokStat      = "STAT"
	tokVersion   = "VERSION"

	tokError       = "ERROR"
	tokClientError = "CLIENT_ERROR"
	tokServerError = "SERVER_ERROR"
)

// Binary protocol framing
const (
	binHeaderSize = 24

	magicRequest  = 0x80
	magicResponse = 0x81
)

// Binary protocol opcodes
const (
	opGet       = 0x00
	opSet       = 0x01
	opAdd       = 0x02
	opReplace   = 0x03
	opDelete    = 0x04
	opIncrement = 0x05
	opDecrement = 0x06
	opFlush     = 0x08
	opNoop      = 0x0a
	opVersion   = 0x0b
	opAppend    = 0x0e
	opPrepend   = 0x0f
	opStat      = 0x10
	opTouch     = 0x1c
)

// Binary protocol response status codes
const (
	statusSuccess        = 0x0000
	statusKeyNotFound    = 0x0001
	statusKeyExists      = 0x0002
	statusValueTooLarge  = 0x0003
	statusInvalidArgs    = 0x0004
	statusNotStored      = 0x0005
	statusBadDelta       = 0x0006
	statusAuthError      = 0x0020
	statusUnknownCommand = 0x0081
	statusOutOfMemory    = 0x0082
)

// noCreateExpiration in a binary incr/decr request tells the server not
// to auto-create a missing counter, matching the text protocol semantics.
const noCreateExpiration = 0xffffffff
