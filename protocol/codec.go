package protocol

// Codec serializes commands and deserializes frames for one protocol
// variant. Implementations are pure and stateless: they own no I/O and
// are safe for concurrent use.
type Codec interface {
	// Encode serializes the command into wire bytes. It fails only when
	// the command violates protocol constraints (ValidationError); no
	// partial output is ever produced.
	Encode(cmd *Command) ([]byte, error)

	// Decode interprets one complete frame as a response to a command of
	// the given type. The originating type is required because text
	// status lines are ambiguous on their own (a bare number is only a
	// counter reply for incr/decr). Unrecognized frames yield a
	// ProtocolError.
	Decode(fr *Frame, kind CommandType) (*Response, error)

	// NewFrameReader returns a fresh frame assembler for one connection.
	NewFrameReader() FrameReader

	// Variant reports the protocol variant this codec speaks.
	Variant() Variant
}

// NewCodec returns a codec for the given protocol variant.
// maxValueSize bounds storage payloads; zero selects the memcached
// default of 1 MB.
func NewCodec(v Variant, maxValueSize int) Codec {
	if maxValueSize <= 0 {
		maxValueSize = DefaultMaxValueSize
	}
	switch v {
	case BinaryProtocol:
		return &binaryCodec{maxValueSize: maxValueSize}
	default:
		return &textCodec{maxValueSize: maxValueSize}
	}
}
