package protocol

import (
	"fmt"
)

// CommandType identifies a protocol operation.
type CommandType uint8

const (
	CmdGet CommandType = iota + 1
	CmdGets
	CmdSet
	CmdAdd
	CmdReplace
	CmdAppend
	CmdPrepend
	CmdCompareSwap
	CmdDelete
	CmdIncrement
	CmdDecrement
	CmdTouch
	CmdFlush
	CmdStats
	CmdVersion
	CmdNoop
)

var commandNames = map[CommandType]string{
	CmdGet:         "get",
	CmdGets:        "gets",
	CmdSet:         "set",
	CmdAdd:         "add",
	CmdReplace:     "replace",
	CmdAppend:      "append",
	CmdPrepend:     "prepend",
	CmdCompareSwap: "cas",
	CmdDelete:      "delete",
	CmdIncrement:   "incr",
	CmdDecrement:   "decr",
	CmdTouch:       "touch",
	CmdFlush:       "flush_all",
	CmdStats:       "stats",
	CmdVersion:     "version",
	CmdNoop:        "noop",
}

func (t CommandType) String() string {
	if name, ok := commandNames[t]; ok {
		return name
	}
	return fmt.Sprintf("command(%d)", uint8(t))
}

// Command is a single protocol operation to be encoded and sent.
// Fields beyond Type and Key are used only by the operations that need
// them; the codec ignores the rest.
type Command struct {
	Type CommandType

	// Key is the cache key (1-250 bytes, no control bytes or whitespace).
	// Empty for keyless operations (flush_all, stats, version, noop).
	Key string

	// Value is the payload for storage operations.
	Value []byte

	// Flags is an opaque 32-bit tag stored with the value and returned
	// verbatim on retrieval.
	Flags uint32

	// Expiration is the item TTL: relative seconds up to 30 days,
	// otherwise an absolute Unix timestamp. Zero means no expiration.
	// For CmdFlush it is the optional delay before the flush applies.
	Expiration int32

	// CAS is the compare-and-swap token for CmdCompareSwap.
	CAS uint64

	// Delta is the amount for CmdIncrement/CmdDecrement.
	Delta uint64

	// Opaque is the binary-protocol correlation ID. It is assigned by
	// the connection when the request is registered; callers leave it zero.
	Opaque uint32
}

// hasKey reports whether the command type carries a key on the wire.
func (t CommandType) hasKey() bool {
	switch t {
	case CmdFlush, CmdStats, CmdVersion, CmdNoop:
		return false
	default:
		return true
	}
}

// isStorage reports whether the command type carries a value payload.
func (t CommandType) isStorage() bool {
	switch t {
	case CmdSet, CmdAdd, CmdReplace, CmdAppend, CmdPrepend, CmdCompareSwap:
		return true
	default:
		return false
	}
}

// ValidateKey checks a key against the protocol constraints: 1-250
// bytes, no byte <= 0x20 (space and control characters) and no 0x7F.
func ValidateKey(key string) error {
	if len(key) < MinKeyLength {
		return &ValidationError{Message: "key is empty"}
	}
	if len(key) > MaxKeyLength {
		return &ValidationError{Message: fmt.Sprintf("key exceeds %d bytes", MaxKeyLength)}
	}
	for i := 0; i < len(key); i++ {
		if key[i] <= 0x20 || key[i] == 0x7f {
			return &ValidationError{Message: "key contains whitespace or control characters"}
		}
	}
	return nil
}

// validate checks the command against protocol constraints before any
// bytes are produced. maxValueSize bounds storage payloads.
func (c *Command) validate(maxValueSize int) error {
	if c.Type.hasKey() {
		if err := ValidateKey(c.Key); err != nil {
			return err
		}
	}
	if c.Type.isStorage() && len(c.Value) > maxValueSize {
		return &ValidationError{
			Message: fmt.Sprintf("value of %d bytes exceeds maximum of %d", len(c.Value), maxValueSize),
		}
	}
	if c.Type == CmdCompareSwap && c.CAS == 0 {
		return &ValidationError{Message: "cas requires a non-zero token"}
	}
	return nil
}
