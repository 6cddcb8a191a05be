package protocol

import (
	"encoding/binary"
	"strconv"
)

// binaryCodec implements the fixed-header binary protocol.
//
// Request and response packets share the same layout: a 24-byte header
// (magic, opcode, key length, extras length, data type, vbucket/status,
// total body length, opaque, CAS) followed by extras, key and value.
type binaryCodec struct {
	maxValueSize int
}

func (c *binaryCodec) Variant() Variant { return BinaryProtocol }

func (c *binaryCodec) NewFrameReader() FrameReader {
	// Allow headroom beyond the value itself for extras and the key.
	return newBinaryFrameReader(c.maxValueSize + MaxKeyLength + 64)
}

var binaryOpcodes = map[CommandType]byte{
	CmdGet:         opGet,
	CmdGets:        opGet,
	CmdSet:         opSet,
	CmdAdd:         opAdd,
	CmdReplace:     opReplace,
	CmdAppend:      opAppend,
	CmdPrepend:     opPrepend,
	CmdCompareSwap: opSet,
	CmdDelete:      opDelete,
	CmdIncrement:   opIncrement,
	CmdDecrement:   opDecrement,
	CmdTouch:       opTouch,
	CmdFlush:       opFlush,
	CmdStats:       opStat,
	CmdVersion:     opVersion,
	CmdNoop:        opNoop,
}

func (c *binaryCodec) Encode(cmd *Command) ([]byte, error) {
	if err := cmd.validate(c.maxValueSize); err != nil {
		return nil, err
	}

	opcode, ok := binaryOpcodes[cmd.Type]
	if !ok {
		return nil, &ValidationError{Message: "unsupported command: " + cmd.Type.String()}
	}

	var extras []byte
	switch cmd.Type {
	case CmdSet, CmdAdd, CmdReplace, CmdCompareSwap:
		extras = make([]byte, 8)
		binary.BigEndian.PutUint32(extras[0:4], cmd.Flags)
		binary.BigEndian.PutUint32(extras[4:8], uint32(cmd.Expiration))

	case CmdIncrement, CmdDecrement:
		extras = make([]byte, 20)
		binary.BigEndian.PutUint64(extras[0:8], cmd.Delta)
		// Initial value unused: expiration 0xffffffff disables
		// auto-creation so both protocols miss the same way.
		binary.BigEndian.PutUint32(extras[16:20], noCreateExpiration)

	case CmdTouch:
		extras = make([]byte, 4)
		binary.BigEndian.PutUint32(extras, uint32(cmd.Expiration))

	case CmdFlush:
		if cmd.Expiration > 0 {
			extras = make([]byte, 4)
			binary.BigEndian.PutUint32(extras, uint32(cmd.Expiration))
		}
	}

	var key []byte
	if cmd.Type.hasKey() {
		key = []byte(cmd.Key)
	}
	var value []byte
	if cmd.Type.isStorage() {
		value = cmd.Value
	}

	bodyLen := len(extras) + len(key) + len(value)
	packet := make([]byte, binHeaderSize+bodyLen)

	packet[0] = magicRequest
	packet[1] = opcode
	binary.BigEndian.PutUint16(packet[2:4], uint16(len(key)))
	packet[4] = byte(len(extras))
	// packet[5] data type, packet[6:8] vbucket: always zero
	binary.BigEndian.PutUint32(packet[8:12], uint32(bodyLen))
	binary.BigEndian.PutUint32(packet[12:16], cmd.Opaque)
	if cmd.Type == CmdCompareSwap {
		binary.BigEndian.PutUint64(packet[16:24], cmd.CAS)
	}

	off := binHeaderSize
	off += copy(packet[off:], extras)
	off += copy(packet[off:], key)
	copy(packet[off:], value)

	return packet, nil
}

// ResponseOpaque extracts the correlation ID from a binary response
// frame without decoding it. The connection uses it to find the
// originating request before Decode runs.
func ResponseOpaque(fr *Frame) uint32 {
	return binary.BigEndian.Uint32(fr.Line[12:16])
}

func (c *binaryCodec) Decode(fr *Frame, kind CommandType) (*Response, error) {
	header := fr.Line
	opcode := header[1]
	keyLen := int(binary.BigEndian.Uint16(header[2:4]))
	extrasLen := int(header[4])
	status := binary.BigEndian.Uint16(header[6:8])
	opaque := binary.BigEndian.Uint32(header[12:16])
	cas := binary.BigEndian.Uint64(header[16:24])

	if extrasLen+keyLen > len(fr.Body) {
		return nil, &ProtocolError{Message: "binary response sections exceed declared body"}
	}
	key := fr.Body[extrasLen : extrasLen+keyLen]
	value := fr.Body[extrasLen+keyLen:]

	if status != statusSuccess {
		return decodeBinaryStatus(status, value, opaque, cas)
	}

	resp := &Response{Opaque: opaque, CAS: cas}

	switch opcode {
	case opGet:
		if extrasLen < 4 {
			return nil, &ProtocolError{Message: "GET response missing flags extras"}
		}
		resp.Type = RespValue
		resp.Key = string(key)
		resp.Flags = binary.BigEndian.Uint32(fr.Body[0:4])
		resp.Value = append([]byte(nil), value...)

	case opSet, opAdd, opReplace, opAppend, opPrepend:
		resp.Type = RespStored

	case opDelete:
		resp.Type = RespDeleted

	case opIncrement, opDecrement:
		if len(value) != 8 {
			return nil, &ProtocolError{Message: "counter response body is not 8 bytes"}
		}
		resp.Type = RespCounter
		resp.Counter = binary.BigEndian.Uint64(value)

	case opTouch:
		resp.Type = RespTouched

	case opFlush, opNoop:
		resp.Type = RespOk

	case opVersion:
		resp.Type = RespVersion
		resp.Value = append([]byte(nil), value...)

	case opStat:
		// The stats stream terminates with an empty-key packet.
		if keyLen == 0 {
			resp.Type = RespEnd
		} else {
			resp.Type = RespStatsEntry
			resp.StatKey = string(key)
			resp.StatValue = string(value)
		}

	default:
		return nil, &ProtocolError{Message: "unexpected opcode 0x" + strconv.FormatUint(uint64(opcode), 16)}
	}

	return resp, nil
}

func decodeBinaryStatus(status uint16, value []byte, opaque uint32, cas uint64) (*Response, error) {
	resp := &Response{Opaque: opaque, CAS: cas}

	switch status {
	case statusKeyNotFound:
		resp.Type = RespNotFound
	case statusKeyExists:
		resp.Type = RespExists
	case statusNotStored:
		resp.Type = RespNotStored
	case statusInvalidArgs, statusBadDelta, statusUnknownCommand:
		resp.Type = RespError
		resp.Err = &ClientError{Message: statusMessage(status, value)}
	case statusValueTooLarge, statusOutOfMemory, statusAuthError:
		resp.Type = RespError
		resp.Err = &ServerError{Message: statusMessage(status, value)}
	default:
		return nil, &ProtocolError{
			Message: "unknown response status 0x" + strconv.FormatUint(uint64(status), 16),
		}
	}

	return resp, nil
}

// statusMessage prefers the server-provided error text, falling back to
// the numeric status.
func statusMessage(status uint16, value []byte) string {
	if len(value) > 0 {
		return string(value)
	}
	return "status 0x" + strconv.FormatUint(uint64(status), 16)
}
