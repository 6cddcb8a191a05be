package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildResponse assembles a binary response frame for decoding tests.
func buildResponse(opcode byte, status uint16, extras, key, value []byte, opaque uint32, cas uint64) *Frame {
	header := make([]byte, binHeaderSize)
	header[0] = magicResponse
	header[1] = opcode
	binary.BigEndian.PutUint16(header[2:4], uint16(len(key)))
	header[4] = byte(len(extras))
	binary.BigEndian.PutUint16(header[6:8], status)
	binary.BigEndian.PutUint32(header[8:12], uint32(len(extras)+len(key)+len(value)))
	binary.BigEndian.PutUint32(header[12:16], opaque)
	binary.BigEndian.PutUint64(header[16:24], cas)

	body := append(append(append([]byte{}, extras...), key...), value...)
	return &Frame{Line: header, Body: body}
}

func TestBinaryEncodeSet(t *testing.T) {
	codec := NewCodec(BinaryProtocol, 0)

	packet, err := codec.Encode(&Command{
		Type:       CmdSet,
		Key:        "key",
		Value:      []byte("value"),
		Flags:      7,
		Expiration: 60,
		Opaque:     0xdeadbeef,
	})
	require.NoError(t, err)
	require.Len(t, packet, binHeaderSize+8+3+5)

	assert.Equal(t, byte(magicRequest), packet[0])
	assert.Equal(t, byte(opSet), packet[1])
	assert.Equal(t, uint16(3), binary.BigEndian.Uint16(packet[2:4]), "key length")
	assert.Equal(t, byte(8), packet[4], "extras length")
	assert.Equal(t, uint32(16), binary.BigEndian.Uint32(packet[8:12]), "total body length")
	assert.Equal(t, uint32(0xdeadbeef), binary.BigEndian.Uint32(packet[12:16]), "opaque")
	assert.Zero(t, binary.BigEndian.Uint64(packet[16:24]), "cas only set for compare-and-swap")

	assert.Equal(t, uint32(7), binary.BigEndian.Uint32(packet[24:28]), "flags extras")
	assert.Equal(t, uint32(60), binary.BigEndian.Uint32(packet[28:32]), "expiration extras")
	assert.Equal(t, "key", string(packet[32:35]))
	assert.Equal(t, "value", string(packet[35:40]))
}

func TestBinaryEncodeGet(t *testing.T) {
	codec := NewCodec(BinaryProtocol, 0)

	packet, err := codec.Encode(&Command{Type: CmdGet, Key: "abc", Opaque: 5})
	require.NoError(t, err)
	require.Len(t, packet, binHeaderSize+3)

	assert.Equal(t, byte(opGet), packet[1])
	assert.Equal(t, byte(0), packet[4], "get has no extras")
	assert.Equal(t, "abc", string(packet[24:27]))
}

func TestBinaryEncodeIncrement(t *testing.T) {
	codec := NewCodec(BinaryProtocol, 0)

	packet, err := codec.Encode(&Command{Type: CmdIncrement, Key: "c", Delta: 9})
	require.NoError(t, err)

	extras := packet[binHeaderSize : binHeaderSize+20]
	assert.Equal(t, uint64(9), binary.BigEndian.Uint64(extras[0:8]), "delta")
	assert.Zero(t, binary.BigEndian.Uint64(extras[8:16]), "initial value")
	assert.Equal(t, uint32(noCreateExpiration), binary.BigEndian.Uint32(extras[16:20]),
		"expiration must disable auto-creation")
}

func TestBinaryEncodeCompareSwap(t *testing.T) {
	codec := NewCodec(BinaryProtocol, 0)

	packet, err := codec.Encode(&Command{Type: CmdCompareSwap, Key: "k", Value: []byte("v"), CAS: 77})
	require.NoError(t, err)

	assert.Equal(t, byte(opSet), packet[1], "cas is a set with a token")
	assert.Equal(t, uint64(77), binary.BigEndian.Uint64(packet[16:24]))
}

func TestBinaryEncodeNoop(t *testing.T) {
	codec := NewCodec(BinaryProtocol, 0)

	packet, err := codec.Encode(&Command{Type: CmdNoop})
	require.NoError(t, err)
	require.Len(t, packet, binHeaderSize)
	assert.Equal(t, byte(opNoop), packet[1])
}

func TestBinaryDecodeGetHit(t *testing.T) {
	codec := NewCodec(BinaryProtocol, 0)

	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, 42)
	fr := buildResponse(opGet, statusSuccess, extras, nil, []byte("hello"), 9, 1234)

	resp, err := codec.Decode(fr, CmdGet)
	require.NoError(t, err)

	assert.Equal(t, RespValue, resp.Type)
	assert.Equal(t, uint32(42), resp.Flags)
	assert.Equal(t, []byte("hello"), resp.Value)
	assert.Equal(t, uint32(9), resp.Opaque)
	assert.Equal(t, uint64(1234), resp.CAS)
}

func TestBinaryDecodeStatuses(t *testing.T) {
	codec := NewCodec(BinaryProtocol, 0)

	tests := []struct {
		name   string
		opcode byte
		status uint16
		want   ResponseType
	}{
		{"miss", opGet, statusKeyNotFound, RespNotFound},
		{"exists", opSet, statusKeyExists, RespExists},
		{"not stored", opAdd, statusNotStored, RespNotStored},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fr := buildResponse(tt.opcode, tt.status, nil, nil, nil, 0, 0)
			resp, err := codec.Decode(fr, CmdGet)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.Type)
			assert.NoError(t, resp.Err)
		})
	}
}

func TestBinaryDecodeErrorStatuses(t *testing.T) {
	codec := NewCodec(BinaryProtocol, 0)

	t.Run("bad delta is a client error", func(t *testing.T) {
		fr := buildResponse(opIncrement, statusBadDelta, nil, nil,
			[]byte("Non-numeric server-side value for incr or decr"), 0, 0)
		resp, err := codec.Decode(fr, CmdIncrement)
		require.NoError(t, err)

		assert.Equal(t, RespError, resp.Type)
		var cerr *ClientError
		require.ErrorAs(t, resp.Err, &cerr)
		assert.False(t, ShouldCloseConnection(resp.Err))
	})

	t.Run("value too large is a server error", func(t *testing.T) {
		fr := buildResponse(opSet, statusValueTooLarge, nil, nil, nil, 0, 0)
		resp, err := codec.Decode(fr, CmdSet)
		require.NoError(t, err)

		var serr *ServerError
		require.ErrorAs(t, resp.Err, &serr)
	})

	t.Run("unknown status desynchronizes", func(t *testing.T) {
		fr := buildResponse(opGet, 0x7777, nil, nil, nil, 0, 0)
		_, err := codec.Decode(fr, CmdGet)
		require.Error(t, err)
		assert.True(t, ShouldCloseConnection(err))
	})
}

func TestBinaryDecodeCounter(t *testing.T) {
	codec := NewCodec(BinaryProtocol, 0)

	counter := make([]byte, 8)
	binary.BigEndian.PutUint64(counter, 43)
	fr := buildResponse(opIncrement, statusSuccess, nil, nil, counter, 0, 0)

	resp, err := codec.Decode(fr, CmdIncrement)
	require.NoError(t, err)
	assert.Equal(t, RespCounter, resp.Type)
	assert.Equal(t, uint64(43), resp.Counter)
}

func TestBinaryDecodeStats(t *testing.T) {
	codec := NewCodec(BinaryProtocol, 0)

	fr := buildResponse(opStat, statusSuccess, nil, []byte("pid"), []byte("123"), 0, 0)
	resp, err := codec.Decode(fr, CmdStats)
	require.NoError(t, err)
	assert.Equal(t, RespStatsEntry, resp.Type)
	assert.Equal(t, "pid", resp.StatKey)
	assert.Equal(t, "123", resp.StatValue)

	// Empty key ends the stream.
	fr = buildResponse(opStat, statusSuccess, nil, nil, nil, 0, 0)
	resp, err = codec.Decode(fr, CmdStats)
	require.NoError(t, err)
	assert.Equal(t, RespEnd, resp.Type)
}

func TestBinaryDecodeVersion(t *testing.T) {
	codec := NewCodec(BinaryProtocol, 0)

	fr := buildResponse(opVersion, statusSuccess, nil, nil, []byte("1.6.21"), 0, 0)
	resp, err := codec.Decode(fr, CmdVersion)
	require.NoError(t, err)
	assert.Equal(t, RespVersion, resp.Type)
	assert.Equal(t, "1.6.21", string(resp.Value))
}

func TestResponseOpaque(t *testing.T) {
	fr := buildResponse(opGet, statusSuccess, nil, nil, nil, 0xcafebabe, 0)
	assert.Equal(t, uint32(0xcafebabe), ResponseOpaque(fr))
}

func TestBinaryDecodeTruncatedSections(t *testing.T) {
	codec := NewCodec(BinaryProtocol, 0)

	// Header claims a 10-byte key but the body is empty.
	fr := buildResponse(opGet, statusSuccess, nil, nil, nil, 0, 0)
	binary.BigEndian.PutUint16(fr.Line[2:4], 10)

	_, err := codec.Decode(fr, CmdGet)
	require.Error(t, err)
	assert.True(t, ShouldCloseConnection(err))
}
