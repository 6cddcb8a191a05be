package memcached

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirecache/memcached/internal/testutils"
	"github.com/wirecache/memcached/protocol"
)

func newTextConn(t *testing.T, responses ...string) (*Conn, *testutils.ConnectionMock) {
	t.Helper()
	mock := testutils.NewConnectionMock(responses...)
	conn := NewConn(mock, protocol.NewCodec(protocol.TextProtocol, 0))
	t.Cleanup(func() { conn.Close() })
	return conn, mock
}

func TestConnExecuteStore(t *testing.T) {
	conn, mock := newTextConn(t, "STORED\r\n")

	resp, err := conn.Execute(context.Background(), &protocol.Command{
		Type:  protocol.CmdSet,
		Key:   "key",
		Value: []byte("value"),
	})
	require.NoError(t, err)
	assert.True(t, resp.IsStored())
	assert.Equal(t, "set key 0 0 5\r\nvalue\r\n", mock.WrittenRequests())
}

func TestConnExecuteGetHit(t *testing.T) {
	conn, _ := newTextConn(t, "VALUE key 7 5\r\nhello\r\nEND\r\n")

	resp, err := conn.Execute(context.Background(), &protocol.Command{Type: protocol.CmdGet, Key: "key"})
	require.NoError(t, err)

	assert.Equal(t, protocol.RespValue, resp.Type)
	assert.Equal(t, "hello", string(resp.Value))
	assert.Equal(t, uint32(7), resp.Flags)
}

func TestConnExecuteGetMiss(t *testing.T) {
	conn, _ := newTextConn(t, "END\r\n")

	resp, err := conn.Execute(context.Background(), &protocol.Command{Type: protocol.CmdGet, Key: "nope"})
	require.NoError(t, err)
	assert.True(t, resp.IsMiss())
}

func TestConnExecuteStatsAggregation(t *testing.T) {
	conn, _ := newTextConn(t, "STAT pid 1\r\nSTAT uptime 100\r\nEND\r\n")

	resp, err := conn.Execute(context.Background(), &protocol.Command{Type: protocol.CmdStats})
	require.NoError(t, err)

	assert.Equal(t, protocol.RespEnd, resp.Type)
	assert.Equal(t, map[string]string{"pid": "1", "uptime": "100"}, resp.Stats)
}

func TestConnFIFOCorrelation(t *testing.T) {
	// Responses arrive strictly in request order on the text protocol.
	conn, _ := newTextConn(t,
		"VALUE a 0 1\r\n1\r\nEND\r\n",
		"VALUE b 0 1\r\n2\r\nEND\r\n",
	)

	ctx := context.Background()
	respA, err := conn.Execute(ctx, &protocol.Command{Type: protocol.CmdGet, Key: "a"})
	require.NoError(t, err)
	respB, err := conn.Execute(ctx, &protocol.Command{Type: protocol.CmdGet, Key: "b"})
	require.NoError(t, err)

	assert.Equal(t, "1", string(respA.Value))
	assert.Equal(t, "2", string(respB.Value))
}

func TestConnExecuteBatchPipelining(t *testing.T) {
	// One batch is one write; the scripted reply carries all three
	// responses back to back.
	conn, mock := newTextConn(t, "STORED\r\nVALUE key 0 5\r\nhello\r\nEND\r\nDELETED\r\n")

	resps, err := conn.ExecuteBatch(context.Background(), []*protocol.Command{
		{Type: protocol.CmdSet, Key: "key", Value: []byte("hello")},
		{Type: protocol.CmdGet, Key: "key"},
		{Type: protocol.CmdDelete, Key: "key"},
	})
	require.NoError(t, err)
	require.Len(t, resps, 3)

	assert.Equal(t, protocol.RespStored, resps[0].Type)
	assert.Equal(t, "hello", string(resps[1].Value))
	assert.Equal(t, protocol.RespDeleted, resps[2].Type)

	assert.Equal(t, "set key 0 0 5\r\nhello\r\nget key\r\ndelete key\r\n", mock.WrittenRequests())
}

func TestConnExecuteDribbledResponse(t *testing.T) {
	conn, mock := newTextConn(t, "VALUE key 0 5\r\nhello\r\nEND\r\n")
	mock.SetChunkSize(1)

	resp, err := conn.Execute(context.Background(), &protocol.Command{Type: protocol.CmdGet, Key: "key"})
	require.NoError(t, err)
	assert.Equal(t, "hello", string(resp.Value))
}

func TestConnValidationErrorLeavesConnUsable(t *testing.T) {
	conn, mock := newTextConn(t, "STORED\r\n")

	_, err := conn.Execute(context.Background(), &protocol.Command{Type: protocol.CmdGet, Key: "bad key"})
	require.Error(t, err)

	var verr *protocol.ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Empty(t, mock.WrittenRequests(), "nothing may reach the wire")
	assert.False(t, conn.IsBroken())

	// The connection still works.
	resp, err := conn.Execute(context.Background(), &protocol.Command{
		Type: protocol.CmdSet, Key: "ok", Value: []byte("v"),
	})
	require.NoError(t, err)
	assert.True(t, resp.IsStored())
}

func TestConnBatchValidationAbortsWholeBatch(t *testing.T) {
	conn, mock := newTextConn(t)

	_, err := conn.ExecuteBatch(context.Background(), []*protocol.Command{
		{Type: protocol.CmdSet, Key: "good", Value: []byte("v")},
		{Type: protocol.CmdGet, Key: "bad key"},
	})
	require.Error(t, err)
	assert.Empty(t, mock.WrittenRequests(), "a batch with an invalid command writes nothing")
	assert.False(t, conn.IsBroken())
}

func TestConnServerErrorKeepsConnection(t *testing.T) {
	conn, _ := newTextConn(t, "SERVER_ERROR object too large for cache\r\n", "STORED\r\n")

	resp, err := conn.Execute(context.Background(), &protocol.Command{
		Type: protocol.CmdSet, Key: "big", Value: []byte("v"),
	})
	require.NoError(t, err)

	var serr *protocol.ServerError
	require.ErrorAs(t, resp.Err, &serr)
	assert.False(t, conn.IsBroken(), "SERVER_ERROR is a complete frame, the stream is aligned")

	resp, err = conn.Execute(context.Background(), &protocol.Command{
		Type: protocol.CmdSet, Key: "small", Value: []byte("v"),
	})
	require.NoError(t, err)
	assert.True(t, resp.IsStored())
}

func TestConnGarbageRetiresConnection(t *testing.T) {
	conn, _ := newTextConn(t, "TOTAL GARBAGE\r\n")

	_, err := conn.Execute(context.Background(), &protocol.Command{Type: protocol.CmdGet, Key: "key"})
	require.Error(t, err)

	var perr *protocol.ProtocolError
	assert.ErrorAs(t, err, &perr)
	assert.True(t, conn.IsBroken())

	// Every later call fails fast.
	_, err = conn.Execute(context.Background(), &protocol.Command{Type: protocol.CmdGet, Key: "key"})
	assert.Error(t, err)
}

func TestConnDesyncedBodyRetiresConnection(t *testing.T) {
	conn, _ := newTextConn(t, "VALUE key 0 5\r\nhelloXX\r\n")

	_, err := conn.Execute(context.Background(), &protocol.Command{Type: protocol.CmdGet, Key: "key"})
	require.Error(t, err)
	assert.True(t, conn.IsBroken())
}

func TestConnTimeoutRetiresConnection(t *testing.T) {
	// No scripted response: the request hangs until the deadline.
	conn, _ := newTextConn(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := conn.Execute(ctx, &protocol.Command{Type: protocol.CmdGet, Key: "key"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// An abandoned in-flight request poisons response matching, so the
	// connection must not survive the timeout.
	assert.True(t, conn.IsBroken())

	_, err = conn.Execute(context.Background(), &protocol.Command{Type: protocol.CmdGet, Key: "key"})
	assert.Error(t, err)
}

func TestConnWriteErrorRetiresConnection(t *testing.T) {
	conn, mock := newTextConn(t)
	mock.SetWriteError(assert.AnError)

	_, err := conn.Execute(context.Background(), &protocol.Command{Type: protocol.CmdGet, Key: "key"})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrConnBroken)
	assert.True(t, conn.IsBroken())
}

func TestConnPeerCloseFailsPending(t *testing.T) {
	conn, mock := newTextConn(t)

	done := make(chan error, 1)
	go func() {
		_, err := conn.Execute(context.Background(), &protocol.Command{Type: protocol.CmdGet, Key: "key"})
		done <- err
	}()

	// Give the request time to get registered, then drop the transport.
	time.Sleep(20 * time.Millisecond)
	mock.Close()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, conn.IsBroken())
	case <-time.After(time.Second):
		t.Fatal("pending request was not failed on peer close")
	}
}

func TestConnCloseIsIdempotent(t *testing.T) {
	conn, _ := newTextConn(t)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	_, err := conn.Execute(context.Background(), &protocol.Command{Type: protocol.CmdGet, Key: "key"})
	assert.ErrorIs(t, err, ErrConnClosed)
}

// binResponse builds a raw binary-protocol response packet.
func binResponse(opcode byte, status uint16, extras, key, value []byte, opaque uint32) string {
	header := make([]byte, 24)
	header[0] = 0x81
	header[1] = opcode
	binary.BigEndian.PutUint16(header[2:4], uint16(len(key)))
	header[4] = byte(len(extras))
	binary.BigEndian.PutUint16(header[6:8], status)
	binary.BigEndian.PutUint32(header[8:12], uint32(len(extras)+len(key)+len(value)))
	binary.BigEndian.PutUint32(header[12:16], opaque)

	packet := append(append(append(header, extras...), key...), value...)
	return string(packet)
}

func TestConnBinaryOpaqueCorrelation(t *testing.T) {
	flagExtras := []byte{0, 0, 0, 0}

	// Opaque IDs are assigned sequentially starting at 1. The scripted
	// reply answers the second request first; correlation must still
	// hand each caller its own value.
	outOfOrder := binResponse(0x00, 0, flagExtras, nil, []byte("bbb"), 2) +
		binResponse(0x00, 0, flagExtras, nil, []byte("aaa"), 1)

	mock := testutils.NewConnectionMock(outOfOrder)
	conn := NewConn(mock, protocol.NewCodec(protocol.BinaryProtocol, 0))
	defer conn.Close()

	resps, err := conn.ExecuteBatch(context.Background(), []*protocol.Command{
		{Type: protocol.CmdGet, Key: "a"},
		{Type: protocol.CmdGet, Key: "b"},
	})
	require.NoError(t, err)

	assert.Equal(t, "aaa", string(resps[0].Value))
	assert.Equal(t, "bbb", string(resps[1].Value))
}

func TestConnBinaryUnknownOpaqueRetiresConnection(t *testing.T) {
	mock := testutils.NewConnectionMock(binResponse(0x0a, 0, nil, nil, nil, 999))
	conn := NewConn(mock, protocol.NewCodec(protocol.BinaryProtocol, 0))
	defer conn.Close()

	_, err := conn.Execute(context.Background(), &protocol.Command{Type: protocol.CmdNoop})
	require.Error(t, err)
	assert.True(t, conn.IsBroken())
}

func TestConnTimeoutRaceDeliversExactlyOnce(t *testing.T) {
	mock := testutils.NewConnectionMock()
	conn := NewConn(mock, protocol.NewCodec(protocol.TextProtocol, 0))

	pendings, err := conn.send([]*protocol.Command{{Type: protocol.CmdGet, Key: "k"}})
	require.NoError(t, err)
	p := pendings[0]

	// Interleaving under test: the read loop has looked up the pending
	// for an arriving frame when a timed-out caller retires the
	// connection. fail snapshots the queue and owns delivery; the read
	// loop sees the pending deregistered and must drop its response
	// instead of sending a second result into the one-slot buffer.
	conn.fail(context.DeadlineExceeded)

	assert.False(t, conn.remove(p), "retirement took ownership of the pending")

	res := <-p.done
	require.ErrorIs(t, res.err, context.DeadlineExceeded)
	select {
	case <-p.done:
		t.Fatal("pending delivered twice")
	default:
	}

	// The read loop must not be wedged on delivery.
	closed := make(chan struct{})
	go func() {
		conn.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on the read loop")
	}
}

func TestConnBinaryGetHit(t *testing.T) {
	// A binary get hit is a single packet; there is no END frame to
	// wait for, so the response must resolve as soon as it arrives.
	flagExtras := []byte{0, 0, 0, 42}
	mock := testutils.NewConnectionMock(binResponse(0x00, 0, flagExtras, nil, []byte("hello"), 1))
	conn := NewConn(mock, protocol.NewCodec(protocol.BinaryProtocol, 0))
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := conn.Execute(ctx, &protocol.Command{Type: protocol.CmdGet, Key: "k"})
	require.NoError(t, err)
	assert.Equal(t, protocol.RespValue, resp.Type)
	assert.Equal(t, "hello", string(resp.Value))
	assert.Equal(t, uint32(42), resp.Flags)
	assert.False(t, conn.IsBroken())
}

func TestConnBinaryMiss(t *testing.T) {
	mock := testutils.NewConnectionMock(binResponse(0x00, 0x0001, nil, nil, nil, 1))
	conn := NewConn(mock, protocol.NewCodec(protocol.BinaryProtocol, 0))
	defer conn.Close()

	resp, err := conn.Execute(context.Background(), &protocol.Command{Type: protocol.CmdGet, Key: "nope"})
	require.NoError(t, err)
	assert.True(t, resp.IsMiss())
}
