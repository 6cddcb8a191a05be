package testutils

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"
)

// ConnectionMock is a scripted net.Conn for testing. Reads block until
// response bytes are available, mirroring a real socket; each Write
// releases the next scripted response. Close unblocks pending reads
// with io.EOF.
type ConnectionMock struct {
	mu   sync.Mutex
	cond *sync.Cond

	readBuf   bytes.Buffer
	writeBuf  bytes.Buffer
	responses [][]byte
	chunkSize int
	writeErr  error
	closed    bool
}

// NewConnectionMock creates a mock that releases one scripted response
// per Write call, in order.
func NewConnectionMock(responses ...string) *ConnectionMock {
	m := &ConnectionMock{}
	m.cond = sync.NewCond(&m.mu)
	for _, r := range responses {
		m.responses = append(m.responses, []byte(r))
	}
	return m
}

// SetChunkSize caps how many bytes a single Read returns, to exercise
// incremental frame assembly. Zero means no cap.
func (m *ConnectionMock) SetChunkSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunkSize = n
}

// SetWriteError makes every subsequent Write fail with err.
func (m *ConnectionMock) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// EnqueueResponse makes bytes readable immediately, without waiting for
// a Write.
func (m *ConnectionMock) EnqueueResponse(data string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readBuf.WriteString(data)
	m.cond.Broadcast()
}

func (m *ConnectionMock) Read(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.readBuf.Len() == 0 && !m.closed {
		m.cond.Wait()
	}
	if m.readBuf.Len() == 0 {
		return 0, io.EOF
	}

	limit := len(b)
	if m.chunkSize > 0 && m.chunkSize < limit {
		limit = m.chunkSize
	}
	return m.readBuf.Read(b[:limit])
}

func (m *ConnectionMock) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, io.ErrClosedPipe
	}
	if m.writeErr != nil {
		return 0, m.writeErr
	}

	m.writeBuf.Write(b)
	if len(m.responses) > 0 {
		m.readBuf.Write(m.responses[0])
		m.responses = m.responses[1:]
		m.cond.Broadcast()
	}
	return len(b), nil
}

func (m *ConnectionMock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
	return nil
}

func (m *ConnectionMock) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}

func (m *ConnectionMock) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 11211}
}

func (m *ConnectionMock) SetDeadline(t time.Time) error      { return nil }
func (m *ConnectionMock) SetReadDeadline(t time.Time) error  { return nil }
func (m *ConnectionMock) SetWriteDeadline(t time.Time) error { return nil }

// WrittenRequests returns everything written to the mock so far.
func (m *ConnectionMock) WrittenRequests() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeBuf.String()
}

// Closed reports whether Close was called.
func (m *ConnectionMock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
