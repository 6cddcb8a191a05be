package memcached

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/wirecache/memcached/protocol"
)

var (
	// ErrConnBroken is returned for operations on a connection that was
	// retired after an I/O error, a timeout, or a desynchronized frame.
	ErrConnBroken = errors.New("memcached: connection broken")

	// ErrConnClosed is returned for operations on a closed connection.
	ErrConnClosed = errors.New("memcached: connection closed")
)

// connState tracks the lifecycle of a connection.
type connState int

const (
	stateIdle connState = iota
	stateBusy
	stateBroken
)

// result delivers the outcome of one pending request to its waiter.
type result struct {
	resp *protocol.Response
	err  error
}

// pending correlates an in-flight command with the caller awaiting its
// response. done is buffered so delivery never blocks the read loop.
type pending struct {
	cmd  *protocol.Command
	done chan result

	// multi-frame aggregation state (text get, stats)
	value *protocol.Response
	stats map[string]string
}

// Conn multiplexes commands over a single duplex transport.
//
// Writes are serialized: command bytes are written and the pending
// request registered under one mutex, so the wire order and the FIFO
// correlation order cannot diverge even under concurrent submission.
// A dedicated read loop assembles frames and resolves pendings: oldest
// first for the text protocol, by opaque ID for the binary protocol.
//
// Any transport error, timeout, or unparseable frame retires the
// connection permanently. A retired connection fails all of its pending
// waiters and every later call; it is never repaired or reused.
type Conn struct {
	transport net.Conn
	codec     protocol.Codec
	frames    protocol.FrameReader
	binary    bool

	mu        sync.Mutex
	state     connState
	queue     []*pending          // FIFO, text correlation
	byOpaque  map[uint32]*pending // binary correlation
	opaqueSeq uint32
	brokenBy  error

	readDone  chan struct{}
	createdAt time.Time
}

// NewConn wraps an established duplex transport. The Conn takes
// exclusive ownership: nothing else may read from or write to it.
func NewConn(transport net.Conn, codec protocol.Codec) *Conn {
	c := &Conn{
		transport: transport,
		codec:     codec,
		frames:    codec.NewFrameReader(),
		binary:    codec.Variant() == protocol.BinaryProtocol,
		byOpaque:  make(map[uint32]*pending),
		readDone:  make(chan struct{}),
		createdAt: time.Now(),
	}
	go c.readLoop()
	return c
}

// Execute sends one command and blocks until its response arrives, the
// context is done, or the connection breaks.
func (c *Conn) Execute(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	resps, err := c.ExecuteBatch(ctx, []*protocol.Command{cmd})
	if err != nil {
		return nil, err
	}
	return resps[0], nil
}

// ExecuteBatch pipelines several commands in one write and collects
// their responses in submission order. If any command fails validation,
// nothing is written.
func (c *Conn) ExecuteBatch(ctx context.Context, cmds []*protocol.Command) ([]*protocol.Response, error) {
	if len(cmds) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pendings, err := c.send(cmds)
	if err != nil {
		return nil, err
	}

	resps := make([]*protocol.Response, len(pendings))
	for i, p := range pendings {
		select {
		case res := <-p.done:
			if res.err != nil {
				return nil, res.err
			}
			resps[i] = res.resp
		case <-ctx.Done():
			// There is no way to cancel a single wire request; an
			// out-of-order late response would be misattributed to the
			// next caller, so the whole connection is retired.
			c.fail(ctx.Err())
			return nil, ctx.Err()
		}
	}
	return resps, nil
}

// send encodes, registers and writes the commands under the write lock.
// Validation failures surface before any byte reaches the transport.
func (c *Conn) send(cmds []*protocol.Command) ([]*pending, error) {
	c.mu.Lock()

	if c.state == stateBroken {
		err := c.brokenBy
		c.mu.Unlock()
		if err == nil {
			err = ErrConnBroken
		}
		return nil, err
	}

	var wire []byte
	pendings := make([]*pending, len(cmds))
	for i, cmd := range cmds {
		if c.binary {
			c.opaqueSeq++
			cmd.Opaque = c.opaqueSeq
		}
		buf, err := c.codec.Encode(cmd)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		wire = append(wire, buf...)
		pendings[i] = &pending{cmd: cmd, done: make(chan result, 1)}
	}

	for _, p := range pendings {
		c.queue = append(c.queue, p)
		if c.binary {
			c.byOpaque[p.cmd.Opaque] = p
		}
	}
	c.state = stateBusy

	_, err := c.transport.Write(wire)
	c.mu.Unlock()

	if err != nil {
		werr := fmt.Errorf("%w: write: %w", ErrConnBroken, err)
		c.fail(werr)
		return nil, werr
	}
	return pendings, nil
}

// readLoop feeds transport bytes into the frame reader and dispatches
// every completed frame. It exits when the transport errors or closes.
func (c *Conn) readLoop() {
	defer close(c.readDone)

	buf := make([]byte, 16*1024)
	for {
		n, err := c.transport.Read(buf)
		if n > 0 {
			frames, ferr := c.frames.Feed(buf[:n])
			for i := range frames {
				if derr := c.dispatch(&frames[i]); derr != nil {
					c.fail(derr)
					return
				}
			}
			if ferr != nil {
				c.fail(ferr)
				return
			}
		}
		if err != nil {
			c.fail(fmt.Errorf("%w: read: %w", ErrConnBroken, err))
			return
		}
	}
}

// dispatch routes one frame to its pending request. A non-nil return
// means the stream can no longer be trusted.
func (c *Conn) dispatch(fr *protocol.Frame) error {
	p := c.lookup(fr)
	if p == nil {
		return &protocol.ProtocolError{Message: "response frame with no pending request"}
	}

	resp, err := c.codec.Decode(fr, p.cmd.Type)
	if err != nil {
		return err
	}

	final, done := c.aggregate(p, resp)
	if !done {
		return nil
	}

	// remove reports whether the pending was still registered. If fail
	// already snapshotted it (a racing timeout), fail owns delivery and
	// sending here would wedge one of the two senders on the one-slot
	// buffer.
	if !c.remove(p) {
		return nil
	}
	p.done <- result{resp: final}
	return nil
}

// lookup finds the pending request a frame belongs to: the oldest one
// for the text protocol, the opaque match for the binary protocol.
func (c *Conn) lookup(fr *protocol.Frame) *pending {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.binary {
		return c.byOpaque[protocol.ResponseOpaque(fr)]
	}
	if len(c.queue) == 0 {
		return nil
	}
	return c.queue[0]
}

func (c *Conn) remove(p *pending) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	found := false
	for i, q := range c.queue {
		if q == p {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			found = true
			break
		}
	}
	if c.binary {
		delete(c.byOpaque, p.cmd.Opaque)
	}
	if len(c.queue) == 0 && c.state == stateBusy {
		c.state = stateIdle
	}
	return found
}

// aggregate folds one decoded frame into the pending request's state.
// Most commands resolve on their first frame. Text-protocol retrievals
// collect VALUE frames until END; a binary get answers in exactly one
// packet, hit or miss. Stats collect entries until END on both variants
// (the binary stream terminates with an empty-key packet, which decodes
// as End).
func (c *Conn) aggregate(p *pending, resp *protocol.Response) (*protocol.Response, bool) {
	switch p.cmd.Type {
	case protocol.CmdGet, protocol.CmdGets:
		if c.binary {
			break
		}
		switch resp.Type {
		case protocol.RespValue:
			p.value = resp
			return nil, false
		case protocol.RespEnd:
			if p.value == nil {
				return &protocol.Response{Type: protocol.RespNotFound}, true
			}
			return p.value, true
		}

	case protocol.CmdStats:
		switch resp.Type {
		case protocol.RespStatsEntry:
			if p.stats == nil {
				p.stats = make(map[string]string)
			}
			p.stats[resp.StatKey] = resp.StatValue
			return nil, false
		case protocol.RespEnd:
			resp.Stats = p.stats
			return resp, true
		}
	}

	return resp, true
}

// fail retires the connection: the transport is closed so the read loop
// unblocks, and every pending waiter receives err.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.state != stateBroken {
		c.state = stateBroken
		c.brokenBy = normalizeBrokenErr(err)
		c.transport.Close()
	}
	failed := c.queue
	c.queue = nil
	c.byOpaque = make(map[uint32]*pending)
	cause := c.brokenBy
	c.mu.Unlock()

	for _, p := range failed {
		p.done <- result{err: cause}
	}
}

// normalizeBrokenErr makes sure the retirement cause is recognizable as
// a connection-level failure while preserving the original error chain.
func normalizeBrokenErr(err error) error {
	if err == nil {
		return ErrConnBroken
	}
	if errors.Is(err, ErrConnBroken) || errors.Is(err, ErrConnClosed) {
		return err
	}
	var pe *protocol.ProtocolError
	if errors.As(err, &pe) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConnBroken, err)
}

// Close retires the connection and releases its transport.
func (c *Conn) Close() error {
	c.fail(ErrConnClosed)
	<-c.readDone
	return nil
}

// IsBroken reports whether the connection has been retired. A broken
// connection must be discarded, never released back to a pool.
func (c *Conn) IsBroken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateBroken
}

// PendingCount reports the number of in-flight requests.
func (c *Conn) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// CreatedAt reports when the connection was established.
func (c *Conn) CreatedAt() time.Time {
	return c.createdAt
}
