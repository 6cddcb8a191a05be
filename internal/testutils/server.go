package testutils

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FakeVersion is the version string reported by the fake server.
const FakeVersion = "1.6.38"

type entry struct {
	value   []byte
	flags   uint32
	cas     uint64
	expires time.Time // zero means never
}

// Server is an in-process memcached lookalike for integration-style
// tests. It speaks either the text or the binary protocol on a real
// TCP listener, with a per-server in-memory store.
type Server struct {
	ln     net.Listener
	binary bool

	mu     sync.Mutex
	items  map[string]*entry
	casSeq uint64
	conns  []net.Conn
}

// NewServer starts a fake text-protocol server on a random local port.
func NewServer() (*Server, error) {
	return newServer(false)
}

// NewBinaryServer starts a fake binary-protocol server.
func NewBinaryServer() (*Server, error) {
	return newServer(true)
}

func newServer(binaryVariant bool) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln:     ln,
		binary: binaryVariant,
		items:  make(map[string]*entry),
	}
	go s.acceptLoop()
	return s, nil
}

// Addr returns the listen address, suitable for NewStaticServers.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Close stops the listener and drops all live connections.
func (s *Server) Close() {
	s.ln.Close()
	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
	s.mu.Unlock()
}

// ItemCount reports the number of live items, for assertions.
func (s *Server) ItemCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.items {
		if !e.expired() {
			n++
		}
	}
	return n
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		if s.binary {
			go s.serveBinary(conn)
		} else {
			go s.serveText(conn)
		}
	}
}

func (e *entry) expired() bool {
	return !e.expires.IsZero() && time.Now().After(e.expires)
}

func expiresAt(seconds int64) time.Time {
	if seconds <= 0 {
		return time.Time{}
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}

func (s *Server) lookup(key string) *entry {
	e, ok := s.items[key]
	if !ok || e.expired() {
		delete(s.items, key)
		return nil
	}
	return e
}

func (s *Server) nextCAS() uint64 {
	s.casSeq++
	return s.casSeq
}

// ---- text protocol ----

func (s *Server) serveText(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		if line == "quit" {
			return
		}
		if err := s.handleTextCommand(line, r, w); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) handleTextCommand(line string, r *bufio.Reader, w *bufio.Writer) error {
	fields := strings.Fields(line)
	verb := fields[0]

	switch verb {
	case "get", "gets":
		s.mu.Lock()
		for _, key := range fields[1:] {
			if e := s.lookup(key); e != nil {
				if verb == "gets" {
					fmt.Fprintf(w, "VALUE %s %d %d %d\r\n", key, e.flags, len(e.value), e.cas)
				} else {
					fmt.Fprintf(w, "VALUE %s %d %d\r\n", key, e.flags, len(e.value))
				}
				w.Write(e.value)
				w.WriteString("\r\n")
			}
		}
		s.mu.Unlock()
		w.WriteString("END\r\n")

	case "set", "add", "replace", "append", "prepend", "cas":
		if len(fields) < 5 {
			w.WriteString("ERROR\r\n")
			return nil
		}
		size, err := strconv.Atoi(fields[4])
		if err != nil {
			w.WriteString("ERROR\r\n")
			return nil
		}
		data := make([]byte, size+2)
		if _, err := io.ReadFull(r, data); err != nil {
			return err
		}
		if !bytes.HasSuffix(data, []byte("\r\n")) {
			w.WriteString("CLIENT_ERROR bad data chunk\r\n")
			return nil
		}
		data = data[:size]

		key := fields[1]
		flags, _ := strconv.ParseUint(fields[2], 10, 32)
		exp, _ := strconv.ParseInt(fields[3], 10, 64)
		var casToken uint64
		if verb == "cas" {
			if len(fields) < 6 {
				w.WriteString("ERROR\r\n")
				return nil
			}
			casToken, _ = strconv.ParseUint(fields[5], 10, 64)
		}

		w.WriteString(s.textStore(verb, key, uint32(flags), exp, data, casToken))

	case "delete":
		s.mu.Lock()
		if s.lookup(fields[1]) != nil {
			delete(s.items, fields[1])
			s.mu.Unlock()
			w.WriteString("DELETED\r\n")
		} else {
			s.mu.Unlock()
			w.WriteString("NOT_FOUND\r\n")
		}

	case "incr", "decr":
		delta, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			w.WriteString("CLIENT_ERROR invalid numeric delta argument\r\n")
			return nil
		}
		s.mu.Lock()
		e := s.lookup(fields[1])
		if e == nil {
			s.mu.Unlock()
			w.WriteString("NOT_FOUND\r\n")
			return nil
		}
		current, err := strconv.ParseUint(string(e.value), 10, 64)
		if err != nil {
			s.mu.Unlock()
			w.WriteString("CLIENT_ERROR cannot increment or decrement non-numeric value\r\n")
			return nil
		}
		next := applyDelta(current, delta, verb == "incr")
		e.value = []byte(strconv.FormatUint(next, 10))
		e.cas = s.nextCAS()
		s.mu.Unlock()
		fmt.Fprintf(w, "%d\r\n", next)

	case "touch":
		exp, _ := strconv.ParseInt(fields[2], 10, 64)
		s.mu.Lock()
		if e := s.lookup(fields[1]); e != nil {
			e.expires = expiresAt(exp)
			s.mu.Unlock()
			w.WriteString("TOUCHED\r\n")
		} else {
			s.mu.Unlock()
			w.WriteString("NOT_FOUND\r\n")
		}

	case "flush_all":
		s.mu.Lock()
		s.items = make(map[string]*entry)
		s.mu.Unlock()
		w.WriteString("OK\r\n")

	case "stats":
		s.mu.Lock()
		n := len(s.items)
		s.mu.Unlock()
		fmt.Fprintf(w, "STAT pid 1\r\n")
		fmt.Fprintf(w, "STAT curr_items %d\r\n", n)
		fmt.Fprintf(w, "STAT version %s\r\n", FakeVersion)
		w.WriteString("END\r\n")

	case "version":
		fmt.Fprintf(w, "VERSION %s\r\n", FakeVersion)

	default:
		w.WriteString("ERROR\r\n")
	}
	return nil
}

func (s *Server) textStore(verb, key string, flags uint32, exp int64, data []byte, casToken uint64) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.lookup(key)
	switch verb {
	case "add":
		if existing != nil {
			return "NOT_STORED\r\n"
		}
	case "replace":
		if existing == nil {
			return "NOT_STORED\r\n"
		}
	case "append", "prepend":
		if existing == nil {
			return "NOT_STORED\r\n"
		}
		if verb == "append" {
			existing.value = append(existing.value, data...)
		} else {
			existing.value = append(append([]byte{}, data...), existing.value...)
		}
		existing.cas = s.nextCAS()
		return "STORED\r\n"
	case "cas":
		if existing == nil {
			return "NOT_FOUND\r\n"
		}
		if existing.cas != casToken {
			return "EXISTS\r\n"
		}
	}

	s.items[key] = &entry{
		value:   data,
		flags:   flags,
		cas:     s.nextCAS(),
		expires: expiresAt(exp),
	}
	return "STORED\r\n"
}

func applyDelta(current, delta uint64, increment bool) uint64 {
	if increment {
		return current + delta
	}
	if delta > current {
		return 0
	}
	return current - delta
}

// ---- binary protocol ----

const (
	binOpGet       = 0x00
	binOpSet       = 0x01
	binOpAdd       = 0x02
	binOpReplace   = 0x03
	binOpDelete    = 0x04
	binOpIncrement = 0x05
	binOpDecrement = 0x06
	binOpFlush     = 0x08
	binOpNoop      = 0x0a
	binOpVersion   = 0x0b
	binOpAppend    = 0x0e
	binOpPrepend   = 0x0f
	binOpStat      = 0x10
	binOpTouch     = 0x1c

	binStatusNotFound   = 0x0001
	binStatusExists     = 0x0002
	binStatusNotStored  = 0x0005
	binStatusBadDelta   = 0x0006
	binStatusUnknownCmd = 0x0081
	binNoCreateExpiry   = 0xffffffff
)

type binReply struct {
	status uint16
	extras []byte
	key    []byte
	value  []byte
	cas    uint64
}

func (s *Server) serveBinary(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	header := make([]byte, 24)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			return
		}
		if header[0] != 0x80 {
			return
		}

		opcode := header[1]
		keyLen := int(binary.BigEndian.Uint16(header[2:4]))
		extrasLen := int(header[4])
		bodyLen := int(binary.BigEndian.Uint32(header[8:12]))
		opaque := binary.BigEndian.Uint32(header[12:16])
		cas := binary.BigEndian.Uint64(header[16:24])

		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(r, body); err != nil {
			return
		}
		extras := body[:extrasLen]
		key := string(body[extrasLen : extrasLen+keyLen])
		value := body[extrasLen+keyLen:]

		for _, reply := range s.handleBinaryCommand(opcode, extras, key, value, cas) {
			writeBinaryReply(w, opcode, opaque, reply)
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func writeBinaryReply(w *bufio.Writer, opcode byte, opaque uint32, reply binReply) {
	header := make([]byte, 24)
	header[0] = 0x81
	header[1] = opcode
	binary.BigEndian.PutUint16(header[2:4], uint16(len(reply.key)))
	header[4] = byte(len(reply.extras))
	binary.BigEndian.PutUint16(header[6:8], reply.status)
	binary.BigEndian.PutUint32(header[8:12], uint32(len(reply.extras)+len(reply.key)+len(reply.value)))
	binary.BigEndian.PutUint32(header[12:16], opaque)
	binary.BigEndian.PutUint64(header[16:24], reply.cas)

	w.Write(header)
	w.Write(reply.extras)
	w.Write(reply.key)
	w.Write(reply.value)
}

func (s *Server) handleBinaryCommand(opcode byte, extras []byte, key string, value []byte, cas uint64) []binReply {
	switch opcode {
	case binOpGet:
		s.mu.Lock()
		defer s.mu.Unlock()
		e := s.lookup(key)
		if e == nil {
			return []binReply{{status: binStatusNotFound}}
		}
		flagExtras := make([]byte, 4)
		binary.BigEndian.PutUint32(flagExtras, e.flags)
		return []binReply{{extras: flagExtras, value: e.value, cas: e.cas}}

	case binOpSet, binOpAdd, binOpReplace:
		flags := binary.BigEndian.Uint32(extras[0:4])
		exp := int64(binary.BigEndian.Uint32(extras[4:8]))

		s.mu.Lock()
		defer s.mu.Unlock()
		existing := s.lookup(key)

		if opcode == binOpAdd && existing != nil {
			return []binReply{{status: binStatusExists}}
		}
		if opcode == binOpReplace && existing == nil {
			return []binReply{{status: binStatusNotFound}}
		}
		if cas != 0 {
			if existing == nil {
				return []binReply{{status: binStatusNotFound}}
			}
			if existing.cas != cas {
				return []binReply{{status: binStatusExists}}
			}
		}

		newCAS := s.nextCAS()
		s.items[key] = &entry{
			value:   value,
			flags:   flags,
			cas:     newCAS,
			expires: expiresAt(exp),
		}
		return []binReply{{cas: newCAS}}

	case binOpAppend, binOpPrepend:
		s.mu.Lock()
		defer s.mu.Unlock()
		e := s.lookup(key)
		if e == nil {
			return []binReply{{status: binStatusNotStored}}
		}
		if opcode == binOpAppend {
			e.value = append(e.value, value...)
		} else {
			e.value = append(append([]byte{}, value...), e.value...)
		}
		e.cas = s.nextCAS()
		return []binReply{{cas: e.cas}}

	case binOpDelete:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.lookup(key) == nil {
			return []binReply{{status: binStatusNotFound}}
		}
		delete(s.items, key)
		return []binReply{{}}

	case binOpIncrement, binOpDecrement:
		delta := binary.BigEndian.Uint64(extras[0:8])
		initial := binary.BigEndian.Uint64(extras[8:16])
		exp := binary.BigEndian.Uint32(extras[16:20])

		s.mu.Lock()
		defer s.mu.Unlock()
		e := s.lookup(key)

		var next uint64
		if e == nil {
			if exp == binNoCreateExpiry {
				return []binReply{{status: binStatusNotFound}}
			}
			next = initial
			e = &entry{expires: expiresAt(int64(exp))}
			s.items[key] = e
		} else {
			current, err := strconv.ParseUint(string(e.value), 10, 64)
			if err != nil {
				return []binReply{{status: binStatusBadDelta}}
			}
			next = applyDelta(current, delta, opcode == binOpIncrement)
		}

		e.value = []byte(strconv.FormatUint(next, 10))
		e.cas = s.nextCAS()

		counter := make([]byte, 8)
		binary.BigEndian.PutUint64(counter, next)
		return []binReply{{value: counter, cas: e.cas}}

	case binOpTouch:
		exp := int64(binary.BigEndian.Uint32(extras[0:4]))
		s.mu.Lock()
		defer s.mu.Unlock()
		e := s.lookup(key)
		if e == nil {
			return []binReply{{status: binStatusNotFound}}
		}
		e.expires = expiresAt(exp)
		return []binReply{{cas: e.cas}}

	case binOpFlush:
		s.mu.Lock()
		s.items = make(map[string]*entry)
		s.mu.Unlock()
		return []binReply{{}}

	case binOpNoop:
		return []binReply{{}}

	case binOpVersion:
		return []binReply{{value: []byte(FakeVersion)}}

	case binOpStat:
		s.mu.Lock()
		n := len(s.items)
		s.mu.Unlock()
		return []binReply{
			{key: []byte("pid"), value: []byte("1")},
			{key: []byte("curr_items"), value: []byte(strconv.Itoa(n))},
			{key: []byte("version"), value: []byte(FakeVersion)},
			{}, // empty key terminates the stats stream
		}

	default:
		return []binReply{{status: binStatusUnknownCmd}}
	}
}
