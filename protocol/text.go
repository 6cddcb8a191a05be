package protocol

import (
	"bytes"
	"strconv"
)

// textCodec implements the classic CRLF-delimited ASCII protocol.
type textCodec struct {
	maxValueSize int
}

func (c *textCodec) Variant() Variant { return TextProtocol }

func (c *textCodec) NewFrameReader() FrameReader { return newTextFrameReader() }

func (c *textCodec) Encode(cmd *Command) ([]byte, error) {
	if cmd.Type == CmdNoop {
		// The text protocol has no no-op; callers ping with version.
		return nil, &ValidationError{Message: "noop requires the binary protocol"}
	}
	if err := cmd.validate(c.maxValueSize); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 64+len(cmd.Value))
	buf = append(buf, cmd.Type.String()...)

	switch cmd.Type {
	case CmdGet, CmdGets, CmdDelete:
		buf = append(buf, ' ')
		buf = append(buf, cmd.Key...)

	case CmdSet, CmdAdd, CmdReplace, CmdAppend, CmdPrepend, CmdCompareSwap:
		// <verb> <key> <flags> <exptime> <bytes> [<cas>]\r\n<data>\r\n
		buf = append(buf, ' ')
		buf = append(buf, cmd.Key...)
		buf = append(buf, ' ')
		buf = strconv.AppendUint(buf, uint64(cmd.Flags), 10)
		buf = append(buf, ' ')
		buf = strconv.AppendInt(buf, int64(cmd.Expiration), 10)
		buf = append(buf, ' ')
		buf = strconv.AppendInt(buf, int64(len(cmd.Value)), 10)
		if cmd.Type == CmdCompareSwap {
			buf = append(buf, ' ')
			buf = strconv.AppendUint(buf, cmd.CAS, 10)
		}
		buf = append(buf, crlf...)
		buf = append(buf, cmd.Value...)

	case CmdIncrement, CmdDecrement:
		buf = append(buf, ' ')
		buf = append(buf, cmd.Key...)
		buf = append(buf, ' ')
		buf = strconv.AppendUint(buf, cmd.Delta, 10)

	case CmdTouch:
		buf = append(buf, ' ')
		buf = append(buf, cmd.Key...)
		buf = append(buf, ' ')
		buf = strconv.AppendInt(buf, int64(cmd.Expiration), 10)

	case CmdFlush:
		if cmd.Expiration > 0 {
			buf = append(buf, ' ')
			buf = strconv.AppendInt(buf, int64(cmd.Expiration), 10)
		}

	case CmdStats, CmdVersion:
		// verb only

	default:
		return nil, &ValidationError{Message: "unsupported command: " + cmd.Type.String()}
	}

	buf = append(buf, crlf...)
	return buf, nil
}

func (c *textCodec) Decode(fr *Frame, kind CommandType) (*Response, error) {
	line := fr.Line

	if bytes.HasPrefix(line, []byte(tokValue+" ")) {
		return decodeValueLine(line, fr.Body)
	}

	if msg, ok := cutTokenPrefix(line, tokClientError); ok {
		return &Response{Type: RespError, Err: &ClientError{Message: msg}}, nil
	}
	if msg, ok := cutTokenPrefix(line, tokServerError); ok {
		return &Response{Type: RespError, Err: &ServerError{Message: msg}}, nil
	}

	switch string(line) {
	case tokStored:
		return &Response{Type: RespStored}, nil
	case tokNotStored:
		return &Response{Type: RespNotStored}, nil
	case tokExists:
		return &Response{Type: RespExists}, nil
	case tokNotFound:
		return &Response{Type: RespNotFound}, nil
	case tokDeleted:
		return &Response{Type: RespDeleted}, nil
	case tokTouched:
		return &Response{Type: RespTouched}, nil
	case tokOk:
		return &Response{Type: RespOk}, nil
	case tokEnd:
		return &Response{Type: RespEnd}, nil
	case tokError:
		return &Response{Type: RespError, Err: &GenericError{}}, nil
	case tokClientError:
		return &Response{Type: RespError, Err: &ClientError{}}, nil
	case tokServerError:
		return &Response{Type: RespError, Err: &ServerError{}}, nil
	}

	if rest, ok := cutTokenPrefix(line, tokStat); ok {
		name, value, _ := bytes.Cut([]byte(rest), []byte(" "))
		return &Response{
			Type:      RespStatsEntry,
			StatKey:   string(name),
			StatValue: string(value),
		}, nil
	}

	if rest, ok := cutTokenPrefix(line, tokVersion); ok {
		return &Response{Type: RespVersion, Value: []byte(rest)}, nil
	}

	// A bare decimal is the reply to incr/decr; for any other command it
	// cannot be attributed to a frame boundary we trust.
	if kind == CmdIncrement || kind == CmdDecrement {
		if n, err := strconv.ParseUint(string(line), 10, 64); err == nil {
			return &Response{Type: RespCounter, Counter: n}, nil
		}
	}

	return nil, &ProtocolError{Message: "unrecognized status line: " + string(line)}
}

func decodeValueLine(line, body []byte) (*Response, error) {
	// VALUE <key> <flags> <bytes> [<cas>]
	fields := bytes.Fields(line)
	if len(fields) != 4 && len(fields) != 5 {
		return nil, &ProtocolError{Message: "malformed VALUE line: " + string(line)}
	}

	flags, err := strconv.ParseUint(string(fields[2]), 10, 32)
	if err != nil {
		return nil, &ProtocolError{Message: "invalid flags in VALUE line", Err: err}
	}

	size, err := strconv.Atoi(string(fields[3]))
	if err != nil || size != len(body) {
		return nil, &ProtocolError{Message: "VALUE byte count does not match data block"}
	}

	resp := &Response{
		Type:  RespValue,
		Key:   string(fields[1]),
		Flags: uint32(flags),
		Value: body,
	}

	if len(fields) == 5 {
		cas, err := strconv.ParseUint(string(fields[4]), 10, 64)
		if err != nil {
			return nil, &ProtocolError{Message: "invalid cas token in VALUE line", Err: err}
		}
		resp.CAS = cas
	}

	return resp, nil
}

// cutTokenPrefix strips "<token>" or "<token> " from the line.
// ok is false when the line does not start with the token.
func cutTokenPrefix(line []byte, token string) (rest string, ok bool) {
	if !bytes.HasPrefix(line, []byte(token)) {
		return "", false
	}
	tail := line[len(token):]
	if len(tail) == 0 {
		return "", false // bare token, handled elsewhere
	}
	if tail[0] != ' ' {
		return "", false
	}
	return string(tail[1:]), true
}
