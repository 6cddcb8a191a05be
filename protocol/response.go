package protocol

import "fmt"

// ResponseType identifies the variant of a decoded server response.
type ResponseType uint8

const (
	RespStored ResponseType = iota + 1
	RespNotStored
	RespExists
	RespNotFound
	RespDeleted
	RespTouched
	RespValue
	RespCounter
	RespOk
	RespVersion
	RespStatsEntry
	RespEnd
	RespError
)

var responseNames = map[ResponseType]string{
	RespStored:     "STORED",
	RespNotStored:  "NOT_STORED",
	RespExists:     "EXISTS",
	RespNotFound:   "NOT_FOUND",
	RespDeleted:    "DELETED",
	RespTouched:    "TOUCHED",
	RespValue:      "VALUE",
	RespCounter:    "COUNTER",
	RespOk:         "OK",
	RespVersion:    "VERSION",
	RespStatsEntry: "STAT",
	RespEnd:        "END",
	RespError:      "ERROR",
}

func (t ResponseType) String() string {
	if name, ok := responseNames[t]; ok {
		return name
	}
	return fmt.Sprintf("response(%d)", uint8(t))
}

// Response is a single decoded server reply. Which fields are populated
// depends on Type.
type Response struct {
	Type ResponseType

	// Key is set on RespValue (and binary RespStatsEntry) frames.
	Key string

	// Value holds the item payload (RespValue) or the version string
	// bytes (RespVersion).
	Value []byte

	// Flags is the caller-supplied 32-bit tag, round-tripped (RespValue).
	Flags uint32

	// CAS is the server version stamp (RespValue when requested, and all
	// binary responses).
	CAS uint64

	// Counter is the post-operation value for RespCounter.
	Counter uint64

	// StatKey/StatValue carry one statistics pair for RespStatsEntry.
	StatKey   string
	StatValue string

	// Stats is the aggregated statistics map. It is populated by the
	// connection when it collapses a STAT.../END sequence into a single
	// RespEnd response; individual RespStatsEntry frames use
	// StatKey/StatValue instead.
	Stats map[string]string

	// Opaque echoes the request correlation ID (binary protocol).
	Opaque uint32

	// Err is set for RespError: a *ClientError, *ServerError or
	// *GenericError describing a server-reported failure.
	Err error
}

// IsMiss reports whether the response indicates the key was absent.
func (r *Response) IsMiss() bool {
	return r.Type == RespNotFound
}

// IsStored reports whether a storage operation succeeded.
func (r *Response) IsStored() bool {
	return r.Type == RespStored
}
