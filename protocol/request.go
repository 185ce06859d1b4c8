package protocol

import "time"

const (
	// RequestHeaderSize is the size of the fixed request header
	RequestHeaderSize = 16

	// ResponseHeaderSize is the size of the fixed response header
	ResponseHeaderSize = 8

	// DefaultMaxPayloadSize bounds payloads and cookies when no limit is configured
	DefaultMaxPayloadSize = 1 << 20

	// MaxDueTime is the latest wake time Due reports, later due times are
	// clamped to it. It lies far enough out to mean never.
	MaxDueTime uint64 = 1 << 62
)

type RequestID uint32

type Request struct {
	RequestID RequestID

	// DueTime is the wake time in seconds since the unix epoch
	DueTime uint64

	Payload []byte
}

// Due returns the wake time of the request.
func (r *Request) Due() time.Time {
	if r.DueTime > MaxDueTime {
		return time.Unix(int64(MaxDueTime), 0)
	}

	return time.Unix(int64(r.DueTime), 0)
}

// NewRequest builds a request that is due at t. Sub-second precision is
// truncated as the wire format only carries whole seconds.
func NewRequest(id RequestID, t time.Time, payload []byte) *Request {
	return &Request{
		RequestID: id,
		DueTime:   uint64(t.Unix()),
		Payload:   payload,
	}
}
