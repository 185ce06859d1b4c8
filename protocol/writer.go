package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// EncodeResponse serialises a response frame. Cookies larger than maxCookie
// are refused with ErrInvalidLength, the same bound that is applied to request
// payloads.
func EncodeResponse(requestID RequestID, cookie []byte, maxCookie uint32) ([]byte, error) {
	if uint64(len(cookie)) > uint64(maxCookie) {
		return nil, fmt.Errorf("Response %d carries a %d byte cookie (max %d): %w",
			requestID, len(cookie), maxCookie, ErrInvalidLength)
	}

	b := make([]byte, ResponseHeaderSize+len(cookie))
	binary.BigEndian.PutUint32(b[0:4], uint32(requestID))
	binary.BigEndian.PutUint32(b[4:8], uint32(len(cookie)))
	copy(b[ResponseHeaderSize:], cookie)

	return b, nil
}

// WriteResponse writes a full response frame with a single Write call so that
// a frame is never interleaved with another writer.
func WriteResponse(w io.Writer, requestID RequestID, cookie []byte, maxCookie uint32) error {
	b, err := EncodeResponse(requestID, cookie, maxCookie)
	if err != nil {
		return err
	}

	_, err = w.Write(b)
	return err
}

func EncodeRequest(req *Request, maxPayload uint32) ([]byte, error) {
	if uint64(len(req.Payload)) > uint64(maxPayload) {
		return nil, fmt.Errorf("Request %d carries a %d byte payload (max %d): %w",
			req.RequestID, len(req.Payload), maxPayload, ErrInvalidLength)
	}

	b := make([]byte, RequestHeaderSize+len(req.Payload))
	binary.BigEndian.PutUint32(b[0:4], uint32(req.RequestID))
	binary.BigEndian.PutUint64(b[4:12], req.DueTime)
	binary.BigEndian.PutUint32(b[12:16], uint32(len(req.Payload)))
	copy(b[RequestHeaderSize:], req.Payload)

	return b, nil
}

func WriteRequest(w io.Writer, req *Request, maxPayload uint32) error {
	b, err := EncodeRequest(req, maxPayload)
	if err != nil {
		return err
	}

	_, err = w.Write(b)
	return err
}
