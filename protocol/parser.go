package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrTruncatedInput = errors.New("Frame is truncated, the stream closed before a full frame was read")
	ErrInvalidLength  = errors.New("Frame length exceeds the configured maximum")
)

// ReadRequest reads exactly one request frame from the provided Reader.
//
// io.EOF is returned, unwrapped, when the stream ends cleanly before the first
// header byte. This is how a client ends a session. A stream that ends anywhere
// inside a frame is reported as ErrTruncatedInput.
//
// The declared payload length is checked against maxPayload before anything
// is allocated for it.
func ReadRequest(r io.Reader, maxPayload uint32) (*Request, error) {
	var header [RequestHeaderSize]byte

	if err := readFull(r, header[:], true); err != nil {
		return nil, err
	}

	req := &Request{
		RequestID: RequestID(binary.BigEndian.Uint32(header[0:4])),
		DueTime:   binary.BigEndian.Uint64(header[4:12]),
	}

	length := binary.BigEndian.Uint32(header[12:16])
	if length > maxPayload {
		return nil, fmt.Errorf("Request %d declares a %d byte payload (max %d): %w",
			req.RequestID, length, maxPayload, ErrInvalidLength)
	}

	req.Payload = make([]byte, length)
	if err := readFull(r, req.Payload, false); err != nil {
		return nil, err
	}

	return req, nil
}

// ReadResponse reads exactly one response frame from the provided Reader. It
// is the client side counterpart of WriteResponse.
func ReadResponse(r io.Reader, maxCookie uint32) (*Response, error) {
	var header [ResponseHeaderSize]byte

	if err := readFull(r, header[:], true); err != nil {
		return nil, err
	}

	resp := &Response{
		RequestID: RequestID(binary.BigEndian.Uint32(header[0:4])),
	}

	size := binary.BigEndian.Uint32(header[4:8])
	if size > maxCookie {
		return nil, fmt.Errorf("Response %d declares a %d byte cookie (max %d): %w",
			resp.RequestID, size, maxCookie, ErrInvalidLength)
	}

	resp.Cookie = make([]byte, size)
	if err := readFull(r, resp.Cookie, false); err != nil {
		return nil, err
	}

	return resp, nil
}

func readFull(r io.Reader, buf []byte, atFrameStart bool) error {
	n, err := io.ReadFull(r, buf)
	switch {
	case err == nil:
		return nil

	case errors.Is(err, io.EOF) && n == 0 && atFrameStart:
		return io.EOF

	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("Read %d of %d bytes: %w", n, len(buf), ErrTruncatedInput)

	default:
		return err
	}
}
