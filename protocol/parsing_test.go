package protocol_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/reveille/protocol"
)

func rawRequest(id uint32, due uint64, length uint32, payload []byte) []byte {
	b := make([]byte, protocol.RequestHeaderSize)
	binary.BigEndian.PutUint32(b[0:4], id)
	binary.BigEndian.PutUint64(b[4:12], due)
	binary.BigEndian.PutUint32(b[12:16], length)

	return append(b, payload...)
}

var _ = Describe("Parsing", func() {
	Describe("ReadRequest()", func() {
		It("returns io.EOF if the stream is empty", func() {
			_, err := protocol.ReadRequest(bytes.NewReader(nil), 64)
			Expect(err).To(Equal(io.EOF))
		})

		It("returns ErrTruncatedInput if the stream ends inside the header", func() {
			data := rawRequest(1, 2, 3, nil)[:10]
			_, err := protocol.ReadRequest(bytes.NewReader(data), 64)
			Expect(err).To(MatchError(protocol.ErrTruncatedInput))
		})

		It("returns ErrTruncatedInput if the stream ends inside the payload", func() {
			data := rawRequest(1, 2, 7, []byte("Wake"))
			_, err := protocol.ReadRequest(bytes.NewReader(data), 64)
			Expect(err).To(MatchError(protocol.ErrTruncatedInput))
		})

		It("returns ErrInvalidLength if the payload is larger than allowed", func() {
			data := rawRequest(1, 2, 65, nil)
			_, err := protocol.ReadRequest(bytes.NewReader(data), 64)
			Expect(err).To(MatchError(protocol.ErrInvalidLength))
		})

		It("accepts a payload of exactly the maximum size", func() {
			payload := bytes.Repeat([]byte{'z'}, 64)
			req, err := protocol.ReadRequest(bytes.NewReader(rawRequest(1, 2, 64, payload)), 64)
			Expect(err).To(Succeed())
			Expect(req.Payload).To(Equal(payload))
		})

		It("parses the header fields in network order", func() {
			data := rawRequest(0x01020304, 0x0000000061000000, 7, []byte("Wake up"))
			req, err := protocol.ReadRequest(bytes.NewReader(data), 64)
			Expect(err).To(Succeed())
			Expect(req.RequestID).To(Equal(protocol.RequestID(0x01020304)))
			Expect(req.DueTime).To(Equal(uint64(0x61000000)))
			Expect(string(req.Payload)).To(Equal("Wake up"))
			Expect(req.Due()).To(Equal(time.Unix(0x61000000, 0)))
		})

		It("parses an empty payload", func() {
			req, err := protocol.ReadRequest(bytes.NewReader(rawRequest(9, 10, 0, nil)), 64)
			Expect(err).To(Succeed())
			Expect(req.Payload).To(BeEmpty())
		})

		It("reads consecutive requests from one stream", func() {
			data := append(rawRequest(1, 100, 1, []byte("a")), rawRequest(2, 200, 2, []byte("bc"))...)
			r := bytes.NewReader(data)

			first, err := protocol.ReadRequest(r, 64)
			Expect(err).To(Succeed())
			Expect(first.RequestID).To(Equal(protocol.RequestID(1)))

			second, err := protocol.ReadRequest(r, 64)
			Expect(err).To(Succeed())
			Expect(second.RequestID).To(Equal(protocol.RequestID(2)))
			Expect(string(second.Payload)).To(Equal("bc"))

			_, err = protocol.ReadRequest(r, 64)
			Expect(err).To(Equal(io.EOF))
		})

		It("reproduces an encoded request", func() {
			for _, original := range []*protocol.Request{
				{RequestID: 0, DueTime: 0, Payload: []byte{}},
				{RequestID: 1, DueTime: uint64(time.Now().Unix() + 2), Payload: []byte("Wake up")},
				{RequestID: 0xffffffff, DueTime: 0xffffffffffffffff, Payload: []byte{0, 1, 2, 0xff}},
			} {
				w := bytes.NewBuffer(nil)
				Expect(protocol.WriteRequest(w, original, 64)).To(Succeed())

				decoded, err := protocol.ReadRequest(w, 64)
				Expect(err).To(Succeed())
				Expect(decoded).To(Equal(original))
			}
		})
	})

	Describe("Request.Due()", func() {
		It("converts whole seconds since the epoch", func() {
			req := &protocol.Request{DueTime: 1700000000}
			Expect(req.Due()).To(Equal(time.Unix(1700000000, 0)))
		})

		It("keeps due times past the signed range in the far future", func() {
			for _, due := range []uint64{1 << 63, 0xffffffffffffffff, protocol.MaxDueTime + 1} {
				req := &protocol.Request{DueTime: due}
				Expect(req.Due()).To(BeTemporally(">", time.Now().AddDate(1000, 0, 0)))
				Expect(req.Due()).To(Equal(time.Unix(int64(protocol.MaxDueTime), 0)))
			}
		})
	})

	Describe("ReadResponse()", func() {
		It("parses a response written by WriteResponse", func() {
			w := bytes.NewBuffer(nil)
			Expect(protocol.WriteResponse(w, 42, []byte("cookie"), 64)).To(Succeed())

			resp, err := protocol.ReadResponse(w, 64)
			Expect(err).To(Succeed())
			Expect(resp.RequestID).To(Equal(protocol.RequestID(42)))
			Expect(string(resp.Cookie)).To(Equal("cookie"))
		})

		It("returns ErrTruncatedInput if the cookie is cut short", func() {
			b, err := protocol.EncodeResponse(42, []byte("cookie"), 64)
			Expect(err).To(Succeed())

			_, err = protocol.ReadResponse(bytes.NewReader(b[:len(b)-1]), 64)
			Expect(err).To(MatchError(protocol.ErrTruncatedInput))
		})

		It("returns ErrInvalidLength for an oversized cookie", func() {
			b, err := protocol.EncodeResponse(42, []byte("cookie"), 64)
			Expect(err).To(Succeed())

			_, err = protocol.ReadResponse(bytes.NewReader(b), 5)
			Expect(err).To(MatchError(protocol.ErrInvalidLength))
		})
	})
})
