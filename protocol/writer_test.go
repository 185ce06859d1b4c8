package protocol_test

import (
	"bytes"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/reveille/protocol"
)

var _ = Describe("Parsing / Writer", func() {
	Describe("EncodeResponse", func() {
		It("writes an 8 byte header followed by the cookie", func() {
			b, err := protocol.EncodeResponse(1, []byte("Wake up"), 64)
			Expect(err).To(Succeed())
			Expect(b).To(Equal([]byte{
				0, 0, 0, 1,
				0, 0, 0, 7,
				'W', 'a', 'k', 'e', ' ', 'u', 'p',
			}))
		})

		It("writes only the header for an empty cookie", func() {
			b, err := protocol.EncodeResponse(0x0a0b0c0d, nil, 64)
			Expect(err).To(Succeed())
			Expect(b).To(Equal([]byte{0x0a, 0x0b, 0x0c, 0x0d, 0, 0, 0, 0}))
		})

		It("refuses cookies larger than the maximum", func() {
			_, err := protocol.EncodeResponse(1, bytes.Repeat([]byte{'x'}, 65), 64)
			Expect(err).To(MatchError(protocol.ErrInvalidLength))
		})
	})

	Describe("WriteResponse", func() {
		It("does not write anything when the cookie is too large", func() {
			w := bytes.NewBuffer(nil)

			err := protocol.WriteResponse(w, 1, bytes.Repeat([]byte{'x'}, 65), 64)
			Expect(err).To(MatchError(protocol.ErrInvalidLength))
			Expect(w.Len()).To(BeZero())
		})
	})

	Describe("EncodeRequest", func() {
		It("writes a 16 byte header followed by the payload", func() {
			b, err := protocol.EncodeRequest(&protocol.Request{
				RequestID: 2,
				DueTime:   0x0102030405060708,
				Payload:   []byte("hi"),
			}, 64)
			Expect(err).To(Succeed())
			Expect(b).To(Equal([]byte{
				0, 0, 0, 2,
				1, 2, 3, 4, 5, 6, 7, 8,
				0, 0, 0, 2,
				'h', 'i',
			}))
		})

		It("refuses payloads larger than the maximum", func() {
			_, err := protocol.EncodeRequest(&protocol.Request{Payload: make([]byte, 65)}, 64)
			Expect(err).To(MatchError(protocol.ErrInvalidLength))
		})
	})

	Describe("NewRequest", func() {
		It("truncates the due time to whole seconds", func() {
			t := time.Unix(1700000000, 999000000)
			req := protocol.NewRequest(3, t, nil)
			Expect(req.DueTime).To(Equal(uint64(1700000000)))
		})
	})
})
