// Package cookie decides what a client receives when its timer fires.
//
// The wire protocol treats the cookie as opaque bytes so the derivation is a
// policy of the server operator, selected by name with ByName.
package cookie

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"
)

// Source is everything a generator may use to derive a cookie.
type Source struct {
	RequestID uint32
	Due       time.Time
	FiredAt   time.Time
	Payload   []byte
}

type Generator interface {
	Cookie(src Source) ([]byte, error)
}

// GeneratorFunc adapts a plain function to a Generator.
type GeneratorFunc func(src Source) ([]byte, error)

func (f GeneratorFunc) Cookie(src Source) ([]byte, error) {
	return f(src)
}

var (
	// Echo returns the payload the client sent with its request.
	Echo Generator = GeneratorFunc(func(src Source) ([]byte, error) {
		return append([]byte(nil), src.Payload...), nil
	})

	// Empty returns a zero length cookie, only the header is sent.
	Empty Generator = GeneratorFunc(func(src Source) ([]byte, error) {
		return []byte{}, nil
	})

	// Token returns a freshly generated random UUID in its string form.
	Token Generator = GeneratorFunc(func(src Source) ([]byte, error) {
		id, err := uuid.NewRandom()
		if err != nil {
			return nil, err
		}

		return []byte(id.String()), nil
	})

	// JSON returns a small JSON document describing the fired timer.
	JSON Generator = GeneratorFunc(jsonCookie)
)

var ErrTooLarge = errors.New("Cookie exceeds the maximum size")

// Limit wraps g so that cookies longer than limit bytes are refused with
// ErrTooLarge instead of being sent.
func Limit(g Generator, limit uint32) Generator {
	return GeneratorFunc(func(src Source) ([]byte, error) {
		c, err := g.Cookie(src)
		if err != nil {
			return nil, err
		}

		if uint64(len(c)) > uint64(limit) {
			return nil, fmt.Errorf("%d bytes, limit is %d: %w", len(c), limit, ErrTooLarge)
		}

		return c, nil
	})
}

var generators = map[string]Generator{
	"echo":  Echo,
	"empty": Empty,
	"token": Token,
	"json":  JSON,
}

// ByName returns the generator registered under name.
func ByName(name string) (Generator, error) {
	g, ok := generators[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("Unknown cookie generator %q, expected one of %s",
			name, strings.Join(Names(), ", "))
	}

	return g, nil
}

// Names lists the registered generator names in sorted order.
func Names() []string {
	names := make([]string, 0, len(generators))
	for name := range generators {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func jsonCookie(src Source) (doc []byte, err error) {
	doc = []byte("{}")

	if doc, err = sjson.SetBytes(doc, "id", src.RequestID); err != nil {
		return nil, err
	}

	if doc, err = sjson.SetBytes(doc, "due", src.Due.Unix()); err != nil {
		return nil, err
	}

	if doc, err = sjson.SetBytes(doc, "firedAt", src.FiredAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return nil, err
	}

	if doc, err = sjson.SetBytes(doc, "lateBy", src.FiredAt.Sub(src.Due).String()); err != nil {
		return nil, err
	}

	// Payloads that are not valid UTF-8 would be mangled as a JSON string.
	if !utf8.Valid(src.Payload) {
		return sjson.SetBytes(doc, "payloadBase64", base64.StdEncoding.EncodeToString(src.Payload))
	}

	return sjson.SetBytes(doc, "payload", string(src.Payload))
}
