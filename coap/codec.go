package coap

import (
	"fmt"

	"github.com/juju/errors"
)

const payloadMarker = 0xff

// Option delta/length nibble extended encodings.
const (
	extEnd1  = 13  // one extra byte, value-13
	extEnd2  = 14  // two extra bytes big endian, value-269
	extError = 15  // reserved, malformed on the wire
	extBase2 = 269 // first value needing two extra bytes
)

var (
	ErrTooLong     = fmt.Errorf("coap: message exceeds %d bytes", MaxMessageSize)
	ErrOptionOrder = fmt.Errorf("coap: options must be sorted by ascending number")
	ErrTokenLength = fmt.Errorf("coap: token exceeds %d bytes", MaxTokenLength)
	ErrMalformed   = fmt.Errorf("coap: malformed message")
)

// Marshal encodes m in wire order: header, token, options as deltas from the
// previous option number, payload after 0xff marker. Callers must present
// options sorted; encoding as deltas is impossible otherwise.
func Marshal(m *Message) ([]byte, error) {
	if len(m.Token) > MaxTokenLength {
		return nil, errors.Annotatef(ErrTokenLength, "token=(%d)%x", len(m.Token), m.Token)
	}
	b := make([]byte, 0, 4+len(m.Token)+len(m.Payload)+16)
	b = append(b,
		Version<<6|byte(m.Kind)<<4|byte(len(m.Token)),
		byte(m.Code),
		byte(m.ID>>8), byte(m.ID))
	b = append(b, m.Token...)

	prev := uint16(0)
	for _, opt := range m.Options {
		if opt.Number < prev {
			return nil, errors.Annotatef(ErrOptionOrder, "option=%d previous=%d", opt.Number, prev)
		}
		b = appendOption(b, opt.Number-prev, opt.Value)
		prev = opt.Number
	}

	if len(m.Payload) > 0 {
		b = append(b, payloadMarker)
		b = append(b, m.Payload...)
	}
	if len(b) > MaxMessageSize {
		return nil, errors.Annotatef(ErrTooLong, "size=%d", len(b))
	}
	return b, nil
}

func appendOption(b []byte, delta uint16, value []byte) []byte {
	dn, dext := extNibble(delta)
	ln, lext := extNibble(uint16(len(value)))
	b = append(b, dn<<4|ln)
	b = append(b, dext...)
	b = append(b, lext...)
	return append(b, value...)
}

func extNibble(x uint16) (nibble byte, ext []byte) {
	switch {
	case x < extEnd1:
		return byte(x), nil
	case x < extBase2:
		return extEnd1, []byte{byte(x - extEnd1)}
	default:
		x -= extBase2
		return extEnd2, []byte{byte(x >> 8), byte(x)}
	}
}

// Unmarshal decodes b into m, reconstructing absolute option numbers by
// running sum of deltas. Any inconsistency between declared and remaining
// lengths fails with ErrMalformed; no input may cause a panic.
func Unmarshal(b []byte, m *Message) error {
	if len(b) < 4 {
		return errors.Annotatef(ErrMalformed, "header=(%d)%x", len(b), b)
	}
	if v := b[0] >> 6; v != Version {
		return errors.Annotatef(ErrMalformed, "version=%d", v)
	}
	m.Kind = Kind(b[0] >> 4 & 0x3)
	m.Code = Code(b[1])
	m.ID = uint16(b[2])<<8 | uint16(b[3])
	m.Token = nil
	m.Options = nil
	m.Payload = nil

	tkl := int(b[0] & 0xf)
	p := b[4:]
	if tkl > MaxTokenLength || tkl > len(p) {
		return errors.Annotatef(ErrMalformed, "token length=%d remaining=%d", tkl, len(p))
	}
	if tkl > 0 {
		m.Token = append([]byte(nil), p[:tkl]...)
		p = p[tkl:]
	}

	number := uint16(0)
	for len(p) > 0 {
		if p[0] == payloadMarker {
			if len(p) == 1 {
				return errors.Annotate(ErrMalformed, "payload marker without payload")
			}
			m.Payload = append([]byte(nil), p[1:]...)
			return nil
		}
		dn, ln := p[0]>>4, p[0]&0xf
		p = p[1:]
		var delta, length uint16
		var err error
		if delta, p, err = extValue(dn, p); err != nil {
			return errors.Annotate(err, "option delta")
		}
		if length, p, err = extValue(ln, p); err != nil {
			return errors.Annotate(err, "option length")
		}
		if int(length) > len(p) {
			return errors.Annotatef(ErrMalformed, "option length=%d remaining=%d", length, len(p))
		}
		number += delta
		var value []byte
		if length > 0 {
			value = append([]byte(nil), p[:length]...)
			p = p[length:]
		}
		m.Options = append(m.Options, Option{Number: number, Value: value})
	}
	return nil
}

func extValue(nibble byte, p []byte) (uint16, []byte, error) {
	switch nibble {
	case extEnd1:
		if len(p) < 1 {
			return 0, p, errors.Annotate(ErrMalformed, "truncated extended byte")
		}
		return uint16(p[0]) + extEnd1, p[1:], nil
	case extEnd2:
		if len(p) < 2 {
			return 0, p, errors.Annotate(ErrMalformed, "truncated extended word")
		}
		return (uint16(p[0])<<8 | uint16(p[1])) + extBase2, p[2:], nil
	case extError:
		return 0, p, errors.Annotate(ErrMalformed, "reserved nibble 15")
	default:
		return uint16(nibble), p, nil
	}
}
