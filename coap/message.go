// Package coap implements the compact binary message layer spoken between
// the device agent and the server: 4 byte fixed header, optional token,
// delta-encoded options, 0xff payload marker. Pure encode/decode, no I/O.
package coap

import (
	"fmt"
	"strings"
)

const (
	Version        = 1
	MaxMessageSize = 1024 // link MTU, total encoded size
	MaxTokenLength = 8

	OptionUriPath = 11
)

type Kind uint8

const (
	Confirmable Kind = iota
	NonConfirmable
	Ack
	Reset
)

func (k Kind) String() string {
	switch k {
	case Confirmable:
		return "CON"
	case NonConfirmable:
		return "NON"
	case Ack:
		return "ACK"
	case Reset:
		return "RST"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Code packs class and detail in one byte: 3 bits class, 5 bits detail.
type Code uint8

const (
	CodeEmpty               Code = 0
	CodePOST                Code = 0<<5 | 2 // 0.02
	CodeChanged             Code = 2<<5 | 4 // 2.04
	CodeBadRequest          Code = 4<<5 | 0 // 4.00
	CodeNotFound            Code = 4<<5 | 4 // 4.04
	CodeInternalServerError Code = 5<<5 | 0 // 5.00
)

func (c Code) String() string { return fmt.Sprintf("%d.%02d", uint8(c)>>5, uint8(c)&0x1f) }

type Option struct {
	Number uint16
	Value  []byte
}

type Message struct {
	Kind    Kind
	Code    Code
	ID      uint16
	Token   []byte   // 0..8 opaque bytes, echoed in replies
	Options []Option // must be sorted by ascending Number
	Payload []byte
}

func (m *Message) AddOption(number uint16, value []byte) {
	m.Options = append(m.Options, Option{Number: number, Value: value})
}

// UriPath joins all Uri-Path option values with "/".
func (m *Message) UriPath() string {
	parts := make([]string, 0, 2)
	for _, opt := range m.Options {
		if opt.Number == OptionUriPath {
			parts = append(parts, string(opt.Value))
		}
	}
	return strings.Join(parts, "/")
}

// NewReply builds an Ack for req, echoing message id and token.
func NewReply(req *Message, code Code, payload []byte) *Message {
	return &Message{
		Kind:    Ack,
		Code:    code,
		ID:      req.ID,
		Token:   req.Token,
		Payload: payload,
	}
}

func (m *Message) String() string {
	return fmt.Sprintf("%s %s id=%04x token=%x options=%d payload=(%d)",
		m.Kind, m.Code, m.ID, m.Token, len(m.Options), len(m.Payload))
}
