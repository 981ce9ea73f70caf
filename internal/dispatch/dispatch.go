// Package dispatch is the peer-side protocol engine: decode an inbound
// datagram, route by Uri-Path, answer with an Ack. State-free per request.
package dispatch

import (
	"context"

	"github.com/temoto/sensorlink/coap"
	"github.com/temoto/sensorlink/log2"
)

type HandlerFunc func(ctx context.Context, req *coap.Message) *coap.Message

type Dispatcher struct {
	log      *log2.Log
	handlers map[string]HandlerFunc
	stat     Stat
}

func NewDispatcher(log *log2.Log) *Dispatcher {
	return &Dispatcher{
		log:      log,
		handlers: make(map[string]HandlerFunc),
	}
}

func (d *Dispatcher) Handle(path string, h HandlerFunc) { d.handlers[path] = h }

func (d *Dispatcher) Stat() *Stat { return &d.stat }

// Serve processes one raw datagram and returns the encoded response, or nil
// when no response must be sent. Malformed input is dropped silently: the
// peer has no safe way to signal a framing error to an unidentified sender
// without risking amplification.
func (d *Dispatcher) Serve(ctx context.Context, b []byte) []byte {
	d.stat.Recv.Register(len(b))

	req := new(coap.Message)
	if err := coap.Unmarshal(b, req); err != nil {
		d.stat.Malformed.Add(1)
		d.log.Debugf("dispatch drop malformed (%d)%x: %v", len(b), b, err)
		return nil
	}

	path := req.UriPath()
	var resp *coap.Message
	if h := d.handlers[path]; h != nil {
		resp = h(ctx, req)
	} else {
		d.stat.NotFound.Add(1)
		d.log.Debugf("dispatch path=%q not found id=%04x", path, req.ID)
		resp = coap.NewReply(req, coap.CodeNotFound, nil)
	}
	if resp == nil {
		return nil
	}

	rb, err := coap.Marshal(resp)
	if err != nil {
		d.log.Errorf("dispatch marshal response=%s: %v", resp, err)
		return nil
	}
	d.stat.Sent.Register(len(rb))
	return rb
}
