package dispatch

import (
	"context"
	"net"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/sensorlink/coap"
	"github.com/temoto/sensorlink/log2"
)

// Server reads datagrams and hands each one to the Dispatcher in its own
// goroutine. Requests share nothing but the sink, so they never block each
// other.
type Server struct {
	alive *alive.Alive
	d     *Dispatcher
	log   *log2.Log
	pc    net.PacketConn
}

func NewServer(d *Dispatcher, log *log2.Log) *Server {
	return &Server{
		alive: alive.NewAlive(),
		d:     d,
		log:   log,
	}
}

func (s *Server) Listen(addr string) error {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return errors.Annotatef(err, "listen udp %s", addr)
	}
	s.pc = pc
	if !s.alive.Add(1) {
		pc.Close()
		return errors.Errorf("Listen after Close")
	}
	s.log.Debugf("listen udp=%s", pc.LocalAddr())
	go s.recvLoop()
	return nil
}

func (s *Server) Addr() net.Addr { return s.pc.LocalAddr() }

func (s *Server) Close() {
	s.alive.Stop()
	if s.pc != nil {
		s.pc.Close()
	}
	s.alive.Wait()
}

func (s *Server) recvLoop() {
	defer s.alive.Done()
	for {
		buf := make([]byte, coap.MaxMessageSize+1)
		n, raddr, err := s.pc.ReadFrom(buf)
		if !s.alive.IsRunning() {
			return
		}
		if err != nil {
			s.log.Errorf("server read: %v", err)
			s.alive.Stop()
			return
		}
		if !s.alive.Add(1) { // one alive subtask for each in-flight datagram
			return
		}
		go s.serveDatagram(buf[:n], raddr)
	}
}

func (s *Server) serveDatagram(b []byte, raddr net.Addr) {
	defer s.alive.Done()
	resp := s.d.Serve(context.Background(), b)
	if resp == nil {
		return
	}
	if _, err := s.pc.WriteTo(resp, raddr); err != nil {
		s.log.Errorf("server write to=%s: %v", raddr, err)
	}
}
