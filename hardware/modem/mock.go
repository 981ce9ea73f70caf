package modem

// Public API to easy create modem stubs to test your code.

import (
	"sync"
	"time"

	"github.com/juju/errors"
)

// ChanPort is a Porter over channels for tests: each Write lands on Tx as
// one chunk, bytes queued with Feed come out of Read.
type ChanPort struct {
	Tx chan []byte

	mu    sync.Mutex
	rbuf  []byte
	rch   chan []byte
	wait  time.Duration
	guard time.Duration
}

func NewChanPort(guard time.Duration) *ChanPort {
	return &ChanPort{
		Tx:    make(chan []byte, 32),
		rch:   make(chan []byte, 32),
		wait:  10 * time.Millisecond,
		guard: guard,
	}
}

func (cp *ChanPort) Open(device string, baud int) error { return nil }
func (cp *ChanPort) Close() error                       { return nil }

// Feed queues bytes for the next Read.
func (cp *ChanPort) Feed(b []byte) { cp.rch <- append([]byte(nil), b...) }

// FeedLine queues one CRLF-terminated reply line.
func (cp *ChanPort) FeedLine(s string) { cp.Feed([]byte(crlf + s + crlf)) }

func (cp *ChanPort) Read(p []byte) (int, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if len(cp.rbuf) == 0 {
		select {
		case b := <-cp.rch:
			cp.rbuf = b
		case <-time.After(cp.wait):
			return 0, errors.Timeoutf("mock port read")
		}
	}
	n := copy(p, cp.rbuf)
	cp.rbuf = cp.rbuf[n:]
	return n, nil
}

func (cp *ChanPort) Write(p []byte) (int, error) {
	b := append([]byte(nil), p...)
	select {
	case cp.Tx <- b:
		return len(p), nil
	case <-time.After(cp.guard):
		panic("modem mock ChanPort.Write timeout guard. Link write without corresponding Tx receive")
	}
}
