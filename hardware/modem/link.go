package modem

import (
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"
	modem_config "github.com/temoto/sensorlink/hardware/modem/config"
	"github.com/temoto/sensorlink/log2"
)

type BearerState uint8

const (
	BearerDown BearerState = iota
	BearerBringingUp
	BearerUp
)

func (s BearerState) String() string {
	switch s {
	case BearerDown:
		return "down"
	case BearerBringingUp:
		return "bringing-up"
	case BearerUp:
		return "up"
	}
	return fmt.Sprintf("BearerState(%d)", uint8(s))
}

type SocketState uint8

const (
	SocketClosed SocketState = iota
	SocketOpening
	SocketOpen
)

func (s SocketState) String() string {
	switch s {
	case SocketClosed:
		return "closed"
	case SocketOpening:
		return "opening"
	case SocketOpen:
		return "open"
	}
	return fmt.Sprintf("SocketState(%d)", uint8(s))
}

// Error taxonomy of the device transport layer. All are recoverable:
// the caller skips the send cycle and the process continues.
var (
	ErrBearer          = fmt.Errorf("modem: bearer failure")
	ErrSocket          = fmt.Errorf("modem: socket failure")
	ErrSend            = fmt.Errorf("modem: send failure")
	ErrLinkUnavailable = fmt.Errorf("modem: link unavailable")
)

// Linker is the modem session as seen by the device agent.
type Linker interface {
	Bearer() BearerState
	Socket() SocketState
	BringUp() error
	OpenSocket(host string, port uint16) error
	Send(b []byte) error
	Recv(timeout time.Duration) ([]byte, error)
	CloseSocket()
}

// Link owns the bearer/socket state exclusively. Single goroutine use:
// the device loop is sequential.
type Link struct {
	log    *log2.Log
	config modem_config.Config
	r      lineReader
	bearer BearerState
	socket SocketState

	cmdTimeout    time.Duration
	bearerTimeout time.Duration
}

func NewLink(port Porter, config modem_config.Config, log *log2.Log) *Link {
	l := &Link{
		log:           log,
		config:        config,
		r:             lineReader{port: port},
		cmdTimeout:    3 * time.Second,
		bearerTimeout: 30 * time.Second,
	}
	if config.CommandTimeoutMs > 0 {
		l.cmdTimeout = time.Duration(config.CommandTimeoutMs) * time.Millisecond
	}
	if config.BearerTimeoutMs > 0 {
		l.bearerTimeout = time.Duration(config.BearerTimeoutMs) * time.Millisecond
	}
	return l
}

func (l *Link) Bearer() BearerState { return l.bearer }
func (l *Link) Socket() SocketState { return l.socket }

type step struct {
	cmd     string
	want    string
	timeout time.Duration
}

// BringUp walks the bearer configuration sequence once. On any command
// deviation the bearer returns to down and the caller decides whether to
// retry.
func (l *Link) BringUp() error {
	if l.bearer == BearerUp {
		return nil
	}
	l.bearer = BearerBringingUp
	steps := []step{
		{"AT", replyOK, l.cmdTimeout},
		{"ATE0", replyOK, l.cmdTimeout},
		{"AT+CIPHEAD=1", replyOK, l.cmdTimeout},
		{`AT+SAPBR=3,1,"Contype","GPRS"`, replyOK, l.cmdTimeout},
		{fmt.Sprintf(`AT+SAPBR=3,1,"APN",%q`, l.config.APN), replyOK, l.cmdTimeout},
		{"AT+SAPBR=1,1", replyOK, l.bearerTimeout},
	}
	for _, s := range steps {
		if err := l.command(s); err != nil {
			l.bearer = BearerDown
			return errors.Annotatef(ErrBearer, "%s: %v", s.cmd, err)
		}
	}
	addr, err := l.queryBearer()
	if err != nil {
		l.bearer = BearerDown
		return errors.Annotatef(ErrBearer, "query: %v", err)
	}
	l.bearer = BearerUp
	l.log.Debugf("modem: bearer up addr=%s", addr)
	return nil
}

// OpenSocket connects the connectionless transport endpoint to peer.
func (l *Link) OpenSocket(host string, port uint16) error {
	if l.bearer != BearerUp {
		return errors.Annotatef(ErrSocket, "bearer=%s", l.bearer)
	}
	if l.socket == SocketOpen {
		return nil
	}
	l.socket = SocketOpening
	cmd := fmt.Sprintf(`AT+CIPSTART="UDP",%q,"%d"`, host, port)
	err := l.command(step{cmd, replyConnectOK, l.cmdTimeout})
	if err != nil {
		l.socket = SocketClosed
		return errors.Annotatef(ErrSocket, "%s:%d: %v", host, port, err)
	}
	l.socket = SocketOpen
	return nil
}

// Send frames b onto the open socket: length announce, wait for the prompt,
// raw bytes, wait for confirmation. Any deviation loses the socket; the
// caller must reopen before retrying.
func (l *Link) Send(b []byte) error {
	if l.socket != SocketOpen {
		return errors.Annotatef(ErrSend, "socket=%s", l.socket)
	}
	fail := func(stage string, err error) error {
		l.socket = SocketClosed
		return errors.Annotatef(ErrSend, "%s: %v", stage, err)
	}
	if err := l.writeLine(fmt.Sprintf("AT+CIPSEND=%d", len(b))); err != nil {
		return fail("announce", err)
	}
	if err := l.expect(replyPrompt, sendPrompt, l.cmdTimeout); err != nil {
		return fail("prompt", err)
	}
	l.log.Debugf("modem: send raw (%d)%x", len(b), b)
	if _, err := l.r.port.Write(b); err != nil {
		return fail("write", err)
	}
	if err := l.expect(replyFinalSuccess, replySendOK, l.cmdTimeout); err != nil {
		return fail("confirm", err)
	}
	return nil
}

// Recv waits for one inbound datagram. Deadline expiry surfaces as a
// timeout error, checkable with errors.IsTimeout.
func (l *Link) Recv(timeout time.Duration) ([]byte, error) {
	if l.socket != SocketOpen {
		return nil, errors.Annotatef(ErrSocket, "recv socket=%s", l.socket)
	}
	deadline := time.Now().Add(timeout)
	n, err := l.r.IPD(deadline)
	if err != nil {
		return nil, errors.Trace(err)
	}
	b, err := l.r.Raw(n, deadline)
	if err != nil {
		return nil, errors.Trace(err)
	}
	l.log.Debugf("modem: recv raw (%d)%x", len(b), b)
	return b, nil
}

// CloseSocket is best-effort: the socket is being discarded anyway, errors
// are logged, not surfaced.
func (l *Link) CloseSocket() {
	if l.socket == SocketClosed {
		return
	}
	if err := l.command(step{"AT+CIPCLOSE", replyCloseOK, l.cmdTimeout}); err != nil {
		l.log.Errorf("modem: close socket: %v", err)
	}
	l.socket = SocketClosed
}

func (l *Link) writeLine(cmd string) error {
	l.log.Debugf("modem: >> %s", cmd)
	_, err := l.r.port.Write([]byte(cmd + crlf))
	return errors.Trace(err)
}

// command runs one request/response exchange, scanning replies until the
// wanted success token, a final error token or the wait budget.
func (l *Link) command(s step) error {
	if err := l.writeLine(s.cmd); err != nil {
		return errors.Trace(err)
	}
	return l.expect(replyFinalSuccess, s.want, s.timeout)
}

func (l *Link) expect(kind replyKind, want string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		line, err := l.r.Line(deadline)
		if err != nil {
			return errors.Trace(err)
		}
		l.log.Debugf("modem: << %s", line)
		k := classify(line)
		if k == kind && line == want {
			return nil
		}
		switch k {
		case replyFinalError:
			return errors.Errorf("reply %q", line)
		case replyFinalSuccess:
			return errors.Errorf("unexpected final %q want %q", line, want)
		}
		// data or unrelated reply, keep scanning
	}
}

// queryBearer issues the bearer status query and parses the assigned
// address out of `+SAPBR: <cid>,<status>,"<addr>"`.
func (l *Link) queryBearer() (string, error) {
	if err := l.writeLine("AT+SAPBR=2,1"); err != nil {
		return "", errors.Trace(err)
	}
	deadline := time.Now().Add(l.cmdTimeout)
	addr := ""
	for {
		line, err := l.r.Line(deadline)
		if err != nil {
			return "", errors.Trace(err)
		}
		l.log.Debugf("modem: << %s", line)
		switch classify(line) {
		case replyFinalSuccess:
			if addr == "" {
				return "", errors.Errorf("bearer has no address")
			}
			return addr, nil
		case replyFinalError:
			return "", errors.Errorf("reply %q", line)
		}
		if strings.HasPrefix(line, "+SAPBR:") {
			a, err := parseBearerStatus(line)
			if err != nil {
				return "", errors.Trace(err)
			}
			addr = a
		}
	}
}

func parseBearerStatus(line string) (string, error) {
	rest := strings.TrimSpace(strings.TrimPrefix(line, "+SAPBR:"))
	parts := strings.SplitN(rest, ",", 3)
	if len(parts) != 3 {
		return "", errors.Errorf("invalid bearer status %q", line)
	}
	if parts[1] != "1" { // 1=connected
		return "", errors.Errorf("bearer status=%s", parts[1])
	}
	addr := strings.Trim(parts[2], `"`)
	if addr == "" || addr == "0.0.0.0" {
		return "", errors.Errorf("bearer address=%q", addr)
	}
	return addr, nil
}
