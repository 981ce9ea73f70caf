package modem

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
)

// AT command protocol surface, SIM800 flavour. Echo is disabled early in the
// bring-up sequence (ATE0), so the reader never sees commands back.
const (
	crlf       = "\r\n"
	sendPrompt = "> "
	ipdPrefix  = "+IPD,"

	replyOK             = "OK"
	replyError          = "ERROR"
	replyConnectOK      = "CONNECT OK"
	replyConnectFail    = "CONNECT FAIL"
	replyAlreadyConnect = "ALREADY CONNECT"
	replySendOK         = "SEND OK"
	replySendFail       = "SEND FAIL"
	replyCloseOK        = "CLOSE OK"
)

type replyKind uint8

const (
	replyData replyKind = iota
	replyFinalSuccess
	replyFinalError
	replyPrompt
)

func classify(line string) replyKind {
	switch line {
	case replyOK, replyConnectOK, replyAlreadyConnect, replySendOK, replyCloseOK:
		return replyFinalSuccess
	case replyError, replyConnectFail, replySendFail, "NO CARRIER":
		return replyFinalError
	case sendPrompt:
		return replyPrompt
	}
	if strings.HasPrefix(line, "+CME ERROR:") || strings.HasPrefix(line, "+CMS ERROR:") {
		return replyFinalError
	}
	return replyData
}

// lineReader assembles CRLF-terminated reply lines, the bare "> " send prompt
// and "+IPD,<n>:" datagram headers from short bounded port reads.
type lineReader struct {
	port Porter
	buf  []byte
}

// Line returns the next non-empty reply line before deadline.
func (lr *lineReader) Line(deadline time.Time) (string, error) {
	for {
		lr.trimLeadingCRLF()
		if bytes.HasPrefix(lr.buf, []byte(sendPrompt)) {
			lr.buf = lr.buf[len(sendPrompt):]
			return sendPrompt, nil
		}
		if i := bytes.Index(lr.buf, []byte(crlf)); i >= 0 {
			line := string(lr.buf[:i])
			lr.buf = lr.buf[i+len(crlf):]
			if line == "" {
				continue
			}
			return line, nil
		}
		if err := lr.fill(deadline); err != nil {
			return "", err
		}
	}
}

// IPD waits for a "+IPD,<n>:" header, discarding unrelated lines, and
// returns the declared datagram length.
func (lr *lineReader) IPD(deadline time.Time) (int, error) {
	for {
		lr.trimLeadingCRLF()
		if bytes.HasPrefix(lr.buf, []byte(ipdPrefix)) {
			if i := bytes.IndexByte(lr.buf, ':'); i >= 0 {
				header := string(lr.buf[:i])
				lr.buf = lr.buf[i+1:]
				n, err := strconv.Atoi(header[len(ipdPrefix):])
				if err != nil || n < 0 {
					return 0, errors.Errorf("modem: invalid IPD header %q", header)
				}
				return n, nil
			}
		} else if i := bytes.Index(lr.buf, []byte(crlf)); i >= 0 {
			// unsolicited line while waiting for data, drop it
			lr.buf = lr.buf[i+len(crlf):]
			continue
		}
		if err := lr.fill(deadline); err != nil {
			return 0, err
		}
	}
}

// Raw consumes exactly n bytes following an IPD header.
func (lr *lineReader) Raw(n int, deadline time.Time) ([]byte, error) {
	for len(lr.buf) < n {
		if err := lr.fill(deadline); err != nil {
			return nil, err
		}
	}
	b := append([]byte(nil), lr.buf[:n]...)
	lr.buf = lr.buf[n:]
	return b, nil
}

func (lr *lineReader) trimLeadingCRLF() {
	for len(lr.buf) > 0 && (lr.buf[0] == '\r' || lr.buf[0] == '\n') {
		lr.buf = lr.buf[1:]
	}
}

func (lr *lineReader) fill(deadline time.Time) error {
	if time.Now().After(deadline) {
		return errors.Timeoutf("modem: reply wait buffered=%q", lr.buf)
	}
	var tmp [256]byte
	n, err := lr.port.Read(tmp[:])
	if n > 0 {
		lr.buf = append(lr.buf, tmp[:n]...)
		return nil
	}
	if err != nil && !errors.IsTimeout(err) {
		return errors.Trace(err)
	}
	return nil
}
