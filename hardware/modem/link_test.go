package modem

import (
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	modem_config "github.com/temoto/sensorlink/hardware/modem/config"
	"github.com/temoto/sensorlink/log2"
)

func newTestLink(t testing.TB) (*Link, *ChanPort) {
	cp := NewChanPort(5 * time.Second)
	config := modem_config.Config{
		APN:              "internet",
		CommandTimeoutMs: 150,
		BearerTimeoutMs:  200,
	}
	l := NewLink(cp, config, log2.NewTest(t, log2.LDebug))
	return l, cp
}

func drainTx(cp *ChanPort) []string {
	var out []string
	for {
		select {
		case b := <-cp.Tx:
			out = append(out, string(b))
		default:
			return out
		}
	}
}

func feedBringUpOK(cp *ChanPort) {
	for i := 0; i < 6; i++ {
		cp.FeedLine("OK")
	}
	cp.FeedLine(`+SAPBR: 1,1,"10.82.13.7"`)
	cp.FeedLine("OK")
}

var bringUpWire = []string{
	"AT\r\n",
	"ATE0\r\n",
	"AT+CIPHEAD=1\r\n",
	"AT+SAPBR=3,1,\"Contype\",\"GPRS\"\r\n",
	"AT+SAPBR=3,1,\"APN\",\"internet\"\r\n",
	"AT+SAPBR=1,1\r\n",
	"AT+SAPBR=2,1\r\n",
}

func TestBringUp(t *testing.T) {
	t.Parallel()

	l, cp := newTestLink(t)
	feedBringUpOK(cp)
	require.NoError(t, l.BringUp())
	assert.Equal(t, BearerUp, l.Bearer())
	assert.Equal(t, bringUpWire, drainTx(cp))

	// second call is a no-op, bearer is reused across cycles
	require.NoError(t, l.BringUp())
	assert.Empty(t, drainTx(cp))
}

func TestBringUpOpenBearerTimeout(t *testing.T) {
	t.Parallel()

	l, cp := newTestLink(t)
	// everything up to and including APN succeeds, open-bearer never answers
	for i := 0; i < 5; i++ {
		cp.FeedLine("OK")
	}
	err := l.BringUp()
	require.Error(t, err)
	assert.Equal(t, ErrBearer, errors.Cause(err))
	assert.Equal(t, BearerDown, l.Bearer())
}

func TestBringUpCommandError(t *testing.T) {
	t.Parallel()

	l, cp := newTestLink(t)
	cp.FeedLine("OK")
	cp.FeedLine("ERROR")
	err := l.BringUp()
	require.Error(t, err)
	assert.Equal(t, ErrBearer, errors.Cause(err))
	assert.Equal(t, BearerDown, l.Bearer())
}

func TestBringUpNoAddress(t *testing.T) {
	t.Parallel()

	l, cp := newTestLink(t)
	for i := 0; i < 6; i++ {
		cp.FeedLine("OK")
	}
	cp.FeedLine(`+SAPBR: 1,3,"0.0.0.0"`)
	cp.FeedLine("OK")
	err := l.BringUp()
	require.Error(t, err)
	assert.Equal(t, ErrBearer, errors.Cause(err))
	assert.Equal(t, BearerDown, l.Bearer())
}

func testLinkUp(t testing.TB) (*Link, *ChanPort) {
	l, cp := newTestLink(t)
	feedBringUpOK(cp)
	if err := l.BringUp(); err != nil {
		t.Fatal(err)
	}
	drainTx(cp)
	return l, cp
}

func TestOpenSocket(t *testing.T) {
	t.Parallel()

	l, cp := testLinkUp(t)
	cp.FeedLine("CONNECT OK")
	require.NoError(t, l.OpenSocket("198.51.100.20", 5683))
	assert.Equal(t, SocketOpen, l.Socket())
	assert.Equal(t, []string{"AT+CIPSTART=\"UDP\",\"198.51.100.20\",\"5683\"\r\n"}, drainTx(cp))
}

func TestOpenSocketFail(t *testing.T) {
	t.Parallel()

	l, cp := testLinkUp(t)
	cp.FeedLine("CONNECT FAIL")
	err := l.OpenSocket("198.51.100.20", 5683)
	require.Error(t, err)
	assert.Equal(t, ErrSocket, errors.Cause(err))
	assert.Equal(t, SocketClosed, l.Socket())
}

func TestOpenSocketBearerDown(t *testing.T) {
	t.Parallel()

	l, _ := newTestLink(t)
	err := l.OpenSocket("198.51.100.20", 5683)
	require.Error(t, err)
	assert.Equal(t, ErrSocket, errors.Cause(err))
}

func testSocketOpen(t testing.TB) (*Link, *ChanPort) {
	l, cp := testLinkUp(t)
	cp.FeedLine("CONNECT OK")
	if err := l.OpenSocket("198.51.100.20", 5683); err != nil {
		t.Fatal(err)
	}
	drainTx(cp)
	return l, cp
}

func TestSend(t *testing.T) {
	t.Parallel()

	l, cp := testSocketOpen(t)
	cp.Feed([]byte("\r\n> "))
	cp.FeedLine("SEND OK")
	payload := []byte{0x40, 0x02, 0x12, 0x34}
	require.NoError(t, l.Send(payload))
	assert.Equal(t, SocketOpen, l.Socket())
	assert.Equal(t, []string{"AT+CIPSEND=4\r\n", string(payload)}, drainTx(cp))
}

func TestSendFailLosesSocket(t *testing.T) {
	t.Parallel()

	l, cp := testSocketOpen(t)
	cp.Feed([]byte("\r\n> "))
	cp.FeedLine("SEND FAIL")
	err := l.Send([]byte{0x01})
	require.Error(t, err)
	assert.Equal(t, ErrSend, errors.Cause(err))
	assert.Equal(t, SocketClosed, l.Socket())

	// socket must be reopened before the next send
	err = l.Send([]byte{0x01})
	require.Error(t, err)
	assert.Equal(t, ErrSend, errors.Cause(err))
}

func TestSendPromptTimeout(t *testing.T) {
	t.Parallel()

	l, _ := testSocketOpen(t)
	err := l.Send([]byte{0x01})
	require.Error(t, err)
	assert.Equal(t, ErrSend, errors.Cause(err))
	assert.Equal(t, SocketClosed, l.Socket())
}

func TestRecv(t *testing.T) {
	t.Parallel()

	l, cp := testSocketOpen(t)
	cp.Feed([]byte("\r\n+IPD,5:"))
	cp.Feed([]byte{0x60, 0x44, 0x12, 0x34, 0xff})
	b, err := l.Recv(300 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x60, 0x44, 0x12, 0x34, 0xff}, b)
}

func TestRecvTimeout(t *testing.T) {
	t.Parallel()

	l, _ := testSocketOpen(t)
	_, err := l.Recv(50 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err), "err=%v", err)
}

func TestCloseSocket(t *testing.T) {
	t.Parallel()

	l, cp := testSocketOpen(t)
	cp.FeedLine("CLOSE OK")
	l.CloseSocket()
	assert.Equal(t, SocketClosed, l.Socket())
	assert.Equal(t, []string{"AT+CIPCLOSE\r\n"}, drainTx(cp))

	// already closed: no traffic
	l.CloseSocket()
	assert.Empty(t, drainTx(cp))
}

func TestCloseSocketErrorIgnored(t *testing.T) {
	t.Parallel()

	l, cp := testSocketOpen(t)
	cp.FeedLine("ERROR")
	l.CloseSocket()
	assert.Equal(t, SocketClosed, l.Socket())
}
