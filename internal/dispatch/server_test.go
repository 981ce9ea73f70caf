package dispatch

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/sensorlink/coap"
	"github.com/temoto/sensorlink/internal/sink"
)

func TestServerLoopback(t *testing.T) {
	t.Parallel()

	ms := new(sink.MemSink)
	d := testDispatcher(t, ms)
	srv := NewServer(d, d.log)
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	defer srv.Close()

	conn, err := net.Dial("udp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	req := marshalPost(t, 0x0101, "data", []byte(`{"sensor":"humidity","value":40.25}`))
	_, err = conn.Write(req)
	require.NoError(t, err)

	buf := make([]byte, coap.MaxMessageSize)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	resp := unmarshalReply(t, buf[:n])
	assert.Equal(t, coap.Ack, resp.Kind)
	assert.Equal(t, coap.CodeChanged, resp.Code)
	assert.Equal(t, uint16(0x0101), resp.ID)

	require.Equal(t, 1, ms.Len())
	assert.Equal(t, "humidity", ms.Readings()[0].SensorType)
}

func TestServerNoReplyToMalformed(t *testing.T) {
	t.Parallel()

	d := testDispatcher(t, new(sink.MemSink))
	srv := NewServer(d, d.log)
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	defer srv.Close()

	conn, err := net.Dial("udp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0xff, 0xff})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	buf := make([]byte, 16)
	_, err = conn.Read(buf)
	nerr, ok := err.(net.Error)
	require.True(t, ok, "expected read timeout, got err=%v", err)
	assert.True(t, nerr.Timeout())
}

func TestServerCloseIdempotent(t *testing.T) {
	t.Parallel()

	d := testDispatcher(t, new(sink.MemSink))
	srv := NewServer(d, d.log)
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	srv.Close()
	srv.Close()
}
