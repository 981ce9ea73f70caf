package modem

import (
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/sensorlink/helpers"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		line   string
		expect replyKind
	}{
		{"OK", replyFinalSuccess},
		{"CONNECT OK", replyFinalSuccess},
		{"SEND OK", replyFinalSuccess},
		{"CLOSE OK", replyFinalSuccess},
		{"ALREADY CONNECT", replyFinalSuccess},
		{"ERROR", replyFinalError},
		{"CONNECT FAIL", replyFinalError},
		{"SEND FAIL", replyFinalError},
		{"NO CARRIER", replyFinalError},
		{"+CME ERROR: 30", replyFinalError},
		{"> ", replyPrompt},
		{"+SAPBR: 1,1,\"10.0.0.1\"", replyData},
		{"+CSQ: 15,99", replyData},
	}
	helpers.RandUnix().Shuffle(len(cases), func(i, j int) { cases[i], cases[j] = cases[j], cases[i] })
	for _, c := range cases {
		assert.Equal(t, c.expect, classify(c.line), "line=%q", c.line)
	}
}

func TestParseBearerStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		line  string
		addr  string
		valid bool
	}{
		{"connected", `+SAPBR: 1,1,"10.82.13.7"`, "10.82.13.7", true},
		{"connecting", `+SAPBR: 1,0,"0.0.0.0"`, "", false},
		{"closed", `+SAPBR: 1,3,"0.0.0.0"`, "", false},
		{"no-address", `+SAPBR: 1,1,""`, "", false},
		{"garbage", `+SAPBR: zzz`, "", false},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			addr, err := parseBearerStatus(c.line)
			if c.valid {
				require.NoError(t, err)
				assert.Equal(t, c.addr, addr)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestLineReaderChunked(t *testing.T) {
	t.Parallel()

	cp := NewChanPort(time.Second)
	lr := lineReader{port: cp}
	cp.Feed([]byte("\r\nO"))
	cp.Feed([]byte("K\r\n\r\n+IP"))
	cp.Feed([]byte("D,3:ab"))
	cp.Feed([]byte("c"))

	deadline := time.Now().Add(500 * time.Millisecond)
	line, err := lr.Line(deadline)
	require.NoError(t, err)
	assert.Equal(t, "OK", line)

	n, err := lr.IPD(deadline)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	b, err := lr.Raw(n, deadline)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), b)
}

func TestLineReaderDeadline(t *testing.T) {
	t.Parallel()

	cp := NewChanPort(time.Second)
	lr := lineReader{port: cp}
	_, err := lr.Line(time.Now().Add(30 * time.Millisecond))
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err), "err=%v", err)
}
