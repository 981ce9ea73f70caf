// Package agent is the device-side send loop: one reading per period,
// confirmed delivery over the modem link, best effort otherwise.
package agent

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/sensorlink/coap"
	"github.com/temoto/sensorlink/hardware/modem"
	"github.com/temoto/sensorlink/helpers"
	"github.com/temoto/sensorlink/internal/dispatch"
	"github.com/temoto/sensorlink/internal/types"
	"github.com/temoto/sensorlink/log2"
)

type Config struct {
	PeerHost       string
	PeerPort       uint16
	Period         time.Duration
	AckTimeout     time.Duration
	SendRetries    int
	BringUpRetries int
}

func (c *Config) normalize() {
	if c.Period == 0 {
		c.Period = 60 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 2 * time.Second
	}
	if c.SendRetries == 0 {
		c.SendRetries = 2
	}
	if c.BringUpRetries == 0 {
		c.BringUpRetries = 3
	}
}

type Agent struct {
	alive   *alive.Alive
	log     *log2.Log
	link    modem.Linker
	source  types.Source
	config  Config
	backoff helpers.Backoff
	seq     uint32
}

func NewAgent(link modem.Linker, source types.Source, config Config, log *log2.Log) *Agent {
	config.normalize()
	a := &Agent{
		alive:  alive.NewAlive(),
		log:    log,
		link:   link,
		source: source,
		config: config,
	}
	a.backoff.Min = 1 * time.Second
	a.backoff.Max = config.Period
	a.backoff.K = 2
	return a
}

// Run executes send cycles until Stop. A failed cycle is logged and
// skipped; the battery budget does not allow chasing a dead network.
func (a *Agent) Run() {
	if !a.alive.Add(1) {
		return
	}
	defer a.alive.Done()

	stopch := a.alive.StopChan()
	for a.alive.IsRunning() {
		if err := a.Cycle(); err != nil {
			a.log.Errorf("agent cycle: %v", err)
		}
		select {
		case <-time.After(a.config.Period):
		case <-stopch:
			return
		}
	}
}

func (a *Agent) Stop() {
	a.alive.Stop()
	a.alive.Wait()
}

// Cycle performs one full measurement delivery: bearer, socket, read,
// send with retransmits, socket close. Any failure aborts the cycle;
// the reading is lost, the next period brings a fresh one.
func (a *Agent) Cycle() error {
	if err := a.ensureLink(); err != nil {
		return errors.Trace(err)
	}
	if err := a.link.OpenSocket(a.config.PeerHost, a.config.PeerPort); err != nil {
		return errors.Annotate(err, "agent open socket")
	}
	defer a.link.CloseSocket()

	reading, err := a.source.Read()
	if err != nil {
		return errors.Annotate(err, "agent source read")
	}
	return errors.Trace(a.deliver(reading))
}

func (a *Agent) ensureLink() error {
	if a.link.Bearer() == modem.BearerUp {
		return nil
	}
	for try := 1; try <= a.config.BringUpRetries; try++ {
		err := a.link.BringUp()
		if err == nil {
			a.backoff.Reset()
			return nil
		}
		a.log.Errorf("agent bring-up try=%d/%d: %v", try, a.config.BringUpRetries, err)
		a.backoff.Failure()
		if try < a.config.BringUpRetries {
			select {
			case <-time.After(a.backoff.DelayBefore()):
			case <-a.alive.StopChan():
				return errors.Annotate(modem.ErrLinkUnavailable, "agent stopped")
			}
		}
	}
	return errors.Annotatef(modem.ErrLinkUnavailable, "agent bring-up exhausted after %d tries", a.config.BringUpRetries)
}

func (a *Agent) nextID() uint16 {
	return uint16(atomic.AddUint32(&a.seq, 1))
}

// deliver sends the reading as a Confirmable POST and waits for the
// matching Ack, retransmitting with a doubling window. A Reset from the
// peer ends the attempt immediately: the peer saw the message and
// refused it, repeating will not help.
func (a *Agent) deliver(reading types.Reading) error {
	payload, err := json.Marshal(&reading)
	if err != nil {
		return errors.Annotate(err, "agent encode reading")
	}
	req := coap.Message{
		Kind:    coap.Confirmable,
		Code:    coap.CodePOST,
		ID:      a.nextID(),
		Options: []coap.Option{{Number: coap.OptionUriPath, Value: []byte(dispatch.DataPath)}},
		Payload: payload,
	}
	wire, err := coap.Marshal(&req)
	if err != nil {
		return errors.Annotate(err, "agent encode message")
	}

	window := a.config.AckTimeout
	for attempt := 0; ; attempt++ {
		if err := a.link.Send(wire); err != nil {
			return errors.Annotatef(err, "agent send id=%04x", req.ID)
		}
		a.log.Debugf("agent sent id=%04x sensor=%s attempt=%d", req.ID, reading.SensorType, attempt)

		resp, err := a.awaitAck(req.ID, window)
		if err == nil {
			a.log.Debugf("agent confirmed id=%04x code=%s", req.ID, resp.Code)
			return nil
		}
		if errors.Cause(err) == errReset {
			return errors.Annotatef(err, "agent id=%04x", req.ID)
		}
		if !errors.IsTimeout(err) {
			return errors.Trace(err)
		}
		if attempt >= a.config.SendRetries {
			return errors.Timeoutf("agent no ack id=%04x after %d attempts", req.ID, attempt+1)
		}
		window *= 2
	}
}

var errReset = errors.New("peer reset")

// awaitAck drains inbound datagrams until one is an Ack with the
// expected message id or the window expires. Anything else in the
// socket (duplicates, strays, garbage) is logged and skipped.
func (a *Agent) awaitAck(id uint16, window time.Duration) (*coap.Message, error) {
	deadline := time.Now().Add(window)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, errors.Timeoutf("agent await ack id=%04x window=%s", id, window)
		}
		b, err := a.link.Recv(remain)
		if err != nil {
			if errors.IsTimeout(err) {
				return nil, errors.Timeoutf("agent await ack id=%04x window=%s", id, window)
			}
			return nil, errors.Trace(err)
		}
		m := new(coap.Message)
		if err := coap.Unmarshal(b, m); err != nil {
			a.log.Debugf("agent drop malformed (%d)%x: %v", len(b), b, err)
			continue
		}
		if m.ID != id {
			a.log.Debugf("agent drop id=%04x want=%04x", m.ID, id)
			continue
		}
		switch m.Kind {
		case coap.Ack:
			return m, nil
		case coap.Reset:
			return nil, errors.Trace(errReset)
		default:
			a.log.Debugf("agent drop kind=%s id=%04x", m.Kind, m.ID)
		}
	}
}
