// Package bridge forwards stored readings to an MQTT broker through a
// persistent disk queue, so broker downtime never loses a reading and
// never blocks the UDP path.
package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/sensorlink/helpers"
	"github.com/temoto/sensorlink/internal/sink"
	"github.com/temoto/sensorlink/internal/types"
	"github.com/temoto/sensorlink/log2"
	"github.com/temoto/spq"
)

type Config struct { //nolint:maligned
	Enable       bool   `hcl:"enable"`
	Broker       string `hcl:"broker"`
	Topic        string `hcl:"topic"`
	ClientID     string `hcl:"client_id"`
	Password     string `hcl:"password"`
	QueuePath    string `hcl:"queue_path"`
	KeepaliveSec int    `hcl:"keepalive_sec"`
}

// Publisher delivers one payload to the broker. Implemented by
// mqttPublisher in production and by test fakes.
type Publisher interface {
	Publish(payload []byte) error
	Close()
}

// Bridge contract:
// - Store() blocks at most for the disk write of the queue push
// - queued readings are published in background, at least once
// - Close() stops the worker; unpublished readings stay queued on disk
type Bridge struct {
	log     *log2.Log
	next    sink.Storer
	pub     Publisher
	q       *spq.Queue
	backoff helpers.Backoff
	stopCh  chan struct{}
}

// queued record layout: version byte, then JSON. Gives the on-disk
// format room to change under readings queued by an older binary.
const qVersion1 byte = 1

type record struct {
	types.Reading
	ObservedAt int64 `json:"observed_at"` // unixnano, Reading omits it from JSON
}

func NewBridge(next sink.Storer, pub Publisher, queuePath string, log *log2.Log) (*Bridge, error) {
	b, err := newBridge(next, pub, queuePath, log)
	if err != nil {
		return nil, errors.Trace(err)
	}
	go b.qworker()
	return b, nil
}

func newBridge(next sink.Storer, pub Publisher, queuePath string, log *log2.Log) (*Bridge, error) {
	if queuePath == "" {
		return nil, errors.Errorf("bridge queue_path is required")
	}
	q, err := spq.Open(queuePath)
	if err != nil {
		return nil, errors.Annotate(err, "bridge queue")
	}
	b := &Bridge{
		log:    log,
		next:   next,
		pub:    pub,
		q:      q,
		stopCh: make(chan struct{}),
	}
	b.backoff.Min = 1 * time.Second
	b.backoff.Max = 5 * time.Minute
	b.backoff.K = 2
	return b, nil
}

// Store passes the reading to the wrapped sink first; only accepted
// readings are bridged. Queue push failure is logged, not returned:
// the reading is stored, the device already got its Ack.
func (b *Bridge) Store(ctx context.Context, r types.Reading) error {
	if err := b.next.Store(ctx, r); err != nil {
		return errors.Trace(err)
	}
	buf, err := json.Marshal(&record{Reading: r, ObservedAt: time.Now().UnixNano()})
	if err != nil {
		b.log.Errorf("bridge encode sensor=%s: %v", r.SensorType, err)
		return nil
	}
	if err = b.q.Push(append([]byte{qVersion1}, buf...)); err != nil {
		b.log.Errorf("bridge queue push sensor=%s: %v", r.SensorType, err)
	}
	return nil
}

func (b *Bridge) Close() {
	close(b.stopCh)
	b.q.Close()
	b.pub.Close()
}

func (b *Bridge) qworker() {
	for {
		box, err := b.q.Peek()
		switch err {
		case nil:
			buf := box.Bytes()
			var del bool
			del, err = b.qhandle(buf)
			if err != nil {
				b.log.Errorf("bridge qhandle b=%x err=%v", buf, err)
			}
			if del {
				b.backoff.Reset()
				if err = b.q.Delete(box); err != nil {
					b.log.Errorf("bridge queue delete b=%x err=%v", buf, err)
				}
			} else {
				b.backoff.Failure()
				if err = b.q.DeletePush(box); err != nil {
					b.log.Errorf("bridge queue deletepush b=%x err=%v", buf, err)
				}
				select {
				case <-time.After(b.backoff.DelayBefore()):
				case <-b.stopCh:
					return
				}
			}

		case spq.ErrClosed:
			select {
			case <-b.stopCh: // success path
			default:
				b.log.Errorf("CRITICAL bridge queue closed unexpectedly")
			}
			return

		default:
			b.log.Errorf("CRITICAL bridge queue err=%v", err)
		}
	}
}

// qhandle returns del=true when the record must leave the queue, either
// published or too broken to ever publish.
func (b *Bridge) qhandle(buf []byte) (bool, error) {
	if len(buf) < 2 {
		return true, errors.Errorf("bridge queue record too short (%d)%x", len(buf), buf)
	}
	if buf[0] != qVersion1 {
		return true, errors.Errorf("bridge queue record version=%d unknown", buf[0])
	}
	if err := b.pub.Publish(buf[1:]); err != nil {
		return false, errors.Annotate(err, "bridge publish")
	}
	return true, nil
}
