package bridge

import (
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/sensorlink/log2"
)

const publishTimeout = 30 * time.Second

type mqttPublisher struct {
	log   *log2.Log
	m     mqtt.Client
	topic string
}

// NewMQTTPublisher connects in background with retries; broker downtime
// at startup is not an error, queued readings wait on disk.
func NewMQTTPublisher(config Config, log *log2.Log) (Publisher, error) {
	if config.Broker == "" {
		return nil, errors.Errorf("bridge broker is required")
	}
	clientID := config.ClientID
	if clientID == "" {
		clientID = "sensorlink-server"
	}
	topic := config.Topic
	if topic == "" {
		topic = "sensorlink/readings"
	}
	keepAlive := 60 * time.Second
	if config.KeepaliveSec > 0 {
		keepAlive = time.Duration(config.KeepaliveSec) * time.Second
	}
	credFun := func() (string, string) { return clientID, config.Password }
	mopt := mqtt.NewClientOptions().
		AddBroker(config.Broker).
		SetCleanSession(false).
		SetClientID(clientID).
		SetCredentialsProvider(credFun).
		SetKeepAlive(keepAlive).
		SetPingTimeout(keepAlive / 2).
		SetOrderMatters(false).
		SetConnectRetryInterval(keepAlive / 2).
		SetConnectRetry(true)
	p := &mqttPublisher{
		log:   log,
		m:     mqtt.NewClient(mopt),
		topic: topic,
	}
	if token := p.m.Connect(); token.Error() != nil {
		return nil, errors.Annotate(token.Error(), "bridge mqtt connect")
	}
	return p, nil
}

func (p *mqttPublisher) Publish(payload []byte) error {
	token := p.m.Publish(p.topic, 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.Timeoutf("bridge mqtt publish topic=%s", p.topic)
	}
	return errors.Annotatef(token.Error(), "bridge mqtt publish topic=%s", p.topic)
}

func (p *mqttPublisher) Close() {
	p.log.Debugf("bridge mqtt disconnect")
	p.m.Disconnect(uint(publishTimeout / time.Millisecond))
}
