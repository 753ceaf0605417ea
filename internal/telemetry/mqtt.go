package telemetry

import (
	"fmt"
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kilnworks/kilnd/internal/oven"
)

// mqttBufferSize is how many snapshots are held while disconnected.
// At a 2-second cycle this covers about 17 minutes of broker outage.
const mqttBufferSize = 512

// MQTTSink publishes each snapshot to an MQTT topic. While the broker
// is unreachable, snapshots are buffered and replayed on reconnect so
// home-automation consumers see a gapless series.
type MQTTSink struct {
	client paho.Client
	topic  string

	mu      sync.Mutex
	pending *ringBuffer
}

// NewMQTTSink connects to the broker and returns the sink. The paho
// client reconnects on its own; Publish never blocks on a dead broker.
func NewMQTTSink(broker, clientID, topic string) (*MQTTSink, error) {
	if clientID == "" {
		clientID = "kilnd"
	}
	if topic == "" {
		topic = "kiln/status"
	}

	s := &MQTTSink{
		topic:   topic,
		pending: newRingBuffer(mqttBufferSize),
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(paho.Client) {
			s.replay()
		})

	s.client = paho.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt: connection timeout to %s", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", broker, err)
	}

	return s, nil
}

// Publish sends the snapshot at QoS 0, buffering it instead when
// disconnected.
func (s *MQTTSink) Publish(snap oven.Snapshot) error {
	payload, err := encode(snap)
	if err != nil {
		return fmt.Errorf("mqtt: encode snapshot: %w", err)
	}

	if !s.client.IsConnected() {
		s.mu.Lock()
		s.pending.push(payload)
		s.mu.Unlock()
		return nil
	}

	token := s.client.Publish(s.topic, 0, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt: publish timeout")
	}
	return token.Error()
}

// replay drains the disconnected-period buffer back onto the topic.
func (s *MQTTSink) replay() {
	s.mu.Lock()
	backlog := s.pending.drainAll()
	s.mu.Unlock()

	if len(backlog) == 0 {
		return
	}
	log.Printf("telemetry: mqtt reconnected, replaying %d buffered snapshots", len(backlog))
	for _, payload := range backlog {
		token := s.client.Publish(s.topic, 0, false, payload)
		if !token.WaitTimeout(5 * time.Second) {
			log.Printf("telemetry: mqtt replay timed out")
			return
		}
		if err := token.Error(); err != nil {
			log.Printf("telemetry: mqtt replay failed: %v", err)
			return
		}
	}
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
