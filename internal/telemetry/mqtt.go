package telemetry

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// publisher is the subset of mqtt.Client used by MQTTSink.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes events to "<prefix>/decision" and "<prefix>/episode".
// Decisions are published retained so a dashboard connecting late sees the
// latest one immediately.
type MQTTSink struct {
	client publisher
	prefix string
	source string
}

// DialMQTT connects to broker and returns a sink publishing under prefix.
func DialMQTT(broker, clientID, prefix, source string) (*MQTTSink, mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)
	c := mqtt.NewClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, nil, fmt.Errorf("mqtt connect %s: %w", broker, token.Error())
	}
	return NewMQTTSink(c, prefix, source), c, nil
}

// NewMQTTSink wraps an existing client.
func NewMQTTSink(client publisher, prefix, source string) *MQTTSink {
	return &MQTTSink{client: client, prefix: prefix, source: source}
}

func (m *MQTTSink) RecordDecision(ctx context.Context, d Decision) error {
	payload, err := encodeDecision(m.source, d)
	if err != nil {
		return err
	}
	return m.publish(ctx, m.prefix+"/"+KindDecision, true, payload)
}

func (m *MQTTSink) RecordEpisode(ctx context.Context, e Episode) error {
	payload, err := encodeEpisode(m.source, e)
	if err != nil {
		return err
	}
	return m.publish(ctx, m.prefix+"/"+KindEpisode, false, payload)
}

func (m *MQTTSink) publish(ctx context.Context, topic string, retained bool, payload []byte) error {
	token := m.client.Publish(topic, 1, retained, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt publish %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}
