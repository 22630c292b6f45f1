package executor

import (
	"context"
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ConnectorExecutor dispatches CONNECTOR-format calls: publish-and-wait
// requests against a physical message bus (MQTT here; other bus
// protocols register their own broker handles under the same operand
// shape) for edge nodes bridging into OT networks.
type ConnectorExecutor struct {
	client mqtt.Client
}

// NewConnectorExecutor connects to an MQTT broker at brokerURL.
func NewConnectorExecutor(brokerURL, clientID string) (*ConnectorExecutor, error) {
	opts := mqtt.NewClientOptions().AddBroker(brokerURL).SetClientID(clientID).SetAutoReconnect(true)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return &ConnectorExecutor{client: client}, nil
}

func (e *ConnectorExecutor) Execute(ctx context.Context, req Request) Response {
	start := time.Now()

	topic, _ := req.Operands["topic"].(string)
	if topic == "" {
		return timed(start, nil, nil, executorErr("MISSING_TOPIC", "connector executor requires operands.topic", nil))
	}
	qos, _ := req.Operands["qos"].(float64)

	payload, err := json.Marshal(req.Inputs)
	if err != nil {
		return timed(start, nil, nil, executorErr("MARSHAL_FAILED", "failed to marshal connector payload", err))
	}

	publishDone := make(chan error, 1)
	go func() {
		token := e.client.Publish(topic, byte(qos), false, payload)
		token.Wait()
		publishDone <- token.Error()
	}()

	select {
	case err := <-publishDone:
		if err != nil {
			return timed(start, nil, []string{topic}, executorErr("PUBLISH_FAILED", "MQTT publish failed", err))
		}
		return timed(start, map[string]interface{}{"published": true, "topic": topic}, []string{topic}, nil)
	case <-ctx.Done():
		return timed(start, nil, []string{topic}, executorErr("TIMEOUT", "connector publish exceeded its deadline", ctx.Err()))
	}
}

// Close disconnects the underlying MQTT client.
func (e *ConnectorExecutor) Close() {
	e.client.Disconnect(250)
}
