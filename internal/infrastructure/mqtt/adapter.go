package mqtt

// BridgeClient adapts Client to the bridge's MQTTClient interface. The
// bridge handlers do not return errors, and the connection lifecycle
// belongs to the process that created the Client.
type BridgeClient struct {
	client *Client
}

// ForBridge returns an adapter for handing the client to a protocol bridge.
func (c *Client) ForBridge() *BridgeClient {
	return &BridgeClient{client: c}
}

// Publish forwards to Client.Publish.
func (a *BridgeClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe wraps a void handler so it satisfies MessageHandler.
func (a *BridgeClient) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	if handler == nil {
		return a.client.Subscribe(topic, qos, nil)
	}
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected forwards to Client.IsConnected.
func (a *BridgeClient) IsConnected() bool {
	return a.client.IsConnected()
}

// Disconnect is a no-op: Close on the owning Client ends the connection.
func (a *BridgeClient) Disconnect(_ uint) {}
