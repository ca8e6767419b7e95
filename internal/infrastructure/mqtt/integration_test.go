//go:build integration

package mqtt

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// Integration tests against a real broker.
// These tests require a running MQTT broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func TestIntegration_SubscriptionTracking(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.ClientID = "graylogic-avr-int-sub-track"

	client, err := Connect(cfg, nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	topics := []string{
		"graylogic/int/jblav/topic1",
		"graylogic/int/jblav/topic2",
		"graylogic/int/jblav/topic3",
	}
	handler := func(string, []byte) error { return nil }

	for _, topic := range topics {
		if err := client.Subscribe(topic, 1, handler); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", topic, err)
		}
	}
	if client.SubscriptionCount() != len(topics) {
		t.Errorf("SubscriptionCount() = %d, want %d", client.SubscriptionCount(), len(topics))
	}

	if err := client.Unsubscribe(topics[0]); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if client.HasSubscription(topics[0]) {
		t.Errorf("HasSubscription(%s) = true after unsubscribe", topics[0])
	}
}

func TestIntegration_BridgeRoundtrip(t *testing.T) {
	cfg := testConfig()

	cfg.Broker.ClientID = "graylogic-avr-int-pub"
	pub, err := Connect(cfg, nil)
	if err != nil {
		t.Fatalf("Connect() publisher error = %v", err)
	}
	defer pub.Close()

	cfg.Broker.ClientID = "graylogic-avr-int-sub"
	sub, err := Connect(cfg, nil)
	if err != nil {
		t.Fatalf("Connect() subscriber error = %v", err)
	}
	defer sub.Close()

	received := make(chan string, 1)
	var once sync.Once
	bridge := sub.ForBridge()
	err = bridge.Subscribe(Topics{}.Protocol("jblav-int"), 1, func(topic string, payload []byte) {
		once.Do(func() { received <- topic + " " + string(payload) })
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if err := pub.Publish("graylogic/command/jblav-int/avr-01", []byte(`{"command":"on"}`), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case msg := <-received:
		if msg != `graylogic/command/jblav-int/avr-01 {"command":"on"}` {
			t.Errorf("received %q", msg)
		}
	case <-time.After(5 * time.Second):
		t.Error("Timeout waiting for message")
	}
}

func TestIntegration_OnlineStatusRetained(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.ClientID = "graylogic-avr-int-status"

	client, err := Connect(cfg, nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	cfg.Broker.ClientID = "graylogic-avr-int-status-watch"
	watcher, err := Connect(cfg, nil)
	if err != nil {
		t.Fatalf("Connect() watcher error = %v", err)
	}
	defer watcher.Close()

	got := make(chan map[string]string, 1)
	err = watcher.Subscribe(Topics{}.SystemStatus("graylogic-avr-int-status"), 1, func(_ string, p []byte) error {
		var status map[string]string
		if err := json.Unmarshal(p, &status); err != nil {
			return err
		}
		select {
		case got <- status:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	select {
	case status := <-got:
		if status["status"] != "online" {
			t.Errorf("status = %v", status)
		}
	case <-time.After(5 * time.Second):
		t.Error("no retained status")
	}
}
