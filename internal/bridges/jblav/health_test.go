package jblav

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

type staticReconnects struct{ failures uint64 }

func (s staticReconnects) Stats() SupervisorStats { return SupervisorStats{Failures: s.failures} }

func TestHealthDetermineStatus(t *testing.T) {
	tests := []struct {
		name          string
		mqttConnected bool
		avrConnected  bool
		want          HealthStatus
		wantReason    string
	}{
		{"all connected", true, true, HealthHealthy, ""},
		{"mqtt down", false, true, HealthDegraded, "MQTT disconnected"},
		{"receiver down", true, false, HealthDegraded, "receiver disconnected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mqtt := NewMockMQTTClient()
			mqtt.connected = tt.mqttConnected
			ctrl := newFakeController()
			ctrl.connected = tt.avrConnected

			h := NewHealthReporter(HealthReporterConfig{BridgeID: "avr", Publisher: mqtt, Receiver: ctrl})
			status, reason := h.determineStatus()
			if status != tt.want || reason != tt.wantReason {
				t.Errorf("determineStatus() = %s/%q, want %s/%q", status, reason, tt.want, tt.wantReason)
			}
		})
	}
}

func TestHealthMessageContents(t *testing.T) {
	h := NewHealthReporter(HealthReporterConfig{
		BridgeID:   "avr",
		Version:    "1.2.3",
		Address:    "10.0.0.5:50000",
		Publisher:  NewMockMQTTClient(),
		Receiver:   newFakeController(),
		Reconnects: staticReconnects{failures: 4},
	})

	msg := h.Current()
	if msg.Status != HealthHealthy || msg.Version != "1.2.3" {
		t.Errorf("message = %+v", msg)
	}
	if msg.Connection == nil || msg.Connection.Status != "ready" || msg.Connection.Model != "MA710" || msg.Connection.Address != "10.0.0.5:50000" {
		t.Errorf("connection = %+v", msg.Connection)
	}
	if msg.Statistics == nil || msg.Statistics.FramesReceived != 12 || msg.Statistics.ReconnectsTotal != 4 {
		t.Errorf("statistics = %+v", msg.Statistics)
	}
}

func TestHealthReportLoop(t *testing.T) {
	mqtt := NewMockMQTTClient()
	h := NewHealthReporter(HealthReporterConfig{
		BridgeID:  "avr",
		Interval:  10 * time.Millisecond,
		Publisher: mqtt,
		Receiver:  newFakeController(),
	})

	h.Start(context.Background())
	waitFor(t, func() bool { return len(mqtt.PublishedOn(HealthTopic())) >= 3 }, "periodic health")
	h.Stop()
	h.Stop()

	msgs := mqtt.PublishedOn(HealthTopic())
	for _, m := range msgs {
		if !m.Retained || m.QoS != 1 {
			t.Fatalf("health publish retained=%v qos=%d", m.Retained, m.QoS)
		}
	}
	var last HealthMessage
	if err := json.Unmarshal(msgs[len(msgs)-1].Payload, &last); err != nil {
		t.Fatal(err)
	}
	if last.Status != HealthStopping {
		t.Errorf("last status = %s, want stopping", last.Status)
	}
}

func TestHealthLWT(t *testing.T) {
	h := NewHealthReporter(HealthReporterConfig{BridgeID: "avr", Version: "1.0.0"})

	payload, err := h.LWTPayload()
	if err != nil {
		t.Fatalf("LWTPayload() error: %v", err)
	}
	var msg HealthMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Status != HealthOffline || msg.Bridge != "avr" {
		t.Errorf("LWT = %+v", msg)
	}
	if h.LWTTopic() != HealthTopic() {
		t.Errorf("LWTTopic() = %q", h.LWTTopic())
	}
	if err := h.PublishNow(); err != nil {
		t.Errorf("PublishNow() without publisher = %v", err)
	}
}
