package jblav

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// defaultHealthInterval is used when no interval is configured.
const defaultHealthInterval = 30 * time.Second

// HealthReporter manages periodic health status reporting.
// It publishes retained health messages to MQTT at regular intervals.
type HealthReporter struct {
	bridgeID   string
	version    string
	address    string
	startTime  time.Time
	interval   time.Duration
	publisher  HealthPublisher
	receiver   Controller
	reconnects ReconnectCounter
	logger     Logger

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// HealthPublisher is the interface for publishing health messages.
// This is typically implemented by an MQTT client.
type HealthPublisher interface {
	// Publish sends a message to a topic with the specified QoS and retention.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// IsConnected returns true if the publisher is connected.
	IsConnected() bool
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	BridgeID string
	Version  string

	// Address is the receiver address shown in the connection block.
	Address string

	// Interval is how often to publish health status.
	// Default: 30 seconds.
	Interval time.Duration

	Publisher  HealthPublisher
	Receiver   Controller
	Reconnects ReconnectCounter // optional
	Logger     Logger           // optional
}

// NewHealthReporter creates a new health reporter.
//
// Parameters:
//   - cfg: Configuration for the health reporter
//
// Returns:
//   - *HealthReporter: Ready to start (call Start to begin reporting)
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultHealthInterval
	}

	return &HealthReporter{
		bridgeID:   cfg.BridgeID,
		version:    cfg.Version,
		address:    cfg.Address,
		startTime:  time.Now(),
		interval:   interval,
		publisher:  cfg.Publisher,
		receiver:   cfg.Receiver,
		reconnects: cfg.Reconnects,
		logger:     orNop(cfg.Logger),
		done:       make(chan struct{}),
	}
}

// Start begins periodic health reporting.
// Call Stop to shut down.
//
// Parameters:
//   - ctx: Context for cancellation (will stop reporting when cancelled)
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop gracefully stops health reporting.
// Publishes a final "stopping" status before returning.
// Safe to call multiple times (uses sync.Once).
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // Best-effort during shutdown, nothing we can do if it fails
		h.publishStatus(HealthStopping, "")
	})
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "bridge starting")
}

// PublishNow publishes the current health status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publishStatus(status, reason)
}

// LWTPayload returns the Last Will and Testament payload. The broker
// publishes it on HealthTopic if the bridge disappears without Stop.
func (h *HealthReporter) LWTPayload() ([]byte, error) {
	return json.Marshal(HealthMessage{
		Bridge:    h.bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Version:   h.version,
		Reason:    "unexpected disconnect",
	})
}

// LWTTopic returns the topic for the Last Will and Testament.
func (h *HealthReporter) LWTTopic() string {
	return HealthTopic()
}

// reportLoop runs the periodic health reporting.
func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.logger.Error("failed to publish initial health", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logger.Error("failed to publish health", "error", err)
			}
		}
	}
}

// determineStatus evaluates the current bridge status.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.publisher == nil || !h.publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if h.receiver == nil || !h.receiver.IsConnected() {
		return HealthDegraded, "receiver disconnected"
	}
	return HealthHealthy, ""
}

// Message builds the health message for status without publishing it.
func (h *HealthReporter) Message(status HealthStatus, reason string) HealthMessage {
	msg := HealthMessage{
		Bridge:        h.bridgeID,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Reason:        reason,
	}

	if h.receiver != nil {
		stats := h.receiver.Stats()
		conn := &ConnectionStatus{
			Status:  stats.State.String(),
			Address: h.address,
		}
		if model, ok := h.receiver.State().Int(AttrModel); ok {
			conn.Model = ModelName(byte(model))
		}
		msg.Connection = conn
		msg.Statistics = &BridgeStatistics{
			FramesReceived: stats.FramesRx,
			FramesDropped:  stats.FramesDropped,
			DeviceErrors:   stats.DeviceErrors,
			CommandsSent:   stats.CommandsTx,
			Heartbeats:     stats.Heartbeats,
		}
	}
	if h.reconnects != nil {
		if msg.Statistics == nil {
			msg.Statistics = &BridgeStatistics{}
		}
		msg.Statistics.ReconnectsTotal = h.reconnects.Stats().Failures
	}
	return msg
}

// Current returns the live health message.
func (h *HealthReporter) Current() HealthMessage {
	status, reason := h.determineStatus()
	return h.Message(status, reason)
}

// publishStatus publishes a health status message (QoS 1, retained).
func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.publisher == nil {
		return nil
	}

	payload, err := json.Marshal(h.Message(status, reason))
	if err != nil {
		return err
	}
	return h.publisher.Publish(HealthTopic(), payload, 1, true)
}
