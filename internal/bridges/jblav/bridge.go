package jblav

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Bridge operation constants.
const (
	// minTopicParts is the minimum number of parts in a valid MQTT topic.
	minTopicParts = 3

	// commandTimeout bounds a single command dispatch, including the
	// spaced query battery.
	commandTimeout = 5 * time.Second

	// defaultStateQueueSize bounds the pending change queue.
	defaultStateQueueSize = 100
)

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool

	// Disconnect closes the connection gracefully.
	Disconnect(quiesce uint)
}

// StateRecorder persists attribute changes.
// It is optional - if nil, the bridge keeps no history.
type StateRecorder interface {
	RecordStateChange(ctx context.Context, receiverID, attribute string, value, previous any, at time.Time) error
}

// TelemetryWriter stores numeric attribute values as time series.
// It is optional - if nil, no telemetry is written.
type TelemetryWriter interface {
	WriteReceiverAttribute(receiverID, attribute string, value float64)
}

// CommandAuditor keeps a durable record of dispatched commands.
// It is optional - if nil, commands are only logged.
type CommandAuditor interface {
	AuditCommand(ctx context.Context, cmd CommandMessage, ack AckMessage) error
}

// ReconnectCounter reports supervisor counters for health messages.
type ReconnectCounter interface {
	Stats() SupervisorStats
}

// BridgeConfig holds the MQTT-side settings of the bridge.
type BridgeConfig struct {
	// ReceiverID is used in every topic and message.
	ReceiverID string

	// Address is reported in health messages ("host:port").
	Address string

	// Version is the bridge software version reported in health messages.
	Version string

	// HealthInterval is how often health is published. Default: 30 seconds.
	HealthInterval time.Duration

	// CommandRate and CommandBurst throttle inbound commands.
	// A zero rate disables throttling.
	CommandRate  float64
	CommandBurst int

	// AllowFactoryReset enables the factory_reset command.
	AllowFactoryReset bool

	// StateQueueSize bounds pending change notifications. Default: 100.
	StateQueueSize int
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	Config     BridgeConfig
	MQTTClient MQTTClient
	Receiver   Controller

	// Reconnects is optional; when set its counters appear in health messages.
	Reconnects ReconnectCounter

	// History is optional state change persistence.
	History StateRecorder

	// Telemetry is optional time-series output.
	Telemetry TelemetryWriter

	// Audit is optional command auditing.
	Audit CommandAuditor

	// Metrics is optional.
	Metrics *Metrics

	// Logger is optional structured logger.
	Logger Logger
}

// Bridge translates between Gray Logic MQTT topics and one receiver.
// It handles:
//   - Commands from Core, acknowledged on the ack topic
//   - Receiver state changes, published retained on the state topic
//   - Request/response reads and health reporting
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	cfg       BridgeConfig
	mqtt      MQTTClient
	receiver  Controller
	history   StateRecorder
	telemetry TelemetryWriter
	audit     CommandAuditor
	metrics   *Metrics
	health    *HealthReporter
	limiter   *rate.Limiter
	logger    Logger

	changes     chan Change
	unsubscribe func()

	// Shutdown coordination
	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Config.ReceiverID == "" {
		return nil, fmt.Errorf("receiver id is required")
	}
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Receiver == nil {
		return nil, fmt.Errorf("receiver is required")
	}

	queueSize := opts.Config.StateQueueSize
	if queueSize <= 0 {
		queueSize = defaultStateQueueSize
	}

	var limiter *rate.Limiter
	if opts.Config.CommandRate > 0 {
		burst := opts.Config.CommandBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.Config.CommandRate), burst)
	}

	ctx, ctxCancel := context.WithCancel(context.Background())
	logger := orNop(opts.Logger)

	b := &Bridge{
		cfg:       opts.Config,
		mqtt:      opts.MQTTClient,
		receiver:  opts.Receiver,
		history:   opts.History,   // May be nil (optional)
		telemetry: opts.Telemetry, // May be nil (optional)
		audit:     opts.Audit,     // May be nil (optional)
		metrics:   opts.Metrics,
		limiter:   limiter,
		logger:    logger,
		changes:   make(chan Change, queueSize),
		done:      make(chan struct{}),
		ctx:       ctx,
		ctxCancel: ctxCancel,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:   opts.Config.ReceiverID,
		Version:    opts.Config.Version,
		Interval:   opts.Config.HealthInterval,
		Address:    opts.Config.Address,
		Publisher:  opts.MQTTClient,
		Receiver:   opts.Receiver,
		Reconnects: opts.Reconnects,
		Logger:     logger,
	})

	return b, nil
}

// Health returns the bridge's health reporter. Its LWT payload must be
// configured on the MQTT client before connecting.
func (b *Bridge) Health() *HealthReporter {
	return b.health
}

// Start subscribes to command and request topics, starts forwarding
// receiver changes, and begins health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	var err error
	b.startOnce.Do(func() {
		err = b.start(ctx)
	})
	return err
}

func (b *Bridge) start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logger.Error("failed to publish starting status", "error", err)
	}

	b.unsubscribe = b.receiver.Subscribe(b.enqueue)
	b.wg.Add(1)
	go b.stateLoop()

	commandTopic := CommandTopic(b.cfg.ReceiverID)
	if err := b.mqtt.Subscribe(commandTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logger.Info("subscribed to commands", "topic", commandTopic)

	requestTopic := RequestSubscribeTopic()
	if err := b.mqtt.Subscribe(requestTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to requests: %w", err)
	}
	b.logger.Info("subscribed to requests", "topic", requestTopic)

	// Seed the retained topic so late subscribers see the current snapshot.
	b.publishState(nil)

	b.health.Start(ctx)

	b.logger.Info("bridge started", "receiver_id", b.cfg.ReceiverID)
	return nil
}

// Stop gracefully shuts down the bridge.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)

		// Cancel bridge context to abort in-flight commands
		b.ctxCancel()

		if b.unsubscribe != nil {
			b.unsubscribe()
		}

		// The state loop flushes queued changes before exiting.
		b.wg.Wait()

		// Stop health reporting (publishes "stopping" status)
		b.health.Stop()

		b.logger.Info("bridge stopped")
	})
}

// handleMQTTMessage routes incoming MQTT messages to appropriate handlers.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < minTopicParts {
		b.logger.Error("invalid topic format", "topic", topic)
		return
	}

	switch parts[1] {
	case "command":
		b.handleCommand(payload)
	case "request":
		b.handleRequest(payload)
	default:
		b.logger.Error("unknown message type", "type", parts[1])
	}
}

// handleCommand processes a command message from Core.
func (b *Bridge) handleCommand(payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Error("failed to parse command", "error", err)
		return
	}

	ack := b.Dispatch(b.ctx, cmd)
	b.publishAck(ack)
}

// Dispatch executes a command through the bridge's policy (throttling and
// the factory reset gate) and returns the acknowledgment. The HTTP API uses
// it so both surfaces share one policy.
func (b *Bridge) Dispatch(ctx context.Context, cmd CommandMessage) AckMessage {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.DeviceID == "" {
		cmd.DeviceID = b.cfg.ReceiverID
	}

	b.logger.Info("received command",
		"command_id", cmd.ID,
		"command", cmd.Command,
		"source", cmd.Source)

	ack := b.dispatch(ctx, cmd)
	b.metrics.dispatched(ack)
	if ack.Error != nil {
		b.logger.Warn("command failed",
			"command_id", cmd.ID,
			"command", cmd.Command,
			"code", ack.Error.Code,
			"error", ack.Error.Message)
	}
	if b.audit != nil {
		if err := b.audit.AuditCommand(context.WithoutCancel(ctx), cmd, ack); err != nil {
			b.logger.Error("failed to audit command", "command_id", cmd.ID, "error", err)
		}
	}
	return ack
}

func (b *Bridge) dispatch(ctx context.Context, cmd CommandMessage) AckMessage {
	if cmd.DeviceID != b.cfg.ReceiverID {
		return NewAckError(cmd, ErrCodeInvalidCommand,
			fmt.Sprintf("device %s is not served by this bridge", cmd.DeviceID))
	}
	if b.limiter != nil && !b.limiter.Allow() {
		return NewAckError(cmd, ErrCodeRateLimited, "command rate exceeded")
	}
	if strings.EqualFold(cmd.Command, CmdFactoryReset) && !b.cfg.AllowFactoryReset {
		return NewAckError(cmd, ErrCodeForbidden, "factory reset is disabled")
	}

	// Derive timeout from bridge context so commands are cancelled on shutdown
	execCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	stop := context.AfterFunc(b.ctx, cancel)
	defer stop()

	err := b.receiver.Execute(execCtx, Command{Name: cmd.Command, Parameters: cmd.Parameters})
	if err != nil {
		return NewAckError(cmd, ErrorCode(err), err.Error())
	}
	return NewAckMessage(cmd)
}

// publishAck publishes a command acknowledgment.
func (b *Bridge) publishAck(ack AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logger.Error("failed to marshal ack", "error", err)
		return
	}

	if err := b.mqtt.Publish(AckTopic(b.cfg.ReceiverID), payload, 1, false); err != nil {
		b.logger.Error("failed to publish ack", "error", err)
	}
}

// Request actions.
const (
	ActionReadState = "read_state"
	ActionQuery     = "query"
	ActionReadStats = "read_stats"
)

// handleRequest processes a request message from Core.
func (b *Bridge) handleRequest(payload []byte) {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logger.Error("failed to parse request", "error", err)
		return
	}
	if req.RequestID == "" {
		b.logger.Error("request without id", "action", req.Action)
		return
	}

	b.logger.Info("received request",
		"request_id", req.RequestID,
		"action", req.Action)

	resp := b.answer(req)

	respPayload, err := json.Marshal(resp)
	if err != nil {
		b.logger.Error("failed to marshal response", "error", err)
		return
	}

	if err := b.mqtt.Publish(ResponseTopic(req.RequestID), respPayload, 1, false); err != nil {
		b.logger.Error("failed to publish response", "error", err)
	}
}

func (b *Bridge) answer(req RequestMessage) ResponseMessage {
	resp := ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
	}

	switch req.Action {
	case ActionReadState:
		resp.Success = true
		resp.Data = b.receiver.State().Named()

	case ActionQuery:
		ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
		defer cancel()
		if err := b.receiver.Execute(ctx, Command{Name: CmdQuery}); err != nil {
			resp.Error = &AckError{Code: ErrorCode(err), Message: err.Error()}
			return resp
		}
		resp.Success = true

	case ActionReadStats:
		stats := b.receiver.Stats()
		resp.Success = true
		resp.Data = map[string]any{
			"state":           stats.State.String(),
			"frames_received": stats.FramesRx,
			"frames_dropped":  stats.FramesDropped,
			"device_errors":   stats.DeviceErrors,
			"bytes_discarded": stats.BytesDiscarded,
			"commands_sent":   stats.CommandsTx,
			"heartbeats":      stats.Heartbeats,
		}

	default:
		resp.Error = &AckError{
			Code:    ErrCodeInvalidCommand,
			Message: fmt.Sprintf("unknown action: %s", req.Action),
		}
	}
	return resp
}

// enqueue is the receiver change handler. It runs on the session read loop,
// so it never blocks; changes are dropped when the queue is full.
func (b *Bridge) enqueue(c Change) {
	select {
	case b.changes <- c:
	default:
		b.logger.Warn("state queue full, dropping change", "attribute", string(c.Attribute))
	}
}

// stateLoop publishes queued changes. Changes that are already queued are
// coalesced into a single state message.
func (b *Bridge) stateLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			b.flushChanges()
			return
		case c := <-b.changes:
			batch := []Change{c}
		drain:
			for {
				select {
				case next := <-b.changes:
					batch = append(batch, next)
				default:
					break drain
				}
			}
			b.handleChanges(b.ctx, batch)
		}
	}
}

// flushChanges publishes whatever is still queued at shutdown, typically the
// session's final disconnect. The bridge context is already cancelled by then.
func (b *Bridge) flushChanges() {
	var batch []Change
	for {
		select {
		case c := <-b.changes:
			batch = append(batch, c)
		default:
			if len(batch) > 0 {
				b.handleChanges(context.WithoutCancel(b.ctx), batch)
			}
			return
		}
	}
}

func (b *Bridge) handleChanges(ctx context.Context, batch []Change) {
	changed := make([]Attribute, 0, len(batch))
	seen := make(map[Attribute]bool, len(batch))
	for _, c := range batch {
		b.record(ctx, c)
		if !seen[c.Attribute] {
			seen[c.Attribute] = true
			changed = append(changed, c.Attribute)
		}
		if c.Attribute == AttrConnection {
			if err := b.health.PublishNow(); err != nil {
				b.logger.Error("failed to publish health", "error", err)
			}
		}
	}
	b.publishState(changed)
}

// record writes one change to history and telemetry.
func (b *Bridge) record(ctx context.Context, c Change) {
	if b.history != nil {
		err := b.history.RecordStateChange(ctx, b.cfg.ReceiverID, string(c.Attribute), c.Value, c.Previous, c.Timestamp)
		if err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Error("failed to record state change", "attribute", string(c.Attribute), "error", err)
		}
	}
	if b.telemetry != nil {
		if v, ok := numeric(c.Value); ok {
			b.telemetry.WriteReceiverAttribute(b.cfg.ReceiverID, string(c.Attribute), v)
		}
	}
}

// publishState publishes the full snapshot, retained.
func (b *Bridge) publishState(changed []Attribute) {
	msg := NewStateMessage(b.cfg.ReceiverID, b.receiver.State(), changed...)
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("failed to marshal state", "error", err)
		return
	}
	if err := b.mqtt.Publish(StateTopic(b.cfg.ReceiverID), payload, 1, true); err != nil {
		b.logger.Error("failed to publish state", "error", err)
	}
}

// numeric converts attribute values to a float for telemetry.
// Booleans map to 0/1; the connection attribute maps to 0/1 as well.
func numeric(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		switch x {
		case ConnectionConnected:
			return 1, true
		case ConnectionDisconnected:
			return 0, true
		}
	}
	return 0, false
}
