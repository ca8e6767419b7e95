package jblav

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// MQTT message types exchanged between Gray Logic Core and the AV bridge.

// Protocol is the protocol segment used in topics and messages.
const Protocol = "jblav"

// TopicPrefix is the root of every Gray Logic topic.
const TopicPrefix = "graylogic"

// CommandMessage is sent from Core to the bridge to control the receiver.
// Topic: graylogic/command/jblav/{receiver_id}
type CommandMessage struct {
	// ID correlates the command with its acknowledgment. Generated if empty.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// DeviceID is the Gray Logic device identifier of the receiver.
	DeviceID string `json:"device_id"`

	// Command is the command name (e.g., "on", "set_volume", "select_source").
	Command string `json:"command"`

	// Parameters contains command-specific values.
	// Examples:
	//   {"volume": 40} for set_volume
	//   {"source": "HDMI 2"} for select_source
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated ("api", "automation", "scene").
	Source string `json:"source"`
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the command was written to the receiver.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"
)

// AckMessage is sent from the bridge to Core to acknowledge a command.
// Topic: graylogic/ack/jblav/{receiver_id}
//
// Acceptance means the frame was written. The receiver confirms the new value
// later through a state message.
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Command   string    `json:"command"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command failures.
const (
	ErrCodeInvalidCommand = "INVALID_COMMAND"
	ErrCodeOutOfRange     = "OUT_OF_RANGE"
	ErrCodeNotConnected   = "NOT_CONNECTED"
	ErrCodeSendFailed     = "SEND_FAILED"
	ErrCodeRateLimited    = "RATE_LIMITED"
	ErrCodeForbidden      = "FORBIDDEN"
	ErrCodeBridgeError    = "BRIDGE_ERROR"
)

// ErrorCode maps an engine error to an ack code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrOutOfRange):
		return ErrCodeOutOfRange
	case errors.Is(err, ErrInvalidCommand):
		return ErrCodeInvalidCommand
	case errors.Is(err, ErrNotConnected):
		return ErrCodeNotConnected
	case errors.Is(err, ErrSendFailed):
		return ErrCodeSendFailed
	default:
		return ErrCodeBridgeError
	}
}

// NewAckMessage creates a successful acknowledgment.
func NewAckMessage(cmd CommandMessage) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Command:   cmd.Command,
		Status:    AckAccepted,
		Protocol:  Protocol,
	}
}

// NewAckError creates a failed acknowledgment.
func NewAckError(cmd CommandMessage, code, message string) AckMessage {
	ack := NewAckMessage(cmd)
	ack.Status = AckFailed
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// StateMessage carries the full receiver snapshot after a change.
// Topic: graylogic/state/jblav/{receiver_id}
// QoS: 1, Retained: Yes
type StateMessage struct {
	DeviceID  string         `json:"device_id"`
	Timestamp time.Time      `json:"timestamp"`
	State     map[string]any `json:"state"`
	Changed   []string       `json:"changed,omitempty"`
	Protocol  string         `json:"protocol"`
}

// NewStateMessage creates a state message from a snapshot.
func NewStateMessage(deviceID string, state State, changed ...Attribute) StateMessage {
	names := make([]string, 0, len(changed))
	for _, a := range changed {
		names = append(names, string(a))
	}
	return StateMessage{
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
		State:     state.Named(),
		Changed:   names,
		Protocol:  Protocol,
	}
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthOffline   HealthStatus = "offline"
	HealthStarting  HealthStatus = "starting"
	HealthStopping  HealthStatus = "stopping"
)

// HealthMessage reports bridge status.
// Topic: graylogic/health/jblav
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge        string            `json:"bridge"`
	Timestamp     time.Time         `json:"timestamp"`
	Status        HealthStatus      `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Connection    *ConnectionStatus `json:"connection,omitempty"`
	Statistics    *BridgeStatistics `json:"statistics,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// ConnectionStatus describes the receiver connection.
type ConnectionStatus struct {
	// Status is the session state ("ready", "connecting", "disconnected", ...).
	Status  string `json:"status"`
	Address string `json:"address"`
	Model   string `json:"model,omitempty"`
}

// BridgeStatistics contains operational counters.
type BridgeStatistics struct {
	FramesReceived  uint64 `json:"frames_received"`
	FramesDropped   uint64 `json:"frames_dropped"`
	DeviceErrors    uint64 `json:"device_errors"`
	CommandsSent    uint64 `json:"commands_sent"`
	Heartbeats      uint64 `json:"heartbeats"`
	ReconnectsTotal uint64 `json:"reconnects_total"`
}

// RequestMessage is sent from Core for request/response operations.
// Topic: graylogic/request/jblav/{request_id}
type RequestMessage struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	// Action is the requested operation: "read_state", "query" or "read_stats".
	Action string `json:"action"`
}

// ResponseMessage answers a RequestMessage.
// Topic: graylogic/response/jblav/{request_id}
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *AckError      `json:"error,omitempty"`
}

// EncodeTopicAddress escapes an id for use as a single topic level.
func EncodeTopicAddress(id string) string {
	return url.PathEscape(id)
}

// CommandTopic returns the command topic for a receiver.
// Example: graylogic/command/jblav/living-room
func CommandTopic(id string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, Protocol, EncodeTopicAddress(id))
}

// AckTopic returns the acknowledgment topic for a receiver.
func AckTopic(id string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, Protocol, EncodeTopicAddress(id))
}

// StateTopic returns the retained state topic for a receiver.
func StateTopic(id string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, Protocol, EncodeTopicAddress(id))
}

// HealthTopic returns the bridge health topic. It doubles as the LWT topic.
func HealthTopic() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, Protocol)
}

// RequestSubscribeTopic returns the subscription pattern for requests.
func RequestSubscribeTopic() string {
	return fmt.Sprintf("%s/request/%s/+", TopicPrefix, Protocol)
}

// ResponseTopic returns the response topic for a request.
func ResponseTopic(requestID string) string {
	return fmt.Sprintf("%s/response/%s/%s", TopicPrefix, Protocol, EncodeTopicAddress(requestID))
}
