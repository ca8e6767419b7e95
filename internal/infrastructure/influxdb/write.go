package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the bridge.
const (
	// MeasurementReceiverState holds one numeric value per receiver attribute.
	MeasurementReceiverState = "receiver_state"

	// MeasurementSession holds the protocol session counters.
	MeasurementSession = "receiver_session"
)

// WriteReceiverAttribute records a numeric attribute value (volume, power
// as 0/1, bass trim, ...). The write is non-blocking; data is batched and
// sent asynchronously.
//
// Example:
//
//	client.WriteReceiverAttribute("avr-01", "volume", 40)
//	client.WriteReceiverAttribute("avr-01", "power", 1)
func (c *Client) WriteReceiverAttribute(receiverID, attribute string, value float64) {
	c.WritePointWithTime(MeasurementReceiverState,
		map[string]string{
			"receiver_id": receiverID,
			"attribute":   attribute,
		},
		map[string]interface{}{
			"value": value,
		},
		time.Now(),
	)
}

// WriteSessionCounters records a snapshot of session counters, keyed by
// counter name (frames_rx, frames_dropped, heartbeats, ...).
func (c *Client) WriteSessionCounters(receiverID string, counters map[string]uint64) {
	if len(counters) == 0 {
		return
	}
	fields := make(map[string]interface{}, len(counters))
	for name, v := range counters {
		fields[name] = int64(v) //nolint:gosec // counters stay far below MaxInt64
	}
	c.WritePointWithTime(MeasurementSession, map[string]string{"receiver_id": receiverID}, fields, time.Now())
}

// WritePointWithTime writes a custom point with a specific timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
