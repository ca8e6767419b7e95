// Package influxdb provides InfluxDB connectivity for the AV bridge.
//
// It wraps the official influxdb-client-go v2 library for connection
// management, receiver telemetry writes, and health monitoring.
//
// # Purpose
//
// Numeric receiver attributes (volume, power, mute, EQ trims) are written
// as they change so dashboards can chart listening levels and on-time.
// Session counters are written on each health interval.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteReceiverAttribute("avr-01", "volume", 40)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes; write errors
// are delivered to the SetOnError callback.
package influxdb
