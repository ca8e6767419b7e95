package influxdb

import "errors"

// Sentinel errors returned by the telemetry client.
var (
	// ErrNotConnected means the client was closed or the server stopped answering pings.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrConnectionFailed means the ping during Connect failed.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrWriteFailed wraps every asynchronous batch failure handed to the
	// SetOnError callback.
	ErrWriteFailed = errors.New("influxdb: write failed")

	// ErrDisabled is returned by Connect when influxdb.enabled is false.
	ErrDisabled = errors.New("influxdb: disabled in configuration")
)
