// Package history persists receiver attribute changes to SQLite.
//
// Every change the bridge observes (power, volume, source, ...) is stored
// with its previous value, giving a local timeline that survives restarts
// and does not depend on InfluxDB. A Pruner enforces the retention window
// for history and the command audit log.
package history
