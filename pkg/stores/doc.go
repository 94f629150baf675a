// Package stores provides the persistence layer for test history.
// It includes SQLite-based storage with WAL mode, embedded migrations,
// and operations for runs, test results and lifecycle events. SQLiteStore
// implements lifecycle.Recorder and can subscribe to a telemetry event
// publisher.
package stores
