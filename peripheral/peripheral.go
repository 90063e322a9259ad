//go:build linux

// Package peripheral is the process-wide entry point of the framework.
// One session runs at a time; every call here is safe from any
// goroutine.
package peripheral

import (
	"sync"

	"github.com/bluetuith-org/ble-peripheral/api/bluetooth"
	"github.com/bluetuith-org/ble-peripheral/api/config"
	"github.com/bluetuith-org/ble-peripheral/api/errorkinds"
	"github.com/bluetuith-org/ble-peripheral/api/helpers/logger"
	"github.com/bluetuith-org/ble-peripheral/gatt"
	"github.com/bluetuith-org/ble-peripheral/linux"
)

// Configure declares the application's GATT tree. See linux.Configure.
type Configure = linux.Configure

var (
	sessionMu sync.Mutex
	session   *linux.Session
)

// Start creates the process-wide session and blocks until it is running
// or its initialization failed. Starting while a previous session is not
// yet stopped returns errorkinds.ErrSessionExists.
func Start(cfg config.Configuration, configure Configure, getter bluetooth.DataGetter, setter bluetooth.DataSetter) error {
	sessionMu.Lock()
	if session != nil && session.RunState() != bluetooth.StateStopped {
		sessionMu.Unlock()
		return errorkinds.ErrSessionExists
	}

	s := linux.NewSession(cfg, configure, getter, setter)
	session = s
	sessionMu.Unlock()

	return s.Start()
}

// TriggerShutdown begins the asynchronous shutdown of the running
// session. Idempotent and non-blocking.
func TriggerShutdown() {
	if s := current(); s != nil {
		s.TriggerShutdown()
	}
}

// Wait blocks until the session has stopped and reports whether it
// stopped healthy. Without a session it reports true.
func Wait() bool {
	s := current()
	if s == nil {
		return true
	}

	return s.Wait()
}

// ShutdownAndWait triggers the shutdown and blocks until the session has
// stopped.
func ShutdownAndWait() bool {
	TriggerShutdown()

	return Wait()
}

// RunState returns the lifecycle state of the session.
func RunState() bluetooth.RunState {
	s := current()
	if s == nil {
		return bluetooth.StateUninitialized
	}

	return s.RunState()
}

// Health returns the health of the session.
func Health() bluetooth.Health {
	s := current()
	if s == nil {
		return bluetooth.HealthOk
	}

	return s.Health()
}

// NotifyUpdatedCharacteristic queues a value-changed notification for
// the characteristic at the provided object path.
func NotifyUpdatedCharacteristic(path string) bool {
	s := current()
	if s == nil {
		return false
	}

	return s.NotifyUpdatedCharacteristic(path)
}

// NotifyUpdatedDescriptor queues a value-changed notification for the
// descriptor at the provided object path.
func NotifyUpdatedDescriptor(path string) bool {
	s := current()
	if s == nil {
		return false
	}

	return s.NotifyUpdatedDescriptor(path)
}

// RegisterLogSink installs a process-wide sink for one log level.
func RegisterLogSink(level logger.Level, sink logger.Sink) {
	logger.Register(level, sink)
}

// DataValue reads a typed value from a node's data bridge. Re-exported
// for tree declarations.
func DataValue[T any](c *gatt.Characteristic, name string, fallback T) T {
	return gatt.DataValue(c, name, fallback)
}

func current() *linux.Session {
	sessionMu.Lock()
	defer sessionMu.Unlock()

	return session
}
