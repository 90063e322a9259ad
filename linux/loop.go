//go:build linux

package linux

import (
	"time"

	"github.com/bluetuith-org/ble-peripheral/api/bluetooth"
	"github.com/bluetuith-org/ble-peripheral/api/helpers/logger"
	dbh "github.com/bluetuith-org/ble-peripheral/linux/internal/dbushelper"
	"github.com/godbus/dbus/v5"
)

// loop is the server's main loop: one tick per quantum drains the notify
// queue and fires the periodic handlers. The loop returns when shutdown
// is triggered or a runtime failure is observed.
func (s *Session) loop() {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	errorSub, _ := bluetooth.ErrorEvents().Subscribe()
	defer errorSub.Unsubscribe()

	busSignals := s.busSignals
	errorEvents := errorSub.Events

	for {
		select {
		case <-s.stopRequest:
			return

		case sig, ok := <-busSignals:
			if !ok {
				busSignals = nil
				continue
			}
			if s.handleBusSignal(sig) {
				return
			}

		case ev, ok := <-errorEvents:
			if !ok {
				errorEvents = nil
				continue
			}
			logger.Errorf("runtime failure: %s", ev.Data.Message)
			s.failRunning()

			return

		case <-ticker.C:
			s.drainNotifications()
			s.firePeriodicEvents()
		}
	}
}

// handleBusSignal reacts to bus-level signals. Losing the well-known name
// while running is fatal.
func (s *Session) handleBusSignal(sig *dbus.Signal) bool {
	if sig.Name != dbh.DbusSignalNameLost || len(sig.Body) == 0 {
		return false
	}

	name, ok := sig.Body[0].(string)
	if !ok || name != s.cfg.BusName() {
		return false
	}

	logger.Errorf("lost bus name %q", name)
	s.failRunning()

	return true
}

func (s *Session) failRunning() {
	s.health.CompareAndSwap(int32(bluetooth.HealthOk), int32(bluetooth.HealthFailedRun))
	s.TriggerShutdown()
}

// drainNotifications empties the notify queue and dispatches one update
// per distinct token. Multiple notifies for the same node queued between
// two ticks coalesce into a single emission with the latest value.
func (s *Session) drainNotifications() {
	seen := make(map[notifyToken]struct{})

	for {
		select {
		case token := <-s.notifyQueue:
			if _, ok := seen[token]; ok {
				continue
			}
			seen[token] = struct{}{}
			s.dispatchUpdate(token)

		default:
			return
		}
	}
}

// dispatchUpdate runs one node's update handler and, when authorized,
// emits PropertiesChanged for Value.
func (s *Session) dispatchUpdate(token notifyToken) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	if token.descriptor {
		desc, ok := s.app.Descriptor(dbus.ObjectPath(token.path))
		if !ok {
			logger.Warnf("update notification for unknown descriptor %q", token.path)
			return
		}

		if desc.CallOnUpdated() {
			s.emitValueChanged(desc.Path(), desc.InterfaceName(), desc.Value())
		}

		return
	}

	chr, ok := s.app.Characteristic(dbus.ObjectPath(token.path))
	if !ok {
		logger.Warnf("update notification for unknown characteristic %q", token.path)
		return
	}

	if chr.CallOnUpdated() {
		s.emitValueChanged(chr.Path(), chr.InterfaceName(), chr.Value())
	}
}

// firePeriodicEvents advances every periodic handler by one tick and
// emits a value change for each handler that authorized one.
func (s *Session) firePeriodicEvents() {
	s.dispatchMu.Lock()
	updated := s.app.Tick()
	s.dispatchMu.Unlock()

	for _, chr := range updated {
		s.emitValueChanged(chr.Path(), chr.InterfaceName(), chr.Value())
	}
}

// emitValueChanged emits PropertiesChanged for a node's Value. Emission
// is unconditional: an authorized update always reaches subscribers, even
// when the bytes did not change.
func (s *Session) emitValueChanged(path dbus.ObjectPath, iface string, value []byte) {
	if s.emitter == nil {
		return
	}

	err := s.emitter.Emit(path, dbh.DbusSignalPropertiesChanged, iface,
		map[string]dbus.Variant{"Value": dbus.MakeVariant(value)}, []string{})
	if err != nil {
		logger.Warnf("emit value change for %s: %v", path, err)
	}
}

// emitPropertyChanged emits PropertiesChanged for a single property,
// suppressing emissions whose value matches the last one emitted for
// that property.
func (s *Session) emitPropertyChanged(path dbus.ObjectPath, iface, property string, value dbus.Variant) {
	if s.emitter == nil {
		return
	}

	key := string(path) + "#" + iface + "#" + property
	rendered := value.String()

	s.emittedMu.Lock()
	last, ok := s.emitted[key]
	if ok && last == rendered {
		s.emittedMu.Unlock()
		return
	}
	s.emitted[key] = rendered
	s.emittedMu.Unlock()

	err := s.emitter.Emit(path, dbh.DbusSignalPropertiesChanged, iface,
		map[string]dbus.Variant{property: value}, []string{})
	if err != nil {
		logger.Warnf("emit property change for %s: %v", path, err)
	}
}
