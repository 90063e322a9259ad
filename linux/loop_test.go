//go:build linux

package linux

import (
	"bytes"
	"sync"
	"testing"

	"github.com/bluetuith-org/ble-peripheral/api/bluetooth"
	"github.com/bluetuith-org/ble-peripheral/api/config"
	"github.com/bluetuith-org/ble-peripheral/api/errorkinds"
	"github.com/bluetuith-org/ble-peripheral/gatt"
	dbh "github.com/bluetuith-org/ble-peripheral/linux/internal/dbushelper"
	"github.com/godbus/dbus/v5"
)

type recordedSignal struct {
	path   dbus.ObjectPath
	name   string
	values []interface{}
}

// emitRecorder captures signals instead of emitting them on a bus.
type emitRecorder struct {
	mu      sync.Mutex
	signals []recordedSignal
}

func (r *emitRecorder) Emit(path dbus.ObjectPath, name string, values ...interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, recordedSignal{path: path, name: name, values: values})

	return nil
}

func (r *emitRecorder) take() []recordedSignal {
	r.mu.Lock()
	defer r.mu.Unlock()

	signals := r.signals
	r.signals = nil

	return signals
}

// signalValue extracts the Value bytes carried by a PropertiesChanged
// signal.
func signalValue(t *testing.T, sig recordedSignal) []byte {
	t.Helper()

	if sig.name != dbh.DbusSignalPropertiesChanged {
		t.Fatalf("signal name = %q", sig.name)
	}

	props, ok := sig.values[1].(map[string]dbus.Variant)
	if !ok {
		t.Fatalf("signal body = %#v", sig.values)
	}

	value, _ := props["Value"].Value().([]byte)

	return value
}

// mapBridge is a data bridge over a plain map.
type mapBridge struct {
	mu   sync.Mutex
	data map[string]any
}

func (b *mapBridge) get(name string) any {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.data[name]
}

func (b *mapBridge) set(name string, value any) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.data[name]; !ok {
		return false
	}
	b.data[name] = value

	return true
}

func batteryConfigure(app *gatt.Application) {
	app.Service("battery", "180F", func(s *gatt.Service) {
		s.Characteristic("level", "2A19", bluetooth.Flags{"read", "notify"}, func(c *gatt.Characteristic) {
			c.OnReadValue(func(inv *gatt.Invocation, c *gatt.Characteristic) ([]byte, error) {
				value := c.GetData("battery/level")
				if value == nil {
					return nil, errorkinds.ErrUnknownName
				}

				return []byte{value.(uint8)}, nil
			})
			c.OnUpdatedValue(func(c *gatt.Characteristic) bool {
				c.SetValue([]byte{gatt.DataValue(c, "battery/level", uint8(0))})
				return true
			})
		})
	})
}

func newTestSession(t *testing.T, configure Configure, bridge *mapBridge) (*Session, *emitRecorder) {
	t.Helper()

	cfg := config.NewConfiguration("testsvc", "Test", "Test Peripheral")

	var getter bluetooth.DataGetter
	var setter bluetooth.DataSetter
	if bridge != nil {
		getter, setter = bridge.get, bridge.set
	}

	s := NewSession(cfg, configure, getter, setter)
	if err := s.buildTree(); err != nil {
		t.Fatalf("buildTree: %v", err)
	}

	recorder := &emitRecorder{}
	s.emitter = recorder

	return s, recorder
}

func TestNotifyCoalescesPerTick(t *testing.T) {
	bridge := &mapBridge{data: map[string]any{"battery/level": uint8(78)}}
	s, recorder := newTestSession(t, batteryConfigure, bridge)

	path := "/com/testsvc/battery/level"

	bridge.set("battery/level", uint8(77))
	if !s.NotifyUpdatedCharacteristic(path) {
		t.Fatal("notify rejected")
	}
	s.NotifyUpdatedCharacteristic(path)

	s.drainNotifications()

	signals := recorder.take()
	if len(signals) != 1 {
		t.Fatalf("emitted %d signals, want 1", len(signals))
	}
	if value := signalValue(t, signals[0]); !bytes.Equal(value, []byte{0x4d}) {
		t.Errorf("value = % x", value)
	}
	if signals[0].path != dbus.ObjectPath(path) {
		t.Errorf("path = %q", signals[0].path)
	}

	// A quiet tick emits nothing.
	s.drainNotifications()
	if signals := recorder.take(); len(signals) != 0 {
		t.Fatalf("quiet tick emitted %d signals", len(signals))
	}
}

func TestWriteRepliesBeforeNotification(t *testing.T) {
	bridge := &mapBridge{data: map[string]any{"text/string": "Hello, world!"}}

	s, recorder := newTestSession(t, func(app *gatt.Application) {
		app.Service("text", "00000001-1E3C-FAD4-74E2-97A033F1BFAA", func(svc *gatt.Service) {
			svc.Characteristic("string", "00000002-1E3C-FAD4-74E2-97A033F1BFAA",
				bluetooth.Flags{"read", "write", "notify"}, func(c *gatt.Characteristic) {
					c.OnReadValue(func(inv *gatt.Invocation, c *gatt.Characteristic) ([]byte, error) {
						return []byte(gatt.DataValue(c, "text/string", "")), nil
					})
					c.OnWriteValue(func(inv *gatt.Invocation, c *gatt.Characteristic, value []byte) error {
						if !c.SetData("text/string", string(value)) {
							return errorkinds.ErrUnknownName
						}
						c.NotifyUpdated()

						return nil
					})
					c.OnUpdatedValue(func(c *gatt.Characteristic) bool {
						c.SetValue([]byte(gatt.DataValue(c, "text/string", "")))
						return true
					})
				})
		})
	}, bridge)

	chr, _ := s.app.Characteristic("/com/testsvc/text/string")
	obj := &characteristicObject{session: s, chr: chr}

	if derr := obj.WriteValue([]byte{0x48, 0x69}, nil); derr != nil {
		t.Fatalf("WriteValue: %v", derr)
	}

	// The method reply happens on return; nothing may have been emitted
	// yet.
	if signals := recorder.take(); len(signals) != 0 {
		t.Fatalf("emitted %d signals before the reply", len(signals))
	}

	read, derr := obj.ReadValue(nil)
	if derr != nil {
		t.Fatalf("ReadValue: %v", derr)
	}
	if !bytes.Equal(read, []byte{0x48, 0x69}) {
		t.Errorf("read back % x", read)
	}

	s.drainNotifications()

	signals := recorder.take()
	if len(signals) != 1 {
		t.Fatalf("emitted %d signals, want 1", len(signals))
	}
	if value := signalValue(t, signals[0]); !bytes.Equal(value, []byte{0x48, 0x69}) {
		t.Errorf("notified value = % x", value)
	}
}

func TestReadUnknownKeyReturnsBluezError(t *testing.T) {
	s, recorder := newTestSession(t, batteryConfigure, &mapBridge{data: map[string]any{}})

	chr, _ := s.app.Characteristic("/com/testsvc/battery/level")
	obj := &characteristicObject{session: s, chr: chr}

	_, derr := obj.ReadValue(nil)
	if derr == nil {
		t.Fatal("read of an unknown key succeeded")
	}
	if derr.Name != dbh.BluezErrorFailed {
		t.Errorf("error name = %q", derr.Name)
	}

	// The loop keeps serving afterwards.
	s.drainNotifications()
	s.firePeriodicEvents()
	if signals := recorder.take(); len(signals) != 0 {
		t.Fatalf("error produced %d signals", len(signals))
	}
}

func TestPeriodicEventEmissions(t *testing.T) {
	var fired int

	s, recorder := newTestSession(t, func(app *gatt.Application) {
		app.Service("time", "1805", func(svc *gatt.Service) {
			svc.Characteristic("current", "2A2B", bluetooth.Flags{"read", "notify"}, func(c *gatt.Characteristic) {
				c.OnReadValue(func(inv *gatt.Invocation, c *gatt.Characteristic) ([]byte, error) {
					return []byte{0x00}, nil
				})
				c.OnEvent(1, nil, func(c *gatt.Characteristic, userData any) bool {
					fired++
					c.SetValue([]byte{byte(fired)})

					return true
				})
			})
		})
	}, nil)

	for i := 0; i < 10; i++ {
		s.drainNotifications()
		s.firePeriodicEvents()
	}

	signals := recorder.take()
	if fired != 10 || len(signals) != 10 {
		t.Fatalf("fired=%d signals=%d, want 10/10", fired, len(signals))
	}
	if value := signalValue(t, signals[9]); !bytes.Equal(value, []byte{10}) {
		t.Errorf("last value = % x", value)
	}
}

func TestStartNotifyEmitsOnce(t *testing.T) {
	bridge := &mapBridge{data: map[string]any{"battery/level": uint8(78)}}
	s, recorder := newTestSession(t, batteryConfigure, bridge)

	chr, _ := s.app.Characteristic("/com/testsvc/battery/level")
	obj := &characteristicObject{session: s, chr: chr}

	if derr := obj.StartNotify(); derr != nil {
		t.Fatalf("StartNotify: %v", derr)
	}
	if !chr.Notifying() {
		t.Fatal("characteristic not marked notifying")
	}

	// A second StartNotify does not re-emit the unchanged property.
	if derr := obj.StartNotify(); derr != nil {
		t.Fatalf("StartNotify again: %v", derr)
	}

	if signals := recorder.take(); len(signals) != 1 {
		t.Fatalf("emitted %d Notifying signals, want 1", len(signals))
	}
}

func TestStartNotifyRequiresNotifyFlag(t *testing.T) {
	s, _ := newTestSession(t, func(app *gatt.Application) {
		app.Service("device", "180A", func(svc *gatt.Service) {
			svc.Characteristic("mfgr_name", "2A29", bluetooth.Flags{"read"}, func(c *gatt.Characteristic) {
				c.OnReadValue(func(inv *gatt.Invocation, c *gatt.Characteristic) ([]byte, error) {
					return []byte("Acme Inc."), nil
				})
			})
		})
	}, nil)

	chr, _ := s.app.Characteristic("/com/testsvc/device/mfgr_name")
	obj := &characteristicObject{session: s, chr: chr}

	derr := obj.StartNotify()
	if derr == nil || derr.Name != dbh.BluezErrorNotSupported {
		t.Fatalf("StartNotify = %v", derr)
	}
}

func TestStateOnlyMovesForward(t *testing.T) {
	s, _ := newTestSession(t, batteryConfigure, &mapBridge{data: map[string]any{}})

	s.setState(bluetooth.StateRunning)
	s.setState(bluetooth.StateInitializing)

	if s.RunState() != bluetooth.StateRunning {
		t.Errorf("state = %s", s.RunState())
	}
}

func TestNotifyRejectedAfterStopping(t *testing.T) {
	s, _ := newTestSession(t, batteryConfigure, &mapBridge{data: map[string]any{}})

	s.setState(bluetooth.StateStopping)

	if s.NotifyUpdatedCharacteristic("/com/testsvc/battery/level") {
		t.Error("notify accepted while stopping")
	}
}

func TestGetManagedObjectsMatchesTree(t *testing.T) {
	bridge := &mapBridge{data: map[string]any{"battery/level": uint8(78)}}
	s, _ := newTestSession(t, batteryConfigure, bridge)

	om := &objectManager{session: s}
	objects, derr := om.GetManagedObjects()
	if derr != nil {
		t.Fatalf("GetManagedObjects: %v", derr)
	}

	props, ok := objects["/com/testsvc/battery/level"][gatt.CharacteristicIface]
	if !ok {
		t.Fatal("characteristic missing from managed objects")
	}
	if value, _ := props["Value"].Value().([]byte); !bytes.Equal(value, []byte{78}) {
		t.Errorf("captured value = % x", value)
	}
}
