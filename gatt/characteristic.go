package gatt

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bluetuith-org/ble-peripheral/api/bluetooth"
	"github.com/bluetuith-org/ble-peripheral/api/errorkinds"
	"github.com/godbus/dbus/v5"
)

// ReadHandler serves a ReadValue call. It returns the value bytes to
// reply with, or an error surfaced to the caller in the org.bluez.Error
// namespace.
type ReadHandler func(inv *Invocation, c *Characteristic) ([]byte, error)

// WriteHandler serves a WriteValue call. Implementations commit the value
// (usually through the data bridge) and should forward to the update path
// so subscribers get notified. A nil return produces the empty method
// reply required by write-with-response.
type WriteHandler func(inv *Invocation, c *Characteristic, value []byte) error

// UpdatedHandler runs on the loop goroutine when the application signals
// that this node's value changed. Returning true authorizes emission of
// PropertiesChanged for Value.
type UpdatedHandler func(c *Characteristic) bool

// EventHandler runs on the loop goroutine every period ticks. Returning
// true authorizes emission of PropertiesChanged for Value.
type EventHandler func(c *Characteristic, userData any) bool

type periodicEvent struct {
	period         int
	userData       any
	handler        EventHandler
	ticksSinceLast int
}

// Characteristic is a GATT characteristic node.
type Characteristic struct {
	app     *Application
	service *Service

	name  string
	uuid  string
	flags bluetooth.Flags
	path  dbus.ObjectPath

	descriptors []*Descriptor

	readHandler    ReadHandler
	writeHandler   WriteHandler
	updatedHandler UpdatedHandler
	events         []*periodicEvent

	valueMu sync.Mutex
	value   []byte

	notifying atomic.Bool
}

func newCharacteristic(svc *Service, name, uuid string, flags bluetooth.Flags) *Characteristic {
	chr := &Characteristic{
		app:     svc.app,
		service: svc,
		name:    name,
		flags:   flags,
		path:    joinPath(svc.path, name),
	}

	if !validNodeName(name) {
		svc.app.errorf(nil, "invalid characteristic name %q", name)
	}

	normalized, err := bluetooth.NormalizeUUID(uuid)
	if err != nil {
		svc.app.errorf(err, "characteristic %q", name)
		return chr
	}
	chr.uuid = normalized

	return chr
}

// Name returns the path segment of the characteristic.
func (c *Characteristic) Name() string {
	return c.name
}

// UUID returns the normalized 128-bit UUID of the characteristic.
func (c *Characteristic) UUID() string {
	return c.uuid
}

// Path returns the object path of the characteristic.
func (c *Characteristic) Path() dbus.ObjectPath {
	return c.path
}

// Service returns the owning service.
func (c *Characteristic) Service() *Service {
	return c.service
}

// Flags returns the access flags of the characteristic.
func (c *Characteristic) Flags() bluetooth.Flags {
	return c.flags
}

// InterfaceName returns the Bluez interface this node publishes.
func (c *Characteristic) InterfaceName() string {
	return CharacteristicIface
}

// Descriptors returns the declared descriptors in declaration order.
func (c *Characteristic) Descriptors() []*Descriptor {
	return c.descriptors
}

// OnReadValue attaches the ReadValue handler.
func (c *Characteristic) OnReadValue(handler ReadHandler) *Characteristic {
	c.readHandler = handler
	return c
}

// OnWriteValue attaches the WriteValue handler.
func (c *Characteristic) OnWriteValue(handler WriteHandler) *Characteristic {
	c.writeHandler = handler
	return c
}

// OnUpdatedValue attaches the update handler invoked from the notify
// queue.
func (c *Characteristic) OnUpdatedValue(handler UpdatedHandler) *Characteristic {
	c.updatedHandler = handler
	return c
}

// OnEvent attaches a periodic handler fired every period ticks of the
// server loop.
func (c *Characteristic) OnEvent(period int, userData any, handler EventHandler) *Characteristic {
	if period <= 0 {
		c.app.errorf(nil, "characteristic %q: event period must be positive", c.name)
		return c
	}

	c.events = append(c.events, &periodicEvent{period: period, userData: userData, handler: handler})

	return c
}

// Descriptor declares a descriptor under this characteristic and runs the
// provided build closure against it.
func (c *Characteristic) Descriptor(name, uuid string, flags bluetooth.Flags, build func(*Descriptor)) *Characteristic {
	desc := newDescriptor(c, name, uuid, flags)
	c.descriptors = append(c.descriptors, desc)

	if build != nil {
		build(desc)
	}

	return c
}

// Value returns a copy of the cached value.
func (c *Characteristic) Value() []byte {
	c.valueMu.Lock()
	defer c.valueMu.Unlock()

	value := make([]byte, len(c.value))
	copy(value, c.value)

	return value
}

// SetValue replaces the cached value.
func (c *Characteristic) SetValue(value []byte) {
	c.valueMu.Lock()
	defer c.valueMu.Unlock()

	c.value = make([]byte, len(value))
	copy(c.value, value)
}

// Notifying reports whether a central holds a subscription on this
// characteristic.
func (c *Characteristic) Notifying() bool {
	return c.notifying.Load()
}

// SetNotifying records the subscription state.
func (c *Characteristic) SetNotifying(notifying bool) {
	c.notifying.Store(notifying)
}

// GetData reads application storage through the data bridge.
func (c *Characteristic) GetData(name string) any {
	if c.app.binding == nil {
		return nil
	}

	return c.app.binding.GetData(name)
}

// SetData writes application storage through the data bridge.
func (c *Characteristic) SetData(name string, value any) bool {
	if c.app.binding == nil {
		return false
	}

	return c.app.binding.SetData(name, value)
}

// NotifyUpdated queues a value-changed notification for this
// characteristic on the session's notify queue. Safe to call from any
// goroutine.
func (c *Characteristic) NotifyUpdated() bool {
	if c.app.binding == nil {
		return false
	}

	return c.app.binding.NotifyUpdatedCharacteristic(string(c.path))
}

// ReadValue invokes the read handler and refreshes the cached value on
// success.
func (c *Characteristic) ReadValue(inv *Invocation) ([]byte, error) {
	if c.readHandler == nil {
		return nil, fmt.Errorf("read %q: %w", c.path, errorkinds.ErrNotSupported)
	}

	value, err := c.readHandler(inv, c)
	if err != nil {
		return nil, err
	}

	c.SetValue(value)

	return value, nil
}

// WriteValue invokes the write handler.
func (c *Characteristic) WriteValue(inv *Invocation, value []byte) error {
	if c.writeHandler == nil {
		return fmt.Errorf("write %q: %w", c.path, errorkinds.ErrNotSupported)
	}

	return c.writeHandler(inv, c, value)
}

// CallOnUpdated runs the update handler on behalf of the loop. Without a
// handler the emission is authorized with the current cached value.
func (c *Characteristic) CallOnUpdated() bool {
	if c.updatedHandler == nil {
		return true
	}

	return c.updatedHandler(c)
}

// tickEvents advances the periodic events by one tick and reports whether
// any due handler authorized a value change emission.
func (c *Characteristic) tickEvents() bool {
	var updated bool

	for _, ev := range c.events {
		ev.ticksSinceLast++
		if ev.ticksSinceLast < ev.period {
			continue
		}

		ev.ticksSinceLast = 0
		if ev.handler != nil && ev.handler(c, ev.userData) {
			updated = true
		}
	}

	return updated
}

// Properties returns the Bluez-visible property values of this
// characteristic. The Value property is captured through the read
// handler; when the read fails or the node is write-only the cached value
// is used.
func (c *Characteristic) Properties(inv *Invocation) map[string]dbus.Variant {
	value := c.Value()
	if c.flags.CanRead() && c.readHandler != nil {
		if read, err := c.ReadValue(inv); err == nil {
			value = read
		}
	}

	return map[string]dbus.Variant{
		"UUID":      dbus.MakeVariant(c.uuid),
		"Service":   dbus.MakeVariant(c.service.path),
		"Flags":     dbus.MakeVariant([]string(c.flags)),
		"Value":     dbus.MakeVariant(value),
		"Notifying": dbus.MakeVariant(c.Notifying()),
	}
}

// validate reports the flag and handler mismatches of this node.
func (c *Characteristic) validate() []error {
	var errs []error

	if err := c.flags.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("characteristic %q: %w", c.path, err))
	}

	if c.flags.CanRead() && c.readHandler == nil {
		errs = append(errs, fmt.Errorf("characteristic %q is readable without a read handler: %w",
			c.path, errorkinds.ErrFlagMismatch))
	}
	if c.flags.CanWrite() && c.writeHandler == nil {
		errs = append(errs, fmt.Errorf("characteristic %q is writable without a write handler: %w",
			c.path, errorkinds.ErrFlagMismatch))
	}

	return errs
}

// DataValue reads a typed value for the provided name through the node's
// data bridge, falling back when the name is unknown or the type does not
// match.
func DataValue[T any](c *Characteristic, name string, fallback T) T {
	value := c.GetData(name)
	if value == nil {
		return fallback
	}

	typed, ok := value.(T)
	if !ok {
		return fallback
	}

	return typed
}
