package gatt

import (
	"fmt"
	"sync"

	"github.com/bluetuith-org/ble-peripheral/api/bluetooth"
	"github.com/bluetuith-org/ble-peripheral/api/errorkinds"
	"github.com/godbus/dbus/v5"
)

// DescriptorReadHandler serves a ReadValue call on a descriptor.
type DescriptorReadHandler func(inv *Invocation, d *Descriptor) ([]byte, error)

// DescriptorWriteHandler serves a WriteValue call on a descriptor.
type DescriptorWriteHandler func(inv *Invocation, d *Descriptor, value []byte) error

// DescriptorUpdatedHandler runs on the loop goroutine when the
// application signals that this descriptor's value changed.
type DescriptorUpdatedHandler func(d *Descriptor) bool

// Descriptor is a GATT descriptor node.
type Descriptor struct {
	app            *Application
	characteristic *Characteristic

	name  string
	uuid  string
	flags bluetooth.Flags
	path  dbus.ObjectPath

	readHandler    DescriptorReadHandler
	writeHandler   DescriptorWriteHandler
	updatedHandler DescriptorUpdatedHandler

	valueMu sync.Mutex
	value   []byte
}

func newDescriptor(chr *Characteristic, name, uuid string, flags bluetooth.Flags) *Descriptor {
	desc := &Descriptor{
		app:            chr.app,
		characteristic: chr,
		name:           name,
		flags:          flags,
		path:           joinPath(chr.path, name),
	}

	if !validNodeName(name) {
		chr.app.errorf(nil, "invalid descriptor name %q", name)
	}

	normalized, err := bluetooth.NormalizeUUID(uuid)
	if err != nil {
		chr.app.errorf(err, "descriptor %q", name)
		return desc
	}
	desc.uuid = normalized

	return desc
}

// Name returns the path segment of the descriptor.
func (d *Descriptor) Name() string {
	return d.name
}

// UUID returns the normalized 128-bit UUID of the descriptor.
func (d *Descriptor) UUID() string {
	return d.uuid
}

// Path returns the object path of the descriptor.
func (d *Descriptor) Path() dbus.ObjectPath {
	return d.path
}

// Characteristic returns the owning characteristic.
func (d *Descriptor) Characteristic() *Characteristic {
	return d.characteristic
}

// Flags returns the access flags of the descriptor.
func (d *Descriptor) Flags() bluetooth.Flags {
	return d.flags
}

// InterfaceName returns the Bluez interface this node publishes.
func (d *Descriptor) InterfaceName() string {
	return DescriptorIface
}

// OnReadValue attaches the ReadValue handler.
func (d *Descriptor) OnReadValue(handler DescriptorReadHandler) *Descriptor {
	d.readHandler = handler
	return d
}

// OnWriteValue attaches the WriteValue handler.
func (d *Descriptor) OnWriteValue(handler DescriptorWriteHandler) *Descriptor {
	d.writeHandler = handler
	return d
}

// OnUpdatedValue attaches the update handler invoked from the notify
// queue.
func (d *Descriptor) OnUpdatedValue(handler DescriptorUpdatedHandler) *Descriptor {
	d.updatedHandler = handler
	return d
}

// Value returns a copy of the cached value.
func (d *Descriptor) Value() []byte {
	d.valueMu.Lock()
	defer d.valueMu.Unlock()

	value := make([]byte, len(d.value))
	copy(value, d.value)

	return value
}

// SetValue replaces the cached value.
func (d *Descriptor) SetValue(value []byte) {
	d.valueMu.Lock()
	defer d.valueMu.Unlock()

	d.value = make([]byte, len(value))
	copy(d.value, value)
}

// GetData reads application storage through the data bridge.
func (d *Descriptor) GetData(name string) any {
	if d.app.binding == nil {
		return nil
	}

	return d.app.binding.GetData(name)
}

// SetData writes application storage through the data bridge.
func (d *Descriptor) SetData(name string, value any) bool {
	if d.app.binding == nil {
		return false
	}

	return d.app.binding.SetData(name, value)
}

// NotifyUpdated queues a value-changed notification for this descriptor
// on the session's notify queue. Safe to call from any goroutine.
func (d *Descriptor) NotifyUpdated() bool {
	if d.app.binding == nil {
		return false
	}

	return d.app.binding.NotifyUpdatedDescriptor(string(d.path))
}

// ReadValue invokes the read handler and refreshes the cached value on
// success.
func (d *Descriptor) ReadValue(inv *Invocation) ([]byte, error) {
	if d.readHandler == nil {
		return nil, fmt.Errorf("read %q: %w", d.path, errorkinds.ErrNotSupported)
	}

	value, err := d.readHandler(inv, d)
	if err != nil {
		return nil, err
	}

	d.SetValue(value)

	return value, nil
}

// WriteValue invokes the write handler.
func (d *Descriptor) WriteValue(inv *Invocation, value []byte) error {
	if d.writeHandler == nil {
		return fmt.Errorf("write %q: %w", d.path, errorkinds.ErrNotSupported)
	}

	return d.writeHandler(inv, d, value)
}

// CallOnUpdated runs the update handler on behalf of the loop.
func (d *Descriptor) CallOnUpdated() bool {
	if d.updatedHandler == nil {
		return true
	}

	return d.updatedHandler(d)
}

// Properties returns the Bluez-visible property values of this
// descriptor.
func (d *Descriptor) Properties(inv *Invocation) map[string]dbus.Variant {
	value := d.Value()
	if d.flags.CanRead() && d.readHandler != nil {
		if read, err := d.ReadValue(inv); err == nil {
			value = read
		}
	}

	return map[string]dbus.Variant{
		"UUID":           dbus.MakeVariant(d.uuid),
		"Characteristic": dbus.MakeVariant(d.characteristic.path),
		"Flags":          dbus.MakeVariant([]string(d.flags)),
		"Value":          dbus.MakeVariant(value),
	}
}

// validate reports the flag and handler mismatches of this node.
func (d *Descriptor) validate() []error {
	var errs []error

	if err := d.flags.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("descriptor %q: %w", d.path, err))
	}

	if d.flags.CanRead() && d.readHandler == nil {
		errs = append(errs, fmt.Errorf("descriptor %q is readable without a read handler: %w",
			d.path, errorkinds.ErrFlagMismatch))
	}
	if d.flags.CanWrite() && d.writeHandler == nil {
		errs = append(errs, fmt.Errorf("descriptor %q is writable without a write handler: %w",
			d.path, errorkinds.ErrFlagMismatch))
	}

	return errs
}

// DescriptorDataValue reads a typed value for the provided name through
// the node's data bridge.
func DescriptorDataValue[T any](d *Descriptor, name string, fallback T) T {
	value := d.GetData(name)
	if value == nil {
		return fallback
	}

	typed, ok := value.(T)
	if !ok {
		return fallback
	}

	return typed
}
