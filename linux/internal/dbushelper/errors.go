//go:build linux

package dbushelper

import (
	"errors"

	"github.com/bluetuith-org/ble-peripheral/api/errorkinds"
	"github.com/godbus/dbus/v5"
)

// NewError returns a named DBus error carrying one message.
func NewError(name, message string) *dbus.Error {
	return dbus.NewError(name, []interface{}{message})
}

// MakeBluezError translates a handler error into the org.bluez.Error
// namespace the Bluez daemon expects.
func MakeBluezError(err error) *dbus.Error {
	switch {
	case errors.Is(err, errorkinds.ErrNotSupported):
		return NewError(BluezErrorNotSupported, err.Error())

	case errors.Is(err, errorkinds.ErrUnknownObject):
		return NewError(DbusErrorUnknownObject, err.Error())

	case errors.Is(err, errorkinds.ErrUnknownInterface):
		return NewError(DbusErrorUnknownInterface, err.Error())

	case errors.Is(err, errorkinds.ErrUnknownMethod):
		return NewError(DbusErrorUnknownMethod, err.Error())

	default:
		return NewError(BluezErrorFailed, err.Error())
	}
}

// MakeUnknownPropertyError reports an unknown property on a Properties
// call.
func MakeUnknownPropertyError(property string) *dbus.Error {
	return NewError(DbusErrorUnknownProperty, "unknown property "+property)
}

// MakeUnknownInterfaceError reports a Properties call addressed to an
// interface this object does not carry.
func MakeUnknownInterfaceError(iface string) *dbus.Error {
	return NewError(DbusErrorUnknownInterface, "unknown interface "+iface)
}
