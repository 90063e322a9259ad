//go:build linux

package dbushelper

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// The DBus specific bus and interface names.
const (
	DbusPropertiesIface     = "org.freedesktop.DBus.Properties"
	DbusObjectManagerIface  = "org.freedesktop.DBus.ObjectManager"
	DbusIntrospectableIface = "org.freedesktop.DBus.Introspectable"

	DbusSignalPropertiesChanged = "org.freedesktop.DBus.Properties.PropertiesChanged"
	DbusSignalNameLost          = "org.freedesktop.DBus.NameLost"

	BluezBusName          = "org.bluez"
	BluezGattManagerIface = "org.bluez.GattManager1"

	BluezErrorFailed           = "org.bluez.Error.Failed"
	BluezErrorNotSupported     = "org.bluez.Error.NotSupported"
	BluezErrorNotPermitted     = "org.bluez.Error.NotPermitted"
	BluezErrorInvalidArguments = "org.bluez.Error.InvalidArguments"

	DbusErrorUnknownObject    = "org.freedesktop.DBus.Error.UnknownObject"
	DbusErrorUnknownInterface = "org.freedesktop.DBus.Error.UnknownInterface"
	DbusErrorUnknownMethod    = "org.freedesktop.DBus.Error.UnknownMethod"
	DbusErrorUnknownProperty  = "org.freedesktop.DBus.Error.UnknownProperty"
)

// AdapterPath returns the Bluez object path of the controller at the
// provided index.
func AdapterPath(index uint16) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/hci%d", index))
}
