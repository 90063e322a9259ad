package gatt

import (
	"github.com/bluetuith-org/ble-peripheral/api/bluetooth"
	"github.com/godbus/dbus/v5"
)

// The Bluez GATT interfaces published by tree nodes.
const (
	ServiceIface        = "org.bluez.GattService1"
	CharacteristicIface = "org.bluez.GattCharacteristic1"
	DescriptorIface     = "org.bluez.GattDescriptor1"
)

// Service is a primary GATT service node.
type Service struct {
	app  *Application
	name string
	uuid string
	path dbus.ObjectPath

	primary  bool
	includes []dbus.ObjectPath

	characteristics []*Characteristic
}

func newService(app *Application, name, uuid string) *Service {
	svc := &Service{
		app:     app,
		name:    name,
		path:    joinPath(app.rootPath, name),
		primary: true,
	}

	if !validNodeName(name) {
		app.errorf(nil, "invalid service name %q", name)
	}

	normalized, err := bluetooth.NormalizeUUID(uuid)
	if err != nil {
		app.errorf(err, "service %q", name)
		return svc
	}
	svc.uuid = normalized

	return svc
}

// Name returns the path segment of the service.
func (s *Service) Name() string {
	return s.name
}

// UUID returns the normalized 128-bit UUID of the service.
func (s *Service) UUID() string {
	return s.uuid
}

// Path returns the object path of the service.
func (s *Service) Path() dbus.ObjectPath {
	return s.path
}

// InterfaceName returns the Bluez interface this node publishes.
func (s *Service) InterfaceName() string {
	return ServiceIface
}

// Characteristics returns the declared characteristics in declaration
// order.
func (s *Service) Characteristics() []*Characteristic {
	return s.characteristics
}

// Include references another service's object path in this service's
// Includes property.
func (s *Service) Include(path dbus.ObjectPath) *Service {
	s.includes = append(s.includes, path)
	return s
}

// Characteristic declares a characteristic under this service and runs
// the provided build closure against it.
func (s *Service) Characteristic(name, uuid string, flags bluetooth.Flags, build func(*Characteristic)) *Service {
	chr := newCharacteristic(s, name, uuid, flags)
	s.characteristics = append(s.characteristics, chr)

	if build != nil {
		build(chr)
	}

	return s
}

// Properties returns the Bluez-visible property values of this service.
func (s *Service) Properties() map[string]dbus.Variant {
	props := map[string]dbus.Variant{
		"UUID":    dbus.MakeVariant(s.uuid),
		"Primary": dbus.MakeVariant(s.primary),
	}

	if len(s.includes) > 0 {
		props["Includes"] = dbus.MakeVariant(s.includes)
	}

	return props
}
