//go:build linux

package linux

import (
	"github.com/bluetuith-org/ble-peripheral/api/helpers/logger"
	"github.com/bluetuith-org/ble-peripheral/gatt"
	dbh "github.com/bluetuith-org/ble-peripheral/linux/internal/dbushelper"
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
)

// objectManager serves org.freedesktop.DBus.ObjectManager on the tree
// root. Note that all public methods are exported on the system bus and
// are called by the Bluez daemon only.
type objectManager struct {
	session *Session
}

// GetManagedObjects returns every published node with its interfaces and
// current property values.
func (o *objectManager) GetManagedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, *dbus.Error) {
	o.session.dispatchMu.Lock()
	defer o.session.dispatchMu.Unlock()

	return o.session.app.ManagedObjects(), nil
}

// propertiesObject serves org.freedesktop.DBus.Properties for one node.
// All published properties are read-only towards the bus.
type propertiesObject struct {
	session *Session
	iface   string
	get     func() map[string]dbus.Variant
}

// Get returns one property value.
func (p *propertiesObject) Get(iface, property string) (dbus.Variant, *dbus.Error) {
	all, err := p.GetAll(iface)
	if err != nil {
		return dbus.Variant{}, err
	}

	value, ok := all[property]
	if !ok {
		return dbus.Variant{}, dbh.MakeUnknownPropertyError(property)
	}

	return value, nil
}

// GetAll returns every property value of the node's interface.
func (p *propertiesObject) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != p.iface {
		return nil, dbh.MakeUnknownInterfaceError(iface)
	}

	p.session.dispatchMu.Lock()
	defer p.session.dispatchMu.Unlock()

	return p.get(), nil
}

// Set rejects property writes; value changes flow through WriteValue.
func (p *propertiesObject) Set(iface, property string, value dbus.Variant) *dbus.Error {
	return dbh.NewError(dbh.BluezErrorNotPermitted, "property "+property+" is read-only")
}

// characteristicObject exports one characteristic to the bus.
type characteristicObject struct {
	session *Session
	chr     *gatt.Characteristic
}

// ReadValue serves the characteristic value to a central.
func (c *characteristicObject) ReadValue(options map[string]dbus.Variant) ([]byte, *dbus.Error) {
	c.session.dispatchMu.Lock()
	defer c.session.dispatchMu.Unlock()

	inv := gatt.NewInvocation("", options)
	value, err := c.chr.ReadValue(inv)
	if err != nil {
		logger.Warnf("read %s [%s]: %v", c.chr.Path(), inv.ID, err)
		return nil, dbh.MakeBluezError(err)
	}

	logger.Debugf("read %s [%s]: %d bytes", c.chr.Path(), inv.ID, len(value))

	return value, nil
}

// WriteValue commits a value written by a central. Returning without an
// error produces the empty method reply that write-with-response
// requires.
func (c *characteristicObject) WriteValue(value []byte, options map[string]dbus.Variant) *dbus.Error {
	c.session.dispatchMu.Lock()
	defer c.session.dispatchMu.Unlock()

	inv := gatt.NewInvocation("", options)
	if err := c.chr.WriteValue(inv, value); err != nil {
		logger.Warnf("write %s [%s]: %v", c.chr.Path(), inv.ID, err)
		return dbh.MakeBluezError(err)
	}

	logger.Debugf("write %s [%s]: %d bytes", c.chr.Path(), inv.ID, len(value))

	return nil
}

// StartNotify records a subscription on the characteristic.
func (c *characteristicObject) StartNotify() *dbus.Error {
	if !c.chr.Flags().CanNotify() {
		return dbh.NewError(dbh.BluezErrorNotSupported, "characteristic does not notify")
	}

	c.chr.SetNotifying(true)
	c.session.emitPropertyChanged(c.chr.Path(), c.chr.InterfaceName(),
		"Notifying", dbus.MakeVariant(true))

	return nil
}

// StopNotify drops the subscription on the characteristic.
func (c *characteristicObject) StopNotify() *dbus.Error {
	c.chr.SetNotifying(false)
	c.session.emitPropertyChanged(c.chr.Path(), c.chr.InterfaceName(),
		"Notifying", dbus.MakeVariant(false))

	return nil
}

// Confirm acknowledges an indication.
func (c *characteristicObject) Confirm() *dbus.Error {
	return nil
}

// descriptorObject exports one descriptor to the bus.
type descriptorObject struct {
	session *Session
	desc    *gatt.Descriptor
}

// ReadValue serves the descriptor value to a central.
func (d *descriptorObject) ReadValue(options map[string]dbus.Variant) ([]byte, *dbus.Error) {
	d.session.dispatchMu.Lock()
	defer d.session.dispatchMu.Unlock()

	inv := gatt.NewInvocation("", options)
	value, err := d.desc.ReadValue(inv)
	if err != nil {
		logger.Warnf("read %s [%s]: %v", d.desc.Path(), inv.ID, err)
		return nil, dbh.MakeBluezError(err)
	}

	return value, nil
}

// WriteValue commits a value written by a central.
func (d *descriptorObject) WriteValue(value []byte, options map[string]dbus.Variant) *dbus.Error {
	d.session.dispatchMu.Lock()
	defer d.session.dispatchMu.Unlock()

	inv := gatt.NewInvocation("", options)
	if err := d.desc.WriteValue(inv, value); err != nil {
		logger.Warnf("write %s [%s]: %v", d.desc.Path(), inv.ID, err)
		return dbh.MakeBluezError(err)
	}

	return nil
}

// exportTree exports the frozen object tree on the system bus: the object
// manager at the root, and per node its Bluez interface, a Properties
// handler, and introspection data.
func (s *Session) exportTree() error {
	root := &objectManager{session: s}
	if err := s.conn.Export(root, s.app.RootPath(), dbh.DbusObjectManagerIface); err != nil {
		return err
	}
	if err := s.exportIntrospection(s.app.RootPath(), dbh.DbusObjectManagerIface, root); err != nil {
		return err
	}

	for _, svc := range s.app.Services() {
		svc := svc
		if err := s.exportNode(svc.Path(), svc.InterfaceName(), nil, svc.Properties); err != nil {
			return err
		}

		for _, chr := range svc.Characteristics() {
			chr := chr
			chrObj := &characteristicObject{session: s, chr: chr}
			chrProps := func() map[string]dbus.Variant {
				return chr.Properties(gatt.NewInvocation("", nil))
			}
			if err := s.exportNode(chr.Path(), chr.InterfaceName(), chrObj, chrProps); err != nil {
				return err
			}

			for _, desc := range chr.Descriptors() {
				desc := desc
				descObj := &descriptorObject{session: s, desc: desc}
				descProps := func() map[string]dbus.Variant {
					return desc.Properties(gatt.NewInvocation("", nil))
				}
				if err := s.exportNode(desc.Path(), desc.InterfaceName(), descObj, descProps); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// exportNode exports one tree node: its Bluez interface methods (when it
// has any), its Properties handler and its introspection data.
func (s *Session) exportNode(path dbus.ObjectPath, iface string, methods any, get func() map[string]dbus.Variant) error {
	if methods != nil {
		if err := s.conn.Export(methods, path, iface); err != nil {
			return err
		}
	}

	props := &propertiesObject{session: s, iface: iface, get: get}
	if err := s.conn.Export(props, path, dbh.DbusPropertiesIface); err != nil {
		return err
	}

	return s.exportIntrospection(path, iface, methods)
}

func (s *Session) exportIntrospection(path dbus.ObjectPath, iface string, methods any) error {
	node := &introspect.Node{
		Name: string(path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
		},
	}

	declared := introspect.Interface{Name: iface}
	if methods != nil {
		declared.Methods = introspect.Methods(methods)
	}
	node.Interfaces = append(node.Interfaces, declared)

	return s.conn.Export(introspect.NewIntrospectable(node), path, dbh.DbusIntrospectableIface)
}
