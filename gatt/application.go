// Package gatt implements the GATT object tree published to Bluez: a root
// application object with services, characteristics and descriptors,
// declared through a nested-closure builder and served over the D-Bus
// object manager.
package gatt

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/bluetuith-org/ble-peripheral/api/errorkinds"
	"github.com/godbus/dbus/v5"
)

// Binding connects a frozen object tree to its owning session: the
// application data bridge and the notify queue.
type Binding interface {
	// GetData returns borrowed application storage for a hierarchical name.
	GetData(name string) any

	// SetData writes application storage for a hierarchical name.
	SetData(name string, value any) bool

	// NotifyUpdatedCharacteristic queues a value-changed notification.
	NotifyUpdatedCharacteristic(path string) bool

	// NotifyUpdatedDescriptor queues a value-changed notification.
	NotifyUpdatedDescriptor(path string) bool
}

var nodeNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Application is the root of the GATT object tree. The tree is declared
// once through the builder methods, frozen during session initialization,
// and never mutated afterwards.
type Application struct {
	rootPath dbus.ObjectPath
	services []*Service

	characteristics map[dbus.ObjectPath]*Characteristic
	descriptors     map[dbus.ObjectPath]*Descriptor

	binding Binding
	frozen  bool
	errs    []error
}

// NewApplication returns an empty object tree rooted at the provided path.
func NewApplication(rootPath string) *Application {
	app := &Application{
		rootPath:        dbus.ObjectPath(rootPath),
		characteristics: make(map[dbus.ObjectPath]*Characteristic),
		descriptors:     make(map[dbus.ObjectPath]*Descriptor),
	}

	if !app.rootPath.IsValid() {
		app.errorf(nil, "invalid root object path %q", rootPath)
	}

	return app
}

// RootPath returns the root object path of the tree.
func (a *Application) RootPath() dbus.ObjectPath {
	return a.rootPath
}

// Services returns the declared services in declaration order.
func (a *Application) Services() []*Service {
	return a.services
}

// Service declares a primary service and runs the provided build closure
// against it. The service's object path appends the provided name to the
// root path.
func (a *Application) Service(name, uuid string, build func(*Service)) *Application {
	if a.frozen {
		a.errorf(nil, "service %q declared after the tree was published", name)
		return a
	}

	svc := newService(a, name, uuid)
	a.services = append(a.services, svc)

	if build != nil {
		build(svc)
	}

	return a
}

// Characteristic returns the characteristic at the provided path.
func (a *Application) Characteristic(path dbus.ObjectPath) (*Characteristic, bool) {
	chr, ok := a.characteristics[path]
	return chr, ok
}

// Descriptor returns the descriptor at the provided path.
func (a *Application) Descriptor(path dbus.ObjectPath) (*Descriptor, bool) {
	desc, ok := a.descriptors[path]
	return desc, ok
}

// Freeze validates the declared tree, indexes it by object path, and binds
// it to the owning session. After a successful Freeze the tree is
// immutable.
func (a *Application) Freeze(binding Binding) error {
	if err := a.validate(); err != nil {
		return err
	}

	for _, svc := range a.services {
		for _, chr := range svc.characteristics {
			a.characteristics[chr.path] = chr
			for _, desc := range chr.descriptors {
				a.descriptors[desc.path] = desc
			}
		}
	}

	a.binding = binding
	a.frozen = true

	return nil
}

// validate joins every error recorded by the builder with the structural
// checks that need the whole tree.
func (a *Application) validate() error {
	errs := a.errs

	seen := make(map[dbus.ObjectPath]struct{})
	for _, svc := range a.services {
		if _, ok := seen[svc.path]; ok {
			errs = append(errs, fmt.Errorf("service path %q declared twice: %w", svc.path, errorkinds.ErrDuplicatePath))
		}
		seen[svc.path] = struct{}{}

		for _, chr := range svc.characteristics {
			if _, ok := seen[chr.path]; ok {
				errs = append(errs, fmt.Errorf("characteristic path %q declared twice: %w", chr.path, errorkinds.ErrDuplicatePath))
			}
			seen[chr.path] = struct{}{}

			errs = append(errs, chr.validate()...)

			for _, desc := range chr.descriptors {
				if _, ok := seen[desc.path]; ok {
					errs = append(errs, fmt.Errorf("descriptor path %q declared twice: %w", desc.path, errorkinds.ErrDuplicatePath))
				}
				seen[desc.path] = struct{}{}

				errs = append(errs, desc.validate()...)
			}
		}
	}

	if joined := errors.Join(errs...); joined != nil {
		return fault.Wrap(joined,
			fctx.With(context.Background(), "error_at", "tree-validate"),
			ftag.With(ftag.InvalidArgument),
			fmsg.With("The declared GATT tree is malformed"),
		)
	}

	return nil
}

// ManagedObjects serves ObjectManager.GetManagedObjects: a depth-first
// walk over every node below the root, with each property value captured
// through its read callback.
func (a *Application) ManagedObjects() map[dbus.ObjectPath]map[string]map[string]dbus.Variant {
	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)

	for _, svc := range a.services {
		objects[svc.path] = map[string]map[string]dbus.Variant{
			svc.InterfaceName(): svc.Properties(),
		}

		for _, chr := range svc.characteristics {
			objects[chr.path] = map[string]map[string]dbus.Variant{
				chr.InterfaceName(): chr.Properties(newCaptureInvocation()),
			}

			for _, desc := range chr.descriptors {
				objects[desc.path] = map[string]map[string]dbus.Variant{
					desc.InterfaceName(): desc.Properties(newCaptureInvocation()),
				}
			}
		}
	}

	return objects
}

// Tick advances every periodic event by one loop tick, fires the handlers
// that are due, and returns the characteristics whose handler authorized a
// value change emission.
func (a *Application) Tick() []*Characteristic {
	var updated []*Characteristic

	for _, svc := range a.services {
		for _, chr := range svc.characteristics {
			if chr.tickEvents() {
				updated = append(updated, chr)
			}
		}
	}

	return updated
}

func (a *Application) errorf(base error, format string, args ...any) {
	err := fmt.Errorf(format, args...)
	if base != nil {
		err = fmt.Errorf("%s: %w", err.Error(), base)
	}

	a.errs = append(a.errs, err)
}

func validNodeName(name string) bool {
	return nodeNamePattern.MatchString(name)
}

func joinPath(parent dbus.ObjectPath, segment string) dbus.ObjectPath {
	return dbus.ObjectPath(strings.TrimSuffix(string(parent), "/") + "/" + segment)
}
