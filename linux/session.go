//go:build linux

// Package linux implements the peripheral session on top of the Bluez
// daemon and the kernel Bluetooth management interface.
package linux

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/bluetuith-org/ble-peripheral/api/bluetooth"
	"github.com/bluetuith-org/ble-peripheral/api/config"
	"github.com/bluetuith-org/ble-peripheral/api/errorkinds"
	"github.com/bluetuith-org/ble-peripheral/api/helpers/connstore"
	"github.com/bluetuith-org/ble-peripheral/api/helpers/logger"
	"github.com/bluetuith-org/ble-peripheral/api/serde"
	"github.com/bluetuith-org/ble-peripheral/gatt"
	dbh "github.com/bluetuith-org/ble-peripheral/linux/internal/dbushelper"
	"github.com/bluetuith-org/ble-peripheral/linux/internal/mgmt"
	"github.com/godbus/dbus/v5"
)

// Configure declares the application's GATT tree against the provided
// root. It runs synchronously during initialization, before anything is
// published.
type Configure func(app *gatt.Application)

// notifyToken is one entry on the notify queue.
type notifyToken struct {
	path       string
	descriptor bool
}

// signalEmitter emits DBus signals. Satisfied by *dbus.Conn; tests
// substitute recorders.
type signalEmitter interface {
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error
}

// Session is one peripheral server: it owns the GATT tree, the bus name,
// the controller configuration and the server loop.
type Session struct {
	cfg       config.Configuration
	configure Configure
	getter    bluetooth.DataGetter
	setter    bluetooth.DataSetter

	app *gatt.Application

	conn       *dbus.Conn
	emitter    signalEmitter
	busSignals chan *dbus.Signal

	adapter      *mgmt.Adapter
	newTransport func() (mgmt.Transport, error)

	connections connstore.Store
	connSub     *bluetooth.Subscriber[bluetooth.ConnectionEventData]

	state  atomic.Int32
	health atomic.Int32

	notifyQueue chan notifyToken
	stopOnce    sync.Once
	stopRequest chan struct{}
	stopped     chan struct{}

	// dispatchMu serializes every GATT callback: ReadValue/WriteValue and
	// property reads arriving from the bus, notify-queue drains and
	// periodic events. StartNotify, StopNotify and Confirm run without it.
	dispatchMu sync.Mutex

	emittedMu sync.Mutex
	emitted   map[string]string
}

// NewSession returns an unstarted session for the provided configuration
// and tree declaration.
func NewSession(cfg config.Configuration, configure Configure, getter bluetooth.DataGetter, setter bluetooth.DataSetter) *Session {
	return &Session{
		cfg:         cfg,
		configure:   configure,
		getter:      getter,
		setter:      setter,
		app:         gatt.NewApplication(cfg.RootPath()),
		connections: connstore.NewStore(),
		notifyQueue: make(chan notifyToken, 128),
		stopRequest: make(chan struct{}),
		stopped:     make(chan struct{}),
		emitted:     make(map[string]string),
		newTransport: func() (mgmt.Transport, error) {
			return mgmt.NewSocket()
		},
	}
}

// Start runs the initialization sequence and blocks until the session is
// running or initialization failed. On failure the session has already
// torn itself down.
func (s *Session) Start() error {
	if !s.state.CompareAndSwap(int32(bluetooth.StateUninitialized), int32(bluetooth.StateInitializing)) {
		return errorkinds.ErrSessionExists
	}

	initDone := make(chan error, 1)
	go s.run(initDone)

	return <-initDone
}

// TriggerShutdown begins the asynchronous shutdown. Idempotent and
// non-blocking.
func (s *Session) TriggerShutdown() {
	s.stopOnce.Do(func() {
		close(s.stopRequest)
	})
}

// Wait blocks until the session reaches the stopped state, and reports
// whether it stopped healthy.
func (s *Session) Wait() bool {
	<-s.stopped

	return s.Health() == bluetooth.HealthOk
}

// RunState returns the lifecycle state of the session.
func (s *Session) RunState() bluetooth.RunState {
	return bluetooth.RunState(s.state.Load())
}

// Health returns the health of the session.
func (s *Session) Health() bluetooth.Health {
	return bluetooth.Health(s.health.Load())
}

// Connections returns the currently connected centrals.
func (s *Session) Connections() []connstore.Connection {
	return s.connections.Connections()
}

// GetData reads application storage through the data bridge.
func (s *Session) GetData(name string) any {
	if s.getter == nil {
		return nil
	}

	return s.getter(name)
}

// SetData writes application storage through the data bridge.
func (s *Session) SetData(name string, value any) bool {
	if s.setter == nil {
		return false
	}

	return s.setter(name, value)
}

// NotifyUpdatedCharacteristic queues a value-changed notification for the
// characteristic at the provided path. Safe to call from any goroutine;
// the queue is drained on the loop goroutine once per tick.
func (s *Session) NotifyUpdatedCharacteristic(path string) bool {
	return s.pushNotify(notifyToken{path: path})
}

// NotifyUpdatedDescriptor queues a value-changed notification for the
// descriptor at the provided path.
func (s *Session) NotifyUpdatedDescriptor(path string) bool {
	return s.pushNotify(notifyToken{path: path, descriptor: true})
}

func (s *Session) pushNotify(token notifyToken) bool {
	if s.RunState() > bluetooth.StateRunning {
		return false
	}

	select {
	case s.notifyQueue <- token:
		return true
	default:
		logger.Warnf("notify queue full, dropping update for %q", token.path)
		return false
	}
}

// run owns the whole lifecycle: initialization, the server loop, and
// teardown.
func (s *Session) run(initDone chan<- error) {
	defer close(s.stopped)

	if err := s.initialize(); err != nil {
		logger.Errorf("initialization failed: %v", err)
		s.health.Store(int32(bluetooth.HealthFailedInit))
		s.setState(bluetooth.StateStopping)
		s.teardown()
		s.setState(bluetooth.StateStopped)
		initDone <- err

		return
	}

	s.setState(bluetooth.StateRunning)
	initDone <- nil
	logger.Statusf("%s running on controller hci%d", s.cfg.BusName(), s.cfg.ControllerIndex)

	s.loop()

	s.setState(bluetooth.StateStopping)
	s.teardown()
	s.setState(bluetooth.StateStopped)
	logger.Status("server stopped")
}

// initialize performs the startup choreography: declare and freeze the
// tree, configure the controller, claim the bus name, publish the tree
// and register it with Bluez.
func (s *Session) initialize() error {
	if err := s.cfg.Validate(); err != nil {
		return fault.Wrap(err,
			fctx.With(context.Background(), "error_at", "config-validate"),
			ftag.With(ftag.InvalidArgument),
			fmsg.With("The session configuration is invalid"),
		)
	}

	if err := s.buildTree(); err != nil {
		return err
	}

	if err := s.startController(); err != nil {
		return err
	}

	if err := s.startTransport(); err != nil {
		return err
	}

	return s.registerApplication()
}

// buildTree runs the application's tree declaration and freezes the
// result against this session.
func (s *Session) buildTree() error {
	if s.configure != nil {
		s.configure(s.app)
	}

	return s.app.Freeze(s)
}

// startController opens the management channel and walks the controller
// through the required settings. Several settings are rejected by the
// kernel while the controller is powered, so the sequence powers off
// first and back on last.
func (s *Session) startController() error {
	transport, err := s.newTransport()
	if err != nil {
		return fault.Wrap(err,
			fctx.With(context.Background(), "error_at", "mgmt-socket"),
			ftag.With(ftag.Internal),
			fmsg.With("Cannot open the Bluetooth management channel"),
		)
	}

	s.adapter = mgmt.NewAdapter(transport, s.cfg.ControllerIndex, s.cfg.MaxAsyncInitTimeout)
	s.adapter.Start()

	info, err := s.adapter.ReadControllerInfo()
	if err != nil {
		return s.controllerError(err, "read-controller-info")
	}

	if snapshot, err := serde.MarshalJson(info); err == nil {
		logger.Debugf("controller hci%d: %s", s.cfg.ControllerIndex, snapshot)
	}

	steps := []struct {
		name string
		call func() error
	}{
		{"power-off", func() error { return s.adapter.SetPowered(false) }},
		{"bredr-off", func() error { return s.adapter.SetBREDR(false) }},
		{"le-on", func() error { return s.adapter.SetLE(true) }},
		{"bondable", func() error { return s.adapter.SetBondable(s.cfg.Bondable) }},
		{"connectable-on", func() error { return s.adapter.SetConnectable(true) }},
		{"discoverable-on", func() error { return s.adapter.SetDiscoverable(true, s.cfg.DiscoverableTimeout) }},
		{"local-name", func() error {
			return s.adapter.SetLocalName(s.cfg.AdvertisingLongName, s.cfg.AdvertisingShortName)
		}},
		{"advertising-on", func() error { return s.adapter.SetAdvertising(true) }},
		{"power-on", func() error { return s.adapter.SetPowered(true) }},
	}

	for _, step := range steps {
		if err := step.call(); err != nil {
			return s.controllerError(err, step.name)
		}
	}

	s.watchConnections()

	return nil
}

func (s *Session) controllerError(err error, at string) error {
	return fault.Wrap(err,
		fctx.With(context.Background(), "error_at", at),
		ftag.With(ftag.Internal),
		fmsg.With("Cannot configure the Bluetooth controller"),
	)
}

// watchConnections mirrors central connection events into the connection
// store.
func (s *Session) watchConnections() {
	sub, active := bluetooth.ConnectionEvents().Subscribe()
	if !active {
		return
	}
	s.connSub = sub

	go func() {
		for ev := range sub.Events {
			switch ev.Action {
			case bluetooth.EventActionAdded:
				s.connections.Add(connstore.Connection{
					Address:     ev.Data.Address,
					AddressType: ev.Data.AddressType,
					ConnectedAt: time.Now(),
				})

			case bluetooth.EventActionRemoved:
				s.connections.Remove(ev.Data.Address)
			}
		}
	}()
}

// startTransport connects to the system bus, claims the well-known name
// and publishes the tree.
func (s *Session) startTransport() error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fault.Wrap(err,
			fctx.With(context.Background(), "error_at", "system-bus"),
			ftag.With(ftag.Internal),
			fmsg.With("Cannot connect to the system bus"),
		)
	}
	s.conn = conn
	s.emitter = conn

	reply, err := conn.RequestName(s.cfg.BusName(), dbus.NameFlagDoNotQueue)
	if err == nil && reply != dbus.RequestNameReplyPrimaryOwner {
		err = errors.New("not the primary owner of " + s.cfg.BusName())
	}
	if err != nil {
		return fault.Wrap(err,
			fctx.With(context.Background(), "error_at", "request-name"),
			ftag.With(ftag.Internal),
			fmsg.With("Cannot own the service bus name"),
		)
	}

	if err := s.exportTree(); err != nil {
		return fault.Wrap(err,
			fctx.With(context.Background(), "error_at", "export-tree"),
			ftag.With(ftag.Internal),
			fmsg.With("Cannot publish the GATT object tree"),
		)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameLost"),
	); err != nil {
		return fault.Wrap(err,
			fctx.With(context.Background(), "error_at", "name-watch"),
			ftag.With(ftag.Internal),
			fmsg.With("Cannot watch bus name ownership"),
		)
	}

	s.busSignals = make(chan *dbus.Signal, 16)
	conn.Signal(s.busSignals)

	return nil
}

// registerApplication hands the published tree to the Bluez GATT
// manager.
func (s *Session) registerApplication() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.MaxAsyncInitTimeout)
	defer cancel()

	manager := s.conn.Object(dbh.BluezBusName, dbh.AdapterPath(s.cfg.ControllerIndex))
	call := manager.CallWithContext(ctx, dbh.BluezGattManagerIface+".RegisterApplication", 0,
		s.app.RootPath(), map[string]dbus.Variant{})
	if call.Err != nil {
		return fault.Wrap(call.Err,
			fctx.With(context.Background(), "error_at", "register-application"),
			ftag.With(ftag.Internal),
			fmsg.With("Bluez rejected the GATT application"),
		)
	}

	logger.Infof("registered %s with the Bluez GATT manager", s.app.RootPath())

	return nil
}

// teardown releases, in reverse order, only what this session set up.
// Power stays untouched so other users of the controller keep working.
func (s *Session) teardown() {
	if s.conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		manager := s.conn.Object(dbh.BluezBusName, dbh.AdapterPath(s.cfg.ControllerIndex))
		if call := manager.CallWithContext(ctx, dbh.BluezGattManagerIface+".UnregisterApplication", 0,
			s.app.RootPath()); call.Err != nil {
			logger.Debugf("unregister application: %v", call.Err)
		}
		cancel()

		if _, err := s.conn.ReleaseName(s.cfg.BusName()); err != nil {
			logger.Debugf("release name: %v", err)
		}

		if err := s.conn.Close(); err != nil {
			logger.Debugf("close bus connection: %v", err)
		}
		s.conn = nil
	}

	if s.adapter != nil {
		if err := s.adapter.SetAdvertising(false); err != nil {
			logger.Debugf("advertising off: %v", err)
		}
		if err := s.adapter.Stop(); err != nil {
			logger.Debugf("stop adapter: %v", err)
		}
		s.adapter = nil
	}

	if s.connSub != nil {
		s.connSub.Unsubscribe()
		s.connSub = nil
	}
}

// setState advances the lifecycle state. States only move forward.
func (s *Session) setState(state bluetooth.RunState) {
	for {
		current := s.state.Load()
		if current >= int32(state) {
			return
		}
		if s.state.CompareAndSwap(current, int32(state)) {
			logger.Debugf("state: %s", state)
			return
		}
	}
}
