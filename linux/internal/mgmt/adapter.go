package mgmt

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/bluetuith-org/ble-peripheral/api/bluetooth"
	"github.com/bluetuith-org/ble-peripheral/api/errorkinds"
	"github.com/bluetuith-org/ble-peripheral/api/helpers/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

// Transport carries framed management packets. The production transport
// is *Socket; tests substitute fakes. A Read returning (0, nil) means no
// data arrived within the transport's poll timeout.
type Transport interface {
	io.ReadWriteCloser
}

type commandResult struct {
	status uint8
	params []byte
	err    error
}

// Adapter is the management protocol client for one controller. Commands
// are issued from the session's loop goroutine; a dedicated reader
// goroutine consumes events and wakes pending command waiters.
type Adapter struct {
	transport Transport
	index     uint16
	timeout   time.Duration

	pending *xsync.MapOf[uint16, chan commandResult]

	settings atomic.Uint32
	closed   atomic.Bool
	done     chan struct{}
}

// NewAdapter returns an adapter for the controller at the provided index.
// Every command awaits its completion event for at most the provided
// timeout.
func NewAdapter(transport Transport, index uint16, timeout time.Duration) *Adapter {
	return &Adapter{
		transport: transport,
		index:     index,
		timeout:   timeout,
		pending:   xsync.NewMapOf[uint16, chan commandResult](),
		done:      make(chan struct{}),
	}
}

// Start begins consuming management events.
func (a *Adapter) Start() {
	go a.readLoop()
}

// Stop closes the transport and waits for the reader to drain.
func (a *Adapter) Stop() error {
	if a.closed.Swap(true) {
		return nil
	}

	err := a.transport.Close()
	<-a.done

	return err
}

// Settings returns the last settings bitfield reported by the
// controller.
func (a *Adapter) Settings() bluetooth.Settings {
	return bluetooth.Settings(a.settings.Load())
}

// ReadControllerInfo queries the controller's static information and
// current settings.
func (a *Adapter) ReadControllerInfo() (bluetooth.ControllerInfo, error) {
	params, err := a.command(OpReadControllerInfo, nil)
	if err != nil {
		return bluetooth.ControllerInfo{}, err
	}

	info, err := parseControllerInfo(params)
	if err != nil {
		return bluetooth.ControllerInfo{}, err
	}

	a.settings.Store(uint32(info.CurrentSettings))

	return info, nil
}

// SetPowered powers the controller on or off.
func (a *Adapter) SetPowered(enable bool) error {
	return a.setMode(OpSetPowered, "set powered", encodeMode(enable))
}

// SetBREDR enables or disables BR/EDR support.
func (a *Adapter) SetBREDR(enable bool) error {
	return a.setMode(OpSetBREDR, "set br/edr", encodeMode(enable))
}

// SetLE enables or disables Low Energy support.
func (a *Adapter) SetLE(enable bool) error {
	return a.setMode(OpSetLE, "set le", encodeMode(enable))
}

// SetConnectable makes the controller connectable.
func (a *Adapter) SetConnectable(enable bool) error {
	return a.setMode(OpSetConnectable, "set connectable", encodeMode(enable))
}

// SetBondable makes the controller bondable.
func (a *Adapter) SetBondable(enable bool) error {
	return a.setMode(OpSetBondable, "set bondable", encodeMode(enable))
}

// SetDiscoverable makes the controller discoverable. A zero timeout keeps
// discoverable mode active indefinitely.
func (a *Adapter) SetDiscoverable(enable bool, timeout uint16) error {
	return a.setMode(OpSetDiscoverable, "set discoverable", encodeDiscoverable(enable, timeout))
}

// SetLocalName sets the controller's long and short names.
func (a *Adapter) SetLocalName(name, shortName string) error {
	// The reply carries the names back, not a settings bitfield, so it
	// does not go through setMode.
	if _, err := a.command(OpSetLocalName, encodeLocalName(name, shortName)); err != nil {
		return fmt.Errorf("set local name: %w", err)
	}

	return nil
}

// SetAdvertising enables or disables LE advertising.
func (a *Adapter) SetAdvertising(enable bool) error {
	return a.setMode(OpSetAdvertising, "set advertising", encodeMode(enable))
}

// setMode issues a settings command and refreshes the settings cache from
// the reply where one is carried.
func (a *Adapter) setMode(opcode uint16, name string, params []byte) error {
	reply, err := a.command(opcode, params)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	if settings, err := parseNewSettings(reply); err == nil {
		a.settings.Store(uint32(settings))
	}

	return nil
}

// command writes one command frame and awaits the matching completion
// event.
func (a *Adapter) command(opcode uint16, params []byte) ([]byte, error) {
	if a.closed.Load() {
		return nil, errorkinds.ErrControllerClosed
	}

	waiter := make(chan commandResult, 1)
	a.pending.Store(opcode, waiter)
	defer a.pending.Delete(opcode)

	frame := Frame{Code: opcode, Index: a.index, Params: params}
	if _, err := a.transport.Write(frame.Marshal()); err != nil {
		return nil, fmt.Errorf("write command 0x%04x: %w", opcode, err)
	}

	select {
	case result := <-waiter:
		if result.err != nil {
			return nil, result.err
		}
		if result.status != 0 {
			return nil, fmt.Errorf("command 0x%04x: %s: %w",
				opcode, StatusName(result.status), errorkinds.ErrControllerStatus)
		}

		return result.params, nil

	case <-time.After(a.timeout):
		return nil, fmt.Errorf("command 0x%04x: %w", opcode, errorkinds.ErrOperationTimeout)
	}
}

func (a *Adapter) readLoop() {
	defer close(a.done)

	buf := make([]byte, 1024)
	for {
		n, err := a.transport.Read(buf)
		if err != nil {
			a.failPending()
			if !a.closed.Load() {
				bluetooth.ErrorEvent(fmt.Errorf("management transport: %w", err)).Publish()
			}

			return
		}
		if n == 0 {
			continue
		}

		frame, err := ParseFrame(buf[:n])
		if err != nil {
			logger.Debugf("mgmt: dropping packet: %v", err)
			continue
		}

		a.dispatch(frame)
	}
}

func (a *Adapter) dispatch(frame Frame) {
	switch frame.Code {
	case EvCommandComplete, EvCommandStatus:
		reply, err := parseCommandReply(frame.Params)
		if err != nil {
			logger.Debugf("mgmt: %v", err)
			return
		}

		if waiter, ok := a.pending.LoadAndDelete(reply.Opcode); ok {
			waiter <- commandResult{status: reply.Status, params: reply.Params}
		}

	case EvNewSettings:
		settings, err := parseNewSettings(frame.Params)
		if err != nil {
			logger.Debugf("mgmt: %v", err)
			return
		}

		previous := bluetooth.Settings(a.settings.Swap(uint32(settings)))
		if previous != settings {
			logger.Infof("mgmt: controller settings now [%s]", settings)
		}

		bluetooth.SettingsEvents().Publish(bluetooth.EventActionUpdated,
			bluetooth.SettingsEventData{Settings: settings})

	case EvDeviceConnected:
		info, err := parseConnectionInfo(frame.Params)
		if err != nil {
			logger.Debugf("mgmt: %v", err)
			return
		}

		logger.Statusf("central %s connected", info.Address)
		bluetooth.ConnectionEvents().Publish(bluetooth.EventActionAdded,
			bluetooth.ConnectionEventData{Address: info.Address, AddressType: info.AddressType})

	case EvDeviceDisconnected:
		info, err := parseConnectionInfo(frame.Params)
		if err != nil {
			logger.Debugf("mgmt: %v", err)
			return
		}

		logger.Statusf("central %s disconnected", info.Address)
		bluetooth.ConnectionEvents().Publish(bluetooth.EventActionRemoved,
			bluetooth.ConnectionEventData{Address: info.Address, AddressType: info.AddressType})

	case EvControllerError:
		bluetooth.ErrorEvent(fmt.Errorf("controller error event: %x", frame.Params)).Publish()

	default:
		logger.Debugf("mgmt: unhandled event 0x%04x (%d bytes)", frame.Code, len(frame.Params))
	}
}

// failPending wakes every command waiter after the transport died.
func (a *Adapter) failPending() {
	a.pending.Range(func(opcode uint16, waiter chan commandResult) bool {
		a.pending.Delete(opcode)
		waiter <- commandResult{err: errorkinds.ErrControllerClosed}

		return true
	})
}
