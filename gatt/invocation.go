package gatt

import (
	"github.com/godbus/dbus/v5"
	"github.com/rs/xid"
)

// Invocation carries the context of one method call into a read or write
// handler. Handlers must not block on I/O; slow work belongs to the
// application, delivered later through the notify queue.
type Invocation struct {
	// ID correlates log lines produced while serving this call.
	ID string

	// Sender is the unique bus name of the caller, when known.
	Sender string

	// Options holds the option dictionary of the ReadValue/WriteValue call.
	Options map[string]dbus.Variant

	capture bool
}

// NewInvocation returns an Invocation for an incoming method call.
func NewInvocation(sender string, options map[string]dbus.Variant) *Invocation {
	return &Invocation{
		ID:      xid.New().String(),
		Sender:  sender,
		Options: options,
	}
}

// newCaptureInvocation returns a synthetic invocation used to capture a
// property value into memory instead of replying to a caller. Used while
// serving GetManagedObjects.
func newCaptureInvocation() *Invocation {
	return &Invocation{ID: xid.New().String(), capture: true}
}

// IsCapture reports whether this invocation captures the result in memory
// rather than replying to a remote caller.
func (i *Invocation) IsCapture() bool {
	return i.capture
}
