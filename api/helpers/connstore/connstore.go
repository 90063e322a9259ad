// Package connstore tracks the centrals currently connected to the
// controller, as observed on the management event stream.
package connstore

import (
	"fmt"
	"time"

	"github.com/bluetuith-org/ble-peripheral/api/bluetooth"
	"github.com/bluetuith-org/ble-peripheral/api/errorkinds"
	"github.com/puzpuzpuz/xsync/v3"
)

// Connection holds one connected central.
type Connection struct {
	// Address holds the Bluetooth MAC address of the central.
	Address bluetooth.MacAddress `json:"address" codec:"Address" doc:"The Bluetooth MAC address of the central."`

	// AddressType indicates whether the address is public or random.
	AddressType uint8 `json:"address_type" codec:"AddressType" doc:"Indicates whether the address is public or random."`

	// ConnectedAt records when the connection was observed.
	ConnectedAt time.Time `json:"connected_at" codec:"ConnectedAt" doc:"When the connection was observed."`
}

// Store describes a store of connected centrals. The zero value is not
// usable; use NewStore.
type Store struct {
	connections *xsync.MapOf[bluetooth.MacAddress, Connection]
}

// NewStore returns a new connection Store.
func NewStore() Store {
	return Store{
		connections: xsync.NewMapOf[bluetooth.MacAddress, Connection](),
	}
}

// Connections returns the currently connected centrals.
func (s *Store) Connections() []Connection {
	connections := make([]Connection, 0, s.connections.Size())

	s.connections.Range(func(_ bluetooth.MacAddress, conn Connection) bool {
		connections = append(connections, conn)

		return true
	})

	return connections
}

// Connection returns the connection matching the provided address.
func (s *Store) Connection(address bluetooth.MacAddress) (Connection, error) {
	conn, ok := s.connections.Load(address)
	if !ok {
		return Connection{},
			fmt.Errorf("get %q: %w", address.String(), errorkinds.ErrSessionNotExist)
	}

	return conn, nil
}

// Add records a newly connected central.
func (s *Store) Add(conn Connection) {
	s.connections.Store(conn.Address, conn)
}

// Remove drops a disconnected central.
func (s *Store) Remove(address bluetooth.MacAddress) {
	s.connections.Delete(address)
}

// Size returns the number of connected centrals.
func (s *Store) Size() int {
	return s.connections.Size()
}
