// Package mgmt implements a client for the Linux kernel Bluetooth
// management protocol, spoken over a raw HCI control-channel socket. It
// drives controller state (power, discoverability, advertising, names)
// and consumes controller events.
package mgmt

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/bluetuith-org/ble-peripheral/api/bluetooth"
)

// Controller index used when a command addresses no specific controller.
const IndexNone uint16 = 0xffff

// The management command opcodes known to this client. The adapter issues
// only the controller-info and settings commands among them.
const (
	OpReadVersion        uint16 = 0x0001
	OpReadIndexList      uint16 = 0x0003
	OpReadControllerInfo uint16 = 0x0004
	OpSetPowered         uint16 = 0x0005
	OpSetDiscoverable    uint16 = 0x0006
	OpSetConnectable     uint16 = 0x0007
	OpSetFastConnectable uint16 = 0x0008
	OpSetBondable        uint16 = 0x0009
	OpSetLE              uint16 = 0x000D
	OpSetLocalName       uint16 = 0x000F
	OpSetAdvertising     uint16 = 0x0029
	OpSetBREDR           uint16 = 0x002A
)

// The management event codes known to this client. Events the adapter
// does not route are logged at debug level.
const (
	EvCommandComplete    uint16 = 0x0001
	EvCommandStatus      uint16 = 0x0002
	EvControllerError    uint16 = 0x0003
	EvIndexAdded         uint16 = 0x0004
	EvIndexRemoved       uint16 = 0x0005
	EvNewSettings        uint16 = 0x0006
	EvLocalNameChanged   uint16 = 0x0008
	EvDeviceConnected    uint16 = 0x000B
	EvDeviceDisconnected uint16 = 0x000C
)

// The sizes fixed by the management protocol.
const (
	headerSize    = 6
	longNameSize  = 249
	shortNameSize = 11
	infoSize      = 280
)

// statusNames holds names of the management status codes.
var statusNames = map[uint8]string{
	0x00: "success",
	0x01: "unknown command",
	0x02: "not connected",
	0x03: "failed",
	0x04: "connect failed",
	0x05: "authentication failed",
	0x06: "not paired",
	0x07: "no resources",
	0x08: "timeout",
	0x09: "already connected",
	0x0a: "busy",
	0x0b: "rejected",
	0x0c: "not supported",
	0x0d: "invalid parameters",
	0x0e: "disconnected",
	0x0f: "not powered",
	0x10: "cancelled",
	0x11: "invalid index",
	0x12: "rfkilled",
}

// StatusName returns a printable name for a management status code.
func StatusName(status uint8) string {
	if name, ok := statusNames[status]; ok {
		return name
	}

	return fmt.Sprintf("status 0x%02x", status)
}

// Frame is one management packet: a command going out or an event coming
// in. All integers on the wire are little-endian.
type Frame struct {
	Code   uint16
	Index  uint16
	Params []byte
}

// Marshal renders the frame into its wire form.
func (f Frame) Marshal() []byte {
	packet := make([]byte, headerSize+len(f.Params))
	binary.LittleEndian.PutUint16(packet[0:2], f.Code)
	binary.LittleEndian.PutUint16(packet[2:4], f.Index)
	binary.LittleEndian.PutUint16(packet[4:6], uint16(len(f.Params)))
	copy(packet[headerSize:], f.Params)

	return packet
}

// ParseFrame decodes one management packet.
func ParseFrame(packet []byte) (Frame, error) {
	if len(packet) < headerSize {
		return Frame{}, fmt.Errorf("short management packet: %d bytes", len(packet))
	}

	length := binary.LittleEndian.Uint16(packet[4:6])
	if int(headerSize+length) > len(packet) {
		return Frame{}, fmt.Errorf("truncated management packet: header %d, have %d",
			length, len(packet)-headerSize)
	}

	return Frame{
		Code:   binary.LittleEndian.Uint16(packet[0:2]),
		Index:  binary.LittleEndian.Uint16(packet[2:4]),
		Params: packet[headerSize : headerSize+length],
	}, nil
}

// commandReply holds the decoded body of a CommandComplete or
// CommandStatus event.
type commandReply struct {
	Opcode uint16
	Status uint8
	Params []byte
}

func parseCommandReply(params []byte) (commandReply, error) {
	if len(params) < 3 {
		return commandReply{}, fmt.Errorf("short command reply: %d bytes", len(params))
	}

	return commandReply{
		Opcode: binary.LittleEndian.Uint16(params[0:2]),
		Status: params[2],
		Params: params[3:],
	}, nil
}

func parseMacAddress(params []byte) bluetooth.MacAddress {
	var address bluetooth.MacAddress
	copy(address[:], params[:6])

	return address
}

func parseControllerInfo(params []byte) (bluetooth.ControllerInfo, error) {
	if len(params) < infoSize {
		return bluetooth.ControllerInfo{}, fmt.Errorf("short controller info: %d bytes", len(params))
	}

	return bluetooth.ControllerInfo{
		Address:           parseMacAddress(params[0:6]),
		BluetoothVersion:  params[6],
		Manufacturer:      binary.LittleEndian.Uint16(params[7:9]),
		SupportedSettings: bluetooth.Settings(binary.LittleEndian.Uint32(params[9:13])),
		CurrentSettings:   bluetooth.Settings(binary.LittleEndian.Uint32(params[13:17])),
		DeviceClass:       uint32(params[17]) | uint32(params[18])<<8 | uint32(params[19])<<16,
		Name:              parseFixedName(params[20 : 20+longNameSize]),
		ShortName:         parseFixedName(params[20+longNameSize : 20+longNameSize+shortNameSize]),
	}, nil
}

func parseFixedName(field []byte) string {
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}

	return string(field)
}

func parseNewSettings(params []byte) (bluetooth.Settings, error) {
	if len(params) < 4 {
		return 0, fmt.Errorf("short settings event: %d bytes", len(params))
	}

	return bluetooth.Settings(binary.LittleEndian.Uint32(params[0:4])), nil
}

// connectionInfo holds the address fields shared by the device connected
// and disconnected events.
type connectionInfo struct {
	Address     bluetooth.MacAddress
	AddressType uint8
}

func parseConnectionInfo(params []byte) (connectionInfo, error) {
	if len(params) < 7 {
		return connectionInfo{}, fmt.Errorf("short connection event: %d bytes", len(params))
	}

	return connectionInfo{
		Address:     parseMacAddress(params[0:6]),
		AddressType: params[6],
	}, nil
}

func encodeMode(enable bool) []byte {
	if enable {
		return []byte{0x01}
	}

	return []byte{0x00}
}

func encodeDiscoverable(enable bool, timeout uint16) []byte {
	params := make([]byte, 3)
	copy(params, encodeMode(enable))
	binary.LittleEndian.PutUint16(params[1:3], timeout)

	return params
}

func encodeLocalName(name, shortName string) []byte {
	params := make([]byte, longNameSize+shortNameSize)
	copy(params[:longNameSize-1], name)
	copy(params[longNameSize:longNameSize+shortNameSize-1], shortName)

	return params
}
