package bluetooth

import (
	"fmt"
	"strings"
)

// MacAddress holds a Bluetooth controller or device address.
type MacAddress [6]byte

// String returns the colon-separated representation of the address.
func (m MacAddress) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		m[5], m[4], m[3], m[2], m[1], m[0])
}

// Settings holds the controller settings bitfield reported by the
// kernel management interface.
type Settings uint32

// The individual controller setting bits.
const (
	SettingPowered Settings = 1 << iota
	SettingConnectable
	SettingFastConnectable
	SettingDiscoverable
	SettingBondable
	SettingLinkSecurity
	SettingSSP
	SettingBREDR
	SettingHS
	SettingLE
	SettingAdvertising
	SettingSecureConnections
	SettingDebugKeys
	SettingPrivacy
	SettingConfiguration
	SettingStaticAddress
)

// settingNames holds names for each setting bit, in bit order.
var settingNames = []string{
	"powered",
	"connectable",
	"fast-connectable",
	"discoverable",
	"bondable",
	"link-level-security",
	"ssp",
	"br/edr",
	"hs",
	"le",
	"advertising",
	"secure-connections",
	"debug-keys",
	"privacy",
	"configuration",
	"static-address",
}

// Has reports whether the provided setting bit is set.
func (s Settings) Has(setting Settings) bool {
	return s&setting != 0
}

// String returns a comma-separated list of the enabled settings.
func (s Settings) String() string {
	var enabled []string

	for bit, name := range settingNames {
		if s&(1<<bit) != 0 {
			enabled = append(enabled, name)
		}
	}

	return strings.Join(enabled, ",")
}

// ControllerInfo holds the static and current state of a Bluetooth
// controller as reported by the management interface.
type ControllerInfo struct {
	// Address holds the Bluetooth address of the controller.
	Address MacAddress `json:"address" codec:"Address" doc:"The Bluetooth address of the controller."`

	// BluetoothVersion holds the HCI version of the controller.
	BluetoothVersion uint8 `json:"bluetooth_version" codec:"BluetoothVersion" doc:"The HCI version of the controller."`

	// Manufacturer holds the company identifier of the controller.
	Manufacturer uint16 `json:"manufacturer" codec:"Manufacturer" doc:"The company identifier of the controller."`

	// SupportedSettings holds the settings the controller supports.
	SupportedSettings Settings `json:"supported_settings" codec:"SupportedSettings" doc:"The settings the controller supports."`

	// CurrentSettings holds the settings currently in effect.
	CurrentSettings Settings `json:"current_settings" codec:"CurrentSettings" doc:"The settings currently in effect."`

	// DeviceClass holds the class-of-device value.
	DeviceClass uint32 `json:"device_class" codec:"DeviceClass" doc:"The class-of-device value."`

	// Name holds the long name of the controller.
	Name string `json:"name" codec:"Name" doc:"The long name of the controller."`

	// ShortName holds the short name of the controller.
	ShortName string `json:"short_name,omitempty" codec:"ShortName,omitempty" doc:"The short name of the controller."`
}
