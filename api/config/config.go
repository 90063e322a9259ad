// Package config holds the peripheral session configuration.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Configuration holds all settings of a peripheral session.
type Configuration struct {
	// ServiceName is the lowercase vendor/product token used to derive the
	// well-known bus name ("com.<ServiceName>") and the root object path
	// ("/com/<ServiceName>").
	ServiceName string

	// AdvertisingShortName is the short controller name sent in
	// advertising packets (at most 10 bytes).
	AdvertisingShortName string

	// AdvertisingLongName is the long controller name (at most 248 bytes).
	AdvertisingLongName string

	// ControllerIndex selects the controller the session drives.
	ControllerIndex uint16

	// TickInterval is the quantum of the server loop.
	TickInterval time.Duration

	// MaxAsyncInitTimeout bounds each asynchronous initialization step,
	// including every management command await.
	MaxAsyncInitTimeout time.Duration

	// Bondable configures whether the controller accepts bonding.
	Bondable bool

	// DiscoverableTimeout is the discoverable mode timeout in seconds.
	// Zero keeps the controller discoverable indefinitely.
	DiscoverableTimeout uint16
}

// NewConfiguration returns a Configuration with the standard defaults
// applied for the provided service and advertising names.
func NewConfiguration(serviceName, advertisingShortName, advertisingLongName string) Configuration {
	return Configuration{
		ServiceName:          serviceName,
		AdvertisingShortName: advertisingShortName,
		AdvertisingLongName:  advertisingLongName,
		ControllerIndex:      0,
		TickInterval:         100 * time.Millisecond,
		MaxAsyncInitTimeout:  30 * time.Second,
		Bondable:             true,
		DiscoverableTimeout:  0,
	}
}

// Validate checks the configuration for values the session cannot start
// with.
func (c Configuration) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is empty")
	}
	if strings.ContainsAny(c.ServiceName, "./ ") {
		return fmt.Errorf("service name %q must be a single lowercase token", c.ServiceName)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive")
	}
	if c.MaxAsyncInitTimeout <= 0 {
		return fmt.Errorf("init timeout must be positive")
	}

	return nil
}

// BusName returns the well-known bus name the session claims.
func (c Configuration) BusName() string {
	return "com." + strings.ToLower(c.ServiceName)
}

// RootPath returns the root object path of the published tree.
func (c Configuration) RootPath() string {
	return "/com/" + strings.ToLower(c.ServiceName)
}
