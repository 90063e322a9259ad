package bluetooth

import "fmt"

// Flags holds the access mode flags of a characteristic or descriptor,
// using the flag names defined by the Bluez GATT API.
type Flags []string

// The flag names accepted by Bluez.
var knownFlags = map[string]struct{}{
	"broadcast":                   {},
	"read":                        {},
	"write-without-response":      {},
	"write":                       {},
	"notify":                      {},
	"indicate":                    {},
	"authenticated-signed-writes": {},
	"reliable-write":              {},
	"writable-auxiliaries":        {},
	"encrypt-read":                {},
	"encrypt-write":               {},
	"encrypt-authenticated-read":  {},
	"encrypt-authenticated-write": {},
	"secure-read":                 {},
	"secure-write":                {},
}

// Validate checks that every flag is a flag name known to Bluez.
func (f Flags) Validate() error {
	for _, flag := range f {
		if _, ok := knownFlags[flag]; !ok {
			return fmt.Errorf("unknown characteristic flag %q", flag)
		}
	}

	return nil
}

// Has reports whether the flag set contains the provided flag.
func (f Flags) Has(flag string) bool {
	for _, existing := range f {
		if existing == flag {
			return true
		}
	}

	return false
}

// CanRead reports whether the flag set allows value reads.
func (f Flags) CanRead() bool {
	return f.Has("read") || f.Has("encrypt-read") ||
		f.Has("encrypt-authenticated-read") || f.Has("secure-read")
}

// CanWrite reports whether the flag set allows value writes.
func (f Flags) CanWrite() bool {
	return f.Has("write") || f.Has("write-without-response") ||
		f.Has("encrypt-write") || f.Has("encrypt-authenticated-write") ||
		f.Has("secure-write")
}

// CanNotify reports whether the flag set allows subscriptions.
func (f Flags) CanNotify() bool {
	return f.Has("notify") || f.Has("indicate")
}
