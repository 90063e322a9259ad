package gatt

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/bluetuith-org/ble-peripheral/api/bluetooth"
	"github.com/bluetuith-org/ble-peripheral/api/errorkinds"
	"github.com/godbus/dbus/v5"
)

// testBinding is an in-memory data bridge recording notify calls.
type testBinding struct {
	mu            sync.Mutex
	data          map[string]any
	notifiedChars []string
	notifiedDescs []string
}

func newTestBinding() *testBinding {
	return &testBinding{data: make(map[string]any)}
}

func (b *testBinding) GetData(name string) any {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.data[name]
}

func (b *testBinding) SetData(name string, value any) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.data[name]; !ok {
		return false
	}
	b.data[name] = value

	return true
}

func (b *testBinding) NotifyUpdatedCharacteristic(path string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifiedChars = append(b.notifiedChars, path)

	return true
}

func (b *testBinding) NotifyUpdatedDescriptor(path string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifiedDescs = append(b.notifiedDescs, path)

	return true
}

func deviceInfoTree() *Application {
	app := NewApplication("/com/testsvc")

	app.Service("device", "180A", func(s *Service) {
		s.Characteristic("mfgr_name", "2A29", bluetooth.Flags{"read"}, func(c *Characteristic) {
			c.OnReadValue(func(inv *Invocation, c *Characteristic) ([]byte, error) {
				return []byte("Acme Inc."), nil
			})
		})
	})

	return app
}

func TestBuilderTreeShape(t *testing.T) {
	app := deviceInfoTree()
	if err := app.Freeze(newTestBinding()); err != nil {
		t.Fatalf("Freeze: %v", err)
	}

	svc := app.Services()[0]
	if svc.Path() != "/com/testsvc/device" {
		t.Errorf("service path = %q", svc.Path())
	}
	if svc.UUID() != "0000180a-0000-1000-8000-00805f9b34fb" {
		t.Errorf("service uuid = %q", svc.UUID())
	}

	chr, ok := app.Characteristic("/com/testsvc/device/mfgr_name")
	if !ok {
		t.Fatal("characteristic not indexed by path")
	}
	if chr.Service() != svc {
		t.Error("characteristic does not reference its service")
	}
}

func TestManagedObjectsContents(t *testing.T) {
	app := deviceInfoTree()
	if err := app.Freeze(newTestBinding()); err != nil {
		t.Fatalf("Freeze: %v", err)
	}

	objects := app.ManagedObjects()
	if len(objects) != 2 {
		t.Fatalf("ManagedObjects returned %d entries", len(objects))
	}

	svcIfaces := objects["/com/testsvc/device"]
	if len(svcIfaces) != 1 {
		t.Fatalf("service publishes %d interfaces", len(svcIfaces))
	}
	svcProps := svcIfaces[ServiceIface]
	if primary, _ := svcProps["Primary"].Value().(bool); !primary {
		t.Error("service is not primary")
	}

	chrIfaces := objects["/com/testsvc/device/mfgr_name"]
	chrProps, ok := chrIfaces[CharacteristicIface]
	if !ok {
		t.Fatal("characteristic interface missing")
	}

	value, _ := chrProps["Value"].Value().([]byte)
	if !bytes.Equal(value, []byte("Acme Inc.")) {
		t.Errorf("captured value = % x", value)
	}

	backPath, _ := chrProps["Service"].Value().(dbus.ObjectPath)
	if backPath != "/com/testsvc/device" {
		t.Errorf("service back-path = %q", backPath)
	}
}

func TestFreezeRejectsDuplicatePath(t *testing.T) {
	app := NewApplication("/com/testsvc")
	readNothing := func(inv *Invocation, c *Characteristic) ([]byte, error) { return nil, nil }

	for i := 0; i < 2; i++ {
		app.Service("dup", "180F", func(s *Service) {
			s.Characteristic("level", "2A19", bluetooth.Flags{"read"}, func(c *Characteristic) {
				c.OnReadValue(readNothing)
			})
		})
	}

	if err := app.Freeze(newTestBinding()); err == nil {
		t.Fatal("Freeze accepted a duplicate object path")
	}
}

func TestFreezeRejectsMalformedUUID(t *testing.T) {
	app := NewApplication("/com/testsvc")
	app.Service("bad", "not-a-uuid", nil)

	if err := app.Freeze(newTestBinding()); err == nil {
		t.Fatal("Freeze accepted a malformed UUID")
	}
}

func TestFreezeRejectsFlagMismatch(t *testing.T) {
	app := NewApplication("/com/testsvc")
	app.Service("battery", "180F", func(s *Service) {
		s.Characteristic("level", "2A19", bluetooth.Flags{"read"}, nil)
	})

	err := app.Freeze(newTestBinding())
	if err == nil {
		t.Fatal("Freeze accepted a readable characteristic without a read handler")
	}
	if !errors.Is(err, errorkinds.ErrFlagMismatch) {
		t.Fatalf("error = %v, want ErrFlagMismatch", err)
	}
}

func TestWriteForwardsToUpdatePath(t *testing.T) {
	binding := newTestBinding()
	binding.data["text/string"] = "Hello, world!"

	app := NewApplication("/com/testsvc")
	app.Service("text", "00000001-1E3C-FAD4-74E2-97A033F1BFAA", func(s *Service) {
		s.Characteristic("string", "00000002-1E3C-FAD4-74E2-97A033F1BFAA",
			bluetooth.Flags{"read", "write", "notify"}, func(c *Characteristic) {
				c.OnReadValue(func(inv *Invocation, c *Characteristic) ([]byte, error) {
					return []byte(DataValue(c, "text/string", "")), nil
				})
				c.OnWriteValue(func(inv *Invocation, c *Characteristic, value []byte) error {
					if !c.SetData("text/string", string(value)) {
						return errorkinds.ErrUnknownName
					}
					c.NotifyUpdated()

					return nil
				})
			})
	})
	if err := app.Freeze(binding); err != nil {
		t.Fatalf("Freeze: %v", err)
	}

	chr, _ := app.Characteristic("/com/testsvc/text/string")
	if err := chr.WriteValue(NewInvocation("", nil), []byte{0x48, 0x69}); err != nil {
		t.Fatalf("WriteValue: %v", err)
	}

	if len(binding.notifiedChars) != 1 || binding.notifiedChars[0] != "/com/testsvc/text/string" {
		t.Fatalf("notified = %v", binding.notifiedChars)
	}

	read, err := chr.ReadValue(NewInvocation("", nil))
	if err != nil {
		t.Fatalf("ReadValue: %v", err)
	}
	if !bytes.Equal(read, []byte{0x48, 0x69}) {
		t.Errorf("read back % x", read)
	}
}

func TestTickFiresPeriodicEvents(t *testing.T) {
	var everyTick, everyThree int

	app := NewApplication("/com/testsvc")
	app.Service("time", "1805", func(s *Service) {
		s.Characteristic("current", "2A2B", bluetooth.Flags{"notify"}, func(c *Characteristic) {
			c.OnEvent(1, nil, func(c *Characteristic, userData any) bool {
				everyTick++
				return true
			})
		})
		s.Characteristic("slow", "2A0F", bluetooth.Flags{"notify"}, func(c *Characteristic) {
			c.OnEvent(3, nil, func(c *Characteristic, userData any) bool {
				everyThree++
				return true
			})
		})
	})
	if err := app.Freeze(newTestBinding()); err != nil {
		t.Fatalf("Freeze: %v", err)
	}

	var updates int
	for i := 0; i < 10; i++ {
		updates += len(app.Tick())
	}

	if everyTick != 10 {
		t.Errorf("period-1 handler fired %d times", everyTick)
	}
	if everyThree != 3 {
		t.Errorf("period-3 handler fired %d times", everyThree)
	}
	if updates != 13 {
		t.Errorf("Tick reported %d updates", updates)
	}
}

func TestDataValueFallsBack(t *testing.T) {
	binding := newTestBinding()
	binding.data["battery/level"] = uint8(78)

	app := NewApplication("/com/testsvc")
	app.Service("battery", "180F", func(s *Service) {
		s.Characteristic("level", "2A19", bluetooth.Flags{"read"}, func(c *Characteristic) {
			c.OnReadValue(func(inv *Invocation, c *Characteristic) ([]byte, error) {
				return []byte{DataValue(c, "battery/level", uint8(0))}, nil
			})
		})
	})
	if err := app.Freeze(binding); err != nil {
		t.Fatalf("Freeze: %v", err)
	}

	chr, _ := app.Characteristic("/com/testsvc/battery/level")
	if got := DataValue(chr, "battery/level", uint8(0)); got != 78 {
		t.Errorf("known key = %d", got)
	}
	if got := DataValue(chr, "does/not/exist", uint8(9)); got != 9 {
		t.Errorf("unknown key fallback = %d", got)
	}
	if got := DataValue(chr, "battery/level", "wrong type"); got != "wrong type" {
		t.Errorf("type mismatch fallback = %q", got)
	}
}

func TestValueIsCopied(t *testing.T) {
	app := deviceInfoTree()
	if err := app.Freeze(newTestBinding()); err != nil {
		t.Fatalf("Freeze: %v", err)
	}

	chr, _ := app.Characteristic("/com/testsvc/device/mfgr_name")
	chr.SetValue([]byte{1, 2, 3})

	value := chr.Value()
	value[0] = 99

	if chr.Value()[0] != 1 {
		t.Error("Value returned shared storage")
	}
}
