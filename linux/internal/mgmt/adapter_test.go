package mgmt

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/bluetuith-org/ble-peripheral/api/bluetooth"
	"github.com/bluetuith-org/ble-peripheral/api/errorkinds"
)

// fakeTransport scripts the controller side of the management channel.
type fakeTransport struct {
	mu      sync.Mutex
	written []Frame

	incoming  chan []byte
	closeOnce sync.Once
	closed    chan struct{}

	// respond maps an incoming command to the frames sent back. A nil
	// respond swallows commands, which makes every command time out.
	respond func(cmd Frame) []Frame
}

func newFakeTransport(respond func(cmd Frame) []Frame) *fakeTransport {
	return &fakeTransport{
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
		respond:  respond,
	}
}

func (f *fakeTransport) Read(p []byte) (int, error) {
	select {
	case packet := <-f.incoming:
		return copy(p, packet), nil
	case <-f.closed:
		return 0, io.EOF
	}
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	cmd, err := ParseFrame(p)
	if err != nil {
		return 0, err
	}

	f.mu.Lock()
	f.written = append(f.written, cmd)
	f.mu.Unlock()

	if f.respond != nil {
		for _, reply := range f.respond(cmd) {
			f.incoming <- reply.Marshal()
		}
	}

	return len(p), nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) push(frame Frame) {
	f.incoming <- frame.Marshal()
}

// complete builds a CommandComplete event for the provided command.
func complete(cmd Frame, status uint8, params []byte) Frame {
	body := make([]byte, 3+len(params))
	binary.LittleEndian.PutUint16(body[0:2], cmd.Code)
	body[2] = status
	copy(body[3:], params)

	return Frame{Code: EvCommandComplete, Index: cmd.Index, Params: body}
}

func settingsBytes(settings bluetooth.Settings) []byte {
	params := make([]byte, 4)
	binary.LittleEndian.PutUint32(params, uint32(settings))

	return params
}

func TestCommandCompletes(t *testing.T) {
	transport := newFakeTransport(func(cmd Frame) []Frame {
		return []Frame{complete(cmd, 0, settingsBytes(bluetooth.SettingPowered|bluetooth.SettingLE))}
	})

	adapter := NewAdapter(transport, 0, time.Second)
	adapter.Start()
	defer adapter.Stop()

	if err := adapter.SetPowered(true); err != nil {
		t.Fatalf("SetPowered: %v", err)
	}

	if !adapter.Settings().Has(bluetooth.SettingLE) {
		t.Errorf("settings cache = %s", adapter.Settings())
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.written) != 1 || transport.written[0].Code != OpSetPowered {
		t.Fatalf("written = %+v", transport.written)
	}
	if transport.written[0].Params[0] != 0x01 {
		t.Fatal("mode byte not set")
	}
}

func TestCommandStatusError(t *testing.T) {
	transport := newFakeTransport(func(cmd Frame) []Frame {
		return []Frame{complete(cmd, 0x0b, nil)}
	})

	adapter := NewAdapter(transport, 0, time.Second)
	adapter.Start()
	defer adapter.Stop()

	err := adapter.SetAdvertising(true)
	if !errors.Is(err, errorkinds.ErrControllerStatus) {
		t.Fatalf("error = %v, want ErrControllerStatus", err)
	}
}

func TestCommandTimeout(t *testing.T) {
	transport := newFakeTransport(nil)

	adapter := NewAdapter(transport, 0, 50*time.Millisecond)
	adapter.Start()
	defer adapter.Stop()

	start := time.Now()
	err := adapter.SetPowered(true)
	if !errors.Is(err, errorkinds.ErrOperationTimeout) {
		t.Fatalf("error = %v, want ErrOperationTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout took %s", elapsed)
	}
}

func TestNewSettingsEventUpdatesCache(t *testing.T) {
	transport := newFakeTransport(nil)

	adapter := NewAdapter(transport, 0, 50*time.Millisecond)
	adapter.Start()
	defer adapter.Stop()

	transport.push(Frame{
		Code:   EvNewSettings,
		Params: settingsBytes(bluetooth.SettingPowered | bluetooth.SettingAdvertising),
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if adapter.Settings().Has(bluetooth.SettingAdvertising) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("settings cache never updated: %s", adapter.Settings())
}

func TestReadControllerInfo(t *testing.T) {
	info := make([]byte, infoSize)
	copy(info[0:6], []byte{6, 5, 4, 3, 2, 1})
	binary.LittleEndian.PutUint32(info[13:17], uint32(bluetooth.SettingPowered))
	copy(info[20:], "ctl\x00")

	transport := newFakeTransport(func(cmd Frame) []Frame {
		return []Frame{complete(cmd, 0, info)}
	})

	adapter := NewAdapter(transport, 0, time.Second)
	adapter.Start()
	defer adapter.Stop()

	parsed, err := adapter.ReadControllerInfo()
	if err != nil {
		t.Fatalf("ReadControllerInfo: %v", err)
	}
	if parsed.Name != "ctl" {
		t.Errorf("name = %q", parsed.Name)
	}
	if !adapter.Settings().Has(bluetooth.SettingPowered) {
		t.Errorf("settings cache = %s", adapter.Settings())
	}
}

func TestClosedTransportFailsPending(t *testing.T) {
	transport := newFakeTransport(nil)

	adapter := NewAdapter(transport, 0, 5*time.Second)
	adapter.Start()

	done := make(chan error, 1)
	go func() {
		done <- adapter.SetPowered(true)
	}()

	time.Sleep(20 * time.Millisecond)
	adapter.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, errorkinds.ErrControllerClosed) {
			t.Fatalf("error = %v, want ErrControllerClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending command never failed")
	}
}
