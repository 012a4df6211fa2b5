package orchestrator

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/bigbag/esp32-flasher/internal/firmware"
	"github.com/bigbag/esp32-flasher/internal/ports"
	"github.com/bigbag/esp32-flasher/internal/protocol"
	"github.com/bigbag/esp32-flasher/internal/slip"
	"github.com/bigbag/esp32-flasher/internal/transport"
)

// fakePort answers every request it recognizes with an immediate success
// response, so the orchestrator's run sequence can be exercised without a
// real device.
type fakePort struct {
	baud         int
	pending      [][]byte
	closed       bool
	failFlashEnd bool
	sent         []byte // opcodes of every request written, in order
}

func newFakePort() *fakePort { return &fakePort{baud: protocol.DefaultBaudRate} }

func successFrame(cmd byte, value uint32) []byte {
	data := []byte{0x00, 0x00} // status, error
	body := make([]byte, 8+len(data))
	body[0] = protocol.DirResponse
	body[1] = cmd
	binary.LittleEndian.PutUint16(body[2:4], uint16(len(data)))
	binary.LittleEndian.PutUint32(body[4:8], value)
	copy(body[8:], data)
	return slip.Encode(body)
}

func failureFrame(cmd byte, status, errCode byte) []byte {
	data := []byte{status, errCode}
	body := make([]byte, 8+len(data))
	body[0] = protocol.DirResponse
	body[1] = cmd
	binary.LittleEndian.PutUint16(body[2:4], uint16(len(data)))
	copy(body[8:], data)
	return slip.Encode(body)
}

func (f *fakePort) SetBaudRate(baud int) error {
	f.baud = baud
	return nil
}

func (f *fakePort) Read(timeout time.Duration) ([]byte, error) {
	if len(f.pending) == 0 {
		return nil, nil
	}
	frame := f.pending[0]
	f.pending = f.pending[1:]
	return frame, nil
}

func (f *fakePort) Write(data []byte) error {
	decoded := slip.Decode(data)
	if len(decoded) < 2 {
		return nil
	}
	cmd := decoded[1]
	f.sent = append(f.sent, cmd)

	if cmd == protocol.CmdFlashEnd && f.failFlashEnd {
		f.pending = append(f.pending, failureFrame(cmd, 0x01, 0x0A))
		return nil
	}

	switch cmd {
	case protocol.CmdReadReg:
		f.pending = append(f.pending, successFrame(cmd, 0))
	default:
		f.pending = append(f.pending, successFrame(cmd, 0))
	}
	return nil
}

func (f *fakePort) Flush() error                     { return nil }
func (f *fakePort) SetDTR(assert bool) error          { return nil }
func (f *fakePort) SetRTS(assert bool) error          { return nil }
func (f *fakePort) SetDTRRTS(dtr, rts bool) error     { return nil }
func (f *fakePort) Close() error                      { f.closed = true; return nil }

func fakeOpen(path string, baud int) (transport.Port, error) {
	return newFakePort(), nil
}

func fakeOpenFailingFlashEnd(path string, baud int) (transport.Port, error) {
	p := newFakePort()
	p.failFlashEnd = true
	return p, nil
}

func validImage(offset uint32, size int) *firmware.Image {
	payload := make([]byte, size)
	payload[0] = 0xE9
	return &firmware.Image{Payload: payload, Offset: offset}
}

func TestFlash_HappyPath(t *testing.T) {
	bundle := firmware.NewBundle([]*firmware.Image{validImage(firmware.ApplicationAddress, 2048)})
	desc := ports.Descriptor{Path: "/dev/ttyFAKE0", VendorID: "303A", ProductID: "1001"}

	f := New(fakeOpen)

	var seen []Phase
	f.Flash(desc, bundle, protocol.DefaultBaudRate, func(s State) {
		seen = append(seen, s.Phase)
	})

	if len(seen) == 0 || seen[len(seen)-1] != Complete {
		t.Fatalf("expected run to end with Complete, got %v", seen)
	}

	order := map[Phase]int{}
	for i, p := range seen {
		if _, ok := order[p]; !ok {
			order[p] = i
		}
	}
	mustBefore := []Phase{Connecting, Syncing, Erasing, Flashing, Verifying, Restarting, Complete}
	for i := 1; i < len(mustBefore); i++ {
		if order[mustBefore[i-1]] >= order[mustBefore[i]] {
			t.Errorf("expected %s before %s, order = %v", mustBefore[i-1], mustBefore[i], seen)
		}
	}
}

func TestFlash_FlashEndFailureStatusIsNotSwallowed(t *testing.T) {
	bundle := firmware.NewBundle([]*firmware.Image{validImage(firmware.ApplicationAddress, 8)})
	desc := ports.Descriptor{Path: "/dev/ttyUSB0"}

	f := New(fakeOpenFailingFlashEnd)
	var errState *FlashError
	f.Flash(desc, bundle, protocol.DefaultBaudRate, func(s State) {
		if s.Phase == Error {
			errState = s.Err
		}
	})
	if errState == nil || errState.Kind != ErrFlashEndFailed {
		t.Fatalf("expected FlashEndFailed error, got %v", errState)
	}
}

func TestFlash_ClassicDeviceSkipsWatchdogDisable(t *testing.T) {
	bundle := firmware.NewBundle([]*firmware.Image{validImage(firmware.ApplicationAddress, 8)})
	desc := ports.Descriptor{Path: "/dev/ttyUSB0"} // no USB-JTAG-Serial VID/PID

	var port *fakePort
	f := New(func(path string, baud int) (transport.Port, error) {
		port = newFakePort()
		return port, nil
	})
	var errState *FlashError
	f.Flash(desc, bundle, protocol.DefaultBaudRate, func(s State) {
		if s.Phase == Error {
			errState = s.Err
		}
	})
	if errState != nil {
		t.Fatalf("unexpected error: %v", errState)
	}
	for _, cmd := range port.sent {
		if cmd == protocol.CmdWriteReg || cmd == protocol.CmdReadReg {
			t.Errorf("classic device sent watchdog register command 0x%02X", cmd)
		}
	}
}

func TestFlash_InvalidFirmwareRejected(t *testing.T) {
	bad := &firmware.Image{Payload: []byte{0x00}, Offset: firmware.ApplicationAddress}
	bundle := firmware.NewBundle([]*firmware.Image{bad})
	desc := ports.Descriptor{Path: "/dev/ttyUSB0"}

	f := New(fakeOpen)
	var errState *FlashError
	f.Flash(desc, bundle, protocol.DefaultBaudRate, func(s State) {
		if s.Phase == Error {
			errState = s.Err
		}
	})
	if errState == nil || errState.Kind != ErrInvalidFirmware {
		t.Fatalf("expected InvalidFirmware error, got %v", errState)
	}
}

func TestFlash_RejectsReentrantCall(t *testing.T) {
	f := New(fakeOpen)
	f.flashing.Store(true)

	called := false
	bundle := firmware.NewBundle([]*firmware.Image{validImage(firmware.ApplicationAddress, 8)})
	f.Flash(ports.Descriptor{Path: "/dev/ttyUSB0"}, bundle, protocol.DefaultBaudRate, func(s State) {
		called = true
	})
	if called {
		t.Error("expected re-entrant Flash call to be rejected silently")
	}
}

func TestFlash_CancellationDuringBlocks(t *testing.T) {
	bundle := firmware.NewBundle([]*firmware.Image{validImage(firmware.ApplicationAddress, 8192)})
	desc := ports.Descriptor{Path: "/dev/ttyUSB0"}

	f := New(fakeOpen)
	var errState *FlashError
	seenFlashing := 0
	f.Flash(desc, bundle, protocol.DefaultBaudRate, func(s State) {
		if s.Phase == Flashing {
			seenFlashing++
			if seenFlashing == 1 {
				f.Cancel()
			}
		}
		if s.Phase == Error {
			errState = s.Err
		}
	})
	if errState == nil || errState.Kind != ErrCancelled {
		t.Fatalf("expected Cancelled error, got %v", errState)
	}
}

func TestPadBlock(t *testing.T) {
	short := []byte{1, 2, 3}
	padded := padBlock(short)
	if len(padded) != 1024 {
		t.Fatalf("padBlock length = %d, want 1024", len(padded))
	}
	if padded[0] != 1 || padded[1] != 2 || padded[2] != 3 {
		t.Error("padBlock did not preserve leading bytes")
	}
	for i := 3; i < 1024; i++ {
		if padded[i] != 0xFF {
			t.Fatalf("padBlock[%d] = 0x%02X, want 0xFF", i, padded[i])
		}
	}
}

func TestPadBlock_FullBlockUnchanged(t *testing.T) {
	full := make([]byte, 1024)
	for i := range full {
		full[i] = byte(i)
	}
	padded := padBlock(full)
	for i := range full {
		if padded[i] != full[i] {
			t.Fatalf("padBlock modified a full block at %d", i)
		}
	}
}
