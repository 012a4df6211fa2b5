// Package transport implements the raw byte-level link to the ESP32-C3 ROM
// bootloader: exclusive TTY access, a cooperative nonblocking read, and the
// control-line reset choreographies that drive the chip into and out of
// bootloader mode.
package transport

import "time"

// Port is the surface the orchestrator drives. Everything here speaks in
// raw bytes; SLIP framing and packet structure live in internal/protocol
// and internal/slip.
type Port interface {
	// SetBaudRate reconfigures the live line speed and flushes both
	// buffers.
	SetBaudRate(baud int) error

	// Read waits up to timeout for readable bytes, then performs a single
	// read up to 4 KiB. Returns an empty, nil-error slice on timeout.
	Read(timeout time.Duration) ([]byte, error)

	// Write loops until every byte is written.
	Write(data []byte) error

	// Flush discards buffered input and output.
	Flush() error

	// SetDTR asserts (true) or deasserts (false) the DTR line.
	SetDTR(assert bool) error

	// SetRTS asserts (true) or deasserts (false) the RTS line.
	SetRTS(assert bool) error

	// SetDTRRTS sets both lines together.
	SetDTRRTS(dtr, rts bool) error

	// Close releases the exclusive lock and closes the descriptor.
	Close() error
}

// ResetUSBJTAGSerial runs the reset choreography for the ESP32-C3's native
// USB-JTAG-Serial peripheral. Timing values are load-bearing; do not
// collapse or reorder the steps.
func ResetUSBJTAGSerial(p Port) error {
	steps := []struct {
		dtr, rts bool
		sleep    time.Duration
	}{
		{dtr: false, rts: false, sleep: 100 * time.Millisecond},
		{dtr: true, rts: false, sleep: 100 * time.Millisecond},
	}
	for _, s := range steps {
		if err := p.SetDTRRTS(s.dtr, s.rts); err != nil {
			return err
		}
		time.Sleep(s.sleep)
	}

	// Step 3 is three independent, sequential line writes, not a combined
	// DTR+RTS write: the trailing RTS re-set only latches DTR on host
	// drivers that require an RTS edge, which a bundled write would not
	// produce.
	if err := p.SetRTS(true); err != nil {
		return err
	}
	if err := p.SetDTR(false); err != nil {
		return err
	}
	if err := p.SetRTS(true); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)

	if err := p.SetDTRRTS(false, false); err != nil {
		return err
	}
	time.Sleep(50 * time.Millisecond)

	return p.Flush()
}

// ResetClassic runs the reset choreography for UART-bridge boards where
// DTR drives GPIO0 (inverted) and RTS drives EN (inverted).
func ResetClassic(p Port) error {
	steps := []struct {
		dtr, rts bool
		sleep    time.Duration
	}{
		{dtr: false, rts: true, sleep: 100 * time.Millisecond},
		{dtr: true, rts: false, sleep: 50 * time.Millisecond},
	}
	for _, s := range steps {
		if err := p.SetDTRRTS(s.dtr, s.rts); err != nil {
			return err
		}
		time.Sleep(s.sleep)
	}

	if err := p.SetDTR(false); err != nil {
		return err
	}
	time.Sleep(50 * time.Millisecond)

	return p.Flush()
}

// ResetHard runs app code without entering the bootloader, for USB-JTAG-Serial
// devices whose soft reboot does not always reset the USB block.
func ResetHard(p Port) error {
	if err := p.SetDTR(false); err != nil {
		return err
	}
	time.Sleep(50 * time.Millisecond)

	if err := p.SetRTS(true); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)

	if err := p.SetRTS(false); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)

	return p.Flush()
}
