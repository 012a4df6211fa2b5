// Package orchestrator drives the full flashing state machine: reset into
// bootloader, sync with retry, watchdog disable, optional baud negotiation,
// SPI attach, per-image erase and stream, and a final FLASH_END followed,
// on USB-JTAG-Serial devices, by a hard reset.
package orchestrator

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bigbag/esp32-flasher/internal/firmware"
	"github.com/bigbag/esp32-flasher/internal/ports"
	"github.com/bigbag/esp32-flasher/internal/protocol"
	"github.com/bigbag/esp32-flasher/internal/slip"
	"github.com/bigbag/esp32-flasher/internal/transport"
)

const (
	syncRetries        = 20
	syncRetryDelay     = 50 * time.Millisecond
	responseTimeout    = 5 * time.Second
	blockDelay         = 5 * time.Millisecond
	flashBlockSize     = 1024
	reconnectAttempts = 5
	reconnectDelay    = 500 * time.Millisecond
)

// Observer receives State events in strict lifecycle order.
type Observer func(State)

// Flasher owns a transport exclusively for the duration of one run. Only
// one flash may be in flight; a second call to Flash while one is active is
// rejected silently.
type Flasher struct {
	open      func(path string, baud int) (transport.Port, error)
	cancelled atomic.Bool
	flashing  atomic.Bool
}

// New creates a Flasher. openFn is injectable so tests can substitute a fake
// transport; production callers pass transport.Open.
func New(openFn func(path string, baud int) (transport.Port, error)) *Flasher {
	return &Flasher{open: openFn}
}

// IsFlashing reports whether a run is currently in flight.
func (f *Flasher) IsFlashing() bool {
	return f.flashing.Load()
}

// Cancel requests cooperative cancellation of the active run. Asynchronous:
// the run notices at the next block or response-wait boundary.
func (f *Flasher) Cancel() {
	f.cancelled.Store(true)
}

// Flash runs the full flashing state machine against bundle on the device
// identified by desc, targeting baud as the post-sync line speed.
// State events are delivered to observe in strict order, terminating with
// Complete or Error. Re-entrant calls while a run is active are rejected.
func (f *Flasher) Flash(desc ports.Descriptor, bundle *firmware.Bundle, baud int, observe Observer) {
	if !f.flashing.CompareAndSwap(false, true) {
		return
	}
	defer f.flashing.Store(false)
	f.cancelled.Store(false)

	if !bundle.IsValid() {
		observe(errorState(newError(ErrInvalidFirmware, 0, "firmware bundle failed validation")))
		return
	}

	r := &run{flasher: f, desc: desc, bundle: bundle, baud: baud, observe: observe, decoder: slip.NewDecoder()}
	r.execute()
}

// run holds the mutable state of a single flash from connect to complete.
type run struct {
	flasher *Flasher
	desc    ports.Descriptor
	bundle  *firmware.Bundle
	baud    int
	observe Observer
	port    transport.Port
	decoder *slip.Decoder
}

func (r *run) emit(s State) {
	r.observe(s)
}

func (r *run) cancelled() bool {
	return r.flasher.cancelled.Load()
}

func errorState(err *FlashError) State {
	return State{Phase: Error, Err: err}
}

func (r *run) fail(err *FlashError) {
	// A stage that stopped because Cancel was requested (e.g. a response
	// wait that noticed the flag) reports Cancelled, not its own failure kind.
	if r.cancelled() && err.Kind != ErrCancelled {
		err = newError(ErrCancelled, 0, "cancelled: %s", err.Message)
	}
	if r.port != nil {
		r.port.Close()
	}
	r.emit(errorState(err))
}

func (r *run) execute() {
	r.emit(State{Phase: Connecting})
	if err := r.connect(); err != nil {
		r.fail(err)
		return
	}

	r.emit(State{Phase: Syncing})
	if err := r.enterBootloaderAndSync(); err != nil {
		r.fail(err)
		return
	}

	if r.desc.IsUSBJTAGSerial() {
		if err := r.disableWatchdogs(); err != nil {
			r.fail(err)
			return
		}
	}

	if r.baud != int(protocol.Baud115200) {
		r.emit(State{Phase: ChangingBaudRate})
		if err := r.changeBaudRate(); err != nil {
			r.fail(err)
			return
		}
	}

	if err := r.spiAttach(); err != nil {
		r.fail(err)
		return
	}

	if err := r.flashImages(); err != nil {
		r.fail(err)
		return
	}

	r.emit(State{Phase: Verifying})
	time.Sleep(100 * time.Millisecond)

	if err := r.finish(); err != nil {
		r.fail(err)
		return
	}

	r.emit(State{Phase: Complete})
}

func (r *run) connect() *FlashError {
	port, err := r.flasher.open(r.desc.Path, protocol.DefaultBaudRate)
	if err != nil {
		return newError(ErrConnectionFailed, 0, "connect to %s: %v", r.desc.Path, err)
	}
	r.port = port
	return nil
}

func (r *run) resetChoreography() error {
	if r.desc.IsUSBJTAGSerial() {
		return transport.ResetUSBJTAGSerial(r.port)
	}
	return transport.ResetClassic(r.port)
}

func (r *run) enterBootloaderAndSync() *FlashError {
	if err := r.resetChoreography(); err != nil {
		return newError(ErrConnectionFailed, 0, "reset into bootloader: %v", err)
	}
	time.Sleep(500 * time.Millisecond)
	r.port.Flush()

	if r.syncWithRetry() {
		return nil
	}

	r.port.Close()
	time.Sleep(2 * time.Second)

	reopened := false
	for i := 0; i < reconnectAttempts; i++ {
		port, err := r.flasher.open(r.desc.Path, protocol.DefaultBaudRate)
		if err == nil {
			r.port = port
			reopened = true
			break
		}
		time.Sleep(reconnectDelay)
	}
	if !reopened {
		return newError(ErrConnectionFailed, 0, "reopen %s after sync failure", r.desc.Path)
	}

	r.port.Flush()
	r.emit(State{Phase: Syncing})
	if r.syncWithRetry() {
		return nil
	}
	return newError(ErrSyncFailed, syncRetries, "no SYNC response")
}

// syncWithRetry attempts SYNC up to syncRetries times, syncRetryDelay apart.
// On success it drains up to 7 follow-up SYNC responses the ROM loader
// sends after the first — skipping that leaves stale frames that corrupt
// later response parsing.
func (r *run) syncWithRetry() bool {
	for attempt := 0; attempt < syncRetries; attempt++ {
		if r.cancelled() {
			return false
		}

		req := protocol.NewRequest(protocol.CmdSync, protocol.SyncPayload())
		if err := r.port.Write(slip.Encode(req.Encode())); err != nil {
			time.Sleep(syncRetryDelay)
			continue
		}

		resp, err := r.waitForResponse(protocol.CmdSync, time.Second)
		if err == nil && resp.IsSuccess() {
			for i := 0; i < 7; i++ {
				r.waitForResponse(protocol.CmdSync, 100*time.Millisecond)
			}
			r.port.Flush()
			return true
		}

		time.Sleep(syncRetryDelay)
	}
	return false
}

// waitForResponse polls until deadline, feeding bytes into the streaming
// decoder and accepting the first frame whose opcode matches.
func (r *run) waitForResponse(opcode byte, timeout time.Duration) (*protocol.Response, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.cancelled() {
			return nil, fmt.Errorf("cancelled")
		}

		chunk, err := r.port.Read(100 * time.Millisecond)
		if err != nil {
			continue
		}
		if len(chunk) == 0 {
			continue
		}

		for _, frame := range r.decoder.Process(chunk) {
			resp, err := protocol.DecodeResponse(frame)
			if err != nil {
				continue
			}
			if resp.Command == opcode {
				return resp, nil
			}
		}
	}
	return nil, fmt.Errorf("timeout waiting for 0x%02X", opcode)
}

func (r *run) sendAndAwait(cmd byte, payload []byte, timeout time.Duration) (*protocol.Response, error) {
	req := protocol.NewRequest(cmd, payload)
	if err := r.port.Write(slip.Encode(req.Encode())); err != nil {
		return nil, err
	}
	return r.waitForResponse(cmd, timeout)
}

func (r *run) disableWatchdogs() *FlashError {
	steps := []struct {
		cmd     byte
		payload []byte
	}{
		{protocol.CmdWriteReg, protocol.WriteRegPayload(protocol.RTCWDTWProtect, protocol.RTCWDTWKey)},
	}
	for _, s := range steps {
		if _, err := r.sendAndAwait(s.cmd, s.payload, responseTimeout); err != nil {
			return newError(ErrTimeout, 0, "disable watchdog: %v", err)
		}
	}

	v, err := r.readReg(protocol.RTCWDTConfig0)
	if err != nil {
		return newError(ErrTimeout, 0, "read RTC_WDT_CONFIG0: %v", err)
	}
	if _, err := r.sendAndAwait(protocol.CmdWriteReg, protocol.WriteRegPayload(protocol.RTCWDTConfig0, v&^protocol.WDTEnableBit), responseTimeout); err != nil {
		return newError(ErrTimeout, 0, "disable RTC watchdog: %v", err)
	}
	if _, err := r.sendAndAwait(protocol.CmdWriteReg, protocol.WriteRegPayload(protocol.RTCWDTWProtect, 0), responseTimeout); err != nil {
		return newError(ErrTimeout, 0, "re-lock RTC watchdog: %v", err)
	}

	if _, err := r.sendAndAwait(protocol.CmdWriteReg, protocol.WriteRegPayload(protocol.SWDWProtect, protocol.SWDWKey), responseTimeout); err != nil {
		return newError(ErrTimeout, 0, "unlock super watchdog: %v", err)
	}
	sv, err := r.readReg(protocol.SWDConf)
	if err != nil {
		return newError(ErrTimeout, 0, "read SWD_CONF: %v", err)
	}
	if _, err := r.sendAndAwait(protocol.CmdWriteReg, protocol.WriteRegPayload(protocol.SWDConf, sv|protocol.SWDAutoFeedEnBit), responseTimeout); err != nil {
		return newError(ErrTimeout, 0, "enable super watchdog auto-feed: %v", err)
	}
	if _, err := r.sendAndAwait(protocol.CmdWriteReg, protocol.WriteRegPayload(protocol.SWDWProtect, 0), responseTimeout); err != nil {
		return newError(ErrTimeout, 0, "re-lock super watchdog: %v", err)
	}

	return nil
}

func (r *run) readReg(addr uint32) (uint32, error) {
	resp, err := r.sendAndAwait(protocol.CmdReadReg, protocol.ReadRegPayload(addr), responseTimeout)
	if err != nil {
		return 0, err
	}
	if !resp.IsSuccess() {
		return 0, fmt.Errorf("read_reg 0x%X failed: %s", addr, resp.ErrorString())
	}
	return resp.Value, nil
}

func (r *run) changeBaudRate() *FlashError {
	resp, err := r.sendAndAwait(protocol.CmdChangeBaudrate, protocol.ChangeBaudratePayload(uint32(r.baud), uint32(protocol.DefaultBaudRate)), responseTimeout)
	if err != nil || !resp.IsSuccess() {
		return newError(ErrBaudChangeTimeout, 0, "CHANGE_BAUDRATE to %d", r.baud)
	}
	time.Sleep(50 * time.Millisecond)

	if err := r.port.SetBaudRate(r.baud); err != nil {
		return newError(ErrBaudChangeTimeout, 0, "reconfigure host line speed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if !r.syncWithRetry() {
		return newError(ErrBaudChangeTimeout, 0, "re-sync at %d failed", r.baud)
	}
	return nil
}

func (r *run) spiAttach() *FlashError {
	resp, err := r.sendAndAwait(protocol.CmdSpiAttach, protocol.SpiAttachPayload(), 3*time.Second)
	if err != nil || !resp.IsSuccess() {
		return newError(ErrTimeout, 0, "SPI_ATTACH failed")
	}
	return nil
}

func (r *run) flashImages() *FlashError {
	totalSize := r.bundle.TotalSize()
	bytesFlashed := 0

	for _, img := range r.bundle.Images() {
		numBlocks := (img.Size() + flashBlockSize - 1) / flashBlockSize
		if numBlocks == 0 {
			numBlocks = 1
		}

		r.emit(State{Phase: Erasing})
		eraseSize := uint32(numBlocks * flashBlockSize)
		beginResp, err := r.sendAndAwait(protocol.CmdFlashBegin,
			protocol.FlashBeginPayload(eraseSize, uint32(numBlocks), flashBlockSize, img.Offset), 30*time.Second)
		if err != nil {
			return newError(ErrFlashBeginFailed, 0, "FLASH_BEGIN: %v", err)
		}
		if !beginResp.IsSuccess() {
			return newError(ErrFlashBeginFailed, int(beginResp.Status), "FLASH_BEGIN rejected")
		}

		for blockNum := 0; blockNum < numBlocks; blockNum++ {
			if r.cancelled() {
				return newError(ErrCancelled, 0, "cancelled during flash")
			}

			start := blockNum * flashBlockSize
			end := start + flashBlockSize
			if end > img.Size() {
				end = img.Size()
			}
			block := padBlock(img.Payload[start:end])

			overall := (float64(bytesFlashed) + (float64(blockNum+1)/float64(numBlocks))*float64(img.Size())) / float64(totalSize)
			r.emit(State{Phase: Flashing, Progress: overall})

			req := protocol.NewFlashDataRequest(block, uint32(blockNum))
			if err := r.port.Write(slip.Encode(req.Encode())); err != nil {
				return newError(ErrFlashDataFailed, blockNum, "FLASH_DATA write: %v", err)
			}
			resp, err := r.waitForResponse(protocol.CmdFlashData, responseTimeout)
			if err != nil || !resp.IsSuccess() {
				return newError(ErrFlashDataFailed, blockNum, "FLASH_DATA failed")
			}

			time.Sleep(blockDelay)
		}

		bytesFlashed += img.Size()
	}

	return nil
}

func padBlock(block []byte) []byte {
	if len(block) == flashBlockSize {
		return block
	}
	padded := make([]byte, flashBlockSize)
	copy(padded, block)
	for i := len(block); i < flashBlockSize; i++ {
		padded[i] = 0xFF
	}
	return padded
}

func (r *run) finish() *FlashError {
	r.emit(State{Phase: Restarting})

	req := protocol.NewRequest(protocol.CmdFlashEnd, protocol.FlashEndPayload(true))
	r.port.Write(slip.Encode(req.Encode()))
	// Absence is acceptable: the device may reboot before replying. An
	// explicit failure status, if one does arrive, is not.
	if resp, err := r.waitForResponse(protocol.CmdFlashEnd, 2*time.Second); err == nil && !resp.IsSuccess() {
		return newError(ErrFlashEndFailed, int(resp.Status), "FLASH_END rejected")
	}

	if r.desc.IsUSBJTAGSerial() {
		transport.ResetHard(r.port)
	}

	time.Sleep(time.Second)
	r.port.Close()
	return nil
}
