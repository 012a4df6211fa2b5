package protocol

// ESP32 ROM bootloader opcodes (the first-stage loader; this module never
// speaks to the "stub" second-stage uploader).
const (
	CmdFlashBegin     = 0x02
	CmdFlashData      = 0x03
	CmdFlashEnd       = 0x04
	CmdWriteReg       = 0x09
	CmdSync           = 0x08
	CmdReadReg        = 0x0A
	CmdSpiAttach      = 0x0D
	CmdChangeBaudrate = 0x0F
)

// Direction byte values
const (
	DirRequest  = 0x00
	DirResponse = 0x01
)

// Flash parameters
const (
	FlashBlockSize  = 0x400  // 1KB blocks
	FlashSectorSize = 0x1000 // 4KB sectors
)

// RTC_CNTL watchdog registers and unlock keys for the ESP32-C3. The ROM
// loader feeds neither the RTC WDT nor the super watchdog, so a slow flash
// over the native USB-JTAG-Serial peripheral must disable both or risk a
// mid-write reset. The key values are literal; any other value leaves
// protection active.
const (
	rtcCntlBase = 0x60008000

	RTCWDTConfig0  = rtcCntlBase + 0x0090
	RTCWDTWProtect = rtcCntlBase + 0x00A8
	RTCWDTWKey     = 0x50D83AA1

	SWDConf     = rtcCntlBase + 0x00AC
	SWDWProtect = rtcCntlBase + 0x00B0
	SWDWKey     = 0x8F1D312A

	WDTEnableBit     = uint32(1) << 31
	SWDAutoFeedEnBit = uint32(1) << 31
)

// Error codes from ROM bootloader
const (
	ErrInvalidMessage  = 0x05
	ErrFailedToAct     = 0x06
	ErrInvalidCRC      = 0x07
	ErrFlashWriteErr   = 0x08
	ErrFlashReadErr    = 0x09
	ErrFlashReadLenErr = 0x0A
	ErrDeflateError    = 0x0B
)

// ErrorMessage returns human-readable error message
func ErrorMessage(code byte) string {
	switch code {
	case ErrInvalidMessage:
		return "invalid message"
	case ErrFailedToAct:
		return "failed to act"
	case ErrInvalidCRC:
		return "invalid CRC"
	case ErrFlashWriteErr:
		return "flash write error"
	case ErrFlashReadErr:
		return "flash read error"
	case ErrFlashReadLenErr:
		return "flash read length error"
	case ErrDeflateError:
		return "deflate error"
	default:
		return "unknown error"
	}
}
