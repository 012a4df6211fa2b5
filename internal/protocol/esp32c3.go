package protocol

// Canonical ESP32-C3 flash layout.
const (
	BootloaderAddress = 0x0000
	PartitionsAddress = 0x8000
	FirmwareAddress   = 0x10000
)

// Initial host/device speed is always 115200; BaudRate is a closed
// enumeration of the rates the bootloader's CHANGE_BAUDRATE command accepts.
type BaudRate int

const (
	Baud115200 BaudRate = 115200
	Baud230400 BaudRate = 230400
	Baud460800 BaudRate = 460800
	Baud921600 BaudRate = 921600
)

// DefaultBaudRate is the speed sync always starts at.
const DefaultBaudRate = int(Baud115200)

// USB-JTAG-Serial vendor/product IDs. A device matching both is the ESP32-C3
// native USB peripheral, which re-enumerates on reset and needs the
// USB-JTAG-Serial reset choreography rather than the classic one.
const (
	USBJTAGSerialVID = 0x303A
	USBJTAGSerialPID = 0x1001
)
