// Package ports enumerates serial devices and classifies them by their USB
// vendor/product IDs, so the orchestrator can pick the right reset
// choreography without the caller needing to know about chip quirks.
package ports

import "go.bug.st/serial/enumerator"

// USB-JTAG-Serial vendor/product IDs: the ESP32-C3's native USB peripheral,
// distinct from a classic UART bridge.
const (
	usbJTAGSerialVID = "303A"
	usbJTAGSerialPID = "1001"
)

// Descriptor identifies a candidate serial device.
type Descriptor struct {
	Path        string
	DisplayName string
	VendorID    string
	ProductID   string
}

// IsUSBJTAGSerial reports whether this device is the ESP32-C3's native USB
// peripheral, which needs a different reset choreography than a classic
// UART bridge.
func (d Descriptor) IsUSBJTAGSerial() bool {
	return d.VendorID == usbJTAGSerialVID && d.ProductID == usbJTAGSerialPID
}

// List enumerates available serial ports with as much USB detail as the
// host can report. An enumeration failure is returned as an error. When a
// port has no USB identity or no product string, DisplayName falls back to
// the bare path.
func List() ([]Descriptor, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}

	descriptors := make([]Descriptor, 0, len(details))
	for _, d := range details {
		desc := Descriptor{Path: d.Name, DisplayName: d.Name}
		if d.IsUSB {
			desc.VendorID = d.VID
			desc.ProductID = d.PID
			if d.Product != "" {
				desc.DisplayName = d.Product + " (" + d.Name + ")"
			}
		}
		descriptors = append(descriptors, desc)
	}
	return descriptors, nil
}
