//go:build !linux

package transport

import (
	"errors"
	"time"
)

var errUnsupported = errors.New("raw serial transport not supported on this platform")

type otherPort struct{}

// Open is a stub; this module only targets Linux hosts.
func Open(path string, baud int) (Port, error) {
	return nil, errUnsupported
}

func (p *otherPort) SetBaudRate(baud int) error               { return errUnsupported }
func (p *otherPort) Read(timeout time.Duration) ([]byte, error) { return nil, errUnsupported }
func (p *otherPort) Write(data []byte) error                  { return errUnsupported }
func (p *otherPort) Flush() error                              { return errUnsupported }
func (p *otherPort) SetDTR(assert bool) error                  { return errUnsupported }
func (p *otherPort) SetRTS(assert bool) error                  { return errUnsupported }
func (p *otherPort) SetDTRRTS(dtr, rts bool) error              { return errUnsupported }
func (p *otherPort) Close() error                               { return errUnsupported }
