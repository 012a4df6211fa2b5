//go:build linux

package transport

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

var baudCodes = map[int]uint32{
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	921600:  unix.B921600,
	1000000: unix.B1000000,
}

// linuxPort is the Linux raw-termios implementation of Port.
type linuxPort struct {
	fd   int
	path string
}

// Open acquires an advisory exclusive lock on path, configures it for raw
// 8N1 at baud, and leaves the descriptor nonblocking for cooperative reads.
// DTR/RTS are left untouched.
func Open(path string, baud int) (Port, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("open %s: already in use: %w", path, err)
	}

	p := &linuxPort{fd: fd, path: path}
	if err := p.configure(baud); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *linuxPort) configure(baud int) error {
	code, ok := baudCodes[baud]
	if !ok {
		return fmt.Errorf("unsupported baud rate: %d", baud)
	}

	t, err := unix.IoctlGetTermios(p.fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("tcgetattr: %w", err)
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB | unix.HUPCL
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL

	t.Ispeed = code
	t.Ospeed = code

	// Polled reads: VMIN=0, VTIME=0. The cooperative Read() waits for
	// readability itself before issuing the read.
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(p.fd, unix.TCSETSW, t); err != nil {
		return fmt.Errorf("tcsetattr: %w", err)
	}
	return p.Flush()
}

// SetBaudRate reconfigures the live fd and flushes both buffers.
func (p *linuxPort) SetBaudRate(baud int) error {
	if err := p.configure(baud); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Read waits up to timeout for readable bytes via poll, then performs a
// single read up to 4 KiB. EAGAIN and timeout both yield an empty slice.
func (p *linuxPort) Read(timeout time.Duration) ([]byte, error) {
	pfd := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, int(timeout.Milliseconds()))
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	buf := make([]byte, 4096)
	nr, err := unix.Read(p.fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return nil, nil
		}
		return nil, err
	}
	return buf[:nr], nil
}

// Write loops until every byte is written; EAGAIN sleeps ~1ms and retries.
func (p *linuxPort) Write(data []byte) error {
	for len(data) > 0 {
		n, err := unix.Write(p.fd, data)
		if err != nil {
			if err == unix.EAGAIN {
				time.Sleep(time.Millisecond)
				continue
			}
			return fmt.Errorf("write failed: %w", err)
		}
		data = data[n:]
	}
	return nil
}

// Flush discards buffered input and output.
func (p *linuxPort) Flush() error {
	return unix.IoctlSetInt(p.fd, unix.TCFLSH, unix.TCIOFLUSH)
}

func (p *linuxPort) modemBits() (int, error) {
	return unix.IoctlGetInt(p.fd, unix.TIOCMGET)
}

func (p *linuxPort) setModemBits(bits int) error {
	return unix.IoctlSetPointerInt(p.fd, unix.TIOCMSET, bits)
}

// SetDTR asserts or deasserts DTR independently of RTS.
func (p *linuxPort) SetDTR(assert bool) error {
	bits, err := p.modemBits()
	if err != nil {
		return err
	}
	if assert {
		bits |= unix.TIOCM_DTR
	} else {
		bits &^= unix.TIOCM_DTR
	}
	return p.setModemBits(bits)
}

// SetRTS asserts or deasserts RTS independently of DTR.
func (p *linuxPort) SetRTS(assert bool) error {
	bits, err := p.modemBits()
	if err != nil {
		return err
	}
	if assert {
		bits |= unix.TIOCM_RTS
	} else {
		bits &^= unix.TIOCM_RTS
	}
	return p.setModemBits(bits)
}

// SetDTRRTS sets both lines in a single ioctl so they change together.
func (p *linuxPort) SetDTRRTS(dtr, rts bool) error {
	bits, err := p.modemBits()
	if err != nil {
		return err
	}
	if dtr {
		bits |= unix.TIOCM_DTR
	} else {
		bits &^= unix.TIOCM_DTR
	}
	if rts {
		bits |= unix.TIOCM_RTS
	} else {
		bits &^= unix.TIOCM_RTS
	}
	return p.setModemBits(bits)
}

// Close releases the flock and closes the descriptor. DTR is not dropped.
func (p *linuxPort) Close() error {
	unix.Flock(p.fd, unix.LOCK_UN)
	return unix.Close(p.fd)
}
