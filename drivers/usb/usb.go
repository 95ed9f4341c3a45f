// Package usb provides raw byte oriented access to the USB bridges found on
// n64 flashcarts.
//
// All supported flashcarts use an FTDI chip as their USB interface. The FTDI
// backend talks to the chip directly via libusb, the tty backend uses the
// kernel's serial driver instead. Neither knows anything about the carts.
package usb

import (
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrNoDevices   = errors.New("no usb devices found")
	ErrIO          = errors.New("usb i/o error")
	ErrTimeout     = errors.New("usb timeout")
	ErrShortWrite  = errors.New("usb short write")
	ErrUnsupported = errors.New("operation not supported by transport")
)

// Descriptor identifies an enumerated device.
type Descriptor struct {
	Vendor      string // manufacturer string
	Description string // product string
	Serial      string
	ID          uint32 // vendor<<16 | product
	Location    uint32
	Path        string // device node, only set by the tty backend
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%04x:%04x %q %q", d.ID>>16, d.ID&0xffff, d.Vendor, d.Description)
}

// MakeID packs a vendor and product id.
func MakeID(vendor, product uint16) uint32 {
	return uint32(vendor)<<16 | uint32(product)
}

type Purge uint8

const (
	PurgeRX Purge = 1 << iota
	PurgeTX
)

// Bit modes of the FTDI chip
const (
	BitModeReset    byte = 0x00
	BitModeSyncFIFO byte = 0x40
)

// Bus enumerates and opens devices.
type Bus interface {
	Enumerate() ([]Descriptor, error)
	Open(index int) (Port, error)
}

// Port is an opened device.
//
// Read and Write block until done or until the timeout set with SetTimeouts
// has passed. A timeout is not an error, it results in a short count.
type Port interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)

	// Pending returns the number of bytes that can be read without blocking.
	Pending() (int, error)

	Reset() error
	Purge(which Purge) error
	SetBitMode(mask, mode byte) error
	SetTimeouts(read, write time.Duration) error
	Close() error
}

// Default timeouts as used by most carts.
const (
	DefaultReadTimeout  = 5000 * time.Millisecond
	DefaultWriteTimeout = 5000 * time.Millisecond
)

// maxWriteAttempts bounds the retries on partial writes.
const maxWriteAttempts = 2

// WriteFull writes all of p. A short write is retried with the remaining bytes
// once, after that ErrShortWrite is returned.
func WriteFull(port Port, p []byte) (n int, err error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		var nn int
		nn, err = port.Write(p[n:])
		n += nn
		if err != nil {
			return n, errors.Wrap(ErrIO, err.Error())
		}
		if n == len(p) {
			return n, nil
		}
	}
	return n, errors.Wrapf(ErrShortWrite, "wrote %d of %d bytes", n, len(p))
}

// ReadFull reads exactly len(p) bytes. A read which makes no progress means the
// device timed out.
func ReadFull(port Port, p []byte) (n int, err error) {
	for n < len(p) {
		var nn int
		nn, err = port.Read(p[n:])
		n += nn
		if err != nil {
			return n, errors.Wrap(ErrIO, err.Error())
		}
		if nn == 0 {
			return n, errors.Wrapf(ErrTimeout, "read %d of %d bytes", n, len(p))
		}
	}
	return n, nil
}

// Discard reads and drops n bytes.
func Discard(port Port, n int) error {
	var buf [512]byte
	for n > 0 {
		k, err := ReadFull(port, buf[:min(n, len(buf))])
		if err != nil {
			return err
		}
		n -= k
	}
	return nil
}

type reader struct{ port Port }

// NewReader returns an io.Reader which reports a read without progress as
// ErrTimeout instead of returning zero bytes.
func NewReader(port Port) io.Reader {
	return reader{port}
}

func (r reader) Read(p []byte) (int, error) {
	n, err := r.port.Read(p)
	if err != nil {
		return n, errors.Wrap(ErrIO, err.Error())
	}
	if n == 0 && len(p) > 0 {
		return 0, errors.Wrap(ErrTimeout, "read")
	}
	return n, nil
}
