package usb

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"
)

// SerialBus accesses carts through the tty devices created by the kernel's
// usb serial drivers. The USB identity of each tty is looked up in sysfs.
//
// FTDI specific requests aren't available this way, SetBitMode returns
// ErrUnsupported.
type SerialBus struct {
	DevGlobs  []string
	SysfsRoot string
}

func NewSerialBus() *SerialBus {
	return &SerialBus{
		DevGlobs:  []string{"/dev/ttyUSB*", "/dev/ttyACM*"},
		SysfsRoot: "/sys/class/tty",
	}
}

func (b *SerialBus) devices() []string {
	var paths []string
	for _, pattern := range b.DevGlobs {
		m, _ := filepath.Glob(pattern)
		paths = append(paths, m...)
	}
	sort.Strings(paths)
	return paths
}

func (b *SerialBus) Enumerate() ([]Descriptor, error) {
	paths := b.devices()
	if len(paths) == 0 {
		return nil, ErrNoDevices
	}
	descs := make([]Descriptor, 0, len(paths))
	for _, path := range paths {
		descs = append(descs, b.describe(path))
	}
	return descs, nil
}

// describe walks up from the tty's sysfs node to the usb device it belongs to.
func (b *SerialBus) describe(path string) Descriptor {
	desc := Descriptor{Path: path}
	dir, err := filepath.EvalSymlinks(filepath.Join(b.SysfsRoot, filepath.Base(path), "device"))
	if err != nil {
		return desc
	}
	for i := 0; i < 4; i++ {
		if _, err := os.Stat(filepath.Join(dir, "idVendor")); err == nil {
			break
		}
		dir = filepath.Dir(dir)
	}

	attr := func(name string) string {
		b, _ := os.ReadFile(filepath.Join(dir, name))
		return strings.TrimSpace(string(b))
	}
	hex := func(name string) uint16 {
		v, _ := strconv.ParseUint(attr(name), 16, 16)
		return uint16(v)
	}
	num := func(name string) uint32 {
		v, _ := strconv.ParseUint(attr(name), 10, 32)
		return uint32(v)
	}

	desc.Vendor = attr("manufacturer")
	desc.Description = attr("product")
	desc.Serial = attr("serial")
	desc.ID = MakeID(hex("idVendor"), hex("idProduct"))
	desc.Location = num("busnum")<<8 | num("devnum")
	return desc
}

func (b *SerialBus) Open(index int) (Port, error) {
	paths := b.devices()
	if index < 0 || index >= len(paths) {
		return nil, errors.Wrapf(ErrNoDevices, "no device at index %d", index)
	}
	p := &serialPort{
		opt: serial.OpenOptions{
			PortName:        paths[index],
			BaudRate:        115200,
			DataBits:        8,
			StopBits:        1,
			MinimumReadSize: 0,
		},
		readTimeout:  DefaultReadTimeout,
		writeTimeout: DefaultWriteTimeout,
	}
	if err := p.open(); err != nil {
		return nil, err
	}
	return p, nil
}

type serialPort struct {
	fd  io.ReadWriteCloser
	opt serial.OpenOptions

	readTimeout  time.Duration
	writeTimeout time.Duration

	rx  []byte
	buf [512]byte
}

// pollTimeout is the shortest inter character timeout a tty supports. Ports
// are always opened with it, so Pending returns quickly. Longer read timeouts
// are done by reading repeatedly.
const pollTimeout = 100 * time.Millisecond

func (p *serialPort) open() error {
	p.opt.InterCharacterTimeout = uint(pollTimeout.Milliseconds())
	fd, err := serial.Open(p.opt)
	if err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	p.fd = fd
	return nil
}

func (p *serialPort) reopen() error {
	if p.fd != nil {
		p.fd.Close()
		p.fd = nil
	}
	p.rx = p.rx[:0]
	return p.open()
}

func (p *serialPort) Read(b []byte) (n int, err error) {
	if len(p.rx) > 0 {
		n = copy(b, p.rx)
		p.rx = p.rx[n:]
		return n, nil
	}
	deadline := time.Now().Add(p.readTimeout)
	for {
		n, err = p.fd.Read(b)
		// io.EOF means VTIME expired without data
		if err != nil && err != io.EOF {
			return n, errors.Wrap(ErrIO, err.Error())
		}
		if n > 0 || !time.Now().Before(deadline) {
			return n, nil
		}
	}
}

func (p *serialPort) Write(b []byte) (n int, err error) {
	n, err = p.fd.Write(b)
	if err != nil {
		return n, errors.Wrap(ErrIO, err.Error())
	}
	return n, nil
}

// Pending reads whatever arrives within pollTimeout.
func (p *serialPort) Pending() (int, error) {
	if len(p.rx) == 0 {
		n, err := p.fd.Read(p.buf[:])
		if err != nil && err != io.EOF {
			return 0, errors.Wrap(ErrIO, err.Error())
		}
		p.rx = append(p.rx, p.buf[:n]...)
	}
	return len(p.rx), nil
}

func (p *serialPort) Reset() error {
	return p.reopen()
}

func (p *serialPort) Purge(which Purge) error {
	if which&PurgeRX != 0 {
		p.rx = p.rx[:0]
	}
	return nil
}

func (p *serialPort) SetBitMode(mask, mode byte) error {
	return errors.Wrap(ErrUnsupported, "bit mode on tty")
}

func (p *serialPort) SetTimeouts(read, write time.Duration) error {
	p.readTimeout, p.writeTimeout = read, write
	return nil
}

func (p *serialPort) Close() error {
	if p.fd == nil {
		return nil
	}
	err := p.fd.Close()
	p.fd = nil
	return err
}
