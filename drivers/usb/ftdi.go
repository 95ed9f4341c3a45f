package usb

import (
	"context"
	"time"

	"github.com/google/gousb"
	"github.com/pkg/errors"
)

const ftdiVendor gousb.ID = 0x0403

// FTDI vendor requests
const (
	sioReset         = 0x00
	sioSetLatency    = 0x09
	sioSetBitMode    = 0x0b
	sioResetSIO      = 0
	sioPurgeRX       = 1
	sioPurgeTX       = 2
	ftdiRequestOut   = gousb.ControlOut | gousb.ControlVendor | gousb.ControlDevice
	ftdiInterfaceA   = 1
	ftdiStatusLen    = 2
	ftdiLatencyMs    = 2
	ftdiReadBufSize  = 16 * 1024
	ftdiPollDuration = 10 * time.Millisecond
)

// FTDIBus accesses FTDI chips via libusb. The kernel's ftdi_sio driver is
// detached from the device while it is opened.
type FTDIBus struct {
	ctx *gousb.Context
}

func NewFTDIBus() *FTDIBus {
	return &FTDIBus{ctx: gousb.NewContext()}
}

func (b *FTDIBus) Close() error {
	return b.ctx.Close()
}

func (b *FTDIBus) openAll() ([]*gousb.Device, error) {
	devs, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == ftdiVendor
	})
	if err != nil && len(devs) == 0 {
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	return devs, nil
}

func (b *FTDIBus) Enumerate() ([]Descriptor, error) {
	devs, err := b.openAll()
	if err != nil {
		return nil, err
	}
	defer closeAll(devs)

	descs := make([]Descriptor, 0, len(devs))
	for _, dev := range devs {
		descs = append(descs, describe(dev))
	}
	if len(descs) == 0 {
		return nil, ErrNoDevices
	}
	return descs, nil
}

func describe(dev *gousb.Device) Descriptor {
	// String descriptors come from the FTDI's EEPROM. Errors leave them empty,
	// which simply won't match any cart.
	vendor, _ := dev.Manufacturer()
	product, _ := dev.Product()
	serial, _ := dev.SerialNumber()
	return Descriptor{
		Vendor:      vendor,
		Description: product,
		Serial:      serial,
		ID:          MakeID(uint16(dev.Desc.Vendor), uint16(dev.Desc.Product)),
		Location:    uint32(dev.Desc.Bus)<<8 | uint32(dev.Desc.Address),
	}
}

func closeAll(devs []*gousb.Device) {
	for _, dev := range devs {
		dev.Close()
	}
}

func (b *FTDIBus) Open(index int) (Port, error) {
	devs, err := b.openAll()
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(devs) {
		closeAll(devs)
		return nil, errors.Wrapf(ErrNoDevices, "no device at index %d", index)
	}
	dev := devs[index]
	closeAll(append(devs[:index:index], devs[index+1:]...))

	port, err := newFTDIPort(dev)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return port, nil
}

type ftdiPort struct {
	dev  *gousb.Device
	done func()
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint

	readTimeout  time.Duration
	writeTimeout time.Duration

	pkt []byte // raw bulk transfer buffer
	rx  []byte // received payload not consumed yet
}

func newFTDIPort(dev *gousb.Device) (*ftdiPort, error) {
	if err := dev.SetAutoDetach(true); err != nil {
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	intf, done, err := dev.DefaultInterface()
	if err != nil {
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	in, err := intf.InEndpoint(1)
	if err != nil {
		done()
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	out, err := intf.OutEndpoint(2)
	if err != nil {
		done()
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	p := &ftdiPort{
		dev:          dev,
		done:         done,
		in:           in,
		out:          out,
		readTimeout:  DefaultReadTimeout,
		writeTimeout: DefaultWriteTimeout,
		pkt:          make([]byte, ftdiReadBufSize),
	}
	if err := p.control(sioSetLatency, ftdiLatencyMs); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *ftdiPort) control(request uint8, value uint16) error {
	_, err := p.dev.Control(ftdiRequestOut, request, value, ftdiInterfaceA, nil)
	if err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	return nil
}

func isTimeout(err error) bool {
	return errors.Is(err, gousb.TransferTimedOut) ||
		errors.Is(err, gousb.TransferCancelled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// fill does a single bulk transfer and appends the received payload to rx.
// Every max packet sized block starts with two modem status bytes.
func (p *ftdiPort) fill(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, err := p.in.ReadContext(ctx, p.pkt)
	if err != nil && !isTimeout(err) {
		return errors.Wrap(ErrIO, err.Error())
	}
	mps := p.in.Desc.MaxPacketSize
	for off := 0; off < n; off += mps {
		end := min(off+mps, n)
		if end-off > ftdiStatusLen {
			p.rx = append(p.rx, p.pkt[off+ftdiStatusLen:end]...)
		}
	}
	return nil
}

func (p *ftdiPort) Read(b []byte) (n int, err error) {
	deadline := time.Now().Add(p.readTimeout)
	for len(p.rx) == 0 {
		left := time.Until(deadline)
		if left <= 0 {
			return 0, nil
		}
		if err = p.fill(left); err != nil {
			return 0, err
		}
	}
	n = copy(b, p.rx)
	p.rx = p.rx[n:]
	return n, nil
}

func (p *ftdiPort) Write(b []byte) (n int, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.writeTimeout)
	defer cancel()
	n, err = p.out.WriteContext(ctx, b)
	if err != nil && !isTimeout(err) {
		return n, errors.Wrap(ErrIO, err.Error())
	}
	return n, nil
}

func (p *ftdiPort) Pending() (int, error) {
	if len(p.rx) == 0 {
		if err := p.fill(ftdiPollDuration); err != nil {
			return 0, err
		}
	}
	return len(p.rx), nil
}

func (p *ftdiPort) Reset() error {
	p.rx = p.rx[:0]
	return p.control(sioReset, sioResetSIO)
}

func (p *ftdiPort) Purge(which Purge) error {
	if which&PurgeRX != 0 {
		p.rx = p.rx[:0]
		if err := p.control(sioReset, sioPurgeRX); err != nil {
			return err
		}
	}
	if which&PurgeTX != 0 {
		if err := p.control(sioReset, sioPurgeTX); err != nil {
			return err
		}
	}
	return nil
}

func (p *ftdiPort) SetBitMode(mask, mode byte) error {
	return p.control(sioSetBitMode, uint16(mode)<<8|uint16(mask))
}

func (p *ftdiPort) SetTimeouts(read, write time.Duration) error {
	p.readTimeout, p.writeTimeout = read, write
	p.dev.ControlTimeout = write
	return nil
}

func (p *ftdiPort) Close() error {
	if p.done != nil {
		p.done()
		p.done = nil
	}
	return p.dev.Close()
}
