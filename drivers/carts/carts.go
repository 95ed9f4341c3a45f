// Package carts finds flashcarts connected to the host and wraps their drivers
// in a common device.
//
// See the subdirectories for supported flashcarts.
package carts

import (
	"context"
	"log"

	"github.com/clktmr/n64loader/drivers/carts/cart"
	"github.com/clktmr/n64loader/drivers/carts/drive64"
	"github.com/clktmr/n64loader/drivers/carts/everdrive64"
	"github.com/clktmr/n64loader/drivers/carts/gopher64"
	"github.com/clktmr/n64loader/drivers/carts/summercart64"
	"github.com/clktmr/n64loader/drivers/usb"
	"github.com/clktmr/n64loader/rom"
	"github.com/clktmr/n64loader/unf"
	"github.com/pkg/errors"
)

// Probers of usb carts in the order they are tried. The 64drive and sc64 are
// recognized by their descriptors alone, the EverDrive needs a test command
// and comes after the 64drive, which would misinterpret it.
var Probers = []cart.Prober{
	drive64.ProberHW1,
	drive64.ProberHW2,
	everdrive64.ProberV3,
	everdrive64.ProberX7,
	summercart64.Prober,
}

// Found is a usb device identified as a cart.
type Found struct {
	Index  int
	Desc   usb.Descriptor
	Family cart.Family
}

// identify returns the first device matching family, or any cart for
// cart.None. Devices are tried in bus order, each against all probers.
func identify(bus usb.Bus, family cart.Family, all bool) (found []Found, err error) {
	descs, err := bus.Enumerate()
	if err != nil {
		return nil, err
	}
	for i, desc := range descs {
		for _, p := range Probers {
			if family != cart.None && p.Family != family {
				continue
			}
			if p.Identify(bus, i, desc) {
				found = append(found, Found{i, desc, p.Family})
				if !all {
					return found, nil
				}
				break
			}
		}
	}
	return found, nil
}

// List identifies all carts on the bus.
func List(bus usb.Bus) ([]Found, error) {
	return identify(bus, cart.None, true)
}

// Find opens the first cart of the given family, or of any family for
// cart.None. Gopher64 isn't on the bus and must be asked for explicitly, addr
// defaults to gopher64.DefaultAddr.
//
// Find returns usb.ErrNoDevices if the bus has no devices at all and
// cart.ErrNotFound if none of them is a matching cart.
func Find(bus usb.Bus, family cart.Family, addr string) (*Device, error) {
	if family == cart.Gopher64 {
		if addr == "" {
			addr = gopher64.DefaultAddr
		}
		drv, err := gopher64.Prober(addr).Open(bus, -1)
		if err != nil {
			return nil, err
		}
		return &Device{driver: drv}, nil
	}

	found, err := identify(bus, family, false)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		if family == cart.None {
			return nil, cart.ErrNotFound
		}
		return nil, errors.Wrapf(cart.ErrNotFound, "no %v", family)
	}
	for _, p := range Probers {
		if p.Family == found[0].Family {
			drv, err := p.Open(bus, found[0].Index)
			if err != nil {
				return nil, err
			}
			log.Printf("found %v: %v", p.Family, found[0].Desc)
			return &Device{driver: drv}, nil
		}
	}
	panic("unreachable")
}

// Device is an opened cart. Reading incoming debug data and sending data are
// mutually exclusive, as most carts share a single FIFO for both.
type Device struct {
	driver   cart.Driver
	dataleft int
}

// NewDevice wraps a driver which was opened elsewhere.
func NewDevice(drv cart.Driver) *Device {
	return &Device{driver: drv}
}

func (d *Device) Family() cart.Family { return d.driver.Family() }

// Driver returns the underlying driver, e.g. for setting driver specific
// options.
func (d *Device) Driver() cart.Driver { return d.driver }

func (d *Device) Open() error {
	if d.driver == nil {
		return errors.Wrap(usb.ErrIO, "device closed")
	}
	return d.driver.Open()
}

type ROMOptions struct {
	Name     string
	CIC      rom.CIC
	Save     rom.SaveType
	Progress func(done, total int)
}

// SendROM uploads a ROM image in any byte order. An unset CIC is detected
// from the bootcode. If that fails, the cart's own detection is relied on.
func (d *Device) SendROM(ctx context.Context, data []byte, opts ROMOptions) (*cart.Upload, error) {
	if !opts.CIC.Valid() {
		return nil, errors.Wrapf(cart.ErrValidation, "cic %v", opts.CIC)
	}
	if !opts.Save.Valid() {
		return nil, errors.Wrapf(cart.ErrValidation, "save type %v", opts.Save)
	}
	if len(data) < rom.HeaderLen {
		return nil, errors.Wrapf(cart.ErrValidation, "rom of %d bytes", len(data))
	}
	if d.driver == nil {
		return nil, errors.Wrap(usb.ErrIO, "device closed")
	}

	u := &cart.Upload{
		Data:     make([]byte, d.driver.PadSize(len(data))),
		Size:     len(data),
		Name:     opts.Name,
		CIC:      opts.CIC,
		Save:     opts.Save,
		Progress: opts.Progress,
	}
	copy(u.Data, data)
	if f := rom.ToZ64(u.Data[:u.Size]); f == rom.Unknown {
		log.Print("warning: unknown rom byte order, sending as is")
	} else if f != rom.Z64 {
		log.Printf("converted rom from %v to z64", f)
	}

	u.TV = rom.Region(u.Data)
	if u.CIC == rom.CICAuto {
		cic, err := rom.DetectCIC(u.Data)
		if err != nil {
			log.Printf("warning: %v, leaving cic detection to the cart", err)
		} else {
			u.CIC = cic.ForRegion(u.TV)
		}
	}
	if title, err := rom.Title(u.Data); err == nil {
		log.Printf("uploading %q (%d bytes, cic %v, save %v, %v)", title, u.Size, u.CIC, u.Save, u.TV)
	}

	return u, d.driver.SendROM(ctx, u)
}

// SendData sends a debug frame to the console.
func (d *Device) SendData(t unf.Datatype, payload []byte) error {
	if d.dataleft > 0 {
		return cart.ErrBusy
	}
	if d.driver == nil {
		return errors.Wrap(usb.ErrIO, "device closed")
	}
	return d.driver.SendFrame(t, payload)
}

// Poll returns the header of the next incoming frame, if any. The payload must
// be consumed with Read followed by EndFrame.
func (d *Device) Poll() (h unf.FrameHeader, ok bool, err error) {
	if d.dataleft > 0 {
		return h, false, cart.ErrBusy
	}
	if d.driver == nil {
		return h, false, errors.Wrap(usb.ErrIO, "device closed")
	}
	h, ok, err = d.driver.Poll()
	if ok {
		d.dataleft = h.Size
	}
	return
}

// Read reads the payload of the current frame. It never reads beyond it.
func (d *Device) Read(p []byte) (int, error) {
	if d.dataleft == 0 {
		return 0, nil
	}
	n, err := d.driver.Read(p[:min(len(p), d.dataleft)])
	d.dataleft -= n
	return n, err
}

// DataLeft returns the number of payload bytes of the current frame which
// haven't been read.
func (d *Device) DataLeft() int { return d.dataleft }

func (d *Device) EndFrame() error {
	var buf [512]byte
	for d.dataleft > 0 {
		n, err := d.Read(buf[:])
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.Wrap(usb.ErrTimeout, "discarding frame")
		}
	}
	return d.driver.EndFrame()
}

// Close releases the cart. Closing a closed device does nothing.
func (d *Device) Close() error {
	if d.driver == nil {
		return nil
	}
	err := d.driver.Close()
	d.driver = nil
	d.dataleft = 0
	return err
}
