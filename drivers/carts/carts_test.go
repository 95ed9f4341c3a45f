package carts

import (
	"bytes"
	"context"
	"testing"

	"github.com/clktmr/n64loader/drivers/carts/cart"
	"github.com/clktmr/n64loader/drivers/usb"
	"github.com/clktmr/n64loader/drivers/usb/usbtest"
	"github.com/clktmr/n64loader/rom"
	"github.com/clktmr/n64loader/unf"
	"github.com/pkg/errors"
)

var (
	descHW1  = usb.Descriptor{ID: 0x04036010, Description: "64drive USB device A"}
	descHW2  = usb.Descriptor{ID: 0x04036014, Description: "64drive USB device"}
	descSC64 = usb.Descriptor{ID: 0x04036014, Description: "SC64", Vendor: "Polprzewodnikowy"}
	descFTDI = usb.Descriptor{ID: 0x04036015, Description: "USB Serial"}
)

func makeBus(descs ...usb.Descriptor) *usbtest.Bus {
	bus := &usbtest.Bus{}
	for _, d := range descs {
		bus.Devices = append(bus.Devices, usbtest.Device{Desc: d, Port: &usbtest.Port{}})
	}
	return bus
}

func TestFind(t *testing.T) {
	tests := map[string]struct {
		bus    *usbtest.Bus
		family cart.Family
		want   cart.Family
		err    error
	}{
		"empty":    {makeBus(), cart.None, cart.None, usb.ErrNoDevices},
		"noCart":   {makeBus(descFTDI), cart.None, cart.None, cart.ErrNotFound},
		"auto":     {makeBus(descFTDI, descHW1), cart.None, cart.Drive64HW1, nil},
		"busOrder": {makeBus(descSC64, descHW2), cart.None, cart.SummerCart64, nil},
		"explicit": {makeBus(descHW2, descSC64), cart.SummerCart64, cart.SummerCart64, nil},
		"missing":  {makeBus(descHW2), cart.Drive64HW1, cart.None, cart.ErrNotFound},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			d, err := Find(tc.bus, tc.family, "")
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("expected %v, got %v", tc.err, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			defer d.Close()
			if d.Family() != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, d.Family())
			}
		})
	}
}

func TestList(t *testing.T) {
	found, err := List(makeBus(descHW1, descFTDI, descSC64))
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 2 || found[0].Family != cart.Drive64HW1 || found[1].Index != 2 {
		t.Fatalf("unexpected carts %+v", found)
	}
}

// fakeDriver records uploads and serves a single incoming frame.
type fakeDriver struct {
	upload *cart.Upload
	sent   []unf.Datatype
	frame  []byte
	ended  int
	closed int
}

func (f *fakeDriver) Family() cart.Family { return cart.EverDriveX7 }
func (f *fakeDriver) Open() error         { return nil }
func (f *fakeDriver) PadSize(n int) int   { return unf.Align(n, 512) }

func (f *fakeDriver) SendROM(ctx context.Context, u *cart.Upload) error {
	f.upload = u
	u.Advance(len(u.Data))
	return nil
}

func (f *fakeDriver) SendFrame(t unf.Datatype, payload []byte) error {
	f.sent = append(f.sent, t)
	return nil
}

func (f *fakeDriver) Poll() (unf.FrameHeader, bool, error) {
	if f.frame == nil {
		return unf.FrameHeader{}, false, nil
	}
	return unf.FrameHeader{Type: unf.Text, Size: len(f.frame)}, true, nil
}

func (f *fakeDriver) Read(p []byte) (int, error) {
	n := copy(p, f.frame)
	f.frame = f.frame[n:]
	return n, nil
}

func (f *fakeDriver) EndFrame() error { f.ended++; f.frame = nil; return nil }
func (f *fakeDriver) Close() error    { f.closed++; return nil }

// testROM returns a NTSC 6102 image in v64 byte order.
func testROM() []byte {
	data := make([]byte, 0x1800)
	copy(data, []byte{0x80, 0x37, 0x12, 0x40})
	copy(data[0x20:], "HELLO")
	data[0x3e] = 'E'
	// Bytes summing up to the 6102 bootcode hash
	for i, sum := 0x40, 0x034044; sum > 0; i++ {
		data[i] = byte(min(sum, 0xff))
		sum -= int(data[i])
	}
	rom.Swap16(data)
	return data
}

func TestSendROM(t *testing.T) {
	drv := &fakeDriver{}
	d := NewDevice(drv)
	data := testROM()
	u, err := d.SendROM(context.Background(), data, ROMOptions{Save: rom.SaveEEPROM4K})
	if err != nil {
		t.Fatal(err)
	}
	if u != drv.upload {
		t.Fatal("upload not passed to driver")
	}
	if len(u.Data) != 0x1800 || u.Size != len(data) {
		t.Fatalf("unexpected sizes %d/%d", len(u.Data), u.Size)
	}
	if !bytes.HasPrefix(u.Data, []byte{0x80, 0x37, 0x12, 0x40}) {
		t.Fatalf("rom not converted to z64: % x", u.Data[:4])
	}
	if u.CIC != 6102 || u.TV != rom.NTSC {
		t.Fatalf("expected 6102 NTSC, got %v %v", u.CIC, u.TV)
	}
	if data[0] != 0x37 {
		t.Fatal("caller's data modified")
	}
}

func TestSendROMPAL(t *testing.T) {
	drv := &fakeDriver{}
	data := testROM()
	data[0x3f] = 'P' // still byteswapped
	u, err := NewDevice(drv).SendROM(context.Background(), data, ROMOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if u.CIC != 7101 || u.TV != rom.PAL {
		t.Fatalf("expected 7101 PAL, got %v %v", u.CIC, u.TV)
	}
}

func TestSendROMValidation(t *testing.T) {
	tests := map[string]ROMOptions{
		"cic":  {CIC: 1234},
		"save": {Save: 9},
	}
	for name, opts := range tests {
		t.Run(name, func(t *testing.T) {
			drv := &fakeDriver{}
			_, err := NewDevice(drv).SendROM(context.Background(), testROM(), opts)
			if !errors.Is(err, cart.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			if drv.upload != nil {
				t.Fatal("driver called with invalid options")
			}
		})
	}
}

func TestHalfDuplex(t *testing.T) {
	drv := &fakeDriver{frame: []byte("hello world")}
	d := NewDevice(drv)
	h, ok, err := d.Poll()
	if err != nil || !ok || h.Size != 11 {
		t.Fatalf("poll: %+v %v %v", h, ok, err)
	}
	buf := make([]byte, 5)
	if _, err := d.Read(buf); err != nil {
		t.Fatal(err)
	}
	if err := d.SendData(unf.Text, []byte("x")); err != cart.ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if _, _, err := d.Poll(); err != cart.ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := d.EndFrame(); err != nil {
		t.Fatal(err)
	}
	if d.DataLeft() != 0 || drv.ended != 1 {
		t.Fatal("frame not finished")
	}
	if err := d.SendData(unf.Text, []byte("x")); err != nil {
		t.Fatal(err)
	}
}

func TestClose(t *testing.T) {
	drv := &fakeDriver{}
	d := NewDevice(drv)
	for i := 0; i < 2; i++ {
		if err := d.Close(); err != nil {
			t.Fatal(err)
		}
	}
	if drv.closed != 1 {
		t.Fatalf("driver closed %d times", drv.closed)
	}
}

func TestFindPriority(t *testing.T) {
	// Every prober claims the device, the first one has to win.
	saved := Probers
	defer func() { Probers = saved }()
	var tried []cart.Family
	Probers = nil
	for _, p := range saved {
		p.Identify = func(family cart.Family) func(usb.Bus, int, usb.Descriptor) bool {
			return func(usb.Bus, int, usb.Descriptor) bool {
				tried = append(tried, family)
				return true
			}
		}(p.Family)
		Probers = append(Probers, p)
	}

	for _, want := range []cart.Family{cart.Drive64HW1, cart.EverDriveX7} {
		tried = nil
		family := cart.None
		if want != cart.Drive64HW1 {
			family = want
		}
		d, err := Find(makeBus(descFTDI), family, "")
		if err != nil {
			t.Fatal(err)
		}
		if d.Family() != want {
			t.Fatalf("expected %v, got %v", want, d.Family())
		}
		if len(tried) != 1 || tried[0] != want {
			t.Fatalf("unexpected probers tried %v", tried)
		}
		d.Close()
	}
}
