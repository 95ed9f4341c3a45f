package everdrive64

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/clktmr/n64loader/drivers/carts/cart"
	"github.com/clktmr/n64loader/drivers/usb"
	"github.com/clktmr/n64loader/drivers/usb/usbtest"
	"github.com/clktmr/n64loader/unf"
	"github.com/pkg/errors"
)

// fakeCart answers test commands like the given family does and records all
// other commands.
type fakeCart struct {
	family   cart.Family
	commands [][]byte
}

func (f *fakeCart) isPacket(data []byte) bool {
	if f.family == cart.EverDriveV3 {
		return len(data) == packetLenV3 && string(data[:3]) == "CMD"
	}
	return len(data) == packetLenX7 && string(data[:3]) == "cmd"
}

func (f *fakeCart) port() *usbtest.Port {
	return &usbtest.Port{OnWrite: func(p *usbtest.Port, data []byte) int {
		if !f.isPacket(data) {
			return len(data)
		}
		f.commands = append(f.commands, data)
		if data[3]|0x20 == byte(cmdTest) {
			d := New(nil, f.family)
			reply := make([]byte, d.packetLen())
			copy(reply, data[:3])
			reply[3] = d.testReply()
			p.Reply(reply)
		}
		return len(data)
	}}
}

func (f *fakeCart) sent() (cmds []byte) {
	for _, c := range f.commands {
		cmds = append(cmds, c[3])
	}
	return
}

func TestIdentify(t *testing.T) {
	desc := usb.Descriptor{ID: idFT245R, Description: descFT245R}
	tests := map[string]struct {
		family cart.Family
		v3, x7 bool
	}{
		"v3": {cart.EverDriveV3, true, false},
		"x7": {cart.EverDriveX7, false, true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := &fakeCart{family: tc.family}
			bus := &usbtest.Bus{Devices: []usbtest.Device{{Desc: desc, Port: f.port()}}}
			if got := ProberV3.Identify(bus, 0, desc); got != tc.v3 {
				t.Errorf("v3: expected %v, got %v", tc.v3, got)
			}
			if got := ProberX7.Identify(bus, 0, desc); got != tc.x7 {
				t.Errorf("x7: expected %v, got %v", tc.x7, got)
			}
			if !bus.Devices[0].Port.Closed {
				t.Error("port left open after probing")
			}
		})
	}

	other := usb.Descriptor{ID: 0x04036014, Description: "SC64"}
	if ProberX7.Identify(&usbtest.Bus{}, 0, other) {
		t.Error("identified foreign device")
	}
}

func TestSendROM(t *testing.T) {
	tests := map[string]struct {
		family cart.Family
		size   int
		cmds   string
	}{
		"x7Small": {cart.EverDriveX7, 0x1000, "ctWts"},
		"x7Large": {cart.EverDriveX7, 2 * crcArea, "Wts"},
		"v3Small": {cart.EverDriveV3, 0x1000, "CTWTS"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := &fakeCart{family: tc.family}
			port := f.port()
			e := New(port, tc.family)
			e.BootDelay = 0
			u := &cart.Upload{Data: make([]byte, e.PadSize(tc.size)), Size: tc.size, Name: "hello.z64"}
			if err := e.SendROM(context.Background(), u); err != nil {
				t.Fatal(err)
			}
			if got := string(f.sent()); got != tc.cmds {
				t.Fatalf("expected commands %q, got %q", tc.cmds, got)
			}
			if u.Transferred != len(u.Data) {
				t.Fatalf("transferred %d of %d", u.Transferred, len(u.Data))
			}
			if port.Buffered() != 0 {
				t.Fatalf("%d bytes left unread", port.Buffered())
			}
			last := port.Writes[len(port.Writes)-1]
			if tc.family == cart.EverDriveX7 && !bytes.HasPrefix(last, []byte("hello.z64\x00")) {
				t.Fatalf("expected file name after pifboot, got %q", last[:16])
			}
		})
	}
}

func TestFillCommand(t *testing.T) {
	f := &fakeCart{family: cart.EverDriveX7}
	e := New(f.port(), cart.EverDriveX7)
	e.BootDelay = 0
	u := &cart.Upload{Data: make([]byte, 512), Size: 500}
	if err := e.SendROM(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	fill := f.commands[0]
	if binary.BigEndian.Uint32(fill[4:]) != romBase || binary.BigEndian.Uint32(fill[8:]) != crcArea {
		t.Fatalf("unexpected fill command % x", fill)
	}
}

func TestSendROMCancel(t *testing.T) {
	f := &fakeCart{family: cart.EverDriveX7}
	port := f.port()
	e := New(port, cart.EverDriveX7)
	ctx, cancel := context.WithCancel(context.Background())
	u := &cart.Upload{Data: make([]byte, 4*chunkSize), Size: 4 * chunkSize}
	u.Progress = func(done, total int) { cancel() }
	if err := e.SendROM(ctx, u); err != cart.ErrCancelled {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if u.Transferred != chunkSize {
		t.Fatalf("expected one chunk, got %d bytes", u.Transferred)
	}
	if port.Resets != 1 {
		t.Fatal("fifo not reset after cancel")
	}
}

func TestSendFrame(t *testing.T) {
	x7 := New(&usbtest.Port{}, cart.EverDriveX7)
	if err := x7.SendFrame(unf.Text, []byte("hi")); !errors.Is(err, cart.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}

	port := &usbtest.Port{}
	v3 := New(port, cart.EverDriveV3)
	if err := v3.SendFrame(unf.Text, []byte("hi")); err != nil {
		t.Fatal(err)
	}
	data := port.Writes[1]
	if len(data) != blockSize {
		t.Fatalf("expected a single block, got %d bytes", len(data))
	}
	dt, payload, err := unf.Decode(bytes.NewReader(data), alignTX)
	if err != nil || dt != unf.Text || string(payload) != "hi" {
		t.Fatalf("unexpected frame %v %q %v", dt, payload, err)
	}
}

func TestReceive(t *testing.T) {
	tests := map[string]struct {
		payload string
		frame   string
	}{
		"odd":  {"abc", "DMA@\x01\x00\x00\x03abcCMPH0"},
		"even": {"ab", "DMA@\x01\x00\x00\x02abCMPH"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			port := &usbtest.Port{}
			e := New(port, cart.EverDriveX7)
			port.Reply([]byte(tc.frame))

			h, ok, err := e.Poll()
			if err != nil || !ok || h.Size != len(tc.payload) {
				t.Fatalf("poll: %+v %v %v", h, ok, err)
			}
			buf := make([]byte, h.Size)
			if _, err := e.Read(buf); err != nil {
				t.Fatal(err)
			}
			if string(buf) != tc.payload {
				t.Fatalf("expected %q, got %q", tc.payload, buf)
			}
			if err := e.EndFrame(); err != nil {
				t.Fatal(err)
			}
			if port.Buffered() != 0 {
				t.Fatal("padding not consumed")
			}
		})
	}
}
