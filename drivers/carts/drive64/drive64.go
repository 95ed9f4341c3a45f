// Package drive64 implements the host side protocol of the 64drive by
// Retroactive, hardware revisions 1 and 2.
//
// Commands are sent as a command byte followed by "CMD" and big endian 32-bit
// arguments. Most commands are acknowledged with "CMP" followed by the command
// byte.
package drive64

import (
	"bytes"
	"context"
	"encoding/binary"
	"log"
	"time"

	"github.com/clktmr/n64loader/drivers/carts/cart"
	"github.com/clktmr/n64loader/drivers/usb"
	"github.com/clktmr/n64loader/rom"
	"github.com/clktmr/n64loader/unf"
	"github.com/pkg/errors"
)

type command byte

const (
	cmdUSBRecv command = 0x0c
	cmdLoadRAM command = 0x20
	cmdSetSave command = 0x70
	cmdSetCIC  command = 0x72
)

const (
	bankCartROM = 1

	idHW1   = 0x04036010
	idHW2   = 0x04036014
	descHW1 = "64drive USB device A"
	descHW2 = "64drive USB device"

	timeout    = 5000 * time.Millisecond
	chunkUnit  = 128 * 1024
	align      = 4
	alignLarge = 512
)

// CIC codes of the set cic command
var cicCodes = map[rom.CIC]uint32{
	6101: 0, 6102: 1, 7101: 2, 7102: 3,
	6103: 4, 7103: 4,
	6105: 5, 7105: 5,
	6106: 6, 7106: 6,
	5101: 7,
}

// CICCode returns the 64drive's code for a cic. The regional variants of
// x103, x105 and x106 share their bootcode and therefore their code.
func CICCode(c rom.CIC) (uint32, error) {
	code, ok := cicCodes[c]
	if !ok {
		return 0, errors.Wrapf(cart.ErrValidation, "cic %v not supported by 64drive", c)
	}
	return code, nil
}

// Chunk sizes trade throughput against the time it takes to notice a stalled
// transfer.
func chunkSize(size int) int {
	switch {
	case size > 16*1024*1024:
		return 32 * chunkUnit
	case size > 2*1024*1024:
		return 16 * chunkUnit
	}
	return 4 * chunkUnit
}

type Drive64 struct {
	port usb.Port
	hw   cart.Family
	r    []byte

	// ConfirmCompletion waits for the acknowledge of the last chunk after
	// upload. It isn't reliable when the console starts sending debug data
	// right away, so by default the port is purged instead.
	ConfirmCompletion bool

	rxSize int
}

func New(port usb.Port, hw cart.Family) *Drive64 {
	return &Drive64{port: port, hw: hw, r: make([]byte, 4)}
}

// The hardware revisions are told apart by their FTDI's EEPROM contents.
func prober(family cart.Family, id uint32, desc string) cart.Prober {
	return cart.Prober{
		Family: family,
		Identify: func(bus usb.Bus, index int, d usb.Descriptor) bool {
			return d.ID == id && d.Description == desc
		},
		Open: func(bus usb.Bus, index int) (cart.Driver, error) {
			port, err := bus.Open(index)
			if err != nil {
				return nil, err
			}
			return New(port, family), nil
		},
	}
}

var (
	ProberHW1 = prober(cart.Drive64HW1, idHW1, descHW1)
	ProberHW2 = prober(cart.Drive64HW2, idHW2, descHW2)
)

func (d *Drive64) Family() cart.Family { return d.hw }

func (d *Drive64) Open() error {
	if err := d.port.Reset(); err != nil {
		return err
	}
	if err := d.port.SetTimeouts(timeout, timeout); err != nil {
		return err
	}
	if d.hw == cart.Drive64HW2 {
		if err := d.port.SetBitMode(0xff, usb.BitModeReset); err != nil {
			return err
		}
		if err := d.port.SetBitMode(0xff, usb.BitModeSyncFIFO); err != nil {
			return err
		}
	}
	return d.port.Purge(usb.PurgeRX | usb.PurgeTX)
}

func (d *Drive64) PadSize(n int) int { return rom.PadSize(n) }

func (d *Drive64) writeCommand(cmd command, args ...uint32) error {
	buf := make([]byte, 4, 4+4*len(args))
	buf[0] = byte(cmd)
	copy(buf[1:], "CMD")
	for _, arg := range args {
		buf = binary.BigEndian.AppendUint32(buf, arg)
	}
	_, err := usb.WriteFull(d.port, buf)
	return err
}

func (d *Drive64) readAck(cmd command) error {
	if _, err := usb.ReadFull(d.port, d.r); err != nil {
		return errors.Wrapf(err, "64drive: ack of %#02x", byte(cmd))
	}
	want := []byte{'C', 'M', 'P', byte(cmd)}
	if !bytes.Equal(d.r, want) {
		return errors.Wrapf(cart.ErrProtocol, "64drive: expected ack %q, got %q", want, d.r)
	}
	return nil
}

func (d *Drive64) sendCommand(cmd command, args ...uint32) error {
	if err := d.writeCommand(cmd, args...); err != nil {
		return err
	}
	return d.readAck(cmd)
}

func (d *Drive64) SendROM(ctx context.Context, u *cart.Upload) error {
	var cic uint32
	if u.CIC != rom.CICAuto {
		var err error
		if cic, err = CICCode(u.CIC); err != nil {
			return err
		}
	}
	if !u.Save.Valid() {
		return errors.Wrapf(cart.ErrValidation, "save type %v", u.Save)
	}

	if u.CIC != rom.CICAuto {
		if err := d.sendCommand(cmdSetCIC, 1<<31|cic); err != nil {
			return err
		}
	}
	if u.Save != rom.SaveNone {
		if err := d.sendCommand(cmdSetSave, uint32(u.Save)); err != nil {
			return err
		}
	}

	u.ChunkSize = chunkSize(len(u.Data))
	for i, off := 0, 0; off < len(u.Data); i, off = i+1, off+u.ChunkSize {
		if cart.Cancelled(ctx) {
			d.port.Purge(usb.PurgeRX | usb.PurgeTX)
			return cart.ErrCancelled
		}
		chunk := u.Data[off:min(off+u.ChunkSize, len(u.Data))]
		if err := d.loadChunk(u, i, uint32(off), chunk); err != nil {
			return err
		}
		last := off+len(chunk) == len(u.Data)
		if !last || d.ConfirmCompletion {
			if err := d.readAck(cmdLoadRAM); err != nil {
				return err
			}
		}
		u.Advance(len(chunk))
	}

	if !d.ConfirmCompletion {
		return d.port.Purge(usb.PurgeRX | usb.PurgeTX)
	}
	return nil
}

// loadChunk writes a chunk to the cart's ROM. If the cart doesn't take any data
// the port is reset and the chunk tried once more.
func (d *Drive64) loadChunk(u *cart.Upload, index int, offset uint32, chunk []byte) error {
	arg := uint32(bankCartROM)<<24 | uint32(len(chunk))
	if err := d.writeCommand(cmdLoadRAM, offset, arg); err != nil {
		return err
	}
	n, err := d.port.Write(chunk)
	if err != nil {
		return err
	}
	if n == 0 {
		u.Retried(index)
		log.Printf("64drive: chunk %d not accepted, retrying", index)
		d.port.Reset()
		d.port.Purge(usb.PurgeRX | usb.PurgeTX)
		if err := d.writeCommand(cmdLoadRAM, offset, arg); err != nil {
			return err
		}
		if n, err = d.port.Write(chunk); err != nil {
			return err
		}
		if n == 0 {
			return errors.Wrapf(usb.ErrTimeout, "64drive: chunk %d", index)
		}
	}
	if n < len(chunk) {
		_, err = usb.WriteFull(d.port, chunk[n:])
	}
	return err
}

func (d *Drive64) SendFrame(t unf.Datatype, payload []byte) error {
	if len(payload) > unf.MaxSize {
		return errors.Wrapf(cart.ErrValidation, "payload of %d bytes", len(payload))
	}
	a := align
	if len(payload) > alignLarge {
		a = alignLarge
	}
	buf := make([]byte, unf.Align(len(payload), a))
	copy(buf, payload)
	h := unf.FrameHeader{Type: t, Size: len(payload)}
	if err := d.writeCommand(cmdUSBRecv, h.Word()); err != nil {
		return err
	}
	if _, err := usb.WriteFull(d.port, buf); err != nil {
		return err
	}
	return d.readAck(cmdUSBRecv)
}

func (d *Drive64) Poll() (h unf.FrameHeader, ok bool, err error) {
	n, err := d.port.Pending()
	if err != nil || n == 0 {
		return h, false, err
	}
	h, err = unf.ReadHeader(usb.NewReader(d.port))
	if err != nil {
		return h, false, cart.FrameError(err)
	}
	d.rxSize = h.Size
	return h, true, nil
}

func (d *Drive64) Read(p []byte) (int, error) {
	return usb.ReadFull(d.port, p)
}

func (d *Drive64) EndFrame() error {
	return cart.FrameError(unf.ReadTrailer(usb.NewReader(d.port), d.rxSize, align))
}

func (d *Drive64) Close() error {
	if d.port == nil {
		return nil
	}
	if d.hw == cart.Drive64HW2 {
		d.port.SetBitMode(0xff, usb.BitModeReset)
	}
	err := d.port.Close()
	d.port = nil
	return err
}
