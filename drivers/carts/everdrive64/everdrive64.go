// Package everdrive64 implements the host side protocol of the EverDrive64 by
// Krikzz.
//
// The X7 (and X3) take 16 byte command packets, the older v3 firmware expects
// commands padded to a full 512 byte block. Both answer the test command with
// a packet whose fourth byte tells them apart.
package everdrive64

import (
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
	cmdTest     command = 't'
	cmdFill     command = 'c'
	cmdWriteROM command = 'W'
	cmdPIFBoot  command = 's'
	cmdUSBRecv  command = 'u'
)

const (
	idFT245R   = 0x04036001
	descFT245R = "FT245R USB FIFO"

	packetLenX7 = 16
	packetLenV3 = 512
	blockSize   = 512

	replyX7 = 'r'
	replyV3 = 'k'

	romBase = 0x1000_0000

	// The cart verifies a checksum over this area on boot, no matter how
	// small the ROM is.
	crcArea = 0x10_1000

	chunkSize    = 0x8000
	nameLen      = 256
	probeTimeout = 500 * time.Millisecond
	timeout      = 5000 * time.Millisecond

	// Alignment of outgoing frame payloads. Incoming frames are padded to 2
	// bytes after the completion magic instead.
	alignTX = 16
)

// DefaultBootDelay is the time the cart needs after an upload until it accepts
// the pifboot command.
const DefaultBootDelay = 500 * time.Millisecond

type EverDrive64 struct {
	port   usb.Port
	family cart.Family
	rxSize int

	// ConfirmCompletion verifies with a test command that the cart took all
	// data before booting.
	ConfirmCompletion bool
	BootDelay         time.Duration
}

func New(port usb.Port, family cart.Family) *EverDrive64 {
	return &EverDrive64{
		port:              port,
		family:            family,
		ConfirmCompletion: true,
		BootDelay:         DefaultBootDelay,
	}
}

func (e *EverDrive64) packetLen() int {
	if e.family == cart.EverDriveV3 {
		return packetLenV3
	}
	return packetLenX7
}

func (e *EverDrive64) testReply() byte {
	if e.family == cart.EverDriveV3 {
		return replyV3
	}
	return replyX7
}

// packet encodes a command. The X7 takes byte addresses and sizes, v3 offsets
// relative to the ROM base and sizes in blocks.
func (e *EverDrive64) packet(cmd command, addr, size, arg uint32) []byte {
	buf := make([]byte, e.packetLen())
	if e.family == cart.EverDriveV3 {
		copy(buf, "CMD")
		buf[3] = byte(cmd) &^ 0x20 // upper case
		binary.BigEndian.PutUint32(buf[4:], addr-min(addr, romBase))
		binary.BigEndian.PutUint32(buf[8:], uint32(unf.Align(int(size), blockSize)/blockSize))
		binary.BigEndian.PutUint32(buf[12:], arg)
		return buf
	}
	copy(buf, "cmd")
	buf[3] = byte(cmd)
	binary.BigEndian.PutUint32(buf[4:], addr)
	binary.BigEndian.PutUint32(buf[8:], size)
	binary.BigEndian.PutUint32(buf[12:], arg)
	return buf
}

func (e *EverDrive64) sendCommand(cmd command, addr, size, arg uint32) error {
	_, err := usb.WriteFull(e.port, e.packet(cmd, addr, size, arg))
	return err
}

// test sends the test command and checks the reply.
func (e *EverDrive64) test() error {
	if err := e.sendCommand(cmdTest, 0, 0, 0); err != nil {
		return err
	}
	reply := make([]byte, e.packetLen())
	if _, err := usb.ReadFull(e.port, reply); err != nil {
		return err
	}
	if reply[3] != e.testReply() {
		return errors.Wrapf(cart.ErrProtocol, "everdrive: test reply %q", reply[:4])
	}
	return nil
}

func identify(family cart.Family) func(usb.Bus, int, usb.Descriptor) bool {
	return func(bus usb.Bus, index int, d usb.Descriptor) bool {
		if d.ID != idFT245R || d.Description != descFT245R {
			return false
		}
		port, err := bus.Open(index)
		if err != nil {
			return false
		}
		defer port.Close()
		if port.SetTimeouts(probeTimeout, probeTimeout) != nil {
			return false
		}
		port.Purge(usb.PurgeRX | usb.PurgeTX)
		ok := New(port, family).test() == nil
		port.Purge(usb.PurgeRX | usb.PurgeTX)
		return ok
	}
}

func prober(family cart.Family) cart.Prober {
	return cart.Prober{
		Family:   family,
		Identify: identify(family),
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
	ProberV3 = prober(cart.EverDriveV3)
	ProberX7 = prober(cart.EverDriveX7)
)

func (e *EverDrive64) Family() cart.Family { return e.family }

func (e *EverDrive64) Open() error {
	if err := e.port.SetTimeouts(timeout, timeout); err != nil {
		return err
	}
	return e.port.Purge(usb.PurgeRX | usb.PurgeTX)
}

func (e *EverDrive64) PadSize(n int) int { return unf.Align(n, blockSize) }

func (e *EverDrive64) SendROM(ctx context.Context, u *cart.Upload) error {
	if !u.Save.Valid() {
		return errors.Wrapf(cart.ErrValidation, "save type %v", u.Save)
	}
	if u.CIC != rom.CICAuto {
		log.Printf("everdrive: cic %v ignored, the cart detects it itself", u.CIC)
	}

	if u.Size < crcArea {
		if err := e.sendCommand(cmdFill, romBase, crcArea, 0); err != nil {
			return err
		}
		if err := e.test(); err != nil {
			return errors.Wrap(err, "everdrive: fill")
		}
	}

	if err := e.sendCommand(cmdWriteROM, romBase, uint32(len(u.Data)), 0); err != nil {
		return err
	}
	u.ChunkSize = chunkSize
	for off := 0; off < len(u.Data); off += chunkSize {
		if cart.Cancelled(ctx) {
			// The cart still waits for the rest of the ROM. Resetting
			// the FIFO drops it out of the transfer.
			e.port.Purge(usb.PurgeRX | usb.PurgeTX)
			e.port.Reset()
			return cart.ErrCancelled
		}
		chunk := u.Data[off:min(off+chunkSize, len(u.Data))]
		if _, err := usb.WriteFull(e.port, chunk); err != nil {
			return errors.Wrapf(err, "everdrive: chunk at %#x", off)
		}
		u.Advance(len(chunk))
	}

	if e.ConfirmCompletion {
		if err := e.test(); err != nil {
			return errors.Wrap(err, "everdrive: upload")
		}
	}

	time.Sleep(e.BootDelay)
	return e.pifboot(u.Name)
}

// pifboot starts the uploaded ROM. The X7 expects the ROM's file name
// afterwards, which it uses for naming the save file.
func (e *EverDrive64) pifboot(name string) error {
	if err := e.sendCommand(cmdPIFBoot, 0, 0, 1); err != nil {
		return err
	}
	if e.family == cart.EverDriveV3 {
		return nil
	}
	buf := make([]byte, nameLen)
	copy(buf[:nameLen-1], name)
	_, err := usb.WriteFull(e.port, buf)
	return err
}

func (e *EverDrive64) SendFrame(t unf.Datatype, payload []byte) error {
	if e.family == cart.EverDriveX7 {
		return errors.Wrap(cart.ErrUnsupported, "everdrive x7: sending debug data")
	}
	frame, err := unf.Encode(t, payload, alignTX)
	if err != nil {
		return errors.Wrap(cart.ErrValidation, err.Error())
	}
	if err := e.sendCommand(cmdUSBRecv, 0, uint32(len(frame)), 0); err != nil {
		return err
	}
	buf := make([]byte, unf.Align(len(frame), blockSize))
	copy(buf, frame)
	_, err = usb.WriteFull(e.port, buf)
	return err
}

func (e *EverDrive64) Poll() (h unf.FrameHeader, ok bool, err error) {
	n, err := e.port.Pending()
	if err != nil || n == 0 {
		return h, false, err
	}
	h, err = unf.ReadHeader(usb.NewReader(e.port))
	if err != nil {
		return h, false, cart.FrameError(err)
	}
	e.rxSize = h.Size
	return h, true, nil
}

func (e *EverDrive64) Read(p []byte) (int, error) {
	return usb.ReadFull(e.port, p)
}

func (e *EverDrive64) EndFrame() error {
	if err := unf.ReadTrailer(usb.NewReader(e.port), e.rxSize, 1); err != nil {
		return cart.FrameError(err)
	}
	return usb.Discard(e.port, e.rxSize%2)
}

func (e *EverDrive64) Close() error {
	if e.port == nil {
		return nil
	}
	err := e.port.Close()
	e.port = nil
	return err
}
