// Package summercart64 implements the host side protocol of the SummerCart64
// by Polprzewodnikowy.
//
// Commands are "CMD" followed by a command id and two big endian arguments,
// optionally followed by data. The cart answers with "CMP" (or "ERR"), the
// command id, the length of the response data and the data itself. Data the
// console sends unrequested arrives as "PKT" packets, which may interleave
// with command responses.
package summercart64

import (
	"bytes"
	"context"
	"encoding/binary"
	"log"
	"time"

	"github.com/clktmr/n64loader/drivers/carts/cart"
	"github.com/clktmr/n64loader/drivers/carts/isviewer"
	"github.com/clktmr/n64loader/drivers/usb"
	"github.com/clktmr/n64loader/rom"
	"github.com/clktmr/n64loader/unf"
	"github.com/pkg/errors"
)

var be = binary.BigEndian

type command byte

const (
	cmdIdentifierGet command = 'v'
	cmdVersionGet    command = 'V'
	cmdConfigGet     command = 'c'
	cmdConfigSet     command = 'C'
	cmdMemoryRead    command = 'm'
	cmdMemoryWrite   command = 'M'
	cmdDebugWrite    command = 'U'
	cmdStateReset    command = 'R'
)

// Ids of packets sent by the cart
const (
	pktButton    = 'B'
	pktDebug     = 'U'
	pktISViewer  = 'I'
	pktSaveWrite = 'S'
)

const (
	identifier = 0x53437632 // "SCv2"

	idSC64     = 0x04036014
	descSC64   = "SC64"
	vendorSC64 = "Polprzewodnikowy"

	romBase    = 0x1000_0000
	romMaxSize = 64 * 1024 * 1024

	// Bytes read back after upload, the ROM header
	verifyLen = 0x40
	chunkSize  = 1024 * 1024
	timeout    = 5000 * time.Millisecond
	headerLen  = 8
	commandLen = 12
)

var errShortReply = errors.Wrap(cart.ErrProtocol, "sc64: short reply")

// Save types as numbered by the sc64 firmware
var saveTypes = [...]uint32{
	rom.SaveNone:              0,
	rom.SaveEEPROM4K:          1,
	rom.SaveEEPROM16K:         2,
	rom.SaveSRAM256K:          3,
	rom.SaveFlashRAM1M:        4,
	rom.SaveSRAM768K:          5,
	rom.SaveFlashRAM1MPokemon: 4,
}

// CIC seeds. Bit 8 selects the 6101/7102 checksum variant.
var cicSeeds = map[rom.CIC]uint32{
	6101: 0x13f, 7102: 0x13f,
	6102: 0x03f, 7101: 0x03f,
	6103: 0x078, 7103: 0x078,
	6105: 0x091, 7105: 0x091,
	6106: 0x085, 7106: 0x085,
	5101: 0x0ac,
	8303: 0x0dd,
}

// CICSeed returns the seed the cart emulates a cic with.
func CICSeed(c rom.CIC) (uint32, error) {
	if c == rom.CICAuto {
		return CICSeedAuto, nil
	}
	seed, ok := cicSeeds[c]
	if !ok {
		return 0, errors.Wrapf(cart.ErrValidation, "cic %v not supported by sc64", c)
	}
	return seed, nil
}

func tvType(tv rom.TVType) uint32 {
	switch tv {
	case rom.PAL:
		return TVPAL
	case rom.MPAL:
		return TVMPAL
	}
	return TVNTSC
}

type packet struct {
	id   byte
	data []byte
}

type SummerCart64 struct {
	port usb.Port

	// Packets received while waiting for a command response
	queue []packet
	rx    bytes.Reader

	// ConfirmCompletion reads back the write enable flag after upload,
	// which makes sure the cart processed all commands before booting.
	ConfirmCompletion bool

	// ISViewer enables the IS-Viewer 64 emulation. Its output is received as
	// text.
	ISViewer bool
}

func New(port usb.Port) *SummerCart64 {
	return &SummerCart64{port: port, ConfirmCompletion: true}
}

var Prober = cart.Prober{
	Family: cart.SummerCart64,
	Identify: func(bus usb.Bus, index int, d usb.Descriptor) bool {
		// Shares its usb id with the 64drive, the EEPROM strings tell
		// them apart.
		return d.ID == idSC64 && d.Vendor == vendorSC64 && d.Description == descSC64
	},
	Open: func(bus usb.Bus, index int) (cart.Driver, error) {
		port, err := bus.Open(index)
		if err != nil {
			return nil, err
		}
		return New(port), nil
	},
}

func (v *SummerCart64) Family() cart.Family { return cart.SummerCart64 }

func (v *SummerCart64) Open() error {
	if err := v.port.Reset(); err != nil {
		return err
	}
	if err := v.port.SetTimeouts(timeout, timeout); err != nil {
		return err
	}
	if err := v.port.Purge(usb.PurgeRX | usb.PurgeTX); err != nil {
		return err
	}
	reply, err := v.execCommand(cmdIdentifierGet, 0, 0, nil)
	if err != nil {
		return err
	}
	if len(reply) < 4 || be.Uint32(reply) != identifier {
		return errors.Wrapf(cart.ErrProtocol, "sc64: unexpected identifier %q", reply)
	}
	major, minor, revision, err := v.Version()
	if err != nil {
		return err
	}
	log.Printf("sc64: firmware %d.%d.%d", major, minor, revision)
	return nil
}

func (v *SummerCart64) PadSize(n int) int { return unf.Align(n, 4) }

// Version returns the firmware's major, minor and revision number.
func (v *SummerCart64) Version() (major, minor uint16, revision uint32, err error) {
	reply, err := v.execCommand(cmdVersionGet, 0, 0, nil)
	if err == nil && len(reply) < 8 {
		err = errShortReply
	}
	if err != nil {
		return
	}
	return be.Uint16(reply), be.Uint16(reply[2:]), be.Uint32(reply[4:]), nil
}

func (v *SummerCart64) writeCommand(cmd command, arg0, arg1 uint32, data []byte) error {
	buf := make([]byte, commandLen)
	copy(buf, "CMD")
	buf[3] = byte(cmd)
	be.PutUint32(buf[4:], arg0)
	be.PutUint32(buf[8:], arg1)
	if _, err := usb.WriteFull(v.port, buf); err != nil {
		return err
	}
	if len(data) > 0 {
		_, err := usb.WriteFull(v.port, data)
		return err
	}
	return nil
}

// readPacket reads a response or packet. The returned kind is one of "CMP",
// "ERR" or "PKT".
func (v *SummerCart64) readPacket() (kind string, p packet, err error) {
	var hdr [headerLen]byte
	if _, err = usb.ReadFull(v.port, hdr[:]); err != nil {
		return
	}
	kind, p.id = string(hdr[:3]), hdr[3]
	switch kind {
	case "CMP", "ERR", "PKT":
	default:
		return "", p, errors.Wrapf(cart.ErrProtocol, "sc64: unexpected header %q", hdr[:4])
	}
	n := be.Uint32(hdr[4:])
	if n > romMaxSize {
		return "", p, errors.Wrapf(cart.ErrProtocol, "sc64: packet of %d bytes", n)
	}
	p.data = make([]byte, n)
	_, err = usb.ReadFull(v.port, p.data)
	return
}

func (v *SummerCart64) execCommand(cmd command, arg0, arg1 uint32, data []byte) ([]byte, error) {
	if err := v.writeCommand(cmd, arg0, arg1, data); err != nil {
		return nil, err
	}
	for {
		kind, p, err := v.readPacket()
		if err != nil {
			return nil, errors.Wrapf(err, "sc64: response to %q", byte(cmd))
		}
		if kind == "PKT" {
			v.queue = append(v.queue, p)
			continue
		}
		if p.id != byte(cmd) {
			return nil, errors.Wrapf(cart.ErrProtocol, "sc64: response to %q for %q", p.id, byte(cmd))
		}
		if kind == "ERR" {
			return nil, errors.Wrapf(cart.ErrProtocol, "sc64: command %q failed", byte(cmd))
		}
		return p.data, nil
	}
}

// WriteMemory writes to the cart's address space.
func (v *SummerCart64) WriteMemory(addr uint32, data []byte) error {
	_, err := v.execCommand(cmdMemoryWrite, addr, uint32(len(data)), data)
	return err
}

func (v *SummerCart64) ReadMemory(addr uint32, n int) ([]byte, error) {
	data, err := v.execCommand(cmdMemoryRead, addr, uint32(n), nil)
	if err == nil && len(data) != n {
		err = errShortReply
	}
	return data, err
}

func (v *SummerCart64) SendROM(ctx context.Context, u *cart.Upload) error {
	if !u.Save.Valid() {
		return errors.Wrapf(cart.ErrValidation, "save type %v", u.Save)
	}
	seed, err := CICSeed(u.CIC)
	if err != nil {
		return err
	}
	if len(u.Data) > romMaxSize {
		return errors.Wrapf(cart.ErrValidation, "rom of %d bytes exceeds sc64 memory", len(u.Data))
	}
	var isv uint32
	if v.ISViewer {
		if !isviewer.Fits(u.Size) {
			return errors.Wrapf(cart.ErrValidation, "rom of %d bytes overlaps is-viewer", u.Size)
		}
		isv = isviewer.ROMOffset
	}

	tv := u.TV
	if u.CIC.PAL() {
		tv = rom.PAL
	}

	if _, err := v.execCommand(cmdStateReset, 0, 0, nil); err != nil {
		return err
	}
	settings := []struct {
		cfg   config
		value uint32
	}{
		{CfgROMWriteEnable, 1},
		{CfgBootMode, BootModeDirectROM},
		{CfgSaveType, saveTypes[u.Save]},
		{CfgCICSeed, seed},
		{CfgTVType, tvType(tv)},
		{CfgISVAddress, isv},
	}
	for _, s := range settings {
		if _, err := v.SetConfig(s.cfg, s.value); err != nil {
			return err
		}
	}

	u.ChunkSize = chunkSize
	for off := 0; off < len(u.Data); off += chunkSize {
		if cart.Cancelled(ctx) {
			v.SetConfig(CfgROMWriteEnable, 0)
			return cart.ErrCancelled
		}
		chunk := u.Data[off:min(off+chunkSize, len(u.Data))]
		if err := v.WriteMemory(romBase+uint32(off), chunk); err != nil {
			return errors.Wrapf(err, "sc64: chunk at %#x", off)
		}
		u.Advance(len(chunk))
	}

	if _, err := v.SetConfig(CfgROMWriteEnable, 0); err != nil {
		return err
	}
	if v.ConfirmCompletion {
		enabled, err := v.Config(CfgROMWriteEnable)
		if err != nil {
			return err
		}
		if enabled != 0 {
			return errors.Wrap(cart.ErrProtocol, "sc64: rom still writable after upload")
		}
		n := min(verifyLen, len(u.Data))
		header, err := v.ReadMemory(romBase, n)
		if err != nil {
			return err
		}
		if !bytes.Equal(header, u.Data[:n]) {
			return errors.Wrap(cart.ErrProtocol, "sc64: rom header differs after upload")
		}
	}
	return nil
}

func (v *SummerCart64) SendFrame(t unf.Datatype, payload []byte) error {
	if len(payload) > unf.MaxSize {
		return errors.Wrapf(cart.ErrValidation, "payload of %d bytes", len(payload))
	}
	_, err := v.execCommand(cmdDebugWrite, uint32(t), uint32(len(payload)), payload)
	return err
}

// nextPacket returns a queued packet or reads one from the port if data is
// pending.
func (v *SummerCart64) nextPacket() (p packet, ok bool, err error) {
	if len(v.queue) > 0 {
		p, v.queue = v.queue[0], v.queue[1:]
		return p, true, nil
	}
	n, err := v.port.Pending()
	if err != nil || n == 0 {
		return p, false, err
	}
	kind, p, err := v.readPacket()
	if err != nil {
		return p, false, err
	}
	if kind != "PKT" {
		return p, false, errors.Wrapf(cart.ErrProtocol, "sc64: unexpected response %q", p.id)
	}
	return p, true, nil
}

func (v *SummerCart64) Poll() (h unf.FrameHeader, ok bool, err error) {
	p, ok, err := v.nextPacket()
	if !ok || err != nil {
		return h, false, err
	}
	switch p.id {
	case pktDebug:
		if len(p.data) < 4 {
			return h, false, errShortReply
		}
		h = unf.ParseWord(be.Uint32(p.data))
		if h.Size > len(p.data)-4 {
			return h, false, errors.Wrapf(cart.ErrProtocol, "sc64: frame of %d bytes in packet of %d", h.Size, len(p.data)-4)
		}
		v.rx.Reset(p.data[4 : 4+h.Size])
		return h, true, nil
	case pktISViewer:
		if len(p.data) > isviewer.BufferSize {
			return h, false, errors.Wrapf(cart.ErrProtocol, "sc64: is-viewer packet of %d bytes", len(p.data))
		}
		v.rx.Reset(p.data)
		return unf.FrameHeader{Type: unf.Text, Size: len(p.data)}, true, nil
	case pktButton, pktSaveWrite:
		log.Printf("sc64: ignoring packet %q", p.id)
	default:
		log.Printf("sc64: unknown packet %q", p.id)
	}
	return h, false, nil
}

func (v *SummerCart64) Read(p []byte) (int, error) {
	return v.rx.Read(p)
}

func (v *SummerCart64) EndFrame() error {
	v.rx.Reset(nil)
	return nil
}

func (v *SummerCart64) Close() error {
	if v.port == nil {
		return nil
	}
	err := v.port.Close()
	v.port = nil
	return err
}
