// Package unf implements the UNFLoader debug protocol framing.
//
// Each message consists of the magic "DMA@", a big endian header word packing
// the datatype into the upper 8 bits and the payload size into the lower 24
// bits, the payload and the completion magic "CMPH". Drivers may pad the
// payload to their transfer alignment.
package unf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

type Datatype uint8

const (
	Text       Datatype = 0x01
	RawBinary  Datatype = 0x02
	Header     Datatype = 0x03
	Screenshot Datatype = 0x04
	Heartbeat  Datatype = 0x05
)

func (t Datatype) String() string {
	switch t {
	case Text:
		return "text"
	case RawBinary:
		return "rawbinary"
	case Header:
		return "header"
	case Screenshot:
		return "screenshot"
	case Heartbeat:
		return "heartbeat"
	}
	return fmt.Sprintf("datatype(%#02x)", uint8(t))
}

const MaxSize = 0x00ff_ffff

var (
	Magic      = [4]byte{'D', 'M', 'A', '@'}
	Completion = [4]byte{'C', 'M', 'P', 'H'}
)

var (
	ErrBadMagic = errors.New("bad frame magic")
	ErrTooLarge = errors.New("frame payload too large")
)

// FrameHeader is the decoded header word of a frame.
type FrameHeader struct {
	Type Datatype
	Size int
}

func (h FrameHeader) Word() uint32 {
	return uint32(h.Type)<<24 | uint32(h.Size)&MaxSize
}

func ParseWord(w uint32) FrameHeader {
	return FrameHeader{Type: Datatype(w >> 24), Size: int(w & MaxSize)}
}

// Align returns n rounded up to a multiple of align.
func Align(n, align int) int {
	if align <= 1 {
		return n
	}
	return (n + align - 1) / align * align
}

// Encode returns the framed payload, with the payload zero padded to align.
func Encode(t Datatype, payload []byte, align int) ([]byte, error) {
	if len(payload) > MaxSize {
		return nil, errors.Wrapf(ErrTooLarge, "%d bytes", len(payload))
	}
	padded := Align(len(payload), align)
	buf := make([]byte, 0, 12+padded)
	buf = append(buf, Magic[:]...)
	buf = binary.BigEndian.AppendUint32(buf, FrameHeader{t, len(payload)}.Word())
	buf = append(buf, payload...)
	buf = append(buf, make([]byte, padded-len(payload))...)
	buf = append(buf, Completion[:]...)
	return buf, nil
}

// ReadHeader reads and validates the magic and header word.
func ReadHeader(r io.Reader) (h FrameHeader, err error) {
	var buf [8]byte
	if _, err = io.ReadFull(r, buf[:]); err != nil {
		return
	}
	if !bytes.Equal(buf[:4], Magic[:]) {
		return h, errors.Wrapf(ErrBadMagic, "got %q", buf[:4])
	}
	return ParseWord(binary.BigEndian.Uint32(buf[4:])), nil
}

// ReadTrailer discards the alignment padding after a payload of the given size
// and validates the completion magic.
func ReadTrailer(r io.Reader, size, align int) error {
	var buf [4]byte
	if pad := Align(size, align) - size; pad > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(pad)); err != nil {
			return err
		}
	}
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	if buf != Completion {
		return errors.Wrapf(ErrBadMagic, "completion %q", buf[:])
	}
	return nil
}

// Decode parses one complete frame from r.
func Decode(r io.Reader, align int) (t Datatype, payload []byte, err error) {
	h, err := ReadHeader(r)
	if err != nil {
		return
	}
	payload = make([]byte, h.Size)
	if _, err = io.ReadFull(r, payload); err != nil {
		return
	}
	if err = ReadTrailer(r, h.Size, align); err != nil {
		return
	}
	return h.Type, payload, nil
}
