// Package rom provides helpers for n64 ROM images as they are sent to the
// flashcarts.
package rom

import (
	"math/bits"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding/japanese"
)

// Format is the byte order of a ROM image.
type Format int

const (
	Unknown Format = iota
	Z64            // big endian, as the cart bus sees it
	V64            // 16-bit words byteswapped
	N64            // 32-bit words little endian
)

func (f Format) String() string {
	switch f {
	case Z64:
		return "z64"
	case V64:
		return "v64"
	case N64:
		return "n64"
	}
	return "unknown"
}

// Offsets into the ROM header
const (
	offTitle    = 0x20
	offCountry  = 0x3e
	offBootcode = 0x40
	BootcodeLen = 4032
	HeaderLen   = offBootcode + BootcodeLen
)

var ErrTooShort = errors.New("rom too short")

func DetectFormat(data []byte) Format {
	if len(data) < 4 {
		return Unknown
	}
	switch [4]byte(data[:4]) {
	case [4]byte{0x80, 0x37, 0x12, 0x40}:
		return Z64
	case [4]byte{0x37, 0x80, 0x40, 0x12}:
		return V64
	case [4]byte{0x40, 0x12, 0x37, 0x80}:
		return N64
	}
	return Unknown
}

// Swap16 swaps the bytes of each 16-bit word in place. A trailing odd byte is
// left untouched.
func Swap16(data []byte) {
	for i := 0; i+1 < len(data); i += 2 {
		data[i], data[i+1] = data[i+1], data[i]
	}
}

// Swap32 reverses the bytes of each 32-bit word in place.
func Swap32(data []byte) {
	for i := 0; i+3 < len(data); i += 4 {
		data[i], data[i+1], data[i+2], data[i+3] = data[i+3], data[i+2], data[i+1], data[i]
	}
}

// ToZ64 converts data to big endian byte order in place and returns the format
// it was in. Images of unknown format are left as they are.
func ToZ64(data []byte) Format {
	f := DetectFormat(data)
	switch f {
	case V64:
		Swap16(data)
	case N64:
		Swap32(data)
	}
	return f
}

// PadSize returns the next power of two not less than n. PadSize(0) is 0.
func PadSize(n int) int {
	if n <= 0 {
		return 0
	}
	return 1 << bits.Len(uint(n-1))
}

// Title returns the internal name from the header of a z64 image. Names may
// contain JIS X 0201 katakana, which is decoded as Shift JIS.
func Title(data []byte) (string, error) {
	if len(data) < offTitle+20 {
		return "", ErrTooShort
	}
	raw := data[offTitle : offTitle+20]
	s, err := japanese.ShiftJIS.NewDecoder().Bytes(raw)
	if err != nil {
		return "", errors.Wrap(err, "decode title")
	}
	return strings.TrimRight(string(s), " \x00"), nil
}

type TVType int

const (
	PAL TVType = iota
	NTSC
	MPAL
)

func (t TVType) String() string {
	switch t {
	case PAL:
		return "PAL"
	case NTSC:
		return "NTSC"
	case MPAL:
		return "MPAL"
	}
	return "unknown"
}

// Region derives the video standard from the header's country code.
func Region(data []byte) TVType {
	if len(data) <= offCountry {
		return NTSC
	}
	switch data[offCountry] {
	case 'D', 'F', 'I', 'P', 'S', 'U', 'X', 'Y', 'H', 'L':
		return PAL
	case 'B':
		return MPAL
	}
	return NTSC
}
