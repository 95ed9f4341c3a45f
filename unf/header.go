package unf

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// HeaderWords is the number of 32-bit words in a Header payload.
const HeaderWords = 16

// ScreenHeader describes the framebuffer sent in the following Screenshot
// frame.
type ScreenHeader struct {
	Type   Datatype
	Depth  int // bytes per pixel, 2 or 4
	Width  int
	Height int
}

var ErrBadHeader = errors.New("bad header record")

func ParseScreenHeader(p []byte) (h ScreenHeader, err error) {
	if len(p) < 4*4 {
		return h, errors.Wrapf(ErrBadHeader, "%d bytes", len(p))
	}
	word := func(i int) int { return int(binary.BigEndian.Uint32(p[4*i:])) }
	h = ScreenHeader{
		Type:   Datatype(word(0)),
		Depth:  word(1),
		Width:  word(2),
		Height: word(3),
	}
	if h.Depth != 2 && h.Depth != 4 {
		return h, errors.Wrapf(ErrBadHeader, "pixel depth %d", h.Depth)
	}
	return h, nil
}

func (h ScreenHeader) Bytes() []byte {
	p := make([]byte, 4*HeaderWords)
	binary.BigEndian.PutUint32(p[0:], uint32(h.Type))
	binary.BigEndian.PutUint32(p[4:], uint32(h.Depth))
	binary.BigEndian.PutUint32(p[8:], uint32(h.Width))
	binary.BigEndian.PutUint32(p[12:], uint32(h.Height))
	return p
}

// HeartbeatInfo is sent by the console once its usb library is initialized.
type HeartbeatInfo struct {
	Protocol  uint16
	Heartbeat uint16
}

func ParseHeartbeat(p []byte) (hb HeartbeatInfo, err error) {
	if len(p) < 4 {
		return hb, errors.Wrapf(ErrBadHeader, "heartbeat of %d bytes", len(p))
	}
	return HeartbeatInfo{
		Protocol:  binary.BigEndian.Uint16(p[0:]),
		Heartbeat: binary.BigEndian.Uint16(p[2:]),
	}, nil
}
