package debug

import (
	"encoding/binary"
	"image"
	"image/color"

	"github.com/clktmr/n64loader/unf"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// imageRGBA16 is a framebuffer in the console's 5551 format. The alpha bit
// holds coverage information and is ignored.
type imageRGBA16 struct {
	Pix    []uint8
	Stride int
	Rect   image.Rectangle
}

func (p *imageRGBA16) ColorModel() color.Model { return color.RGBAModel }

func (p *imageRGBA16) Bounds() image.Rectangle {
	return p.Rect
}

func (p *imageRGBA16) At(x, y int) color.Color {
	if !(image.Point{x, y}.In(p.Rect)) {
		return color.RGBA{}
	}
	offset := p.PixOffset(x, y)
	return colorRGBA16(binary.BigEndian.Uint16(p.Pix[offset:]))
}

func (p *imageRGBA16) PixOffset(x, y int) int {
	return (y-p.Rect.Min.Y)*p.Stride + (x-p.Rect.Min.X)*2
}

type colorRGBA16 uint16

// RGBA scales each 5 bit channel by 8.
func (c colorRGBA16) RGBA() (r, g, b, a uint32) {
	r = uint32(c>>11&0x1f) << 3
	g = uint32(c>>6&0x1f) << 3
	b = uint32(c>>1&0x1f) << 3
	return r | r<<8, g | g<<8, b | b<<8, 0xffff
}

// decodeScreenshot interprets a framebuffer dump as described by h.
func decodeScreenshot(h unf.ScreenHeader, pix []byte) (image.Image, error) {
	if h.Width <= 0 || h.Height <= 0 {
		return nil, errors.Wrapf(unf.ErrBadHeader, "screen size %dx%d", h.Width, h.Height)
	}
	rect := image.Rect(0, 0, h.Width, h.Height)
	stride := h.Width * h.Depth
	if len(pix) < stride*h.Height {
		return nil, errors.Wrapf(unf.ErrBadHeader, "%d bytes for %dx%dx%d screenshot", len(pix), h.Width, h.Height, h.Depth)
	}
	if h.Depth == 2 {
		return &imageRGBA16{Pix: pix, Stride: stride, Rect: rect}, nil
	}
	return &image.NRGBA{Pix: pix, Stride: stride, Rect: rect}, nil
}

// upscale enlarges img by an integer factor without smoothing.
func upscale(img image.Image, scale int) image.Image {
	if scale <= 1 {
		return img
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx()*scale, b.Dy()*scale))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
