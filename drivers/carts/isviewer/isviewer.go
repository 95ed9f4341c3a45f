// Package isviewer describes the IS-Viewer 64 debug interface. ROMs print to
// it by writing to a buffer in cartridge space, carts like the SummerCart64
// emulate it and forward the text to the host.
package isviewer

const (
	BaseAddr = 0x13ff_0000
	romBase  = 0x1000_0000

	// ROMOffset is the location of the registers relative to the ROM start.
	// Larger ROMs would overlap with them.
	ROMOffset = BaseAddr - romBase

	offBuffer = 0x20

	// BufferSize limits the text of a single write.
	BufferSize = 64*1024 - offBuffer
)

// Fits reports whether a ROM of size bytes leaves the registers free.
func Fits(size int) bool {
	return size <= ROMOffset
}
