package isviewer

import "testing"

func TestFits(t *testing.T) {
	tests := map[int]bool{
		0:             true,
		32 << 20:      true,
		ROMOffset:     true,
		ROMOffset + 1: false,
		64 << 20:      false,
	}
	for size, want := range tests {
		if got := Fits(size); got != want {
			t.Errorf("Fits(%#x): expected %v, got %v", size, want, got)
		}
	}
}
