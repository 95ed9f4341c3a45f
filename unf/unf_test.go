package unf

import (
	"bytes"
	"testing"
	"testing/quick"

	"github.com/pkg/errors"
)

func roundtrip(t *testing.T, dt Datatype, payload []byte, align int) bool {
	frame, err := Encode(dt, payload, align)
	if err != nil {
		t.Error(err)
		return false
	}
	if align > 1 && (len(frame)-12)%align != 0 {
		t.Errorf("payload not aligned to %d: %d", align, len(frame)-12)
	}
	gotType, got, err := Decode(bytes.NewReader(frame), align)
	if err != nil {
		t.Error(err)
		return false
	}
	return gotType == dt && bytes.Equal(got, payload)
}

func TestRoundtrip(t *testing.T) {
	f := func(dt uint8, payload []byte, align uint8) bool {
		return roundtrip(t, Datatype(dt%4+1), payload, []int{1, 2, 4, 16, 512}[align%5])
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestRoundtripLimits(t *testing.T) {
	if !roundtrip(t, Text, nil, 4) {
		t.Error("empty payload")
	}
	if !roundtrip(t, RawBinary, make([]byte, MaxSize), 512) {
		t.Error("max payload")
	}
	_, err := Encode(RawBinary, make([]byte, MaxSize+1), 4)
	if !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge, got %v", err)
	}
}

// TestHeartbeat decodes the heartbeat as sent by the console's usb library.
func TestHeartbeat(t *testing.T) {
	frame := []byte{'D', 'M', 'A', '@', 5, 0, 0, 4, 0, 2, 0, 1, 'C', 'M', 'P', 'H'}
	dt, payload, err := Decode(bytes.NewReader(frame), 1)
	if err != nil {
		t.Fatal(err)
	}
	if dt != Heartbeat {
		t.Fatalf("expected heartbeat, got %v", dt)
	}
	hb, err := ParseHeartbeat(payload)
	if err != nil {
		t.Fatal(err)
	}
	if hb != (HeartbeatInfo{Protocol: 2, Heartbeat: 1}) {
		t.Fatalf("unexpected %+v", hb)
	}
}

func TestBadMagic(t *testing.T) {
	tests := map[string][]byte{
		"header":     []byte("DMA!\x01\x00\x00\x01xCMPH"),
		"completion": []byte("DMA@\x01\x00\x00\x01xCMPX"),
	}
	for name, frame := range tests {
		t.Run(name, func(t *testing.T) {
			_, _, err := Decode(bytes.NewReader(frame), 1)
			if !errors.Is(err, ErrBadMagic) {
				t.Fatalf("expected ErrBadMagic, got %v", err)
			}
		})
	}
}

func TestScreenHeader(t *testing.T) {
	h := ScreenHeader{Type: Screenshot, Depth: 2, Width: 320, Height: 240}
	p := h.Bytes()
	if len(p) != 4*HeaderWords {
		t.Fatalf("header is %d bytes", len(p))
	}
	got, err := ParseScreenHeader(p)
	if err != nil || got != h {
		t.Fatalf("expected %+v, got %+v (%v)", h, got, err)
	}
	h.Depth = 3
	if _, err := ParseScreenHeader(h.Bytes()); !errors.Is(err, ErrBadHeader) {
		t.Fatalf("expected ErrBadHeader, got %v", err)
	}
}
