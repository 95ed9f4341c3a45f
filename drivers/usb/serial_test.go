package usb

import (
	"io"
	"testing"
	"time"
)

// idleTTY behaves like a tty whose VTIME expires without data.
type idleTTY struct{ reads int }

func (t *idleTTY) Read(p []byte) (int, error)  { t.reads++; return 0, io.EOF }
func (t *idleTTY) Write(p []byte) (int, error) { return len(p), nil }
func (t *idleTTY) Close() error                { return nil }

func TestSerialPending(t *testing.T) {
	tty := &idleTTY{}
	p := &serialPort{fd: tty, readTimeout: time.Hour}
	n, err := p.Pending()
	if n != 0 || err != nil {
		t.Fatalf("pending: %d %v", n, err)
	}
	if tty.reads != 1 {
		t.Fatalf("expected a single read, got %d", tty.reads)
	}
}

func TestSerialReadTimeout(t *testing.T) {
	tty := &idleTTY{}
	p := &serialPort{fd: tty}
	if err := p.SetTimeouts(10*time.Millisecond, time.Second); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	n, err := p.Read(make([]byte, 4))
	if n != 0 || err != nil {
		t.Fatalf("read: %d %v", n, err)
	}
	if time.Since(start) < 10*time.Millisecond || tty.reads < 2 {
		t.Fatalf("read returned after %v and %d reads", time.Since(start), tty.reads)
	}
}
