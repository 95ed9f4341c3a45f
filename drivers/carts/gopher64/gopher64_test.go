package gopher64

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/clktmr/n64loader/drivers/carts/cart"
	"github.com/clktmr/n64loader/unf"
	"github.com/pkg/errors"
)

type message struct {
	t       msgType
	payload []byte
}

func readMessage(r io.Reader) (m message, err error) {
	var hdr [headerLen]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return
	}
	m.t = msgType(binary.BigEndian.Uint32(hdr[:]))
	m.payload = make([]byte, binary.BigEndian.Uint32(hdr[4:]))
	_, err = io.ReadFull(r, m.payload)
	return
}

func writeMessage(w io.Writer, t msgType, payload []byte) {
	hdr := binary.BigEndian.AppendUint32(nil, uint32(t))
	hdr = binary.BigEndian.AppendUint32(hdr, uint32(len(payload)))
	w.Write(append(hdr, payload...))
}

// emulator accepts a single connection and passes every message to handle.
// It returns the listener's address and a channel which is closed when the
// connection ends.
func emulator(t *testing.T, handle func(conn net.Conn, m message)) (string, chan struct{}) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			m, err := readMessage(conn)
			if err != nil {
				return
			}
			handle(conn, m)
		}
	}()
	return l.Addr().String(), done
}

func echo(conn net.Conn, m message) {
	writeMessage(conn, m.t, m.payload)
}

func open(t *testing.T, addr string) *Gopher64 {
	d, err := Prober(addr).Open(nil, -1)
	if err != nil {
		t.Fatal(err)
	}
	g := d.(*Gopher64)
	t.Cleanup(func() { g.Close() })
	if err := g.Open(); err != nil {
		t.Fatal(err)
	}
	return g
}

func TestOpen(t *testing.T) {
	addr, _ := emulator(t, func(conn net.Conn, m message) {
		writeMessage(conn, msgHello, []byte("N65"))
	})
	d, err := Prober(addr).Open(nil, -1)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if err := d.Open(); !errors.Is(err, cart.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestNotListening(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	if _, err := Prober(addr).Open(nil, -1); !errors.Is(err, cart.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSendROM(t *testing.T) {
	received := make(chan []byte, 1)
	addr, _ := emulator(t, func(conn net.Conn, m message) {
		if m.t == msgROM {
			received <- m.payload
			writeMessage(conn, msgROM, nil)
			return
		}
		echo(conn, m)
	})
	g := open(t, addr)
	data := bytes.Repeat([]byte{1, 2, 3, 4}, chunkSize/2)
	u := &cart.Upload{Data: data, Size: len(data)}
	if err := g.SendROM(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	if got := <-received; !bytes.Equal(got, data) {
		t.Fatalf("emulator received %d bytes, expected %d", len(got), len(data))
	}
	if u.Transferred != len(data) {
		t.Fatalf("transferred %d of %d", u.Transferred, len(data))
	}
}

func TestSendROMCancel(t *testing.T) {
	addr, done := emulator(t, echo)
	g := open(t, addr)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	u := &cart.Upload{Data: make([]byte, 1024), Size: 1024}
	if err := g.SendROM(ctx, u); err != cart.ErrCancelled {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	<-done
}

func TestDebugFrames(t *testing.T) {
	addr, _ := emulator(t, func(conn net.Conn, m message) {
		if m.t == msgType(unf.Text) {
			writeMessage(conn, m.t, bytes.ToUpper(m.payload))
			return
		}
		echo(conn, m)
	})
	g := open(t, addr)

	if _, ok, err := g.Poll(); ok || err != nil {
		t.Fatalf("expected nothing, got %v %v", ok, err)
	}
	if err := g.SendFrame(unf.Text, []byte("ping")); err != nil {
		t.Fatal(err)
	}
	var h unf.FrameHeader
	for {
		var ok bool
		var err error
		h, ok, err = g.Poll()
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			break
		}
	}
	if h != (unf.FrameHeader{Type: unf.Text, Size: 4}) {
		t.Fatalf("unexpected header %+v", h)
	}
	buf := make([]byte, 2)
	if _, err := g.Read(buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "PI" {
		t.Fatalf("unexpected payload %q", buf)
	}
	if err := g.EndFrame(); err != nil {
		t.Fatal(err)
	}
	if g.r.Buffered() != 0 {
		t.Fatal("frame not consumed")
	}
}
