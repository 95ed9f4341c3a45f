// Package gopher64 talks to the Gopher64 emulator's debug socket.
//
// Every message is a big endian type and size word followed by the payload.
// Types 1 to 5 carry debug data as defined by package unf, the remaining
// types control the emulator.
package gopher64

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"log"
	"net"
	"os"
	"time"

	"github.com/clktmr/n64loader/drivers/carts/cart"
	"github.com/clktmr/n64loader/drivers/usb"
	"github.com/clktmr/n64loader/rom"
	"github.com/clktmr/n64loader/unf"
	"github.com/pkg/errors"
)

const DefaultAddr = "localhost:64000"

type msgType uint32

const (
	msgHello msgType = 0x100
	msgROM   msgType = 0x101
)

const (
	hello       = "N64"
	headerLen   = 8
	chunkSize   = 1024 * 1024
	maxROMSize  = 64 * 1024 * 1024
	dialTimeout = 2 * time.Second
	timeout     = 5 * time.Second
	pollTimeout = time.Millisecond
)

type Gopher64 struct {
	conn net.Conn
	r    *bufio.Reader

	remaining int

	// ConfirmCompletion waits for the emulator to acknowledge the ROM.
	ConfirmCompletion bool
}

func New(conn net.Conn) *Gopher64 {
	return &Gopher64{conn: conn, r: bufio.NewReader(conn), ConfirmCompletion: true}
}

// Prober returns a prober for an emulator listening on addr. The bus is
// ignored.
func Prober(addr string) cart.Prober {
	return cart.Prober{
		Family: cart.Gopher64,
		Open: func(usb.Bus, int) (cart.Driver, error) {
			conn, err := net.DialTimeout("tcp", addr, dialTimeout)
			if err != nil {
				return nil, errors.Wrapf(cart.ErrNotFound, "gopher64: %v", err)
			}
			return New(conn), nil
		},
	}
}

func (g *Gopher64) Family() cart.Family { return cart.Gopher64 }

// Open checks that the peer echoes the greeting.
func (g *Gopher64) Open() error {
	if err := g.writeMessage(msgHello, []byte(hello)); err != nil {
		return err
	}
	t, size, err := g.readHeader(timeout)
	if err != nil {
		return err
	}
	if t != msgHello || size != len(hello) {
		return errors.Wrapf(cart.ErrProtocol, "gopher64: unexpected greeting %#x/%d", t, size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(g.r, buf); err != nil {
		return g.ioError(err)
	}
	if string(buf) != hello {
		return errors.Wrapf(cart.ErrProtocol, "gopher64: bad echo %q", buf)
	}
	return nil
}

func (g *Gopher64) PadSize(n int) int { return unf.Align(n, 4) }

func (g *Gopher64) ioError(err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return errors.Wrap(usb.ErrTimeout, "gopher64")
	}
	return errors.Wrap(usb.ErrIO, err.Error())
}

func (g *Gopher64) write(p []byte) error {
	g.conn.SetWriteDeadline(time.Now().Add(timeout))
	if _, err := g.conn.Write(p); err != nil {
		return g.ioError(err)
	}
	return nil
}

func (g *Gopher64) writeHeader(t msgType, size int) error {
	var hdr [headerLen]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(t))
	binary.BigEndian.PutUint32(hdr[4:], uint32(size))
	return g.write(hdr[:])
}

func (g *Gopher64) writeMessage(t msgType, payload []byte) error {
	if err := g.writeHeader(t, len(payload)); err != nil {
		return err
	}
	return g.write(payload)
}

func (g *Gopher64) readHeader(d time.Duration) (t msgType, size int, err error) {
	g.conn.SetReadDeadline(time.Now().Add(d))
	hdr, err := g.r.Peek(headerLen)
	if err != nil {
		return 0, 0, g.ioError(err)
	}
	t = msgType(binary.BigEndian.Uint32(hdr))
	size = int(binary.BigEndian.Uint32(hdr[4:]))
	g.r.Discard(headerLen)
	return t, size, nil
}

func (g *Gopher64) SendROM(ctx context.Context, u *cart.Upload) error {
	if !u.Save.Valid() {
		return errors.Wrapf(cart.ErrValidation, "save type %v", u.Save)
	}
	if len(u.Data) > maxROMSize {
		return errors.Wrapf(cart.ErrValidation, "rom of %d bytes", len(u.Data))
	}
	if u.CIC != rom.CICAuto || u.Save != rom.SaveNone {
		log.Print("gopher64: cic and save type are detected by the emulator")
	}

	if err := g.writeHeader(msgROM, len(u.Data)); err != nil {
		return err
	}
	u.ChunkSize = chunkSize
	for off := 0; off < len(u.Data); off += chunkSize {
		if cart.Cancelled(ctx) {
			// The message can't be completed, dropping the connection
			// makes the emulator discard it.
			g.Close()
			return cart.ErrCancelled
		}
		chunk := u.Data[off:min(off+chunkSize, len(u.Data))]
		if err := g.write(chunk); err != nil {
			return err
		}
		u.Advance(len(chunk))
	}

	if !g.ConfirmCompletion {
		return nil
	}
	t, size, err := g.readHeader(timeout)
	if err != nil {
		return err
	}
	if t != msgROM || size != 0 {
		return errors.Wrapf(cart.ErrProtocol, "gopher64: unexpected reply %#x/%d", t, size)
	}
	return nil
}

func (g *Gopher64) SendFrame(t unf.Datatype, payload []byte) error {
	if len(payload) > unf.MaxSize {
		return errors.Wrapf(cart.ErrValidation, "payload of %d bytes", len(payload))
	}
	return g.writeMessage(msgType(t), payload)
}

func (g *Gopher64) Poll() (h unf.FrameHeader, ok bool, err error) {
	wait := pollTimeout
	if g.r.Buffered() >= headerLen {
		wait = timeout
	}
	t, size, err := g.readHeader(wait)
	if errors.Is(err, usb.ErrTimeout) {
		return h, false, nil
	}
	if err != nil {
		return h, false, err
	}
	if t < msgType(unf.Text) || t > msgType(unf.Heartbeat) || size > unf.MaxSize {
		return h, false, errors.Wrapf(cart.ErrProtocol, "gopher64: unexpected message %#x/%d", t, size)
	}
	g.remaining = size
	return unf.FrameHeader{Type: unf.Datatype(t), Size: size}, true, nil
}

func (g *Gopher64) Read(p []byte) (int, error) {
	g.conn.SetReadDeadline(time.Now().Add(timeout))
	n, err := io.ReadFull(g.r, p[:min(len(p), g.remaining)])
	g.remaining -= n
	if err != nil {
		return n, g.ioError(err)
	}
	return n, nil
}

func (g *Gopher64) EndFrame() error {
	g.conn.SetReadDeadline(time.Now().Add(timeout))
	n, err := g.r.Discard(g.remaining)
	g.remaining -= n
	if err != nil {
		return g.ioError(err)
	}
	return nil
}

func (g *Gopher64) Close() error {
	if g.conn == nil {
		return nil
	}
	err := g.conn.Close()
	g.conn = nil
	return err
}
