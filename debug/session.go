// Package debug relays the UNFLoader debug channel between a running ROM and
// the host.
//
// Incoming text is printed, binary data and screenshots are exported to files.
// Lines typed by the user are sent to the console, optionally with files
// attached.
package debug

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/clktmr/n64loader/drivers/carts/cart"
	"github.com/clktmr/n64loader/rom"
	"github.com/clktmr/n64loader/unf"
	"github.com/pkg/errors"
)

// Device is the part of carts.Device a session needs.
type Device interface {
	Poll() (h unf.FrameHeader, ok bool, err error)
	Read(p []byte) (int, error)
	EndFrame() error
	SendData(t unf.Datatype, payload []byte) error
}

type State int

const (
	Idle State = iota
	AwaitingHeader
	ReadingPayload
	Dispatching
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingHeader:
		return "awaiting header"
	case ReadingPayload:
		return "reading payload"
	case Dispatching:
		return "dispatching"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const (
	blockSize = 512

	DefaultPollInterval = 10 * time.Millisecond
)

type Options struct {
	OutDir string    // exported files, defaults to the working directory
	Output io.Writer // incoming text, defaults to os.Stdout
	Log    io.Writer // optional copy of all incoming text

	// NoDedup prints repeated messages instead of counting them.
	NoDedup bool

	// Scale enlarges screenshots by an integer factor.
	Scale int

	// Swap16 byteswaps 16-bit screenshot data, for ROMs built in v64 byte
	// order.
	Swap16 bool

	PollInterval time.Duration
}

// Session is a single debug session on an opened device.
type Session struct {
	dev   Device
	opts  Options
	state State

	screen    *unf.ScreenHeader
	last      []byte
	repeats   int
	Heartbeat *unf.HeartbeatInfo
}

func NewSession(dev Device, opts Options) *Session {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Session{dev: dev, opts: opts}
}

func (s *Session) State() State { return s.state }

// ready never blocks a receive.
var ready = func() chan time.Time {
	c := make(chan time.Time)
	close(c)
	return c
}()

// Run handles incoming frames and sends lines received from the channel
// until ctx is cancelled or an error occurs. Invalid lines and lines the cart
// can't receive are reported and skipped.
//
// While frames keep arriving the next one is polled right away, ctx and lines
// are still checked in between.
func (s *Session) Run(ctx context.Context, lines <-chan string) error {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		handled, err := s.Step()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		var next <-chan time.Time = ticker.C
		if handled {
			next = ready
		}
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if err := s.sendLine(line); err != nil {
				return err
			}
		case <-next:
		}
	}
}

func (s *Session) sendLine(line string) error {
	err := s.Send(line)
	if errors.Is(err, cart.ErrValidation) || errors.Is(err, cart.ErrUnsupported) {
		log.Println(err)
		return nil
	}
	return err
}

// Step handles a single incoming frame, if there is one.
func (s *Session) Step() (handled bool, err error) {
	s.state = AwaitingHeader
	defer func() {
		if err == nil {
			s.state = Idle
		}
	}()
	h, ok, err := s.dev.Poll()
	if err != nil || !ok {
		return false, err
	}

	s.state = ReadingPayload
	if err := s.handle(h); err != nil {
		return true, errors.Wrapf(err, "debug: %v frame", h.Type)
	}
	if err := s.dev.EndFrame(); err != nil {
		return true, errors.Wrapf(err, "debug: %v frame", h.Type)
	}
	return true, nil
}

func (s *Session) handle(h unf.FrameHeader) error {
	switch h.Type {
	case unf.Text:
		return s.handleText(h.Size)
	case unf.RawBinary:
		return s.handleBinary(h.Size)
	}

	payload, err := s.readPayload(h.Size)
	if err != nil {
		return err
	}
	s.state = Dispatching
	switch h.Type {
	case unf.Header:
		return s.handleHeader(payload)
	case unf.Screenshot:
		return s.handleScreenshot(payload)
	case unf.Heartbeat:
		return s.handleHeartbeat(payload)
	}
	log.Printf("debug: dropping %d bytes of unknown %v", h.Size, h.Type)
	return nil
}

// readBlocks passes the payload to fn in blocks of at most blockSize bytes.
func (s *Session) readBlocks(size int, fn func([]byte) error) error {
	var buf [blockSize]byte
	for size > 0 {
		n, err := io.ReadFull(readerFunc(s.dev.Read), buf[:min(size, blockSize)])
		if err != nil {
			return err
		}
		if err := fn(buf[:n]); err != nil {
			return err
		}
		size -= n
	}
	return nil
}

func (s *Session) readPayload(size int) ([]byte, error) {
	payload := make([]byte, 0, size)
	err := s.readBlocks(size, func(b []byte) error {
		payload = append(payload, b...)
		return nil
	})
	return payload, err
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) {
	n, err := f(p)
	if n == 0 && err == nil && len(p) > 0 {
		err = io.ErrNoProgress
	}
	return n, err
}

func (s *Session) handleText(size int) error {
	text, err := s.readPayload(size)
	if err != nil {
		return err
	}
	s.state = Dispatching
	if s.opts.Log != nil {
		if _, err := s.opts.Log.Write(text); err != nil {
			return errors.Wrap(err, "text log")
		}
	}
	if !s.opts.NoDedup && s.last != nil && bytes.Equal(text, s.last) {
		s.repeats++
		if s.repeats > 1 {
			// Replace the previous notice
			fmt.Fprint(s.opts.Output, "\x1b[1A\x1b[2K")
		}
		_, err = fmt.Fprintf(s.opts.Output, "duplicated %d time(s)\n", s.repeats)
		return err
	}
	s.last, s.repeats = text, 0
	_, err = s.opts.Output.Write(text)
	return err
}

// create creates a new file named prefix-<id>.ext in the output directory,
// with the lowest id not taken yet.
func (s *Session) create(prefix, ext string) (*os.File, error) {
	for id := 0; ; id++ {
		name := filepath.Join(s.opts.OutDir, fmt.Sprintf("%s-%d.%s", prefix, id, ext))
		f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		return f, err
	}
}

func (s *Session) handleBinary(size int) (err error) {
	f, err := s.create("binaryout", "bin")
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	err = s.readBlocks(size, func(b []byte) error {
		_, err := f.Write(b)
		return err
	})
	if err == nil {
		log.Printf("wrote %d bytes to %s", size, f.Name())
	}
	return err
}

func (s *Session) handleHeader(payload []byte) error {
	h, err := unf.ParseScreenHeader(payload)
	if err != nil {
		return cart.FrameError(err)
	}
	if h.Type != unf.Screenshot {
		log.Printf("debug: ignoring header for %v", h.Type)
		return nil
	}
	s.screen = &h
	return nil
}

func (s *Session) handleScreenshot(payload []byte) (err error) {
	if s.screen == nil {
		return errors.Wrap(cart.ErrProtocol, "screenshot without header")
	}
	h := *s.screen
	s.screen = nil
	if h.Depth == 2 && s.opts.Swap16 {
		rom.Swap16(payload)
	}
	img, err := decodeScreenshot(h, payload)
	if err != nil {
		return cart.FrameError(err)
	}

	f, err := s.create("screenshot", "png")
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if err = png.Encode(f, upscale(img, s.opts.Scale)); err == nil {
		log.Printf("wrote %dx%d screenshot to %s", h.Width, h.Height, f.Name())
	}
	return err
}

func (s *Session) handleHeartbeat(payload []byte) error {
	hb, err := unf.ParseHeartbeat(payload)
	if err != nil {
		return cart.FrameError(err)
	}
	s.Heartbeat = &hb
	log.Printf("console ready, usb protocol %d, heartbeat %d", hb.Protocol, hb.Heartbeat)
	return nil
}
