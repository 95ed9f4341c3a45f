// Package terminal reads keyboard input while a debug session runs.
//
// If stdin is a terminal it is switched to raw mode, so single keys can be
// handled without waiting for a newline. Otherwise input is read line by line.
package terminal

import (
	"bufio"
	"io"
	"log"
	"os"

	"golang.org/x/term"
)

type Key int

const (
	KeyEscape   Key = iota + 1 // Esc or Ctrl-C
	KeyReupload                // Ctrl-R
)

func (k Key) String() string {
	switch k {
	case KeyEscape:
		return "escape"
	case KeyReupload:
		return "reupload"
	}
	return "unknown"
}

const (
	chanSize = 16
	maxLine  = 4096

	ctrlC     = 0x03
	ctrlR     = 0x12
	esc       = 0x1b
	backspace = 0x7f
	ctrlH     = 0x08
)

// Input delivers keys and completed lines. Both channels are closed when the
// input ends.
type Input struct {
	Keys  chan Key
	Lines chan string

	r    io.Reader
	echo io.Writer
	raw  bool

	fd    int
	state *term.State
}

// New reads from r. In raw mode typed characters are echoed to echo.
func New(r io.Reader, echo io.Writer, raw bool) *Input {
	return &Input{
		Keys:  make(chan Key, chanSize),
		Lines: make(chan string, chanSize),
		r:     r,
		echo:  echo,
		raw:   raw,
		fd:    -1,
	}
}

// Open reads from stdin, switching it to raw mode if it's a terminal.
func Open() (*Input, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return New(os.Stdin, io.Discard, false), nil
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	in := New(os.Stdin, os.Stdout, true)
	in.fd, in.state = fd, state
	return in, nil
}

// Raw reports whether single keys are available.
func (in *Input) Raw() bool { return in.raw }

// Close restores the terminal.
func (in *Input) Close() error {
	if in.state == nil {
		return nil
	}
	err := term.Restore(in.fd, in.state)
	in.state = nil
	return err
}

// Start reads input in the background until it ends. Reading stdin can't be
// interrupted, so the goroutine outlives any session using it.
func (in *Input) Start() {
	go in.run()
}

func (in *Input) run() {
	defer close(in.Keys)
	defer close(in.Lines)
	if !in.raw {
		s := bufio.NewScanner(in.r)
		for s.Scan() {
			in.line(s.Text())
		}
		return
	}

	var line []byte
	buf := make([]byte, 64)
	for {
		n, err := in.r.Read(buf)
		for i := 0; i < n; i++ {
			c := buf[i]
			switch {
			case c == esc && i+1 < n && (buf[i+1] == '[' || buf[i+1] == 'O'):
				// Skip escape sequences of cursor and function keys
				for i += 2; i < n && !isFinal(buf[i]); i++ {
				}
			case c == esc || c == ctrlC:
				in.key(KeyEscape)
			case c == ctrlR:
				in.key(KeyReupload)
			case c == '\r' || c == '\n':
				in.echo.Write([]byte("\r\n"))
				in.line(string(line))
				line = line[:0]
			case c == backspace || c == ctrlH:
				if len(line) > 0 {
					line = line[:len(line)-1]
					in.echo.Write([]byte("\b \b"))
				}
			case c >= 0x20 && len(line) < maxLine:
				line = append(line, c)
				in.echo.Write([]byte{c})
			}
		}
		if err != nil {
			return
		}
	}
}

func isFinal(c byte) bool {
	return c >= 0x40 && c <= 0x7e
}

// line drops lines if nobody is reading them, so keys are still delivered.
func (in *Input) line(l string) {
	select {
	case in.Lines <- l:
	default:
		log.Printf("terminal: dropped input %q", l)
	}
}

// key drops keys if nobody is listening.
func (in *Input) key(k Key) {
	select {
	case in.Keys <- k:
	default:
	}
}

// Output returns w, translating newlines to "\r\n" while the terminal is in
// raw mode.
func (in *Input) Output(w io.Writer) io.Writer {
	if !in.raw {
		return w
	}
	return crlfWriter{w}
}

type crlfWriter struct{ w io.Writer }

func (c crlfWriter) Write(p []byte) (int, error) {
	buf := make([]byte, 0, len(p)+8)
	for _, b := range p {
		if b == '\n' {
			buf = append(buf, '\r')
		}
		buf = append(buf, b)
	}
	if _, err := c.w.Write(buf); err != nil {
		return 0, err
	}
	return len(p), nil
}
