package debug

import (
	"bytes"
	"os"
	"strconv"
	"strings"

	"github.com/clktmr/n64loader/drivers/carts/cart"
	"github.com/clktmr/n64loader/unf"
	"github.com/pkg/errors"
)

const (
	// MaxCommandSize limits a command including attached files.
	MaxCommandSize = 8 * 1024 * 1024

	maxAttachments = 2
)

// ParseCommand expands the files attached to a command line. A file is
// attached by enclosing its path in '@', it is replaced by "@<size>@" followed
// by the file's contents. A line consisting of nothing but an attached file is
// sent as raw binary data.
func ParseCommand(line string) (unf.Datatype, []byte, error) {
	parts := strings.Split(line, "@")
	if len(parts)%2 == 0 {
		return 0, nil, errors.Wrapf(cart.ErrValidation, "unterminated file name in %q", line)
	}
	if (len(parts)-1)/2 > maxAttachments {
		return 0, nil, errors.Wrapf(cart.ErrValidation, "more than %d files attached", maxAttachments)
	}

	// Check sizes before reading anything
	total := len(line)
	for i := 1; i < len(parts); i += 2 {
		if parts[i] == "" {
			return 0, nil, errors.Wrap(cart.ErrValidation, "empty file name")
		}
		fi, err := os.Stat(parts[i])
		if err != nil {
			return 0, nil, errors.Wrap(cart.ErrValidation, err.Error())
		}
		total += int(fi.Size())
	}
	if total > MaxCommandSize {
		return 0, nil, errors.Wrapf(cart.ErrValidation, "command of %d bytes exceeds %d", total, MaxCommandSize)
	}

	if len(parts) == 3 && parts[0] == "" && parts[2] == "" {
		data, err := os.ReadFile(parts[1])
		if err != nil {
			return 0, nil, errors.Wrap(cart.ErrValidation, err.Error())
		}
		return unf.RawBinary, data, nil
	}

	var buf bytes.Buffer
	for i, part := range parts {
		if i%2 == 0 {
			buf.WriteString(part)
			continue
		}
		data, err := os.ReadFile(part)
		if err != nil {
			return 0, nil, errors.Wrap(cart.ErrValidation, err.Error())
		}
		buf.WriteString("@" + strconv.Itoa(len(data)) + "@")
		buf.Write(data)
	}
	if buf.Len() > MaxCommandSize {
		return 0, nil, errors.Wrapf(cart.ErrValidation, "command of %d bytes exceeds %d", buf.Len(), MaxCommandSize)
	}
	return unf.Text, buf.Bytes(), nil
}

// Send sends a command line to the console. Nothing is sent if the line is
// invalid.
func (s *Session) Send(line string) error {
	t, payload, err := ParseCommand(line)
	if err != nil {
		return err
	}
	return s.dev.SendData(t, payload)
}
