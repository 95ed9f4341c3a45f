// Package cart defines what every flashcart driver implements.
package cart

import (
	"context"
	"fmt"
	"strings"

	"github.com/clktmr/n64loader/drivers/usb"
	"github.com/clktmr/n64loader/rom"
	"github.com/clktmr/n64loader/unf"
	"github.com/pkg/errors"
)

type Family int

const (
	None Family = iota
	Drive64HW1
	Drive64HW2
	EverDriveV3
	EverDriveX7
	SummerCart64
	Gopher64
)

var familyNames = [...]string{
	None:         "none",
	Drive64HW1:   "64drive1",
	Drive64HW2:   "64drive2",
	EverDriveV3:  "everdrive3",
	EverDriveX7:  "everdrivex7",
	SummerCart64: "sc64",
	Gopher64:     "gopher64",
}

func (f Family) String() string {
	if f < None || int(f) >= len(familyNames) {
		return fmt.Sprintf("family(%d)", int(f))
	}
	return familyNames[f]
}

// ParseFamily accepts the names returned by Family.String. "auto" and the
// empty string select None, which means autodetection.
func ParseFamily(s string) (Family, error) {
	s = strings.ToLower(s)
	if s == "" || s == "auto" {
		return None, nil
	}
	for i, name := range familyNames {
		if i != int(None) && name == s {
			return Family(i), nil
		}
	}
	return None, errors.Wrapf(ErrValidation, "unknown cart %q", s)
}

// Error kinds shared by all drivers. Transport errors are the ones defined in
// package usb.
var (
	ErrNotFound    = errors.New("cart not found")
	ErrProtocol    = errors.New("protocol error")
	ErrValidation  = errors.New("invalid argument")
	ErrUnsupported = errors.New("not supported by cart")
	ErrCancelled   = errors.New("cancelled")
	ErrBusy        = errors.New("incoming data pending")
)

// Upload describes a single ROM transfer. Drivers update the counters while
// sending.
type Upload struct {
	Data []byte // z64 byte order, padded to PadSize
	Size int    // unpadded size
	Name string
	CIC  rom.CIC
	Save rom.SaveType
	TV   rom.TVType

	Progress func(done, total int)

	ChunkSize   int
	Transferred int
	Retries     map[int]int // chunk index to number of retries
}

func (u *Upload) Advance(n int) {
	u.Transferred += n
	if u.Progress != nil {
		u.Progress(u.Transferred, len(u.Data))
	}
}

func (u *Upload) Retried(chunk int) {
	if u.Retries == nil {
		u.Retries = make(map[int]int)
	}
	u.Retries[chunk]++
}

// TotalRetries sums the retries of all chunks.
func (u *Upload) TotalRetries() (n int) {
	for _, v := range u.Retries {
		n += v
	}
	return
}

// Driver is a cart's protocol implementation bound to an opened transport.
//
// Incoming debug frames are read in three steps: Poll returns the header if a
// frame is available, Read is called until the payload is consumed and
// EndFrame consumes padding and completion marker.
type Driver interface {
	Family() Family
	Open() error
	PadSize(n int) int
	SendROM(ctx context.Context, u *Upload) error
	SendFrame(t unf.Datatype, payload []byte) error
	Poll() (h unf.FrameHeader, ok bool, err error)
	Read(p []byte) (int, error)
	EndFrame() error
	Close() error
}

// Prober identifies and opens a cart family. Identify is nil for carts which
// aren't connected via usb, those are opened with index -1.
type Prober struct {
	Family   Family
	Identify func(bus usb.Bus, index int, desc usb.Descriptor) bool
	Open     func(bus usb.Bus, index int) (Driver, error)
}

// FrameError classifies an error of the unf decoder. Broken framing can't be
// recovered from without reconnecting and is a protocol error.
func FrameError(err error) error {
	if errors.Is(err, unf.ErrBadMagic) || errors.Is(err, unf.ErrBadHeader) {
		return errors.Wrap(ErrProtocol, err.Error())
	}
	return err
}

// Cancelled checks ctx between two transfers.
func Cancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
