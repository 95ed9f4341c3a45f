// Copyright 2024 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package upload implements the upload command, which sends a ROM to a
// flashcart and optionally relays the debug channel.
package upload

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/clktmr/n64loader/debug"
	"github.com/clktmr/n64loader/drivers/carts"
	"github.com/clktmr/n64loader/drivers/carts/cart"
	"github.com/clktmr/n64loader/drivers/usb"
	"github.com/clktmr/n64loader/internal/terminal"
	"github.com/clktmr/n64loader/listen"
	"github.com/clktmr/n64loader/rom"
	"github.com/pkg/errors"
)

const usageString = `Upload a ROM to a flashcart.

Usage: %s [flags] <romfile>

Carts: 64drive1, 64drive2, everdrive3, everdrivex7, sc64, gopher64, auto
CICs: 6101, 6102, 7101, 7102, 6103, 7103, 6105, 7105, 6106, 7106, 5101, 8303, auto
Save types: 0 none, 1 eeprom4k, 2 eeprom16k, 3 sram256k, 4 flashram, 5 sram768k,
6 flashram (pokemon stadium 2)

`

type config struct {
	romfile string
	family  cart.Family
	cic     rom.CIC
	save    rom.SaveType

	debug   bool
	listen  bool
	outDir  string
	logFile string
	nodedup bool
	scale   int
	run     string
	tty     bool
	addr    string
	isv     bool
}

func newFlagSet(c *config) *flag.FlagSet {
	flags := flag.NewFlagSet("upload", flag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprintf(flags.Output(), usageString, "upload")
		flags.PrintDefaults()
	}
	flags.Func("cart", "flashcart `family`", func(s string) (err error) {
		c.family, err = cart.ParseFamily(s)
		return
	})
	flags.Func("cic", "`cic` to emulate, detected from the ROM by default", func(s string) (err error) {
		if s == "0" {
			s = "auto"
		}
		c.cic, err = rom.ParseCIC(s)
		return
	})
	flags.Func("save", "save `type`", func(s string) (err error) {
		c.save, err = rom.ParseSaveType(s)
		return
	})
	flags.BoolVar(&c.debug, "debug", false, "relay debug data after upload")
	flags.BoolVar(&c.listen, "listen", false, "upload again when the ROM changes")
	flags.StringVar(&c.outDir, "out", ".", "`directory` for exported files")
	flags.StringVar(&c.logFile, "log", "", "append debug text to `file`")
	flags.BoolVar(&c.nodedup, "nodedup", false, "print repeated debug messages")
	flags.IntVar(&c.scale, "scale", 1, "screenshot scale `factor`")
	flags.StringVar(&c.run, "run", "", "start the emulator `command` before uploading")
	flags.BoolVar(&c.tty, "tty", false, "use the kernel's serial driver instead of libusb")
	flags.BoolVar(&c.isv, "isv", false, "forward is-viewer output (sc64 only)")
	flags.StringVar(&c.addr, "addr", "", "emulator `address` (default localhost:64000)")
	return flags
}

// parseArgs validates all arguments without touching any device.
func parseArgs(args []string) (*config, error) {
	c := &config{}
	flags := newFlagSet(c)
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if flags.NArg() != 1 {
		flags.Usage()
		return nil, errors.New("expected a single ROM file")
	}
	c.romfile = flags.Arg(0)
	if c.scale < 1 {
		return nil, errors.Wrapf(cart.ErrValidation, "scale %d", c.scale)
	}
	if c.run != "" && c.family == cart.None {
		c.family = cart.Gopher64
	}
	return c, nil
}

func Main(args []string) {
	c, err := parseArgs(args[1:])
	if err == flag.ErrHelp {
		os.Exit(0)
	}
	if err != nil {
		log.Fatalln(err)
	}
	if err := run(c); err != nil {
		log.Fatalln(err)
	}
}

func run(c *config) error {
	if _, err := os.Stat(c.romfile); err != nil {
		return err
	}
	if err := os.MkdirAll(c.outDir, 0o755); err != nil {
		return err
	}

	var bus usb.Bus
	if c.tty {
		bus = usb.NewSerialBus()
	} else {
		ftdi := usb.NewFTDIBus()
		defer ftdi.Close()
		bus = ftdi
	}

	l := &loader{
		bus:      bus,
		family:   c.family,
		addr:     c.addr,
		isv:      c.isv,
		rom:      carts.ROMOptions{CIC: c.cic, Save: c.save},
		progress: os.Stderr,
		debug: debug.Options{
			OutDir:  c.outDir,
			NoDedup: c.nodedup,
			Scale:   c.scale,
		},
	}
	defer l.Close()

	if c.logFile != "" {
		f, err := os.OpenFile(c.logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		l.debug.Log = f
	}

	if c.run != "" {
		emu, err := startEmulator(c.run)
		if err != nil {
			return err
		}
		defer emu.Stop()
		l.findTimeout = 5 * time.Second
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var keys <-chan terminal.Key
	if c.debug || c.listen {
		in, err := terminal.Open()
		if err != nil {
			return err
		}
		defer in.Close()
		in.Start()
		keys, l.lines = in.Keys, in.Lines
		log.SetOutput(in.Output(os.Stderr))
		defer log.SetOutput(os.Stderr)
		l.debug.Output = in.Output(os.Stdout)
		l.progress = in.Output(os.Stderr)
	} else {
		l.progress = io.Discard
		if fi, err := os.Stderr.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
			l.progress = os.Stderr
		}
	}

	opts := listen.Options{Debug: c.debug, Listen: c.listen}
	err := listen.New(c.romfile, l, keys, opts).Run(ctx)
	if errors.Is(err, cart.ErrCancelled) {
		return nil
	}
	return err
}
