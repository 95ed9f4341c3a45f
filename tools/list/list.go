// Copyright 2024 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package list implements the list command, which shows the usb devices and
// the carts identified among them.
package list

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"text/tabwriter"

	"github.com/clktmr/n64loader/drivers/carts"
	"github.com/clktmr/n64loader/drivers/carts/cart"
	"github.com/clktmr/n64loader/drivers/usb"
)

const usageString = `List connected flashcarts.

Usage: %s [flags]

`

var (
	flags = flag.NewFlagSet("list", flag.ExitOnError)

	tty = flags.Bool("tty", false, "use the kernel's serial driver instead of libusb")
	all = flags.Bool("all", false, "also list devices which aren't carts")
)

func usage() {
	fmt.Fprintf(flags.Output(), usageString, "list")
	flags.PrintDefaults()
}

func Main(args []string) {
	flags.Usage = usage
	flags.Parse(args[1:])

	var bus usb.Bus
	if *tty {
		bus = usb.NewSerialBus()
	} else {
		ftdi := usb.NewFTDIBus()
		defer ftdi.Close()
		bus = ftdi
	}
	if err := list(os.Stdout, bus, *all); err != nil {
		log.Fatalln(err)
	}
}

func list(w io.Writer, bus usb.Bus, all bool) error {
	descs, err := bus.Enumerate()
	if err != nil {
		return err
	}
	found, err := carts.List(bus)
	if err != nil {
		return err
	}
	families := make(map[int]cart.Family)
	for _, f := range found {
		families[f.Index] = f.Family
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tCART\tID\tVENDOR\tPRODUCT\tSERIAL")
	for i, d := range descs {
		family, ok := families[i]
		if !ok && !all {
			continue
		}
		fmt.Fprintf(tw, "%d\t%v\t%04x:%04x\t%s\t%s\t%s\n", i, family, d.ID>>16, d.ID&0xffff, d.Vendor, d.Description, d.Serial)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(found) == 0 && !all {
		fmt.Fprintln(w, "no carts found")
	}
	return nil
}
