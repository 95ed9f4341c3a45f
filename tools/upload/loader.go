// Copyright 2024 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package upload

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/clktmr/n64loader/debug"
	"github.com/clktmr/n64loader/drivers/carts"
	"github.com/clktmr/n64loader/drivers/carts/cart"
	"github.com/clktmr/n64loader/drivers/carts/summercart64"
	"github.com/clktmr/n64loader/drivers/usb"
	"github.com/clktmr/n64loader/rom"
	"github.com/pkg/errors"
)

// loader binds the cart to the listener. The cart is searched again for every
// upload, as it may have been disconnected in between.
type loader struct {
	bus    usb.Bus
	family cart.Family
	addr   string
	isv    bool

	rom      carts.ROMOptions
	debug    debug.Options
	lines    <-chan string
	progress io.Writer

	// Retry finding the cart, e.g. while an emulator starts up
	findTimeout time.Duration

	dev *carts.Device
}

func (l *loader) find(ctx context.Context) (*carts.Device, error) {
	deadline := time.Now().Add(l.findTimeout)
	for {
		dev, err := carts.Find(l.bus, l.family, l.addr)
		if err == nil || time.Now().After(deadline) {
			return dev, err
		}
		select {
		case <-ctx.Done():
			return nil, cart.ErrCancelled
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (l *loader) Upload(ctx context.Context, name string, data []byte) error {
	l.Close()
	dev, err := l.find(ctx)
	if err != nil {
		return err
	}
	l.dev = dev
	if err := dev.Open(); err != nil {
		return errors.Wrapf(err, "open %v", dev.Family())
	}
	if sc64, ok := dev.Driver().(*summercart64.SummerCart64); ok {
		sc64.ISViewer = l.isv
	} else if l.isv {
		log.Printf("warning: %v has no is-viewer", dev.Family())
	}

	opts := l.rom
	opts.Name = name
	opts.Progress = func(done, total int) {
		fmt.Fprintf(l.progress, "\ruploading %3d%%", done*100/total)
	}
	start := time.Now()
	u, err := dev.SendROM(ctx, data, opts)
	fmt.Fprintln(l.progress)
	if err != nil {
		return err
	}
	log.Printf("uploaded %d bytes in %v", len(u.Data), time.Since(start).Round(time.Millisecond))
	if n := u.TotalRetries(); n > 0 {
		log.Printf("%d chunk(s) needed a retry", n)
	}

	l.debug.Swap16 = rom.DetectFormat(data) == rom.V64
	return nil
}

func (l *loader) Debug(ctx context.Context) error {
	if l.dev == nil {
		return errors.New("no cart")
	}
	return debug.NewSession(l.dev, l.debug).Run(ctx, l.lines)
}

func (l *loader) Close() error {
	if l.dev == nil {
		return nil
	}
	err := l.dev.Close()
	l.dev = nil
	return err
}
