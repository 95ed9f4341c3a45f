// Copyright 2024 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package list

import (
	"bytes"
	"strings"
	"testing"

	"github.com/clktmr/n64loader/drivers/usb"
	"github.com/clktmr/n64loader/drivers/usb/usbtest"
)

func TestList(t *testing.T) {
	bus := &usbtest.Bus{Devices: []usbtest.Device{
		{Desc: usb.Descriptor{ID: 0x04036001, Description: "FT232R USB UART"}, Port: &usbtest.Port{}},
		{Desc: usb.Descriptor{ID: 0x04036014, Description: "SC64", Vendor: "Polprzewodnikowy", Serial: "SC64XYZ"}, Port: &usbtest.Port{}},
	}}
	var out bytes.Buffer
	if err := list(&out, bus, false); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[1], "1 ") || !strings.Contains(lines[1], "sc64") || !strings.Contains(lines[1], "SC64XYZ") {
		t.Fatalf("unexpected output\n%s", out.String())
	}

	out.Reset()
	if err := list(&out, bus, true); err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(out.String(), "\n"); n != 3 {
		t.Fatalf("expected 3 lines, got %d\n%s", n, out.String())
	}
}

func TestListNone(t *testing.T) {
	bus := &usbtest.Bus{Devices: []usbtest.Device{
		{Desc: usb.Descriptor{ID: 0x04036001, Description: "FT232R USB UART"}, Port: &usbtest.Port{}},
	}}
	var out bytes.Buffer
	if err := list(&out, bus, false); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "INDEX") || lines[1] != "no carts found" {
		t.Fatalf("unexpected output\n%s", out.String())
	}
}
