// Copyright 2024 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/clktmr/n64loader/tools/list"
	"github.com/clktmr/n64loader/tools/upload"
)

const usageString = `n64loader uploads ROMs to Nintendo64 flashcarts and relays their debug
output.

Usage:

	%s <command> [arguments]

The commands are:

	upload   upload a ROM and optionally start a debug session
	list     list connected flashcarts
`

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), usageString, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	log.Default().SetFlags(0)
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	switch flag.Arg(0) {
	case "upload":
		upload.Main(flag.Args())
	case "list":
		list.Main(flag.Args())
	default:
		fmt.Fprintf(flag.CommandLine.Output(), "unknown command: %s\n", flag.Arg(0))
		flag.Usage()
		os.Exit(1)
	}
}
