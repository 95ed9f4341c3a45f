// Copyright 2024 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package upload

import (
	"bufio"
	"log"
	"os"
	"os/exec"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"
)

// emulator is an emulator started with the -run flag. Its output is logged.
type emulator struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func startEmulator(cmdline string) (*emulator, error) {
	args, err := shellquote.Split(cmdline)
	if err != nil {
		return nil, errors.Wrap(err, "run")
	}
	if len(args) == 0 {
		return nil, errors.New("run: empty command")
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stderr = os.Stderr
	processGroupEnable(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "open stdout")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "start command")
	}

	e := &emulator{cmd: cmd, done: make(chan struct{})}
	go func() {
		defer close(e.done)
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			log.Println(args[0]+":", scanner.Text())
		}
		cmd.Wait()
	}()
	return e, nil
}

// Stop interrupts the emulator and kills it if it doesn't exit in time.
func (e *emulator) Stop() {
	if err := processGroupSignal(e.cmd, os.Interrupt); err != nil {
		log.Println(err)
	}
	select {
	case <-e.done:
	case <-time.After(2 * time.Second):
		e.cmd.Process.Kill()
		<-e.done
	}
}
