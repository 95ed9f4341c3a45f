// Package usbtest provides in-memory usb devices for testing cart drivers.
package usbtest

import (
	"bytes"
	"sync"
	"time"

	"github.com/clktmr/n64loader/drivers/usb"
	"github.com/pkg/errors"
)

type Device struct {
	Desc usb.Descriptor
	Port *Port
}

// Bus serves a fixed list of devices.
type Bus struct {
	Devices []Device
	Opens   int
}

func (b *Bus) Enumerate() ([]usb.Descriptor, error) {
	if len(b.Devices) == 0 {
		return nil, usb.ErrNoDevices
	}
	descs := make([]usb.Descriptor, len(b.Devices))
	for i, d := range b.Devices {
		descs[i] = d.Desc
	}
	return descs, nil
}

func (b *Bus) Open(index int) (usb.Port, error) {
	if index < 0 || index >= len(b.Devices) {
		return nil, errors.Wrapf(usb.ErrNoDevices, "no device at index %d", index)
	}
	b.Opens++
	p := b.Devices[index].Port
	p.mtx.Lock()
	p.Closed = false
	p.mtx.Unlock()
	return p, nil
}

// Port records everything written to it and returns data queued with Reply.
//
// OnWrite, if set, is called for every write with the written data and returns
// how many bytes the device accepts. It may queue replies.
type Port struct {
	OnWrite func(p *Port, data []byte) int

	Writes   [][]byte
	Resets   int
	Purges   int
	BitModes [][2]byte
	Closed   bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	mtx sync.Mutex
	rx  bytes.Buffer
}

// Reply queues data to be read from the port.
func (p *Port) Reply(data ...[]byte) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for _, d := range data {
		p.rx.Write(d)
	}
}

// Written returns all data written so far, concatenated.
func (p *Port) Written() []byte {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return bytes.Join(p.Writes, nil)
}

// Buffered returns the number of queued bytes not read yet.
func (p *Port) Buffered() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.rx.Len()
}

func (p *Port) Read(b []byte) (int, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.Closed {
		return 0, errors.New("port closed")
	}
	n, _ := p.rx.Read(b)
	return n, nil
}

func (p *Port) Write(b []byte) (int, error) {
	p.mtx.Lock()
	if p.Closed {
		p.mtx.Unlock()
		return 0, errors.New("port closed")
	}
	data := bytes.Clone(b)
	p.Writes = append(p.Writes, data)
	hook := p.OnWrite
	p.mtx.Unlock()

	if hook == nil {
		return len(b), nil
	}
	return hook(p, data), nil
}

func (p *Port) Pending() (int, error) {
	return p.Buffered(), nil
}

func (p *Port) Reset() error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.Resets++
	return nil
}

func (p *Port) Purge(which usb.Purge) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.Purges++
	if which&usb.PurgeRX != 0 {
		p.rx.Reset()
	}
	return nil
}

func (p *Port) SetBitMode(mask, mode byte) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.BitModes = append(p.BitModes, [2]byte{mask, mode})
	return nil
}

func (p *Port) SetTimeouts(read, write time.Duration) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.ReadTimeout, p.WriteTimeout = read, write
	return nil
}

func (p *Port) Close() error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.Closed = true
	return nil
}
