// Package listen uploads a ROM and keeps the debug session running, uploading
// again whenever the ROM file changes or the user asks for it.
package listen

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/clktmr/n64loader/drivers/carts/cart"
	"github.com/clktmr/n64loader/internal/terminal"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Cart is what a listener drives. Both methods return when ctx is cancelled.
type Cart interface {
	Upload(ctx context.Context, name string, data []byte) error
	Debug(ctx context.Context) error
}

const DefaultInterval = 500 * time.Millisecond

type Options struct {
	Debug  bool // run a debug session after upload
	Listen bool // upload again on changes

	// Interval between checks for changes of the ROM file
	Interval time.Duration
}

type event int

const (
	evNone event = iota
	evQuit
	evReupload
	evChanged
)

type Listener struct {
	path string
	cart Cart
	keys <-chan terminal.Key
	opts Options

	modTime time.Time
}

// New returns a listener for the ROM at path. Keys may be nil if there's no
// keyboard input.
func New(path string, c Cart, keys <-chan terminal.Key, opts Options) *Listener {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Listener{path: path, cart: c, keys: keys, opts: opts}
}

// Run uploads until the user quits or an error occurs. Cancelling an upload
// isn't an error.
func (l *Listener) Run(ctx context.Context) error {
	for {
		fi, err := os.Stat(l.path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(l.path)
		if err != nil {
			return err
		}
		l.modTime = fi.ModTime()

		ev, err := l.wait(ctx, false, func(ctx context.Context) error {
			return l.cart.Upload(ctx, filepath.Base(l.path), data)
		})
		if errors.Is(err, cart.ErrCancelled) || ev == evQuit {
			log.Println("upload cancelled")
			return nil
		}
		if err != nil {
			return err
		}
		if !l.opts.Debug && !l.opts.Listen {
			return nil
		}
		if l.opts.Listen {
			log.Println("waiting for changes, press ctrl-r to upload again or esc to quit")
		}

		var run func(context.Context) error
		if l.opts.Debug {
			run = l.cart.Debug
		}
		ev, err = l.wait(ctx, l.opts.Listen, run)
		if err != nil {
			return err
		}
		switch ev {
		case evReupload:
			log.Println("uploading again")
		case evChanged:
			log.Printf("%s changed, uploading again", l.path)
		default:
			return nil
		}
	}
}

// wait runs fn until it returns or an event occurs. A nil fn waits for events
// only. File changes and the reupload key are only reported if listen is set.
func (l *Listener) wait(ctx context.Context, listen bool, fn func(context.Context) error) (ev event, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if fn == nil {
			<-ctx.Done()
			return nil
		}
		defer cancel()
		return fn(ctx)
	})
	g.Go(func() error {
		ev = l.watch(ctx, listen)
		cancel()
		return nil
	})
	err = g.Wait()
	return ev, err
}

func (l *Listener) watch(ctx context.Context, listen bool) event {
	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()
	keys := l.keys
	for {
		select {
		case <-ctx.Done():
			return evNone
		case k, ok := <-keys:
			if !ok {
				keys = nil
				continue
			}
			switch {
			case k == terminal.KeyEscape:
				return evQuit
			case k == terminal.KeyReupload && listen:
				return evReupload
			}
		case <-ticker.C:
			if !listen {
				continue
			}
			fi, err := os.Stat(l.path)
			if err != nil {
				// Editors and build tools replace files non-atomically
				continue
			}
			if !fi.ModTime().Equal(l.modTime) {
				return evChanged
			}
		}
	}
}
