// Package console is the terminal presentation layer: a single goroutine
// that plays the UI thread, and a notifier that prints toasts.
package console

import (
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
)

// Dispatcher runs queued funcs one at a time, in order, on its own goroutine.
// Dispatch never blocks.
type Dispatcher struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	closed  bool
	done    chan struct{}
	started sync.Once
}

var _ core.Dispatcher = (*Dispatcher)(nil)

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (d *Dispatcher) Start() {
	d.started.Do(func() { go d.loop() })
}

func (d *Dispatcher) Dispatch(fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Close runs what is already queued, then stops the loop.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.Start()
	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.done
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		for _, fn := range batch {
			d.run(fn)
		}
		if closed && len(batch) == 0 {
			return
		}
		if len(batch) == 0 {
			<-d.wake
		}
	}
}

func (d *Dispatcher) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "console").Interface("panic", r).Msg("dispatched func panicked")
		}
	}()
	fn()
}

// Notifier logs each message and prints it as a toast line.
type Notifier struct {
	mu  sync.Mutex
	out io.Writer
}

var _ core.Notifier = (*Notifier)(nil)

func NewNotifier(out io.Writer) *Notifier {
	return &Notifier{out: out}
}

func (n *Notifier) Notify(msg string) {
	log.Info().Str("module", "console").Str("toast", msg).Msg("notify")
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintf(n.out, "* %s\n", msg)
}
