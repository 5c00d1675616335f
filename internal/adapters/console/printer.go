package console

import (
	"fmt"
	"io"
	"sync"

	"github.com/dkeye/peercall/internal/core"
)

// Printer writes call events a user cares about as plain lines.
type Printer struct {
	mu     sync.Mutex
	out    io.Writer
	unsubs []func()
}

func Attach(bus *core.Bus, out io.Writer) *Printer {
	p := &Printer{out: out}
	kinds := []core.EventKind{
		core.EventChatMessage,
		core.EventConnected,
		core.EventConnectFailed,
		core.EventPublished,
		core.EventPeerReachable,
		core.EventStreamProcessing,
		core.EventSendFailed,
		core.EventTimerStopped,
	}
	for _, k := range kinds {
		p.unsubs = append(p.unsubs, bus.Subscribe(k, p.print))
	}
	return p
}

func (p *Printer) Detach() {
	for _, u := range p.unsubs {
		u()
	}
	p.unsubs = nil
}

func (p *Printer) print(ev core.Event) {
	line := format(ev)
	if line == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, line)
}

func format(ev core.Event) string {
	switch ev.Kind {
	case core.EventChatMessage:
		return fmt.Sprintf("<%s> %s", ev.PeerID, ev.Message)
	case core.EventConnected:
		return fmt.Sprintf("-- logged in as %s", ev.PeerID)
	case core.EventConnectFailed:
		return fmt.Sprintf("-- connect failed (attempt %d): %v", ev.Attempt, ev.Err)
	case core.EventPublished:
		if ev.Err != nil {
			return fmt.Sprintf("-- publish to %s failed: %v", ev.PeerID, ev.Err)
		}
		return fmt.Sprintf("-- publishing %s to %s", ev.StreamID, ev.PeerID)
	case core.EventPeerReachable:
		return fmt.Sprintf("-- %s is reachable", ev.PeerID)
	case core.EventStreamProcessing:
		return fmt.Sprintf("-- %s is preparing its stream", ev.PeerID)
	case core.EventSendFailed:
		if ev.Timer != "" {
			return ""
		}
		return fmt.Sprintf("-- not sent: %v", ev.Err)
	case core.EventTimerStopped:
		return fmt.Sprintf("-- %s retry stopped (%s)", ev.Timer, ev.Reason)
	}
	return ""
}
