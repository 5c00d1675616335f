package supervisor

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dkeye/peercall/internal/domain"
)

type Kind int

const (
	Stream Kind = iota
	Ping
	numKinds
)

func (k Kind) String() string {
	switch k {
	case Stream:
		return "stream"
	case Ping:
		return "ping"
	default:
		return "unknown"
	}
}

// retryTimer is one periodic resend obligation. It is owned by the
// supervisor; cancelled is guarded by Supervisor.mu. firing is held while a
// tick runs on the worker.
type retryTimer struct {
	kind     Kind
	message  domain.Control
	interval time.Duration
	ticker   *clock.Ticker

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	firing   sync.Mutex

	cancelled bool
}

func newRetryTimer(k Kind, msg domain.Control, interval time.Duration, clk clock.Clock) *retryTimer {
	return &retryTimer{
		kind:     k,
		message:  msg,
		interval: interval,
		ticker:   clk.Ticker(interval),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (t *retryTimer) signalStop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// settle waits for a tick that is running on the worker to finish.
func (t *retryTimer) settle() {
	t.firing.Lock()
	t.firing.Unlock()
}
