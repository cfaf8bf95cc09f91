// internal/competition/timers.go
package competition

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// pendingTimer is a deferred mailbox message. Cancelling it stops the clock timer and
// releases the goroutine waiting on it.
type pendingTimer struct {
	timer clockwork.Timer
	stop  chan struct{}
	once  sync.Once
}

func (pt *pendingTimer) cancel() {
	pt.once.Do(func() {
		pt.timer.Stop()
		close(pt.stop)
	})
}

// schedule posts the message built by build after d. The message carries its timer so
// the handler can tell a current timer from a stale one.
func (c *Coordinator) schedule(d time.Duration, build func(*pendingTimer) roomMsg) *pendingTimer {
	pt := &pendingTimer{
		timer: c.clock.NewTimer(d),
		stop:  make(chan struct{}),
	}
	msg := build(pt)
	go func() {
		select {
		case <-pt.timer.Chan():
			c.post(msg)
		case <-pt.stop:
		case <-c.done:
		}
	}()
	return pt
}
