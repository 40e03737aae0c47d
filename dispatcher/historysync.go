package dispatcher

import (
	"sync"
	"time"

	"github.com/angleto/wacore/binary"
)

// historySyncIdleTimeout is the "history-sync chunk assembly = 10 s idle"
// bound spec.md §5 names: a sync is finalized once no further history-sync
// or push-name chunk has arrived for this long.
const historySyncIdleTimeout = 10 * time.Second

// HistorySyncCallbacks are invoked as history-sync notification chunks
// arrive, per spec.md §8 scenario F: a chunk enumerating N chats fires
// OnNewChat N times, and OnComplete fires once, after the idle timeout
// following the last chunk of any kind.
type HistorySyncCallbacks struct {
	OnNewChat  func(chatJID string)
	OnComplete func()
}

// historySyncAssembler tracks progress across the notification chunks a
// single history sync spreads over. Grounded on the original source's
// HistorySyncHandler.scheduleTimeoutSync: every chunk cancels and reschedules
// a single idle timer, so completion fires exactly once, well after the
// bursty run of chunks a fresh login produces.
type historySyncAssembler struct {
	callbacks HistorySyncCallbacks
	idle      time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

func newHistorySyncAssembler(callbacks HistorySyncCallbacks) *historySyncAssembler {
	return newHistorySyncAssemblerWithIdle(callbacks, historySyncIdleTimeout)
}

func newHistorySyncAssemblerWithIdle(callbacks HistorySyncCallbacks, idle time.Duration) *historySyncAssembler {
	return &historySyncAssembler{callbacks: callbacks, idle: idle}
}

// handle processes one chunk: every <chat> child fires OnNewChat, then the
// idle timer is (re)armed.
func (a *historySyncAssembler) handle(n *binary.Node) {
	if a.callbacks.OnNewChat != nil {
		for _, child := range n.Children() {
			if child.Tag == "chat" {
				a.callbacks.OnNewChat(child.GetAttr("jid"))
			}
		}
	}
	a.arm()
}

func (a *historySyncAssembler) arm() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.idle, a.finalize)
}

func (a *historySyncAssembler) finalize() {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}
	if a.callbacks.OnComplete != nil {
		a.callbacks.OnComplete()
	}
}

// close cancels any pending idle timer so completion never fires after the
// owning session has shut down.
func (a *historySyncAssembler) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	if a.timer != nil {
		a.timer.Stop()
	}
}
