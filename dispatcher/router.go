package dispatcher

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/angleto/wacore/binary"
	"github.com/angleto/wacore/waerror"
	"github.com/angleto/wacore/walog"
)

// DefaultRequestTimeout is the 60s default iq round-trip bound spec.md §4.6
// names, overridable per call.
const DefaultRequestTimeout = 60 * time.Second

type pendingRequest struct {
	reply chan *binary.Node
}

// RequestRouter correlates outbound iq nodes with their inbound replies by
// id, the same pending-map-keyed-by-id/complete-exactly-once/fail-on-timeout
// shape as the teacher's ARQ SURB map (client2/arq.go).
type RequestRouter struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest

	log *logging.Logger
}

func NewRequestRouter(backend *walog.Backend) *RequestRouter {
	r := &RequestRouter{pending: make(map[string]*pendingRequest)}
	if backend != nil {
		r.log = backend.GetLogger("wacore/dispatcher")
	}
	return r
}

// NewRequestID returns a fresh 16-hex-char random id, per spec.md §4.6.
func NewRequestID() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("dispatcher: generate request id: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// Send registers a pending waiter for id BEFORE calling sendFn, so a reply
// racing the send itself is never missed, then blocks up to timeout (0 uses
// DefaultRequestTimeout) for the matching inbound iq.
func (r *RequestRouter) Send(id string, timeout time.Duration, sendFn func() error) (*binary.Node, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	pr := &pendingRequest{reply: make(chan *binary.Node, 1)}
	r.mu.Lock()
	r.pending[id] = pr
	r.mu.Unlock()

	if err := sendFn(); err != nil {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
		return nil, err
	}

	select {
	case reply, ok := <-pr.reply:
		if !ok {
			return nil, waerror.New(waerror.KindSessionClosed, fmt.Errorf("dispatcher: session closed while awaiting iq %s", id))
		}
		return reply, nil
	case <-time.After(timeout):
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
		return nil, waerror.New(waerror.KindRequestTimeout, fmt.Errorf("dispatcher: iq %s timed out after %s", id, timeout))
	}
}

// Complete delivers node to the waiter registered under node's "id"
// attribute, reporting whether one was found.
func (r *RequestRouter) Complete(node *binary.Node) bool {
	id := node.GetAttr("id")
	if id == "" {
		return false
	}
	r.mu.Lock()
	pr, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	pr.reply <- node
	return true
}

// CloseAll fails every pending waiter with KindSessionClosed, called once on
// session shutdown so no goroutine blocks forever on a reply that will never
// arrive.
func (r *RequestRouter) CloseAll() {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]*pendingRequest)
	r.mu.Unlock()

	for _, pr := range pending {
		close(pr.reply)
	}
}
