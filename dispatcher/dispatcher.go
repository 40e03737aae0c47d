// Package dispatcher multiplexes the single decoded-node stream a session
// receives into pending iq replies, the message decryption pipeline, and the
// receipt/notification/call handlers, per spec.md §4.6.
package dispatcher

import (
	"context"
	"fmt"

	"gopkg.in/op/go-logging.v1"

	"github.com/angleto/wacore/binary"
	"github.com/angleto/wacore/signal"
	"github.com/angleto/wacore/store"
	"github.com/angleto/wacore/waerror"
	"github.com/angleto/wacore/walog"
)

// SendFunc pushes an already-encoded node out through the session's
// transport/codec stack. Dispatcher never touches the wire directly.
type SendFunc func(ctx context.Context, n *binary.Node) error

// Handlers groups the callbacks a session wires in for node kinds the
// Dispatcher itself does not decrypt or interpret. OnNewChat and
// OnHistorySyncComplete are narrower than Notification: the dispatcher
// itself recognizes history-sync and push-name notification chunks and
// drives them through its idle-finalization timer (spec.md §8 scenario F)
// rather than handing them to the generic Notification callback.
type Handlers struct {
	Receipt      func(n *binary.Node)
	Notification func(n *binary.Node)
	Call         func(n *binary.Node)

	OnNewChat             func(chatJID string)
	OnHistorySyncComplete func()
}

// Dispatcher routes every decoded node arriving off the wire, grounded on
// the teacher's client2/daemon.go top-level command-dispatch switch.
type Dispatcher struct {
	router      *RequestRouter
	pipeline    *MessagePipeline
	handlers    Handlers
	send        SendFunc
	historySync *historySyncAssembler

	errSink waerror.Sink
	log     *logging.Logger
}

// NewPipelineFor wires a MessagePipeline whose decrypt-failure hook feeds
// Dispatcher's retry-receipt stub, so callers don't need to wire that
// plumbing themselves.
func NewPipelineFor(d *Dispatcher, signalStore *signal.SignalSessionStore, preKeys signal.PreKeyLookup, sink store.MessageSink, log *logging.Logger) *MessagePipeline {
	return NewMessagePipeline(signalStore, preKeys, sink, d.retryReceipt, log)
}

func New(router *RequestRouter, handlers Handlers, send SendFunc, errSink waerror.Sink, backend *walog.Backend) *Dispatcher {
	d := &Dispatcher{
		router:   router,
		handlers: handlers,
		send:     send,
		errSink:  backend.ErrorReporter("wacore/dispatcher", errSink),
		historySync: newHistorySyncAssembler(HistorySyncCallbacks{
			OnNewChat:  handlers.OnNewChat,
			OnComplete: handlers.OnHistorySyncComplete,
		}),
	}
	if backend != nil {
		d.log = backend.GetLogger("wacore/dispatcher")
	}
	return d
}

// SetPipeline attaches the message decryption pipeline once constructed;
// separated from New because the pipeline's decrypt-failure hook needs a
// reference to this Dispatcher (see NewPipelineFor).
func (d *Dispatcher) SetPipeline(p *MessagePipeline) {
	d.pipeline = p
}

// Close cancels the history-sync idle-finalization timer, if one is armed,
// so it never fires after the owning session has shut down.
func (d *Dispatcher) Close() {
	d.historySync.close()
}

// Handle routes a single decoded node. It never returns an error: per
// spec.md §7, protocol-level problems here are scoped to the one node, not
// fatal to the session, and are reported via the error sink for visibility.
func (d *Dispatcher) Handle(ctx context.Context, n *binary.Node) {
	if n == nil {
		return
	}

	switch n.Tag {
	case "iq":
		d.handleIQ(n)
	case "message":
		d.handleMessage(ctx, n)
	case "receipt":
		d.invokeAndAck(ctx, n, d.handlers.Receipt)
	case "notification":
		d.handleNotification(ctx, n)
	case "call":
		d.invokeAndAck(ctx, n, d.handlers.Call)
	case "ack":
		// acks never trigger a reply ack of their own.
	default:
		d.reportf(waerror.KindProtocolError, "dispatcher: dropping unknown node tag %q", n.Tag)
	}
}

func (d *Dispatcher) handleIQ(n *binary.Node) {
	id := n.GetAttr("id")
	if id == "" {
		d.reportf(waerror.KindProtocolError, "dispatcher: iq node missing id attribute")
		return
	}
	if !d.router.Complete(n) {
		d.reportf(waerror.KindProtocolError, "dispatcher: iq id %q matched no pending request", id)
	}
}

func (d *Dispatcher) handleMessage(ctx context.Context, n *binary.Node) {
	if d.pipeline != nil {
		d.pipeline.Handle(ctx, n)
	}
	d.sendReceipt(ctx, n)
	d.ack(ctx, n)
}

// handleNotification recognizes the history-sync and push-name chunk types
// spec.md §8 scenario F names and routes them to the idle-finalization
// assembler instead of the generic Notification callback; every other
// notification type still reaches Handlers.Notification unchanged.
func (d *Dispatcher) handleNotification(ctx context.Context, n *binary.Node) {
	switch n.GetAttr("type") {
	case "history_sync", "push_name":
		d.historySync.handle(n)
	default:
		if d.handlers.Notification != nil {
			d.handlers.Notification(n)
		}
	}
	d.ack(ctx, n)
}

// sendReceipt always fires, independent of decryption outcome, per spec.md
// §4.6 step 4. The receipt type narrows for self-origin and offline cases;
// the ordinary case is a plain delivery receipt.
func (d *Dispatcher) sendReceipt(ctx context.Context, n *binary.Node) {
	if d.send == nil {
		return
	}
	id := n.GetAttr("id")
	if id == "" {
		return
	}

	receiptType := "delivery"
	if n.GetAttr("self") == "true" {
		receiptType = "sender"
	} else if n.GetAttr("offline") == "true" {
		receiptType = "inactive"
	}

	receipt := &binary.Node{
		Tag: "receipt",
		Attrs: binary.Attributes{
			"id":   id,
			"to":   n.GetAttr("from"),
			"type": receiptType,
		},
	}
	if participant := n.GetAttr("participant"); participant != "" {
		receipt.Attrs["participant"] = participant
	}

	if err := d.send(ctx, receipt); err != nil {
		d.reportf(waerror.KindTransport, "dispatcher: send receipt for %q: %v", id, err)
	}
}

// retryReceipt logs the stub spec.md §4.6 allows in place of a real
// <receipt type="retry"> round-trip.
func (d *Dispatcher) retryReceipt(id string, cause error) {
	if d.log != nil {
		d.log.Debugf("dispatcher: would emit retry receipt for %q: %v", id, cause)
	}
}

func (d *Dispatcher) invokeAndAck(ctx context.Context, n *binary.Node, handler func(*binary.Node)) {
	if handler != nil {
		handler(n)
	}
	d.ack(ctx, n)
}

func (d *Dispatcher) ack(ctx context.Context, n *binary.Node) {
	if d.send == nil {
		return
	}
	id := n.GetAttr("id")
	if id == "" {
		return
	}
	ackNode := &binary.Node{
		Tag: "ack",
		Attrs: binary.Attributes{
			"id":    id,
			"to":    n.GetAttr("from"),
			"class": n.Tag,
		},
	}
	if err := d.send(ctx, ackNode); err != nil {
		d.reportf(waerror.KindTransport, "dispatcher: send ack for %q: %v", id, err)
	}
}

// reportf classifies and forwards a formatted error. Logging happens once,
// inside errSink (see walog.Backend.ErrorReporter), not here.
func (d *Dispatcher) reportf(kind waerror.Kind, format string, args ...interface{}) {
	if d.errSink != nil {
		d.errSink.OnError(waerror.New(kind, fmt.Errorf(format, args...)))
	}
}
