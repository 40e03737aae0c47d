package dispatcher

import (
	"context"
	"fmt"

	"gopkg.in/op/go-logging.v1"

	"github.com/angleto/wacore/binary"
	"github.com/angleto/wacore/jid"
	"github.com/angleto/wacore/signal"
	"github.com/angleto/wacore/store"
	"github.com/angleto/wacore/waerror"
)

// MessagePipeline implements spec.md §4.6's inbound message flow: extract
// the `<enc>` children, decrypt each through the matching Signal surface,
// unpad, decode the application Message, and deliver it.
type MessagePipeline struct {
	signalStore *signal.SignalSessionStore
	preKeys     signal.PreKeyLookup
	sink        store.MessageSink

	// onDecryptFailure, if set, fires once per enc that fails to decrypt or
	// unpad so the caller can schedule spec.md §4.6's retry receipt stub.
	onDecryptFailure func(id string, cause error)

	log *logging.Logger
}

func NewMessagePipeline(signalStore *signal.SignalSessionStore, preKeys signal.PreKeyLookup, sink store.MessageSink, onDecryptFailure func(id string, cause error), log *logging.Logger) *MessagePipeline {
	return &MessagePipeline{signalStore: signalStore, preKeys: preKeys, sink: sink, onDecryptFailure: onDecryptFailure, log: log}
}

// unpad strips the spec.md §4.6 step-3 trailing pad: the last byte names the
// pad length (1..15), distinct from senderkey's internal PKCS7 block
// padding, which never surfaces past the Signal layer.
func unpad(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("dispatcher: empty plaintext, nothing to unpad")
	}
	padLen := int(plaintext[len(plaintext)-1])
	if padLen < 1 || padLen > 15 || padLen > len(plaintext) {
		return nil, fmt.Errorf("dispatcher: invalid pad length %d", padLen)
	}
	return plaintext[:len(plaintext)-padLen], nil
}

// Handle decrypts every <enc> child of a <message> node and dispatches the
// decoded application Message to the sink. It never returns an error for a
// single enc's decryption failure — those are logged and skipped so the
// delivery receipt still fires for the envelope as a whole.
func (p *MessagePipeline) Handle(ctx context.Context, node *binary.Node) {
	from, err := jid.Parse(node.GetAttr("from"))
	if err != nil {
		if p.log != nil {
			p.log.Warningf("dispatcher: message with unparseable from=%q: %v", node.GetAttr("from"), err)
		}
		return
	}
	participant := node.GetAttr("participant")
	id := node.GetAttr("id")

	for _, child := range node.Children() {
		if child.Tag != "enc" {
			continue
		}
		plaintext, err := p.decryptEnc(from, participant, &child)
		if err != nil {
			if p.log != nil {
				p.log.Warningf("dispatcher: dropping enc from %s (%s): %v", from, child.GetAttr("type"), err)
			}
			if p.onDecryptFailure != nil {
				p.onDecryptFailure(id, err)
			}
			continue
		}

		unpadded, err := unpad(plaintext)
		if err != nil {
			if p.log != nil {
				p.log.Warningf("dispatcher: unpad failed from %s: %v", from, err)
			}
			if p.onDecryptFailure != nil {
				p.onDecryptFailure(id, err)
			}
			continue
		}

		// unpadded is still protobuf-encoded application Message bytes; the
		// dozens of content-type variants it carries are decoded by the
		// caller's own generated types, not by this module (mirrors how
		// pkmsg/msg/skmsg stay opaque envelopes to everything above signal).
		if p.sink != nil {
			p.sink.OnMessage(from.String(), participant, unpadded)
		}
	}
}

func (p *MessagePipeline) decryptEnc(from jid.Jid, participant string, enc *binary.Node) ([]byte, error) {
	payload := enc.Bytes()
	switch signal.MessageKind(enc.GetAttr("type")) {
	case signal.KindPreKey:
		return p.signalStore.DecryptFromDevice(from, payload, signal.KindPreKey, p.preKeys)
	case signal.KindWhisper:
		return p.signalStore.DecryptFromDevice(from, payload, signal.KindWhisper, nil)
	case signal.KindSenderKey:
		if participant == "" {
			return nil, waerror.New(waerror.KindProtocolError, fmt.Errorf("dispatcher: skmsg without participant attribute"))
		}
		senderAD, err := jid.Parse(participant)
		if err != nil {
			return nil, waerror.New(waerror.KindProtocolError, fmt.Errorf("dispatcher: bad participant %q: %w", participant, err))
		}
		return p.signalStore.DecryptGroup(from.String(), senderAD.ADString(), payload)
	default:
		return nil, waerror.New(waerror.KindProtocolError, fmt.Errorf("dispatcher: unknown enc type %q", enc.GetAttr("type")))
	}
}
