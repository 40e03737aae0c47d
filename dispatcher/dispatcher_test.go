package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/angleto/wacore/binary"
	"github.com/angleto/wacore/waerror"
)

const defaultTestTimeout = 2 * time.Second

type recordingSender struct {
	sent []*binary.Node
}

func (s *recordingSender) send(_ context.Context, n *binary.Node) error {
	s.sent = append(s.sent, n)
	return nil
}

func TestDispatcherCompletesPendingIQ(t *testing.T) {
	router := NewRequestRouter(nil)
	sender := &recordingSender{}
	d := New(router, Handlers{}, sender.send, nil, nil)

	id, err := NewRequestID()
	require.NoError(t, err)

	done := make(chan *binary.Node, 1)
	registered := make(chan struct{})
	go func() {
		reply, sendErr := router.Send(id, defaultTestTimeout, func() error {
			// Send registers the waiter before calling sendFn.
			close(registered)
			return nil
		})
		require.NoError(t, sendErr)
		done <- reply
	}()

	<-registered
	d.Handle(context.Background(), &binary.Node{Tag: "iq", Attrs: binary.Attributes{"id": id}})

	reply := <-done
	require.Equal(t, id, reply.GetAttr("id"))
}

func TestDispatcherSendsReceiptForMessageRegardlessOfPipeline(t *testing.T) {
	router := NewRequestRouter(nil)
	sender := &recordingSender{}
	d := New(router, Handlers{}, sender.send, nil, nil)

	msg := &binary.Node{Tag: "message", Attrs: binary.Attributes{"id": "abc123", "from": "alice@s.whatsapp.net"}}
	d.Handle(context.Background(), msg)

	require.Len(t, sender.sent, 2)
	require.Equal(t, "receipt", sender.sent[0].Tag)
	require.Equal(t, "abc123", sender.sent[0].GetAttr("id"))
	require.Equal(t, "delivery", sender.sent[0].GetAttr("type"))
	require.Equal(t, "ack", sender.sent[1].Tag)
	require.Equal(t, "abc123", sender.sent[1].GetAttr("id"))
	require.Equal(t, "message", sender.sent[1].GetAttr("class"))
}

func TestDispatcherReceiptInvokesHandlerThenAcks(t *testing.T) {
	router := NewRequestRouter(nil)
	sender := &recordingSender{}
	var invoked bool
	handlers := Handlers{Receipt: func(n *binary.Node) { invoked = true }}
	d := New(router, handlers, sender.send, nil, nil)

	d.Handle(context.Background(), &binary.Node{Tag: "receipt", Attrs: binary.Attributes{"id": "r1", "from": "bob@s.whatsapp.net"}})

	require.True(t, invoked)
	require.Len(t, sender.sent, 1)
	require.Equal(t, "ack", sender.sent[0].Tag)
	require.Equal(t, "receipt", sender.sent[0].GetAttr("class"))
}

func TestDispatcherAckNeverReAcked(t *testing.T) {
	router := NewRequestRouter(nil)
	sender := &recordingSender{}
	d := New(router, Handlers{}, sender.send, nil, nil)

	d.Handle(context.Background(), &binary.Node{Tag: "ack", Attrs: binary.Attributes{"id": "a1"}})

	require.Empty(t, sender.sent)
}

func TestDispatcherHistorySyncChunksFireNewChatThenComplete(t *testing.T) {
	router := NewRequestRouter(nil)
	sender := &recordingSender{}

	var newChats []string
	complete := make(chan struct{}, 1)
	handlers := Handlers{
		OnNewChat: func(jid string) { newChats = append(newChats, jid) },
		OnHistorySyncComplete: func() {
			complete <- struct{}{}
		},
	}
	d := New(router, handlers, sender.send, nil, nil)
	d.historySync = newHistorySyncAssemblerWithIdle(HistorySyncCallbacks{
		OnNewChat:  handlers.OnNewChat,
		OnComplete: handlers.OnHistorySyncComplete,
	}, 20*time.Millisecond)
	defer d.Close()

	chunk := &binary.Node{
		Tag:   "notification",
		Attrs: binary.Attributes{"id": "hs1", "from": "s.whatsapp.net", "type": "history_sync"},
		Content: []binary.Node{
			{Tag: "chat", Attrs: binary.Attributes{"jid": "alice@s.whatsapp.net"}},
			{Tag: "chat", Attrs: binary.Attributes{"jid": "bob@s.whatsapp.net"}},
		},
	}
	d.Handle(context.Background(), chunk)

	require.Equal(t, []string{"alice@s.whatsapp.net", "bob@s.whatsapp.net"}, newChats)
	require.Len(t, sender.sent, 1)
	require.Equal(t, "ack", sender.sent[0].Tag)
	require.Equal(t, "notification", sender.sent[0].GetAttr("class"))

	select {
	case <-complete:
	case <-time.After(defaultTestTimeout):
		t.Fatal("OnHistorySyncComplete never fired after idle timeout")
	}
}

func TestDispatcherOrdinaryNotificationSkipsHistorySync(t *testing.T) {
	router := NewRequestRouter(nil)
	sender := &recordingSender{}
	var invoked bool
	handlers := Handlers{
		Notification: func(n *binary.Node) { invoked = true },
		OnNewChat:    func(string) { t.Fatal("OnNewChat must not fire for a non-history-sync notification") },
	}
	d := New(router, handlers, sender.send, nil, nil)
	defer d.Close()

	d.Handle(context.Background(), &binary.Node{Tag: "notification", Attrs: binary.Attributes{"id": "n1", "type": "encrypt"}})

	require.True(t, invoked)
	require.Len(t, sender.sent, 1)
	require.Equal(t, "ack", sender.sent[0].Tag)
}

func TestDispatcherUnknownTagReported(t *testing.T) {
	router := NewRequestRouter(nil)
	sender := &recordingSender{}
	var reported []*waerror.Error
	sink := waerror.SinkFunc(func(e *waerror.Error) {
		reported = append(reported, e)
	})
	d := New(router, Handlers{}, sender.send, sink, nil)

	d.Handle(context.Background(), &binary.Node{Tag: "mystery"})

	require.Len(t, reported, 1)
	require.Equal(t, waerror.KindProtocolError, reported[0].Kind)
}
