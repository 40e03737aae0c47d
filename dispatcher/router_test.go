package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/angleto/wacore/binary"
)

func TestRequestRouterCompletesPendingWaiter(t *testing.T) {
	r := NewRequestRouter(nil)

	id, err := NewRequestID()
	require.NoError(t, err)
	require.Len(t, id, 16)

	go func() {
		time.Sleep(10 * time.Millisecond)
		ok := r.Complete(&binary.Node{Tag: "iq", Attrs: binary.Attributes{"id": id}})
		require.True(t, ok)
	}()

	reply, err := r.Send(id, 2*time.Second, func() error { return nil })
	require.NoError(t, err)
	require.Equal(t, id, reply.GetAttr("id"))
}

func TestRequestRouterTimesOut(t *testing.T) {
	r := NewRequestRouter(nil)
	id, err := NewRequestID()
	require.NoError(t, err)

	_, err = r.Send(id, 20*time.Millisecond, func() error { return nil })
	require.Error(t, err)
}

func TestRequestRouterCloseAllFailsPendingWaiters(t *testing.T) {
	r := NewRequestRouter(nil)
	id, err := NewRequestID()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, sendErr := r.Send(id, 2*time.Second, func() error { return nil })
		done <- sendErr
	}()

	time.Sleep(10 * time.Millisecond)
	r.CloseAll()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Send did not unblock after CloseAll")
	}
}

func TestRequestRouterCompleteUnknownIDReturnsFalse(t *testing.T) {
	r := NewRequestRouter(nil)
	require.False(t, r.Complete(&binary.Node{Tag: "iq", Attrs: binary.Attributes{"id": "nope"}}))
}
