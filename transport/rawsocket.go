package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/angleto/wacore/walog"
)

// RawSocket is the mobile client profile: a plain TCP connection with
// SO_KEEPALIVE, framed with FrameCodec's 3-byte length prefix.
type RawSocket struct {
	addr string
	log  *walog.Backend

	mu      sync.Mutex
	conn    *net.TCPConn
	codec   FrameCodec
	pending [][]byte
	closed  atomic.Bool

	onClose CloseListener
}

// NewRawSocket constructs a RawSocket profile dialing addr ("host:port").
func NewRawSocket(addr string, onClose CloseListener, log *walog.Backend) *RawSocket {
	return &RawSocket{addr: addr, onClose: onClose, log: log}
}

func (r *RawSocket) Connect(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return fmt.Errorf("transport: raw socket dial: %w", err)
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return fmt.Errorf("transport: raw socket dial: unexpected conn type %T", conn)
	}
	if err := tcpConn.SetKeepAlive(true); err != nil {
		tcpConn.Close()
		return fmt.Errorf("transport: enabling keepalive: %w", err)
	}
	r.mu.Lock()
	r.conn = tcpConn
	r.mu.Unlock()
	return nil
}

func (r *RawSocket) Send(payload []byte) error {
	if r.closed.Load() {
		return ErrClosed
	}
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if _, err := conn.Write(frame); err != nil {
		r.fail(err)
		return err
	}
	return nil
}

// Recv returns exactly one decoded frame payload per call, queuing any
// additional frames decoded from the same underlying read for the next
// call.
func (r *RawSocket) Recv() ([]byte, error) {
	if f, ok := r.popPending(); ok {
		return f, nil
	}
	for {
		if r.closed.Load() {
			return nil, ErrClosed
		}
		chunk := make([]byte, 65536)
		r.mu.Lock()
		conn := r.conn
		r.mu.Unlock()
		n, err := conn.Read(chunk)
		if err != nil {
			r.fail(err)
			return nil, err
		}
		frames, err := r.codec.Feed(chunk[:n])
		if err != nil {
			r.fail(err)
			return nil, err
		}
		if len(frames) == 0 {
			continue
		}
		if len(frames) > 1 {
			r.mu.Lock()
			r.pending = append(r.pending, frames[1:]...)
			r.mu.Unlock()
		}
		return frames[0], nil
	}
}

func (r *RawSocket) popPending() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return nil, false
	}
	f := r.pending[0]
	r.pending = r.pending[1:]
	return f, true
}

func (r *RawSocket) fail(cause error) {
	if r.closed.CompareAndSwap(false, true) {
		if r.onClose != nil {
			r.onClose.OnClose(cause)
		}
	}
}

func (r *RawSocket) Close() error {
	r.closed.Store(true)
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
