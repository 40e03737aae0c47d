package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/angleto/wacore/walog"
)

// WebSocketConfig configures the web client profile. Endpoint is the
// wss:// URL; Origin and Host are injected as fixed HTTP headers per
// spec.md §4.1/§6. Proxy is an optional HTTP proxy URL.
type WebSocketConfig struct {
	Endpoint string
	Origin   string
	Host     string
	Proxy    *url.URL
}

// WebSocket is the web client profile: RFC-6455 binary frames, with the
// wire's own 3-byte length prefix carried as the WebSocket message payload
// (the WebSocket framing itself does not replace FrameCodec — the service
// still expects length-prefixed frames inside each binary message so both
// profiles share the same NodeCodec/NoiseSession layer above).
type WebSocket struct {
	cfg WebSocketConfig
	log *walog.Backend

	mu     sync.Mutex
	conn   *websocket.Conn
	codec  FrameCodec
	pending [][]byte
	closed atomic.Bool

	onClose CloseListener
}

// NewWebSocket constructs a WebSocket profile transport.
func NewWebSocket(cfg WebSocketConfig, onClose CloseListener, log *walog.Backend) *WebSocket {
	return &WebSocket{cfg: cfg, onClose: onClose, log: log}
}

func (w *WebSocket) Connect(ctx context.Context) error {
	dialer := &websocket.Dialer{
		// The service keeps the connection alive at the application layer
		// (see spec.md §4.1); disable the library's own idle handling by
		// leaving HandshakeTimeout at the library default and never
		// installing a read deadline.
		Proxy: http.ProxyURL(w.cfg.Proxy),
	}
	header := http.Header{}
	header.Set("Origin", w.cfg.Origin)
	header.Set("Host", w.cfg.Host)

	conn, _, err := dialer.DialContext(ctx, w.cfg.Endpoint, header)
	if err != nil {
		return fmt.Errorf("transport: websocket dial: %w", err)
	}
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	return nil
}

func (w *WebSocket) Send(payload []byte) error {
	if w.closed.Load() {
		return ErrClosed
	}
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		w.fail(err)
		return err
	}
	return nil
}

func (w *WebSocket) Recv() ([]byte, error) {
	if f, ok := w.popPending(); ok {
		return f, nil
	}
	for {
		if w.closed.Load() {
			return nil, ErrClosed
		}
		w.mu.Lock()
		conn := w.conn
		w.mu.Unlock()
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			w.fail(err)
			return nil, err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		frames, err := w.codec.Feed(data)
		if err != nil {
			w.fail(err)
			return nil, err
		}
		if len(frames) == 0 {
			continue
		}
		if len(frames) > 1 {
			w.mu.Lock()
			w.pending = append(w.pending, frames[1:]...)
			w.mu.Unlock()
		}
		return frames[0], nil
	}
}

func (w *WebSocket) popPending() ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return nil, false
	}
	f := w.pending[0]
	w.pending = w.pending[1:]
	return f, true
}

func (w *WebSocket) fail(cause error) {
	if w.closed.CompareAndSwap(false, true) {
		if w.onClose != nil {
			w.onClose.OnClose(cause)
		}
	}
}

func (w *WebSocket) Close() error {
	w.closed.Store(true)
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
