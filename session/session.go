// Package session wires Transport, NoiseSession, NodeCodec, Dispatcher, and
// AppStateEngine into the single cooperative reader / single writer model
// spec.md §5 describes, grounded on the teacher's client2/daemon.go and
// client2/connection.go top-level lifecycle.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/angleto/wacore/appstate"
	"github.com/angleto/wacore/binary"
	"github.com/angleto/wacore/dispatcher"
	"github.com/angleto/wacore/jid"
	"github.com/angleto/wacore/noise"
	"github.com/angleto/wacore/signal"
	"github.com/angleto/wacore/store"
	"github.com/angleto/wacore/transport"
	"github.com/angleto/wacore/waerror"
	"github.com/angleto/wacore/walog"
)

// ErrClosed is returned by any Session method invoked after Close.
var ErrClosed = errors.New("session: closed")

const (
	messageQueueSize  = 256
	appstateQueueSize = 32
)

// Config gathers every collaborator a Session needs. Fields left nil/zero
// use the documented default.
type Config struct {
	Transport transport.Transport
	Noise     noise.Config

	Self jid.Jid

	SignalStore  *signal.SignalSessionStore
	PreKeyLookup signal.PreKeyLookup

	Keys        store.KeyStore
	Blobs       store.BlobStore
	Sink        store.MessageSink
	KeyResolver appstate.KeyResolver

	Handlers dispatcher.Handlers

	// OnError is invoked for every classified error the session produces.
	// For fatal kinds (Transport, HandshakeFailure, SessionClosed) the
	// session starts closing right after this callback returns.
	OnError func(*waerror.Error)

	Backend *walog.Backend
}

// Session is the top-level orchestration object. Exactly one reader
// goroutine and one writer critical section exist per Session; the
// message_queue and appstate_queue workers are the only other goroutines
// it owns (spec.md §5).
type Session struct {
	cfg Config

	transport transport.Transport
	noiseSess *noise.NoiseSession
	dispatch  *dispatcher.Dispatcher
	router    *dispatcher.RequestRouter
	appstate  *appstate.Engine

	log *logging.Logger

	connID string

	writeMu sync.Mutex

	messageQueue  chan func()
	appstateQueue chan func()
	halt          chan struct{}
	wg            sync.WaitGroup

	closed atomic.Bool
}

func newConnID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

// New constructs a Session wiring every collaborator together, but does not
// start the connection; call Connect to dial, handshake, and begin the
// reader/worker loops.
func New(cfg Config) *Session {
	s := &Session{
		cfg:           cfg,
		transport:     cfg.Transport,
		messageQueue:  make(chan func(), messageQueueSize),
		appstateQueue: make(chan func(), appstateQueueSize),
		halt:          make(chan struct{}),
		connID:        newConnID(),
	}
	if cfg.Backend != nil {
		s.log = cfg.Backend.GetLogger("wacore/session")
	}

	s.noiseSess = noise.New(cfg.Noise, cfg.Backend)
	s.router = dispatcher.NewRequestRouter(cfg.Backend)

	errSink := cfg.Backend.ErrorReporter("wacore/session", waerror.SinkFunc(func(e *waerror.Error) {
		s.reportError(e)
	}))

	s.dispatch = dispatcher.New(s.router, cfg.Handlers, s.sendNode, errSink, cfg.Backend)
	if cfg.SignalStore != nil {
		pipeline := dispatcher.NewPipelineFor(s.dispatch, cfg.SignalStore, cfg.PreKeyLookup, cfg.Sink, s.log)
		s.dispatch.SetPipeline(pipeline)
	}

	loader := &iqPatchLoader{session: s}
	s.appstate = appstate.NewEngine(cfg.Keys, cfg.Blobs, loader, cfg.KeyResolver, errSink, cfg.Backend)

	return s
}

// reportError forwards a classified error to the caller's callback and
// closes the session for fatal kinds, per spec.md §7's propagation rule.
// Errors arriving through errSink (from the dispatcher and app-state engine)
// were already logged there (see walog.Backend.ErrorReporter); errors the
// session raises itself in failConnect and readLoop are not logged.
func (s *Session) reportError(e *waerror.Error) {
	if s.cfg.OnError != nil {
		s.cfg.OnError(e)
	}
	if e.Kind.Fatal() {
		// initiateClose, not Close: this runs on the reader or a queue
		// worker goroutine, both members of s.wg: waiting here for their
		// own exit would deadlock.
		s.initiateClose()
	}
}

// Connect dials the transport, runs the Noise_XX handshake to completion,
// and starts the reader and worker goroutines. The registration bundle or
// resume JID encrypted into ClientFinish (spec.md §4.2 step 6) is set once,
// via Config.Noise.IdentityPayload, before New is called.
func (s *Session) Connect(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}

	if err := s.transport.Connect(ctx); err != nil {
		return s.failConnect(waerror.New(waerror.KindTransport, err))
	}

	hello, err := s.noiseSess.StartHandshake()
	if err != nil {
		return s.failConnect(err)
	}
	if err := s.transport.Send(hello); err != nil {
		return s.failConnect(waerror.New(waerror.KindTransport, err))
	}

	serverHelloFrame, err := s.transport.Recv()
	if err != nil {
		return s.failConnect(waerror.New(waerror.KindTransport, err))
	}

	finish, err := s.noiseSess.ProcessServerHello(serverHelloFrame)
	if err != nil {
		return s.failConnect(err)
	}
	if err := s.transport.Send(finish); err != nil {
		return s.failConnect(waerror.New(waerror.KindTransport, err))
	}
	if err := s.noiseSess.FinishHandshake(); err != nil {
		return s.failConnect(waerror.New(waerror.KindHandshakeFailure, err))
	}

	s.wg.Add(3)
	go s.readLoop()
	go s.messageWorker()
	go s.appstateWorker()

	return nil
}

func (s *Session) failConnect(err error) error {
	var wErr *waerror.Error
	if !errors.As(err, &wErr) {
		wErr = waerror.New(waerror.KindHandshakeFailure, err)
	}
	s.reportError(wErr)
	return wErr
}

// readLoop is the single logical recv -> decrypt -> decode -> dispatch task;
// it never invokes a user callback directly, handing every decoded node to
// messageQueue instead (spec.md §5).
func (s *Session) readLoop() {
	defer s.wg.Done()
	connID := s.connID
	for {
		select {
		case <-s.halt:
			return
		default:
		}

		frame, err := s.transport.Recv()
		if err != nil {
			s.reportError(waerror.New(waerror.KindTransport, err))
			return
		}

		plaintext, err := s.noiseSess.DecryptFrame(frame)
		if err != nil {
			var wErr *waerror.Error
			if errors.As(err, &wErr) {
				s.reportError(wErr)
			} else {
				s.reportError(waerror.New(waerror.KindHandshakeFailure, err))
			}
			return
		}

		node, err := binary.Unmarshal(plaintext)
		if err != nil {
			s.reportError(waerror.New(waerror.KindProtocolError, err))
			continue
		}

		s.enqueueInbound(connID, node)
	}
}

// enqueueInbound hands the decoded node to message_queue so user callbacks
// invoked from Dispatcher.Handle never block the reader.
func (s *Session) enqueueInbound(connID string, node *binary.Node) {
	job := func() {
		if connID != s.connID {
			return
		}
		s.dispatch.Handle(context.Background(), node)
	}
	select {
	case s.messageQueue <- job:
	case <-s.halt:
	}
}

func (s *Session) messageWorker() {
	defer s.wg.Done()
	for {
		select {
		case job := <-s.messageQueue:
			job()
		case <-s.halt:
			return
		}
	}
}

func (s *Session) appstateWorker() {
	defer s.wg.Done()
	for {
		select {
		case job := <-s.appstateQueue:
			job()
		case <-s.halt:
			return
		}
	}
}

// sendNode serializes every outbound frame under a single writer mutex:
// encode, encrypt, frame, write, per spec.md §5's single-writer rule.
func (s *Session) sendNode(ctx context.Context, n *binary.Node) error {
	if s.closed.Load() {
		return ErrClosed
	}

	plaintext, err := binary.Marshal(n, false)
	if err != nil {
		return fmt.Errorf("session: marshal node: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ciphertext, err := s.noiseSess.EncryptFrame(plaintext)
	if err != nil {
		return waerror.New(waerror.KindHandshakeFailure, err)
	}
	if err := s.transport.Send(ciphertext); err != nil {
		return waerror.New(waerror.KindTransport, err)
	}
	return nil
}

// SendIQ sends n (which must carry a non-empty "id" attribute) and blocks
// for the matching reply, per spec.md §4.6's request/response correlation.
func (s *Session) SendIQ(ctx context.Context, n *binary.Node, timeout time.Duration) (*binary.Node, error) {
	id := n.GetAttr("id")
	if id == "" {
		return nil, fmt.Errorf("session: outbound iq missing id")
	}
	return s.router.Send(id, timeout, func() error {
		return s.sendNode(ctx, n)
	})
}

// PullAppState submits a pull for the named collections onto appstate_queue,
// serialized against every other push/pull the session issues.
func (s *Session) PullAppState(ctx context.Context, collections []string) error {
	return s.runOnAppstateQueue(func() error {
		return s.appstate.Pull(ctx, collections)
	})
}

// PushAppState submits local mutations for collection onto appstate_queue.
func (s *Session) PushAppState(ctx context.Context, collection string, mutations []appstate.Mutation) error {
	return s.runOnAppstateQueue(func() error {
		return s.appstate.Push(ctx, collection, mutations)
	})
}

func (s *Session) runOnAppstateQueue(fn func() error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	done := make(chan error, 1)
	job := func() { done <- fn() }
	select {
	case s.appstateQueue <- job:
	case <-s.halt:
		return ErrClosed
	}
	select {
	case err := <-done:
		return err
	case <-s.halt:
		return ErrClosed
	}
}

// initiateClose performs the state transition and collaborator teardown but
// never blocks on s.wg, so it is safe to call from any of the goroutines
// s.wg tracks.
func (s *Session) initiateClose() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.halt)
	s.router.CloseAll()
	s.dispatch.Close()
	s.appstate.Close()
	_ = s.transport.Close()
	_ = s.noiseSess.Close()
}

// Close transitions the session to CLOSED: pending iq waiters fail with
// KindSessionClosed, the transport, the queue workers and the app-state
// workers are stopped, and jobs still queued may be left unrun (spec.md §5's
// cancellation rule). The connection id is set once in New and Close does not
// change it. Close blocks until
// every worker goroutine has exited; callers must not invoke it from the
// reader or a queue worker (use the error-sink path there instead).
func (s *Session) Close() error {
	s.initiateClose()
	s.wg.Wait()
	return nil
}
