// Package tcpserver implements the client-facing TCP listener: a bounded
// pool of sessions, each accumulating bytes from its connection into a
// buffer that the cooperative Tick loop later hands off to the bridge
// coordinator, one request at a time. Reading off the wire runs on its own
// per-connection goroutine (an event-driven callback, per §5); no protocol
// work happens there.
package tcpserver

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/kestrelgrid/invbridge/internal/crcbyte"
	"github.com/kestrelgrid/invbridge/internal/metrics"
	"github.com/kestrelgrid/invbridge/internal/tcpcodec"
)

// RequestHandler is the subset of *bridge.Coordinator the listener depends
// on, narrowed to an interface for testability.
type RequestHandler interface {
	ProcessClientBytes(b []byte, clientHandle any)
}

// Config bundles the tunables §6 exposes for the listener.
type Config struct {
	Addr            string
	MaxClients      int
	IdleTimeout     time.Duration
	ReadBufferBytes int // per-Read() syscall chunk size, not the accumulation cap
}

// session is one accepted connection's accumulation state.
type session struct {
	id       string
	conn     net.Conn
	mu       sync.Mutex
	buf      []byte
	lastSeen time.Time
	closed   bool
}

// Server is the bounded TCP listener described in §4.8/§6.
type Server struct {
	cfg     Config
	clock   clock.Clock
	log     *logrus.Logger
	handler RequestHandler
	metrics *metrics.Metrics

	sem *semaphore.Weighted

	mu       sync.Mutex
	sessions map[string]*session

	listener net.Listener
}

// New constructs a Server. handler may be nil at construction time and set
// later with SetHandler, to break the construction-order cycle with the
// bridge coordinator (which itself needs the Server as its ClientSender).
// The handler is invoked only from Tick, never from the per-connection read
// goroutines.
func New(cfg Config, clk clock.Clock, log *logrus.Logger, handler RequestHandler, met *metrics.Metrics) *Server {
	if cfg.ReadBufferBytes == 0 {
		cfg.ReadBufferBytes = 4096
	}
	return &Server{
		cfg:      cfg,
		clock:    clk,
		log:      log,
		handler:  handler,
		metrics:  met,
		sem:      semaphore.NewWeighted(int64(cfg.MaxClients)),
		sessions: make(map[string]*session),
	}
}

// SetHandler assigns the handler invoked from Tick. Must be called before
// the first Tick if handler was nil at construction.
func (s *Server) SetHandler(handler RequestHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// Serve opens the listening socket and accepts connections until ctx is
// canceled. Each accepted connection gets its own read goroutine; Serve
// itself returns once the listener is closed.
func (s *Server) Serve(ctx context.Context) error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = l

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				s.log.WithError(err).Warn("tcpserver: accept failed")
				continue
			}
		}
		s.acceptConn(ctx, conn)
	}
}

func (s *Server) acceptConn(ctx context.Context, conn net.Conn) {
	if !s.sem.TryAcquire(1) {
		s.log.Warn("tcpserver: max_clients reached, rejecting connection")
		s.metrics.BusyRejectionsTotal.Inc()
		conn.Close()
		return
	}

	sess := &session{id: uuid.NewString(), conn: conn, lastSeen: s.clock.Now()}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	go s.readLoop(ctx, sess)
}

func (s *Server) readLoop(ctx context.Context, sess *session) {
	defer s.dropSession(sess)

	chunk := make([]byte, s.cfg.ReadBufferBytes)
	for {
		n, err := sess.conn.Read(chunk)
		if n > 0 {
			sess.mu.Lock()
			sess.buf = append(sess.buf, chunk[:n]...)
			sess.lastSeen = s.clock.Now()
			sess.mu.Unlock()
		}
		if err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *Server) dropSession(sess *session) {
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return
	}
	sess.closed = true
	sess.mu.Unlock()

	sess.conn.Close()

	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()

	s.sem.Release(1)
}

// Tick performs one cooperative pass: it closes idle sessions and, for each
// session holding a complete request, hands that single request to the
// handler. Called periodically from the main loop alongside the
// arbiter's and coordinator's own Tick methods.
func (s *Server) Tick() {
	now := s.clock.Now()

	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		s.tickSession(sess, now)
	}
}

func (s *Server) tickSession(sess *session, now time.Time) {
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return
	}
	idleFor := now.Sub(sess.lastSeen)
	buf := sess.buf
	sess.mu.Unlock()

	if idleFor > s.cfg.IdleTimeout {
		s.log.WithField("session", sess.id).Info("tcpserver: closing idle session")
		s.dropSession(sess)
		return
	}

	frameLen := requestLength(buf)
	if frameLen == 0 || len(buf) < frameLen {
		return
	}

	frame := append([]byte{}, buf[:frameLen]...)
	sess.mu.Lock()
	sess.buf = sess.buf[frameLen:]
	sess.mu.Unlock()

	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler != nil {
		handler.ProcessClientBytes(frame, sess.id)
	}
}

// requestLength returns the total byte length of the request frame buf
// begins with, or 0 if not enough of the header has arrived yet to decide.
func requestLength(buf []byte) int {
	if len(buf) < tcpcodec.HeaderLen {
		return 0
	}
	dataFrameLen := int(crcbyte.Uint16LE(buf, 18))
	return tcpcodec.HeaderLen + dataFrameLen
}

// Send implements bridge.ClientSender: it writes b directly to the named
// session's connection. Called from the same cooperative Tick pass that
// drives the coordinator, never concurrently with itself per session.
func (s *Server) Send(clientHandle any, b []byte) error {
	sess, ok := s.lookup(clientHandle)
	if !ok {
		return nil
	}
	_, err := sess.conn.Write(b)
	return err
}

// Close implements bridge.ClientSender: it closes and evicts the named
// session.
func (s *Server) Close(clientHandle any) error {
	sess, ok := s.lookup(clientHandle)
	if !ok {
		return nil
	}
	s.dropSession(sess)
	return nil
}

func (s *Server) lookup(clientHandle any) (*session, bool) {
	id, ok := clientHandle.(string)
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// SessionCount reports the number of currently tracked sessions, for
// diagnostics and tests.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
