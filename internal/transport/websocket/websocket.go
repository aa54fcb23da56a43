// Package websocket serves WAMP sessions over gobwas websocket connections.
package websocket

import (
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/rapidmidiex/wampx/internal/codec"
	"github.com/rapidmidiex/wampx/internal/router"
	"github.com/rapidmidiex/wampx/internal/suid"
	"github.com/rapidmidiex/wampx/internal/wamp"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	defaultReadLimit = 1 << 20
	defaultQueueSize = 64
)

// Banner answers plain HTTP requests on the websocket path.
const Banner = "This is the wampx WAMP transport. Please connect over WebSocket!"

var (
	ErrClosed       = errors.New("wampx: connection closed")
	ErrSlowConsumer = errors.New("wampx: send queue full")
	ErrTooLarge     = errors.New("wampx: message too large")
)

type Options struct {
	Logger zerolog.Logger
	// ReadLimit caps the size of one inbound message.
	ReadLimit int64
	// QueueSize is the number of outbound frames buffered per connection
	// before it is considered a slow consumer and closed.
	QueueSize int
	// Capacity caps concurrent connections. Zero means unlimited.
	Capacity int
}

// Server upgrades HTTP requests and attaches every connection to a router.
type Server struct {
	router   *router.Router
	opts     Options
	log      zerolog.Logger
	upgrader ws.HTTPUpgrader

	mu     sync.Mutex
	conns  map[*conn]*router.Session
	closed bool
}

func NewServer(r *router.Router, opts Options) *Server {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	return &Server{
		router: r,
		opts:   opts,
		log:    opts.Logger,
		upgrader: ws.HTTPUpgrader{
			Protocol: func(p string) bool {
				_, ok := codec.Lookup(p)
				return ok
			},
		},
		conns: make(map[*conn]*router.Session),
	}
}

// Len returns the number of open connections.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, Banner)
		return
	}

	s.mu.Lock()
	closed, n := s.closed, len(s.conns)
	s.mu.Unlock()

	if closed {
		http.Error(w, "server closing", http.StatusServiceUnavailable)
		return
	}
	if s.opts.Capacity > 0 && n >= s.opts.Capacity {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	rwc, rw, hs, err := s.upgrader.Upgrade(r, w)
	if err != nil {
		// the upgrader has already answered the request
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := codec.Default
	if hs.Protocol != "" {
		c, _ = codec.Lookup(hs.Protocol)
	}

	var src io.Reader = rwc
	if rw != nil {
		src = rw.Reader
	}
	cn := newConn(rwc, src, c, s.opts, s.log)

	sess, err := s.router.Attach(cn, c)
	if err != nil {
		cn.log.Warn().Err(err).Msg("connection rejected")
		cn.Close(wamp.CodeGoingAway, wamp.CloseSystemShutdown.String())
		go cn.writeLoop()
		return
	}

	s.mu.Lock()
	s.conns[cn] = sess
	s.mu.Unlock()

	cn.log.Debug().Str("protocol", c.Name()).Str("remote", r.RemoteAddr).Msg("connection open")

	go cn.writeLoop()
	go func() {
		cn.readLoop(sess)

		s.mu.Lock()
		delete(s.conns, cn)
		s.mu.Unlock()
	}()
}

// Close stops accepting connections and closes the sessions still open.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*router.Session, 0, len(s.conns))
	for _, sess := range s.conns {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close(wamp.CodeGoingAway, wamp.CloseSystemShutdown)
	}
	return nil
}

// conn implements router.Conn. Reads happen on readLoop, all writes on
// writeLoop.
type conn struct {
	id    string
	rwc   net.Conn
	src   io.Reader
	op    ws.OpCode
	limit int64
	log   zerolog.Logger

	send chan ws.Frame
	// control replies jump the data queue
	ctrl chan ws.Frame

	once       sync.Once
	done       chan struct{}
	closeFrame *ws.Frame
}

func newConn(rwc net.Conn, src io.Reader, c codec.Codec, opts Options, log zerolog.Logger) *conn {
	id := suid.New().String()

	op := ws.OpText
	if c.Binary() {
		op = ws.OpBinary
	}

	return &conn{
		id:    id,
		rwc:   rwc,
		src:   src,
		op:    op,
		limit: opts.ReadLimit,
		log:   log.With().Str("conn", id).Logger(),
		send:  make(chan ws.Frame, opts.QueueSize),
		ctrl:  make(chan ws.Frame, 4),
		done:  make(chan struct{}),
	}
}

func (c *conn) ID() string { return c.id }

func (c *conn) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.send <- ws.NewFrame(c.op, true, frame):
		return nil
	case <-c.done:
		return ErrClosed
	default:
		c.log.Warn().Msg("slow consumer, closing")
		c.Close(wamp.CodePolicyViolation, "slow consumer")
		return ErrSlowConsumer
	}
}

// Close asks the writer to flush what is queued, send a close frame and hang
// up. It returns immediately.
func (c *conn) Close(code wamp.CloseCode, reason string) error {
	c.once.Do(func() {
		// 1006 is reserved for connections that drop without a close frame
		if code != wamp.CodeAbnormalClosure {
			f := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusCode(code), reason))
			c.closeFrame = &f
		}
		close(c.done)
	})
	return nil
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.rwc.Close(); err != nil {
			c.log.Debug().Err(err).Msg("conn close")
		}
	}()

	for {
		select {
		case f := <-c.ctrl:
			if err := c.write(f); err != nil {
				c.log.Debug().Err(err).Msg("control write")
				return
			}
		case f := <-c.send:
			if err := c.write(f); err != nil {
				c.log.Debug().Err(err).Msg("write")
				return
			}
		case <-ticker.C:
			if err := c.write(ws.NewPingFrame(nil)); err != nil {
				c.log.Debug().Err(err).Msg("ping")
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

func (c *conn) flush() {
	for {
		select {
		case f := <-c.send:
			if err := c.write(f); err != nil {
				return
			}
		default:
			if c.closeFrame != nil {
				_ = c.write(*c.closeFrame)
			}
			return
		}
	}
}

func (c *conn) write(f ws.Frame) error {
	_ = c.rwc.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteFrame(c.rwc, f)
}

// closedError carries the status of a close frame sent by the peer.
type closedError struct {
	code   wamp.CloseCode
	reason string
}

func (e closedError) Error() string { return "websocket: closed by peer" }

func (c *conn) readLoop(sess *router.Session) {
	defer c.log.Debug().Msg("read loop done")

	r := wsutil.NewReader(c.src, ws.StateServerSide)
	r.OnIntermediate = c.control

	for {
		_ = c.rwc.SetReadDeadline(time.Now().Add(pongWait))

		h, err := r.NextFrame()
		if err != nil {
			c.end(sess, err)
			return
		}

		if h.OpCode.IsControl() {
			if err := c.control(h, r); err != nil {
				c.end(sess, err)
				return
			}
			continue
		}

		if want := (ws.OpText | ws.OpBinary); h.OpCode&want == 0 {
			if err := r.Discard(); err != nil {
				c.end(sess, err)
				return
			}
			continue
		}

		p, err := io.ReadAll(io.LimitReader(r, c.limit+1))
		if err != nil {
			c.end(sess, err)
			return
		}
		if int64(len(p)) > c.limit {
			c.log.Warn().Int64("limit", c.limit).Msg("message too large")
			sess.Close(wamp.CodeMessageTooBig, wamp.ErrProtocolViolation.URI())
			return
		}

		sess.Receive(p)
	}
}

func (c *conn) control(h ws.Header, r io.Reader) error {
	payload, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	switch h.OpCode {
	case ws.OpPing:
		select {
		case c.ctrl <- ws.NewPongFrame(payload):
		default:
		}
	case ws.OpPong:
		return c.rwc.SetReadDeadline(time.Now().Add(pongWait))
	case ws.OpClose:
		code, reason := ws.ParseCloseFrameData(payload)
		if code == 0 {
			code = ws.StatusNormalClosure
		}
		return closedError{code: wamp.CloseCode(code), reason: reason}
	}
	return nil
}

// end hands the reason the read loop stopped to the session.
func (c *conn) end(sess *router.Session, err error) {
	var closed closedError
	if errors.As(err, &closed) {
		c.log.Debug().Int("code", int(closed.code)).Str("reason", closed.reason).Msg("closed by peer")
		sess.Close(closed.code, wamp.URI(closed.reason))
		return
	}

	select {
	case <-c.done:
		// we hung up ourselves
		sess.Close(wamp.CodeNormalClosure, wamp.CloseNormal)
	default:
		sess.Fail(err)
	}
}
