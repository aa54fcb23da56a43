package router

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/rapidmidiex/wampx/internal/codec"
	"github.com/rapidmidiex/wampx/internal/wamp"
)

// Conn is the transport side of a session.
//
// Send must not block on the peer; implementations queue the frame or fail.
// Close must be safe to call more than once and must not call back into the
// session synchronously.
type Conn interface {
	ID() string
	Send(frame []byte) error
	Close(code wamp.CloseCode, reason string) error
}

type state int32

const (
	stateNew state = iota
	// HELLO received, realm attachment in progress
	stateAttaching
	stateEstablished
	stateClosed
)

type handlerFunc func(wamp.Message)

// inboxSize bounds the decoded messages waiting for the session worker.
// Receive blocks the transport's read loop once it is full.
const inboxSize = 64

// Session is the protocol state machine of one client connection.
//
// Frames are decoded in arrival order by the transport's read loop and queued
// for a single worker, which handles them one at a time in that order.
type Session struct {
	router *Router
	conn   Conn
	codec  codec.Codec

	state     atomic.Int32
	closeOnce sync.Once
	handlers  map[wamp.MessageType]handlerFunc
	inbox     chan wamp.Message
	done      chan struct{}

	mu    sync.RWMutex
	id    wamp.ID
	realm *Realm
	log   zerolog.Logger
}

func newSession(r *Router, conn Conn, c codec.Codec) *Session {
	s := &Session{
		router: r,
		conn:   conn,
		codec:  c,
		log:    r.log.With().Str("conn", conn.ID()).Logger(),
		inbox:  make(chan wamp.Message, inboxSize),
		done:   make(chan struct{}),
	}

	s.handlers = map[wamp.MessageType]handlerFunc{
		wamp.HELLO:       s.handleHello,
		wamp.GOODBYE:     s.handleGoodbye,
		wamp.SUBSCRIBE:   s.handleSubscribe,
		wamp.UNSUBSCRIBE: s.handleUnsubscribe,
		wamp.PUBLISH:     s.handlePublish,
		wamp.REGISTER:    s.handleRegister,
		wamp.UNREGISTER:  s.handleUnregister,
		wamp.CALL:        s.handleCall,
		wamp.YIELD:       s.handleYield,
		wamp.ERROR:       s.handleError,
	}

	go s.serve()
	return s
}

func (s *Session) serve() {
	for {
		select {
		case m := <-s.inbox:
			s.dispatch(m)
		case <-s.done:
			return
		}
	}
}

// ID is the session id, zero until the session is established.
func (s *Session) ID() wamp.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Realm is the realm the session joined, nil until it is established.
func (s *Session) Realm() *Realm {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.realm
}

func (s *Session) ConnID() string { return s.conn.ID() }

func (s *Session) Established() bool { return state(s.state.Load()) == stateEstablished }

func (s *Session) Closed() bool { return state(s.state.Load()) == stateClosed }

func (s *Session) logger() *zerolog.Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l := s.log
	return &l
}

// Receive decodes one inbound frame and dispatches it. A frame that cannot be
// decoded closes the session.
func (s *Session) Receive(frame []byte) {
	if s.Closed() {
		return
	}

	m, err := s.codec.Decode(frame)
	if err != nil {
		s.logger().Error().Err(err).Msg("cannot decode message")
		s.Close(wamp.CodeInternalError, wamp.ErrInternalServerError.URI())
		return
	}
	s.router.metrics.Message("in", m.MessageType().String())

	select {
	case s.inbox <- m:
	case <-s.done:
	}
}

// Fail closes the session after a transport error.
func (s *Session) Fail(err error) {
	s.logger().Warn().Err(err).Msg("transport failed")
	s.Close(wamp.CodeAbnormalClosure, "")
}

func (s *Session) dispatch(m wamp.Message) {
	typ := m.MessageType()

	switch st := state(s.state.Load()); {
	case st == stateClosed:
		return
	case typ == wamp.HELLO:
		if !s.state.CompareAndSwap(int32(stateNew), int32(stateAttaching)) {
			s.abort(errors.Wrap(wamp.ErrProtocolViolation, "HELLO received twice"))
			return
		}
	case st != stateEstablished:
		s.abort(errors.Wrapf(wamp.ErrProtocolViolation, "%s received before WELCOME", typ))
		return
	}

	h, ok := s.handlers[typ]
	if !ok {
		s.logger().Error().Stringer("type", typ).Msg("unexpected message")
		s.Close(wamp.CodeInternalError, wamp.ErrInternalServerError.URI())
		return
	}
	h(m)
}

func (s *Session) handleHello(m wamp.Message) {
	msg := m.(*wamp.HelloMsg)

	realm, err := s.router.Realm(msg.Realm)
	if err != nil {
		s.abort(err)
		return
	}

	id := s.router.ids.Next()
	s.mu.Lock()
	s.id = id
	s.realm = realm
	s.log = s.log.With().Uint64("session", uint64(id)).Str("realm", realm.uri.String()).Logger()
	s.mu.Unlock()

	if err := realm.AddSession(s); err != nil {
		s.router.ids.Release(id)
		s.abort(err)
		return
	}

	// an attaching session owns its id until WELCOME; Close releases it after
	if !s.state.CompareAndSwap(int32(stateAttaching), int32(stateEstablished)) {
		// closed while attaching
		realm.Cleanup(s)
		_ = realm.RemoveSession(s)
		s.router.ids.Release(id)
		return
	}

	s.logger().Info().Msg("session established")
	s.send(&wamp.WelcomeMsg{Session: id, Details: wamp.Dict{"roles": Roles()}})
}

func (s *Session) handleGoodbye(m wamp.Message) {
	s.send(&wamp.GoodbyeMsg{Details: wamp.Dict{}, Reason: wamp.CloseGoodbyeAndOut})
	s.Close(wamp.CodeNormalClosure, wamp.CloseNormal)
}

func (s *Session) handleSubscribe(m wamp.Message) {
	msg := m.(*wamp.SubscribeMsg)

	id, err := s.Realm().Subscribe(msg.Topic, s)
	if err != nil {
		s.replyError(wamp.SUBSCRIBE, msg.Request, err)
		return
	}
	s.send(&wamp.SubscribedMsg{Request: msg.Request, Subscription: id})
}

func (s *Session) handleUnsubscribe(m wamp.Message) {
	msg := m.(*wamp.UnsubscribeMsg)

	if err := s.Realm().Unsubscribe(msg.Subscription, s); err != nil {
		s.replyError(wamp.UNSUBSCRIBE, msg.Request, err)
		return
	}
	s.send(&wamp.UnsubscribedMsg{Request: msg.Request})
}

func (s *Session) handlePublish(m wamp.Message) {
	msg := m.(*wamp.PublishMsg)
	realm := s.Realm()

	topic, err := realm.Topic(msg.Topic)
	if err != nil {
		s.replyError(wamp.PUBLISH, msg.Request, err)
		return
	}

	pub := s.router.ids.Next()
	defer s.router.ids.Release(pub)

	if msg.Acknowledge() {
		s.send(&wamp.PublishedMsg{Request: msg.Request, Publication: pub})
	}

	ev := &wamp.EventMsg{
		Subscription: topic.ID(),
		Publication:  pub,
		Details:      wamp.Dict{},
		Args:         msg.Args,
		Kwargs:       msg.Kwargs,
	}

	// subscribers sharing a codec share the encoded frame
	frames := make(map[codec.Codec][]byte)
	delivered := 0
	for _, sub := range topic.Subscribers() {
		frame, ok := frames[sub.codec]
		if !ok {
			if frame, err = sub.codec.Encode(ev); err != nil {
				s.logger().Error().Err(err).Msg("cannot encode event")
				return
			}
			frames[sub.codec] = frame
		}
		if err := sub.sendFrame(wamp.EVENT, frame); err != nil {
			sub.logger().Debug().Err(err).Uint64("publication", uint64(pub)).Msg("event not delivered")
			continue
		}
		delivered++
	}
	realm.metrics.Published(realm.uri.String(), delivered)
}

func (s *Session) handleRegister(m wamp.Message) {
	msg := m.(*wamp.RegisterMsg)

	id, err := s.Realm().Register(msg.Procedure, s)
	if err != nil {
		s.replyError(wamp.REGISTER, msg.Request, err)
		return
	}
	s.send(&wamp.RegisteredMsg{Request: msg.Request, Registration: id})
}

func (s *Session) handleUnregister(m wamp.Message) {
	msg := m.(*wamp.UnregisterMsg)

	if err := s.Realm().Unregister(msg.Registration, s); err != nil {
		s.replyError(wamp.UNREGISTER, msg.Request, err)
		return
	}
	s.send(&wamp.UnregisteredMsg{Request: msg.Request})
}

func (s *Session) handleCall(m wamp.Message) {
	msg := m.(*wamp.CallMsg)
	realm := s.Realm()

	p, id, err := realm.Invoke(msg.Procedure, s, msg.Request)
	if err != nil {
		s.replyError(wamp.CALL, msg.Request, err)
		return
	}

	err = p.Callee().send(&wamp.InvocationMsg{
		Request:      id,
		Registration: p.ID(),
		Details:      wamp.Dict{},
		Args:         msg.Args,
		Kwargs:       msg.Kwargs,
	})
	if err != nil {
		if _, yerr := realm.Yield(id); yerr == nil {
			s.replyError(wamp.CALL, msg.Request, errors.Wrap(wamp.ErrCanceled, "callee unreachable"))
		}
	}
}

func (s *Session) handleYield(m wamp.Message) {
	msg := m.(*wamp.YieldMsg)

	inv, err := s.Realm().Yield(msg.Request)
	if err != nil {
		s.logger().Warn().Err(err).Msg("cannot yield")
		return
	}

	inv.Caller.send(&wamp.ResultMsg{
		Request: inv.CallID,
		Details: wamp.Dict{},
		Args:    msg.Args,
		Kwargs:  msg.Kwargs,
	})
}

func (s *Session) handleError(m wamp.Message) {
	msg := m.(*wamp.ErrorMsg)

	if msg.RequestType != wamp.INVOCATION {
		s.logger().Error().Stringer("request_type", msg.RequestType).Msg("error response not implemented")
		return
	}

	inv, err := s.Realm().Yield(msg.Request)
	if err != nil {
		s.logger().Warn().Err(err).Msg("cannot respond to invocation error")
		return
	}

	inv.Caller.send(&wamp.ErrorMsg{
		RequestType: wamp.CALL,
		Request:     inv.CallID,
		Details:     msg.Details,
		Error:       msg.Error,
		Args:        msg.Args,
		Kwargs:      msg.Kwargs,
	})
}

// Close ends the session. The first call wins; later calls return nil.
//
// A GOODBYE is attempted first when code is abnormal and the session was
// established. The session then leaves its realm and the connection is closed.
func (s *Session) Close(code wamp.CloseCode, reason wamp.URI) error {
	var err error
	s.closeOnce.Do(func() {
		prev := state(s.state.Swap(int32(stateClosed)))
		close(s.done)

		if prev == stateEstablished {
			if code.Abnormal() {
				s.send(&wamp.GoodbyeMsg{Details: wamp.Dict{"message": "Close connection"}, Reason: reason})
			}
			if realm := s.Realm(); realm != nil {
				realm.Cleanup(s)
				if rerr := realm.RemoveSession(s); rerr != nil {
					s.logger().Warn().Err(rerr).Msg("cannot leave realm")
				}
			}
			s.router.ids.Release(s.ID())
		}

		err = s.conn.Close(code, reason.String())
		s.logger().Debug().Int("code", int(code)).Str("reason", reason.String()).Msg("session closed")
	})
	return err
}

func (s *Session) abort(err error) {
	s.logger().Warn().Err(err).Msg("cannot establish session")
	s.send(&wamp.AbortMsg{Details: wamp.Dict{"message": err.Error()}, Reason: wamp.ErrorURI(err)})
	s.Close(wamp.CodeNormalClosure, wamp.ErrorURI(err))
}

func (s *Session) replyError(typ wamp.MessageType, request wamp.ID, err error) {
	s.logger().Debug().Err(err).Stringer("request_type", typ).Uint64("request", uint64(request)).Msg("request failed")
	s.send(&wamp.ErrorMsg{
		RequestType: typ,
		Request:     request,
		Details:     wamp.Dict{"message": err.Error()},
		Error:       wamp.ErrorURI(err),
	})
}

func (s *Session) send(m wamp.Message) error {
	frame, err := s.codec.Encode(m)
	if err != nil {
		s.logger().Error().Err(err).Msg("cannot encode message")
		return err
	}
	return s.sendFrame(m.MessageType(), frame)
}

func (s *Session) sendFrame(typ wamp.MessageType, frame []byte) error {
	if err := s.conn.Send(frame); err != nil {
		s.logger().Debug().Err(err).Stringer("type", typ).Msg("cannot send message")
		return err
	}
	s.router.metrics.Message("out", typ.String())
	return nil
}
