// Package client is a small WAMP client for talking to a wampx router over
// websocket. It plays all four basic profile roles.
package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/rapidmidiex/wampx/internal/codec"
	"github.com/rapidmidiex/wampx/internal/wamp"
)

// ErrRuntime is reported to callers when a Handler fails with a plain error.
const ErrRuntime wamp.URI = "wamp.error.runtime_error"

var (
	ErrClosed          = errors.New("wampx/client: connection closed")
	ErrUnexpectedReply = errors.New("wampx/client: unexpected reply")
)

// Error is an ABORT or ERROR received from the router or a callee.
type Error struct {
	URI     wamp.URI
	Details wamp.Dict
	Args    wamp.List
	Kwargs  wamp.Dict
}

func (e *Error) Error() string {
	if msg, ok := e.Details["message"].(string); ok && msg != "" {
		return fmt.Sprintf("%s: %s", e.URI, msg)
	}
	return e.URI.String()
}

type (
	// EventHandler runs on the read loop. It must not block or issue requests
	// on the same client.
	EventHandler func(args wamp.List, kwargs wamp.Dict)
	// Handler serves invocations of a registered procedure. Returning an
	// *Error sends that error to the caller as is.
	Handler func(ctx context.Context, args wamp.List, kwargs wamp.Dict) (wamp.List, wamp.Dict, error)
)

type Result struct {
	Args   wamp.List
	Kwargs wamp.Dict
}

type Options struct {
	// Protocol is the subprotocol to negotiate. Defaults to wamp.2.json.
	Protocol string
	Logger   zerolog.Logger
	Header   http.Header
	// Timeout bounds the handshake and the GOODBYE exchange on Close.
	Timeout time.Duration
}

type request struct {
	reply chan wamp.Message
	// installed by the read loop before the reply is delivered so no EVENT or
	// INVOCATION can overtake it
	onEvent EventHandler
	onCall  Handler
}

type Client struct {
	conn    *websocket.Conn
	codec   codec.Codec
	log     zerolog.Logger
	timeout time.Duration

	id    wamp.ID
	realm wamp.URI

	wmu sync.Mutex
	seq atomic.Uint64

	mu       sync.Mutex
	pending  map[wamp.ID]*request
	subs     map[wamp.ID]EventHandler
	procs    map[wamp.ID]Handler
	leaving  bool
	goodbye  chan struct{}
	done     chan struct{}
	err      error
	ctx      context.Context
	cancel   context.CancelFunc
	finished sync.Once
}

// Dial connects to url and joins realm.
func Dial(ctx context.Context, url string, realm wamp.URI, opts Options) (*Client, error) {
	if opts.Protocol == "" {
		opts.Protocol = codec.Default.Name()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	cd, ok := codec.Lookup(opts.Protocol)
	if !ok {
		return nil, errors.Errorf("wampx/client: unsupported protocol %q", opts.Protocol)
	}

	d := websocket.Dialer{
		Subprotocols:     []string{cd.Name()},
		HandshakeTimeout: opts.Timeout,
	}
	conn, _, err := d.DialContext(ctx, url, opts.Header)
	if err != nil {
		return nil, errors.Wrap(err, "wampx/client: dial")
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    conn,
		codec:   cd,
		log:     opts.Logger,
		timeout: opts.Timeout,
		realm:   realm,
		pending: make(map[wamp.ID]*request),
		subs:    make(map[wamp.ID]EventHandler),
		procs:   make(map[wamp.ID]Handler),
		goodbye: make(chan struct{}),
		done:    make(chan struct{}),
		ctx:     cctx,
		cancel:  cancel,
	}

	if err := c.join(ctx); err != nil {
		cancel()
		conn.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

func (c *Client) join(ctx context.Context) error {
	hello := &wamp.HelloMsg{
		Realm: c.realm,
		Details: wamp.Dict{"roles": wamp.Dict{
			"publisher":  wamp.Dict{},
			"subscriber": wamp.Dict{},
			"caller":     wamp.Dict{},
			"callee":     wamp.Dict{},
		}},
	}
	if err := c.send(hello); err != nil {
		return err
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{})

	m, err := c.read()
	if err != nil {
		return errors.Wrap(err, "wampx/client: handshake")
	}

	switch m := m.(type) {
	case *wamp.WelcomeMsg:
		c.id = m.Session
		c.log = c.log.With().Uint64("session", uint64(m.Session)).Logger()
		return nil
	case *wamp.AbortMsg:
		return &Error{URI: m.Reason, Details: m.Details}
	default:
		return errors.Wrapf(ErrUnexpectedReply, "%s during handshake", m.MessageType())
	}
}

func (c *Client) ID() wamp.ID { return c.id }

func (c *Client) Realm() wamp.URI { return c.realm }

// Done is closed once the session has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the reason the session ended, if it has.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) read() (wamp.Message, error) {
	_, frame, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return c.codec.Decode(frame)
}

func (c *Client) send(m wamp.Message) error {
	frame, err := c.codec.Encode(m)
	if err != nil {
		return err
	}

	typ := websocket.TextMessage
	if c.codec.Binary() {
		typ = websocket.BinaryMessage
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.conn.WriteMessage(typ, frame)
}

func (c *Client) nextID() wamp.ID { return wamp.ID(c.seq.Add(1)) }

func (c *Client) readLoop() {
	var err error
	for {
		var m wamp.Message
		if m, err = c.read(); err != nil {
			break
		}
		if stop := c.handle(m); stop != nil {
			err = stop
			break
		}
	}
	c.finish(err)
}

// handle returns a non nil error when the session has ended.
func (c *Client) handle(m wamp.Message) error {
	switch m := m.(type) {
	case *wamp.EventMsg:
		c.mu.Lock()
		h := c.subs[m.Subscription]
		c.mu.Unlock()
		if h != nil {
			h(m.Args, m.Kwargs)
		}
	case *wamp.InvocationMsg:
		go c.invoke(m)
	case *wamp.SubscribedMsg:
		c.resolve(m.Request, m, func(r *request) { c.subs[m.Subscription] = r.onEvent })
	case *wamp.RegisteredMsg:
		c.resolve(m.Request, m, func(r *request) { c.procs[m.Registration] = r.onCall })
	case *wamp.UnsubscribedMsg:
		c.resolve(m.Request, m, nil)
	case *wamp.UnregisteredMsg:
		c.resolve(m.Request, m, nil)
	case *wamp.PublishedMsg:
		c.resolve(m.Request, m, nil)
	case *wamp.ResultMsg:
		c.resolve(m.Request, m, nil)
	case *wamp.ErrorMsg:
		c.resolve(m.Request, m, nil)
	case *wamp.GoodbyeMsg:
		c.mu.Lock()
		leaving := c.leaving
		c.mu.Unlock()
		if leaving {
			close(c.goodbye)
			return ErrClosed
		}
		_ = c.send(&wamp.GoodbyeMsg{Details: wamp.Dict{}, Reason: wamp.CloseGoodbyeAndOut})
		return &Error{URI: m.Reason, Details: m.Details}
	case *wamp.AbortMsg:
		return &Error{URI: m.Reason, Details: m.Details}
	default:
		c.log.Warn().Str("type", m.MessageType().String()).Msg("unexpected message")
	}
	return nil
}

func (c *Client) resolve(id wamp.ID, m wamp.Message, install func(*request)) {
	c.mu.Lock()
	r, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		if install != nil {
			install(r)
		}
	}
	c.mu.Unlock()

	if !ok {
		c.log.Debug().Uint64("request", uint64(id)).Msg("reply to unknown request")
		return
	}
	r.reply <- m
}

func (c *Client) finish(err error) {
	c.finished.Do(func() {
		c.mu.Lock()
		c.err = err
		c.pending = make(map[wamp.ID]*request)
		c.mu.Unlock()

		c.cancel()
		c.conn.Close()
		close(c.done)
	})
}

func (c *Client) invoke(m *wamp.InvocationMsg) {
	c.mu.Lock()
	h := c.procs[m.Registration]
	c.mu.Unlock()

	if h == nil {
		c.replyError(m.Request, &Error{URI: wamp.ErrNoSuchRegistration.URI()})
		return
	}

	args, kwargs, err := h(c.ctx, m.Args, m.Kwargs)
	if err != nil {
		c.replyError(m.Request, err)
		return
	}
	if args == nil {
		args = wamp.List{}
	}
	if kwargs == nil {
		kwargs = wamp.Dict{}
	}
	if err := c.send(&wamp.YieldMsg{Request: m.Request, Options: wamp.Dict{}, Args: args, Kwargs: kwargs}); err != nil {
		c.log.Debug().Err(err).Msg("yield")
	}
}

func (c *Client) replyError(request wamp.ID, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{URI: ErrRuntime, Args: wamp.List{err.Error()}}
	}
	if e.Details == nil {
		e.Details = wamp.Dict{}
	}
	if e.Args == nil {
		e.Args = wamp.List{}
	}
	if e.Kwargs == nil {
		e.Kwargs = wamp.Dict{}
	}

	reply := &wamp.ErrorMsg{
		RequestType: wamp.INVOCATION,
		Request:     request,
		Details:     e.Details,
		Error:       e.URI,
		Args:        e.Args,
		Kwargs:      e.Kwargs,
	}
	if err := c.send(reply); err != nil {
		c.log.Debug().Err(err).Msg("invocation error")
	}
}

// request sends m and waits for the reply to id. An ERROR reply is returned
// as *Error.
func (c *Client) request(ctx context.Context, id wamp.ID, m wamp.Message, r *request) (wamp.Message, error) {
	r.reply = make(chan wamp.Message, 1)

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, ErrClosed
	default:
	}
	c.pending[id] = r
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := c.send(m); err != nil {
		forget()
		return nil, errors.Wrapf(err, "wampx/client: send %s", m.MessageType())
	}

	select {
	case reply := <-r.reply:
		if e, ok := reply.(*wamp.ErrorMsg); ok {
			return nil, &Error{URI: e.Error, Details: e.Details, Args: e.Args, Kwargs: e.Kwargs}
		}
		return reply, nil
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *Client) Subscribe(ctx context.Context, topic wamp.URI, h EventHandler) (wamp.ID, error) {
	id := c.nextID()
	reply, err := c.request(ctx, id, &wamp.SubscribeMsg{Request: id, Options: wamp.Dict{}, Topic: topic}, &request{onEvent: h})
	if err != nil {
		return 0, err
	}
	m, ok := reply.(*wamp.SubscribedMsg)
	if !ok {
		return 0, errors.Wrapf(ErrUnexpectedReply, "%s", reply.MessageType())
	}
	return m.Subscription, nil
}

func (c *Client) Unsubscribe(ctx context.Context, subscription wamp.ID) error {
	id := c.nextID()
	if _, err := c.request(ctx, id, &wamp.UnsubscribeMsg{Request: id, Subscription: subscription}, &request{}); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.subs, subscription)
	c.mu.Unlock()
	return nil
}

// Publish sends an acknowledged publication and returns its id.
func (c *Client) Publish(ctx context.Context, topic wamp.URI, args wamp.List, kwargs wamp.Dict) (wamp.ID, error) {
	id := c.nextID()
	m := &wamp.PublishMsg{
		Request: id,
		Options: wamp.Dict{"acknowledge": true},
		Topic:   topic,
		Args:    args,
		Kwargs:  kwargs,
	}
	reply, err := c.request(ctx, id, m, &request{})
	if err != nil {
		return 0, err
	}
	p, ok := reply.(*wamp.PublishedMsg)
	if !ok {
		return 0, errors.Wrapf(ErrUnexpectedReply, "%s", reply.MessageType())
	}
	return p.Publication, nil
}

func (c *Client) Register(ctx context.Context, procedure wamp.URI, h Handler) (wamp.ID, error) {
	id := c.nextID()
	reply, err := c.request(ctx, id, &wamp.RegisterMsg{Request: id, Options: wamp.Dict{}, Procedure: procedure}, &request{onCall: h})
	if err != nil {
		return 0, err
	}
	m, ok := reply.(*wamp.RegisteredMsg)
	if !ok {
		return 0, errors.Wrapf(ErrUnexpectedReply, "%s", reply.MessageType())
	}
	return m.Registration, nil
}

func (c *Client) Unregister(ctx context.Context, registration wamp.ID) error {
	id := c.nextID()
	if _, err := c.request(ctx, id, &wamp.UnregisterMsg{Request: id, Registration: registration}, &request{}); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.procs, registration)
	c.mu.Unlock()
	return nil
}

func (c *Client) Call(ctx context.Context, procedure wamp.URI, args wamp.List, kwargs wamp.Dict) (*Result, error) {
	id := c.nextID()
	m := &wamp.CallMsg{Request: id, Options: wamp.Dict{}, Procedure: procedure, Args: args, Kwargs: kwargs}
	reply, err := c.request(ctx, id, m, &request{})
	if err != nil {
		return nil, err
	}
	r, ok := reply.(*wamp.ResultMsg)
	if !ok {
		return nil, errors.Wrapf(ErrUnexpectedReply, "%s", reply.MessageType())
	}
	return &Result{Args: r.Args, Kwargs: r.Kwargs}, nil
}

// Close says GOODBYE, waits for the router to answer and hangs up.
func (c *Client) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}

	c.mu.Lock()
	c.leaving = true
	c.mu.Unlock()

	err := c.send(&wamp.GoodbyeMsg{Details: wamp.Dict{}, Reason: wamp.CloseNormal})
	if err == nil {
		select {
		case <-c.goodbye:
		case <-c.done:
		case <-time.After(c.timeout):
			c.log.Debug().Msg("no goodbye from router")
		}
	}

	c.wmu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.wmu.Unlock()

	c.finish(ErrClosed)
	return err
}
