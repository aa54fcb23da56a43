package router_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hyphengolang/prelude/testing/is"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/rapidmidiex/wampx/internal/codec"
	"github.com/rapidmidiex/wampx/internal/metrics"
	"github.com/rapidmidiex/wampx/internal/router"
	"github.com/rapidmidiex/wampx/internal/wamp"
)

var errConnClosed = errors.New("test: connection closed")

// fakeConn decodes whatever the router sends so tests can inspect messages.
type fakeConn struct {
	id    string
	codec codec.Codec
	out   chan wamp.Message

	once   sync.Once
	closed chan struct{}
	code   wamp.CloseCode
	reason string
	// Close waits on release when set
	release chan struct{}
}

func newFakeConn(id string, c codec.Codec) *fakeConn {
	return &fakeConn{id: id, codec: c, out: make(chan wamp.Message, 64), closed: make(chan struct{})}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(frame []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}

	m, err := c.codec.Decode(frame)
	if err != nil {
		return err
	}
	select {
	case c.out <- m:
		return nil
	default:
		return errors.New("test: send buffer full")
	}
}

func (c *fakeConn) Close(code wamp.CloseCode, reason string) error {
	if c.release != nil {
		<-c.release
	}
	c.once.Do(func() {
		c.code, c.reason = code, reason
		close(c.closed)
	})
	return nil
}

func newTestRouter(auto bool) *router.Router {
	return router.New(router.Options{AutoCreateRealms: auto, Logger: zerolog.Nop(), Metrics: metrics.New()})
}

func attach(t *testing.T, r *router.Router, id string, c codec.Codec) (*router.Session, *fakeConn) {
	t.Helper()

	conn := newFakeConn(id, c)
	s, err := r.Attach(conn, c)
	if err != nil {
		t.Fatalf("attach %s: %v", id, err)
	}
	return s, conn
}

// join attaches a JSON session and completes the HELLO/WELCOME exchange.
func join(t *testing.T, r *router.Router, id string, realm wamp.URI) (*router.Session, *fakeConn) {
	t.Helper()
	return joinWith(t, r, id, realm, codec.JSON)
}

func joinWith(t *testing.T, r *router.Router, id string, realm wamp.URI, c codec.Codec) (*router.Session, *fakeConn) {
	t.Helper()

	s, conn := attach(t, r, id, c)
	deliver(t, s, conn, &wamp.HelloMsg{Realm: realm, Details: wamp.Dict{}})

	welcome, ok := next(t, conn).(*wamp.WelcomeMsg)
	if !ok {
		t.Fatalf("%s: expected WELCOME", id)
	}
	if welcome.Session != s.ID() {
		t.Fatalf("%s: WELCOME carries %d, session has %d", id, welcome.Session, s.ID())
	}
	return s, conn
}

func deliver(t *testing.T, s *router.Session, conn *fakeConn, m wamp.Message) {
	t.Helper()

	frame, err := conn.codec.Encode(m)
	if err != nil {
		t.Fatalf("encode %s: %v", m.MessageType(), err)
	}
	s.Receive(frame)
}

func next(t *testing.T, conn *fakeConn) wamp.Message {
	t.Helper()

	select {
	case m := <-conn.out:
		return m
	case <-time.After(time.Second):
		t.Fatalf("%s: no message received", conn.id)
		return nil
	}
}

func nothing(t *testing.T, conn *fakeConn) {
	t.Helper()

	select {
	case m := <-conn.out:
		t.Fatalf("%s: unexpected %s", conn.id, m.MessageType())
	case <-time.After(50 * time.Millisecond):
	}
}

func waitClosed(t *testing.T, conn *fakeConn) (wamp.CloseCode, string) {
	t.Helper()

	select {
	case <-conn.closed:
		return conn.code, conn.reason
	case <-time.After(time.Second):
		t.Fatalf("%s: connection not closed", conn.id)
		return 0, ""
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestRouterRealms(t *testing.T) {
	t.Run("create and look up", func(t *testing.T) {
		is := is.New(t)

		r := newTestRouter(false)

		created, err := r.CreateRealm("com.example")
		is.NoErr(err) // create realm

		found, err := r.Realm("com.example")
		is.NoErr(err)                                  // look up realm
		is.Equal(found, created)                       // same realm
		is.Equal(found.URI(), wamp.URI("com.example")) // uri

		_, err = r.CreateRealm("com.example")
		is.True(errors.Is(err, wamp.ErrRealmAlreadyExists)) // created twice

		looked, ok := r.Lookup("com.example")
		is.True(ok)
		is.Equal(looked, created)
	})

	t.Run("unknown realm without auto creation", func(t *testing.T) {
		is := is.New(t)

		r := newTestRouter(false)
		_, err := r.Realm("com.unknown")
		is.True(errors.Is(err, wamp.ErrNoSuchRealm))
	})

	t.Run("auto creation", func(t *testing.T) {
		is := is.New(t)

		r := newTestRouter(true)
		a, err := r.Realm("realm1")
		is.NoErr(err)
		b, err := r.Realm("realm1")
		is.NoErr(err)
		is.Equal(a, b) // created once

		_, ok := r.Lookup("realm2")
		is.True(!ok) // lookup never creates
	})

	t.Run("invalid uri", func(t *testing.T) {
		is := is.New(t)

		r := newTestRouter(true)
		_, err := r.Realm("com..example")
		is.True(errors.Is(err, wamp.ErrInvalidURI)) // lookup
		_, err = r.CreateRealm("")
		is.True(errors.Is(err, wamp.ErrInvalidURI)) // creation
	})

	t.Run("realms are listed in order", func(t *testing.T) {
		is := is.New(t)

		r := newTestRouter(false)
		for _, uri := range []wamp.URI{"org.b", "com.c", "com.a"} {
			_, err := r.CreateRealm(uri)
			is.NoErr(err)
		}
		is.Equal(r.Realms(), []wamp.URI{"com.a", "com.c", "org.b"})
	})
}

func TestRouterClose(t *testing.T) {
	t.Run("sessions receive a shutdown goodbye", func(t *testing.T) {
		is := is.New(t)

		r := newTestRouter(true)
		_, a := join(t, r, "a", "realm1")
		_, b := join(t, r, "b", "realm2")

		var listenerClosed bool
		r.AddCloser(closerFunc(func() error { listenerClosed = true; return nil }))

		err := r.Close(context.Background())
		is.NoErr(err) // close router

		for _, conn := range []*fakeConn{a, b} {
			bye, ok := next(t, conn).(*wamp.GoodbyeMsg)
			is.True(ok)                                    // GOODBYE before close
			is.Equal(bye.Reason, wamp.CloseSystemShutdown) // shutdown reason
			code, _ := waitClosed(t, conn)
			is.Equal(code, wamp.CodePolicyViolation) // close code
		}
		is.True(listenerClosed) // closers released after the sessions

		realm, ok := r.Lookup("realm1")
		is.True(ok)
		is.Equal(len(realm.Sessions()), 0) // everyone left

		_, err = r.Attach(newFakeConn("c", codec.JSON), codec.JSON)
		is.True(errors.Is(err, router.ErrRouterClosed)) // no new connections

		_, err = r.Realm("realm1")
		is.True(errors.Is(err, router.ErrRouterClosed)) // existing realm
		_, err = r.Realm("realm3")
		is.True(errors.Is(err, router.ErrRouterClosed)) // never auto created
		_, ok = r.Lookup("realm3")
		is.True(!ok)

		is.NoErr(r.Close(context.Background())) // second close is a no-op
	})

	t.Run("close is bounded", func(t *testing.T) {
		is := is.New(t)

		r := router.New(router.Options{AutoCreateRealms: true, CloseTimeout: 50 * time.Millisecond, Logger: zerolog.Nop()})
		_, conn := join(t, r, "stuck", "realm1")

		conn.release = make(chan struct{})
		t.Cleanup(func() { close(conn.release) })

		err := r.Close(context.Background())
		is.True(errors.Is(err, wamp.ErrSystemShutdownTimeout)) // timeout reported
	})
}
