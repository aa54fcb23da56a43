package client_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hyphengolang/prelude/testing/is"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/rapidmidiex/wampx/internal/router"
	"github.com/rapidmidiex/wampx/internal/transport/websocket"
	"github.com/rapidmidiex/wampx/internal/wamp"
	"github.com/rapidmidiex/wampx/pkg/client"
)

func newTestRouter(t *testing.T, auto bool) (*router.Router, string) {
	t.Helper()

	r := router.New(router.Options{AutoCreateRealms: auto, Logger: zerolog.Nop()})
	srv := httptest.NewServer(websocket.NewServer(r, websocket.Options{Logger: zerolog.Nop()}))
	t.Cleanup(srv.Close)

	return r, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string, protocol string) *client.Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	c, err := client.Dial(ctx, url, "realm1", client.Options{Protocol: protocol, Timeout: time.Second})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func ctx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDial(t *testing.T) {
	t.Run("welcome", func(t *testing.T) {
		is := is.New(t)

		_, url := newTestRouter(t, true)
		c := dial(t, url, "wamp.2.json")
		is.True(c.ID() != 0) // session id
		is.Equal(c.Realm(), wamp.URI("realm1"))
	})

	t.Run("abort for unknown realm", func(t *testing.T) {
		is := is.New(t)

		_, url := newTestRouter(t, false)
		_, err := client.Dial(ctx(t), url, "realm1", client.Options{Timeout: time.Second})

		var e *client.Error
		is.True(errors.As(err, &e)) // ABORT surfaces as *Error
		is.Equal(e.URI, wamp.ErrNoSuchRealm.URI())
	})

	t.Run("unsupported protocol", func(t *testing.T) {
		is := is.New(t)

		_, url := newTestRouter(t, true)
		_, err := client.Dial(ctx(t), url, "realm1", client.Options{Protocol: "wamp.2.msgpack"})
		is.True(err != nil)
	})
}

func TestPubSub(t *testing.T) {
	is := is.New(t)

	_, url := newTestRouter(t, true)
	pub := dial(t, url, "wamp.2.json")
	sub := dial(t, url, "wamp.2.cbor")

	events := make(chan wamp.List, 1)
	subID, err := sub.Subscribe(ctx(t), "com.x.y", func(args wamp.List, _ wamp.Dict) { events <- args })
	is.NoErr(err) // subscribe

	pubID, err := pub.Publish(ctx(t), "com.x.y", wamp.List{"hello"}, nil)
	is.NoErr(err)       // acknowledged publish
	is.True(pubID != 0) // publication id

	select {
	case args := <-events:
		is.Equal(args, wamp.List{"hello"})
	case <-time.After(time.Second):
		t.Fatal("no event")
	}

	is.NoErr(sub.Unsubscribe(ctx(t), subID))

	_, err = pub.Publish(ctx(t), "com.x.y", wamp.List{"again"}, nil)
	var e *client.Error
	is.True(errors.As(err, &e)) // nobody listening
	is.Equal(e.URI, wamp.ErrNoSuchSubscription.URI())
}

func TestRPC(t *testing.T) {
	t.Run("call and result", func(t *testing.T) {
		is := is.New(t)

		_, url := newTestRouter(t, true)
		callee := dial(t, url, "wamp.2.cbor")
		caller := dial(t, url, "wamp.2.json")

		_, err := callee.Register(ctx(t), "com.x.add", func(_ context.Context, args wamp.List, _ wamp.Dict) (wamp.List, wamp.Dict, error) {
			var sum uint64
			for _, a := range args {
				n, _ := a.(uint64) // cbor decodes positive integers as uint64
				sum += n
			}
			return nil, wamp.Dict{"sum": sum}, nil
		})
		is.NoErr(err) // register

		res, err := caller.Call(ctx(t), "com.x.add", wamp.List{2, 3}, nil)
		is.NoErr(err)                         // call
		is.Equal(res.Kwargs["sum"], int64(5)) // json decodes integers as int64
	})

	t.Run("handler errors reach the caller", func(t *testing.T) {
		is := is.New(t)

		_, url := newTestRouter(t, true)
		callee := dial(t, url, "wamp.2.json")
		caller := dial(t, url, "wamp.2.json")

		_, err := callee.Register(ctx(t), "com.x.fail", func(context.Context, wamp.List, wamp.Dict) (wamp.List, wamp.Dict, error) {
			return nil, nil, errors.New("boom")
		})
		is.NoErr(err)

		_, err = caller.Call(ctx(t), "com.x.fail", nil, nil)
		var e *client.Error
		is.True(errors.As(err, &e)) // ERROR forwarded
		is.Equal(e.URI, client.ErrRuntime)
		is.Equal(e.Args, wamp.List{"boom"})
	})

	t.Run("unknown procedure", func(t *testing.T) {
		is := is.New(t)

		_, url := newTestRouter(t, true)
		caller := dial(t, url, "wamp.2.json")

		_, err := caller.Call(ctx(t), "com.x.missing", nil, nil)
		var e *client.Error
		is.True(errors.As(err, &e))
		is.Equal(e.URI, wamp.ErrNoSuchProcedure.URI())
	})

	t.Run("unregister", func(t *testing.T) {
		is := is.New(t)

		r, url := newTestRouter(t, true)
		callee := dial(t, url, "wamp.2.json")

		id, err := callee.Register(ctx(t), "com.x.add", func(context.Context, wamp.List, wamp.Dict) (wamp.List, wamp.Dict, error) {
			return nil, nil, nil
		})
		is.NoErr(err)
		is.NoErr(callee.Unregister(ctx(t), id))

		realm, err := r.Realm("realm1")
		is.NoErr(err)
		_, err = realm.Procedure("com.x.add")
		is.True(errors.Is(err, wamp.ErrNoSuchProcedure)) // gone from the realm
	})
}

func TestClose(t *testing.T) {
	t.Run("goodbye leaves the realm", func(t *testing.T) {
		is := is.New(t)

		r, url := newTestRouter(t, true)
		c := dial(t, url, "wamp.2.json")

		realm, err := r.Realm("realm1")
		is.NoErr(err)
		is.Equal(len(realm.Sessions()), 1)

		is.NoErr(c.Close())

		select {
		case <-c.Done():
		case <-time.After(time.Second):
			t.Fatal("client not done")
		}

		deadline := time.Now().Add(time.Second)
		for len(realm.Sessions()) != 0 {
			if time.Now().After(deadline) {
				t.Fatal("session still in realm")
			}
			time.Sleep(10 * time.Millisecond)
		}

		_, err = c.Call(ctx(t), "com.x.add", nil, nil)
		is.True(errors.Is(err, client.ErrClosed)) // no requests after close
	})

	t.Run("router shutdown ends the session", func(t *testing.T) {
		is := is.New(t)

		r, url := newTestRouter(t, true)
		c := dial(t, url, "wamp.2.json")

		is.NoErr(r.Close(ctx(t)))

		select {
		case <-c.Done():
		case <-time.After(time.Second):
			t.Fatal("client not done")
		}

		var e *client.Error
		is.True(errors.As(c.Err(), &e)) // GOODBYE from the router
		is.Equal(e.URI, wamp.CloseSystemShutdown)
	})
}
