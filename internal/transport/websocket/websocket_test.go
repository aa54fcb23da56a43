package websocket_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/hyphengolang/prelude/testing/is"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/rapidmidiex/wampx/internal/codec"
	"github.com/rapidmidiex/wampx/internal/router"
	"github.com/rapidmidiex/wampx/internal/transport/websocket"
	"github.com/rapidmidiex/wampx/internal/wamp"
)

func newTestServer(t *testing.T, opts websocket.Options) (*router.Router, *websocket.Server, string) {
	t.Helper()

	r := router.New(router.Options{AutoCreateRealms: true, Logger: zerolog.Nop()})
	s := websocket.NewServer(r, opts)

	mux := http.NewServeMux()
	mux.Handle("/ws", s)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() { srv.Close() })

	return r, s, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string, protocols ...string) (net.Conn, ws.Handshake) {
	t.Helper()

	d := ws.Dialer{Protocols: protocols}
	conn, _, hs, err := d.Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, hs
}

func write(t *testing.T, conn net.Conn, c codec.Codec, m wamp.Message) {
	t.Helper()

	b, err := c.Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	op := ws.OpText
	if c.Binary() {
		op = ws.OpBinary
	}
	if err := wsutil.WriteClientMessage(conn, op, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func read(t *testing.T, conn net.Conn, c codec.Codec) (wamp.Message, ws.OpCode) {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	b, op, err := wsutil.ReadServerData(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	m, err := c.Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return m, op
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer(t *testing.T) {
	t.Run("plain http gets the banner", func(t *testing.T) {
		is := is.New(t)

		_, _, url := newTestServer(t, websocket.Options{})

		res, err := http.Get("http" + strings.TrimPrefix(url, "ws"))
		is.NoErr(err) // plain GET
		defer res.Body.Close()

		b, err := io.ReadAll(res.Body)
		is.NoErr(err)
		is.Equal(res.StatusCode, http.StatusOK)
		is.Equal(string(b), websocket.Banner)
	})

	t.Run("json session", func(t *testing.T) {
		is := is.New(t)

		_, _, url := newTestServer(t, websocket.Options{})
		conn, hs := dial(t, url, "wamp.2.json")
		is.Equal(hs.Protocol, "wamp.2.json") // negotiated

		write(t, conn, codec.JSON, &wamp.HelloMsg{Realm: "realm1", Details: wamp.Dict{}})

		m, op := read(t, conn, codec.JSON)
		_, ok := m.(*wamp.WelcomeMsg)
		is.True(ok)             // WELCOME
		is.Equal(op, ws.OpText) // text frames for json
	})

	t.Run("cbor session", func(t *testing.T) {
		is := is.New(t)

		_, _, url := newTestServer(t, websocket.Options{})
		conn, hs := dial(t, url, "wamp.2.msgpack", "wamp.2.cbor")
		is.Equal(hs.Protocol, "wamp.2.cbor") // first supported protocol

		write(t, conn, codec.CBOR, &wamp.HelloMsg{Realm: "realm1", Details: wamp.Dict{}})

		m, op := read(t, conn, codec.CBOR)
		_, ok := m.(*wamp.WelcomeMsg)
		is.True(ok)               // WELCOME
		is.Equal(op, ws.OpBinary) // binary frames for cbor
	})

	t.Run("no subprotocol falls back to json", func(t *testing.T) {
		is := is.New(t)

		_, _, url := newTestServer(t, websocket.Options{})
		conn, hs := dial(t, url)
		is.Equal(hs.Protocol, "")

		write(t, conn, codec.JSON, &wamp.HelloMsg{Realm: "realm1", Details: wamp.Dict{}})
		m, _ := read(t, conn, codec.JSON)
		_, ok := m.(*wamp.WelcomeMsg)
		is.True(ok)
	})

	t.Run("events reach subscribers over the wire", func(t *testing.T) {
		is := is.New(t)

		_, _, url := newTestServer(t, websocket.Options{})
		pub, _ := dial(t, url, "wamp.2.json")
		sub, _ := dial(t, url, "wamp.2.cbor")

		write(t, pub, codec.JSON, &wamp.HelloMsg{Realm: "realm1", Details: wamp.Dict{}})
		read(t, pub, codec.JSON)
		write(t, sub, codec.CBOR, &wamp.HelloMsg{Realm: "realm1", Details: wamp.Dict{}})
		read(t, sub, codec.CBOR)

		write(t, sub, codec.CBOR, &wamp.SubscribeMsg{Request: 1, Options: wamp.Dict{}, Topic: "com.x.y"})
		m, _ := read(t, sub, codec.CBOR)
		subscribed := m.(*wamp.SubscribedMsg)

		write(t, pub, codec.JSON, &wamp.PublishMsg{Request: 2, Options: wamp.Dict{}, Topic: "com.x.y", Args: wamp.List{"hi"}})

		m, _ = read(t, sub, codec.CBOR)
		ev, ok := m.(*wamp.EventMsg)
		is.True(ok) // EVENT
		is.Equal(ev.Subscription, subscribed.Subscription)
		is.Equal(ev.Args, wamp.List{"hi"})
	})

	t.Run("peer close leaves the realm", func(t *testing.T) {
		is := is.New(t)

		r, s, url := newTestServer(t, websocket.Options{})
		conn, _ := dial(t, url, "wamp.2.json")

		write(t, conn, codec.JSON, &wamp.HelloMsg{Realm: "realm1", Details: wamp.Dict{}})
		read(t, conn, codec.JSON)

		realm, err := r.Realm("realm1")
		is.NoErr(err)
		is.Equal(len(realm.Sessions()), 1)

		err = wsutil.WriteClientMessage(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, "bye"))
		is.NoErr(err) // send close frame

		eventually(t, func() bool { return len(realm.Sessions()) == 0 })
		eventually(t, func() bool { return s.Len() == 0 })
	})

	t.Run("oversized messages close the connection", func(t *testing.T) {
		is := is.New(t)

		_, _, url := newTestServer(t, websocket.Options{ReadLimit: 64})
		conn, _ := dial(t, url, "wamp.2.json")

		write(t, conn, codec.JSON, &wamp.HelloMsg{Realm: "realm1", Details: wamp.Dict{"agent": strings.Repeat("x", 128)}})

		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		_, _, err := wsutil.ReadServerData(conn)
		var closed wsutil.ClosedError
		is.True(errors.As(err, &closed))              // close frame received
		is.Equal(closed.Code, ws.StatusMessageTooBig) // 1009
	})

	t.Run("capacity", func(t *testing.T) {
		_, _, url := newTestServer(t, websocket.Options{Capacity: 1})
		dial(t, url)

		// the first connection is tracked once attached
		eventually(t, func() bool {
			c, _, _, err := ws.DefaultDialer.Dial(context.Background(), url)
			if err == nil {
				c.Close()
			}
			return err != nil
		})
	})

	t.Run("server close shuts sessions down", func(t *testing.T) {
		is := is.New(t)

		_, s, url := newTestServer(t, websocket.Options{})
		conn, _ := dial(t, url, "wamp.2.json")

		write(t, conn, codec.JSON, &wamp.HelloMsg{Realm: "realm1", Details: wamp.Dict{}})
		read(t, conn, codec.JSON)

		is.NoErr(s.Close())

		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		_, _, err := wsutil.ReadServerData(conn)
		var closed wsutil.ClosedError
		is.True(errors.As(err, &closed))          // close frame
		is.Equal(closed.Code, ws.StatusGoingAway) // 1001

		_, _, _, err = ws.DefaultDialer.Dial(context.Background(), url)
		is.True(err != nil) // no longer accepting
	})
}

func TestCheckOrigin(t *testing.T) {
	h := websocket.CheckOrigin("example.com")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	type testcase struct {
		name    string
		upgrade bool
		origin  string
		code    int
	}

	tt := []testcase{
		{"allowed origin", true, "https://example.com", http.StatusTeapot},
		{"other origin", true, "https://evil.test", http.StatusForbidden},
		{"missing origin", true, "", http.StatusForbidden},
		{"plain request", false, "https://evil.test", http.StatusTeapot},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			is := is.New(t)

			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tc.upgrade {
				r.Header.Set("Upgrade", "websocket")
			}
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}

			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			is.Equal(w.Code, tc.code)
		})
	}
}
