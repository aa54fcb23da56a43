package codec

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/pkg/errors"

	"github.com/rapidmidiex/wampx/internal/wamp"
)

func toList(m wamp.Message) ([]any, error) {
	switch m := m.(type) {
	case *wamp.HelloMsg:
		return []any{wamp.HELLO, m.Realm, dict(m.Details)}, nil
	case *wamp.WelcomeMsg:
		return []any{wamp.WELCOME, m.Session, dict(m.Details)}, nil
	case *wamp.AbortMsg:
		return []any{wamp.ABORT, dict(m.Details), m.Reason}, nil
	case *wamp.GoodbyeMsg:
		return []any{wamp.GOODBYE, dict(m.Details), m.Reason}, nil
	case *wamp.ErrorMsg:
		l := []any{wamp.ERROR, m.RequestType, m.Request, dict(m.Details), m.Error}
		return withPayload(l, m.Args, m.Kwargs), nil
	case *wamp.PublishMsg:
		l := []any{wamp.PUBLISH, m.Request, dict(m.Options), m.Topic}
		return withPayload(l, m.Args, m.Kwargs), nil
	case *wamp.PublishedMsg:
		return []any{wamp.PUBLISHED, m.Request, m.Publication}, nil
	case *wamp.SubscribeMsg:
		return []any{wamp.SUBSCRIBE, m.Request, dict(m.Options), m.Topic}, nil
	case *wamp.SubscribedMsg:
		return []any{wamp.SUBSCRIBED, m.Request, m.Subscription}, nil
	case *wamp.UnsubscribeMsg:
		return []any{wamp.UNSUBSCRIBE, m.Request, m.Subscription}, nil
	case *wamp.UnsubscribedMsg:
		return []any{wamp.UNSUBSCRIBED, m.Request}, nil
	case *wamp.EventMsg:
		l := []any{wamp.EVENT, m.Subscription, m.Publication, dict(m.Details)}
		return withPayload(l, m.Args, m.Kwargs), nil
	case *wamp.CallMsg:
		l := []any{wamp.CALL, m.Request, dict(m.Options), m.Procedure}
		return withPayload(l, m.Args, m.Kwargs), nil
	case *wamp.ResultMsg:
		l := []any{wamp.RESULT, m.Request, dict(m.Details)}
		return withPayload(l, m.Args, m.Kwargs), nil
	case *wamp.RegisterMsg:
		return []any{wamp.REGISTER, m.Request, dict(m.Options), m.Procedure}, nil
	case *wamp.RegisteredMsg:
		return []any{wamp.REGISTERED, m.Request, m.Registration}, nil
	case *wamp.UnregisterMsg:
		return []any{wamp.UNREGISTER, m.Request, m.Registration}, nil
	case *wamp.UnregisteredMsg:
		return []any{wamp.UNREGISTERED, m.Request}, nil
	case *wamp.InvocationMsg:
		l := []any{wamp.INVOCATION, m.Request, m.Registration, dict(m.Details)}
		return withPayload(l, m.Args, m.Kwargs), nil
	case *wamp.YieldMsg:
		l := []any{wamp.YIELD, m.Request, dict(m.Options)}
		return withPayload(l, m.Args, m.Kwargs), nil
	}

	return nil, errors.Wrapf(ErrUnknownType, "encode %T", m)
}

// args are only written when present, kwargs force an (empty) args list
func withPayload(l []any, args wamp.List, kwargs wamp.Dict) []any {
	switch {
	case len(kwargs) > 0:
		if args == nil {
			args = wamp.List{}
		}
		return append(l, args, kwargs)
	case len(args) > 0:
		return append(l, args)
	}
	return l
}

func dict(d wamp.Dict) wamp.Dict {
	if d == nil {
		return wamp.Dict{}
	}
	return d
}

// minimum field count per message type, type code included
var minLen = map[wamp.MessageType]int{
	wamp.HELLO:        3,
	wamp.WELCOME:      3,
	wamp.ABORT:        3,
	wamp.GOODBYE:      3,
	wamp.ERROR:        5,
	wamp.PUBLISH:      4,
	wamp.PUBLISHED:    3,
	wamp.SUBSCRIBE:    4,
	wamp.SUBSCRIBED:   3,
	wamp.UNSUBSCRIBE:  3,
	wamp.UNSUBSCRIBED: 2,
	wamp.EVENT:        4,
	wamp.CALL:         4,
	wamp.RESULT:       3,
	wamp.REGISTER:     4,
	wamp.REGISTERED:   3,
	wamp.UNREGISTER:   3,
	wamp.UNREGISTERED: 2,
	wamp.INVOCATION:   4,
	wamp.YIELD:        3,
}

func fromList(l []any) (wamp.Message, error) {
	if len(l) == 0 {
		return nil, errors.Wrap(ErrMalformed, "empty message")
	}

	code, ok := toInt(l[0])
	if !ok {
		return nil, errors.Wrapf(ErrMalformed, "message type %v", l[0])
	}

	typ := wamp.MessageType(code)
	n, ok := minLen[typ]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownType, "%d", code)
	}
	if len(l) < n {
		return nil, errors.Wrapf(ErrMalformed, "%s has %d fields, want at least %d", typ, len(l), n)
	}

	f := &fields{l: l}
	var m wamp.Message

	switch typ {
	case wamp.HELLO:
		m = &wamp.HelloMsg{Realm: f.uri(1), Details: f.dict(2)}
	case wamp.WELCOME:
		m = &wamp.WelcomeMsg{Session: f.id(1), Details: f.dict(2)}
	case wamp.ABORT:
		m = &wamp.AbortMsg{Details: f.dict(1), Reason: f.uri(2)}
	case wamp.GOODBYE:
		m = &wamp.GoodbyeMsg{Details: f.dict(1), Reason: f.uri(2)}
	case wamp.ERROR:
		m = &wamp.ErrorMsg{
			RequestType: wamp.MessageType(f.int(1)),
			Request:     f.id(2),
			Details:     f.dict(3),
			Error:       f.uri(4),
			Args:        f.args(5),
			Kwargs:      f.kwargs(6),
		}
	case wamp.PUBLISH:
		m = &wamp.PublishMsg{
			Request: f.id(1),
			Options: f.dict(2),
			Topic:   f.uri(3),
			Args:    f.args(4),
			Kwargs:  f.kwargs(5),
		}
	case wamp.PUBLISHED:
		m = &wamp.PublishedMsg{Request: f.id(1), Publication: f.id(2)}
	case wamp.SUBSCRIBE:
		m = &wamp.SubscribeMsg{Request: f.id(1), Options: f.dict(2), Topic: f.uri(3)}
	case wamp.SUBSCRIBED:
		m = &wamp.SubscribedMsg{Request: f.id(1), Subscription: f.id(2)}
	case wamp.UNSUBSCRIBE:
		m = &wamp.UnsubscribeMsg{Request: f.id(1), Subscription: f.id(2)}
	case wamp.UNSUBSCRIBED:
		m = &wamp.UnsubscribedMsg{Request: f.id(1)}
	case wamp.EVENT:
		m = &wamp.EventMsg{
			Subscription: f.id(1),
			Publication:  f.id(2),
			Details:      f.dict(3),
			Args:         f.args(4),
			Kwargs:       f.kwargs(5),
		}
	case wamp.CALL:
		m = &wamp.CallMsg{
			Request:   f.id(1),
			Options:   f.dict(2),
			Procedure: f.uri(3),
			Args:      f.args(4),
			Kwargs:    f.kwargs(5),
		}
	case wamp.RESULT:
		m = &wamp.ResultMsg{Request: f.id(1), Details: f.dict(2), Args: f.args(3), Kwargs: f.kwargs(4)}
	case wamp.REGISTER:
		m = &wamp.RegisterMsg{Request: f.id(1), Options: f.dict(2), Procedure: f.uri(3)}
	case wamp.REGISTERED:
		m = &wamp.RegisteredMsg{Request: f.id(1), Registration: f.id(2)}
	case wamp.UNREGISTER:
		m = &wamp.UnregisterMsg{Request: f.id(1), Registration: f.id(2)}
	case wamp.UNREGISTERED:
		m = &wamp.UnregisteredMsg{Request: f.id(1)}
	case wamp.INVOCATION:
		m = &wamp.InvocationMsg{
			Request:      f.id(1),
			Registration: f.id(2),
			Details:      f.dict(3),
			Args:         f.args(4),
			Kwargs:       f.kwargs(5),
		}
	case wamp.YIELD:
		m = &wamp.YieldMsg{Request: f.id(1), Options: f.dict(2), Args: f.args(3), Kwargs: f.kwargs(4)}
	}

	if f.err != nil {
		return nil, errors.Wrap(f.err, typ.String())
	}
	return m, nil
}

// fields reads positional values, keeping the first conversion error.
type fields struct {
	l   []any
	err error
}

func (f *fields) fail(i int, want string) {
	if f.err == nil {
		f.err = errors.Wrapf(ErrMalformed, "field %d: want %s, got %T", i, want, f.l[i])
	}
}

func (f *fields) id(i int) wamp.ID {
	n, ok := toUint(f.l[i])
	if !ok || n >= 1<<53 {
		f.fail(i, "id")
	}
	return wamp.ID(n)
}

func (f *fields) int(i int) int {
	n, ok := toInt(f.l[i])
	if !ok {
		f.fail(i, "integer")
	}
	return n
}

func (f *fields) uri(i int) wamp.URI {
	s, ok := f.l[i].(string)
	if !ok {
		f.fail(i, "uri")
	}
	return wamp.URI(s)
}

func (f *fields) dict(i int) wamp.Dict {
	d, ok := toDict(f.l[i])
	if !ok {
		f.fail(i, "dict")
	}
	return d
}

func (f *fields) args(i int) wamp.List {
	if i >= len(f.l) {
		return nil
	}
	l, ok := f.l[i].([]any)
	if !ok {
		f.fail(i, "list")
	}
	return wamp.List(l)
}

func (f *fields) kwargs(i int) wamp.Dict {
	if i >= len(f.l) {
		return nil
	}
	return f.dict(i)
}

func toDict(v any) (wamp.Dict, bool) {
	switch v := v.(type) {
	case map[string]any:
		return wamp.Dict(v), true
	case map[any]any:
		d := make(wamp.Dict, len(v))
		for k, val := range v {
			s, ok := k.(string)
			if !ok {
				return nil, false
			}
			d[s] = val
		}
		return d, true
	case nil:
		return wamp.Dict{}, true
	}
	return nil, false
}

func toUint(v any) (uint64, bool) {
	switch v := v.(type) {
	case uint64:
		return v, true
	case int64:
		return uint64(v), v >= 0
	case int:
		return uint64(v), v >= 0
	case float64:
		return uint64(v), v >= 0 && v == math.Trunc(v) && v < 1<<63
	case json.Number:
		n, err := strconv.ParseUint(string(v), 10, 64)
		return n, err == nil
	}
	return 0, false
}

func toInt(v any) (int, bool) {
	n, ok := toUint(v)
	if !ok || n > math.MaxInt32 {
		return 0, false
	}
	return int(n), true
}
