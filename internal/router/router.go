// Package router implements the broker and dealer roles of a WAMP router.
//
// A Router owns the realms of the process. Every transport connection is
// attached as a Session, which joins exactly one Realm with its HELLO. Realms
// hold the subscriptions and registrations of their sessions and route events
// and calls between them.
package router

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/rapidmidiex/wampx/internal/codec"
	"github.com/rapidmidiex/wampx/internal/idgen"
	"github.com/rapidmidiex/wampx/internal/metrics"
	"github.com/rapidmidiex/wampx/internal/wamp"
)

var ErrRouterClosed = errors.New("wampx: router closed")

// DefaultCloseTimeout bounds Router.Close when Options.CloseTimeout is zero.
const DefaultCloseTimeout = 500 * time.Millisecond

type Options struct {
	// AutoCreateRealms creates a realm the first time a session asks for it.
	AutoCreateRealms bool
	CloseTimeout     time.Duration
	Logger           zerolog.Logger
	Metrics          *metrics.Collector
}

type Router struct {
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Collector
	ids     *idgen.Allocator

	mu      sync.RWMutex
	realms  map[wamp.URI]*Realm
	closers []io.Closer
	closed  bool
}

func New(opts Options) *Router {
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = DefaultCloseTimeout
	}

	return &Router{
		opts:    opts,
		log:     opts.Logger,
		metrics: opts.Metrics,
		ids:     idgen.New(),
		realms:  make(map[wamp.URI]*Realm),
	}
}

// Roles is the role advertisement sent in every WELCOME.
func Roles() wamp.Dict {
	return wamp.Dict{"broker": wamp.Dict{}, "dealer": wamp.Dict{}}
}

// Attach creates the session serving conn. The transport feeds it frames with
// Session.Receive and reports its end with Session.Close or Session.Fail.
func (r *Router) Attach(conn Conn, c codec.Codec) (*Session, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrRouterClosed
	}

	if c == nil {
		c = codec.Default
	}

	s := newSession(r, conn, c)
	s.logger().Debug().Str("codec", c.Name()).Msg("connection attached")
	return s, nil
}

// Realm returns the realm named uri, creating it when realms are created on
// demand.
func (r *Router) Realm(uri wamp.URI) (*Realm, error) {
	if !uri.Valid() {
		return nil, errors.Wrapf(wamp.ErrInvalidURI, "realm %q", uri)
	}

	r.mu.RLock()
	realm, ok := r.realms[uri]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrRouterClosed
	}
	if ok {
		return realm, nil
	}

	if !r.opts.AutoCreateRealms {
		return nil, errors.Wrapf(wamp.ErrNoSuchRealm, "realm %s", uri)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRouterClosed
	}
	// lost the race to another session
	if realm, ok := r.realms[uri]; ok {
		return realm, nil
	}
	return r.createRealm(uri), nil
}

func (r *Router) CreateRealm(uri wamp.URI) (*Realm, error) {
	if !uri.Valid() {
		return nil, errors.Wrapf(wamp.ErrInvalidURI, "realm %q", uri)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.realms[uri]; ok {
		return nil, errors.Wrapf(wamp.ErrRealmAlreadyExists, "realm %s", uri)
	}
	return r.createRealm(uri), nil
}

func (r *Router) createRealm(uri wamp.URI) *Realm {
	realm := newRealm(uri, r.ids, r.log, r.metrics)
	r.realms[uri] = realm
	r.metrics.RealmCreated()
	r.log.Info().Str("realm", uri.String()).Msg("realm created")
	return realm
}

// Lookup returns the realm named uri without creating it.
func (r *Router) Lookup(uri wamp.URI) (*Realm, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	realm, ok := r.realms[uri]
	return realm, ok
}

// Realms lists the realm names in lexical order.
func (r *Router) Realms() []wamp.URI {
	r.mu.RLock()
	defer r.mu.RUnlock()

	uris := make([]wamp.URI, 0, len(r.realms))
	for uri := range r.realms {
		uris = append(uris, uri)
	}
	sort.Slice(uris, func(i, j int) bool { return uris[i] < uris[j] })
	return uris
}

// AddCloser registers c to be closed once every session is gone, typically
// the listener feeding the router.
func (r *Router) AddCloser(c io.Closer) {
	r.mu.Lock()
	r.closers = append(r.closers, c)
	r.mu.Unlock()
}

// Close shuts every session down with a system shutdown reason, then closes
// the registered closers. It gives up after Options.CloseTimeout or when ctx
// is done, returning wamp.ErrSystemShutdownTimeout.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	realms := make([]*Realm, 0, len(r.realms))
	for _, realm := range r.realms {
		realms = append(realms, realm)
	}
	closers := r.closers
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.opts.CloseTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var g errgroup.Group
		for _, realm := range realms {
			realm := realm
			g.Go(func() error {
				return realm.Close(wamp.CodePolicyViolation, wamp.CloseSystemShutdown)
			})
		}
		err := g.Wait()

		for _, c := range closers {
			err = multierr.Append(err, c.Close())
		}
		done <- err
	}()

	select {
	case err := <-done:
		r.log.Info().Int("realms", len(realms)).Msg("router closed")
		return err
	case <-ctx.Done():
		r.log.Error().Err(ctx.Err()).Msg("router close timed out")
		return errors.Wrap(wamp.ErrSystemShutdownTimeout, ctx.Err().Error())
	}
}
