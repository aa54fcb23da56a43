package router

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/rapidmidiex/wampx/internal/idgen"
	"github.com/rapidmidiex/wampx/internal/metrics"
	"github.com/rapidmidiex/wampx/internal/wamp"
)

// Realm is an isolated routing namespace. It owns the sessions that joined it
// together with their subscriptions and registrations, and every routing
// decision between two sessions goes through it.
//
// All registry operations of a realm are serialised by one mutex. Messages are
// never sent while that mutex is held.
type Realm struct {
	uri     wamp.URI
	ids     *idgen.Allocator
	log     zerolog.Logger
	metrics *metrics.Collector

	mu         sync.Mutex
	sessions   []*Session
	members    map[*Session]struct{}
	topics     map[wamp.URI]*Topic
	topicIDs   map[wamp.ID]*Topic
	procedures map[wamp.URI]*Procedure
	procIDs    map[wamp.ID]*Procedure
	// invocation id -> procedure holding it
	invocations map[wamp.ID]*Procedure
}

func newRealm(uri wamp.URI, ids *idgen.Allocator, log zerolog.Logger, m *metrics.Collector) *Realm {
	return &Realm{
		uri:         uri,
		ids:         ids,
		log:         log.With().Str("realm", uri.String()).Logger(),
		metrics:     m,
		members:     make(map[*Session]struct{}),
		topics:      make(map[wamp.URI]*Topic),
		topicIDs:    make(map[wamp.ID]*Topic),
		procedures:  make(map[wamp.URI]*Procedure),
		procIDs:     make(map[wamp.ID]*Procedure),
		invocations: make(map[wamp.ID]*Procedure),
	}
}

func (r *Realm) URI() wamp.URI { return r.uri }

// Session returns s if it is a member of the realm, nil otherwise.
func (r *Realm) Session(s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isMember(s) {
		return s
	}
	return nil
}

// Sessions returns the members in the order they joined.
func (r *Realm) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	ss := make([]*Session, len(r.sessions))
	copy(ss, r.sessions)
	return ss
}

func (r *Realm) isMember(s *Session) bool {
	_, ok := r.members[s]
	return ok
}

func (r *Realm) AddSession(s *Session) error {
	if s == nil {
		return errors.Wrap(wamp.ErrInvalidArgument, "add session")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isMember(s) {
		return errors.Wrapf(wamp.ErrSessionAlreadyExists, "realm %s", r.uri)
	}
	r.sessions = append(r.sessions, s)
	r.members[s] = struct{}{}
	r.metrics.SessionJoined(r.uri.String())
	return nil
}

func (r *Realm) RemoveSession(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isMember(s) {
		return errors.Wrapf(wamp.ErrNoSuchSession, "realm %s", r.uri)
	}
	delete(r.members, s)
	for i, m := range r.sessions {
		if m == s {
			r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
			break
		}
	}
	r.metrics.SessionLeft(r.uri.String())
	return nil
}

// Cleanup removes every trace of s from the realm's registries: procedures it
// registered are deleted, it leaves every topic it subscribed to and calls it
// is still waiting on are forgotten. Callers waiting on one of the deleted
// procedures receive a canceled error. Membership is left to RemoveSession.
func (r *Realm) Cleanup(s *Session) {
	r.mu.Lock()

	var orphans []Invocation
	for _, p := range r.procedures {
		if p.callee == s {
			orphans = append(orphans, r.deleteProcedure(p)...)
			continue
		}
		dropped := p.dropCaller(s)
		for _, id := range dropped {
			delete(r.invocations, id)
			r.ids.Release(id)
		}
		r.metrics.Settled(r.uri.String(), len(dropped))
	}

	for _, t := range r.topics {
		if t.remove(s) && t.Len() == 0 {
			r.deleteTopic(t)
		}
	}

	r.mu.Unlock()

	r.cancel(orphans)
}

func (r *Realm) Subscribe(uri wamp.URI, s *Session) (wamp.ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !uri.Valid() || !r.isMember(s) {
		return 0, errors.Wrapf(wamp.ErrInvalidArgument, "subscribe %q", uri)
	}

	t, ok := r.topics[uri]
	if !ok {
		t = newTopic(uri, r.ids.Next())
		r.topics[uri] = t
		r.topicIDs[t.id] = t
	}
	if err := t.add(s); err != nil {
		return 0, err
	}
	return t.id, nil
}

func (r *Realm) Unsubscribe(id wamp.ID, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isMember(s) {
		return errors.Wrapf(wamp.ErrInvalidArgument, "unsubscribe %d", id)
	}

	t, ok := r.topicIDs[id]
	if !ok {
		return errors.Wrapf(wamp.ErrNoSuchTopic, "subscription %d", id)
	}
	if !t.remove(s) {
		return errors.Wrapf(wamp.ErrNoSuchSubscription, "subscription %d", id)
	}
	if t.Len() == 0 {
		r.deleteTopic(t)
	}
	return nil
}

// Topic returns the subscriber group of uri.
func (r *Realm) Topic(uri wamp.URI) (*Topic, error) {
	if !uri.Valid() {
		return nil, errors.Wrapf(wamp.ErrInvalidURI, "topic %q", uri)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.topics[uri]
	if !ok {
		return nil, errors.Wrapf(wamp.ErrNoSuchSubscription, "topic %s", uri)
	}
	return t, nil
}

// Topics lists the URIs that currently have subscribers in lexical order.
func (r *Realm) Topics() []wamp.URI {
	r.mu.Lock()
	defer r.mu.Unlock()

	uris := make([]wamp.URI, 0, len(r.topics))
	for uri := range r.topics {
		uris = append(uris, uri)
	}
	sort.Slice(uris, func(i, j int) bool { return uris[i] < uris[j] })
	return uris
}

func (r *Realm) deleteTopic(t *Topic) {
	delete(r.topics, t.uri)
	delete(r.topicIDs, t.id)
	r.ids.Release(t.id)
}

func (r *Realm) Register(uri wamp.URI, callee *Session) (wamp.ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !uri.Valid() || !r.isMember(callee) {
		return 0, errors.Wrapf(wamp.ErrInvalidArgument, "register %q", uri)
	}
	if _, ok := r.procedures[uri]; ok {
		return 0, errors.Wrapf(wamp.ErrProcedureAlreadyExists, "procedure %s", uri)
	}

	p := newProcedure(uri, r.ids.Next(), callee)
	r.procedures[uri] = p
	r.procIDs[p.id] = p
	return p.id, nil
}

// Unregister deletes the procedure registered as id by callee. Calls still
// waiting on it are answered with a canceled error.
func (r *Realm) Unregister(id wamp.ID, callee *Session) error {
	r.mu.Lock()

	if !r.isMember(callee) {
		r.mu.Unlock()
		return errors.Wrapf(wamp.ErrInvalidArgument, "unregister %d", id)
	}

	p, ok := r.procIDs[id]
	if !ok || p.callee != callee {
		r.mu.Unlock()
		return errors.Wrapf(wamp.ErrNoSuchRegistration, "registration %d", id)
	}
	orphans := r.deleteProcedure(p)
	r.mu.Unlock()

	r.cancel(orphans)
	return nil
}

// Procedure returns the registration of uri.
func (r *Realm) Procedure(uri wamp.URI) (*Procedure, error) {
	if !uri.Valid() {
		return nil, errors.Wrapf(wamp.ErrInvalidURI, "procedure %q", uri)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.procedures[uri]
	if !ok {
		return nil, errors.Wrapf(wamp.ErrNoSuchProcedure, "procedure %s", uri)
	}
	return p, nil
}

// Procedures lists the registered URIs in lexical order.
func (r *Realm) Procedures() []wamp.URI {
	r.mu.Lock()
	defer r.mu.Unlock()

	uris := make([]wamp.URI, 0, len(r.procedures))
	for uri := range r.procedures {
		uris = append(uris, uri)
	}
	sort.Slice(uris, func(i, j int) bool { return uris[i] < uris[j] })
	return uris
}

// Invoke records a call from caller to the procedure registered for uri and
// returns that procedure with the id of the new invocation.
func (r *Realm) Invoke(uri wamp.URI, caller *Session, callID wamp.ID) (*Procedure, wamp.ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !uri.Valid() || !r.isMember(caller) {
		return nil, 0, errors.Wrapf(wamp.ErrInvalidArgument, "call %q", uri)
	}

	p, ok := r.procedures[uri]
	if !ok {
		return nil, 0, errors.Wrapf(wamp.ErrNoSuchProcedure, "procedure %s", uri)
	}

	id := r.ids.Next()
	p.invoke(Invocation{ID: id, CallID: callID, Caller: caller})
	r.invocations[id] = p
	r.metrics.Invoked(r.uri.String())
	return p, id, nil
}

// Yield removes and returns the pending invocation id.
func (r *Realm) Yield(id wamp.ID) (Invocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.invocations[id]
	if !ok {
		return Invocation{}, errors.Wrapf(wamp.ErrNoSuchInvocation, "invocation %d", id)
	}
	delete(r.invocations, id)

	inv, ok := p.yield(id)
	if !ok {
		return Invocation{}, errors.Wrapf(wamp.ErrNoSuchInvocation, "invocation %d", id)
	}
	r.ids.Release(id)
	r.metrics.Settled(r.uri.String(), 1)
	return inv, nil
}

func (r *Realm) deleteProcedure(p *Procedure) []Invocation {
	delete(r.procedures, p.uri)
	delete(r.procIDs, p.id)
	r.ids.Release(p.id)

	orphans := p.drain()
	for _, inv := range orphans {
		delete(r.invocations, inv.ID)
		r.ids.Release(inv.ID)
	}
	r.metrics.Settled(r.uri.String(), len(orphans))
	return orphans
}

func (r *Realm) cancel(orphans []Invocation) {
	for _, inv := range orphans {
		err := errors.Wrap(wamp.ErrCanceled, "procedure unregistered")
		inv.Caller.replyError(wamp.CALL, inv.CallID, err)
	}
}

// Close closes every member session. Each session leaves the realm as part
// of its own close.
func (r *Realm) Close(code wamp.CloseCode, reason wamp.URI) error {
	var err error
	for _, s := range r.Sessions() {
		err = multierr.Append(err, s.Close(code, reason))
	}
	if err != nil {
		r.log.Warn().Err(err).Msg("realm closed with errors")
	}
	return err
}
