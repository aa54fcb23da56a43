// Package service exposes the router over HTTP: the websocket endpoint plus a
// small admin surface for realms, health and metrics.
package service

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog"
	"github.com/pkg/errors"

	"github.com/rapidmidiex/wampx/internal/metrics"
	"github.com/rapidmidiex/wampx/internal/router"
	"github.com/rapidmidiex/wampx/internal/transport/websocket"
	"github.com/rapidmidiex/wampx/internal/wamp"
)

type Options struct {
	// Path mounts the websocket transport. Defaults to /ws.
	Path    string
	Origins []string
	Metrics *metrics.Collector
	// RequestLog turns on httplog access logging.
	RequestLog bool
}

type realmInfo struct {
	URI        wamp.URI   `json:"uri"`
	Sessions   int        `json:"sessions"`
	Topics     []wamp.URI `json:"topics,omitempty"`
	Procedures []wamp.URI `json:"procedures,omitempty"`
}

type createRealm struct {
	URI wamp.URI `json:"uri"`
}

type handler struct {
	Service
	router *router.Router
}

// NewRouter builds the HTTP surface of rt. transport serves websocket
// upgrades on opts.Path.
func NewRouter(rt *router.Router, transport http.Handler, s Service, opts Options) Service {
	if opts.Path == "" {
		opts.Path = "/ws"
	}

	hd := &handler{Service: s, router: rt}
	hd.routes(transport, opts)
	return hd
}

func (s *handler) routes(transport http.Handler, opts Options) {
	s.Use(middleware.Recoverer)
	if opts.RequestLog {
		s.Use(httplog.RequestLogger(*s.Log()))
	}

	if len(opts.Origins) > 0 {
		transport = websocket.CheckOrigin(opts.Origins...)(transport)
	}
	s.Handle(opts.Path, transport)

	s.Get("/healthz", s.handleHealth)

	s.Route("/realms", func(r chi.Router) {
		r.Get("/", s.handleListRealms())
		r.Post("/", s.handleCreateRealm())
		r.Get("/{uri}", s.handleGetRealm())
	})

	if opts.Metrics != nil {
		s.Handle("/metrics", opts.Metrics.Handler())
	}
}

func (s *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.RespondText(w, r, http.StatusOK)
}

func (s *handler) handleListRealms() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uris := s.router.Realms()
		v := make([]realmInfo, 0, len(uris))
		for _, uri := range uris {
			realm, ok := s.router.Lookup(uri)
			if !ok {
				continue
			}
			v = append(v, realmInfo{URI: uri, Sessions: len(realm.Sessions())})
		}
		s.Respond(w, r, v, http.StatusOK)
	}
}

func (s *handler) handleCreateRealm() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var v createRealm
		if err := s.Decode(w, r, &v); err != nil {
			s.Respond(w, r, err.Error(), http.StatusBadRequest)
			return
		}

		realm, err := s.router.CreateRealm(v.URI)
		switch {
		case errors.Is(err, wamp.ErrInvalidURI):
			s.Respond(w, r, err.Error(), http.StatusBadRequest)
			return
		case errors.Is(err, wamp.ErrRealmAlreadyExists):
			s.Respond(w, r, err.Error(), http.StatusConflict)
			return
		case err != nil:
			s.Log().Error().Err(err).Msg("create realm")
			s.RespondText(w, r, http.StatusInternalServerError)
			return
		}

		s.Created(w, r, realm.URI().String())
	}
}

func (s *handler) handleGetRealm() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uri := wamp.URI(chi.URLParam(r, "uri"))
		if !uri.Valid() {
			s.RespondText(w, r, http.StatusBadRequest)
			return
		}

		realm, ok := s.router.Lookup(uri)
		if !ok {
			s.RespondText(w, r, http.StatusNotFound)
			return
		}

		s.Respond(w, r, realmInfo{
			URI:        uri,
			Sessions:   len(realm.Sessions()),
			Topics:     realm.Topics(),
			Procedures: realm.Procedures(),
		}, http.StatusOK)
	}
}
