package service

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	h "github.com/hyphengolang/prelude/http"
	"github.com/rs/zerolog"
)

type Service interface {
	chi.Router

	Log() *zerolog.Logger

	Decode(http.ResponseWriter, *http.Request, any) error
	Respond(http.ResponseWriter, *http.Request, any, int)
	RespondText(w http.ResponseWriter, r *http.Request, status int)
	Created(http.ResponseWriter, *http.Request, string)
}

type service struct {
	chi.Router
	log zerolog.Logger
}

// Created implements Service
func (*service) Created(w http.ResponseWriter, r *http.Request, id string) {
	h.Created(w, r, id)
}

// Decode implements Service
func (*service) Decode(w http.ResponseWriter, r *http.Request, v any) error {
	return h.Decode(w, r, v)
}

// Log implements Service
func (s *service) Log() *zerolog.Logger { return &s.log }

// Respond implements Service
func (*service) Respond(w http.ResponseWriter, r *http.Request, v any, status int) {
	h.Respond(w, r, v, status)
}

func (s *service) RespondText(w http.ResponseWriter, r *http.Request, status int) {
	s.Respond(w, r, http.StatusText(status), status)
}

func New(opt ...Option) Service {
	s := service{log: zerolog.Nop()}
	for _, o := range opt {
		o(&s)
	}

	if s.Router == nil {
		s.Router = chi.NewRouter()
	}

	return &s
}

type Option func(*service)

func WithRouter(mux chi.Router) Option {
	return func(s *service) {
		s.Router = mux
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *service) {
		s.log = log
	}
}
