package cmd

import (
	"context"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/rapidmidiex/wampx/internal/config"
	service "github.com/rapidmidiex/wampx/internal/http"
	"github.com/rapidmidiex/wampx/internal/metrics"
	"github.com/rapidmidiex/wampx/internal/router"
	"github.com/rapidmidiex/wampx/internal/transport/websocket"
	"github.com/rapidmidiex/wampx/internal/wamp"
)

func run(dev bool) func(cCtx *cli.Context) error {
	return func(cCtx *cli.Context) error {
		cfg, err := configFromFlags(cCtx, dev)
		if err != nil {
			return err
		}

		sCtx, cancel := signal.NotifyContext(
			cCtx.Context,
			syscall.SIGHUP,
			syscall.SIGINT,
			syscall.SIGTERM,
			syscall.SIGQUIT,
		)
		defer cancel()

		ln, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.Server.Port))
		if err != nil {
			return err
		}
		return serve(sCtx, cfg, cfg.Logger("wampx"), ln)
	}
}

// newRouter wires the router, its transport and the HTTP surface.
func newRouter(cfg *config.Config, log zerolog.Logger) (*router.Router, http.Handler, error) {
	m := metrics.New()

	rt := router.New(router.Options{
		AutoCreateRealms: cfg.Router.AutoCreateRealms,
		CloseTimeout:     cfg.Router.CloseTimeout,
		Logger:           log,
		Metrics:          m,
	})
	for _, uri := range realmURIs(cfg.Router.Realms) {
		if _, err := rt.CreateRealm(uri); err != nil && !errors.Is(err, wamp.ErrRealmAlreadyExists) {
			return nil, nil, err
		}
	}

	transport := websocket.NewServer(rt, websocket.Options{
		Logger:    log,
		ReadLimit: cfg.Server.ReadLimit,
		QueueSize: cfg.Server.QueueSize,
		Capacity:  cfg.Server.Capacity,
	})
	rt.AddCloser(transport)

	mux := service.NewRouter(rt, transport, service.New(service.WithLogger(log)), service.Options{
		Path:       cfg.Server.Path,
		Origins:    cfg.Server.Origins,
		Metrics:    m,
		RequestLog: cfg.Dev,
	})

	c := cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowCredentials: true,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept"},
		ExposedHeaders:   []string{"Location"},
		Debug:            cfg.Dev,
	}
	if len(cfg.Server.Origins) > 0 {
		c.AllowedOrigins = cfg.Server.Origins
	}

	return rt, cors.New(c).Handler(mux), nil
}

func serve(ctx context.Context, cfg *config.Config, log zerolog.Logger, ln net.Listener) error {
	rt, h, err := newRouter(cfg, log)
	if err != nil {
		return err
	}

	srv := http.Server{
		Handler: h,
		// max time to read request from the client
		ReadTimeout: 10 * time.Second,
		// max time to write response to the client
		WriteTimeout: 10 * time.Second,
		// max time for connections using TCP Keep-Alive
		IdleTimeout: 120 * time.Second,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", ln.Addr().String()).Str("path", cfg.Server.Path).Msg("wampx router starting")
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		log.Info().Msg("shutting down")

		if err := rt.Close(context.Background()); err != nil {
			log.Warn().Err(err).Msg("router close")
		}

		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}
