// Package app wires the server components together with fx.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/DoyleJ11/arena-backend/internal/bus"
	"github.com/DoyleJ11/arena-backend/internal/config"
	"github.com/DoyleJ11/arena-backend/internal/httpapi"
	"github.com/DoyleJ11/arena-backend/internal/hub"
	"github.com/DoyleJ11/arena-backend/internal/logger"
	"github.com/DoyleJ11/arena-backend/internal/matchmaking"
	"github.com/DoyleJ11/arena-backend/internal/pricefeed"
	"github.com/DoyleJ11/arena-backend/internal/store"
	"github.com/DoyleJ11/arena-backend/internal/store/postgres"
	"github.com/DoyleJ11/arena-backend/internal/ws"
)

const startupTimeout = 10 * time.Second

var Module = fx.Options(
	fx.Provide(NewLogger),
	// transport
	fx.Provide(NewBus),
	fx.Provide(NewFeed),
	// persistence
	fx.Provide(NewResults),
	fx.Provide(NewSink),
	// battle core
	fx.Provide(NewHub),
	fx.Provide(NewQueue),
	// edge
	fx.Provide(NewHandler),
)

// New builds the application for cfg. Callers Start and Stop it.
func New(cfg config.Config, opts ...fx.Option) *fx.App {
	return fx.New(
		fx.Supply(cfg),
		Module,
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Options(opts...),
		fx.Invoke(RunServer),
		fx.StartTimeout(startupTimeout),
		fx.StopTimeout(cfg.ShutdownTimeout),
	)
}

func NewLogger(lc fx.Lifecycle, cfg config.Config) (*zap.Logger, error) {
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			_ = log.Sync()
			return nil
		},
	})
	return log, nil
}

func NewBus(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (bus.Bus, error) {
	var b bus.Bus
	switch cfg.Bus {
	case config.BusRedis:
		ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
		defer cancel()
		r, err := bus.NewRedis(ctx, cfg.RedisAddr, cfg.BusBuffer, log)
		if err != nil {
			return nil, err
		}
		b = r
	default:
		b = bus.NewMemory(cfg.BusBuffer, log)
	}
	log.Info("bus ready", zap.String("transport", cfg.Bus))

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return b.Close()
		},
	})
	return b, nil
}

// NewFeed uses the HTTP quote service when configured and an empty static
// feed otherwise, in which case prices hold at their reference values.
func NewFeed(cfg config.Config, log *zap.Logger) pricefeed.Feed {
	if cfg.PriceFeedURL == "" {
		log.Warn("no price feed configured, portfolio prices stay flat")
		return pricefeed.NewStatic(nil)
	}
	return pricefeed.NewHTTPFeed(cfg.PriceFeedURL, cfg.PriceBatchSize, cfg.LookupTimeout)
}

// NewResults opens the Postgres result store. It returns nil when no DSN is
// configured.
func NewResults(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*postgres.Store, error) {
	if cfg.PGDSN == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	pg, err := postgres.NewStore(ctx, cfg.PGDSN, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pg.Close()
			return nil
		},
	})
	return pg, nil
}

func NewSink(cfg config.Config, pg *postgres.Store) store.Sink {
	var sinks store.Multi
	if cfg.ResultsPath != "" {
		sinks = append(sinks, store.NewJSONL(cfg.ResultsPath))
	}
	if pg != nil {
		sinks = append(sinks, pg)
	}
	if len(sinks) == 0 {
		return store.Nop{}
	}
	return sinks
}

func NewHub(lc fx.Lifecycle, cfg config.Config, b bus.Bus, feed pricefeed.Feed, sink store.Sink, log *zap.Logger) *hub.Hub {
	h := hub.NewHub(context.Background(), hub.Config{
		Bus:      b,
		Feed:     feed,
		Sink:     sink,
		Settings: cfg.Battle(),
		Log:      log,
	})
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return h.Close(ctx)
		},
	})
	return h
}

func NewQueue(cfg config.Config, b bus.Bus, h *hub.Hub, log *zap.Logger) *matchmaking.Queue {
	return matchmaking.New(matchmaking.Config{
		Bus:       b,
		Rooms:     h,
		Members:   h,
		Log:       log,
		BotBasket: cfg.BotBasket,
	})
}

func NewHandler(cfg config.Config, b bus.Bus, h *hub.Hub, q *matchmaking.Queue, pg *postgres.Store, log *zap.Logger) http.Handler {
	deps := httpapi.Deps{
		Hub:            h,
		Queue:          q,
		AllowedOrigins: cfg.AllowedOrigins,
		Log:            log,
		WS: ws.Handler(ws.Deps{
			Bus:            b,
			Hub:            h,
			Queue:          q,
			Log:            log.Named("ws"),
			OriginPatterns: cfg.AllowedOrigins,
		}),
	}
	if pg != nil {
		deps.Results = pg
	}
	return httpapi.SetupRoutes(deps)
}

// RunServer binds the listener on start and drains connections on stop.
func RunServer(lc fx.Lifecycle, cfg config.Config, handler http.Handler, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			log.Info("server starting", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("shutting down server")
			if err := srv.Shutdown(ctx); err != nil {
				log.Error("server shutdown failed", zap.Error(err))
				return err
			}
			log.Info("server stopped gracefully")
			return nil
		},
	})
}
