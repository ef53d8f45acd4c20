package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tranchess/contract-exchange/internal/server"
	"github.com/tranchess/contract-exchange/internal/server/handler"
	"github.com/tranchess/contract-exchange/internal/server/ws"
	"github.com/tranchess/contract-exchange/internal/service"
)

// ServeMode runs the headless exchange: the HTTP + WebSocket API over the
// journaled service, plus the epoch archive sweeper when S3 is configured.
// It blocks until the context is cancelled or a component fails.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	var hub *ws.Hub
	if deps.Bus != nil {
		hub = ws.NewHub(deps.Bus, service.Channels(), a.logger)
		g.Go(func() error { return hub.Run(ctx) })
	}

	if a.cfg.Server.Enabled {
		handlers := server.Handlers{
			Health:      handler.NewHealthHandler(deps.Service, a.logger),
			Books:       handler.NewBookHandler(deps.Service, a.logger),
			Orders:      handler.NewOrderHandler(deps.Service, a.logger),
			Trades:      handler.NewTradeHandler(deps.Service, a.logger),
			Settlements: handler.NewSettlementHandler(deps.Service, a.logger),
			Accounts:    handler.NewAccountHandler(deps.Service, a.logger),
		}
		srv := server.NewServer(server.Config{
			Port:        a.cfg.Server.Port,
			CORSOrigins: a.cfg.Server.CORSOrigins,
			AuthToken:   a.cfg.Server.AuthToken,
			RateLimit:   a.cfg.Server.RateLimit,
		}, handlers, hub, deps.Limiter, a.logger)

		g.Go(srv.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if deps.Archiver != nil {
		interval := a.cfg.Exchange.EpochLength.Duration
		g.Go(func() error { return deps.Archiver.Run(ctx, interval) })
		a.logger.InfoContext(ctx, "archive sweeper started",
			slog.Duration("interval", interval),
		)
	}

	a.logger.InfoContext(ctx, "serve mode running",
		slog.Int("port", a.cfg.Server.Port),
		slog.Bool("http", a.cfg.Server.Enabled),
		slog.Bool("archiver", deps.Archiver != nil),
	)

	return g.Wait()
}
