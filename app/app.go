// Package app assembles a runnable server: configuration, logging,
// signal handling and the serve loop.
package app

import (
	"fmt"
	"os"
	"os/signal"

	"go.uber.org/zap"

	"github.com/bruinweb/bruin/config"
	"github.com/bruinweb/bruin/core"
	"github.com/bruinweb/bruin/core/wsgi"
)

// App bundles a configured server with its logger.
type App struct {
	cfg *config.Config
	log *zap.Logger
	srv *core.Server
}

// New builds an app around the given application callable. A nil config
// gets the defaults; the logger is production-grade zap.
func New(cfg *config.Config, handler wsgi.App) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	log, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	return &App{
		cfg: cfg,
		log: log,
		srv: core.New(cfg, log, handler),
	}, nil
}

// Server exposes the underlying server, mainly for tests.
func (a *App) Server() *core.Server {
	return a.srv
}

// Run listens, installs signal handling and serves until shutdown.
func (a *App) Run() error {
	defer a.log.Sync()

	if err := a.srv.Listen(); err != nil {
		return err
	}

	if signalHandlingEnabled {
		stop := a.installSignalHandler()
		defer stop()
	}

	return a.srv.Serve()
}

// installSignalHandler relays termination signals to the server. The
// handler goroutine does nothing beyond a single atomic flag store;
// workers observe the flag on their next poll tick.
func (a *App) installSignalHandler() func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, watchedSignals()...)

	go func() {
		sig, ok := <-ch
		if !ok {
			return
		}
		a.log.Info("shutdown requested", zap.String("signal", sig.String()))
		a.srv.RequestShutdown()
	}()

	return func() {
		signal.Stop(ch)
		close(ch)
	}
}
