// Package bootstrap loads configuration, builds the logger and drives the
// process lifecycle: every long-running component is a Runner on one
// errgroup, cancelled together on the first failure or a termination
// signal.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"exit_engine/internal/core"
)

// App holds the dependencies every component starts from.
type App struct {
	Cfg    *Config
	Logger core.ILogger
}

// NewApp loads the config, runs the pre-flight checks and builds the
// global logger.
func NewApp(configPath string) (*App, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger := InitLogger(cfg)

	return &App{
		Cfg:    cfg,
		Logger: logger,
	}, nil
}

// Runner is a component with a blocking Run that returns when its context
// is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Run starts every runner and blocks until all return. SIGINT/SIGTERM
// cancel the shared context; the first runner error does too and is
// returned.
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	a.Logger.Info("starting application")

	for _, runner := range runners {
		r := runner
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("application stopped with error", "error", err)
		return err
	}

	a.Logger.Info("application shut down")
	return nil
}
