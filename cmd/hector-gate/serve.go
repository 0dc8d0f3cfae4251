// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/hector-gate/pkg/config"
)

// ServeCmd starts the admission gate.
type ServeCmd struct {
	Address  string `help:"Listen address. Overrides server.address."`
	Upstream string `help:"Upstream URL to proxy admitted requests to. Overrides server.upstream."`
	Watch    bool   `help:"Reload route policies when the config changes." default:"true" negatable:""`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.loadDotEnv(); err != nil {
		return err
	}
	pcfg, err := cli.providerConfig()
	if err != nil {
		return err
	}

	cfg, loader, err := config.LoadConfig(ctx, pcfg)
	if err != nil {
		return err
	}
	defer loader.Close()

	logger, cleanup, err := initLogger(cli, &cfg.Logger)
	if err != nil {
		return err
	}
	defer cleanup()

	c.applyOverrides(cfg)
	if err := cfg.Server.Validate(); err != nil {
		return fmt.Errorf("invalid server flags: %w", err)
	}

	app, err := newGateApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := app.Close(shutdownCtx); err != nil {
			logger.Warn("Error during shutdown", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.server.Start(gctx)
	})
	if app.sweeper != nil {
		g.Go(func() error {
			return app.sweeper.Run(gctx)
		})
	}
	if c.Watch {
		// The watcher shares the provider but logs through the configured logger.
		g.Go(func() error {
			return config.NewLoader(loader.Provider(),
				config.WithLogger(logger),
				config.WithOnChange(func(next *config.Config) {
					c.applyOverrides(next)
					app.reload(next)
				}),
			).Watch(gctx)
		})
	}

	err = g.Wait()
	logger.Info("Admission gate stopped")
	return err
}

// applyOverrides copies command-line settings into cfg so reloads keep them.
func (c *ServeCmd) applyOverrides(cfg *config.Config) {
	if c.Address != "" {
		cfg.Server.Address = c.Address
	}
	if c.Upstream != "" {
		cfg.Server.Upstream = c.Upstream
	}
}
