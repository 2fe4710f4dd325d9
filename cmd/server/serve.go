package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"sessiond/internal/config"
	"sessiond/internal/executor"
	"sessiond/internal/realtime"
	"sessiond/internal/session"
	"sessiond/internal/store"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// ServeCmd runs the HTTP and WebSocket server.
type ServeCmd struct {
	Addr      string `help:"Listen address. Overrides the config file." placeholder:":8420"`
	StaticDir string `help:"Directory of static frontend files to serve." type:"path"`
}

func (s *ServeCmd) Run(cli *CLI) error {
	cfg, cfgPath, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	if s.Addr != "" {
		cfg.Addr = s.Addr
	}
	if s.StaticDir != "" {
		cfg.StaticDir = s.StaticDir
	}

	log, level, err := newLogger(cfg.Log.Level, cfg.Log.Format, cli.Verbose)
	if err != nil {
		return err
	}
	defer log.Sync()
	if cfgPath != "" {
		log.Info("config loaded", zap.String("path", cfgPath))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	router := newRouter(cfg, log)

	rtOpts := []realtime.Option{realtime.WithProviders(router)}
	opts := []session.Option{
		session.WithLogger(log.Named("registry")),
		session.WithRingSize(cfg.Sessions.RingSize),
		session.WithMaxSessions(cfg.Sessions.MaxSessions),
		session.WithIdleTimeout(cfg.Sessions.IdleTimeout),
	}
	if cfg.History.Path != "" {
		st, err := store.Open(ctx, cfg.History.Path)
		if err != nil {
			return err
		}
		defer st.Close()
		opts = append(opts, session.WithHistorySink(st))
		rtOpts = append(rtOpts, realtime.WithHistory(st))
		log.Info("history enabled", zap.String("path", cfg.History.Path))
	}

	catalog := config.NewRoleCatalog(nil)
	if cfg.Roles.File != "" {
		roles, err := config.LoadRoles(cfg.Roles.File)
		if err != nil {
			return err
		}
		catalog.Replace(roles)
		log.Info("role presets loaded", zap.Int("count", len(roles)))
	}

	reg := session.NewRegistry(router, opts...)
	defer reg.Close()

	rt := realtime.New(reg, catalog, log.Named("realtime"), cfg.StaticDir, rtOpts...)
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: rt.Handler(),
	}

	var reloader *config.Reloader
	if cfgPath != "" {
		reloader, err = config.NewReloader(cfgPath, func(next *config.Config) {
			reg.SetIdleTimeout(next.Sessions.IdleTimeout)
			if err := applyLevel(level, next.Log.Level, cli.Verbose); err != nil {
				log.Warn("ignoring log level", zap.String("level", next.Log.Level), zap.Error(err))
			}
			if next.Roles.File != "" {
				roles, err := config.LoadRoles(next.Roles.File)
				if err != nil {
					log.Warn("keeping role presets", zap.Error(err))
					return
				}
				catalog.Replace(roles)
			}
		}, log.Named("config"), cfg.Roles.File)
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("sessiond listening", zap.String("addr", cfg.Addr), zap.Strings("providers", router.Providers()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		flushAll(shutdownCtx, reg, log)
		return httpServer.Shutdown(shutdownCtx)
	})

	if reloader != nil {
		g.Go(func() error { return reloader.Run(gctx) })
	}

	return g.Wait()
}

func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.LoadFromFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("load config %s: %w", path, err)
		}
		return cfg, path, nil
	}
	cfg, used, err := config.Load()
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	return cfg, used, nil
}

// newRouter registers the echo executor, plus Anthropic when a key is set.
func newRouter(cfg *config.Config, log *zap.Logger) *executor.Router {
	router := executor.NewRouter(cfg.Sessions.DefaultProvider)
	router.Register("echo", executor.NewEcho(executor.WithChunkDelay(cfg.Echo.ChunkDelay)))
	if cfg.Anthropic.APIKey != "" {
		router.Register("anthropic", executor.NewAnthropic(cfg.Anthropic.APIKey, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens))
	} else {
		log.Debug("anthropic provider disabled: no api key")
	}
	return router
}

// flushAll writes every session to the history sink before exit.
func flushAll(ctx context.Context, reg *session.Registry, log *zap.Logger) {
	for _, sum := range reg.List() {
		if err := reg.Flush(ctx, sum.ID); err != nil {
			log.Warn("flush on shutdown", zap.String("session", sum.ID), zap.Error(err))
		}
	}
}
