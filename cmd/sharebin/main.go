package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sharebin/cfg"
	"sharebin/svc/api"
	"sharebin/svc/cache"
	"sharebin/svc/db"
	"sharebin/svc/lim"
	"sharebin/svc/render"
	"sharebin/svc/svc"
	"sharebin/svc/util"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

// Set via ldflags.
var Version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		util.Error().Err(err).Msg("sharebin exited with error")
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "sharebin",
		Usage:   "minimal pastebin",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "env-file",
				Usage:   "dotenv file loaded before reading configuration",
				EnvVars: []string{"SHAREBIN_ENV_FILE"},
				Value:   ".env",
			},
		},
		Before: func(c *cli.Context) error {
			return cfg.LoadDotEnv(c.String("env-file"))
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP server (default)",
				Action: serve,
			},
			{
				Name:   "health",
				Usage:  "exit non-zero unless the paste database answers",
				Action: health,
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "timeout",
						Value: 2 * time.Second,
					},
				},
			},
		},
	}
}

func health(c *cli.Context) error {
	conf, err := cfg.Load()
	if err != nil {
		return cli.Exit(fmt.Sprintf("load configuration: %v", err), 1)
	}
	defer conf.Wipe()
	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()
	if err := db.PingFile(ctx, conf.DatabasePath); err != nil {
		return cli.Exit(fmt.Sprintf("database %s: %v", conf.DatabasePath, err), 1)
	}
	fmt.Fprintln(c.App.Writer, "ok")
	return nil
}

func serve(c *cli.Context) error {
	conf, err := cfg.Load()
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}
	if err := cfg.Validate(conf); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	defer conf.Wipe()
	util.InitLog(conf.LogLevel, conf.Environment == "development")
	util.Info().Str("version", Version).Msg("starting sharebin")

	sqlDB, err := db.NewSQLiteWithConfig(conf.DatabasePath, conf.DBQueryTimeout)
	if err != nil {
		return errors.Wrap(err, "initialize database")
	}
	defer sqlDB.Close()
	util.Info().Str("path", conf.DatabasePath).Msg("database initialized")

	var rdb *db.Redis
	if conf.RedisURL != "" {
		rdb, err = db.NewRedis(conf.RedisURL, conf)
		if err != nil {
			if conf.Environment == "production" {
				return errors.Wrap(err, "redis configured but unreachable")
			}
			util.Warn().Err(err).Msg("redis unavailable, continuing without shared cache")
			rdb = nil
		} else {
			defer rdb.Close()
			util.Info().Msg("redis connected")
		}
	}

	lruCache, err := cache.NewLRU(conf.LRUCacheSize, conf.CacheTTL)
	if err != nil {
		return errors.Wrap(err, "create LRU cache")
	}
	util.Info().Int("size", conf.LRUCacheSize).Msg("LRU cache initialized")

	pasteSvc := svc.NewPaste(sqlDB, lruCache, rdb, conf)

	limiter := lim.New(conf.RateLimit.RPM, conf.RateLimit.Burst, conf.RateLimit.ConservativeLimit, rdb, conf.TrustedProxies)
	defer limiter.Stop()
	util.Info().
		Int("rpm", conf.RateLimit.RPM).
		Int("burst", conf.RateLimit.Burst).
		Int("create_rpm", conf.RateLimit.ConservativeLimit).
		Strs("trusted_proxies", conf.TrustedProxies).
		Msg("rate limiter initialized")

	rnd, err := render.New(conf.TemplateDir)
	if err != nil {
		return errors.Wrap(err, "load templates")
	}
	defer rnd.Close()
	if conf.TemplateAutoreload {
		if err := rnd.Watch(); err != nil {
			return errors.Wrap(err, "watch templates")
		}
		util.Info().Str("dir", conf.TemplateDir).Msg("template autoreload enabled")
	}

	server := api.NewServer(conf, pasteSvc, limiter, rnd, sqlDB, rdb)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	walCtx, stopWAL := context.WithCancel(context.Background())
	walDone := make(chan struct{})
	go func() {
		defer close(walDone)
		db.StartWALMaintenance(walCtx, sqlDB, conf.WALCheckpointInterval)
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()
	util.Info().Str("port", conf.Port).Str("environment", conf.Environment).Msg("server started")

	var runErr error
	select {
	case <-ctx.Done():
		util.Info().Msg("shutting down gracefully...")
	case runErr = <-errCh:
		util.Error().Err(runErr).Msg("server stopped unexpectedly")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	pasteSvc.Shutdown()

	stopWAL()
	select {
	case <-walDone:
		util.Info().Msg("WAL maintenance stopped")
	case <-shutdownCtx.Done():
		util.Warn().Msg("WAL maintenance did not stop in time")
	}
	util.Info().Msg("shutdown complete")
	return runErr
}
