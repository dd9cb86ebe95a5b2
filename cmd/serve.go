package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"vid2audio/api"
	"vid2audio/config"
	"vid2audio/engine"
	"vid2audio/job"
	"vid2audio/media"
	"vid2audio/queue"
	"vid2audio/storage"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API and the background job workers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "port",
				Usage: "Listen port (overrides PORT)",
			},
			&cli.DurationFlag{
				Name:  "shutdown-timeout",
				Usage: "How long to wait for running jobs on shutdown",
				Value: 30 * time.Second,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if v := cmd.String("port"); v != "" {
				cfg.Port = v
			}
			return serve(ctx, cfg, cmd.Duration("shutdown-timeout"))
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, shutdownTimeout time.Duration) error {
	// 1. Initialize dependencies (runner first)
	runner, err := media.NewRunner(cfg)
	if err != nil {
		return fmt.Errorf("media runner: %w", err)
	}
	if err := runner.CheckBinaries(); err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	q, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer q.Close()

	pub, err := storage.New(ctx, cfg)
	if err != nil {
		return err
	}

	// 2. Job engine and router
	eng := engine.New(cfg, store, q, runner, pub)
	deps := api.Deps{Version: version, Monitor: runner}
	if lfs, ok := pub.(*storage.LocalFS); ok {
		deps.Files = lfs
	}
	gin.SetMode(gin.ReleaseMode)
	router := api.SetupRouter(api.NewHandler(eng, cfg, deps))
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: api.FullDuplex(router),
	}

	// 3. Start background workers and the HTTP server
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Str("storage", pub.Name()).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 4. Wait for interrupt signal for graceful shutdown
	select {
	case <-ctx.Done():
	case err := <-errCh:
		stop()
		return fmt.Errorf("listen: %w", err)
	}

	// Restore default behavior on the interrupt signal and notify user of shutdown.
	stop()
	log.Info().Msg("shutting down gracefully, press Ctrl+C again to force")

	// The HTTP server gets 5 seconds to finish the requests it is currently handling
	httpCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		log.Warn().Err(err).Msg("server forced to shutdown")
	}

	jobsCtx, cancelJobs := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelJobs()
	if err := eng.Shutdown(jobsCtx); err != nil {
		log.Warn().Err(err).Msg("running jobs were interrupted")
	}

	log.Info().Msg("server exiting")
	return nil
}

func openStore(cfg *config.Config) (job.Store, error) {
	switch cfg.StoreDriver {
	case "memory":
		log.Warn().Msg("using in-memory job store, jobs are lost on restart")
		return job.NewMemoryStore(), nil
	default:
		s, err := job.OpenSQL(cfg.StoreDriver, cfg.StoreDSN)
		if err != nil {
			return nil, fmt.Errorf("open job store: %w", err)
		}
		return s, nil
	}
}

func openQueue(ctx context.Context, cfg *config.Config) (queue.Queue, error) {
	switch cfg.QueueDriver {
	case "memory", "":
		return queue.NewMemory(cfg.QueueSize), nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		return queue.NewRedis(rdb, cfg.RedisQueue), nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.QueueDriver)
	}
}
