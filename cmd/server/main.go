package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Cnily03/ret2shell-frp-controller/internal/config"
	"github.com/Cnily03/ret2shell-frp-controller/internal/httpapi"
	"github.com/Cnily03/ret2shell-frp-controller/internal/kv"
	"github.com/Cnily03/ret2shell-frp-controller/internal/master"
	"github.com/Cnily03/ret2shell-frp-controller/internal/portalloc"
	"github.com/Cnily03/ret2shell-frp-controller/internal/reaper"
	"github.com/Cnily03/ret2shell-frp-controller/internal/traffic"
)

// masterUser namespaces CLIENT_ID / server-ID matching (spec §3). It is not
// itself part of the loaded configuration — the loader's contract (spec
// §6.3) only promises master.username/password, so the prefix is supplied
// alongside them here.
const masterUser = "ret2shell"

func main() {
	var (
		configPath string
		listenAddr string
	)

	root := &cobra.Command{
		Use:   "ret2shell-frp-controller",
		Short: "Traffic lifecycle controller fronting the tunnel master",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, listenAddr)
		},
	}
	root.Flags().StringVar(&configPath, "config", "config.toml", "path to the TOML configuration file")
	root.Flags().StringVar(&listenAddr, "listen", ":8080", "HTTP listen address")

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("exiting")
	}
}

func run(configPath, listenAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	setupLogger()
	log.Info().Str("config", configPath).Msg("starting ret2shell-frp-controller")

	cacheURL := cfg.Cache.URL
	if cacheURL == "" {
		cacheURL = "redis://127.0.0.1:6379/0"
	}
	idx, err := kv.NewRedisIndex(cacheURL)
	if err != nil {
		return fmt.Errorf("connect cache: %w", err)
	}

	mc := master.New(cfg.Master.APIBase, cfg.Master.Username, cfg.Master.Password, masterUser, idx)
	alloc := portalloc.New(idx)
	manager := traffic.New(idx, alloc, mc, cfg)

	redisOpt, err := asynqRedisOpt(cacheURL)
	if err != nil {
		return fmt.Errorf("parse cache.url for reaper: %w", err)
	}
	gc := reaper.New(redisOpt, idx, manager, time.Duration(cfg.App.CleanupInterval)*time.Second)
	if err := gc.Start(); err != nil {
		return fmt.Errorf("start reaper: %w", err)
	}
	defer gc.Shutdown()

	srv := httpapi.New(cfg, manager)

	go func() {
		if err := srv.Start(listenAddr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server forced to shutdown")
	}

	log.Info().Msg("exited")
	return nil
}

// asynqRedisOpt adapts the cache.url the KV Index already parses into the
// asynq.RedisClientOpt the Reaper needs for its own Redis connection.
func asynqRedisOpt(url string) (asynq.RedisClientOpt, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}
	return asynq.RedisClientOpt{Addr: opts.Addr, Password: opts.Password, DB: opts.DB}, nil
}

func setupLogger() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("LOG_FORMAT") == "pretty" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
