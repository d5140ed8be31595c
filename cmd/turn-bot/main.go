package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/comtower/signal-turn-bot/internal/awbw"
	appcfg "github.com/comtower/signal-turn-bot/internal/config"
	"github.com/comtower/signal-turn-bot/internal/httpapi"
	"github.com/comtower/signal-turn-bot/internal/msgcat"
	"github.com/comtower/signal-turn-bot/internal/notify"
	"github.com/comtower/signal-turn-bot/internal/obslog"
	"github.com/comtower/signal-turn-bot/internal/signalbridge"
	"github.com/comtower/signal-turn-bot/internal/store"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.L()

	repo, err := store.NewRepository(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("store init error: %v", err)
	}
	if err := ensureSchema(repo); err != nil {
		log.Fatalf("schema error: %v", err)
	}

	var cache *store.Cache
	if cfg.RedisURL != "" {
		cache, err = store.NewCacheFromURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("cache init error: %v", err)
		}
	} else {
		logger.Warn("redis_disabled")
	}

	catalog, err := msgcat.New(os.Getenv("MSG_TEMPLATE_DIR"))
	if err != nil {
		log.Fatalf("message catalog error: %v", err)
	}

	bridge := signalbridge.NewClient(cfg.SignalBridgeURL, cfg.SignalBotNumber)
	detector := awbw.NewDetector(cfg.AWBWHTTPBase)
	renderer := notify.NewRenderer(cfg.RenderURL, catalog)

	var groupCache notify.GroupIDCache
	if cache != nil {
		groupCache = cache
	}
	dispatcher := notify.NewDispatcher(bridge, groupCache, repo, cfg.DryRun)
	pipeline := notify.NewPipeline(detector, renderer, dispatcher, repo, cache)
	supervisor := notify.NewSupervisor(cfg.AWBWWSBase, cfg.ReconnectDelay, cfg.GameEndPoll, detector, pipeline)

	watcher := notify.NewWatcher(repo, supervisor, cfg.PatchPollInterval)
	watcher.Start()
	sweep := notify.NewSweep(supervisor, pipeline, cfg.SweepInterval)
	sweep.Start()

	var statusSrv *httpapi.Server
	if cfg.StatusAddr != "" {
		statusSrv = httpapi.NewServer(cfg.StatusAddr, bridge, supervisor)
		statusSrv.Start()
	}

	logger.Info("turn_bot_started",
		zap.String("ws_base", cfg.AWBWWSBase),
		zap.Bool("dry_run", cfg.DryRun))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("turn_bot_stopping")

	watcher.Stop()
	sweep.Stop()
	supervisor.StopAll()
	if statusSrv != nil {
		_ = statusSrv.Shutdown()
	}
	if cache != nil {
		_ = cache.Close()
	}
	_ = repo.Close()
}

func ensureSchema(repo *store.Repository) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return repo.EnsureSchema(ctx)
}
