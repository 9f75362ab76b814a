package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/labiium/edurouter-go/config"
	"github.com/labiium/edurouter-go/embedding"
	"github.com/labiium/edurouter-go/engine"
	"github.com/labiium/edurouter-go/handler"
	"github.com/labiium/edurouter-go/logger"
	"github.com/labiium/edurouter-go/observability"
	"github.com/labiium/edurouter-go/ratelimit"
	"github.com/labiium/edurouter-go/redisclient"
	"github.com/labiium/edurouter-go/router"
	"github.com/labiium/edurouter-go/types"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("edurouter starting")

	policyDoc, err := loadPolicy(cfg.PolicyPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.PolicyPath).Msg("failed to load policy document")
	}
	catalogDoc, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.CatalogPath).Msg("failed to load catalog document")
	}

	emb := buildEmbeddingIndex(cfg, log)

	eng, err := engine.Bootstrap(engine.Config{
		OverlayDir:       cfg.OverlayDir,
		CacheMaxEntries:  cfg.CacheMaxEntries,
		CacheFreshTTL:    cfg.CacheFreshTTL(),
		CacheStaleExtend: cfg.CacheStaleExtend(),
		StickinessSecret: cfg.StickinessSecret,
	}, policyDoc, catalogDoc, emb, log)
	if err != nil {
		log.Fatal().Err(err).Msg("engine bootstrap failed")
	}

	var redisClient *redisclient.Client
	if cfg.RedisURL != "" {
		rc, err := redisclient.New(cfg, log)
		if err != nil {
			log.Warn().Err(err).Msg("redis init failed — continuing without cross-replica health broadcast")
		} else if err := rc.Ping(context.Background()); err != nil {
			log.Warn().Err(err).Msg("redis ping failed — continuing without cross-replica health broadcast")
		} else {
			log.Info().Msg("redis connected")
			redisClient = rc
		}
	}

	subCtx, stopSub := context.WithCancel(context.Background())
	if redisClient != nil {
		redisClient.Subscribe(subCtx, func(fb types.RouteFeedback) {
			latency := 0.0
			if fb.LatencyMs != nil {
				latency = *fb.LatencyMs
			}
			errored := fb.Error != nil && *fb.Error
			tps := 0.0
			if fb.TokensPerSec != nil {
				tps = *fb.TokensPerSec
			}
			eng.Health().RecordFeedback(fb.ModelID, latency, errored, tps)
		})
	}

	metrics := observability.NewMetrics()
	limiter := ratelimit.New(cfg.RateLimitBurst, cfg.RateLimitRefillPerSec)
	api := handler.New(eng, metrics, log, redisClient)

	r := router.NewRouter(cfg, log, api, limiter)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	sweepStop := make(chan struct{})
	go ratelimitSweep(limiter, sweepStop)

	var watcher *fsnotify.Watcher
	if cfg.OverlayWatchEnabled {
		watcher = startOverlayWatcher(cfg.OverlayDir, eng, log)
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("edurouter listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	close(sweepStop)
	stopSub()
	if watcher != nil {
		_ = watcher.Close()
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("edurouter stopped gracefully")
	}
}

func loadPolicy(path string) (types.PolicyDocument, error) {
	var doc types.PolicyDocument
	data, err := os.ReadFile(path)
	if err != nil {
		return doc, err
	}
	err = yaml.Unmarshal(data, &doc)
	return doc, err
}

func loadCatalog(path string) (types.CatalogDocument, error) {
	var doc types.CatalogDocument
	data, err := os.ReadFile(path)
	if err != nil {
		return doc, err
	}
	err = yaml.Unmarshal(data, &doc)
	return doc, err
}

// buildEmbeddingIndex constructs the optional canonical-task similarity
// index. A failure to load or vectorize canonical tasks is non-fatal:
// routing proceeds without a canonical hint, per this build's
// embedding-failure recovery rule.
func buildEmbeddingIndex(cfg *config.Config, log zerolog.Logger) *embedding.Index {
	if !cfg.EmbeddingEnabled {
		return nil
	}

	data, err := os.ReadFile(cfg.CanonicalTasksPath)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.CanonicalTasksPath).Msg("failed to read canonical tasks — embedding routing disabled")
		return nil
	}

	var tasks []embedding.CanonicalTask
	if err := yaml.Unmarshal(data, &tasks); err != nil {
		log.Warn().Err(err).Msg("failed to parse canonical tasks — embedding routing disabled")
		return nil
	}

	vectorizer := embedding.NewHTTPVectorizer(cfg.EmbeddingEndpoint, cfg.EmbeddingAPIKey)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	idx, err := embedding.New(ctx, vectorizer, tasks, cfg.EmbeddingTopK, cfg.EmbeddingCacheTTL())
	if err != nil {
		log.Warn().Err(err).Msg("failed to vectorize canonical tasks — embedding routing disabled")
		return nil
	}

	log.Info().Int("tasks", len(tasks)).Msg("embedding routing enabled")
	return idx
}

func ratelimitSweep(limiter *ratelimit.Limiter, stop <-chan struct{}) {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			limiter.Sweep()
		}
	}
}

// startOverlayWatcher re-scans the overlay directory on any filesystem
// change, keeping hot-reloaded overlay content in sync without an
// explicit admin call.
func startOverlayWatcher(dir string, eng *engine.Engine, log zerolog.Logger) *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("failed to start overlay watcher")
		return nil
	}
	if err := watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("failed to watch overlay directory")
		_ = watcher.Close()
		return nil
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := eng.ReloadOverlays(); err != nil {
						log.Warn().Err(err).Msg("overlay reload failed")
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("overlay watcher error")
			}
		}
	}()

	return watcher
}
