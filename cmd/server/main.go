// Package main starts the Antigravity gateway: an OpenAI compatible API in
// front of the Antigravity internal Gemini endpoint, backed by a rotating
// pool of OAuth credentials.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/cetaceang/antigravity2api/internal/api"
	"github.com/cetaceang/antigravity2api/internal/api/handlers"
	"github.com/cetaceang/antigravity2api/internal/buildinfo"
	"github.com/cetaceang/antigravity2api/internal/cache"
	"github.com/cetaceang/antigravity2api/internal/config"
	"github.com/cetaceang/antigravity2api/internal/imagestore"
	"github.com/cetaceang/antigravity2api/internal/logging"
	"github.com/cetaceang/antigravity2api/internal/pool"
	"github.com/cetaceang/antigravity2api/internal/translator/antigravity"
	"github.com/cetaceang/antigravity2api/internal/upstream"
)

func init() {
	logging.SetupBaseLogger()
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "path to the configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warnf("failed to load .env: %v", err)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err = logging.ConfigureLogOutput(cfg.LoggingToFile, cfg.Debug, cfg.LogMaxTotalSizeMB); err != nil {
		log.Fatalf("failed to configure logging: %v", err)
	}
	log.Infof("antigravity2api %s (commit %s, built %s)", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)

	if len(cfg.APIKeys) == 0 {
		log.Warn("no api keys configured, all client requests will be rejected")
	}

	accounts, err := pool.NewManager(pool.NewFileStore(cfg.TokenFile), pool.ManagerOptions{
		RotationCount: cfg.TokenRotationCount,
		OAuth: pool.OAuthSettings{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			TokenURL:     cfg.OAuth.TokenURL,
		},
	})
	if err != nil {
		log.Fatalf("failed to load account pool: %v", err)
	}
	log.Infof("account pool loaded: %d account(s)", len(accounts.Accounts()))

	converter := antigravity.NewConverter(cache.NewSignatureCache(), cache.NewToolNameCache())
	images := imagestore.New(cfg.Image.Dir, cfg.Image.MaxImages)
	client := upstream.New(cfg.UpstreamBaseURL, cfg.ProxyURL)

	handler := handlers.New(cfg, accounts, converter, images, client)
	server := api.NewServer(cfg, handler)

	stopWatcher, err := config.Watch(configPath, cfg, func(live *config.Config) {
		accounts.SetRotationCount(live.RotationCount())
		logging.SetDebug(live.DebugEnabled())
	})
	if err != nil {
		log.Warnf("config watcher disabled: %v", err)
	} else {
		defer stopWatcher()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infof("received %s, shutting down", sig)
	case err = <-errCh:
		if err != nil {
			log.Fatalf("server failed: %v", err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err = server.Shutdown(ctx); err != nil {
		log.Errorf("graceful shutdown failed: %v", err)
	}
}
