package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"parish-chat/internal/chat"
	"parish-chat/internal/config"
	"parish-chat/internal/feed"
	"parish-chat/internal/files"
	"parish-chat/internal/metrics"
	"parish-chat/internal/server"
	"parish-chat/internal/store"

	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	confPath := "config.yaml"
	if len(os.Args) > 1 {
		confPath = os.Args[1]
	}
	conf, err := config.Load(confPath)
	if err != nil {
		sugar.Warnf("config %s not readable (%v), using defaults", confPath, err)
		conf = config.Default()
	}

	if err := os.MkdirAll(filepath.Dir(conf.DatabasePath), 0755); err != nil {
		sugar.Fatalf("creating data directory: %v", err)
	}
	if err := os.MkdirAll(conf.UploadDir, 0755); err != nil {
		sugar.Fatalf("creating upload directory: %v", err)
	}

	hub := feed.NewHub(sugar, conf.FeedBuffer)

	st, err := store.Open(sugar, hub, conf.DatabasePath)
	if err != nil {
		sugar.Fatalf("opening store: %v", err)
	}
	if err := st.DB().AutoMigrate(&metrics.Snapshot{}); err != nil {
		sugar.Fatalf("migrating metrics tables: %v", err)
	}

	createDefaultChannelIfNeeded(st, sugar)

	metricsService := metrics.NewService(st.DB(), sugar, conf.MetricsInterval)
	metricsService.Start()
	defer metricsService.Stop()

	storage := &files.Disk{
		Dir:         conf.UploadDir,
		BaseURL:     "/uploads",
		MaxFileSize: conf.MaxFileSize,
	}

	srv := server.New(st, hub, storage, sugar, conf)

	httpServer := &http.Server{
		Addr:              conf.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sugar.Infof("%s listening on %s", conf.Name, conf.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalf("http server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	sugar.Info("shutting down")
	httpServer.Close()
}

// createDefaultChannelIfNeeded bootstraps an empty installation with one
// group channel so first-run clients have somewhere to land.
func createDefaultChannelIfNeeded(st *store.Store, logger *zap.SugaredLogger) {
	var count int64
	if err := st.DB().Model(&chat.Channel{}).Count(&count).Error; err != nil {
		logger.Errorf("counting channels: %v", err)
		return
	}
	if count > 0 {
		return
	}

	ch := &chat.Channel{
		Name:        "general",
		Description: "Parish-wide discussion",
		Type:        chat.ChannelTypeGroup,
		CreatedBy:   "system",
	}
	if err := st.CreateChannel(context.Background(), ch, nil); err != nil {
		logger.Errorf("creating default channel: %v", err)
		return
	}
	logger.Infof("created default channel %q", ch.Name)
}
