package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/SunFlash12/ForgeV3-sub007/internal/api"
	"github.com/SunFlash12/ForgeV3-sub007/internal/config"
	"github.com/SunFlash12/ForgeV3-sub007/internal/engine"
)

func main() {
	configPath := flag.String("config", "forge.yaml", "path to the config file")
	devLogs := flag.Bool("dev", false, "human-readable log output")
	flag.Parse()

	logger, err := buildLogger(*devLogs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("loading config failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("building engine failed", zap.Error(err))
	}
	eng.Start(ctx)

	server := api.NewServer(logger, eng)
	httpSrv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: server.Router(cfg),
	}

	go func() {
		logger.Info("listening",
			zap.String("addr", cfg.Server.ListenAddr),
			zap.String("instance", eng.InstanceLabel()))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	server.Hub().Close()
	eng.Stop()
}

func buildLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
