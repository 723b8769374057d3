package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"stats-servicev1/internal/logger"
	"stats-servicev1/internal/statsengine"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	logger.Init("statsengine", slog.LevelInfo)

	cfg, err := statsengine.LoadConfig()
	if err != nil {
		log.Fatalf("[statsengine] config: %v", err)
	}
	log.Printf("[statsengine] symbols: %v, timeframes: %v, pairs: %v", cfg.Symbols, cfg.Timeframes, cfg.Pairs)

	svc, err := statsengine.New(cfg)
	if err != nil {
		log.Fatalf("[statsengine] init failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := svc.Run(ctx); err != nil {
		log.Fatalf("[statsengine] fatal: %v", err)
	}
}
