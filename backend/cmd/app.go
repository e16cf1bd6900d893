package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/chathub/backend/config"
	httpServer "github.com/adwski/chathub/backend/server/http"
	websocketServer "github.com/adwski/chathub/backend/server/websocket"
	"github.com/adwski/chathub/backend/service"
	store "github.com/adwski/chathub/backend/storage/memory"
	sw "github.com/adwski/chathub/backend/switch"
	"github.com/rs/zerolog"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(os.Args[1:], nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger = logger.Level(cfg.Level())

	svc := service.NewService(service.Config{
		Registry: store.NewRegistry(),
		Rooms:    store.NewRooms(),
		Typing:   store.NewTyping(),
		History:  store.NewHistory(cfg.HistorySize),
		Switch:   sw.NewSwitch(&logger),
		Logger:   &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:       &logger,
		QueryService: svc,
		ListenAddr:   cfg.APIListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:         &logger,
		ChatService:    svc,
		ListenAddr:     cfg.WSListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxMessageSize: cfg.MaxMessageSize,
		RateLimit: websocketServer.RateLimit{
			Burst:     cfg.RateLimitBurst,
			PerSecond: cfg.RateLimitPerSecond,
		},
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
