package main

import (
	"os"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"sync-server/internal/auth"
	"sync-server/internal/config"
	"sync-server/internal/push"
	"sync-server/internal/server"
	"sync-server/internal/store"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("component", "main").Logger()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("config load failed")
	}

	gin.SetMode(cfg.GinMode)
	st := store.NewWithOptions(store.Options{MachinesStateFile: cfg.MachinesStateFile})

	tokenCfg := auth.TokenConfig{
		Secret: cfg.MasterSecret,
		Expiry: cfg.TokenExpiry,
		Issuer: "sync-server",
	}

	var deliverer push.Deliverer
	if cfg.PushWebhookURL != "" {
		deliverer = push.NewWebhookDeliverer(cfg.PushWebhookURL)
	}

	app := server.NewApp(server.Deps{
		Store:       st,
		TokenConfig: tokenCfg,
		Policy:      cfg.Sync,
		Deliverer:   deliverer,
	})
	app.Engine.Start()
	defer app.Engine.Stop()

	logger.Info().Int("port", cfg.Port).Msg("listening")
	if err := server.Run(cfg, app.Router); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}
