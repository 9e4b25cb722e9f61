package main

import (
	"log/slog"
	"net/http"
	"time"

	tgbot "github.com/go-telegram/bot"

	"github.com/edgard/ledgerchat/internal/chat"
	"github.com/edgard/ledgerchat/internal/config"
	"github.com/edgard/ledgerchat/internal/database"
	"github.com/edgard/ledgerchat/internal/httpapi"
	"github.com/edgard/ledgerchat/internal/logger"
	"github.com/edgard/ledgerchat/internal/metrics"
	"github.com/edgard/ledgerchat/internal/telegram"
)

func newTelegram(cfg *config.Config, log *slog.Logger, sessions *chat.Sessions, loc *time.Location) (*tgbot.Bot, error) {
	deps := telegram.HandlerDeps{
		Logger:   log,
		Messages: cfg.Transcript.Messages,
		AdminID:  cfg.Telegram.AdminID,
		Location: loc,
		Sessions: sessions,
	}

	tg, err := telegram.NewTelegramBot(cfg.Telegram.Token, log,
		tgbot.WithMiddlewares(logger.Middleware(log)),
		tgbot.WithDefaultHandler(telegram.DefaultHandler(deps)),
	)
	if err != nil {
		return nil, err
	}
	if err := telegram.RegisterHandlers(tg, log, telegram.RegisterAllCommands(deps)); err != nil {
		return nil, err
	}
	return tg, nil
}

// newHTTPServer returns nil when the HTTP front end is disabled.
func newHTTPServer(cfg *config.Config, log *slog.Logger, store database.Store, sessions *chat.Sessions, m *metrics.Metrics, loc *time.Location) *http.Server {
	if !cfg.HTTP.Enabled {
		return nil
	}
	router := httpapi.NewRouter(httpapi.Deps{
		Logger:   log,
		Store:    store,
		Sessions: sessions,
		Metrics:  m,
		Location: loc,
	})
	return httpapi.NewServer(cfg.HTTP.Addr, cfg.HTTP.ReadTimeout, cfg.HTTP.WriteTimeout, router)
}
