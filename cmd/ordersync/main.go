package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agamariel/ordersync/internal/auth"
	"github.com/agamariel/ordersync/internal/config"
)

func main() {
	os.Exit(run())
}

// run возвращает код выхода: 0 при успехе, 1 при ошибке.
func run() int {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if cfg.Mode == config.ModeToken {
		return issueToken(cfg)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Инициализация приложения
	app, err := NewApp(rootCtx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize application", "error", err)
		return 1
	}
	defer app.Close()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	switch cfg.Mode {
	case config.ModeServe:
		// Запуск сервера в отдельной горутине
		go func() {
			if err := app.Start(rootCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("server error", "error", err)
				quit <- syscall.SIGTERM
			}
		}()

		// Graceful shutdown
		<-quit
		rootCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := app.Shutdown(ctx); err != nil {
			logger.Error("shutdown failed", "error", err)
			return 1
		}
		return 0

	case config.ModeSync, config.ModeHistorical, config.ModeOpen:
		go func() {
			select {
			case <-quit:
				logger.Info("interrupt received, stopping after current page")
				rootCancel()
			case <-rootCtx.Done():
			}
		}()

		if err := app.RunOnce(rootCtx, cfg.Mode); err != nil {
			logger.Error("sync failed", "mode", cfg.Mode, "error", err)
			return 1
		}
		return 0

	default:
		logger.Error("unknown mode", "mode", cfg.Mode)
		return 1
	}
}

// issueToken печатает токен оператора для API статуса.
func issueToken(cfg *config.Config) int {
	var scopes []string
	for _, s := range strings.Split(cfg.Run.Scopes, ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}

	token, err := auth.GenerateToken(cfg.Run.Operator, scopes, cfg.JWTSecret, cfg.TokenExpiration)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to issue token: %v\n", err)
		return 1
	}
	fmt.Println(token)
	return 0
}
