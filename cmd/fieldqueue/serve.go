package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/fieldqueue/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/server"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	tokenIssuer   = "fieldqueue"
	tokenAudience = "fieldqueue-api"
)

func newTokenIssuer(secret string, ttl time.Duration) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(secret),
		Issuer:        tokenIssuer,
		Audience:      tokenAudience,
		TokenTTL:      ttl,
	})
}

func runServer(ctx context.Context) error {
	app, err := loadApplication(ctx, true)
	if err != nil {
		return err
	}
	defer app.Close() //nolint:errcheck
	logger := app.logger
	defer logger.Sync() //nolint:errcheck

	if viper.ConfigFileUsed() != "" {
		app.preferences.WatchViper(viper.GetViper())
	}

	tokens, err := newTokenIssuer(app.config.SigningSecret, app.config.TokenTTL)
	if err != nil {
		return err
	}

	events := server.NewEventBus(time.Now)
	bridge := server.NewEventBridge(events)
	app.elementEdits.AddListener(bridge)
	app.noteEdits.AddListener(bridge)
	app.noteQuests.AddListener(bridge)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:              tokens,
		ElementEdits:        app.elementEdits,
		NoteEdits:           app.noteEdits,
		NoteQuests:          app.noteQuests,
		HiddenElementQuests: app.hiddenElements,
		QuestTypes:          app.questTypes,
		Events:              events,
		Logger:              logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    app.config.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runRetentionLoop(signalCtx, app.config.GCInterval, app.config.EditRetention, time.Now, logger, app.elementEdits, app.noteEdits)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
