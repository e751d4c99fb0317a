//go:build wireinject
// +build wireinject

package app

import (
	"log/slog"

	"github.com/google/wire"

	"github.com/trebuchet-org/treb-relay/internal/adapters"
	"github.com/trebuchet-org/treb-relay/internal/config"
	"github.com/trebuchet-org/treb-relay/internal/usecase"
)

// InitApp creates a fully wired App instance
func InitApp(cfg *config.Config, log *slog.Logger) (*App, error) {
	wire.Build(
		// Adapters
		adapters.AllAdapters,

		// Config slices
		ProvideSendConfig,
		ProvideMineConfig,
		ProvideConfirmConfig,
		ProvideRecoverConfig,

		// Use cases
		usecase.NewEnqueue,
		usecase.NewSend,
		usecase.NewMine,
		usecase.NewConfirm,
		usecase.NewCancel,
		usecase.NewRetry,
		usecase.NewSyncRetry,
		usecase.NewRecover,
		usecase.NewStatus,

		// App
		NewApp,
	)
	return nil, nil
}
