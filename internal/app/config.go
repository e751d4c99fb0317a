package app

import (
	"github.com/trebuchet-org/treb-relay/internal/config"
	"github.com/trebuchet-org/treb-relay/internal/usecase"
)

// Per-use-case config slices, extracted so wire can inject them without
// handing every use case the whole Config.

// ProvideSendConfig provides the send worker's tuning.
func ProvideSendConfig(cfg *config.Config) usecase.SendConfig {
	return usecase.SendConfig{
		DeferDelay: cfg.Workers.DeferDelay,
	}
}

// ProvideMineConfig provides the mine worker's tuning.
func ProvideMineConfig(cfg *config.Config) usecase.MineConfig {
	return usecase.MineConfig{
		MinBlocksBeforeResend: cfg.Workers.MinBlocksBeforeResend,
	}
}

// ProvideConfirmConfig provides finality tracking tuning.
func ProvideConfirmConfig(cfg *config.Config) usecase.ConfirmConfig {
	return usecase.ConfirmConfig{
		Confirmations: cfg.Workers.Confirmations,
	}
}

// ProvideRecoverConfig provides the legacy sweep tuning.
func ProvideRecoverConfig(cfg *config.Config) usecase.RecoverConfig {
	return usecase.RecoverConfig{
		BatchSize: cfg.Legacy.BatchSize,
	}
}
