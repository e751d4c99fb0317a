package adapters

import (
	"log/slog"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-redis/redis/v8"
	"github.com/google/wire"

	"github.com/trebuchet-org/treb-relay/internal/adapters/accounts"
	"github.com/trebuchet-org/treb-relay/internal/adapters/bundler"
	"github.com/trebuchet-org/treb-relay/internal/adapters/legacy"
	"github.com/trebuchet-org/treb-relay/internal/adapters/nonces"
	"github.com/trebuchet-org/treb-relay/internal/adapters/queue"
	"github.com/trebuchet-org/treb-relay/internal/adapters/rpc"
	"github.com/trebuchet-org/treb-relay/internal/adapters/store"
	"github.com/trebuchet-org/treb-relay/internal/adapters/webhook"
	"github.com/trebuchet-org/treb-relay/internal/config"
	"github.com/trebuchet-org/treb-relay/internal/usecase"
)

// ProvideRedisClient provides the shared Redis connection.
func ProvideRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// ProvideRPCEndpoints maps chain ids to their RPC URLs.
func ProvideRPCEndpoints(cfg *config.Config) (map[uint64]string, error) {
	out := make(map[uint64]string, len(cfg.Chains))
	for key, chain := range cfg.Chains {
		id, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return nil, err
		}
		out[id] = chain.RPCURL
	}
	return out, nil
}

// ProvideBundlerChains maps chain ids to their bundler configuration.
func ProvideBundlerChains(cfg *config.Config) (map[uint64]bundler.ChainConfig, error) {
	out := make(map[uint64]bundler.ChainConfig, len(cfg.Chains))
	for key, chain := range cfg.Chains {
		if chain.BundlerURL == "" {
			continue
		}
		id, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return nil, err
		}
		out[id] = bundler.ChainConfig{
			BundlerURL:   chain.BundlerURL,
			PaymasterURL: chain.PaymasterURL,
			EntryPoint:   common.HexToAddress(chain.EntryPoint),
		}
	}
	return out, nil
}

// ProvideAccountResolver builds the local-key resolver over the RPC
// broadcaster.
func ProvideAccountResolver(cfg *config.Config, chain *rpc.MultiChainClient) (*accounts.LocalResolver, error) {
	return accounts.NewLocalResolver(cfg.PrivateKeys, chain)
}

// ProvideScheduler builds the job scheduler from worker config.
func ProvideScheduler(cfg *config.Config, log *slog.Logger) *queue.Scheduler {
	return queue.NewScheduler(queue.SchedulerConfig{
		SendConcurrency:   cfg.Workers.SendConcurrency,
		MineConcurrency:   cfg.Workers.MineConcurrency,
		CancelConcurrency: cfg.Workers.CancelConcurrency,
		SendMaxAttempts:   cfg.Workers.SendMaxAttempts,
		MineMaxAttempts:   cfg.Workers.MineMaxAttempts,
		MinePollInterval:  cfg.Workers.MinePollInterval,
	}, log)
}

// ProvideNotifier builds the webhook notifier.
func ProvideNotifier(cfg *config.Config, log *slog.Logger) *webhook.Notifier {
	return webhook.NewNotifier(webhook.Config{
		URL:     cfg.Webhook.URL,
		Secret:  cfg.Webhook.Secret,
		Timeout: cfg.Webhook.Timeout,
	}, log)
}

// ProvideLegacyStore opens the legacy Postgres store, or a no-op when none
// is configured.
func ProvideLegacyStore(cfg *config.Config) (usecase.LegacyStore, error) {
	if cfg.Legacy.PostgresDSN == "" {
		return legacy.NoopStore{}, nil
	}
	return legacy.NewPostgresStore(cfg.Legacy.PostgresDSN)
}

// StoreSet provides Redis-backed persistence.
var StoreSet = wire.NewSet(
	ProvideRedisClient,
	store.NewRedisStore,
	wire.Bind(new(usecase.TransactionStore), new(*store.RedisStore)),

	store.NewRedisIdempotency,
	wire.Bind(new(usecase.IdempotencyStore), new(*store.RedisIdempotency)),

	nonces.NewRedisAllocator,
	wire.Bind(new(usecase.NonceAllocator), new(*nonces.RedisAllocator)),
)

// ChainSet provides RPC, signing and bundler access.
var ChainSet = wire.NewSet(
	ProvideRPCEndpoints,
	rpc.NewMultiChainClient,
	wire.Bind(new(usecase.ChainClient), new(*rpc.MultiChainClient)),

	ProvideAccountResolver,
	wire.Bind(new(usecase.AccountResolver), new(*accounts.LocalResolver)),

	ProvideBundlerChains,
	bundler.NewClient,
	wire.Bind(new(usecase.BundlerClient), new(*bundler.Client)),
)

// WorkerSet provides the job scheduler and webhook delivery.
var WorkerSet = wire.NewSet(
	ProvideScheduler,
	wire.Bind(new(usecase.JobQueue), new(*queue.Scheduler)),

	ProvideNotifier,
	wire.Bind(new(usecase.Notifier), new(*webhook.Notifier)),
)

// LegacySet provides the reconciliation source.
var LegacySet = wire.NewSet(
	ProvideLegacyStore,
)

// AllAdapters includes all adapter sets.
var AllAdapters = wire.NewSet(
	StoreSet,
	ChainSet,
	WorkerSet,
	LegacySet,
)
