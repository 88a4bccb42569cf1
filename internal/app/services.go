package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/carbontrack/carbontrack/internal/batches"
	"github.com/carbontrack/carbontrack/internal/catalog"
	"github.com/carbontrack/carbontrack/internal/companies"
	"github.com/carbontrack/carbontrack/internal/ledger"
	"github.com/carbontrack/carbontrack/internal/ledger/evm"
	"github.com/carbontrack/carbontrack/internal/ledger/simulated"
	"github.com/carbontrack/carbontrack/internal/minting"
	"github.com/carbontrack/carbontrack/internal/observability"
	"github.com/carbontrack/carbontrack/internal/partners"
	"github.com/carbontrack/carbontrack/internal/provenance"
	"github.com/carbontrack/carbontrack/internal/shared"
	"github.com/carbontrack/carbontrack/internal/transfers"
	"github.com/carbontrack/carbontrack/jobs"
)

// simulatedContract stands in for the contract address of the in-process ledger.
const simulatedContract = "0x000000000000000000000000000000000000c4b0"

// Deps are the process-level resources services are built from.
type Deps struct {
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Ledger  ledger.Provider
	Jobs    *jobs.Client
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Services is the domain layer shared by the server, worker and CLI.
type Services struct {
	Companies  *companies.Service
	Catalog    *catalog.Service
	Batches    *batches.Service
	Minting    *minting.Service
	Transfers  *transfers.Service
	Partners   *partners.Service
	Provenance *provenance.Service
	TreeCache  *provenance.Cache
	Ledger     ledger.Provider
}

// NewServices wires repositories and services. deps.Jobs may be nil, in
// which case follow-up work is left to the periodic sweeps.
func NewServices(cfg *Config, deps Deps) *Services {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	audit := shared.NewAuditLogger(deps.Pool)
	locker := shared.NewRedisLocker(deps.Redis, 0)

	var (
		mintScheduler     minting.Scheduler
		transferScheduler transfers.Scheduler
	)
	if deps.Jobs != nil {
		mintScheduler = deps.Jobs
		transferScheduler = deps.Jobs
	}

	companySvc := companies.NewService(companies.NewRepository(deps.Pool), audit, logger)
	catalogSvc := catalog.NewService(catalog.NewRepository(deps.Pool), companySvc, logger)
	treeCache := provenance.NewCache(deps.Redis, cfg.TreeCacheTTL, logger)
	batchRepo := batches.NewRepository(deps.Pool)
	batchSvc := batches.NewService(batchRepo, catalogSvc, audit, logger, batches.ServiceConfig{
		ContractAddress: deps.Ledger.ContractAddress(),
		Listener:        treeCache,
		Mints:           batchRepo,
		Locker:          locker,
	})
	mintSvc := minting.NewService(minting.NewRepository(deps.Pool), batchSvc, catalogSvc, deps.Ledger, locker,
		mintScheduler, deps.Metrics, logger, minting.ServiceConfig{
			MetadataBaseURL: cfg.MetadataBaseURL,
			Gas:             ledger.GasPolicy{Ceiling: cfg.MintGasLimit, Strategy: ledger.GasStrategy(cfg.MintGasStrategy)},
			ConfirmTimeout:  cfg.MintConfirmTimeout,
			StaleAfter:      cfg.MintStaleAfter,
		})
	transferSvc := transfers.NewService(transfers.NewRepository(deps.Pool), batchSvc, deps.Ledger, transferScheduler, logger,
		transfers.ServiceConfig{
			Gas:            ledger.GasPolicy{Ceiling: cfg.TransferGasLimit, Strategy: ledger.GasStrategy(cfg.MintGasStrategy)},
			ConfirmTimeout: cfg.MintConfirmTimeout,
		})
	partnerSvc := partners.NewService(partners.NewRepository(deps.Pool), companySvc, locker, audit, logger)
	lookups := provenance.NewCachedCatalog(catalogSvc, cfg.LookupEntries, cfg.LookupTTL)
	catalogSvc.Subscribe(treeCache)
	catalogSvc.Subscribe(lookups)
	treeSvc := provenance.NewService(batchSvc, lookups, treeCache, logger, provenance.ServiceConfig{
		DefaultDepth: cfg.TreeMaxDepth,
		MaxNodes:     cfg.TreeMaxNodes,
	})

	return &Services{
		Companies:  companySvc,
		Catalog:    catalogSvc,
		Batches:    batchSvc,
		Minting:    mintSvc,
		Transfers:  transferSvc,
		Partners:   partnerSvc,
		Provenance: treeSvc,
		TreeCache:  treeCache,
		Ledger:     deps.Ledger,
	}
}

// OpenLedger connects the configured ledger backend.
func OpenLedger(ctx context.Context, cfg *Config) (ledger.Provider, error) {
	switch cfg.LedgerMode {
	case LedgerEVM:
		dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		provider, err := evm.Dial(dialCtx, evm.Config{
			RPCURL:          cfg.LedgerRPCURL,
			ChainID:         cfg.LedgerChainID,
			ContractAddress: cfg.LedgerContractAddress,
			KeysFile:        cfg.LedgerKeysFile,
			FromBlock:       cfg.LedgerFromBlock,
			PollInterval:    cfg.LedgerPollInterval,
		})
		if err != nil {
			return nil, err
		}
		return provider, nil
	case LedgerSimulated:
		contract := cfg.LedgerContractAddress
		if contract == "" {
			contract = simulatedContract
		}
		return simulated.New(simulated.Options{ChainID: cfg.LedgerChainID, ContractAddress: contract}), nil
	default:
		return nil, fmt.Errorf("unknown ledger mode %q", cfg.LedgerMode)
	}
}
