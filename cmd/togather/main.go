// Command togather launches the core service runtime: storage, ledger,
// trading engine, and the market data feed.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/togather-fin/togather-core/errs"
	"github.com/togather-fin/togather-core/internal/config"
	"github.com/togather-fin/togather-core/internal/domain"
	"github.com/togather-fin/togather-core/internal/execution"
	"github.com/togather-fin/togather-core/internal/feed"
	"github.com/togather-fin/togather-core/internal/group"
	"github.com/togather-fin/togather-core/internal/ledger"
	"github.com/togather-fin/togather-core/internal/observability"
	"github.com/togather-fin/togather-core/internal/persistence/memory"
	"github.com/togather-fin/togather-core/internal/persistence/migrations"
	"github.com/togather-fin/togather-core/internal/persistence/postgres"
	"github.com/togather-fin/togather-core/internal/quote"
	"github.com/togather-fin/togather-core/internal/telemetry"
	"github.com/togather-fin/togather-core/internal/wallet"
	"github.com/togather-fin/togather-core/lib/async"
)

const (
	defaultConfigPath        = "config/app.yaml"
	shutdownTimeout          = 30 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	warmupShutdownTimeout    = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	fundingSeedBalance       = int64(1_000_000_000_000)
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, "togather ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	observability.SetLogger(observability.NewStdLogger(observability.ParseLevel(cfg.Log.Level)))
	logger.Printf("configuration initialised: env=%s, instruments=%d, groups=%d",
		cfg.Environment, len(cfg.Feed.Instruments), len(cfg.Groups))

	telemetryProvider, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		MetricInterval: cfg.Telemetry.MetricInterval,
		Environment:    string(cfg.Environment),
	})
	if err != nil {
		logger.Fatalf("initialise telemetry: %v", err)
	}
	metrics, err := telemetry.NewMetrics()
	if err != nil {
		logger.Fatalf("initialise metrics: %v", err)
	}

	store, closeStore, err := buildStore(ctx, logger, cfg)
	if err != nil {
		logger.Fatalf("initialise store: %v", err)
	}

	settlementID, fundingID, err := systemAccountIDs(cfg.Engine)
	if err != nil {
		logger.Fatalf("parse system account ids: %v", err)
	}
	if err := seedSystemState(ctx, store, cfg, settlementID, fundingID); err != nil {
		logger.Fatalf("seed system state: %v", err)
	}

	provider := feed.NewProviderClient(cfg.Feed.RESTBaseURL, cfg.Feed.AppKey, cfg.Feed.AppSecret, cfg.Feed.HTTPTimeout)
	cache := quote.NewCache()
	quoteSvc := quote.NewService(cache, provider, metrics).
		WithTTL(cfg.Quote.TTL).
		WithPollTimeout(cfg.Quote.PollTimeout)

	ledgerSvc := ledger.NewService(store).WithMetrics(metrics)
	engine := execution.NewEngine(store, ledgerSvc, quoteSvc, settlementID).
		WithRateLimit(cfg.Engine.OrdersPerSecond).
		WithMetrics(metrics)
	walletSvc := wallet.NewService(store, ledgerSvc, merchantDirectory{store: store}, fundingID)
	aggregator := group.NewAggregator(store, engine, configMembers(cfg.Groups))
	runtime := &services{
		wallet: walletSvc,
		engine: engine,
		groups: aggregator,
		quotes: quoteSvc,
	}

	marketFeed := feed.New(feed.Config{
		StreamURL:          cfg.Feed.StreamURL,
		LivenessTimeout:    cfg.Feed.LivenessTimeout,
		ReconnectDelay:     cfg.Feed.ReconnectDelay,
		SubscribePerSecond: cfg.Feed.SubscribePerSecond,
	}, nil, provider, cache, metrics)
	for _, instrument := range cfg.Feed.Instruments {
		if err := marketFeed.Track(ctx, instrument); err != nil {
			logger.Fatalf("track instrument %s: %v", instrument, err)
		}
	}

	warmup, err := warmQuoteCache(ctx, logger, cfg, runtime.quotes)
	if err != nil {
		logger.Fatalf("warm quote cache: %v", err)
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := marketFeed.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("market data feed stopped: %v", err)
			cancel()
		}
	})
	lifecycle.Go(func() {
		maintainMarketData(ctx, marketFeed, runtime.quotes, cfg.Feed.ReconcileInterval)
	})

	logger.Print("togather core started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		warmup:     warmup,
		telemetry:  telemetryProvider,
		closeStore: closeStore,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

// services groups the composed domain surfaces the control plane will expose.
type services struct {
	wallet *wallet.Service
	engine *execution.Engine
	groups *group.Aggregator
	quotes *quote.Service
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	if *cfgPath != "" {
		return *cfgPath
	}
	return defaultConfigPath
}

func buildStore(ctx context.Context, logger *log.Logger, cfg config.Config) (domain.Store, func(), error) {
	if cfg.Database.DSN == "" {
		logger.Print("no database configured; using in-memory store")
		return memory.NewStore(), func() {}, nil
	}
	if cfg.Database.RunMigrations {
		if err := migrations.Apply(ctx, cfg.Database.DSN); err != nil {
			return nil, nil, err
		}
	}
	pool, err := postgres.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	logger.Printf("postgres pool established: maxConns=%d", cfg.Database.MaxConns)
	return postgres.New(pool), pool.Close, nil
}

func systemAccountIDs(cfg config.EngineConfig) (settlement, funding uuid.UUID, err error) {
	settlement, err = uuid.Parse(cfg.SettlementAccountID)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("settlement account id %q: %w", cfg.SettlementAccountID, err)
	}
	funding, err = uuid.Parse(cfg.FundingAccountID)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("funding account id %q: %w", cfg.FundingAccountID, err)
	}
	return settlement, funding, nil
}

// seedSystemState provisions the settlement and funding accounts and the
// configured instrument catalogue when they are not present yet. The funding
// account is seeded with a working balance so deposits clear in environments
// without a real funding rail.
func seedSystemState(ctx context.Context, store domain.Store, cfg config.Config, settlementID, fundingID uuid.UUID) error {
	if err := ensureAccount(ctx, store, settlementID, "900000000001", 0); err != nil {
		return err
	}
	if err := ensureAccount(ctx, store, fundingID, "900000000002", fundingSeedBalance); err != nil {
		return err
	}
	for _, code := range cfg.Feed.Instruments {
		if _, err := store.Instruments().Get(ctx, code); err == nil {
			continue
		} else if !errs.Is(err, errs.CodeNotFound) {
			return err
		}
		if err := store.Instruments().Upsert(ctx, domain.Instrument{Code: code, Name: code, Enabled: true}); err != nil {
			return err
		}
	}
	return nil
}

func ensureAccount(ctx context.Context, store domain.Store, id uuid.UUID, number string, balance int64) error {
	_, err := store.Accounts().Get(ctx, id)
	if err == nil {
		return nil
	}
	if !errs.Is(err, errs.CodeNotFound) {
		return err
	}
	now := time.Now().UTC()
	return store.Accounts().Create(ctx, domain.Account{
		ID:            id,
		OwnerID:       id,
		Kind:          domain.AccountMerchant,
		Balance:       balance,
		Active:        true,
		AccountNumber: number,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
}

// warmQuoteCache polls every tracked instrument once through the worker pool
// so the first reads land on the REST tier instead of placeholders.
func warmQuoteCache(ctx context.Context, logger *log.Logger, cfg config.Config, quotes *quote.Service) (*async.Pool, error) {
	pool, err := async.NewPool(cfg.Engine.WarmupWorkers, cfg.Engine.WarmupQueue)
	if err != nil {
		return nil, err
	}
	for _, instrument := range cfg.Feed.Instruments {
		code := instrument
		if err := pool.Submit(ctx, func(taskCtx context.Context) error {
			if _, err := quotes.GetQuote(taskCtx, code); err != nil {
				return fmt.Errorf("warm quote %s: %w", code, err)
			}
			return nil
		}); err != nil {
			logger.Printf("quote warmup submit %s: %v", code, err)
		}
	}
	return pool, nil
}

// maintainMarketData runs the periodic corrective scan: while the stream is
// live it reconciles missing subscriptions; while it is down it polls the
// REST tier so the cache stays warm through exchange-closed windows.
func maintainMarketData(ctx context.Context, marketFeed *feed.Feed, quotes *quote.Service, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if marketFeed.Session().Connected() {
				if err := marketFeed.EnsureAllSubscribed(ctx); err != nil {
					observability.Log().Warn("subscription reconcile", observability.F("error", err))
				}
				continue
			}
			for _, instrument := range marketFeed.Tracked() {
				if _, err := quotes.GetQuote(ctx, instrument); err != nil {
					observability.Log().Debug("quote refresh failed",
						observability.F("instrument", instrument),
						observability.F("error", err))
				}
			}
		}
	}
}

// merchantDirectory resolves merchant identities against the account store.
// It answers for merchants whose identity is their settlement account owner;
// a dedicated merchant service replaces this once one exists.
type merchantDirectory struct {
	store domain.Store
}

func (d merchantDirectory) SettlementAccount(ctx context.Context, merchantID uuid.UUID) (uuid.UUID, error) {
	account, err := d.store.Accounts().Get(ctx, merchantID)
	if err != nil {
		return uuid.Nil, err
	}
	if account.Kind != domain.AccountMerchant {
		return uuid.Nil, errs.New("wallet/merchant", errs.CodeNotFound,
			errs.WithMessage("account is not a merchant settlement account"),
			errs.WithEntity(merchantID.String()))
	}
	return account.ID, nil
}

// staticMembers serves group membership from configuration.
type staticMembers struct {
	groups map[uuid.UUID][]uuid.UUID
}

func configMembers(groups []config.GroupConfig) staticMembers {
	out := staticMembers{groups: make(map[uuid.UUID][]uuid.UUID, len(groups))}
	for _, grp := range groups {
		groupID, err := uuid.Parse(grp.ID)
		if err != nil {
			continue
		}
		members := make([]uuid.UUID, 0, len(grp.Members))
		for _, raw := range grp.Members {
			member, err := uuid.Parse(raw)
			if err != nil {
				continue
			}
			members = append(members, member)
		}
		out.groups[groupID] = members
	}
	return out
}

func (m staticMembers) Members(_ context.Context, groupID uuid.UUID) ([]uuid.UUID, error) {
	members, ok := m.groups[groupID]
	if !ok {
		return nil, errs.New("group/members", errs.CodeNotFound,
			errs.WithMessage("group not configured"), errs.WithEntity(groupID.String()))
	}
	return members, nil
}

type gracefulShutdownConfig struct {
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	warmup     *async.Pool
	telemetry  *telemetry.Provider
	closeStore func()
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, stepCancel := context.WithTimeout(ctx, timeout)
		defer stepCancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.warmup != nil {
		shutdownStep("draining warmup pool", warmupShutdownTimeout, func(stepCtx context.Context) error {
			cfg.warmup.Close()
			return cfg.warmup.Shutdown(stepCtx)
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}

	if cfg.closeStore != nil {
		logger.Print("shutdown: closing store")
		cfg.closeStore()
	}
}
