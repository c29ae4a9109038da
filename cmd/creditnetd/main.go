package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"creditnet/config"
	"creditnet/core/events"
	"creditnet/gateway"
	"creditnet/gateway/auth"
	nativecommon "creditnet/native/common"
	"creditnet/native/debt"
	"creditnet/native/guarantee"
	"creditnet/native/intent"
	"creditnet/native/reservation"
	"creditnet/native/settlement"
	"creditnet/native/valuation"
	"creditnet/observability/logging"
	"creditnet/observability/metrics"
	"creditnet/state"
	"creditnet/storage"
)

const shutdownTimeout = 10 * time.Second

// pauseUnion combines the static config pauses with the runtime switches in
// the state store.
type pauseUnion []nativecommon.PauseView

func (u pauseUnion) IsPaused(module string) bool {
	for _, view := range u {
		if view != nil && view.IsPaused(module) {
			return true
		}
	}
	return false
}

func main() {
	configPath := flag.String("config", "./config.toml", "path to the daemon configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup("creditnetd", cfg.NetworkName, logging.ParseLevel(os.Getenv("CREDITNET_LOG_LEVEL")))

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "creditnet"))
	if err != nil {
		logger.Error("open database", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	store := state.NewStore(db)
	funds := state.NewBalances(db, "funds")
	collateral := state.NewBalances(db, "collateral")

	roles, err := cfg.BuildRoles()
	if err != nil {
		logger.Error("build role table", "err", err)
		os.Exit(1)
	}
	poolAddr, err := cfg.PoolAddr()
	if err != nil {
		logger.Error("pool address", "err", err)
		os.Exit(1)
	}
	feeSink, err := cfg.FeeSinkAddr()
	if err != nil {
		logger.Error("fee sink address", "err", err)
		os.Exit(1)
	}

	metricSet := metrics.New()
	eventLog := events.NewLog(1024)
	emitter := events.MultiEmitter{eventLog, metricSet}
	pauses := pauseUnion{cfg, store}

	vs, err := buildValuation(cfg, emitter)
	if err != nil {
		logger.Error("valuation service", "err", err)
		os.Exit(1)
	}

	debts := debt.NewLedger(vs)
	debts.SetState(store)
	debts.SetAccessControl(roles)
	debts.SetEmitter(emitter)
	debts.SetPauses(pauses)
	debts.SetRefreshBatchCeiling(cfg.RefreshBatchCeiling)

	reservations := reservation.NewLedger(poolAddr)
	reservations.SetState(store)
	reservations.SetFundsPort(funds)
	reservations.SetEmitter(emitter)
	reservations.SetPauses(pauses)

	validator := intent.NewValidator(intent.NewVerifier())
	validator.SetState(store)

	coordinator := guarantee.NewMemoryCoordinator()
	coordinator.SetEmitter(emitter)

	engine := settlement.NewEngine(intent.DefaultDomain(cfg.ChainID, cfg.ModuleRef), validator, reservations, debts)
	engine.SetRateState(store)
	engine.SetCollateralPort(collateral)
	engine.SetAccessControl(roles)
	engine.SetGuaranteeCoordinator(coordinator)
	engine.SetPauses(pauses)
	engine.SetEmitter(emitter)
	engine.SetFeeSink(feeSink)
	if err := engine.SetDefaultFeeBps(cfg.DefaultFeeBps); err != nil {
		logger.Error("default fee", "err", err)
		os.Exit(1)
	}

	secret := os.Getenv(cfg.JWTSecretEnv)
	if secret == "" {
		logger.Error("missing JWT secret", "env", cfg.JWTSecretEnv)
		os.Exit(1)
	}
	server := gateway.NewServer(gateway.Deps{
		Auth:         auth.NewAuthenticator(secret, "creditnetd"),
		Engine:       engine,
		Reservations: reservations,
		Debts:        debts,
		Valuations:   vs,
		Access:       roles,
		Pauses:       store,
		EventLog:     eventLog,
		Metrics:      metricSet.Handler(),
		Logger:       logger,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddress, "chainId", cfg.ChainID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "err", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown", "err", err)
	}
}

func buildValuation(cfg *config.Config, emitter events.Emitter) (*valuation.Service, error) {
	idMap := make(map[string]string, len(cfg.Assets))
	decimals := make(map[string]uint8, len(cfg.Assets))
	for _, asset := range cfg.Assets {
		if asset.FeedID != "" {
			idMap[asset.Symbol] = asset.FeedID
		}
		decimals[asset.Symbol] = asset.Decimals
	}
	client := &http.Client{Timeout: 10 * time.Second}
	source := valuation.NewHTTPSource(client, cfg.PriceFeedURL, cfg.QuoteSymbol, idMap, decimals)

	vs := valuation.NewService(source, time.Duration(cfg.PriceMaxAgeSeconds)*time.Second)
	vs.SetEmitter(emitter)
	for _, asset := range cfg.Assets {
		if asset.DefaultUnitValue == "" {
			continue
		}
		price, ok := new(big.Rat).SetString(asset.DefaultUnitValue)
		if !ok {
			return nil, fmt.Errorf("asset %s: invalid DefaultUnitValue %q", asset.Symbol, asset.DefaultUnitValue)
		}
		vs.SetDefaultUnitValue(asset.Symbol, price, asset.Decimals)
	}
	return vs, nil
}
