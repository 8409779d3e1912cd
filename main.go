package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"trading-control/internal/api"
	"trading-control/internal/autotrade"
	"trading-control/internal/balance"
	"trading-control/internal/engine"
	"trading-control/internal/events"
	"trading-control/internal/gateway"
	"trading-control/internal/monitor"
	"trading-control/internal/notify"
	"trading-control/internal/persistence"
	"trading-control/internal/portfolio"
	"trading-control/internal/quoting"
	"trading-control/internal/research"
	"trading-control/internal/risk"
	"trading-control/internal/settings"
	"trading-control/internal/strategy"
	"trading-control/pkg/config"
	"trading-control/pkg/crypto"
	"trading-control/pkg/db"
	"trading-control/pkg/exchanges/paper"
	"trading-control/pkg/i18n"
)

const (
	balanceTTL      = 5 * time.Second
	notifyTimeout   = 3 * time.Second
	journalBatch    = 50
	journalInterval = 500 * time.Millisecond
	shutdownTimeout = 15 * time.Second
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf(i18n.Get("ConfigLoadFailed"), err)
	}

	i18n.SetLanguage(i18n.Language(cfg.Language))
	log.Println(i18n.Get("Starting"))
	log.Printf(i18n.Get("ConfigLoaded"), cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	log.Printf(i18n.Get("UsingDB"), cfg.DBDriver)
	database, err := db.Open(cfg.DBDriver, cfg.DSN())
	if err != nil {
		log.Fatalf(i18n.Get("DBInitFailed"), err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf(i18n.Get("DBMigrationsFailed"), err)
	}
	queries := database.Queries()

	prefs := settings.NewStore(database.DB)
	if cfg.SettingsSeedFile != "" {
		docs, err := settings.LoadSeedFile(cfg.SettingsSeedFile)
		if err != nil {
			log.Fatalf(i18n.Get("SettingsSeedFailed"), cfg.SettingsSeedFile, err)
		}
		n, err := settings.Seed(ctx, prefs, docs)
		if err != nil {
			log.Fatalf(i18n.Get("SettingsSeedFailed"), cfg.SettingsSeedFile, err)
		}
		log.Printf(i18n.Get("SettingsSeeded"), n, cfg.SettingsSeedFile)
	}

	var keys *crypto.Keyring
	if cfg.MasterEncryptionKey != "" {
		if keys, err = crypto.KeyringFromSecret(cfg.MasterEncryptionKey); err != nil {
			log.Fatalf(i18n.Get("KeyringFailed"), err)
		}
	} else if cfg.DryRun {
		log.Println(i18n.Get("KeyringMissing"))
	} else {
		log.Fatal(i18n.Get("KeyringMissing"))
	}

	// Observability and notifications
	metrics := monitor.NewMetrics(prometheus.DefaultRegisterer)
	bus := events.NewBus()

	var sinks []notify.Sink
	if cfg.RedisAddr != "" {
		redisSink := notify.NewRedisSink(notify.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Channel:  cfg.RedisChannel,
		})
		defer redisSink.Close()
		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisSink.Ping(pingCtx); err != nil {
			log.Printf(i18n.Get("RedisUnavailable"), cfg.RedisAddr, err)
		} else {
			log.Printf(i18n.Get("RedisEnabled"), cfg.RedisAddr, cfg.RedisChannel)
		}
		pingCancel()
		sinks = append(sinks, redisSink)
	}
	notifier := notify.NewNotifier(bus, metrics, notifyTimeout, sinks...)
	go notifier.Run(ctx)

	writer := persistence.NewBatchWriter(database.DB, journalBatch, journalInterval)
	journal := persistence.NewJournal(writer)

	// Trading state
	book := portfolio.NewBook(queries)
	initial := 0.0
	if cfg.DryRun {
		initial = cfg.DryRunInitialBalance
		log.Printf(i18n.Get("DryRunMode"), cfg.DryRunInitialBalance)
	} else {
		log.Printf(i18n.Get("LiveMode"), cfg.BinanceTestnet)
	}
	balances := balance.NewMultiUserManager(cfg.QuoteAsset, balanceTTL, initial)

	gate := risk.NewGate(risk.Config{
		Cooldown:           cfg.RiskCooldown,
		FailureThreshold:   cfg.RiskFailureThreshold,
		DefaultAdverseMove: cfg.RiskDefaultAdverseMove,
	}, prefs, book, balances, metrics)

	researchClient, err := research.NewGRPCClient(cfg.ResearchAddr, cfg.ResearchMethod, cfg.ResearchTimeout)
	if err != nil {
		log.Fatalf(i18n.Get("ResearchInitFailed"), err)
	}
	defer researchClient.Close()
	log.Printf(i18n.Get("ResearchClient"), cfg.ResearchAddr, cfg.ResearchMethod)

	factory := gateway.DefaultFactory(gateway.FactoryOptions{
		Testnet: cfg.BinanceTestnet,
		BookTTL: time.Second,
		Paper: paper.Config{
			InitialBalance: cfg.DryRunInitialBalance,
			QuoteAsset:     cfg.QuoteAsset,
			SlippageBps:    cfg.DryRunSlippageBps,
		},
	})
	venueCfg := gateway.DefaultConfig()
	venueCfg.DryRun = cfg.DryRun
	venues := gateway.NewManager(queries, keys, factory, venueCfg)
	venues.Start(ctx)

	// Engines
	engines := engine.NewManager(engine.Config{
		Venues:   venues,
		Settings: prefs,
		Balances: balances,
		Book:     book,
		AutoTrade: autotrade.Deps{
			Settings:   prefs,
			Research:   researchClient,
			Gate:       gate,
			Balances:   balances,
			Book:       book,
			Strategies: strategy.NewRegistry(),
			Journal:    journal,
			Notifier:   notifier,
			Metrics:    metrics,
		},
		Quoting: quoting.Deps{
			Settings: prefs,
			Gate:     gate,
			Book:     book,
			Journal:  journal,
			Notifier: notifier,
			Metrics:  metrics,
		},
		Notifier: notifier,
		Metrics:  metrics,
	})
	gate.SetPauseHandler(engines.StopAll)

	// API
	server := api.NewServer(api.Options{
		Engines:   engines,
		Settings:  prefs,
		Risk:      gate,
		Queries:   queries,
		Keys:      keys,
		Bus:       bus,
		Venues:    venues,
		JWTSecret: cfg.JWTSecret,
		RateLimit: cfg.APIRateLimit,
		Burst:     cfg.APIBurst,
	})
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf(i18n.Get("ServerListening"), cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf(i18n.Get("APIServerError"), err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println(i18n.Get("ShuttingDown"))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Engines first so their last fills still reach the journal.
	if err := engines.Shutdown(shutdownCtx); err != nil {
		log.Printf(i18n.Get("EngineShutdownFailed"), err)
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf(i18n.Get("APIServerError"), err)
	}
	venues.Stop()
	if err := journal.Flush(shutdownCtx); err != nil {
		log.Printf(i18n.Get("JournalFlushFailed"), err)
	}
	if err := writer.Close(); err != nil {
		log.Printf(i18n.Get("JournalFlushFailed"), err)
	}
	cancel()
	log.Println(i18n.Get("ShutdownComplete"))
}
