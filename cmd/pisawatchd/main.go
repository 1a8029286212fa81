// Command pisawatchd runs the watchtower: it follows a chain, watches
// every accepted appointment for its triggering event, and responds on
// the customer's behalf when one fires.
package main

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/pisawatch/tower/pkg/appointment"
	"github.com/pisawatch/tower/pkg/chainfollow"
	"github.com/pisawatch/tower/pkg/config"
	"github.com/pisawatch/tower/pkg/database"
	"github.com/pisawatch/tower/pkg/engine"
	"github.com/pisawatch/tower/pkg/ethrpc"
	"github.com/pisawatch/tower/pkg/gasprice"
	"github.com/pisawatch/tower/pkg/intake"
	"github.com/pisawatch/tower/pkg/metrics"
	"github.com/pisawatch/tower/pkg/responder"
	"github.com/pisawatch/tower/pkg/store"
	"github.com/pisawatch/tower/pkg/watcher"
)

func main() {
	logger := log.New(os.Stdout, "[pisawatchd] ", log.LstdFlags)

	if err := run(logger); err != nil {
		logger.Fatalf("fatal: %v", err)
	}
}

func run(logger *log.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if path := os.Getenv("PISAWATCH_CONFIG_FILE"); path != "" {
		file, err := config.LoadFileConfig(path)
		if err != nil {
			return fmt.Errorf("load config file: %w", err)
		}
		cfg.ApplyOverlay(file)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	chainID := big.NewInt(cfg.EthChainID)

	node, err := ethrpc.NewClient(ctx, cfg.EthereumURL, chainID)
	if err != nil {
		return fmt.Errorf("dial node: %w", err)
	}
	defer node.Close()

	db, err := dbm.NewGoLevelDB("pisawatch", cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database at %s: %w", cfg.DataDir, err)
	}
	defer db.Close()
	kv := store.NewAdapter(db)

	operatorSigner, err := ethrpc.KeySignerFromHex(cfg.EthPrivateKey)
	if err != nil {
		return fmt.Errorf("load operator key: %w", err)
	}
	watchtowerKeyData, err := os.ReadFile(cfg.WatchtowerKeyPath)
	if err != nil {
		return fmt.Errorf("read watchtower key: %w", err)
	}
	watchtowerSigner, err := ethrpc.KeySignerFromHex(string(trimNewline(watchtowerKeyData)))
	if err != nil {
		return fmt.Errorf("parse watchtower key: %w", err)
	}
	logger.Printf("operator address %s, watchtower address %s", operatorSigner.Address().Hex(), watchtowerSigner.Address().Hex())

	reg := metrics.New()
	go serveMetrics(cfg.MetricsAddr, reg, logger)

	appointments := appointment.NewStore(kv)
	txSet := responder.NewStore(kv)

	tip, err := node.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("fetch tip block number: %w", err)
	}
	bootstrapNumber := uint64(0)
	if tip > cfg.MaxDepth {
		bootstrapNumber = tip - cfg.MaxDepth
	}
	bootstrapGeth, err := node.BlockByNumber(ctx, bootstrapNumber)
	if err != nil {
		return fmt.Errorf("fetch bootstrap block %d: %w", bootstrapNumber, err)
	}
	bootstrapLogs, err := node.LogsForBlock(ctx, bootstrapGeth.Hash())
	if err != nil {
		return fmt.Errorf("fetch bootstrap block logs: %w", err)
	}
	bootstrap := chainfollow.FromGethBlock(bootstrapGeth, bootstrapLogs)

	cache, err := chainfollow.NewBlockCache(cfg.MaxDepth, bootstrap)
	if err != nil {
		return fmt.Errorf("build block cache: %w", err)
	}

	var archive *database.ReceiptArchive
	var dbClient *database.Client
	if cfg.DatabaseURL != "" {
		client, err := database.NewClient(cfg, database.WithLogger(log.New(os.Stdout, "[Database] ", log.LstdFlags)))
		if err != nil {
			if cfg.DatabaseRequired {
				return fmt.Errorf("connect database: %w", err)
			}
			logger.Printf("receipt archive disabled: %v", err)
		} else {
			defer client.Close()
			if err := client.MigrateUp(ctx); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
			dbClient = client
			archive = database.NewReceiptArchive(client)
		}
	}

	go serveHealth(cfg.HealthAddr, cache, dbClient, logger)

	intakeService := intake.NewService(kv, appointments, intake.NewCacheHeightSource(cache), watchtowerSigner, intake.Config{
		MinStartBlockLeadTime:  cfg.MinStartBlockLeadTime,
		MaxEndBlockWindow:      cfg.MaxEndBlockWindow,
		DefaultChallengePeriod: cfg.DefaultChallengePeriod,
	})
	var intakeArchive intake.Archive
	if archive != nil {
		intakeArchive = archive
	}
	intakeHandler := intake.NewHandler(intakeService, intakeArchive, log.New(os.Stdout, "[IntakeAPI] ", log.LstdFlags))
	go serveIntake(cfg.ListenAddr, intakeHandler, logger)

	estimator := gasprice.NewEstimator(node, big.NewInt(cfg.GasPriceFloorWei), cfg.GasPriceMultiplier)

	multiResponder := responder.NewMultiResponder(txSet, appointments, responder.Config{
		ChainID:             chainID,
		ReplacementRate:     cfg.ReplacementRate,
		MaxQueueDepth:       cfg.MaxQueueDepth,
		LowBalanceThreshold: big.NewInt(cfg.LowBalanceThresholdWei),
		Estimator:           estimator,
		Broadcaster:         node,
		Balances:            node,
		Nonces:              node,
		Signer:              operatorSigner,
		Alarm: func(msg string) {
			logger.Printf("ALARM: %s", msg)
		},
		Logger:  log.New(os.Stdout, "[MultiResponder] ", log.LstdFlags),
		Metrics: reg,
	})

	responderReducer := responder.NewReducer(txSet, cache, chainID, operatorSigner.Address(), cfg.ConfirmationsRequired, reg)
	watcherReducer := watcher.NewReducer(appointments, cache, cfg.ConfirmationsRequired, cfg.MaxReorgLimit, reg)
	appointmentDispatcher := appointment.NewDispatcher(kv, appointments, log.New(os.Stdout, "[AppointmentDispatcher] ", log.LstdFlags))

	dispatch := map[engine.ActionKind]engine.Dispatcher{
		engine.ActionStartResponse:         multiResponder,
		engine.ActionReEnqueueMissingItems: multiResponder,
		engine.ActionTxMined:               multiResponder,
		engine.ActionCheckResponderBalance: multiResponder,
		engine.ActionEndResponse:           multiResponder,
		engine.ActionRemoveAppointment:     appointmentDispatcher,
	}

	machine := engine.New(node, cache, kv,
		[]engine.Reducer{watcherReducer, responderReducer},
		dispatch,
		engine.Config{
			PollInterval: cfg.PollInterval,
			MaxDepth:     cfg.MaxDepth,
			Logger:       log.New(os.Stdout, "[Machine] ", log.LstdFlags),
			Metrics:      reg,
		},
	)

	if err := machine.Start(ctx); err != nil {
		return fmt.Errorf("start machine: %w", err)
	}

	<-ctx.Done()
	logger.Println("shutting down")
	machine.Stop()
	return nil
}

func serveIntake(addr string, handler *intake.Handler, logger *log.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/appointments", handler.HandleAccept)
	logger.Printf("intake API listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.Printf("intake server: %v", err)
	}
}

func serveMetrics(addr string, reg *metrics.Registry, logger *log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	logger.Printf("metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.Printf("metrics server: %v", err)
	}
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r' || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return b
}
