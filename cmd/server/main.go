package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	trmpgx "github.com/avito-tech/go-transaction-manager/drivers/pgxv5/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2/manager"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	rgs "github.com/Ashenafi-pixel/gamecrafter-crash-engine"
	"github.com/Ashenafi-pixel/gamecrafter-crash-engine/config"
	"github.com/Ashenafi-pixel/gamecrafter-crash-engine/logger"
	"github.com/Ashenafi-pixel/gamecrafter-crash-engine/operator"
	"github.com/Ashenafi-pixel/gamecrafter-crash-engine/platform"
	"github.com/Ashenafi-pixel/gamecrafter-crash-engine/round"
	"github.com/Ashenafi-pixel/gamecrafter-crash-engine/server"
	"github.com/Ashenafi-pixel/gamecrafter-crash-engine/wallet"
)

func main() {
	// Load .env so DATABASE_URL is set: cwd .env, or project root .env/.env.local
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")
	_ = godotenv.Load("../.env.local")

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("crash server stopped", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w, closeWallet, err := openWallet(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeWallet()

	hub := server.NewHub(log.Named("hub"))
	engine := round.New(cfg.Round(), w, hub, round.WithLogger(log.Named("round")))
	srv := server.New(cfg, engine, hub, w, log.Named("http"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := engine.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error { return srv.Run(gctx) })

	err = g.Wait()
	engine.Drain()
	if err != nil {
		return err
	}
	log.Info("crash server shut down")
	return nil
}

// accountWallet is what every backend provides: bet settlement and a balance.
type accountWallet interface {
	wallet.Wallet
	wallet.Balancer
}

// openWallet builds the configured wallet backend and its cleanup.
func openWallet(ctx context.Context, cfg *config.Config) (accountWallet, func(), error) {
	noop := func() {}
	switch cfg.WalletBackend {
	case config.WalletPostgres:
		pool, err := rgs.OpenPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		txManager, err := manager.New(trmpgx.NewDefaultFactory(pool))
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		pg := wallet.NewPostgres(pool, txManager, cfg.StartingBalance)
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return pg, pool.Close, nil
	case config.WalletPlatform:
		return platform.NewClient(cfg.PlatformURL, cfg.Currency, cfg.GameName, cfg.GameProvider), noop, nil
	case config.WalletOperator:
		return operator.NewClient(cfg.OperatorEndpoint, cfg.OperatorSecret, cfg.GameCode), noop, nil
	default:
		return wallet.NewMemory(cfg.StartingBalance, cfg.DataDir), noop, nil
	}
}
