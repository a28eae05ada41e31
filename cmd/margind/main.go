package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"margincore/config"
	"margincore/gateway"
	gwconfig "margincore/gateway/config"
	"margincore/native/bots"
	"margincore/native/credit"
	"margincore/native/oracle"
	"margincore/native/pool"
	"margincore/native/quotas"
	"margincore/native/token"
	"margincore/observability/logging"
	"margincore/storage"
	"margincore/storage/creditstate"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the margind TOML configuration")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "margind: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.Setup(cfg.Node.Service, cfg.Node.Environment)

	var db storage.Database
	switch cfg.Storage.Backend {
	case "leveldb":
		db, err = storage.NewLevelDB(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("opening leveldb at %s: %w", cfg.Storage.Path, err)
		}
	default:
		db = storage.NewMemDB()
	}
	defer db.Close()

	facade, lendingPool, priceOracle, err := buildPlatform(cfg, creditstate.NewStore(db))
	if err != nil {
		return err
	}

	gwCfg, err := gwconfig.Load(cfg.Gateway.ConfigPath)
	if err != nil {
		return err
	}
	server := gateway.NewServer(gwCfg, facade, lendingPool, priceOracle, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go driveBlockClock(ctx, cfg.Node.BlockIntervalSeconds, lendingPool, facade.Manager())

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// driveBlockClock derives a monotone block height from wall time and pushes
// it into the pool and the credit manager. Without it the cumulative borrow
// index never moves, so no interest accrues and the per-block borrow counter
// never resets.
func driveBlockClock(ctx context.Context, intervalSeconds int, lendingPool *pool.Pool, manager *credit.Manager) {
	interval := time.Duration(intervalSeconds) * time.Second
	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			height := uint64(now.Sub(start) / interval)
			lendingPool.SetBlockHeight(height)
			manager.SetBlockHeight(height)
		}
	}
}

// buildPlatform wires the credit engines from configuration seeds.
func buildPlatform(cfg *config.Config, store credit.AccountStore) (*credit.Facade, *pool.Pool, *oracle.Oracle, error) {
	underlying := common.HexToAddress(cfg.Pool.Underlying)
	poolAddr := common.HexToAddress(cfg.Pool.Address)

	ledger := token.NewLedger()
	lendingPool := pool.New(underlying, poolAddr, ledger, cfg.InterestModel())

	proofKey, err := hex.DecodeString(strings.TrimPrefix(cfg.Oracle.ProofKeyHex, "0x"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("decoding oracle proof key: %w", err)
	}
	priceOracle := oracle.New(proofKey)
	for _, feed := range cfg.Oracle.Feeds {
		price, ok := new(big.Int).SetString(feed.Price, 10)
		if !ok {
			return nil, nil, nil, fmt.Errorf("invalid feed price %q for %s", feed.Price, feed.Token)
		}
		seeded := oracle.Feed{
			Price:          price,
			UpdateRequired: feed.UpdateRequired,
			MaxStale:       feed.MaxStale,
		}
		if strings.TrimSpace(feed.SafePrice) != "" {
			safe, ok := new(big.Int).SetString(feed.SafePrice, 10)
			if !ok {
				return nil, nil, nil, fmt.Errorf("invalid safe price %q for %s", feed.SafePrice, feed.Token)
			}
			seeded.SafePrice = safe
		}
		if err := priceOracle.SetFeed(common.HexToAddress(feed.Token), seeded); err != nil {
			return nil, nil, nil, fmt.Errorf("seeding feed for %s: %w", feed.Token, err)
		}
	}

	registry := credit.NewTokenRegistry(underlying)
	quotaKeeper := quotas.NewKeeper()
	var forbidden []common.Address
	for _, seed := range cfg.Tokens {
		addr := common.HexToAddress(seed.Token)
		if _, err := registry.AddToken(addr); err != nil {
			return nil, nil, nil, fmt.Errorf("registering token %s: %w", seed.Token, err)
		}
		if err := registry.SetLiquidationThreshold(addr, seed.LiquidationThresholdBps); err != nil {
			return nil, nil, nil, fmt.Errorf("setting threshold for %s: %w", seed.Token, err)
		}
		if seed.Quoted {
			limit, ok := new(big.Int).SetString(seed.QuotaLimit, 10)
			if !ok {
				return nil, nil, nil, fmt.Errorf("invalid quota limit %q for %s", seed.QuotaLimit, seed.Token)
			}
			if err := quotaKeeper.AddMarket(addr, seed.QuotaRateBps, limit); err != nil {
				return nil, nil, nil, fmt.Errorf("adding quota market for %s: %w", seed.Token, err)
			}
			if seed.IncreaseFee > 0 {
				if err := quotaKeeper.SetTokenQuotaIncreaseFee(addr, seed.IncreaseFee); err != nil {
					return nil, nil, nil, fmt.Errorf("setting quota fee for %s: %w", seed.Token, err)
				}
			}
			if err := registry.MarkQuoted(addr); err != nil {
				return nil, nil, nil, fmt.Errorf("marking %s quoted: %w", seed.Token, err)
			}
		}
		if seed.ForbiddenFlag {
			forbidden = append(forbidden, addr)
		}
	}

	botRegistry := bots.NewRegistry()
	for _, seed := range cfg.Bots {
		if seed.Forbidden {
			botRegistry.Forbid(common.HexToAddress(seed.Bot))
		}
	}

	managerParams, err := cfg.ManagerParams()
	if err != nil {
		return nil, nil, nil, err
	}
	facadeParams, err := cfg.FacadeParams()
	if err != nil {
		return nil, nil, nil, err
	}

	manager := credit.NewManager(registry, lendingPool, priceOracle, quotaKeeper, ledger, botRegistry, store, managerParams)
	for _, addr := range forbidden {
		if err := manager.ForbidToken(addr); err != nil {
			return nil, nil, nil, fmt.Errorf("forbidding token %s: %w", addr.Hex(), err)
		}
	}
	return credit.NewFacade(manager, facadeParams), lendingPool, priceOracle, nil
}
