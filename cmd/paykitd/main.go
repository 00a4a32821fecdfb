package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ravpay/payment-kit/internal/api"
	"github.com/ravpay/payment-kit/internal/auth"
	"github.com/ravpay/payment-kit/internal/billing"
	"github.com/ravpay/payment-kit/internal/chain"
	"github.com/ravpay/payment-kit/internal/claim"
	"github.com/ravpay/payment-kit/internal/config"
	"github.com/ravpay/payment-kit/internal/ledger"
	"github.com/ravpay/payment-kit/internal/rate"
	"github.com/ravpay/payment-kit/internal/scheduler"
)

// picoUSDPerUSD scales whole-USD prices to the billing core's minor unit.
var picoUSDPerUSD = big.NewInt(1_000_000_000_000)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Chain client (payee key + channel hub binding) ────────────────────────
	onchain, err := chain.NewClient(cfg)
	if err != nil {
		log.Fatal("chain client init failed", zap.Error(err))
	}

	// ── Billing engine ────────────────────────────────────────────────────────
	engine := billing.NewEngine(billing.NewFileLoader(cfg.Billing.RulesDir), log)

	// ── Ledger ────────────────────────────────────────────────────────────────
	repo := ledger.NewRedisRepository(rdb)
	ledg := ledger.New(repo, log)

	// ── Rate provider (pegged base prices, Redis-cached) ──────────────────────
	base := rate.NewStaticProvider(map[string]*big.Int{
		cfg.Billing.DefaultAssetID: picoUSDPerUSD,
	})
	rates := rate.NewCachedProvider(base, rdb,
		time.Duration(cfg.Billing.RateTTLSec)*time.Second, log)

	// ── Claim coordinator ─────────────────────────────────────────────────────
	threshold, ok := new(big.Int).SetString(cfg.Claim.ThresholdPicoUSD, 10)
	if !ok {
		log.Fatal("invalid CLAIM_THRESHOLD_PICOUSD")
	}
	coord := claim.NewCoordinator(
		repo,
		onchain,
		threshold,
		time.Duration(cfg.Claim.IntervalSec)*time.Second,
		cfg.Claim.MaxChannelsPerRun,
		log,
	)

	// ── Request scheduler ─────────────────────────────────────────────────────
	sched := scheduler.New(cfg.Scheduler.MaxConcurrent, log)

	// ── Goroutines ────────────────────────────────────────────────────────────
	go reportPendingChannels(ctx, repo, log)
	go coord.Run(ctx)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	public := r.Group("/api/v1")
	authed := r.Group("/api/v1", auth.Middleware(rdb, auth.EthVerifier{}))

	handler := api.NewHandler(engine, ledg, repo, rates, coord, sched, onchain, api.Options{
		PayeeDID:       cfg.Chain.PayeeDID,
		DefaultAssetID: cfg.Billing.DefaultAssetID,
		DefaultService: cfg.Billing.DefaultService,
		AdminKey:       cfg.Server.AdminKey,
	}, log)
	handler.Register(public, authed)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// reportPendingChannels logs channels carrying billed-but-unclaimed value at
// startup, so value surviving a crash is visible to operators before the
// claim loop picks it up.
func reportPendingChannels(ctx context.Context, repo ledger.Repository, log *zap.Logger) {
	channels, err := repo.ListPendingChannels(ctx)
	if err != nil {
		log.Error("startup recovery scan failed", zap.Error(err))
		return
	}
	for _, id := range channels {
		pending, err := repo.GetPending(ctx, id)
		if err != nil || pending == nil {
			continue
		}
		log.Info("recovered pending proposal",
			zap.String("channel", id),
			zap.Uint64("nonce", pending.Nonce),
			zap.String("amount", pending.AccumulatedAmount.String()),
			zap.Bool("signed", pending.Signed()),
		)
	}
}
