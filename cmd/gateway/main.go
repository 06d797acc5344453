package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/HanTheDev/plugin-pay-gateway/internal/admin"
	"github.com/HanTheDev/plugin-pay-gateway/internal/auth"
	"github.com/HanTheDev/plugin-pay-gateway/internal/config"
	"github.com/HanTheDev/plugin-pay-gateway/internal/db"
	"github.com/HanTheDev/plugin-pay-gateway/internal/dispatch"
	"github.com/HanTheDev/plugin-pay-gateway/internal/escrow"
	"github.com/HanTheDev/plugin-pay-gateway/internal/ethsig"
	"github.com/HanTheDev/plugin-pay-gateway/internal/gateway"
	"github.com/HanTheDev/plugin-pay-gateway/internal/ledger"
	"github.com/HanTheDev/plugin-pay-gateway/internal/oracle"
	"github.com/HanTheDev/plugin-pay-gateway/internal/ratelimit"
	"github.com/HanTheDev/plugin-pay-gateway/internal/validate"
)

type outboxStore interface {
	oracle.Outbox
	gateway.CallLogger
	admin.Analytics
}

type memoryStore struct {
	*oracle.MemoryOutbox
	*db.MemoryCallLog
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Nonce and rate limit state
	var (
		nonces   auth.NonceStore
		counters ratelimit.CounterStore
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal("Invalid REDIS_URL:", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatal("Failed to connect to redis:", err)
		}
		defer client.Close()
		nonces = auth.NewRedisNonceStore(client)
		counters = ratelimit.NewRedisStore(client)
	} else {
		log.Printf("REDIS_URL not set, using in-process nonce and rate limit stores")
		nonces = auth.NewMemoryNonceStore(auth.DefaultNonceHighWater)
		counters = ratelimit.NewMemoryStore()
	}

	// Outbox and call log
	var store outboxStore
	if cfg.DatabaseURL != "" {
		database, err := db.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal("Failed to connect to database:", err)
		}
		defer database.Close()
		if err := database.Migrate(ctx); err != nil {
			log.Fatal("Failed to migrate database:", err)
		}
		store = database
	} else {
		log.Printf("DATABASE_URL not set, consumption outbox will not survive restarts")
		store = memoryStore{oracle.NewMemoryOutbox(), db.NewMemoryCallLog()}
	}

	// Ledger
	if !common.IsHexAddress(cfg.PluginRegistryAddress) || !common.IsHexAddress(cfg.UsageMeterAddress) {
		log.Fatal("PLUGIN_REGISTRY_ADDRESS and USAGE_METER_ADDRESS must be hex addresses")
	}
	submitter, err := ethsig.NewSigner(cfg.SubmitterPrivateKey)
	if err != nil {
		log.Fatal("Invalid SUBMITTER_PRIVATE_KEY:", err)
	}
	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		log.Fatal("Failed to connect to RPC:", err)
	}
	defer rpc.Close()
	ledgerClient, err := ledger.NewClient(rpc, ledger.Config{
		PluginRegistry: common.HexToAddress(cfg.PluginRegistryAddress),
		UsageMeter:     common.HexToAddress(cfg.UsageMeterAddress),
		Submitter:      submitter.PrivateKey(),
		GasLimit:       cfg.ConsumeGasLimit,
		ConfirmTimeout: cfg.ConsumeConfirmTimeout,
	})
	if err != nil {
		log.Fatal("Failed to initialize ledger client:", err)
	}

	keyring, err := oracle.NewKeyring(cfg.VerifierPrivateKey, cfg.VerifierKeys)
	if err != nil {
		log.Fatal("Failed to load verifier keys:", err)
	}
	if keyring.Len() == 0 {
		log.Fatal("No verifier key configured; set VERIFIER_PRIVATE_KEY or VERIFIER_KEYS")
	}

	// Output storage
	var blobs dispatch.BlobStore
	if cfg.S3Bucket != "" {
		blobs, err = dispatch.NewS3Store(ctx, dispatch.S3StoreConfig{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		})
		if err != nil {
			log.Fatal("Failed to initialize S3 store:", err)
		}
	} else {
		log.Printf("S3_BUCKET not set, large outputs are kept in memory")
		blobs = dispatch.NewMemoryStore()
	}

	validator, err := validate.New(cfg.PluginKinds, cfg.StrictPluginValidation)
	if err != nil {
		log.Fatal("Invalid PLUGIN_KINDS:", err)
	}

	reconciler := oracle.NewReconciler(store, ledgerClient, oracle.ReconcilerConfig{Interval: cfg.ReconcileInterval})

	handler := gateway.NewHandler(gateway.Deps{
		Auth:       auth.NewAuthenticator(cfg.AuthProtocol, cfg.AuthWindow, nonces),
		Validator:  validator,
		Plugins:    ledgerClient,
		Escrow:     escrow.NewGate(ledgerClient),
		RateLimit:  ratelimit.NewRateLimiter(counters, cfg.RateLimit, cfg.RateWindow),
		Signers:    keyring,
		Dispatcher: dispatch.NewDispatcher(dispatch.NewHTTPProvider(cfg.ComputeBaseURL), blobs, cfg.DefaultPluginTimeout, cfg.PluginTimeouts),
		Receipts:   oracle.New(store, reconciler.Kick),
		CallLog:    store,
	})

	// Initialize router
	router := mux.NewRouter()
	router.HandleFunc("/health", healthHandler).Methods("GET")

	adminHandler := admin.NewAdminHandler(store, store, reconciler.Kick, admin.Config{
		JWTSecret:      cfg.JWTSecret,
		OperatorAPIKey: cfg.OperatorAPIKey,
	})
	adminHandler.RegisterRoutes(router)
	handler.RegisterRoutes(router)

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Server starting on port %s", cfg.ServerPort)
		log.Printf("Plugin API available at /api/v1/plugins/{id}/call")
		if adminHandler.Enabled() {
			log.Printf("Admin API available at /admin/*")
		}
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return reconciler.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		log.Println("Shutting down server")
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal("Server failed:", err)
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"version": "1.0.0",
	})
}
