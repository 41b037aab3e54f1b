/*
main.go - Application entry point

PURPOSE:

	Initializes and starts the Keygate credential engine server. Handles
	configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
 1. Load .env (if present) and parse command-line flags
 2. Initialize SQLite store and pricing table
 3. Connect the fast validation tier (Redis, or in-process fallback)
 4. Wire domain services: ledger, referrals, issuer, validator, gateway
 5. Configure HTTP router, start janitor
 6. Start server with graceful shutdown

COMMAND-LINE FLAGS:

	-port     HTTP server port (default: 8080)
	-db       SQLite database path (default: keygate.db)
	          Use ":memory:" for an in-memory database
	-pricing  Pricing TOML path (default: built-in price list)
	-redis    Redis address for the fast tier (default: none, in-process)

ENVIRONMENT:

	Variables override flag defaults, loaded via .env when present:
	PORT, DB_PATH, PRICING_PATH, REDIS_ADDR

GRACEFUL SHUTDOWN:

	On SIGINT/SIGTERM:
	1. Stop accepting new connections
	2. Wait for active requests to complete (30s timeout)
	3. Stop the janitor, close the database
	4. Exit

EXAMPLES:

	# Run with file database and Redis fast tier
	./server -db="./data/keygate.db" -redis="localhost:6379"

	# Run fully in-memory (demo)
	./server -db=":memory:"

SEE ALSO:
  - api/server.go: Router configuration
  - api/janitor.go: Background cleanup
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/keygate/credential-engine/api"
	"github.com/keygate/credential-engine/cache"
	"github.com/keygate/credential-engine/credential"
	"github.com/keygate/credential-engine/ledger"
	"github.com/keygate/credential-engine/payment"
	"github.com/keygate/credential-engine/pricing"
	"github.com/keygate/credential-engine/referral"
	"github.com/keygate/credential-engine/store/sqlite"
)

func main() {
	// .env is optional; absence is not an error.
	_ = godotenv.Load()

	port := flag.Int("port", envInt("PORT", 8080), "HTTP server port")
	dbPath := flag.String("db", envStr("DB_PATH", "keygate.db"), "SQLite database path")
	pricingPath := flag.String("pricing", envStr("PRICING_PATH", ""), "Pricing TOML path (empty = built-in)")
	redisAddr := flag.String("redis", envStr("REDIS_ADDR", ""), "Redis address for the fast tier (empty = in-process)")
	flag.Parse()

	// Durable store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Pricing
	prices := pricing.Default()
	if *pricingPath != "" {
		prices, err = pricing.Load(*pricingPath)
		if err != nil {
			log.Fatalf("Failed to load pricing from %s: %v", *pricingPath, err)
		}
		log.Printf("[Main] Loaded pricing from %s", *pricingPath)
	}

	// Fast validation tier. Redis when configured, in-process otherwise.
	// A Redis that is down at startup is a hard error; a Redis that goes
	// down later degrades to durable-store validation.
	var fast cache.FastTier
	if *redisAddr != "" {
		redisTier, err := cache.NewRedis(*redisAddr)
		if err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", *redisAddr, err)
		}
		fast = redisTier
		log.Printf("[Main] Fast tier: Redis at %s", *redisAddr)
	} else {
		fast = cache.NewMemory()
		log.Println("[Main] Fast tier: in-process")
	}

	// Domain services
	svc := ledger.NewService(store)
	referrals := referral.NewEngine(svc, store, prices)
	issuer := credential.NewIssuer(store, svc, prices, referrals, fast)
	validator := credential.NewValidator(store, fast)
	payments := payment.NewGateway(store, svc, referrals)

	handler := api.NewHandler(svc, issuer, validator, referrals, payments, prices)
	router := api.NewRouter(handler)

	// Background cleanup
	janitor := api.NewJanitor(store, fast)
	janitor.Start()
	defer janitor.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🚀 Server starting on http://localhost:%d", *port)
		log.Printf("📊 API available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

func envStr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}
