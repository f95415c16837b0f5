// Command coordinatord runs the intent auction coordinator.
//
// Usage:
//
//	coordinatord [flags]
//
// Flags:
//
//	-http.addr       JSON API / WebSocket listen address (default ":8080")
//	-postgres.dsn    Postgres connection string, or "memory" for in-process stores
//	-redis.addr      Redis address for the networked bus, empty selects in-process
//	-chain.id        Chain ID checked against intents and the EIP-712 domain
//	-settlement      EIP-712 verifyingContract address (hex)
//	-migrations.dir  Directory of *.sql migrations to apply on startup, empty skips
//	-loglevel        Log verbosity: debug, info, warn, error
//	-version         Print version and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/intentauction/coordinator/internal/app"
	"github.com/intentauction/coordinator/internal/config"
	"github.com/intentauction/coordinator/internal/store"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Build-time version info, overridable with ldflags:
//
//	go build -ldflags "-X main.version=v0.2.0 -X main.commit=abc1234"
var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the actual entry point, returning an exit code. Accepts CLI
// arguments (without the program name) so it can be tested in isolation.
func run(args []string) int {
	cfg, migrationsDir, exit, code := parseFlags(args)
	if exit {
		return code
	}

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("coordinatord %s starting", version)
	log.Printf("  http addr:      %s", cfg.HTTPAddr)
	log.Printf("  postgres dsn:   %s", redactDSN(cfg.PostgresDSN))
	log.Printf("  redis addr:     %s", cfg.RedisAddr)
	log.Printf("  chain id:       %d", cfg.ChainID)
	log.Printf("  bidding window: %dms", cfg.BiddingWindowMs)
	log.Printf("  log level:      %s", cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Printf("Invalid configuration: %v", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if migrationsDir != "" {
		if err := runMigrations(ctx, cfg, migrationsDir); err != nil {
			log.Printf("Failed to run migrations: %v", err)
			return 1
		}
		log.Printf("Migrations applied from %s", migrationsDir)
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Printf("Failed to construct coordinator: %v", err)
		return 1
	}

	if err := a.Run(ctx); err != nil {
		log.Printf("Coordinator exited with error: %v", err)
		return 1
	}

	log.Println("Shutdown complete")
	return 0
}

// runMigrations opens a short-lived pool against cfg.PostgresDSN and applies
// every pending migration in dir; it is a no-op for the in-process "memory"
// store mode.
func runMigrations(ctx context.Context, cfg config.Config, dir string) error {
	if cfg.PostgresDSN == "" || cfg.PostgresDSN == "memory" {
		return nil
	}
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()
	return store.Migrate(ctx, pool, dir)
}

// parseFlags parses CLI arguments into a Config. Returns the config, the
// migrations directory (empty to skip), whether the caller should exit
// immediately, and the exit code.
func parseFlags(args []string) (config.Config, string, bool, int) {
	cfg := config.FromEnv(config.Default())
	var migrationsDir string

	fs := flag.NewFlagSet("coordinatord", flag.ContinueOnError)
	fs.StringVar(&cfg.HTTPAddr, "http.addr", cfg.HTTPAddr, "JSON API / WebSocket listen address")
	fs.StringVar(&cfg.PostgresDSN, "postgres.dsn", cfg.PostgresDSN, `postgres connection string, or "memory" for in-process stores`)
	fs.StringVar(&cfg.RedisAddr, "redis.addr", cfg.RedisAddr, "redis address for the networked bus, empty selects in-process")
	fs.IntVar(&cfg.BiddingWindowMs, "bidding.windowms", cfg.BiddingWindowMs, "per-intent bidding window duration in milliseconds")
	fs.Uint64Var(&cfg.ChainID, "chain.id", cfg.ChainID, "chain id checked against intents and the EIP-712 domain")
	fs.StringVar(&cfg.SettlementContract, "settlement", cfg.SettlementContract, "EIP-712 verifyingContract address (hex)")
	fs.StringVar(&cfg.JWTSigningKey, "jwt.key", cfg.JWTSigningKey, "signing key for solver/subscriber session tokens")
	fs.StringVar(&cfg.LogLevel, "loglevel", cfg.LogLevel, "log verbosity (debug, info, warn, error)")
	fs.StringVar(&cfg.MetricsAddr, "metrics.addr", cfg.MetricsAddr, "listen address for the metrics endpoint, empty disables it")
	fs.StringVar(&migrationsDir, "migrations.dir", "", "directory of *.sql migrations to apply on startup, empty skips")
	showVersion := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return cfg, "", true, 2
	}

	if *showVersion {
		fmt.Printf("coordinatord %s (commit %s)\n", version, commit)
		return cfg, "", true, 0
	}

	return cfg, migrationsDir, false, 0
}

// redactDSN hides credentials embedded in a connection string before it
// reaches the startup banner.
func redactDSN(dsn string) string {
	if dsn == "" || dsn == "memory" {
		return dsn
	}
	return "<redacted>"
}
