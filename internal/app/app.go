package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/intentauction/coordinator/internal/admission"
	"github.com/intentauction/coordinator/internal/api"
	"github.com/intentauction/coordinator/internal/auction"
	"github.com/intentauction/coordinator/internal/authtoken"
	"github.com/intentauction/coordinator/internal/bus"
	"github.com/intentauction/coordinator/internal/config"
	"github.com/intentauction/coordinator/internal/log"
	"github.com/intentauction/coordinator/internal/metrics"
	"github.com/intentauction/coordinator/internal/ratelimit"
	"github.com/intentauction/coordinator/internal/reaper"
	"github.com/intentauction/coordinator/internal/sig"
	"github.com/intentauction/coordinator/internal/solversession"
	"github.com/intentauction/coordinator/internal/store"
	"github.com/intentauction/coordinator/internal/subscriber"
)

// App holds every wired component of a running coordinator process.
type App struct {
	cfg config.Config
	log *log.Logger

	pool *pgxpool.Pool
	bus  bus.MessageBus

	intents    store.IntentStore
	bids       store.BidStore
	controller *auction.Controller
	pipeline   *admission.Pipeline
	reaper     *reaper.Reaper
	solverMgr  *solversession.Manager
	subMgr     *subscriber.Manager

	httpServer    *http.Server
	metricsServer *http.Server

	lifecycle *Lifecycle
}

// New constructs every coordinator component from cfg but does not start
// any of them -- call Run (or Lifecycle().StartAll) to bring the process
// up.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := log.New(log.LevelFromString(cfg.LogLevel))

	a := &App{cfg: cfg, log: logger, lifecycle: NewLifecycle()}

	if cfg.RedisAddr != "" {
		a.bus = bus.NewRedisBus(cfg.RedisAddr, "", 0)
	} else {
		a.bus = bus.NewMemoryBus(256)
	}

	if cfg.PostgresDSN != "" && cfg.PostgresDSN != "memory" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		a.intents = store.NewPGIntentStore(pool)
		a.bids = store.NewPGBidStore(pool)
	} else {
		memIntents := store.NewMemoryIntentStore()
		a.intents = memIntents
		a.bids = store.NewMemoryBidStore(memIntents)
	}

	verifyingContract := common.HexToAddress(cfg.SettlementContract)
	verifier := sig.NewVerifier(cfg.ChainID, verifyingContract)
	reputation := auction.NewReputationTracker()

	a.controller = auction.NewController(auction.Config{
		MaxSolverFeeBps: cfg.MaxSolverFeeBps,
		MinBidCount:     cfg.MinBidCount,
		Weights:         auction.DefaultWeights(),
	}, a.intents, a.bids, a.bus, verifier, reputation, logger.Module("auction"))

	a.pipeline = admission.NewPipeline(admission.Config{
		BiddingWindowMs: int64(cfg.BiddingWindowMs),
		ChainID:         cfg.ChainID,
	}, a.intents, a.bus, verifier, a.controller, logger.Module("admission"))

	metricsReg := metrics.NewRegistry()
	std := metrics.NewStandard(metricsReg)

	a.reaper = reaper.New(reaper.Config{
		Interval:  cfg.ReaperInterval,
		BatchSize: cfg.ReaperBatchSize,
	}, a.intents, a.bids, a.bus, std, logger.Module("reaper"))

	issuer := authtoken.NewIssuer(cfg.JWTSigningKey, 5*time.Minute)

	a.solverMgr = solversession.NewManager(solversession.Config{
		OutboundQueueSize: 256,
		HeartbeatInterval: cfg.WSHeartbeatInterval,
		ConnectionTimeout: cfg.WSConnectionTimeout,
	}, issuer, a.bus, logger.Module("solversession"))

	a.subMgr = subscriber.NewManager(subscriber.Config{
		OutboundQueueSize: 256,
		HeartbeatInterval: cfg.WSHeartbeatInterval,
		ConnectionTimeout: cfg.WSConnectionTimeout,
	}, issuer, a.bus, logger.Module("subscriber"))

	limiter := ratelimit.New(ratelimit.Config{
		WindowMs:        cfg.APIRateLimit.WindowMs,
		Max:             cfg.APIRateLimit.Max,
		BurstMultiplier: 2,
	})

	httpSrv := api.New(api.Deps{
		Intents:    a.intents,
		Bids:       a.bids,
		Pipeline:   a.pipeline,
		Controller: a.controller,
		Verifier:   verifier,
		SolverMgr:  a.solverMgr,
		SubMgr:     a.subMgr,
		Issuer:     issuer,
		Limiter:    limiter,
		MetricsReg: metricsReg,
		Log:        logger.Module("api"),
	})

	a.httpServer = &http.Server{Addr: cfg.HTTPAddr, Handler: httpSrv.Handler()}
	if cfg.MetricsAddr != "" && cfg.MetricsAddr != cfg.HTTPAddr {
		a.metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: metricsReg.Handler()}
	}

	a.registerServices()
	return a, nil
}

func (a *App) registerServices() {
	a.lifecycle.Register(busService{a.bus}, 0)
	a.lifecycle.Register(reaperService{a.reaper}, 10)
	if a.metricsServer != nil {
		a.lifecycle.Register(httpService{a.metricsServer, a.log.Module("metrics")}, 15)
	}
	a.lifecycle.Register(httpService{a.httpServer, a.log.Module("http")}, 20)
}

// Run starts every component and blocks until ctx is cancelled, then
// shuts everything down in reverse order.
func (a *App) Run(ctx context.Context) error {
	if err := a.lifecycle.StartAll(); err != nil {
		return err
	}
	a.log.Info("coordinator started", "httpAddr", a.cfg.HTTPAddr)

	<-ctx.Done()

	a.log.Info("coordinator shutting down")
	a.controller.Shutdown()
	if errs := a.lifecycle.StopAll(); len(errs) > 0 {
		return errors.Join(errs...)
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return a.bus.Close()
}

// Lifecycle exposes the service start/stop manager for tests that need
// finer-grained control than Run.
func (a *App) Lifecycle() *Lifecycle { return a.lifecycle }
