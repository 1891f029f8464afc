// Command weaver-gateway launches the Weaver control plane: event log,
// domain router, run manager, and SSE broadcaster behind an HTTP API.
// Grounded on cmd/gateway/main.go's signal-context/config-load/telemetry-
// init/graceful-shutdown skeleton, rewired from the streaming-gateway
// component set to Weaver's run runtime core.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/weaverhq/weaver/config"
	"github.com/weaverhq/weaver/errs"
	"github.com/weaverhq/weaver/internal/weaver/broadcaster"
	"github.com/weaverhq/weaver/internal/weaver/clock"
	"github.com/weaverhq/weaver/internal/weaver/envelope"
	"github.com/weaverhq/weaver/internal/weaver/eventlog"
	"github.com/weaverhq/weaver/internal/weaver/httpapi"
	"github.com/weaverhq/weaver/internal/weaver/orderindex"
	"github.com/weaverhq/weaver/internal/weaver/router"
	"github.com/weaverhq/weaver/internal/weaver/runmanager"
	"github.com/weaverhq/weaver/internal/weaver/simulator"
	telemetry "github.com/weaverhq/weaver/lib/telemetry"
)

const (
	listenAddr      = ":8080"
	shutdownTimeout = 10 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, "weaver-gateway ", log.LstdFlags|log.Lmsgprefix)

	cfg := config.WeaverFromEnv()
	logger.Printf("configuration initialised: env=%s durable_eventlog=%v", cfg.Environment, cfg.EventLog.Durable)

	_, shutdownTelemetry, err := telemetry.Init(ctx, config.TelemetryConfig{ServiceName: "weaver-gateway"})
	if err != nil {
		logger.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Printf("telemetry shutdown: %v", err)
		}
	}()

	memCfg := eventlog.MemoryConfig{RingCapacity: cfg.EventLog.RingCapacity, SubscriberBuffer: cfg.EventLog.SubscriberBuffer}
	var log_ eventlog.Log
	if cfg.EventLog.Durable {
		pool, err := pgxpool.New(ctx, cfg.EventLog.DatabaseURL)
		if err != nil {
			logger.Fatalf("connect event log database: %v", err)
		}
		defer pool.Close()
		log_ = eventlog.NewDurableLog(pool, memCfg)
		logger.Printf("event log: durable (postgres)")
	} else {
		log_ = eventlog.NewMemoryLog(memCfg)
		logger.Printf("event log: in-memory")
	}
	defer log_.Close()

	store := runmanager.NewMemoryStore()
	manager := runmanager.New(log_, store, buildComponents(cfg, log_))

	domainRouter := router.New(manager)
	manager.SetRouter(domainRouter)
	orders := orderindex.New()
	bcast := broadcaster.New(cfg.Broadcaster.FanoutWorkers)

	go runPump(ctx, logger, "router", func(ctx context.Context) error { return domainRouter.Pump(ctx, log_) })
	go runPump(ctx, logger, "orderindex", func(ctx context.Context) error { return orders.Pump(ctx, log_) })
	go runPump(ctx, logger, "broadcaster", func(ctx context.Context) error { return bcast.Pump(ctx, log_) })

	if cfg.RunManager.RecoverOnStart {
		if err := manager.Recover(ctx); err != nil {
			logger.Printf("run recovery: %v", err)
		}
	}

	handler := httpapi.New(manager, orders, nil, log_, bcast)
	server := &http.Server{Addr: listenAddr, Handler: handler}

	go func() {
		logger.Printf("listening on %s", listenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("serve: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("server shutdown: %v", err)
	}
}

func runPump(ctx context.Context, logger *log.Logger, name string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil && ctx.Err() == nil {
		logger.Printf("%s pump exited: %v", name, err)
	}
}

// buildComponents returns the RunManager Builder. It builds a BacktestClock
// and a BacktestExchangeAdapter for backtest runs and returns a
// CodeUnavailable (503) error for every other mode; it wires no
// RealtimeClock or LiveAdapter.
// Strategy wiring (the Runner's concrete Strategy implementation) is
// deployment-specific — operators supply one via a narrower Builder built
// on top of this one; this default builder drives the clock and simulator
// end to end for backtest runs and leaves Components.Runner nil (RunManager
// tolerates a nil Runner during teardown) until one is attached.
func buildComponents(cfg config.WeaverSettings, log_ eventlog.Log) runmanager.Builder {
	return func(ctx context.Context, run runmanager.Run) (*runmanager.Components, error) {
		switch run.Mode {
		case runmanager.ModeBacktest:
			return buildBacktestComponents(cfg, log_, run)
		default:
			return nil, errs.New("weaver-gateway/build", errs.CodeUnavailable,
				errs.WithMessage("no adapter wired for mode "+string(run.Mode)), errs.WithHTTP(503))
		}
	}
}

func buildBacktestComponents(cfg config.WeaverSettings, log_ eventlog.Log, run runmanager.Run) (*runmanager.Components, error) {
	tf := clock.Timeframe(run.Timeframe)
	start, end := time.Now().UTC(), time.Now().UTC()
	if run.BacktestStart != nil {
		start = *run.BacktestStart
	}
	if run.BacktestEnd != nil {
		end = *run.BacktestEnd
	}
	bc := clock.NewBacktestClock(start, end, tf)

	slippage, _ := decimal.NewFromString(cfg.Simulator.SlippageBPS)
	commission, _ := decimal.NewFromString(cfg.Simulator.CommissionBPS)
	minCommission, _ := decimal.NewFromString(cfg.Simulator.MinCommission)
	fillCfg := simulator.FillSimulationConfig{SlippageBPS: slippage, CommissionBPS: commission, MinCommission: minCommission}
	sim := simulator.NewBacktestSimulator(fillCfg, decimal.Zero, nil)
	adapter := simulator.NewBacktestExchangeAdapter(sim)

	bc.OnTick(func(ctx context.Context, tick clock.Tick) error {
		result := sim.AdvanceTo(run.Symbols, run.Timeframe, tick.TS, tick.BarIndex)
		for i, fill := range result.Fills {
			order := result.FilledOrders[i]
			emitFill(ctx, log_, run.ID, order, fill)
		}
		return nil
	})

	return &runmanager.Components{Clock: bc, Exchange: adapter}, nil
}

func emitFill(ctx context.Context, log_ eventlog.Log, runID string, order *simulator.OrderState, fill simulator.Fill) {
	e := &envelope.Envelope{
		ID:       fill.ID,
		Kind:     envelope.KindEvent,
		Type:     "orders.Filled",
		RunID:    runID,
		Producer: "weaver.simulator",
		TS:       fill.TS,
		Payload: map[string]any{
			"id":              order.ID,
			"client_order_id": order.ClientOrderID,
			"symbol":          order.Symbol,
			"side":            string(order.Side),
			"type":            string(order.Type),
			"qty":             fill.Qty.String(),
			"price":           fill.Price.String(),
			"commission":      fill.Commission.String(),
			"slippage":        fill.Slippage.String(),
			"bar_index":       fill.BarIndex,
		},
	}
	if _, err := log_.Append(ctx, e); err != nil {
		log.Printf("weaver-gateway: append orders.Filled for run %s: %v", runID, err)
	}
}
