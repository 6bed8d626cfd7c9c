package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/signal-trader/internal/adapters"
	"github.com/Rajchodisetti/signal-trader/internal/approval"
	"github.com/Rajchodisetti/signal-trader/internal/config"
	"github.com/Rajchodisetti/signal-trader/internal/decision"
	"github.com/Rajchodisetti/signal-trader/internal/observ"
	"github.com/Rajchodisetti/signal-trader/internal/outbox"
	"github.com/Rajchodisetti/signal-trader/internal/portfolio"
	"github.com/Rajchodisetti/signal-trader/internal/risk"
	"github.com/Rajchodisetti/signal-trader/internal/schedule"
	"github.com/Rajchodisetti/signal-trader/internal/store"
)

var version = "dev"

func main() {
	var cfgPath string
	var envPath string
	var oneShot bool
	var metricsAddr string
	var clearKill bool
	var operator string
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.StringVar(&envPath, "env", ".env", "dotenv file with secrets")
	flag.BoolVar(&oneShot, "oneshot", false, "run a single cycle and exit")
	flag.StringVar(&metricsAddr, "metrics-addr", ":8090", "address for /metrics and /healthz (empty disables)")
	flag.BoolVar(&clearKill, "clear-kill-switch", false, "clear a persisted kill switch at startup (also CLEAR_KILL_SWITCH=true)")
	flag.StringVar(&operator, "operator", os.Getenv("USER"), "operator recorded when clearing the kill switch")
	flag.Parse()

	if err := config.LoadEnv(envPath); err != nil {
		log.Fatalf("load env: %v", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v (did you copy config/config.example.yaml?)", err)
	}
	observ.SetLevel(cfg.LogLevel)
	observ.SetVersion(version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	cal, err := adapters.NewClockCalendar(cfg.Timezone, cfg.Holidays)
	if err != nil {
		log.Fatalf("calendar: %v", err)
	}
	journal, err := outbox.New(cfg.Paper.OutboxPath)
	if err != nil {
		log.Fatalf("create outbox: %v", err)
	}
	paper := adapters.NewPaperBroker(adapters.PaperConfig{
		StartingCash:   decimal.NewFromFloat(cfg.Paper.StartingCash),
		SlippageBpsMin: cfg.Paper.SlippageBpsMin,
		SlippageBpsMax: cfg.Paper.SlippageBpsMax,
		PricesPath:     cfg.Paper.PricesPath,
		Seed:           time.Now().UnixNano(),
	}, cal, journal)

	guard := adapters.NewGuard(cfg.CallTimeout(), cfg.Calls.RatePerSecond, cfg.Calls.Burst)
	sources := make([]adapters.SignalSource, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		sources = append(sources, adapters.GuardSource(adapters.NewFileSource(s.Name, s.Path), guard))
	}
	var advisor adapters.Advisor
	if cfg.Advisor.Enabled {
		advisor = adapters.GuardAdvisor(adapters.ConvictionAdvisor{}, guard)
	}

	approvals, err := approval.NewService(approval.Config{
		SigningKey: []byte(cfg.Approval.SigningKey),
		TTL:        time.Duration(cfg.Approval.TTLSeconds) * time.Second,
		Issuer:     cfg.Approval.Issuer,
	}, st)
	if err != nil {
		log.Fatalf("approval service: %v", err)
	}

	trader, err := decision.NewTrader(decision.Deps{
		Broker:    adapters.GuardBroker(paper, guard),
		Sources:   sources,
		Advisor:   advisor,
		Approvals: approvals,
		Risk: risk.NewController(st, risk.ControllerConfig{
			LossCooldown: time.Duration(cfg.Policy.LossCooldownMinutes) * time.Minute,
			Location:     cfg.Location(),
		}),
		Ledger: portfolio.NewLedger(st),
		Pruner: st,
	}, decision.SettingsFromConfig(cfg))
	if err != nil {
		log.Fatalf("trader: %v", err)
	}
	if err := trader.Restore(ctx, startupOptions(cfg, clearKill, operator)); err != nil {
		log.Fatalf("restore state: %v", err)
	}

	observ.Log("startup", map[string]any{
		"trading_mode": cfg.TradingMode,
		"store":        cfg.Store.Driver,
		"sources":      len(sources),
		"advisor":      cfg.Advisor.Enabled,
		"kill_switch":  approvals.Halted(),
		"version":      version,
	})

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observ.Handler())
		mux.Handle("/healthz", observ.Health())
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				observ.Error("metrics_server_failed", err, map[string]any{"addr": metricsAddr})
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()
	}

	if oneShot {
		if _, err := trader.RunCycle(ctx); err != nil {
			observ.Error("oneshot_cycle_failed", err, nil)
			os.Exit(1)
		}
		return
	}

	// SIGUSR1 is the operator kill switch. It is served outside the loop so a
	// running cycle does not delay it.
	kill := make(chan os.Signal, 1)
	signal.Notify(kill, syscall.SIGUSR1)
	defer signal.Stop(kill)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-kill:
				if err := trader.KillSwitch(ctx, "operator signal"); err != nil {
					observ.Error("kill_switch_failed", err, nil)
				}
			}
		}
	}()

	sched := schedule.New(cal, decision.ScheduleFromConfig(cfg.Scheduler))
	for {
		// failures are logged and counted by the cycle; the loop keeps going
		_, _ = trader.RunCycle(ctx)
		phase, delay := sched.Next(ctx, time.Now())
		observ.Debug("next_cycle", map[string]any{"phase": phase, "delay_seconds": delay.Seconds()})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			observ.Log("shutdown", map[string]any{"reason": ctx.Err().Error()})
			return
		case <-timer.C:
		}
	}
}

// startupOptions merges the kill switch config with the clear flag and its
// CLEAR_KILL_SWITCH env form.
func startupOptions(cfg config.Root, clearKill bool, operator string) decision.Startup {
	if v, err := strconv.ParseBool(os.Getenv("CLEAR_KILL_SWITCH")); err == nil && v {
		clearKill = true
	}
	return decision.Startup{EngageKillSwitch: cfg.KillSwitch, ClearKillSwitch: clearKill, Operator: operator}
}
