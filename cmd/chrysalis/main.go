package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/chrysalisfund/chrysalis/internal/ai"
	"github.com/chrysalisfund/chrysalis/internal/analysis"
	"github.com/chrysalisfund/chrysalis/internal/backup"
	"github.com/chrysalisfund/chrysalis/internal/candidates"
	"github.com/chrysalisfund/chrysalis/internal/config"
	"github.com/chrysalisfund/chrysalis/internal/domain"
	"github.com/chrysalisfund/chrysalis/internal/engine"
	"github.com/chrysalisfund/chrysalis/internal/events"
	"github.com/chrysalisfund/chrysalis/internal/exchange"
	"github.com/chrysalisfund/chrysalis/internal/marketdata"
	"github.com/chrysalisfund/chrysalis/internal/notify"
	"github.com/chrysalisfund/chrysalis/internal/orchestrator"
	"github.com/chrysalisfund/chrysalis/internal/portfolio"
	"github.com/chrysalisfund/chrysalis/internal/regime"
	"github.com/chrysalisfund/chrysalis/internal/risk"
	"github.com/chrysalisfund/chrysalis/internal/sandbox"
	"github.com/chrysalisfund/chrysalis/internal/scheduler"
	"github.com/chrysalisfund/chrysalis/internal/server"
	"github.com/chrysalisfund/chrysalis/internal/store"
	"github.com/chrysalisfund/chrysalis/internal/strategy"
	"github.com/chrysalisfund/chrysalis/pkg/logger"
)

func main() {
	configDir := flag.String("config", "./config", "configuration directory")
	flag.Parse()

	// Bootstrap logger until the configured one takes over.
	log := logger.New(logger.Config{Level: "info"})

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log = logger.New(logger.Config{
		Level:  cfg.General.LogLevel,
		Pretty: cfg.General.LogPretty,
	})
	log.Info().
		Str("mode", string(cfg.General.Mode)).
		Strs("symbols", cfg.Markets.Symbols).
		Msg("Starting Chrysalis")

	st, err := store.Open(cfg.General.DatabasePath, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	if err := st.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	// Root context for every job; shutdown cancels it first.
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ev := events.NewManager(log, st)
	notifier := notify.New("", cfg.Notifications, cfg.Secrets.TelegramBotToken, cfg.Secrets.TelegramChatID, log)
	client := exchange.NewClient(cfg.Exchange.RESTURL, cfg.Secrets.ExchangeAPIKey, cfg.Secrets.ExchangeAPISecret, log)
	stream := exchange.NewStream(cfg.Exchange.WSURL, cfg.Markets.Symbols, log)
	market := marketdata.NewService(st, log)
	regimeDet := regime.NewDetector(log)
	sb := sandbox.New(log)

	pRepo := portfolio.NewRepository(st)
	tracker := portfolio.NewTracker(portfolio.Config{
		Mode:         portfolio.Mode(cfg.General.Mode),
		PaperBalance: cfg.General.PaperBalanceUSD,
		Slippage:     cfg.General.DefaultSlippageFactor,
		FillTimeout:  time.Duration(cfg.Exchange.OrderTimeoutSeconds) * time.Second,
	}, pRepo, client, log)
	if err := tracker.Initialize(); err != nil {
		log.Fatal().Err(err).Msg("Failed to restore portfolio")
	}

	riskMgr := risk.NewManager(cfg.Risk, log)
	if err := riskMgr.Initialize(st, cfg.Location); err != nil {
		log.Fatal().Err(err).Msg("Failed to recover risk counters")
	}

	sRepo := strategy.NewRepository(st)
	installed, err := sRepo.InstallSeedIfEmpty(time.Now().Unix())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to install seed strategy")
	}
	loader := strategy.NewLoader(sRepo, cfg.Strategy.File, log)
	if installed {
		log.Info().Msg("Seed strategy installed as version 1")
		if err := loader.WriteFile(strategy.SeedCode); err != nil {
			log.Warn().Err(err).Msg("Failed to write seed strategy file")
		}
	}

	cands := candidates.NewManager(candidates.Config{
		MaxSlots: cfg.Orchestrator.MaxCandidates,
		Slippage: cfg.General.DefaultSlippageFactor,
		Limits:   cfg.Risk,
		Symbols:  cfg.Markets.Symbols,
		Timezone: cfg.Location,
	}, candidates.NewRepository(st), sb, ev, log)
	if err := cands.Initialize(); err != nil {
		log.Fatal().Err(err).Msg("Failed to recover candidates")
	}

	eng := engine.New(engine.Deps{
		Tracker:       tracker,
		PortfolioRepo: pRepo,
		Risk:          riskMgr,
		StrategyRepo:  sRepo,
		Loader:        loader,
		Market:        market,
		Regime:        regimeDet,
		Candidates:    cands,
		Feed:          client,
		Stream:        stream,
		Events:        ev,
		Notifier:      notifier,
	}, cfg, log)
	if err := eng.Initialize(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load strategy")
	}

	stream.OnCandle(func(c domain.Candle) {
		if err := market.UpsertCandle(c); err != nil {
			log.Warn().Err(err).Str("symbol", c.Symbol).Msg("Failed to store streamed candle")
		}
	})
	stream.OnPermanentFailure(eng.HandleStreamFailure)

	var backupRunner orchestrator.BackupRunner
	if cfg.Backup.Enabled {
		bsvc, err := backup.New(rootCtx, st, cfg, log)
		if err != nil {
			log.Warn().Err(err).Msg("Backup unavailable, continuing without it")
		} else {
			backupRunner = bsvc
		}
	}

	aiLedger := ai.NewLedger(st, cfg.AI, cfg.Location, log)
	aiClient := ai.NewClient("", cfg.Secrets.AIAPIKey, aiLedger, log)
	oRepo := orchestrator.NewRepository(st)
	orch := orchestrator.New(orchestrator.Deps{
		Client:        aiClient,
		Ledger:        aiLedger,
		Repo:          oRepo,
		Tracker:       tracker,
		PortfolioRepo: pRepo,
		StrategyRepo:  sRepo,
		Loader:        loader,
		Analysis:      analysis.NewRunner(store.NewReadOnly(st), log),
		AnalysisRepo:  analysis.NewRepository(st),
		Candidates:    cands,
		Market:        market,
		Regime:        regimeDet,
		Sandbox:       sb,
		Events:        ev,
		Notifier:      notifier,
		Swapper:       eng,
		Backup:        backupRunner,
	}, cfg, log)

	// Candle history catch-up before the first scan fires.
	for _, sym := range cfg.Markets.Symbols {
		if err := market.Backfill(client, sym); err != nil {
			log.Warn().Err(err).Str("symbol", sym).Msg("Initial candle backfill failed")
		}
	}

	if err := stream.Start(); err != nil {
		log.Warn().Err(err).Msg("WebSocket start failed, reconnecting in background")
	}

	var srv *server.Server
	if cfg.Server.Enabled {
		srv = server.New(cfg.Server.ListenAddr, server.Deps{
			Store:      st,
			Tracker:    tracker,
			Portfolio:  pRepo,
			Strategies: sRepo,
			Orch:       oRepo,
			Candidates: cands,
			Engine:     eng,
		}, log)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Status API failed")
			}
		}()
	}

	sched := scheduler.New(cfg.Location, log)
	if err := registerJobs(rootCtx, sched, eng, orch, cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to register jobs")
	}
	sched.Start()

	status := eng.Status()
	notifier.SystemOnline(string(cfg.General.Mode), status.StrategyVersion, tracker.TotalValue(nil))
	log.Info().Int64("strategy_version", status.StrategyVersion).Msg("Chrysalis started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdown(cancel, sched, srv, eng, client, stream, notifier, st, cfg, log)
	log.Info().Msg("Chrysalis stopped")
}

// registerJobs wires every periodic job. Scan and fee check also get
// one-shot kicks so a fresh boot does not idle until the first slot.
func registerJobs(ctx context.Context, sched *scheduler.Scheduler, eng *engine.Engine, orch *orchestrator.Orchestrator, cfg *config.Config) error {
	scanJob := scheduler.Func("scan", func() error { return eng.Scan(ctx) })
	feeJob := scheduler.Func("fee_check", eng.CheckFees)

	jobs := []struct {
		spec string
		job  scheduler.Job
	}{
		{fmt.Sprintf("@every %dm", cfg.Strategy.ScanIntervalMinutes), scanJob},
		{"@every 30s", scheduler.Func("position_monitor", func() error { return eng.MonitorPositions(ctx) })},
		{fmt.Sprintf("@every %dh", cfg.Fees.CheckIntervalHours), feeJob},
		{"0 55 23 * * *", scheduler.Func("daily_snapshot", eng.DailySnapshot)},
		{"0 0 0 * * *", scheduler.Func("daily_reset", eng.DailyReset)},
		{fmt.Sprintf("0 %d %d * * *", cfg.Orchestrator.StartMinute, cfg.Orchestrator.StartHour),
			scheduler.Func("nightly_orchestration", func() error {
				orch.RunNightlyCycle(ctx)
				return nil
			})},
		{"0 0 20 * * 0", scheduler.Func("weekly_report", eng.WeeklyReport)},
	}
	for _, j := range jobs {
		if err := sched.AddJob(j.spec, j.job); err != nil {
			return fmt.Errorf("failed to register %s: %w", j.job.Name(), err)
		}
	}

	sched.KickAfter(10*time.Second, scanJob)
	sched.KickAfter(time.Minute, feeJob)
	return nil
}

// shutdown runs the ordered teardown. Every step is best-effort; a
// failure logs a warning and the remaining steps still run.
func shutdown(cancel context.CancelFunc, sched *scheduler.Scheduler, srv *server.Server,
	eng *engine.Engine, client *exchange.Client, stream *exchange.Stream,
	notifier *notify.Notifier, st *store.Store, cfg *config.Config, log zerolog.Logger) {

	log.Info().Msg("Shutting down")

	// 1. Stop firing jobs and wait for running ones.
	cancel()
	sched.Stop()

	if srv != nil {
		ctx, srvCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Status API shutdown failed")
		}
		srvCancel()
	}

	// 2. Persist the active strategy's state blob.
	if err := eng.PersistStrategyState(); err != nil {
		log.Warn().Err(err).Msg("Failed to persist strategy state")
	}

	// 3. Live mode: cancel unfilled exchange orders.
	if cfg.General.Mode == config.ModeLive {
		cancelOpenOrders(client, log)
	}

	// 4. Stop the WebSocket stream.
	if err := stream.Stop(); err != nil {
		log.Warn().Err(err).Msg("Failed to stop WebSocket stream")
	}

	// 5. Stop the notifier, draining queued messages.
	notifier.Close()

	// 6. Close the REST client.
	client.Close()

	// 7. Checkpoint and close the store.
	if err := st.WALCheckpoint("TRUNCATE"); err != nil {
		log.Warn().Err(err).Msg("WAL checkpoint failed")
	}
	if err := st.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close store")
	}
}

func cancelOpenOrders(client *exchange.Client, log zerolog.Logger) {
	orders, err := client.OpenOrders()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list open orders")
		return
	}
	for txid := range orders {
		if err := client.CancelOrder(txid); err != nil {
			log.Warn().Err(err).Str("txid", txid).Msg("Failed to cancel order")
			continue
		}
		log.Info().Str("txid", txid).Msg("Canceled unfilled order")
	}
}
