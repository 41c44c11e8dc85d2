// Package engine owns the live trading loop. Every periodic job the
// scheduler fires lands on an Engine method; the engine serializes them
// under one mutex so portfolio, risk counters, and scan state are only
// ever mutated by a single handler at a time, and every handler finishes
// its store writes before the lock is released.
package engine

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chrysalisfund/chrysalis/internal/candidates"
	"github.com/chrysalisfund/chrysalis/internal/config"
	"github.com/chrysalisfund/chrysalis/internal/domain"
	"github.com/chrysalisfund/chrysalis/internal/events"
	"github.com/chrysalisfund/chrysalis/internal/exchange"
	"github.com/chrysalisfund/chrysalis/internal/marketdata"
	"github.com/chrysalisfund/chrysalis/internal/notify"
	"github.com/chrysalisfund/chrysalis/internal/portfolio"
	"github.com/chrysalisfund/chrysalis/internal/regime"
	"github.com/chrysalisfund/chrysalis/internal/risk"
	"github.com/chrysalisfund/chrysalis/internal/strategy"
)

// MarketFeed is the slice of the exchange REST client the engine polls.
type MarketFeed interface {
	GetTicker(symbols []string) (map[string]exchange.Ticker, error)
	GetOHLC(symbol string, interval int, since int64) ([]domain.Candle, error)
	TradeVolume(symbols []string) (map[string]exchange.PairFees, error)
}

// PriceStream is the websocket price cache, preferred over REST while
// the stream is healthy. Nil means REST-only operation.
type PriceStream interface {
	Price(symbol string) (float64, bool)
	Prices() map[string]float64
	IsConnected() bool
}

// Deps wires the engine into the rest of the system.
type Deps struct {
	Tracker       *portfolio.Tracker
	PortfolioRepo *portfolio.Repository
	Risk          *risk.Manager
	StrategyRepo  *strategy.Repository
	Loader        *strategy.Loader
	Market        *marketdata.Service
	Regime        *regime.Detector
	Candidates    *candidates.Manager
	Feed          MarketFeed  // may be nil in offline tests
	Stream        PriceStream // may be nil
	Events        *events.Manager
	Notifier      *notify.Notifier
}

// pendingSwap is a deploy the orchestrator handed over; the engine picks
// it up at the start of the next scan.
type pendingSwap struct {
	code    string
	version int64
}

// Engine is the single owner of live trading state.
type Engine struct {
	mu sync.Mutex

	tracker       *portfolio.Tracker
	portfolioRepo *portfolio.Repository
	risk          *risk.Manager
	strategyRepo  *strategy.Repository
	loader        *strategy.Loader
	market        *marketdata.Service
	regime        *regime.Detector
	candidates    *candidates.Manager
	feed          MarketFeed
	stream        PriceStream
	events        *events.Manager
	notifier      *notify.Notifier

	cfg     *config.Config
	symbols []string
	tz      *time.Location
	log     zerolog.Logger

	// Scan state, all guarded by mu.
	strat      *strategy.Instance
	pending    *pendingSwap
	tickers    map[string]exchange.Ticker
	fees       map[string]exchange.PairFees
	regimes    map[string]string
	lastScan   time.Time
	lastSignal time.Time
	lastTrade  time.Time
	wsFailed   bool
	rolledBack bool
	haltNoted  string
	startedAt  time.Time
}

func New(deps Deps, cfg *config.Config, log zerolog.Logger) *Engine {
	tz := cfg.Location
	if tz == nil {
		tz = time.UTC
	}
	return &Engine{
		tracker:       deps.Tracker,
		portfolioRepo: deps.PortfolioRepo,
		risk:          deps.Risk,
		strategyRepo:  deps.StrategyRepo,
		loader:        deps.Loader,
		market:        deps.Market,
		regime:        deps.Regime,
		candidates:    deps.Candidates,
		feed:          deps.Feed,
		stream:        deps.Stream,
		events:        deps.Events,
		notifier:      deps.Notifier,
		cfg:           cfg,
		symbols:       cfg.Markets.Symbols,
		tz:            tz,
		log:           log.With().Str("component", "engine").Logger(),
		tickers:       make(map[string]exchange.Ticker),
		fees:          make(map[string]exchange.PairFees),
		regimes:       make(map[string]string),
		startedAt:     time.Now(),
	}
}

// Initialize loads the active strategy through the loader ladder (file
// first, store fallback; state blob restored inside) and stamps the
// tracker with the running version. Must succeed before the scheduler
// starts.
func (e *Engine) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, err := e.loader.Load(e.cfg.Risk, e.symbols)
	if err != nil {
		return err
	}
	e.strat = inst
	e.tracker.SetStrategyVersion(inst.Version())
	return nil
}

// RequestStrategySwap queues a freshly promoted version. The swap is
// applied at the start of the next scan, never mid-tick.
func (e *Engine) RequestStrategySwap(code string, version int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = &pendingSwap{code: code, version: version}
	e.log.Info().Int64("version", version).Msg("strategy swap queued for next scan")
}

// applyPendingSwapLocked replaces the running instance with the queued
// one. A swap that fails to construct keeps the old strategy running.
func (e *Engine) applyPendingSwapLocked() {
	if e.pending == nil {
		return
	}
	swap := e.pending
	e.pending = nil

	inst, err := strategy.NewInstance(swap.code, swap.version, e.log)
	if err != nil {
		e.log.Error().Err(err).Int64("version", swap.version).Msg("queued strategy failed to load, keeping current")
		e.events.EmitError("engine", err)
		return
	}
	if err := inst.Initialize(e.cfg.Risk, e.symbols); err != nil {
		e.log.Error().Err(err).Int64("version", swap.version).Msg("queued strategy failed to initialize, keeping current")
		e.events.EmitError("engine", err)
		return
	}
	e.strat = inst
	e.rolledBack = false
	e.tracker.SetStrategyVersion(swap.version)
	e.log.Info().Int64("version", swap.version).Msg("strategy hot-swapped")
}

// HandleStreamFailure is the websocket permanent-failure callback. The
// engine flips to REST polling and stays there until restart.
func (e *Engine) HandleStreamFailure() {
	e.mu.Lock()
	e.wsFailed = true
	e.mu.Unlock()

	err := errors.New("websocket reconnect attempts exhausted, polling REST")
	e.log.Error().Msg(err.Error())
	e.events.Emit(events.WebsocketFailed, err.Error(), nil)
	e.notifier.WebsocketFailed(err)
}

// streamHealthyLocked reports whether the websocket cache is usable.
func (e *Engine) streamHealthyLocked() bool {
	return e.stream != nil && !e.wsFailed && e.stream.IsConnected()
}

// PersistStrategyState saves the running strategy's opaque blob. Part of
// the shutdown sequence; also safe to call any time.
func (e *Engine) PersistStrategyState() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.strat == nil {
		return nil
	}
	blob, err := e.strat.GetState()
	if err != nil {
		return err
	}
	if blob == nil {
		return nil
	}
	return e.strategyRepo.SaveState(e.strat.Version(), blob, time.Now().Unix())
}

// Status is the engine's health view for the API and the weekly report.
type Status struct {
	Mode            string    `json:"mode"`
	StrategyVersion int64     `json:"strategy_version"`
	LastScan        time.Time `json:"last_scan"`
	LastSignal      time.Time `json:"last_signal"`
	LastTrade       time.Time `json:"last_trade"`
	WSConnected     bool      `json:"ws_connected"`
	WSFailed        bool      `json:"ws_failed"`
	Halted          bool      `json:"halted"`
	HaltReason      string    `json:"halt_reason,omitempty"`
	UptimeSeconds   int64     `json:"uptime_seconds"`
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	halted, reason := e.risk.Halted()
	var version int64
	if e.strat != nil {
		version = e.strat.Version()
	}
	return Status{
		Mode:            string(e.cfg.General.Mode),
		StrategyVersion: version,
		LastScan:        e.lastScan,
		LastSignal:      e.lastSignal,
		LastTrade:       e.lastTrade,
		WSConnected:     e.stream != nil && e.stream.IsConnected(),
		WSFailed:        e.wsFailed,
		Halted:          halted,
		HaltReason:      reason,
		UptimeSeconds:   int64(time.Since(e.startedAt).Seconds()),
	}
}

// feeFor returns the maker/taker percentages for a symbol, falling back
// to the configured exchange defaults until the first fee check lands.
func (e *Engine) feeFor(symbol string) (float64, float64) {
	if pf, ok := e.fees[symbol]; ok {
		return pf.MakerPct, pf.TakerPct
	}
	return e.cfg.Exchange.MakerFeePct, e.cfg.Exchange.TakerFeePct
}

// currentPricesLocked assembles the freshest price per symbol: websocket
// cache while healthy, cached REST tickers otherwise.
func (e *Engine) currentPricesLocked() map[string]float64 {
	prices := make(map[string]float64, len(e.symbols))
	for _, sym := range e.symbols {
		if tk, ok := e.tickers[sym]; ok && tk.Last > 0 {
			prices[sym] = tk.Last
		}
	}
	if e.streamHealthyLocked() {
		for sym, px := range e.stream.Prices() {
			if px > 0 {
				prices[sym] = px
			}
		}
	}
	return prices
}

var errNoStrategy = errors.New("no strategy instance loaded")
