package candidates

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chrysalisfund/chrysalis/internal/domain"
	"github.com/chrysalisfund/chrysalis/internal/events"
	"github.com/chrysalisfund/chrysalis/internal/sandbox"
	"github.com/chrysalisfund/chrysalis/internal/strategy"
)

// Config carries the candidate subsystem's parameters.
type Config struct {
	MaxSlots int
	Slippage float64 // paper fills; 0 keeps the default
	Limits   domain.RiskLimits
	Symbols  []string
	Timezone *time.Location
}

// Manager owns the active runners keyed by slot and their persistence.
type Manager struct {
	mu      sync.Mutex
	runners map[int]*Runner

	repo    *Repository
	sandbox *sandbox.Sandbox
	events  *events.Manager
	log     zerolog.Logger

	maxSlots int
	slippage float64
	limits   domain.RiskLimits
	symbols  []string
	tz       *time.Location
}

// NewManager builds the candidate manager. Call Initialize before use to
// recover any slots that were running when the process last stopped.
func NewManager(cfg Config, repo *Repository, sb *sandbox.Sandbox, ev *events.Manager, log zerolog.Logger) *Manager {
	tz := cfg.Timezone
	if tz == nil {
		tz = time.UTC
	}
	maxSlots := cfg.MaxSlots
	if maxSlots < 1 {
		maxSlots = 1
	}
	return &Manager{
		runners:  make(map[int]*Runner),
		repo:     repo,
		sandbox:  sb,
		events:   ev,
		log:      log.With().Str("component", "candidates").Logger(),
		maxSlots: maxSlots,
		slippage: cfg.Slippage,
		limits:   cfg.Limits,
		symbols:  cfg.Symbols,
		tz:       tz,
	}
}

// snapshotState is the portfolio_snapshot JSON payload: the fund's cash
// and cloned positions at creation, tags already slot-prefixed.
type snapshotState struct {
	Cash      float64           `json:"cash"`
	Positions []domain.Position `json:"positions"`
}

// MaxSlots returns the configured slot count.
func (m *Manager) MaxSlots() int { return m.maxSlots }

// Initialize recovers every candidate the store still marks running. A
// slot whose code no longer validates or loads is canceled instead of
// crashing startup.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.repo.RunningCandidates()
	if err != nil {
		return fmt.Errorf("failed to load running candidates: %w", err)
	}
	for _, c := range rows {
		if err := m.recoverLocked(c); err != nil {
			m.log.Error().Err(err).Int("slot", c.Slot).Msg("candidate recovery failed, canceling slot")
			if rerr := m.repo.ResolveCandidate(c.ID, domain.CandidateCanceled, time.Now().Unix()); rerr != nil {
				return rerr
			}
			m.events.Emit(events.CandidateCanceled,
				fmt.Sprintf("Candidate slot %d canceled: recovery failed", c.Slot),
				map[string]any{"slot": c.Slot, "reason": err.Error()})
		}
	}
	m.log.Info().Int("recovered", len(m.runners)).Msg("candidate slots recovered")
	return nil
}

func (m *Manager) recoverLocked(c domain.Candidate) error {
	res := m.sandbox.ValidateStrategy(c.Code)
	if !res.Passed {
		return fmt.Errorf("stored code failed validation: %s", strings.Join(res.Errors, "; "))
	}
	inst, err := strategy.NewInstance(c.Code, c.StrategyVersion, m.log)
	if err != nil {
		return fmt.Errorf("stored code failed to load: %w", err)
	}
	if err := inst.Initialize(m.limits, m.symbols); err != nil {
		return fmt.Errorf("strategy initialize failed: %w", err)
	}

	positions, err := m.repo.LoadPositions(c.Slot)
	if err != nil {
		return err
	}
	trades, err := m.repo.LoadTrades(c.Slot)
	if err != nil {
		return err
	}

	var snap snapshotState
	if err := json.Unmarshal([]byte(c.PortfolioSnapshot), &snap); err != nil {
		return fmt.Errorf("bad portfolio snapshot: %w", err)
	}

	// Recovered cash works like the fund tracker's: starting capital
	// equivalent (snapshot cash plus the entry cost of the cloned
	// positions) minus what the open book has locked, plus realized
	// pnl. Trade pnl is net of fees, so the fee offset is folded in.
	cash := snap.Cash + positionCost(snap.Positions) - positionCost(positions) + sumPnL(trades)
	if cash < 0 {
		cash = 0
	}

	runner := newRunner(c.Slot, inst, cash, positions, m.limits, m.slippage, c.CreatedAt, m.log)
	runner.loadHistory(trades)
	m.runners[c.Slot] = runner

	m.log.Info().
		Int("slot", c.Slot).
		Int64("strategy_version", c.StrategyVersion).
		Float64("cash", cash).
		Int("positions", len(positions)).
		Int("trades", len(trades)).
		Msg("candidate recovered")
	return nil
}

func positionCost(positions []domain.Position) float64 {
	var total float64
	for _, p := range positions {
		total += p.Qty*p.AvgEntry + p.EntryFee
	}
	return total
}

func sumPnL(trades []domain.Trade) float64 {
	var total float64
	for _, t := range trades {
		total += t.PnL
	}
	return total
}

// CreateCandidate starts a paper simulation of code in a slot, seeded
// with a clone of the fund's cash and positions. Any running occupant
// of the slot is canceled first.
func (m *Manager) CreateCandidate(slot int, code string, version int64, fund domain.Portfolio, durationDays int) (*domain.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if slot < 1 || slot > m.maxSlots {
		return nil, fmt.Errorf("slot %d out of range 1..%d", slot, m.maxSlots)
	}

	occupant, err := m.repo.RunningBySlot(slot)
	if err != nil {
		return nil, err
	}
	if occupant != nil {
		if err := m.resolveLocked(occupant, domain.CandidateCanceled, "replaced by new candidate"); err != nil {
			return nil, err
		}
	}

	inst, err := strategy.NewInstance(code, version, m.log)
	if err != nil {
		return nil, fmt.Errorf("candidate code failed to load: %w", err)
	}
	if err := inst.Initialize(m.limits, m.symbols); err != nil {
		return nil, fmt.Errorf("candidate initialize failed: %w", err)
	}

	// Clone the fund book under slot-prefixed tags so the candidate's
	// references never alias the fund's.
	positions := make([]domain.Position, len(fund.Positions))
	for i, p := range fund.Positions {
		p.ID = 0
		p.Tag = slotTag(slot, p.Tag)
		positions[i] = p
	}
	blob, err := json.Marshal(snapshotState{Cash: fund.Cash, Positions: positions})
	if err != nil {
		return nil, fmt.Errorf("failed to encode portfolio snapshot: %w", err)
	}

	now := time.Now().Unix()
	c := &domain.Candidate{
		Slot:               slot,
		StrategyVersion:    version,
		Code:               code,
		CodeHash:           strategy.HashCode(code),
		PortfolioSnapshot:  string(blob),
		EvaluationDuration: durationDays,
		Status:             domain.CandidateRunning,
		CreatedAt:          now,
	}
	if err := m.repo.InsertCandidate(c); err != nil {
		return nil, err
	}
	if err := m.repo.ReplacePositions(slot, positions); err != nil {
		return nil, err
	}

	m.runners[slot] = newRunner(slot, inst, fund.Cash, positions, m.limits, m.slippage, now, m.log)

	m.events.Emit(events.CandidateCreated,
		fmt.Sprintf("Candidate created in slot %d", slot),
		map[string]any{
			"slot":             slot,
			"strategy_version": version,
			"evaluation_days":  durationDays,
			"seed_cash":        fund.Cash,
			"seed_positions":   len(positions),
		})
	return c, nil
}

// CancelCandidate stops a slot and marks its row canceled. Position and
// trade history stays in the store for post-mortem.
func (m *Manager) CancelCandidate(slot int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	occupant, err := m.repo.RunningBySlot(slot)
	if err != nil {
		return err
	}
	if occupant == nil {
		return fmt.Errorf("no running candidate in slot %d", slot)
	}
	return m.resolveLocked(occupant, domain.CandidateCanceled, reason)
}

func (m *Manager) resolveLocked(c *domain.Candidate, status domain.CandidateStatus, reason string) error {
	if err := m.repo.ResolveCandidate(c.ID, status, time.Now().Unix()); err != nil {
		return err
	}
	delete(m.runners, c.Slot)

	event := events.CandidateCanceled
	if status == domain.CandidatePromoted {
		event = events.CandidatePromoted
	}
	m.events.Emit(event,
		fmt.Sprintf("Candidate slot %d %s", c.Slot, status),
		map[string]any{"slot": c.Slot, "strategy_version": c.StrategyVersion, "reason": reason})
	return nil
}

// PromoteCandidate marks a slot promoted and every other running slot
// canceled, clears all runners, and returns the winning row so the
// caller can deploy its code.
func (m *Manager) PromoteCandidate(slot int) (*domain.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	winner, err := m.repo.RunningBySlot(slot)
	if err != nil {
		return nil, err
	}
	if winner == nil {
		return nil, fmt.Errorf("no running candidate in slot %d", slot)
	}

	others, err := m.repo.RunningCandidates()
	if err != nil {
		return nil, err
	}
	if err := m.resolveLocked(winner, domain.CandidatePromoted, "promoted to fund strategy"); err != nil {
		return nil, err
	}
	for i := range others {
		if others[i].ID == winner.ID {
			continue
		}
		if err := m.resolveLocked(&others[i], domain.CandidateCanceled, "another candidate promoted"); err != nil {
			return nil, err
		}
	}
	m.runners = make(map[int]*Runner)

	now := time.Now().Unix()
	winner.Status = domain.CandidatePromoted
	winner.ResolvedAt = &now
	return winner, nil
}

// sortedRunners snapshots the runner set in slot order. Scans and
// persistence run outside the map lock so a long strategy call never
// blocks slot management.
func (m *Manager) sortedRunners() []*Runner {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Runner, 0, len(m.runners))
	for _, r := range m.runners {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].slot < out[j].slot })
	return out
}

// Count returns the number of active runners.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runners)
}

// FreeSlot returns the lowest unoccupied slot number.
func (m *Manager) FreeSlot() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for s := 1; s <= m.maxSlots; s++ {
		if _, ok := m.runners[s]; !ok {
			return s, true
		}
	}
	return 0, false
}

// RunScans invokes every runner on the same market snapshot the fund
// just scanned. A strategy failure in one slot never blocks the others.
func (m *Manager) RunScans(markets map[string]domain.SymbolData, now time.Time) {
	for _, r := range m.sortedRunners() {
		if _, err := r.RunScan(markets, now); err != nil {
			m.log.Error().Err(err).Int("slot", r.Slot()).Msg("candidate scan failed")
		}
	}
}

// CheckSLTP sweeps every runner's stops against fresh prices.
func (m *Manager) CheckSLTP(prices map[string]float64, takerPct float64) {
	for _, r := range m.sortedRunners() {
		for _, t := range r.CheckSLTP(prices, takerPct) {
			m.log.Info().
				Int("slot", r.Slot()).
				Str("symbol", t.Symbol).
				Str("reason", string(t.CloseReason)).
				Float64("pnl", t.PnL).
				Msg("candidate stop closed")
		}
	}
}

// Statuses reports every active slot's scoreboard, lowest slot first.
func (m *Manager) Statuses() []Status {
	rs := m.sortedRunners()
	out := make([]Status, len(rs))
	for i, r := range rs {
		out[i] = r.Status()
	}
	return out
}

// PersistState writes each runner's positions, new trades, buffered
// signals, and daily row. A slot that fails keeps its buffers for the
// next cycle; the remaining slots still persist.
func (m *Manager) PersistState() error {
	var firstErr error
	for _, r := range m.sortedRunners() {
		if err := m.persistRunner(r); err != nil {
			m.log.Error().Err(err).Int("slot", r.Slot()).Msg("candidate persist failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *Manager) persistRunner(r *Runner) error {
	slot := r.Slot()
	st := r.drainForPersist()

	if err := m.repo.ReplacePositions(slot, st.positions); err != nil {
		r.restoreBuffers(st.trades, st.signals)
		return err
	}
	if err := m.repo.AppendTrades(slot, st.trades); err != nil {
		r.restoreBuffers(st.trades, st.signals)
		return err
	}
	if err := m.repo.AppendSignals(slot, st.signals); err != nil {
		r.restoreBuffers(nil, st.signals)
		return err
	}

	date := time.Now().In(m.tz).Format("2006-01-02")
	if err := m.repo.UpsertDaily(slot, date, st.value, st.cash, st.tradeCount, st.totalPnL); err != nil {
		return err
	}

	m.log.Debug().
		Int("slot", slot).
		Int("positions", len(st.positions)).
		Int("new_trades", len(st.trades)).
		Int("signals", len(st.signals)).
		Float64("value", st.value).
		Msg("candidate state persisted")
	return nil
}
