package store

import "database/sql"

// schemaScript is the canonical schema. It is applied in full on every
// startup; CREATE TABLE IF NOT EXISTS makes it idempotent. Historical
// changes that this script already includes are still listed in
// migrations so that databases created before the change catch up.
const schemaScript = `
-- Market data, tiered by timeframe (5m aggregated into 1h, 1h into 1d)
CREATE TABLE IF NOT EXISTS candles (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol TEXT NOT NULL,
    timeframe TEXT NOT NULL,               -- '5m', '1h', '1d'
    timestamp INTEGER NOT NULL,            -- unix seconds, bucket open time
    open REAL NOT NULL,
    high REAL NOT NULL,
    low REAL NOT NULL,
    close REAL NOT NULL,
    volume REAL NOT NULL DEFAULT 0,
    UNIQUE(symbol, timeframe, timestamp)
);

CREATE INDEX IF NOT EXISTS idx_candles_lookup ON candles(symbol, timeframe, timestamp);

-- Open positions. One row per tag; a symbol may carry several tags.
CREATE TABLE IF NOT EXISTS positions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    tag TEXT NOT NULL UNIQUE,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL DEFAULT 'long',
    qty REAL NOT NULL,
    avg_entry REAL NOT NULL,
    current_price REAL NOT NULL DEFAULT 0,
    unrealized_pnl REAL NOT NULL DEFAULT 0,
    entry_fee REAL NOT NULL DEFAULT 0,     -- cumulative, apportioned on partial close
    stop_loss REAL,
    take_profit REAL,
    intent TEXT NOT NULL DEFAULT 'SWING',  -- 'DAY', 'SWING', 'POSITION'
    strategy_version INTEGER NOT NULL DEFAULT 0,
    opened_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    max_adverse_excursion REAL NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol);

-- Closed-position records
CREATE TABLE IF NOT EXISTS trades (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL DEFAULT 'long',
    qty REAL NOT NULL,
    entry_price REAL NOT NULL,
    exit_price REAL NOT NULL,
    pnl REAL NOT NULL,                     -- net of all fees
    pnl_pct REAL NOT NULL,
    fees_total REAL NOT NULL DEFAULT 0,    -- apportioned entry fee + exit fee
    intent TEXT NOT NULL DEFAULT 'SWING',
    strategy_version INTEGER NOT NULL DEFAULT 0,
    strategy_regime TEXT DEFAULT '',       -- advisory, never used in accounting
    opened_at INTEGER NOT NULL,
    closed_at INTEGER NOT NULL,
    tag TEXT NOT NULL DEFAULT '',
    close_reason TEXT NOT NULL DEFAULT 'signal',
    max_adverse_excursion REAL NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_trades_closed_at ON trades(closed_at);
CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);

-- Every signal the strategy produced, acted on or not
CREATE TABLE IF NOT EXISTS signals (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol TEXT NOT NULL,
    action TEXT NOT NULL,                  -- 'BUY', 'SELL', 'CLOSE', 'MODIFY'
    size_pct REAL NOT NULL DEFAULT 0,
    confidence REAL NOT NULL DEFAULT 0,
    intent TEXT DEFAULT 'SWING',
    reasoning TEXT DEFAULT '',
    strategy_version INTEGER NOT NULL DEFAULT 0,
    strategy_regime TEXT DEFAULT '',
    acted_on INTEGER NOT NULL DEFAULT 0,
    rejected_reason TEXT,
    tag TEXT,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_signals_created_at ON signals(created_at);

-- End-of-day roll-up, one row per local calendar date
CREATE TABLE IF NOT EXISTS daily_performance (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    date TEXT NOT NULL UNIQUE,             -- YYYY-MM-DD in the configured timezone
    portfolio_value REAL NOT NULL,
    cash REAL NOT NULL,
    total_trades INTEGER NOT NULL DEFAULT 0,
    wins INTEGER NOT NULL DEFAULT 0,
    losses INTEGER NOT NULL DEFAULT 0,
    gross_pnl REAL NOT NULL DEFAULT 0,     -- before fees
    net_pnl REAL NOT NULL DEFAULT 0,       -- after fees
    fees_total REAL NOT NULL DEFAULT 0,
    max_drawdown_pct REAL NOT NULL DEFAULT 0,
    win_rate REAL NOT NULL DEFAULT 0,
    strategy_version INTEGER NOT NULL DEFAULT 0
);

-- Strategy lineage. The active version has deployed_at set and retired_at NULL.
CREATE TABLE IF NOT EXISTS strategy_versions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    version INTEGER NOT NULL UNIQUE,
    parent_version INTEGER,
    code_hash TEXT NOT NULL,
    description TEXT DEFAULT '',
    backtest_result TEXT DEFAULT '',       -- JSON metrics from the approval backtest
    deployed_at INTEGER,
    retired_at INTEGER,
    code TEXT NOT NULL
);

-- Opaque strategy state blobs, persisted on shutdown and nightly
CREATE TABLE IF NOT EXISTS strategy_state (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    version INTEGER NOT NULL UNIQUE,
    state BLOB,
    updated_at INTEGER NOT NULL
);

-- AI-maintained analysis modules, versioned like strategies
CREATE TABLE IF NOT EXISTS analysis_modules (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    module TEXT NOT NULL,
    version INTEGER NOT NULL DEFAULT 1,
    code_hash TEXT NOT NULL,
    description TEXT DEFAULT '',
    deployed_at INTEGER,
    retired_at INTEGER,
    code TEXT NOT NULL,
    UNIQUE(module, version)
);

-- Candidate paper simulations, one row per slot occupancy
CREATE TABLE IF NOT EXISTS candidates (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    slot INTEGER NOT NULL,
    strategy_version INTEGER NOT NULL,
    code TEXT NOT NULL,
    code_hash TEXT NOT NULL,
    portfolio_snapshot TEXT NOT NULL,      -- JSON: cash + cloned fund positions at creation
    evaluation_duration_days INTEGER,
    status TEXT NOT NULL DEFAULT 'running', -- 'running', 'canceled', 'promoted'
    created_at INTEGER NOT NULL,
    resolved_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_candidates_slot ON candidates(slot, status);

CREATE TABLE IF NOT EXISTS candidate_positions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    slot INTEGER NOT NULL,
    tag TEXT NOT NULL,
    symbol TEXT NOT NULL,
    qty REAL NOT NULL,
    avg_entry REAL NOT NULL,
    current_price REAL NOT NULL DEFAULT 0,
    entry_fee REAL NOT NULL DEFAULT 0,
    stop_loss REAL,
    take_profit REAL,
    intent TEXT NOT NULL DEFAULT 'SWING',
    opened_at INTEGER NOT NULL,
    max_adverse_excursion REAL NOT NULL DEFAULT 0,
    UNIQUE(slot, tag)
);

CREATE TABLE IF NOT EXISTS candidate_trades (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    slot INTEGER NOT NULL,
    symbol TEXT NOT NULL,
    qty REAL NOT NULL,
    entry_price REAL NOT NULL,
    exit_price REAL NOT NULL,
    pnl REAL NOT NULL,
    pnl_pct REAL NOT NULL,
    fees_total REAL NOT NULL DEFAULT 0,
    tag TEXT NOT NULL DEFAULT '',
    close_reason TEXT NOT NULL DEFAULT 'signal',
    opened_at INTEGER NOT NULL,
    closed_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_candidate_trades_slot ON candidate_trades(slot);

CREATE TABLE IF NOT EXISTS candidate_signals (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    slot INTEGER NOT NULL,
    symbol TEXT NOT NULL,
    action TEXT NOT NULL,
    size_pct REAL NOT NULL DEFAULT 0,
    confidence REAL NOT NULL DEFAULT 0,
    reasoning TEXT DEFAULT '',
    executed INTEGER NOT NULL DEFAULT 0,
    rejected_reason TEXT,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS candidate_daily_performance (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    slot INTEGER NOT NULL,
    date TEXT NOT NULL,
    portfolio_value REAL NOT NULL,
    cash REAL NOT NULL,
    trade_count INTEGER NOT NULL DEFAULT 0,
    total_pnl REAL NOT NULL DEFAULT 0,
    UNIQUE(slot, date)
);

-- Live-mode exchange order tracking
CREATE TABLE IF NOT EXISTS orders (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    txid TEXT NOT NULL UNIQUE,             -- exchange transaction id
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,                    -- 'buy', 'sell'
    order_type TEXT NOT NULL,              -- 'market', 'limit'
    volume REAL NOT NULL,
    price REAL,                            -- limit price when applicable
    status TEXT NOT NULL DEFAULT 'pending', -- 'pending', 'filled', 'timeout', 'canceled', 'expired'
    filled_volume REAL NOT NULL DEFAULT 0,
    avg_fill_price REAL NOT NULL DEFAULT 0,
    fee REAL NOT NULL DEFAULT 0,
    purpose TEXT DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conditional_orders (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    txid TEXT NOT NULL UNIQUE,
    parent_tag TEXT NOT NULL,              -- position tag this order protects
    symbol TEXT NOT NULL,
    trigger_type TEXT NOT NULL,            -- 'stop_loss', 'take_profit'
    trigger_price REAL NOT NULL,
    volume REAL NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

-- Per-call AI spend accounting
CREATE TABLE IF NOT EXISTS token_usage (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    model TEXT NOT NULL,
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    cost_usd REAL NOT NULL DEFAULT 0,
    purpose TEXT DEFAULT '',
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_token_usage_created_at ON token_usage(created_at);

-- Full prompt/response audit trail for every AI call within a cycle
CREATE TABLE IF NOT EXISTS orchestrator_thoughts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    cycle_id TEXT NOT NULL,
    step TEXT NOT NULL,
    model TEXT NOT NULL,
    prompt TEXT NOT NULL,
    response TEXT NOT NULL,
    parsed TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_thoughts_cycle ON orchestrator_thoughts(cycle_id);

-- One row per cycle; market/strategy notes with rolling retention
CREATE TABLE IF NOT EXISTS orchestrator_observations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    cycle_id TEXT NOT NULL,
    market_notes TEXT DEFAULT '',
    strategy_notes TEXT DEFAULT '',
    notable_findings TEXT DEFAULT '',
    created_at INTEGER NOT NULL
);

-- Cycle outcomes: decision taken, spend, version transition
CREATE TABLE IF NOT EXISTS orchestrator_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    cycle_id TEXT NOT NULL,
    decision TEXT NOT NULL,
    detail TEXT DEFAULT '',
    tokens_used INTEGER NOT NULL DEFAULT 0,
    cost_usd REAL NOT NULL DEFAULT 0,
    version_from INTEGER NOT NULL DEFAULT 0,
    version_to INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);

-- Human-readable activity stream surfaced by the status API
CREATE TABLE IF NOT EXISTS activity_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    category TEXT NOT NULL,                -- 'trade', 'risk', 'system', 'ai', 'candidate'
    message TEXT NOT NULL,
    detail TEXT DEFAULT '',
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_activity_created_at ON activity_log(created_at);

-- Migration bookkeeping
CREATE TABLE IF NOT EXISTS schema_migrations (
    id TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
);
`

// ApplySchema executes the canonical schema against an arbitrary connection.
// Tests use this with their own in-memory databases.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(schemaScript)
	return err
}
