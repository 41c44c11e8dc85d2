package sandbox

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrysalisfund/chrysalis/internal/strategy"
)

func newSandbox() *Sandbox {
	return New(zerolog.Nop())
}

func TestSeedStrategyPasses(t *testing.T) {
	res := newSandbox().ValidateStrategy(strategy.SeedCode)
	assert.True(t, res.Passed, "errors: %v", res.Errors)
	assert.Empty(t, res.Errors)
	assert.Empty(t, res.Warnings)
}

func TestForbiddenConstructs(t *testing.T) {
	cases := []struct {
		name string
		code string
		want string
	}{
		{"eval call", `eval("1 + 1");`, `forbidden call "eval"`},
		{"dotted fetch", `self.fetch("http://x");`, `forbidden call "fetch"`},
		{"function constructor", `var f = new Function("return 1");`, `forbidden constructor "Function"`},
		{"websocket constructor", `var w = new WebSocket("ws://x");`, `forbidden constructor "WebSocket"`},
		{"settimeout", `setTimeout(function() {}, 10);`, `forbidden call "setTimeout"`},
		{"queue microtask", `queueMicrotask(function() {});`, `forbidden call "queueMicrotask"`},
		{"globalThis", `globalThis.x = 1;`, `forbidden identifier "globalThis"`},
		{"process", `var p = process;`, `forbidden identifier "process"`},
		{"constructor access", `var c = ({}).constructor;`, `forbidden member access "constructor"`},
		{"proto bracket", `var o = {}; var p = o["__proto__"];`, `forbidden member access "__proto__"`},
		{"prototype walk", `var a = [].slice; var p = a.prototype;`, `forbidden member access "prototype"`},
		{"define getter", `({}).__defineGetter__("x", function() {});`, `forbidden member access "__defineGetter__"`},
		{"syntax error", `class Strategy {`, "syntax error"},
	}
	sb := newSandbox()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := sb.ValidateStrategy(tc.code)
			assert.False(t, res.Passed)
			require.NotEmpty(t, res.Errors)
			assert.Contains(t, strings.Join(res.Errors, "\n"), tc.want)
		})
	}
}

func TestForbiddenConstructsInsideClass(t *testing.T) {
	code := `class Strategy {
        initialize(limits, symbols) {}
        analyze(markets, portfolio, timestamp) {
            return eval("[]");
        }
    }`
	res := newSandbox().ValidateStrategy(code)
	assert.False(t, res.Passed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], `forbidden call "eval"`)
	assert.Contains(t, res.Errors[0], "line 4")
}

func TestClassConstructorMethodAllowed(t *testing.T) {
	// Defining a constructor is fine; only accessing .constructor is not.
	code := `class Strategy {
        constructor() { this.n = 0; }
        initialize(limits, symbols) {}
        analyze(markets, portfolio, timestamp) { return []; }
    }`
	res := newSandbox().ValidateStrategy(code)
	assert.True(t, res.Passed, "errors: %v", res.Errors)
}

func TestSmokeCatchesLoadAndRunFailures(t *testing.T) {
	sb := newSandbox()

	res := sb.ValidateStrategy(`var x = 1;`)
	assert.False(t, res.Passed)
	assert.Contains(t, strings.Join(res.Errors, "\n"), "does not define a Strategy class")

	res = sb.ValidateStrategy(`class Strategy {
        initialize() { throw new Error("init boom"); }
        analyze() { return []; }
    }`)
	assert.False(t, res.Passed)
	assert.Contains(t, strings.Join(res.Errors, "\n"), "init boom")

	res = sb.ValidateStrategy(`class Strategy {
        initialize() {}
        analyze() { throw new Error("scan boom"); }
    }`)
	assert.False(t, res.Passed)
	assert.Contains(t, strings.Join(res.Errors, "\n"), "scan boom")
}

func TestSmokeTimeout(t *testing.T) {
	sb := newSandbox()
	sb.SetSmokeTimeout(50 * time.Millisecond)

	res := sb.ValidateStrategy(`class Strategy {
        initialize() {}
        analyze() { for (;;) {} }
    }`)
	assert.False(t, res.Passed)
	assert.Contains(t, strings.Join(res.Errors, "\n"), "interrupted")
}

func TestShapeIssuesWarnOnly(t *testing.T) {
	code := `class Strategy {
        initialize(limits, symbols) {}
        analyze(markets, portfolio, timestamp) {
            return [
                {symbol: "BTC/USD", action: "BUY", size_pct: 5.0,
                 order_type: "MARKET", intent: "DAY", confidence: 0.5, reasoning: "oversized"},
                {symbol: "ETH/USD", action: "HOLD", size_pct: 0.1,
                 order_type: "MARKET", intent: "DAY", confidence: 0.5, reasoning: "bad action"}
            ];
        }
    }`
	res := newSandbox().ValidateStrategy(code)
	assert.True(t, res.Passed)
	assert.Empty(t, res.Errors)
	require.Len(t, res.Warnings, 2)
	assert.Contains(t, res.Warnings[0], "size_pct")
	assert.Contains(t, res.Warnings[1], `unknown action "HOLD"`)
}

func TestStrategySeesSyntheticData(t *testing.T) {
	// The smoke data must be rich enough for indicator math: three symbols,
	// 100 bars per timeframe, ascending timestamps.
	code := `class Strategy {
        initialize(limits, symbols) {
            if (symbols.length !== 3) throw new Error("want 3 symbols, got " + symbols.length);
            if (limits.max_trade_pct <= 0) throw new Error("missing limits");
        }
        analyze(markets, portfolio, timestamp) {
            var n = 0;
            for (var s in markets) {
                n++;
                var m = markets[s];
                if (m.candles_5m.length !== 100) throw new Error("want 100 5m bars");
                if (m.candles_1h.length !== 100) throw new Error("want 100 1h bars");
                if (m.candles_1d.length !== 100) throw new Error("want 100 1d bars");
                if (m.current_price <= 0) throw new Error("bad price");
                for (var i = 1; i < m.candles_1h.length; i++) {
                    if (m.candles_1h[i].timestamp <= m.candles_1h[i-1].timestamp)
                        throw new Error("timestamps not ascending");
                }
            }
            if (n !== 3) throw new Error("want 3 markets");
            if (portfolio.cash <= 0) throw new Error("no cash");
            return [];
        }
    }`
	res := newSandbox().ValidateStrategy(code)
	assert.True(t, res.Passed, "errors: %v", res.Errors)
}

func TestValidateAnalysis(t *testing.T) {
	sb := newSandbox()

	res := sb.ValidateAnalysis(`class Analysis {
        analyze(ro_db, schema) {
            var row = ro_db.fetch_one("SELECT COUNT(*) AS n FROM trades");
            return { trades: row.n };
        }
    }`)
	assert.True(t, res.Passed, "errors: %v", res.Errors)

	res = sb.ValidateAnalysis(`class Analysis {
        analyze(ro_db, schema) {
            ro_db.exec("DROP TABLE trades");
            return {};
        }
    }`)
	assert.False(t, res.Passed)
	assert.Contains(t, strings.Join(res.Errors, "\n"), "invalid query")

	res = sb.ValidateAnalysis(`load_extension("evil");`)
	assert.False(t, res.Passed)
	assert.Contains(t, strings.Join(res.Errors, "\n"), `forbidden call "load_extension"`)

	// load_extension is an analysis-only block; the strategy variant never
	// defines it, so the call dies in the smoke run instead.
	res = sb.ValidateStrategy(`load_extension("evil");`)
	assert.False(t, res.Passed)
}
