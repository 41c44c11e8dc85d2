// Package strategy hosts externally generated strategy code inside an
// embedded JavaScript runtime. Each Instance owns one goja runtime; runtimes
// are single-threaded, so callers must serialize access (the engine owns the
// fund instance, each candidate runner owns its own).
package strategy

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/chrysalisfund/chrysalis/internal/domain"
)

// importTimeout bounds evaluating and instantiating strategy code. Swapped
// in tests.
var importTimeout = 10 * time.Second

// defaultCallTimeout bounds every strategy method call once loaded.
const defaultCallTimeout = 30 * time.Second

// Instance is one loaded strategy. The required contract is a Strategy
// class with initialize(risk_limits, symbols) and
// analyze(markets, portfolio, timestamp); on_fill, on_position_closed,
// get_state, load_state, and the scan_interval_minutes property are
// optional.
type Instance struct {
	vm   *goja.Runtime
	self *goja.Object

	initialize       goja.Callable
	analyze          goja.Callable
	onFill           goja.Callable
	onPositionClosed goja.Callable
	getState         goja.Callable
	loadState        goja.Callable

	version     int64
	codeHash    string
	code        string
	callTimeout time.Duration
	log         zerolog.Logger
}

// HashCode is the canonical code fingerprint stored in strategy_versions.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// NewInstance evaluates code in a fresh runtime and instantiates its
// Strategy class. The whole import runs under an interrupt watchdog so a
// top-level infinite loop cannot hang the caller.
func NewInstance(code string, version int64, log zerolog.Logger) (in *Instance, err error) {
	// Property lookups can run hostile getters before the sandbox has
	// vetted the code, and those surface as panics rather than errors.
	defer func() {
		if r := recover(); r != nil {
			in, err = nil, fmt.Errorf("strategy code panicked during load: %v", r)
		}
	}()

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	timer := time.AfterFunc(importTimeout, func() { vm.Interrupt("import timeout") })
	defer func() { timer.Stop(); vm.ClearInterrupt() }()

	if _, err := vm.RunString(code); err != nil {
		return nil, fmt.Errorf("strategy code failed to evaluate: %w", err)
	}

	ctor := vm.Get("Strategy")
	if ctor == nil || goja.IsUndefined(ctor) || goja.IsNull(ctor) {
		return nil, errors.New("strategy code does not define a Strategy class")
	}
	self, err := vm.New(ctor)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate Strategy: %w", err)
	}

	in = &Instance{
		vm:          vm,
		self:        self,
		version:     version,
		codeHash:    HashCode(code),
		code:        code,
		callTimeout: defaultCallTimeout,
		log:         log.With().Str("component", "strategy").Int64("version", version).Logger(),
	}

	var ok bool
	if in.initialize, ok = method(self, "initialize"); !ok {
		return nil, errors.New("strategy does not implement initialize(risk_limits, symbols)")
	}
	if in.analyze, ok = method(self, "analyze"); !ok {
		return nil, errors.New("strategy does not implement analyze(markets, portfolio, timestamp)")
	}
	in.onFill, _ = method(self, "on_fill")
	in.onPositionClosed, _ = method(self, "on_position_closed")
	in.getState, _ = method(self, "get_state")
	in.loadState, _ = method(self, "load_state")
	return in, nil
}

func method(obj *goja.Object, name string) (goja.Callable, bool) {
	v := obj.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, false
	}
	return goja.AssertFunction(v)
}

// Version returns the lineage number this instance was loaded as.
func (in *Instance) Version() int64 { return in.version }

// CodeHash returns the sha256 fingerprint of the loaded code.
func (in *Instance) CodeHash() string { return in.codeHash }

// Code returns the loaded source.
func (in *Instance) Code() string { return in.code }

// SetCallTimeout overrides the per-call watchdog. The sandbox uses a short
// one for smoke tests.
func (in *Instance) SetCallTimeout(d time.Duration) {
	if d > 0 {
		in.callTimeout = d
	}
}

// call invokes fn under the interrupt watchdog. The ClearInterrupt in the
// defer also swallows an interrupt that fires after fn returned, which
// would otherwise poison the next call.
func (in *Instance) call(fn goja.Callable, args ...goja.Value) (goja.Value, error) {
	timer := time.AfterFunc(in.callTimeout, func() { in.vm.Interrupt("call timeout") })
	defer func() { timer.Stop(); in.vm.ClearInterrupt() }()

	v, err := fn(in.self, args...)
	if err != nil {
		var ie *goja.InterruptedError
		if errors.As(err, &ie) {
			return nil, fmt.Errorf("strategy call interrupted after %s", in.callTimeout)
		}
		return nil, fmt.Errorf("strategy call failed: %w", err)
	}
	return v, nil
}

// Initialize hands the strategy its risk limits and the configured symbols.
func (in *Instance) Initialize(limits domain.RiskLimits, symbols []string) error {
	if _, err := in.call(in.initialize, in.vm.ToValue(limits), in.vm.ToValue(symbols)); err != nil {
		return fmt.Errorf("strategy initialize failed: %w", err)
	}
	return nil
}

// Analyze runs one scan tick. Signals come back in the order the strategy
// returned them; nothing or null means no signals.
func (in *Instance) Analyze(markets map[string]domain.SymbolData, pf domain.Portfolio, now time.Time) ([]domain.Signal, error) {
	res, err := in.call(in.analyze,
		in.vm.ToValue(markets), in.vm.ToValue(pf), in.vm.ToValue(now.Unix()))
	if err != nil {
		return nil, fmt.Errorf("strategy analyze failed: %w", err)
	}
	if res == nil || goja.IsUndefined(res) || goja.IsNull(res) {
		return nil, nil
	}
	var signals []domain.Signal
	if err := in.vm.ExportTo(res, &signals); err != nil {
		return nil, fmt.Errorf("strategy returned malformed signals: %w", err)
	}
	return signals, nil
}

// OnFill notifies the strategy of an executed fill. No-op when the strategy
// does not implement the hook.
func (in *Instance) OnFill(fill domain.TradeResult) error {
	if in.onFill == nil {
		return nil
	}
	_, err := in.call(in.onFill, in.vm.ToValue(fill))
	return err
}

// OnPositionClosed notifies the strategy of a realized trade.
func (in *Instance) OnPositionClosed(trade domain.Trade) error {
	if in.onPositionClosed == nil {
		return nil
	}
	_, err := in.call(in.onPositionClosed, in.vm.ToValue(trade))
	return err
}

// GetState serializes the strategy's opaque state to msgpack. Returns
// (nil, nil) when the strategy keeps no state.
func (in *Instance) GetState() ([]byte, error) {
	if in.getState == nil {
		return nil, nil
	}
	v, err := in.call(in.getState)
	if err != nil {
		return nil, fmt.Errorf("strategy get_state failed: %w", err)
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	blob, err := msgpack.Marshal(v.Export())
	if err != nil {
		return nil, fmt.Errorf("failed to encode strategy state: %w", err)
	}
	return blob, nil
}

// LoadState hands a previously saved blob back to the strategy. Empty blobs
// and strategies without load_state are no-ops.
func (in *Instance) LoadState(blob []byte) error {
	if in.loadState == nil || len(blob) == 0 {
		return nil
	}
	var state map[string]any
	if err := msgpack.Unmarshal(blob, &state); err != nil {
		return fmt.Errorf("failed to decode strategy state: %w", err)
	}
	if _, err := in.call(in.loadState, in.vm.ToValue(state)); err != nil {
		return fmt.Errorf("strategy load_state failed: %w", err)
	}
	return nil
}

// ScanIntervalMinutes returns the strategy's requested scan cadence, or 0
// when it does not declare one. A throwing getter counts as undeclared.
func (in *Instance) ScanIntervalMinutes() (minutes int) {
	defer func() {
		if recover() != nil {
			minutes = 0
		}
	}()
	v := in.self.Get("scan_interval_minutes")
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return 0
	}
	n := int(v.ToInteger())
	if n < 1 {
		return 0
	}
	return n
}
