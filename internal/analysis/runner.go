// Package analysis executes AI-maintained analysis modules. A module is a
// JavaScript Analysis class whose analyze(ro_db, schema) gets the read-only
// store facade and a table->columns schema map, and returns a plain object
// that feeds the orchestrator's nightly context.
package analysis

import (
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"github.com/chrysalisfund/chrysalis/internal/store"
)

// DefaultTimeout bounds one module run, evaluation and analyze together.
const DefaultTimeout = 30 * time.Second

// Runner executes analysis modules against the read-only store. Safe to
// reuse; each Run builds a throwaway runtime.
type Runner struct {
	ro      *store.ReadOnly
	log     zerolog.Logger
	timeout time.Duration
}

// NewRunner wraps the read-only facade.
func NewRunner(ro *store.ReadOnly, log zerolog.Logger) *Runner {
	return &Runner{
		ro:      ro,
		log:     log.With().Str("component", "analysis").Logger(),
		timeout: DefaultTimeout,
	}
}

// SetTimeout overrides the per-run watchdog.
func (r *Runner) SetTimeout(d time.Duration) {
	if d > 0 {
		r.timeout = d
	}
}

// Run evaluates module code, instantiates its Analysis class, and calls
// analyze(ro_db, schema). The result must be a plain object.
func (r *Runner) Run(code string) (result map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result, err = nil, fmt.Errorf("analysis module panicked: %v", rec)
		}
	}()

	schema, err := r.Schema()
	if err != nil {
		return nil, err
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	timer := time.AfterFunc(r.timeout, func() { vm.Interrupt("analysis timeout") })
	defer func() { timer.Stop(); vm.ClearInterrupt() }()

	if _, err := vm.RunString(code); err != nil {
		return nil, fmt.Errorf("analysis code failed to evaluate: %w", err)
	}
	ctor := vm.Get("Analysis")
	if ctor == nil || goja.IsUndefined(ctor) || goja.IsNull(ctor) {
		return nil, errors.New("analysis code does not define an Analysis class")
	}
	self, err := vm.New(ctor)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate Analysis: %w", err)
	}
	fn, ok := goja.AssertFunction(self.Get("analyze"))
	if !ok {
		return nil, errors.New("analysis module does not implement analyze(ro_db, schema)")
	}

	v, err := fn(self, r.bridge(vm), vm.ToValue(schema))
	if err != nil {
		var ie *goja.InterruptedError
		if errors.As(err, &ie) {
			return nil, fmt.Errorf("analysis module interrupted after %s", r.timeout)
		}
		return nil, fmt.Errorf("analysis module failed: %w", err)
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, errors.New("analysis module returned nothing")
	}
	out, ok := v.Export().(map[string]any)
	if !ok {
		return nil, fmt.Errorf("analysis module must return an object, got %T", v.Export())
	}
	return out, nil
}

// bridge builds the ro_db object handed to module code. Errors from the
// facade surface as JS exceptions, so a write attempt aborts the module.
func (r *Runner) bridge(vm *goja.Runtime) *goja.Object {
	obj := vm.NewObject()
	_ = obj.Set("fetch_one", func(query string, params ...any) (map[string]any, error) {
		return r.ro.FetchOne(query, params...)
	})
	_ = obj.Set("fetch_all", func(query string, params ...any) ([]map[string]any, error) {
		return r.ro.FetchAll(query, params...)
	})
	_ = obj.Set("exec", func(query string, params ...any) error {
		return r.ro.Exec(query, params...)
	})
	return obj
}

// Schema describes every user table as name -> ordered column list.
func (r *Runner) Schema() (map[string][]string, error) {
	tables, err := r.ro.FetchAll(`SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	schema := make(map[string][]string, len(tables))
	for _, t := range tables {
		name, _ := t["name"].(string)
		if name == "" {
			continue
		}
		cols, err := r.ro.FetchAll(`SELECT name FROM pragma_table_info(?) ORDER BY cid`, name)
		if err != nil {
			return nil, fmt.Errorf("failed to describe table %s: %w", name, err)
		}
		columns := make([]string, 0, len(cols))
		for _, c := range cols {
			if cn, ok := c["name"].(string); ok {
				columns = append(columns, cn)
			}
		}
		schema[name] = columns
	}
	return schema, nil
}
