package sandbox

import (
	"fmt"
	"reflect"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/file"
	"github.com/dop251/goja/parser"
)

// rules is one variant's forbidden-construct tables.
type rules struct {
	calls   map[string]bool
	idents  map[string]bool
	members map[string]bool
}

var strategyRules = rules{
	calls: set("require", "eval", "Function", "importScripts", "setTimeout",
		"setInterval", "setImmediate", "queueMicrotask", "fetch",
		"XMLHttpRequest", "WebSocket"),
	idents: set("globalThis", "process"),
	members: set("constructor", "__proto__", "__defineGetter__", "__defineSetter__",
		"__lookupGetter__", "__lookupSetter__", "prototype"),
}

var analysisRules = rules{
	calls: set("require", "eval", "Function", "importScripts", "setTimeout",
		"setInterval", "setImmediate", "queueMicrotask", "fetch",
		"XMLHttpRequest", "WebSocket", "load_extension"),
	idents:  strategyRules.idents,
	members: strategyRules.members,
}

func set(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// inspect parses code and walks the AST for forbidden constructs. The
// returned strings are human-readable errors with line positions; an empty
// slice means the code is clean.
func inspect(code string, r rules) []string {
	prog, err := parser.ParseFile(nil, "code.js", code, 0)
	if err != nil {
		return []string{fmt.Sprintf("syntax error: %v", err)}
	}

	var errs []string
	pos := func(idx file.Idx) string {
		// Idx is 1-based; Position wants the raw source offset.
		p := prog.File.Position(int(idx) - 1)
		return fmt.Sprintf("line %d:%d", p.Line, p.Column)
	}

	w := &walker{seen: make(map[uintptr]bool)}
	w.visit = func(node any) {
		switch n := node.(type) {
		case *ast.CallExpression:
			if name, ok := calleeName(n.Callee); ok && r.calls[name] {
				errs = append(errs, fmt.Sprintf("forbidden call %q at %s", name, pos(n.Idx0())))
			}
		case *ast.NewExpression:
			if name, ok := calleeName(n.Callee); ok && r.calls[name] {
				errs = append(errs, fmt.Sprintf("forbidden constructor %q at %s", name, pos(n.Idx0())))
			}
		case *ast.Identifier:
			if r.idents[string(n.Name)] {
				errs = append(errs, fmt.Sprintf("forbidden identifier %q at %s", n.Name, pos(n.Idx0())))
			}
		case *ast.DotExpression:
			if name := string(n.Identifier.Name); r.members[name] {
				errs = append(errs, fmt.Sprintf("forbidden member access %q at %s", name, pos(n.Idx0())))
			}
		case *ast.BracketExpression:
			if lit, ok := n.Member.(*ast.StringLiteral); ok && r.members[string(lit.Value)] {
				errs = append(errs, fmt.Sprintf("forbidden member access %q at %s", lit.Value, pos(n.Idx0())))
			}
		}
	}
	w.walk(reflect.ValueOf(prog))
	return errs
}

// calleeName resolves the name a call resolves through: bare identifiers
// and the final member of a dotted callee.
func calleeName(e ast.Expression) (string, bool) {
	switch c := e.(type) {
	case *ast.Identifier:
		return string(c.Name), true
	case *ast.DotExpression:
		return string(c.Identifier.Name), true
	}
	return "", false
}

// walker visits every node by reflecting over struct fields. goja's ast
// package ships no visitor; reflection covers every node kind, including
// ones added in later versions. seen dedupes shared pointers (declaration
// lists alias body nodes) and guards against cycles.
type walker struct {
	seen  map[uintptr]bool
	visit func(any)
}

func (w *walker) walk(v reflect.Value) {
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() || w.seen[v.Pointer()] {
			return
		}
		w.seen[v.Pointer()] = true
		if v.Elem().Kind() == reflect.Struct {
			w.visit(v.Interface())
		}
		w.walk(v.Elem())
	case reflect.Interface:
		if v.IsNil() {
			return
		}
		w.walk(v.Elem())
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if f := v.Field(i); f.CanInterface() {
				w.walk(f)
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			w.walk(v.Index(i))
		}
	}
}
