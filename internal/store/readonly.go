package store

import (
	"fmt"
	"regexp"
	"strings"
)

// InvalidQueryError reports a statement the read-only facade refused to
// run. Fragment is the offending sub-statement truncated to 80 characters.
type InvalidQueryError struct {
	Fragment string
}

func (e *InvalidQueryError) Error() string {
	return fmt.Sprintf("invalid query: %s", e.Fragment)
}

func newInvalidQuery(fragment string) *InvalidQueryError {
	fragment = strings.TrimSpace(fragment)
	if len(fragment) > 80 {
		fragment = fragment[:80]
	}
	return &InvalidQueryError{Fragment: fragment}
}

// ReadOnly wraps a store and exposes only read operations. Generated
// analysis code gets this and nothing else. Every statement is checked
// against a reject list; anything not on the list is permitted.
type ReadOnly struct {
	s *Store
}

// NewReadOnly returns the read-only facade over s.
func NewReadOnly(s *Store) *ReadOnly {
	return &ReadOnly{s: s}
}

// FetchOne runs a checked query and returns the first row, or nil.
func (r *ReadOnly) FetchOne(query string, args ...any) (map[string]any, error) {
	if err := CheckReadOnly(query); err != nil {
		return nil, err
	}
	return r.s.FetchOne(query, args...)
}

// FetchAll runs a checked query and returns every row.
func (r *ReadOnly) FetchAll(query string, args ...any) ([]map[string]any, error) {
	if err := CheckReadOnly(query); err != nil {
		return nil, err
	}
	return r.s.FetchAll(query, args...)
}

// Exec runs a checked statement. Kept for interface parity with the full
// store; only statements that pass the reject list ever reach the engine.
func (r *ReadOnly) Exec(query string, args ...any) error {
	if err := CheckReadOnly(query); err != nil {
		return err
	}
	_, err := r.s.conn.Exec(query, args...)
	return err
}

var (
	// Verbs that may never lead a statement on the read-only facade.
	// Covers write DDL/DML, schema surgery, database attachment and all
	// transaction control.
	rejectVerbRe = regexp.MustCompile(`(?i)^\s*(INSERT|UPDATE|DELETE|DROP|ALTER|CREATE|REPLACE|ATTACH|DETACH|VACUUM|REINDEX|ANALYZE|BEGIN|COMMIT|ROLLBACK|SAVEPOINT|RELEASE|END)\b`)

	// PRAGMA assignment form writes database state. The bare and
	// call forms (PRAGMA table_info(x)) stay permitted.
	pragmaAssignRe = regexp.MustCompile(`(?i)\bPRAGMA\b[^=]*=`)

	// load_extension is blocked both as a statement and as a function
	// call buried inside an expression.
	loadExtensionRe = regexp.MustCompile(`(?i)\bLOAD_EXTENSION\b`)

	// Write verbs that terminate a CTE. Scanned at parenthesis depth
	// zero only, so SELECTs inside the WITH body do not trip it.
	cteWriteVerbRe = regexp.MustCompile(`(?i)^(INSERT|UPDATE|DELETE|REPLACE|CREATE|DROP|ALTER)$`)

	leadingWithRe = regexp.MustCompile(`(?i)^\s*WITH\b`)
)

// CheckReadOnly validates a statement string against the reject list.
// The string is normalized first: comments stripped, NUL bytes rejected,
// then split on ';' outside string literals. Each sub-statement must pass.
func CheckReadOnly(query string) error {
	if strings.ContainsRune(query, 0) {
		return newInvalidQuery("query contains NUL byte")
	}

	stripped := stripComments(query)
	for _, stmt := range splitStatements(stripped) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if err := checkStatement(stmt); err != nil {
			return err
		}
	}
	return nil
}

func checkStatement(stmt string) error {
	// Checks run against a copy with string literal contents blanked so
	// that 'DELETE' inside a string cannot cause a false reject and a
	// quoted snippet cannot smuggle a verb past the scanner.
	blanked := blankStrings(stmt)

	if rejectVerbRe.MatchString(blanked) {
		return newInvalidQuery(stmt)
	}
	if pragmaAssignRe.MatchString(blanked) {
		return newInvalidQuery(stmt)
	}
	if loadExtensionRe.MatchString(blanked) {
		return newInvalidQuery(stmt)
	}
	if leadingWithRe.MatchString(blanked) && cteTerminalWrite(blanked) {
		return newInvalidQuery(stmt)
	}
	return nil
}

// stripComments removes -- line comments and /* */ block comments,
// leaving string literals intact.
func stripComments(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			if c == '\'' {
				// '' is an escaped quote inside a literal
				if i+1 < len(s) && s[i+1] == '\'' {
					b.WriteByte(s[i+1])
					i++
				} else {
					inString = false
				}
			}
			continue
		}
		switch {
		case c == '\'':
			inString = true
			b.WriteByte(c)
		case c == '-' && i+1 < len(s) && s[i+1] == '-':
			for i < len(s) && s[i] != '\n' {
				i++
			}
			b.WriteByte('\n')
		case c == '/' && i+1 < len(s) && s[i+1] == '*':
			i += 2
			for i+1 < len(s) && !(s[i] == '*' && s[i+1] == '/') {
				i++
			}
			i++ // skip the trailing '/'
			b.WriteByte(' ')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// splitStatements splits on ';' outside string literals.
func splitStatements(s string) []string {
	var out []string
	var cur strings.Builder
	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			cur.WriteByte(c)
			if c == '\'' {
				if i+1 < len(s) && s[i+1] == '\'' {
					cur.WriteByte(s[i+1])
					i++
				} else {
					inString = false
				}
			}
			continue
		}
		switch c {
		case '\'':
			inString = true
			cur.WriteByte(c)
		case ';':
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// blankStrings replaces the contents of string literals and quoted
// identifiers with spaces, preserving length and quote characters.
func blankStrings(s string) string {
	b := []byte(s)
	for i := 0; i < len(b); i++ {
		switch b[i] {
		case '\'':
			i = blankUntil(b, i+1, '\'')
		case '"':
			i = blankUntil(b, i+1, '"')
		case '`':
			i = blankUntil(b, i+1, '`')
		}
	}
	return string(b)
}

func blankUntil(b []byte, start int, quote byte) int {
	i := start
	for i < len(b) {
		if b[i] == quote {
			// doubled quote escapes itself
			if i+1 < len(b) && b[i+1] == quote {
				b[i] = ' '
				b[i+1] = ' '
				i += 2
				continue
			}
			return i
		}
		b[i] = ' '
		i++
	}
	return i
}

// cteTerminalWrite reports whether a WITH statement resolves to a write.
// Tokens are scanned at parenthesis depth zero; the CTE bodies themselves
// sit inside parens and are skipped.
func cteTerminalWrite(stmt string) bool {
	for _, tok := range tokenizeAtDepthZero(stmt) {
		if cteWriteVerbRe.MatchString(tok) {
			return true
		}
	}
	return false
}

func tokenizeAtDepthZero(s string) []string {
	var tokens []string
	var cur strings.Builder
	depth := 0
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '(':
			flush()
			depth++
		case c == ')':
			flush()
			depth--
		case depth > 0:
			// inside a CTE body, ignore
		case isWordByte(c):
			cur.WriteByte(c)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

func isWordByte(c byte) bool {
	return c == '_' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
