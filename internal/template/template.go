// Package template implements the Flow Execution Engine's pure string
// expansion and sandboxed boolean condition evaluation (spec.md §4.1).
//
// expand never touches the host environment; evalBool is built on
// github.com/expr-lang/expr, compiled against a closed environment that
// exposes only the session context and a single safelisted helper
// (Number) — it is not a superset of the host language, matching the
// "sandboxed expression language" guidance in spec.md §9.
package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"go.uber.org/zap"
)

var tokenStart = "{{"
var tokenEnd = "}}"

// Expand scans text for {{ dotted.path }} tokens and substitutes the
// resolved value from context. Missing or null values resolve to the empty
// string; non-string primitives are stringified. Expand never mutates
// context and always returns a string with no side effects (spec.md §8
// "referential transparency").
func Expand(text string, context map[string]interface{}) string {
	var b strings.Builder
	rest := text
	for {
		start := strings.Index(rest, tokenStart)
		if start < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		afterStart := rest[start+len(tokenStart):]
		end := strings.Index(afterStart, tokenEnd)
		if end < 0 {
			// Unterminated token: emit the rest literally.
			b.WriteString(rest[start:])
			break
		}
		path := strings.TrimSpace(afterStart[:end])
		b.WriteString(stringify(resolvePath(path, context)))
		rest = afterStart[end+len(tokenEnd):]
	}
	return b.String()
}

// resolvePath walks a dotted/bracketed path (identifier chars, digits, '.',
// '[', ']') against context, treating arrays as indexable. It returns nil if
// any segment is missing.
func resolvePath(path string, context map[string]interface{}) interface{} {
	segments := splitPath(path)
	var cur interface{} = context
	for _, seg := range segments {
		if cur == nil {
			return nil
		}
		if idx, isIndex := asIndex(seg); isIndex {
			arr, ok := cur.([]interface{})
			if !ok || idx < 0 || idx >= len(arr) {
				return nil
			}
			cur = arr[idx]
			continue
		}
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		v, present := m[seg]
		if !present {
			return nil
		}
		cur = v
	}
	return cur
}

// splitPath turns "a.b[2].c" into ["a", "b", "2", "c"].
func splitPath(path string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, r := range path {
		switch r {
		case '.', '[':
			flush()
		case ']':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}

func asIndex(seg string) (int, bool) {
	n, err := strconv.Atoi(seg)
	if err != nil {
		return 0, false
	}
	return n, true
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// numberOf coerces a context value to float64 for arithmetic/comparison,
// mirroring the author-facing Number(...) helper the spec's sample
// expressions use (spec.md §8 scenario S3).
func numberOf(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case bool:
		if t {
			return 1
		}
		return 0
	default:
		return 0
	}
}

// buildEnv constructs the closed map-typed environment evalBool compiles
// and runs against: the "context" binding plus a single safelisted helper.
// Nothing else — no package symbols, no reflection into Go types, no host
// environment access — is reachable from expression text.
func buildEnv(context map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"context": context,
		"Number":  numberOf,
	}
}

var (
	toLowerCasePattern = regexp.MustCompile(`([A-Za-z0-9_.\[\]"']+)\.toLowerCase\(\)`)
	includesPattern    = regexp.MustCompile(`([A-Za-z0-9_.\[\]"']+|lower\([^()]*\))\.includes\(([^()]*)\)`)
)

// rewriteMethodSyntax translates the spec-documented `.toLowerCase()` /
// `.includes(...)` method-call syntax into expr-lang's actual builtins — the
// `lower(...)` function and the `contains` infix operator — before
// compilation. It recognizes only these two spec-documented method names and
// a single level of chaining between them; it does not otherwise widen the
// expression grammar (spec.md §4.1).
func rewriteMethodSyntax(expression string) string {
	for i := 0; i < 4; i++ {
		rewritten := toLowerCasePattern.ReplaceAllString(expression, "lower($1)")
		rewritten = includesPattern.ReplaceAllString(rewritten, "($1 contains $2)")
		if rewritten == expression {
			return rewritten
		}
		expression = rewritten
	}
	return expression
}

// EvalBool evaluates a restricted boolean expression against context. It
// never panics and never reaches host state: a malformed or disallowed
// expression logs and returns false, per spec.md §4.1's "evaluation failure
// maps to false, not fatal" rule.
func EvalBool(expression string, context map[string]interface{}, logger *zap.Logger) bool {
	env := buildEnv(context)
	expression = rewriteMethodSyntax(expression)

	program, err := expr.Compile(expression,
		expr.Env(env),
		expr.AsBool(),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		if logger != nil {
			logger.Warn("condition expression failed to compile", zap.String("expression", expression), zap.Error(err))
		}
		return false
	}

	out, err := expr.Run(program, env)
	if err != nil {
		if logger != nil {
			logger.Warn("condition expression failed to evaluate", zap.String("expression", expression), zap.Error(err))
		}
		return false
	}

	b, ok := out.(bool)
	if !ok {
		if logger != nil {
			logger.Warn("condition expression did not evaluate to bool", zap.String("expression", expression))
		}
		return false
	}
	return b
}
