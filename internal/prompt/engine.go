// Package prompt renders agent prompt and idempotency-key templates.
//
// Templates are literal text with {{ ... }} expression segments. Expressions
// are compiled with expr-lang: variable lookup, dotted-path access, arithmetic,
// and the tojson/default helpers. No loops, no statements, no side effects.
package prompt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Context carries the variables available to a template.
type Context struct {
	Document   map[string]any
	Agent      map[string]any
	Operation  string
	DocumentID string
	Now        time.Time
	Extra      map[string]any
}

func (c Context) env() map[string]any {
	env := map[string]any{
		"document":    c.Document,
		"doc":         c.Document,
		"agent":       c.Agent,
		"operation":   c.Operation,
		"document_id": c.DocumentID,
		"now":         c.Now,
		"tojson":      tojson,
		"default":     defaultFn,
	}
	for k, v := range c.Extra {
		env[k] = v
	}
	return env
}

// Engine compiles and renders templates with a bounded compile cache.
type Engine struct {
	mu    sync.Mutex
	cache map[string][]segment
	limit int
}

type segment struct {
	literal string
	program *vm.Program
	src     string
}

// NewEngine creates a template engine.
func NewEngine() *Engine {
	return &Engine{cache: make(map[string][]segment), limit: 256}
}

// Render expands a template against a context. Any compile or evaluation
// failure is a configuration error for the owning agent.
func (e *Engine) Render(template string, ctx Context) (string, error) {
	segs, err := e.compiled(template)
	if err != nil {
		return "", err
	}
	env := ctx.env()
	var b strings.Builder
	for _, s := range segs {
		if s.program == nil {
			b.WriteString(s.literal)
			continue
		}
		out, err := expr.Run(s.program, env)
		if err != nil {
			return "", fmt.Errorf("evaluate {{ %s }}: %w", s.src, err)
		}
		text, err := format(out)
		if err != nil {
			return "", fmt.Errorf("evaluate {{ %s }}: %w", s.src, err)
		}
		b.WriteString(text)
	}
	return strings.TrimSpace(b.String()), nil
}

func (e *Engine) compiled(template string) ([]segment, error) {
	e.mu.Lock()
	segs, ok := e.cache[template]
	e.mu.Unlock()
	if ok {
		return segs, nil
	}

	segs, err := parse(template)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if len(e.cache) >= e.limit {
		// Full cache: drop everything rather than track recency.
		e.cache = make(map[string][]segment)
	}
	e.cache[template] = segs
	e.mu.Unlock()
	return segs, nil
}

func parse(template string) ([]segment, error) {
	var segs []segment
	rest := template
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			if rest != "" {
				segs = append(segs, segment{literal: rest})
			}
			return segs, nil
		}
		if open > 0 {
			segs = append(segs, segment{literal: rest[:open]})
		}
		rest = rest[open+2:]
		end := strings.Index(rest, "}}")
		if end < 0 {
			return nil, fmt.Errorf("unterminated {{ in template")
		}
		src := strings.TrimSpace(rest[:end])
		rest = rest[end+2:]
		if src == "" {
			return nil, fmt.Errorf("empty expression in template")
		}
		program, err := expr.Compile(src, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("compile {{ %s }}: %w", src, err)
		}
		segs = append(segs, segment{program: program, src: src})
	}
}

// format turns an expression result into prompt text. A nil result is an
// error so that typos in field paths surface as configuration errors instead
// of silently rendering empty prompts; wrap lookups in default() to opt out.
func format(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", fmt.Errorf("expression produced no value (use default() for optional fields)")
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case time.Time:
		return t.UTC().Format(time.RFC3339), nil
	default:
		return tojson(v), nil
	}
}

func tojson(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

func defaultFn(v, fallback any) any {
	if v == nil {
		return fallback
	}
	if s, ok := v.(string); ok && s == "" {
		return fallback
	}
	return v
}
