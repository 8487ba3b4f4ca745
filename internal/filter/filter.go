// Package filter compiles MongoDB-style filter documents into an expression
// tree evaluated against change event post-images. The supported operator set
// is closed: $eq, $ne, $in, $nin, $gt, $gte, $lt, $lte, $and, $or, $not,
// $exists, $regex. Anything else fails at compile time.
package filter

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// Filter is a compiled filter ready for repeated matching.
type Filter struct {
	root   node
	fields []string
}

type node interface {
	eval(doc []byte) bool
}

// Compile parses a filter document into a Filter. A nil or empty document
// compiles to a match-all filter.
func Compile(spec map[string]any) (*Filter, error) {
	fields := map[string]struct{}{}
	root, err := compileDoc(spec, fields)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(fields))
	for f := range fields {
		names = append(names, f)
	}
	sort.Strings(names)
	return &Filter{root: root, fields: names}, nil
}

// Matches evaluates the filter against a document.
func (f *Filter) Matches(doc map[string]any) bool {
	if f.root == nil {
		return true
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return false
	}
	return f.root.eval(raw)
}

// Fields returns the sorted set of field paths the filter references.
func (f *Filter) Fields() []string {
	return f.fields
}

// ReferencesOnlyID reports whether every referenced field is _id. Delete
// events carry no post-image, so only such filters may match them.
func (f *Filter) ReferencesOnlyID() bool {
	for _, field := range f.fields {
		if field != "_id" {
			return false
		}
	}
	return true
}

// ── Compilation ─────────────────────────────────────────────

type andNode struct{ children []node }
type orNode struct{ children []node }
type notNode struct{ child node }

type cmpNode struct {
	path string
	op   string // eq, ne, gt, gte, lt, lte
	want any
}

type inNode struct {
	path   string
	values []any
	negate bool
}

type existsNode struct {
	path string
	want bool
}

type regexNode struct {
	path string
	re   *regexp.Regexp
}

func compileDoc(spec map[string]any, fields map[string]struct{}) (node, error) {
	if len(spec) == 0 {
		return nil, nil
	}
	children := make([]node, 0, len(spec))
	keys := make([]string, 0, len(spec))
	for k := range spec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := spec[key]
		switch key {
		case "$and", "$or":
			clauses, ok := toSlice(value)
			if !ok {
				return nil, fmt.Errorf("%s expects an array of filter documents", key)
			}
			sub := make([]node, 0, len(clauses))
			for _, c := range clauses {
				cm, ok := toMap(c)
				if !ok {
					return nil, fmt.Errorf("%s clause must be a document", key)
				}
				n, err := compileDoc(cm, fields)
				if err != nil {
					return nil, err
				}
				if n != nil {
					sub = append(sub, n)
				}
			}
			if key == "$and" {
				children = append(children, &andNode{children: sub})
			} else {
				children = append(children, &orNode{children: sub})
			}
		case "$not":
			cm, ok := toMap(value)
			if !ok {
				return nil, fmt.Errorf("$not expects a filter document")
			}
			n, err := compileDoc(cm, fields)
			if err != nil {
				return nil, err
			}
			children = append(children, &notNode{child: n})
		default:
			if strings.HasPrefix(key, "$") {
				return nil, fmt.Errorf("unsupported operator %q", key)
			}
			n, err := compileField(key, value, fields)
			if err != nil {
				return nil, err
			}
			children = append(children, n)
		}
	}
	if len(children) == 1 {
		return children[0], nil
	}
	return &andNode{children: children}, nil
}

func compileField(path string, value any, fields map[string]struct{}) (node, error) {
	fields[path] = struct{}{}
	ops, isOps := operatorDoc(value)
	if !isOps {
		return &cmpNode{path: path, op: "eq", want: value}, nil
	}
	children := make([]node, 0, len(ops))
	keys := make([]string, 0, len(ops))
	for k := range ops {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, op := range keys {
		arg := ops[op]
		switch op {
		case "$eq", "$ne", "$gt", "$gte", "$lt", "$lte":
			children = append(children, &cmpNode{path: path, op: op[1:], want: arg})
		case "$in", "$nin":
			vals, ok := toSlice(arg)
			if !ok {
				return nil, fmt.Errorf("%s on %q expects an array", op, path)
			}
			children = append(children, &inNode{path: path, values: vals, negate: op == "$nin"})
		case "$exists":
			want, ok := arg.(bool)
			if !ok {
				return nil, fmt.Errorf("$exists on %q expects a boolean", path)
			}
			children = append(children, &existsNode{path: path, want: want})
		case "$regex":
			pattern, ok := arg.(string)
			if !ok {
				return nil, fmt.Errorf("$regex on %q expects a string", path)
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("$regex on %q: %w", path, err)
			}
			children = append(children, &regexNode{path: path, re: re})
		case "$not":
			sub, ok := toMap(arg)
			if !ok {
				return nil, fmt.Errorf("$not on %q expects an operator document", path)
			}
			n, err := compileField(path, sub, fields)
			if err != nil {
				return nil, err
			}
			children = append(children, &notNode{child: n})
		default:
			return nil, fmt.Errorf("unsupported operator %q on field %q", op, path)
		}
	}
	if len(children) == 1 {
		return children[0], nil
	}
	return &andNode{children: children}, nil
}

// operatorDoc reports whether a field value is an operator document
// ({"$gt": 5}) rather than a literal.
func operatorDoc(v any) (map[string]any, bool) {
	m, ok := toMap(v)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func toMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func toSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	}
	return nil, false
}

// ── Evaluation ──────────────────────────────────────────────

func (n *andNode) eval(doc []byte) bool {
	for _, c := range n.children {
		if !c.eval(doc) {
			return false
		}
	}
	return true
}

func (n *orNode) eval(doc []byte) bool {
	for _, c := range n.children {
		if c.eval(doc) {
			return true
		}
	}
	return len(n.children) == 0
}

func (n *notNode) eval(doc []byte) bool {
	if n.child == nil {
		return false
	}
	return !n.child.eval(doc)
}

func (n *cmpNode) eval(doc []byte) bool {
	got := lookup(doc, n.path)
	switch n.op {
	case "eq":
		return resultEquals(got, n.want)
	case "ne":
		return !resultEquals(got, n.want)
	}
	// Ordered comparisons require both sides present and comparable.
	if !got.Exists() {
		return false
	}
	if wantNum, ok := asFloat(n.want); ok {
		if got.Type != gjson.Number {
			return false
		}
		return ordered(n.op, got.Num, wantNum)
	}
	if wantStr, ok := n.want.(string); ok {
		if got.Type != gjson.String {
			return false
		}
		return orderedStr(n.op, got.Str, wantStr)
	}
	return false
}

func (n *inNode) eval(doc []byte) bool {
	got := lookup(doc, n.path)
	found := false
	for _, v := range n.values {
		if resultEquals(got, v) {
			found = true
			break
		}
	}
	if n.negate {
		return !found
	}
	return found
}

func (n *existsNode) eval(doc []byte) bool {
	return gjson.GetBytes(doc, n.path).Exists() == n.want
}

func (n *regexNode) eval(doc []byte) bool {
	got := gjson.GetBytes(doc, n.path)
	if got.Type != gjson.String {
		return false
	}
	return n.re.MatchString(got.Str)
}

// lookup resolves a dotted path, falling back to MongoDB's implicit array
// traversal: "items.tag" also searches "items.#.tag" when items is an array.
func lookup(doc []byte, path string) gjson.Result {
	if r := gjson.GetBytes(doc, path); r.Exists() {
		return r
	}
	segs := strings.Split(path, ".")
	for i := 1; i < len(segs); i++ {
		candidate := strings.Join(segs[:i], ".") + ".#." + strings.Join(segs[i:], ".")
		if r := gjson.GetBytes(doc, candidate); r.Exists() && r.IsArray() && len(r.Array()) > 0 {
			return r
		}
	}
	return gjson.Result{}
}

func resultEquals(got gjson.Result, want any) bool {
	// Multi-values from array traversal match if any element matches.
	if got.IsArray() && got.Type == gjson.JSON {
		if _, isSlice := want.([]any); !isSlice {
			for _, el := range got.Array() {
				if resultEquals(el, want) {
					return true
				}
			}
		}
	}
	if want == nil {
		return !got.Exists() || got.Type == gjson.Null
	}
	if !got.Exists() {
		return false
	}
	switch w := want.(type) {
	case string:
		return got.Type == gjson.String && got.Str == w
	case bool:
		return got.IsBool() && got.Bool() == w
	default:
		if num, ok := asFloat(want); ok {
			return got.Type == gjson.Number && got.Num == num
		}
	}
	// Composite literals compare by canonical JSON.
	raw, err := json.Marshal(want)
	if err != nil {
		return false
	}
	var a, b any
	if err := json.Unmarshal(raw, &a); err != nil {
		return false
	}
	if err := json.Unmarshal([]byte(got.Raw), &b); err != nil {
		return false
	}
	ra, _ := json.Marshal(a)
	rb, _ := json.Marshal(b)
	return string(ra) == string(rb)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func ordered(op string, a, b float64) bool {
	switch op {
	case "gt":
		return a > b
	case "gte":
		return a >= b
	case "lt":
		return a < b
	case "lte":
		return a <= b
	}
	return false
}

func orderedStr(op, a, b string) bool {
	switch op {
	case "gt":
		return a > b
	case "gte":
		return a >= b
	case "lt":
		return a < b
	case "lte":
		return a <= b
	}
	return false
}
