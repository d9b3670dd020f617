package rules

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/songzhibin97/approval-engine/types"
)

// Evaluator decides whether a gateway edge condition holds for a submission.
type Evaluator interface {
	Evaluate(cond types.Condition, ctx types.FormContext) bool
}

// ConditionEvaluator is the canonical Evaluator. Structured conditions are
// compared with the coercion rules below; expression conditions run through expr.
// Every failure evaluates to false.
type ConditionEvaluator struct {
	exprs  *ExprEvaluator
	logger *zap.Logger
}

// Option configures a ConditionEvaluator.
type Option func(*ConditionEvaluator)

// WithLogger sets the logger used to report unsatisfiable conditions.
func WithLogger(logger *zap.Logger) Option {
	return func(c *ConditionEvaluator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithExprEvaluator shares a compiled-program cache between evaluators.
func WithExprEvaluator(e *ExprEvaluator) Option {
	return func(c *ConditionEvaluator) {
		if e != nil {
			c.exprs = e
		}
	}
}

// NewConditionEvaluator creates a ConditionEvaluator.
func NewConditionEvaluator(opts ...Option) *ConditionEvaluator {
	c := &ConditionEvaluator{
		exprs:  NewExprEvaluator(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var defaultEvaluator = NewConditionEvaluator()

// Evaluate evaluates cond with the package default evaluator.
func Evaluate(cond types.Condition, ctx types.FormContext) bool {
	return defaultEvaluator.Evaluate(cond, ctx)
}

// Evaluate implements Evaluator.
func (c *ConditionEvaluator) Evaluate(cond types.Condition, ctx types.FormContext) bool {
	if cond.Expression != "" {
		return c.evaluateExpression(cond.Expression, ctx)
	}

	left, ok := Lookup(cond.Left, ctx.Form)
	if !ok {
		c.logger.Debug("condition field not found",
			zap.String("left", cond.Left), zap.String("op", string(cond.Op)))
		return false
	}

	switch cond.Op {
	case types.OpEq:
		return equal(left, cond.Right)
	case types.OpNeq:
		return !equal(left, cond.Right)
	case types.OpGt, types.OpGte, types.OpLt, types.OpLte:
		return compare(cond.Op, toNumber(left), toNumber(cond.Right))
	default:
		c.logger.Debug("unknown condition operator", zap.String("op", string(cond.Op)))
		return false
	}
}

func (c *ConditionEvaluator) evaluateExpression(expression string, ctx types.FormContext) bool {
	env := make(map[string]interface{}, len(ctx.Form)+1)
	for k, v := range ctx.Form {
		env[k] = v
	}
	env["form"] = ctx.Form

	ok, err := c.exprs.Evaluate(expression, env)
	if err != nil {
		c.logger.Debug("expression condition failed",
			zap.String("expression", expression), zap.Error(err))
		return false
	}
	return ok
}

// Lookup resolves a dotted field path against a form value mapping. It tries
// the exact key, then the key without a "form." prefix, then walks nested
// objects segment by segment.
func Lookup(path string, form map[string]interface{}) (interface{}, bool) {
	if path == "" || form == nil {
		return nil, false
	}
	if v, ok := form[path]; ok {
		return v, true
	}
	trimmed := strings.TrimPrefix(path, "form.")
	if trimmed != path {
		if v, ok := form[trimmed]; ok {
			return v, true
		}
	}
	if !strings.Contains(trimmed, ".") {
		return nil, false
	}

	var cur interface{} = form
	for _, seg := range strings.Split(trimmed, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if cur, ok = m[seg]; !ok {
			return nil, false
		}
	}
	return cur, true
}

type kind int

const (
	kindNull kind = iota
	kindNumber
	kindBool
	kindString
)

type projection struct {
	kind kind
	num  float64
	b    bool
	s    string
}

// project maps a value onto the kind it is compared as by eq/neq.
func project(v interface{}) projection {
	if v == nil {
		return projection{kind: kindNull}
	}
	if n, ok := number(v); ok {
		return projection{kind: kindNumber, num: n}
	}
	switch val := v.(type) {
	case bool:
		return projection{kind: kindBool, b: val}
	case string:
		if n, ok := parseNumber(val); ok {
			return projection{kind: kindNumber, num: n}
		}
		switch val {
		case "true":
			return projection{kind: kindBool, b: true}
		case "false":
			return projection{kind: kindBool, b: false}
		}
		return projection{kind: kindString, s: val}
	}
	return projection{kind: kindString, s: toString(v)}
}

func equal(a, b interface{}) bool {
	pa, pb := project(a), project(b)
	if pa.kind != pb.kind {
		return false
	}
	switch pa.kind {
	case kindNull:
		return true
	case kindNumber:
		return pa.num == pb.num
	case kindBool:
		return pa.b == pb.b
	default:
		return pa.s == pb.s
	}
}

func compare(op types.Operator, a, b float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return false
	}
	switch op {
	case types.OpGt:
		return a > b
	case types.OpGte:
		return a >= b
	case types.OpLt:
		return a < b
	case types.OpLte:
		return a <= b
	}
	return false
}

// toNumber coerces v for the ordering operators; anything unparseable is NaN.
func toNumber(v interface{}) float64 {
	if n, ok := number(v); ok {
		return n
	}
	if s, ok := v.(string); ok {
		if n, ok := parseNumber(s); ok {
			return n
		}
	}
	return math.NaN()
}

func number(v interface{}) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func toString(v interface{}) string {
	if s, ok := v.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprint(v)
}
