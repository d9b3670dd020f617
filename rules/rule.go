package rules

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/vm"
)

// ErrUndefinedField is returned when an expression references a field the
// environment does not carry.
var ErrUndefinedField = errors.New("expression references an undefined field")

type compiled struct {
	program *vm.Program
	fields  []string
}

// ExprEvaluator evaluates free-form boolean expressions with expr-lang/expr.
// Compiled programs are cached per expression.
type ExprEvaluator struct {
	cache map[string]*compiled
	mu    sync.RWMutex
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache: make(map[string]*compiled),
	}
}

// Evaluate evaluates the given expression against env.
// The expression must evaluate to a boolean; otherwise, an error is returned.
// Programs are compiled without a typed environment so that one cached program
// serves every submission regardless of which fields it carries. A field the
// expression reads but env lacks fails the evaluation with ErrUndefinedField
// instead of resolving to nil.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	e.mu.RLock()
	c, ok := e.cache[expression]
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if c, ok = e.cache[expression]; !ok {
			program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
			if err != nil {
				e.mu.Unlock()
				return false, err
			}
			c = &compiled{program: program, fields: referencedFields(program.Node())}
			e.cache[expression] = c
		}
		e.mu.Unlock()
	}

	for _, field := range c.fields {
		if !resolvable(field, env) {
			return false, fmt.Errorf("%w: %s", ErrUndefinedField, field)
		}
	}

	result, err := expr.Run(c.program, env)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}

// resolvable walks field from the root of env, then falls back to Lookup's
// form-relative resolution.
func resolvable(field string, env map[string]interface{}) bool {
	var cur interface{} = env
	found := true
	for _, seg := range strings.Split(field, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			found = false
			break
		}
		if cur, ok = m[seg]; !ok {
			found = false
			break
		}
	}
	if found {
		return true
	}
	_, ok := Lookup(field, env)
	return ok
}

// fieldCollector gathers the variables and dotted member paths an expression
// reads. Function names and let-bound names are not fields.
type fieldCollector struct {
	skip   map[ast.Node]bool
	locals map[string]bool
	fields []string
	seen   map[string]bool
}

func referencedFields(node ast.Node) []string {
	fc := &fieldCollector{
		skip:   make(map[ast.Node]bool),
		locals: make(map[string]bool),
		seen:   make(map[string]bool),
	}
	ast.Walk(&node, visitFunc(fc.markCallees))
	ast.Walk(&node, visitFunc(fc.collect))
	return fc.fields
}

type visitFunc func(node *ast.Node)

func (f visitFunc) Visit(node *ast.Node) { f(node) }

func (fc *fieldCollector) markCallees(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.CallNode:
		fc.skip[n.Callee] = true
	case *ast.VariableDeclaratorNode:
		fc.locals[n.Name] = true
	}
}

func (fc *fieldCollector) collect(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.IdentifierNode:
		if !fc.skip[n] && !fc.locals[n.Value] {
			fc.add(n.Value)
		}
	case *ast.MemberNode:
		if path, ok := memberPath(n); ok && !fc.skip[n] {
			fc.add(path)
		}
	}
}

func (fc *fieldCollector) add(field string) {
	if !fc.seen[field] {
		fc.seen[field] = true
		fc.fields = append(fc.fields, field)
	}
}

// memberPath renders a chain like form.a.b as a dotted path. Optional
// chaining and computed properties are left to the runtime.
func memberPath(n *ast.MemberNode) (string, bool) {
	if n.Optional {
		return "", false
	}
	prop, ok := n.Property.(*ast.StringNode)
	if !ok {
		return "", false
	}
	var base string
	switch inner := n.Node.(type) {
	case *ast.IdentifierNode:
		base = inner.Value
	case *ast.MemberNode:
		if base, ok = memberPath(inner); !ok {
			return "", false
		}
	default:
		return "", false
	}
	return strings.Join([]string{base, prop.Value}, "."), true
}
