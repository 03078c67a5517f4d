package workflow

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Condition is a parsed condition expression.
type Condition interface {
	Eval(bindings map[string]any) (bool, error)
	String() string
}

// LiteralCondition is a bare literal expression.
type LiteralCondition struct {
	Raw   string
	Value bool
}

// Eval returns the literal's value.
func (c LiteralCondition) Eval(map[string]any) (bool, error) { return c.Value, nil }

func (c LiteralCondition) String() string { return c.Raw }

// VariableCondition is a ${name} reference.
type VariableCondition struct {
	Name string
}

// Eval returns the truthiness of the bound value.
func (c VariableCondition) Eval(bindings map[string]any) (bool, error) {
	v, ok := lookupBinding(bindings, c.Name)
	if !ok {
		return false, &UnboundVariableError{Variable: c.Name}
	}
	return Truthy(v), nil
}

func (c VariableCondition) String() string { return "${" + c.Name + "}" }

// ParseCondition parses an expression. `${name}` references a binding; a
// dotted name walks into nested maps. Anything else is a literal that is true
// only for true, 1, yes or on (case-insensitive).
func ParseCondition(expr string) (Condition, error) {
	trimmed := strings.TrimSpace(expr)
	if strings.HasPrefix(trimmed, "${") {
		if !strings.HasSuffix(trimmed, "}") {
			return nil, fmt.Errorf("malformed condition %q: missing closing brace", expr)
		}
		name := strings.TrimSpace(trimmed[2 : len(trimmed)-1])
		if name == "" {
			return nil, fmt.Errorf("malformed condition %q: empty variable name", expr)
		}
		if strings.ContainsAny(name, "${} \t") {
			return nil, fmt.Errorf("malformed condition %q: invalid variable name", expr)
		}
		return VariableCondition{Name: name}, nil
	}
	if strings.Contains(trimmed, "${") {
		return nil, fmt.Errorf("malformed condition %q: variable reference must be the whole expression", expr)
	}
	switch strings.ToLower(trimmed) {
	case "true", "1", "yes", "on":
		return LiteralCondition{Raw: trimmed, Value: true}, nil
	}
	return LiteralCondition{Raw: trimmed, Value: false}, nil
}

// ConditionEvaluator evaluates condition expressions against bindings.
type ConditionEvaluator struct{}

// Evaluate parses and evaluates expr.
func (ConditionEvaluator) Evaluate(expr string, bindings map[string]any) (bool, error) {
	cond, err := ParseCondition(expr)
	if err != nil {
		return false, err
	}
	return cond.Eval(bindings)
}

// Truthy reports whether a bound value counts as true. nil, empty strings,
// "0", "false", "null", numeric zero, false and empty slices or maps are false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "", "0", "false", "null":
			return false
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f != 0
		}
		return true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return false
		}
		return Truthy(rv.Elem().Interface())
	}
	return true
}

func lookupBinding(bindings map[string]any, name string) (any, bool) {
	if v, ok := bindings[name]; ok {
		return v, true
	}
	parts := strings.Split(name, ".")
	if len(parts) == 1 {
		return nil, false
	}
	var cur any = bindings
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
