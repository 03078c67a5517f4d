package workflow

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
)

// ValidateInputs checks inputs against the declared variables and returns
// the bound variables with defaults applied. Inputs that are not declared
// are passed through unchanged. All problems are reported together.
func ValidateInputs(vars []Variable, inputs map[string]any) (map[string]any, error) {
	bound := make(map[string]any, len(inputs)+len(vars))
	for k, v := range inputs {
		bound[k] = v
	}

	var problems []string
	for _, v := range vars {
		val, present := inputs[v.Name]
		if !present || val == nil {
			if v.Default != nil {
				bound[v.Name] = v.Default
				continue
			}
			if v.IsRequired {
				problems = append(problems, fmt.Sprintf("%s: required", v.Name))
			}
			continue
		}
		if !matchesDataType(v.DataType, val) {
			problems = append(problems, fmt.Sprintf("%s: expected %s, got %T", v.Name, v.DataType, val))
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, &InvalidInputError{Problems: problems}
	}
	return bound, nil
}

func validateVariables(vars []Variable) error {
	seen := make(map[string]struct{}, len(vars))
	for _, v := range vars {
		if v.Name == "" {
			return fmt.Errorf("variable with empty name")
		}
		if _, dup := seen[v.Name]; dup {
			return fmt.Errorf("duplicate variable %q", v.Name)
		}
		seen[v.Name] = struct{}{}
		switch v.DataType {
		case "", DataTypeString, DataTypeNumber, DataTypeInteger, DataTypeBoolean,
			DataTypeObject, DataTypeArray, DataTypeAny:
		default:
			return fmt.Errorf("variable %q: unknown data_type %q", v.Name, v.DataType)
		}
		if v.Default != nil && !matchesDataType(v.DataType, v.Default) {
			return fmt.Errorf("variable %q: default does not match %s", v.Name, v.DataType)
		}
	}
	return nil
}

func matchesDataType(dt DataType, v any) bool {
	switch dt {
	case "", DataTypeAny:
		return true
	case DataTypeString:
		_, ok := v.(string)
		return ok
	case DataTypeBoolean:
		_, ok := v.(bool)
		return ok
	case DataTypeNumber:
		if n, ok := v.(json.Number); ok {
			_, err := n.Float64()
			return err == nil
		}
		switch reflect.ValueOf(v).Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64:
			return true
		}
		return false
	case DataTypeInteger:
		if n, ok := v.(json.Number); ok {
			_, err := n.Int64()
			return err == nil
		}
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return true
		case reflect.Float32, reflect.Float64:
			f := rv.Float()
			return f == math.Trunc(f) && !math.IsInf(f, 0)
		}
		return false
	case DataTypeObject:
		return reflect.ValueOf(v).Kind() == reflect.Map
	case DataTypeArray:
		k := reflect.ValueOf(v).Kind()
		return k == reflect.Slice || k == reflect.Array
	}
	return false
}
