package workflow

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateInputs(t *testing.T) {
	vars := []Variable{
		{Name: "name", DataType: DataTypeString, IsRequired: true},
		{Name: "count", DataType: DataTypeInteger, Default: 1},
		{Name: "ratio", DataType: DataTypeNumber},
		{Name: "flags", DataType: DataTypeArray},
		{Name: "meta", DataType: DataTypeObject},
		{Name: "anything"},
	}

	t.Run("defaults and passthrough", func(t *testing.T) {
		bound, err := ValidateInputs(vars, map[string]any{
			"name":     "job",
			"ratio":    json.Number("0.5"),
			"flags":    []any{"a"},
			"meta":     map[string]any{"k": 1},
			"anything": struct{}{},
			"extra":    true,
		})
		require.NoError(t, err)
		assert.Equal(t, 1, bound["count"])
		assert.Equal(t, true, bound["extra"])
		assert.Equal(t, "job", bound["name"])
	})

	t.Run("integral floats count as integers", func(t *testing.T) {
		_, err := ValidateInputs(vars, map[string]any{"name": "x", "count": 4.0})
		assert.NoError(t, err)
	})

	t.Run("nil uses the default", func(t *testing.T) {
		bound, err := ValidateInputs(vars, map[string]any{"name": "x", "count": nil})
		require.NoError(t, err)
		assert.Equal(t, 1, bound["count"])
	})

	t.Run("all problems are reported", func(t *testing.T) {
		_, err := ValidateInputs(vars, map[string]any{
			"count": 2.5,
			"ratio": "high",
			"flags": "a,b",
			"meta":  []any{},
		})
		var invalid *InvalidInputError
		require.True(t, errors.As(err, &invalid))
		assert.Equal(t, []string{
			"count: expected integer, got float64",
			"flags: expected array, got string",
			"meta: expected object, got []interface {}",
			"name: required",
			"ratio: expected number, got string",
		}, invalid.Problems)
	})
}

func TestValidateVariables(t *testing.T) {
	assert.NoError(t, validateVariables([]Variable{{Name: "a", DataType: DataTypeBoolean, Default: true}}))
	assert.Error(t, validateVariables([]Variable{{Name: "a"}, {Name: "a"}}))
	assert.Error(t, validateVariables([]Variable{{Name: ""}}))
	assert.Error(t, validateVariables([]Variable{{Name: "a", DataType: "date"}}))
}
