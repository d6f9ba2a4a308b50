package alarming

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/weather-alerts/internal/models"
)

func TestEvaluateCondition(t *testing.T) {
	// typed so the sum is computed in float64, not folded exactly
	a, b := 0.1, 0.2

	tests := []struct {
		name      string
		value     float64
		op        models.Operator
		threshold float64
		want      bool
	}{
		{"gt above", 31, models.OpGreaterThan, 30, true},
		{"gt equal", 30, models.OpGreaterThan, 30, false},
		{"lt below", -1, models.OpLessThan, 0, true},
		{"lt equal", 0, models.OpLessThan, 0, false},
		{"gte equal", 30, models.OpGreaterOrEqual, 30, true},
		{"gte below", 29.9, models.OpGreaterOrEqual, 30, false},
		{"lte equal", 5, models.OpLessOrEqual, 5, true},
		{"lte above", 5.1, models.OpLessOrEqual, 5, false},
		{"eq exact", 12.5, models.OpEqual, 12.5, true},
		{"eq rounding", a + b, models.OpEqual, 0.3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvaluateCondition(tt.value, tt.op, tt.threshold)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateCondition_UnknownOperator(t *testing.T) {
	got, err := EvaluateCondition(100, models.Operator("between"), 0)
	assert.False(t, got)
	assert.ErrorIs(t, err, models.ErrUnknownOperator)
}
