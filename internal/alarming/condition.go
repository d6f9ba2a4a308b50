package alarming

import (
	"fmt"

	"github.com/smukkama/weather-alerts/internal/models"
)

// EvaluateCondition compares value against threshold. OpEqual is exact
// floating-point equality, so it rarely matches continuous sensor values.
// An unknown operator yields false and an error wrapping
// models.ErrUnknownOperator.
func EvaluateCondition(value float64, operator models.Operator, threshold float64) (bool, error) {
	switch operator {
	case models.OpGreaterThan:
		return value > threshold, nil
	case models.OpLessThan:
		return value < threshold, nil
	case models.OpGreaterOrEqual:
		return value >= threshold, nil
	case models.OpLessOrEqual:
		return value <= threshold, nil
	case models.OpEqual:
		return value == threshold, nil
	default:
		return false, fmt.Errorf("%w: %q", models.ErrUnknownOperator, operator)
	}
}
