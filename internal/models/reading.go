package models

import (
	"fmt"
	"time"
)

// Reading is a snapshot of weather values for one location and time
type Reading struct {
	Time   time.Time             `json:"time"`
	Values map[Parameter]float64 `json:"values"`
}

// Value looks up a parameter, failing with ErrMissingParameter when the
// provider did not report it.
func (r Reading) Value(p Parameter) (float64, error) {
	v, ok := r.Values[p]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingParameter, p)
	}
	return v, nil
}

// ForecastPoint is one step of a forecast timeline
type ForecastPoint struct {
	Time    time.Time `json:"time"`
	Reading Reading   `json:"reading"`
}
