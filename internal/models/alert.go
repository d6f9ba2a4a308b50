package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAlertNotFound    = errors.New("alert not found")
	ErrInvalidLocation  = errors.New("invalid location")
	ErrUnknownOperator  = errors.New("unknown operator")
	ErrUnknownParameter = errors.New("unknown parameter")
	ErrMissingParameter = errors.New("parameter missing from reading")
	// ErrStatusConflict means the stored status no longer matches the one
	// a transition was computed from.
	ErrStatusConflict = errors.New("alert status changed concurrently")
)

// Status is the evaluation state of an alert
type Status string

const (
	StatusNotTriggered Status = "NOT_TRIGGERED"
	StatusTriggered    Status = "TRIGGERED"
	StatusError        Status = "ERROR"
)

// Operator compares a reading value with a threshold
type Operator string

const (
	OpGreaterThan    Operator = "gt"
	OpLessThan       Operator = "lt"
	OpGreaterOrEqual Operator = "gte"
	OpLessOrEqual    Operator = "lte"
	OpEqual          Operator = "eq"
)

// ParseOperator validates a boundary value
func ParseOperator(s string) (Operator, error) {
	switch op := Operator(s); op {
	case OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual, OpEqual:
		return op, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOperator, s)
	}
}

// Parameter names a monitored weather field. Values match the provider's field names.
type Parameter string

const (
	ParamTemperature            Parameter = "temperature"
	ParamWindSpeed              Parameter = "windSpeed"
	ParamHumidity               Parameter = "humidity"
	ParamPrecipitationIntensity Parameter = "precipitationIntensity"
	ParamCloudCover             Parameter = "cloudCover"
	ParamVisibility             Parameter = "visibility"
)

// Parameters lists every monitored field in provider request order
var Parameters = []Parameter{
	ParamTemperature,
	ParamWindSpeed,
	ParamHumidity,
	ParamPrecipitationIntensity,
	ParamCloudCover,
	ParamVisibility,
}

// ParseParameter validates a boundary value
func ParseParameter(s string) (Parameter, error) {
	for _, p := range Parameters {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownParameter, s)
}

// Alert is a user-defined threshold rule for one location
type Alert struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	Name        string     `json:"name"`
	Location    Location   `json:"location"`
	Parameter   Parameter  `json:"parameter"`
	Operator    Operator   `json:"operator"`
	Threshold   float64    `json:"threshold"`
	Active      bool       `json:"isActive"`
	Status      Status     `json:"status"`
	LastChecked *time.Time `json:"lastChecked,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// HistoryEntry records one TRIGGERED period of an alert. ResolvedAt is nil
// while the period is open.
type HistoryEntry struct {
	ID          string     `json:"id"`
	AlertID     string     `json:"alertId"`
	Status      Status     `json:"status"`
	Reading     Reading    `json:"weatherData"`
	TriggeredAt time.Time  `json:"triggeredAt"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
}

func (h *HistoryEntry) Open() bool {
	return h.ResolvedAt == nil
}
