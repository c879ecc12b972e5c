package hnsw

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a wrapper around time.Duration that supports JSON string parsing (e.g. "1m", "10s").
type Duration time.Duration

// UnmarshalJSON handles both numbers (nanoseconds) and strings ("10s").
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		tmp, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*d = Duration(tmp)
		return nil
	default:
		return fmt.Errorf("invalid duration")
	}
}

// MarshalJSON serializes the duration back to a readable string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// MaintenanceConfig defines the behavior of background tasks per index.
type MaintenanceConfig struct {
	// Interval between vacuum checks. Default: 1m.
	VacuumInterval Duration `json:"vacuum_interval"`
	// Fraction of tombstoned nodes (0.0-1.0) that triggers a vacuum. Default: 0.1.
	DeleteThreshold float64 `json:"delete_threshold"`

	// If true, runs background re-linking to improve recall. Default: false.
	RefineEnabled bool `json:"refine_enabled"`
	// Interval between refinement cycles. Default: 30s.
	RefineInterval Duration `json:"refine_interval"`
	// Number of nodes to re-process per cycle. Default: 500.
	RefineBatchSize int `json:"refine_batch_size"`
	// Search breadth during refinement. 0 means the index's efConstruction.
	RefineEfConstruction int `json:"refine_ef_construction"`
}

// DefaultMaintenanceConfig returns safe defaults: Vacuum ON, Refine OFF.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		VacuumInterval:       Duration(1 * time.Minute),
		DeleteThreshold:      0.1,
		RefineEnabled:        false,
		RefineInterval:       Duration(30 * time.Second),
		RefineBatchSize:      500,
		RefineEfConstruction: 0,
	}
}
