package model

import "time"

// ConsistencyAnomaly is the advisory record produced by the periodic
// consistency checks.  Anomalies are reported for operator review and are
// never self-healed by the checks themselves.
type ConsistencyAnomaly struct {
	CheckName   string            `json:"check_name"`
	ErrorCode   string            `json:"error_code"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	DetectedAt  time.Time         `json:"detected_at"`
}
