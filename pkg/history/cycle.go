package history

import "time"

// Cycle outcomes.
const (
	OutcomeSuccess       = "success"
	OutcomeUpstreamError = "upstream_error"
	OutcomeDiskError     = "disk_error"
	OutcomeError         = "error"
)

// Cycle is one update cycle of the result cache.
type Cycle struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	StartedAt  time.Time `gorm:"not null;index" json:"started_at"`
	FinishedAt time.Time `gorm:"not null" json:"finished_at"`
	Outcome    string    `gorm:"not null;index" json:"outcome"`

	// NewRuns counts the runs that had not been processed before.
	NewRuns int `json:"new_runs"`
	// Stored and Invalid count archives; EmptyRuns counts new runs
	// without a matching artifact.
	Stored    int `json:"stored"`
	Invalid   int `json:"invalid"`
	EmptyRuns int `json:"empty_runs"`

	Error string `gorm:"type:text" json:"error,omitempty"`
}

// Duration returns how long the cycle took.
func (c *Cycle) Duration() time.Duration {
	return c.FinishedAt.Sub(c.StartedAt)
}
