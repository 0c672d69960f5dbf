// Package stats keeps the observational counters of the vault. Nothing in
// here is needed for correctness; callers log and ignore its errors.
package stats

import (
	"context"
	"time"
)

const dailyWindow = 7

type Recorder interface {
	RecordCreated(ctx context.Context, viewLimit, expirationHours int, hasPassword bool) error
	RecordViewed(ctx context.Context) error
	RecordExpired(ctx context.Context) error
	Snapshot(ctx context.Context) (*Snapshot, error)
}

type Snapshot struct {
	TotalCreated             int         `json:"total_secrets_created"`
	TotalViewed              int         `json:"total_secrets_viewed"`
	TotalExpired             int         `json:"total_secrets_expired"`
	PasswordProtected        int         `json:"password_protected_secrets"`
	ViewLimitBreakdown       map[int]int `json:"view_limit_breakdown"`
	ExpirationHoursBreakdown map[int]int `json:"expiration_breakdown"`
	Daily                    []Day       `json:"daily_stats"`
	LastUpdated              time.Time   `json:"last_updated"`
}

type Day struct {
	Date    string `json:"date"`
	Created int    `json:"created"`
	Viewed  int    `json:"viewed"`
}

func dayKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// lastDays lists the window ending today, oldest first.
func lastDays(now time.Time) []string {
	days := make([]string, dailyWindow)
	for i := range dailyWindow {
		days[dailyWindow-1-i] = dayKey(now.AddDate(0, 0, -i))
	}
	return days
}
