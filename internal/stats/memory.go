package stats

import (
	"context"
	"maps"
	"sync"
	"time"
)

var _ Recorder = (*MemoryRecorder)(nil)

type MemoryRecorder struct {
	mu       sync.Mutex
	now      func() time.Time
	snapshot Snapshot
	daily    map[string]*Day
}

func NewMemoryRecorder(now func() time.Time) *MemoryRecorder {
	if now == nil {
		now = time.Now
	}
	return &MemoryRecorder{
		now: now,
		snapshot: Snapshot{
			ViewLimitBreakdown:       make(map[int]int),
			ExpirationHoursBreakdown: make(map[int]int),
		},
		daily: make(map[string]*Day),
	}
}

func (m *MemoryRecorder) RecordCreated(_ context.Context, viewLimit, expirationHours int, hasPassword bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snapshot.TotalCreated++
	if hasPassword {
		m.snapshot.PasswordProtected++
	}
	m.snapshot.ViewLimitBreakdown[viewLimit]++
	m.snapshot.ExpirationHoursBreakdown[expirationHours]++
	m.today().Created++
	m.touch()
	return nil
}

func (m *MemoryRecorder) RecordViewed(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snapshot.TotalViewed++
	m.today().Viewed++
	m.touch()
	return nil
}

func (m *MemoryRecorder) RecordExpired(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snapshot.TotalExpired++
	m.touch()
	return nil
}

func (m *MemoryRecorder) Snapshot(context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.snapshot
	out.ViewLimitBreakdown = maps.Clone(m.snapshot.ViewLimitBreakdown)
	out.ExpirationHoursBreakdown = maps.Clone(m.snapshot.ExpirationHoursBreakdown)
	out.Daily = make([]Day, 0, dailyWindow)
	for _, key := range lastDays(m.now()) {
		if d, ok := m.daily[key]; ok {
			out.Daily = append(out.Daily, *d)
		} else {
			out.Daily = append(out.Daily, Day{Date: key})
		}
	}
	return &out, nil
}

func (m *MemoryRecorder) today() *Day {
	key := dayKey(m.now())
	d, ok := m.daily[key]
	if !ok {
		d = &Day{Date: key}
		m.daily[key] = d
		m.pruneDays()
	}
	return d
}

func (m *MemoryRecorder) pruneDays() {
	keep := make(map[string]bool, dailyWindow)
	for _, key := range lastDays(m.now()) {
		keep[key] = true
	}
	for key := range m.daily {
		if !keep[key] {
			delete(m.daily, key)
		}
	}
}

func (m *MemoryRecorder) touch() {
	m.snapshot.LastUpdated = m.now()
}
