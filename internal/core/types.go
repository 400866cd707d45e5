package core

import (
	"fmt"
	"time"
)

// LatestKey is the state-store key used when a population run targets the
// newest date available in the object store instead of a specific date.
const LatestKey = "latest"

// RunType describes what caused a population run to be recorded.
type RunType string

const (
	RunTypeScheduled     RunType = "scheduled"
	RunTypeManual        RunType = "manual"
	RunTypeCatchUp       RunType = "catchup"
	RunTypeManualCatchUp RunType = "manual_catchup"
	RunTypeInferred      RunType = "inferred"
)

// Valid reports whether t is one of the known run types.
func (t RunType) Valid() bool {
	switch t {
	case RunTypeScheduled, RunTypeManual, RunTypeCatchUp, RunTypeManualCatchUp, RunTypeInferred:
		return true
	}
	return false
}

// RunStatusCompleted is the only status ever written to the run ledger.
const RunStatusCompleted = "completed"

// Slot is a fixed hour:minute of the daily population schedule.
type Slot struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// DefaultSlots is the daily population schedule (business timezone).
var DefaultSlots = []Slot{
	{Hour: 16, Minute: 0},
	{Hour: 20, Minute: 0},
}

// String formats the slot as HH:MM.
func (s Slot) String() string {
	return fmt.Sprintf("%02d:%02d", s.Hour, s.Minute)
}

// Prefix formats the slot as HHMM, the ledger key segment for the slot.
func (s Slot) Prefix() string {
	return fmt.Sprintf("%02d%02d", s.Hour, s.Minute)
}

// Valid reports whether the slot is a real wall-clock time.
func (s Slot) Valid() bool {
	return s.Hour >= 0 && s.Hour <= 23 && s.Minute >= 0 && s.Minute <= 59
}

// On returns the instant of the slot on the calendar day of day, in day's location.
func (s Slot) On(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, s.Hour, s.Minute, 0, 0, day.Location())
}

// CronSpec returns the five-field cron expression firing daily at the slot.
func (s Slot) CronSpec() string {
	return fmt.Sprintf("%d %d * * *", s.Minute, s.Hour)
}

// SlotOf truncates t to its hour and minute.
func SlotOf(t time.Time) Slot {
	return Slot{Hour: t.Hour(), Minute: t.Minute()}
}

// PropagationState tracks the download + ingest phase for a date key.
type PropagationState struct {
	Running bool `json:"running"`
	NoData  bool `json:"noData"`
}

// Coverage counts stored rows and rows carrying an identifier guess.
type Coverage struct {
	Total   int `json:"total"`
	WithPan int `json:"withPan"`
}

// AIState tracks the enrichment phase for a date key.
type AIState struct {
	Running     bool       `json:"running"`
	CompletedAt *time.Time `json:"completedAt"`
	LastError   *string    `json:"lastError"`
	Coverage    Coverage   `json:"coverage"`
}

// RunRecord is an immutable run-ledger entry.
type RunRecord struct {
	DateKey       string    `json:"date_key"`
	RunID         string    `json:"run_id"`
	ScheduledTime Slot      `json:"scheduled_time"`
	RunType       RunType   `json:"run_type"`
	Status        string    `json:"status"`
	RunTime       time.Time `json:"run_time"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// Completed reports whether the record marks a completed run.
func (r *RunRecord) Completed() bool {
	return r != nil && r.Status == RunStatusCompleted
}

// RetryBudgetEntry is the persisted smart-retry budget of one source.
type RetryBudgetEntry struct {
	SourceKey     string    `json:"source_key"`
	Day           string    `json:"day"`
	Attempts      int       `json:"attempts"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
}

// Source is one restaurant/day unit of scan data on local disk.
type Source struct {
	Path         string `json:"path"`
	ScanFolder   string `json:"scan_folder"`
	RestaurantID string `json:"restaurant_id"`
	DateKey      string `json:"date_key,omitempty"`
}

// Key identifies the source in the retry budget store.
func (s Source) Key() string {
	return s.Path
}
