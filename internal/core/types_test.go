package core

import (
	"testing"
	"time"
)

func TestSlot_Formatting(t *testing.T) {
	tests := []struct {
		slot       Slot
		wantString string
		wantPrefix string
		wantCron   string
	}{
		{Slot{16, 0}, "16:00", "1600", "0 16 * * *"},
		{Slot{20, 0}, "20:00", "2000", "0 20 * * *"},
		{Slot{7, 5}, "07:05", "0705", "5 7 * * *"},
	}

	for _, tt := range tests {
		if got := tt.slot.String(); got != tt.wantString {
			t.Errorf("String() = %q, want %q", got, tt.wantString)
		}
		if got := tt.slot.Prefix(); got != tt.wantPrefix {
			t.Errorf("Prefix() = %q, want %q", got, tt.wantPrefix)
		}
		if got := tt.slot.CronSpec(); got != tt.wantCron {
			t.Errorf("CronSpec() = %q, want %q", got, tt.wantCron)
		}
	}
}

func TestSlot_Valid(t *testing.T) {
	tests := []struct {
		slot Slot
		want bool
	}{
		{Slot{0, 0}, true},
		{Slot{23, 59}, true},
		{Slot{24, 0}, false},
		{Slot{12, 60}, false},
		{Slot{-1, 0}, false},
	}

	for _, tt := range tests {
		if got := tt.slot.Valid(); got != tt.want {
			t.Errorf("Slot%v.Valid() = %v, want %v", tt.slot, got, tt.want)
		}
	}
}

func TestSlot_On(t *testing.T) {
	loc, err := LoadLocation(DefaultTimezone)
	if err != nil {
		t.Fatalf("LoadLocation() error = %v", err)
	}
	day := time.Date(2025, 7, 27, 9, 41, 12, 0, loc)

	got := Slot{16, 0}.On(day)
	want := time.Date(2025, 7, 27, 16, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Errorf("On() = %v, want %v", got, want)
	}
}

func TestRunType_Valid(t *testing.T) {
	for _, rt := range []RunType{RunTypeScheduled, RunTypeManual, RunTypeCatchUp, RunTypeManualCatchUp, RunTypeInferred} {
		if !rt.Valid() {
			t.Errorf("RunType(%q).Valid() = false, want true", rt)
		}
	}
	if RunType("replay").Valid() {
		t.Error(`RunType("replay").Valid() = true, want false`)
	}
}

func TestRunRecord_Completed(t *testing.T) {
	var nilRecord *RunRecord
	if nilRecord.Completed() {
		t.Error("nil record should not be completed")
	}
	if !(&RunRecord{Status: RunStatusCompleted}).Completed() {
		t.Error("completed record reported not completed")
	}
}

func TestDateKey_UsesLocation(t *testing.T) {
	loc, err := LoadLocation(DefaultTimezone)
	if err != nil {
		t.Fatalf("LoadLocation() error = %v", err)
	}
	// 05:00 UTC on the 28th is still the 27th in Pacific time.
	utc := time.Date(2025, 7, 28, 5, 0, 0, 0, time.UTC)
	if got := DateKey(utc, loc); got != "2025-07-27" {
		t.Errorf("DateKey() = %q, want %q", got, "2025-07-27")
	}
}

func TestParseDateKey(t *testing.T) {
	if _, err := ParseDateKey("2025-07-27"); err != nil {
		t.Errorf("ParseDateKey(valid) error = %v", err)
	}
	for _, bad := range []string{"", "2025-7-27", "27/07/2025", "latest"} {
		_, err := ParseDateKey(bad)
		if err == nil {
			t.Errorf("ParseDateKey(%q) expected error", bad)
			continue
		}
		if e, ok := AsError(err); !ok || e.Code != ErrCodeInvalidRequest {
			t.Errorf("ParseDateKey(%q) error = %v, want invalid_request", bad, err)
		}
	}
}

func TestLoadLocation_Invalid(t *testing.T) {
	if _, err := LoadLocation("Mars/Olympus_Mons"); err == nil {
		t.Error("LoadLocation(unknown) expected error")
	}
}

func TestFormatTime(t *testing.T) {
	ts := time.Date(2025, 7, 27, 12, 30, 45, 123000000, time.UTC)
	got := FormatTime(ts)
	want := "2025-07-27T12:30:45.123Z"
	if got != want {
		t.Errorf("FormatTime() = %q, want %q", got, want)
	}
}

func TestFormatTime_NonUTC(t *testing.T) {
	loc := time.FixedZone("EST", -5*3600)
	ts := time.Date(2025, 7, 27, 12, 0, 0, 0, loc)
	got := FormatTime(ts)
	// Should be converted to UTC: 17:00
	want := "2025-07-27T17:00:00.000Z"
	if got != want {
		t.Errorf("FormatTime(non-UTC) = %q, want %q", got, want)
	}
}

