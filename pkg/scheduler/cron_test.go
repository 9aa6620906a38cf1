/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package scheduler

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, layout, value string) time.Time {
	t.Helper()
	tm, err := time.Parse(layout, value)
	if err != nil {
		t.Fatalf("time.Parse(%q) error: %v", value, err)
	}
	return tm
}

func TestParseCron_HourlyAlias(t *testing.T) {
	cs, err := ParseCron("@hourly")
	if err != nil {
		t.Fatalf("ParseCron() error: %v", err)
	}
	after := mustParse(t, time.RFC3339, "2026-07-31T10:15:00Z")
	next, err := cs.Next(after)
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	want := after.Add(time.Hour)
	if !next.Equal(want) {
		t.Errorf("Next() = %v, want %v", next, want)
	}
}

func TestParseCron_RejectsWrongFieldCount(t *testing.T) {
	if _, err := ParseCron("* * *"); err == nil {
		t.Fatal("expected error for malformed expression")
	}
}

func TestCronSchedule_EveryMinute(t *testing.T) {
	cs, err := ParseCron("* * * * *")
	if err != nil {
		t.Fatalf("ParseCron() error: %v", err)
	}
	after := mustParse(t, time.RFC3339, "2026-07-31T10:15:30Z")
	next, err := cs.Next(after)
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	want := mustParse(t, time.RFC3339, "2026-07-31T10:16:00Z")
	if !next.Equal(want) {
		t.Errorf("Next() = %v, want %v", next, want)
	}
}

func TestCronSchedule_DailyAtFixedTime(t *testing.T) {
	cs, err := ParseCron("30 4 * * *")
	if err != nil {
		t.Fatalf("ParseCron() error: %v", err)
	}
	after := mustParse(t, time.RFC3339, "2026-07-31T10:15:00Z")
	next, err := cs.Next(after)
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	want := mustParse(t, time.RFC3339, "2026-08-01T04:30:00Z")
	if !next.Equal(want) {
		t.Errorf("Next() = %v, want %v", next, want)
	}
}

func TestCronSchedule_StepValues(t *testing.T) {
	cs, err := ParseCron("*/15 * * * *")
	if err != nil {
		t.Fatalf("ParseCron() error: %v", err)
	}
	after := mustParse(t, time.RFC3339, "2026-07-31T10:16:00Z")
	next, err := cs.Next(after)
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	want := mustParse(t, time.RFC3339, "2026-07-31T10:30:00Z")
	if !next.Equal(want) {
		t.Errorf("Next() = %v, want %v", next, want)
	}
}

func TestCronSchedule_WeekdaysOnly(t *testing.T) {
	// Friday 2026-07-31 is a weekday; next run should be Monday 2026-08-03
	// at 09:00 when requested after Friday's own 09:00 run.
	cs, err := ParseCron("0 9 * * 1-5")
	if err != nil {
		t.Fatalf("ParseCron() error: %v", err)
	}
	after := mustParse(t, time.RFC3339, "2026-07-31T09:00:00Z")
	next, err := cs.Next(after)
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	want := mustParse(t, time.RFC3339, "2026-08-03T09:00:00Z")
	if !next.Equal(want) {
		t.Errorf("Next() = %v, want %v", next, want)
	}
}

func TestCronSchedule_DomDowUnionWhenBothRestricted(t *testing.T) {
	// Standard cron semantics: when both dom and dow are restricted, match
	// on either. 1st-of-month OR Sunday.
	cs, err := ParseCron("0 0 1 * 0")
	if err != nil {
		t.Fatalf("ParseCron() error: %v", err)
	}
	after := mustParse(t, time.RFC3339, "2026-07-31T00:00:00Z") // Friday
	next, err := cs.Next(after)
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	// 2026-08-01 is a Saturday but matches dom=1; it is earlier than the
	// next Sunday (2026-08-02), so it wins.
	want := mustParse(t, time.RFC3339, "2026-08-01T00:00:00Z")
	if !next.Equal(want) {
		t.Errorf("Next() = %v, want %v", next, want)
	}
}

func TestParseCron_RejectsInvalidField(t *testing.T) {
	if _, err := ParseCron("60 * * * *"); err == nil {
		t.Fatal("expected error for out-of-range minute")
	}
}
