package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"inkcal/internal/fault"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FetchDays != 42 || cfg.RefreshCron != "*/15 * * * *" {
		t.Errorf("unexpected defaults %+v", cfg)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("perm = %o, want 600", perm)
	}

	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(again.Calendars) != 1 || again.Calendars[0].Kind != KindGoogle {
		t.Errorf("calendars not round-tripped: %+v", again.Calendars)
	}
}

func TestLoadNormalizesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `timezone: Asia/Tokyo
calendars:
  - name: Ashi
    id: ashi@example.com
  - id: school
    kind: ICS
    url: https://example.com/school.ics
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxParallel != 4 || cfg.FetchTimeoutSec != 20 || cfg.CycleDeadlineSec != 90 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.Calendars[0].Kind != KindGoogle {
		t.Errorf("kind default = %q", cfg.Calendars[0].Kind)
	}
	if cfg.Calendars[1].Kind != KindICS || cfg.Calendars[1].Name != "school" {
		t.Errorf("ics calendar = %+v", cfg.Calendars[1])
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	loc, err := cfg.Location()
	if err != nil || loc.String() != "Asia/Tokyo" {
		t.Errorf("Location = %v, %v", loc, err)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("calendars: [oops"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidateGlobalSettings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timezone = "Mars/Olympus"
	cfg.RefreshCron = "every minute"
	cfg.Calendars = []CalendarConfig{
		{Name: "a", ID: "dup", Kind: KindGoogle},
		{Name: "b", ID: "dup", Kind: KindGoogle},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected errors")
	}
	if !fault.Is(err, fault.KindConfiguration) {
		t.Errorf("expected configuration fault, got %v", err)
	}
	for _, want := range []string{"timezone", "refresh schedule", "duplicate calendar id"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestCalendarValidate(t *testing.T) {
	tests := []struct {
		name string
		cal  CalendarConfig
		ok   bool
	}{
		{"google", CalendarConfig{Name: "ashi", ID: "ashi@gmail.com", Kind: KindGoogle}, true},
		{"placeholder", CalendarConfig{Name: "ashi", ID: "your-ashi-calendar-id@gmail.com", Kind: KindGoogle}, false},
		{"empty id", CalendarConfig{Name: "ashi", Kind: KindGoogle}, false},
		{"angle placeholder", CalendarConfig{Name: "ashi", ID: "<calendar id>", Kind: KindGoogle}, false},
		{"unknown kind", CalendarConfig{Name: "x", ID: "x", Kind: "caldav"}, false},
		{"ics without url", CalendarConfig{Name: "x", ID: "x", Kind: KindICS}, false},
		{"ics ftp url", CalendarConfig{Name: "x", ID: "x", Kind: KindICS, URL: "ftp://example.com/a.ics"}, false},
		{"ics webcal", CalendarConfig{Name: "x", ID: "x", Kind: KindICS, URL: "webcal://example.com/a.ics"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cal.Validate()
			if (err == nil) != tt.ok {
				t.Fatalf("Validate() = %v, want ok=%v", err, tt.ok)
			}
			if err != nil && !fault.Is(err, fault.KindConfiguration) {
				t.Errorf("expected configuration fault, got %v", err)
			}
		})
	}
}

func TestFeedURLMapsWebcal(t *testing.T) {
	cal := CalendarConfig{URL: "webcal://example.com/a.ics"}
	if got := cal.FeedURL(); got != "https://example.com/a.ics" {
		t.Errorf("FeedURL = %q", got)
	}
}
