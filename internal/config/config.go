package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"inkcal/internal/fault"
)

// Calendar kinds.
const (
	KindGoogle = "google"
	KindICS    = "ics"
)

// CalendarConfig describes one configured calendar.
type CalendarConfig struct {
	// Name is the display category (e.g. a family member).
	Name string `yaml:"name" json:"name"`
	// ID is the remote calendar id for google, or a local label for ics.
	ID string `yaml:"id" json:"id"`
	// Kind is "google" (default) or "ics".
	Kind string `yaml:"kind" json:"kind"`
	// URL is the feed endpoint for ics calendars.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
}

// GoogleConfig points at the OAuth client and token files.
type GoogleConfig struct {
	CredentialsPath string `yaml:"credentials_path" json:"credentials_path"`
	TokenPath       string `yaml:"token_path" json:"token_path"`
}

// RateLimitConfig bounds remote calls on the client side. PerMinute <= 0
// disables limiting.
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute" json:"per_minute"`
	Burst     int `yaml:"burst" json:"burst"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration. It is built once at
// startup and passed down explicitly.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA reference timezone (e.g. "America/Los_Angeles").
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is a standard 5-field cron spec for periodic sync cycles.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// DBPath is the SQLite cache file.
	DBPath string `yaml:"db_path" json:"db_path"`

	// ICSCacheDir keeps ETag / Last-Modified validators for ICS feeds.
	ICSCacheDir string `yaml:"ics_cache_dir" json:"ics_cache_dir"`

	// FetchDays is the number of days fetched from the start of today.
	FetchDays int `yaml:"fetch_days" json:"fetch_days"`
	// BackfillDays extends the fetch window into the past.
	BackfillDays int `yaml:"backfill_days" json:"backfill_days"`

	FetchTimeoutSec  int `yaml:"fetch_timeout_sec" json:"fetch_timeout_sec"`
	CycleDeadlineSec int `yaml:"cycle_deadline_sec" json:"cycle_deadline_sec"`
	MaxParallel      int `yaml:"max_parallel" json:"max_parallel"`

	// RetentionDays is the default age cutoff for `inkcal prune`.
	RetentionDays int `yaml:"retention_days" json:"retention_days"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	Google    GoogleConfig     `yaml:"google" json:"google"`
	RateLimit RateLimitConfig  `yaml:"rate_limit" json:"rate_limit"`
	Calendars []CalendarConfig `yaml:"calendars" json:"calendars"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen        = "127.0.0.1:8080"
	defaultTimezone      = "America/Los_Angeles"
	defaultRefresh       = "*/15 * * * *"
	defaultDBPath        = "/var/lib/inkcal/events.db"
	defaultICSCacheDir   = "/var/lib/inkcal/ics-cache"
	defaultFetchDays     = 42
	defaultFetchTimeout  = 20
	defaultCycleDeadline = 90
	defaultMaxParallel   = 4
	defaultRetentionDays = 30
)

// DefaultConfig returns an in-memory default configuration. The sample
// calendar id is a placeholder and is reported as misconfigured until edited.
func DefaultConfig() *Config {
	return &Config{
		Listen:           defaultListen,
		Timezone:         defaultTimezone,
		RefreshCron:      defaultRefresh,
		DBPath:           defaultDBPath,
		ICSCacheDir:      defaultICSCacheDir,
		FetchDays:        defaultFetchDays,
		FetchTimeoutSec:  defaultFetchTimeout,
		CycleDeadlineSec: defaultCycleDeadline,
		MaxParallel:      defaultMaxParallel,
		RetentionDays:    defaultRetentionDays,
		LogLevel:         "info",
		Google: GoogleConfig{
			CredentialsPath: "/etc/inkcal/credentials.json",
			TokenPath:       "/etc/inkcal/token.json",
		},
		RateLimit: RateLimitConfig{PerMinute: 60, Burst: 10},
		Calendars: []CalendarConfig{
			{Name: "family", ID: "your-calendar-id@group.calendar.google.com", Kind: KindGoogle},
		},
	}
}

// Normalize fills in missing/zero values with defaults so that partially
// filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefresh
	}
	if c.DBPath == "" {
		c.DBPath = defaultDBPath
	}
	if c.ICSCacheDir == "" {
		c.ICSCacheDir = defaultICSCacheDir
	}
	if c.FetchDays <= 0 {
		c.FetchDays = defaultFetchDays
	}
	if c.BackfillDays < 0 {
		c.BackfillDays = 0
	}
	if c.FetchTimeoutSec <= 0 {
		c.FetchTimeoutSec = defaultFetchTimeout
	}
	if c.CycleDeadlineSec <= 0 {
		c.CycleDeadlineSec = defaultCycleDeadline
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = defaultMaxParallel
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = defaultRetentionDays
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Calendars == nil {
		c.Calendars = []CalendarConfig{}
	}
	for i := range c.Calendars {
		cal := &c.Calendars[i]
		cal.ID = strings.TrimSpace(cal.ID)
		cal.Kind = strings.ToLower(strings.TrimSpace(cal.Kind))
		if cal.Kind == "" {
			cal.Kind = KindGoogle
		}
		if cal.Name == "" {
			cal.Name = cal.ID
		}
	}
}

// Location resolves the reference timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fault.Configuration("", "invalid timezone %q: %v", c.Timezone, err)
	}
	return loc, nil
}

func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSec) * time.Second
}

func (c *Config) CycleDeadline() time.Duration {
	return time.Duration(c.CycleDeadlineSec) * time.Second
}

// Validate checks process-wide settings: timezone, refresh schedule and
// calendar id uniqueness. Problems with a single calendar are reported by
// CalendarConfig.Validate and do not stop the process.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		errs = append(errs, fault.Configuration("", "invalid refresh schedule %q: %v", c.RefreshCron, err))
	}
	if c.CycleDeadlineSec < c.FetchTimeoutSec {
		errs = append(errs, fault.Configuration("", "cycle_deadline_sec (%d) is shorter than fetch_timeout_sec (%d)", c.CycleDeadlineSec, c.FetchTimeoutSec))
	}

	seen := make(map[string]bool, len(c.Calendars))
	for _, cal := range c.Calendars {
		if cal.ID == "" {
			continue
		}
		if seen[cal.ID] {
			errs = append(errs, fault.Configuration(cal.ID, "duplicate calendar id"))
		}
		seen[cal.ID] = true
	}
	return errors.Join(errs...)
}

// Validate reports why a calendar cannot be fetched, or nil.
func (cal CalendarConfig) Validate() error {
	if IsPlaceholder(cal.ID) {
		return fault.Configuration(cal.ID, "calendar %q has an empty or placeholder id", cal.Name)
	}
	switch cal.Kind {
	case KindGoogle:
	case KindICS:
		u, err := url.Parse(cal.URL)
		if cal.URL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "webcal") {
			return fault.Configuration(cal.ID, "calendar %q needs an http(s) feed url", cal.Name)
		}
	default:
		return fault.Configuration(cal.ID, "calendar %q has unknown kind %q", cal.Name, cal.Kind)
	}
	return nil
}

// FeedURL returns the fetchable URL, mapping webcal:// to https://.
func (cal CalendarConfig) FeedURL() string {
	if strings.HasPrefix(strings.ToLower(cal.URL), "webcal://") {
		return "https://" + cal.URL[len("webcal://"):]
	}
	return cal.URL
}

// IsPlaceholder reports ids left at a sample value.
func IsPlaceholder(id string) bool {
	v := strings.ToLower(strings.TrimSpace(id))
	switch {
	case v == "":
		return true
	case strings.HasPrefix(v, "your-"), strings.HasPrefix(v, "your_"):
		return true
	case strings.HasPrefix(v, "<") && strings.HasSuffix(v, ">"):
		return true
	case v == "changeme" || v == "todo":
		return true
	}
	return false
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, write a default config with 0600 perms and
//     return it.
//   - Otherwise read YAML, unmarshal into Config and normalize defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".inkcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
