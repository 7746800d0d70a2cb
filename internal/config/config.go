package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"

	"github.com/SoarinFerret/FamilyWarden/internal/policy"
)

// EnvPrefix prefixes environment overrides, e.g. FAMILYWARDEN_DATABASE.
const EnvPrefix = "FAMILYWARDEN"

// Duration is a time.Duration written as "90m" or "1h30m" in TOML and env.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }

// TimeRange is an allowed window written as "HH:MM-HH:MM".
type TimeRange struct {
	Start policy.ClockTime
	End   policy.ClockTime
}

func (tr *TimeRange) UnmarshalText(text []byte) error {
	parts := strings.Split(string(text), "-")
	if len(parts) != 2 {
		return fmt.Errorf("invalid time range format: expected 'HH:MM-HH:MM'")
	}
	w, err := policy.NewWindow(parts[0], parts[1])
	if err != nil {
		return err
	}
	tr.Start, tr.End = w.Start, w.End
	return nil
}

func (tr TimeRange) MarshalText() ([]byte, error) {
	return []byte(tr.Window().String()), nil
}

func (tr TimeRange) Window() policy.Window {
	return policy.Window{Start: tr.Start, End: tr.End}
}

func (tr TimeRange) IsEmpty() bool {
	return tr == TimeRange{}
}

// AgeGroupPolicy is the policy a new profile of that age group starts with.
type AgeGroupPolicy struct {
	DailyLimit        Duration    `toml:"daily_limit"`
	WeekendBonus      Duration    `toml:"weekend_bonus"`
	WeekdayWindows    []TimeRange `toml:"weekday_windows"`
	WeekendWindows    []TimeRange `toml:"weekend_windows"`
	AllowedApps       []string    `toml:"allowed_apps"`
	BlockedApps       []string    `toml:"blocked_apps"`
	BlockedCategories []string    `toml:"blocked_categories"`
	ExemptCategories  []string    `toml:"exempt_categories"`
	WebFiltering      *bool       `toml:"web_filtering"`
	BlockedDomains    []string    `toml:"blocked_domains"`
}

type DaemonConfig struct {
	Database    string   `toml:"database" envconfig:"DATABASE"`
	PoolSize    int      `toml:"pool_size" envconfig:"POOL_SIZE"`
	Bus         string   `toml:"bus" envconfig:"BUS"`
	LogEnv      string   `toml:"log_env" envconfig:"LOG_ENV"`
	LogLevel    string   `toml:"log_level" envconfig:"LOG_LEVEL"`
	Timezone    string   `toml:"timezone" envconfig:"TIMEZONE"`
	RPCTimeout  Duration `toml:"rpc_timeout" envconfig:"RPC_TIMEOUT"`
	MetricsAddr string   `toml:"metrics_addr" envconfig:"METRICS_ADDR"`
	Holidays    []string `toml:"holidays" ignored:"true"`
}

type AuthConfig struct {
	PasswordHash    string   `toml:"parent_password_hash" envconfig:"PARENT_PASSWORD_HASH"`
	TokenTTL        Duration `toml:"token_ttl" envconfig:"TOKEN_TTL"`
	MaxFailures     int      `toml:"max_failed_attempts" envconfig:"MAX_FAILED_ATTEMPTS"`
	FailureWindow   Duration `toml:"failure_window" envconfig:"FAILURE_WINDOW"`
	HashConcurrency int      `toml:"hash_concurrency" envconfig:"HASH_CONCURRENCY"`
}

type SchedulerConfig struct {
	WindowInterval  Duration   `toml:"window_interval" envconfig:"WINDOW_INTERVAL"`
	LimitInterval   Duration   `toml:"limit_interval" envconfig:"LIMIT_INTERVAL"`
	SummaryInterval Duration   `toml:"summary_interval" envconfig:"SUMMARY_INTERVAL"`
	IdleTimeout     Duration   `toml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	Workers         int        `toml:"workers" envconfig:"WORKERS"`
	TickTimeout     Duration   `toml:"tick_timeout" envconfig:"TICK_TIMEOUT"`
	ShutdownGrace   Duration   `toml:"shutdown_grace" envconfig:"SHUTDOWN_GRACE"`
	MaxBackoff      Duration   `toml:"max_backoff" envconfig:"MAX_BACKOFF"`
	NotifyBefore    []Duration `toml:"notify_before" ignored:"true"`
	LockScreen      *bool      `toml:"lock_screen" ignored:"true"`
}

type Config struct {
	Daemon    DaemonConfig    `toml:"daemon"`
	Auth      AuthConfig      `toml:"auth"`
	Scheduler SchedulerConfig `toml:"scheduler"`

	// Categories maps app ids to a usage category such as "games".
	Categories map[string]string         `toml:"categories"`
	AgeGroups  map[string]AgeGroupPolicy `toml:"age_groups"`

	location *time.Location
}

// SetDefault fills every unset value with its built-in default.
func (c *Config) SetDefault() {
	d := &c.Daemon
	if d.Database == "" {
		d.Database = "/var/lib/familywarden/familywarden.db"
	}
	if d.Bus == "" {
		d.Bus = "system"
	}
	if d.LogEnv == "" {
		d.LogEnv = "prod"
	}
	if d.LogLevel == "" {
		d.LogLevel = "info"
	}
	if d.RPCTimeout == 0 {
		d.RPCTimeout = Duration(5 * time.Second)
	}

	a := &c.Auth
	if a.TokenTTL == 0 {
		a.TokenTTL = Duration(15 * time.Minute)
	}
	if a.MaxFailures == 0 {
		a.MaxFailures = 5
	}
	if a.FailureWindow == 0 {
		a.FailureWindow = Duration(15 * time.Minute)
	}
	if a.HashConcurrency == 0 {
		a.HashConcurrency = 2
	}

	s := &c.Scheduler
	if s.WindowInterval == 0 {
		s.WindowInterval = Duration(30 * time.Second)
	}
	if s.LimitInterval == 0 {
		s.LimitInterval = Duration(time.Minute)
	}
	if s.SummaryInterval == 0 {
		s.SummaryInterval = Duration(15 * time.Minute)
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = Duration(5 * time.Minute)
	}
	if s.Workers == 0 {
		s.Workers = 4
	}
	if s.TickTimeout == 0 {
		s.TickTimeout = Duration(30 * time.Second)
	}
	if s.ShutdownGrace == 0 {
		s.ShutdownGrace = Duration(10 * time.Second)
	}
	if s.MaxBackoff == 0 {
		s.MaxBackoff = Duration(5 * time.Minute)
	}
	if s.NotifyBefore == nil {
		s.NotifyBefore = []Duration{Duration(10 * time.Minute), Duration(5 * time.Minute)}
	}
	if s.LockScreen == nil {
		lock := true
		s.LockScreen = &lock
	}

	if c.Categories == nil {
		c.Categories = map[string]string{}
	}
	if c.AgeGroups == nil {
		c.AgeGroups = map[string]AgeGroupPolicy{}
	}
	for group, def := range builtinAgeGroups() {
		if _, ok := c.AgeGroups[group]; !ok {
			c.AgeGroups[group] = def
		}
	}
}

func builtinAgeGroups() map[string]AgeGroupPolicy {
	on := true
	return map[string]AgeGroupPolicy{
		string(policy.AgeEarly): {
			DailyLimit:        Duration(60 * time.Minute),
			WeekendBonus:      Duration(30 * time.Minute),
			BlockedApps:       []string{"steam", "discord"},
			BlockedCategories: []string{"social", "gambling"},
			ExemptCategories:  []string{"education"},
			WebFiltering:      &on,
		},
		string(policy.AgeMiddle): {
			DailyLimit:        Duration(120 * time.Minute),
			WeekendBonus:      Duration(30 * time.Minute),
			BlockedApps:       []string{"steam"},
			BlockedCategories: []string{"gambling"},
			ExemptCategories:  []string{"education"},
			WebFiltering:      &on,
		},
		string(policy.AgeTeen): {
			DailyLimit:        Duration(180 * time.Minute),
			WeekendBonus:      Duration(30 * time.Minute),
			BlockedCategories: []string{"gambling"},
			ExemptCategories:  []string{"education"},
		},
	}
}

// ProfileDefaults returns the starting policy for a new profile of group.
func (c *Config) ProfileDefaults(group policy.AgeGroup) policy.Config {
	g, ok := c.AgeGroups[string(group)]
	if !ok {
		g = builtinAgeGroups()[string(group)]
	}
	var out policy.Config
	out.ScreenTime.DailyLimitMinutes = int(g.DailyLimit.D() / time.Minute)
	out.ScreenTime.WeekendBonusMinutes = int(g.WeekendBonus.D() / time.Minute)
	out.ScreenTime.ExemptCategories = append([]string{}, g.ExemptCategories...)
	for _, tr := range g.WeekdayWindows {
		// windows from config are validated on load; overlaps are skipped
		_ = out.ScreenTime.Windows.Add(policy.Weekday, tr.Window())
	}
	for _, tr := range g.WeekendWindows {
		_ = out.ScreenTime.Windows.Add(policy.Weekend, tr.Window())
	}
	out.Applications.Allowed = append([]string{}, g.AllowedApps...)
	out.Applications.Blocked = append([]string{}, g.BlockedApps...)
	out.Applications.BlockedCategories = append([]string{}, g.BlockedCategories...)
	out.WebFiltering.Enabled = g.WebFiltering != nil && *g.WebFiltering
	out.WebFiltering.BlockedDomains = append([]string{}, g.BlockedDomains...)
	return out
}

// Category returns the usage category of app, or "" when unknown.
func (c *Config) Category(app string) string {
	return c.Categories[strings.ToLower(app)]
}

// Location is the time zone calendar days are computed in.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.Local
	}
	return c.location
}

func (c *Config) NotifyBefore() []time.Duration {
	out := make([]time.Duration, 0, len(c.Scheduler.NotifyBefore))
	for _, d := range c.Scheduler.NotifyBefore {
		out = append(out, d.D())
	}
	return out
}

func (c *Config) validate() error {
	if c.Daemon.Timezone != "" {
		loc, err := time.LoadLocation(c.Daemon.Timezone)
		if err != nil {
			return fmt.Errorf("invalid timezone %q: %w", c.Daemon.Timezone, err)
		}
		c.location = loc
	}
	for _, h := range c.Daemon.Holidays {
		if _, err := time.Parse(time.DateOnly, h); err != nil {
			return fmt.Errorf("invalid holiday %q: expected YYYY-MM-DD", h)
		}
	}
	for group := range c.AgeGroups {
		if _, err := policy.ParseAgeGroup(group); err != nil {
			return err
		}
	}
	lowered := make(map[string]string, len(c.Categories))
	for app, cat := range c.Categories {
		lowered[strings.ToLower(app)] = cat
	}
	c.Categories = lowered
	return nil
}

// LoadConfigFromFile reads path, applies environment overrides and fills
// defaults. A missing file yields the defaults.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return LoadConfigFromBytes(data)
}

func LoadConfigFromBytes(data []byte) (*Config, error) {
	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	for _, section := range []any{&config.Daemon, &config.Auth, &config.Scheduler} {
		if err := envconfig.Process(EnvPrefix, section); err != nil {
			return nil, fmt.Errorf("environment overrides: %w", err)
		}
	}
	config.SetDefault()
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}
