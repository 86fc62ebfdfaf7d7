// Package detector scans the recent request log and flags suspicious IPs.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/inercia/edgeguard/internal/logging"
	"github.com/inercia/edgeguard/internal/metrics"
	"github.com/inercia/edgeguard/internal/periodic"
	"github.com/inercia/edgeguard/internal/store"
)

// ReasonSensitivePath is recorded for IPs that touched a sensitive path.
const ReasonSensitivePath = "Accessed sensitive path"

// Config holds detector settings.
type Config struct {
	// Threshold flags IPs with strictly more requests than this in Window.
	Threshold int `yaml:"threshold"`
	// Window is the look-back period ending at the run time.
	Window time.Duration `yaml:"window"`
	// SensitivePaths are matched exactly against recorded paths.
	SensitivePaths []string `yaml:"sensitive_paths"`

	// Interval is the schedule used by serve. Zero disables the in-process runner.
	Interval time.Duration `yaml:"interval"`
	// RunAtStart runs once when serve starts.
	RunAtStart bool `yaml:"run_at_start"`
}

// DefaultConfig flags more than 100 requests per hour and access to /admin/ or /login/.
func DefaultConfig() Config {
	return Config{
		Threshold:      100,
		Window:         time.Hour,
		SensitivePaths: []string{"/admin/", "/login/"},
		Interval:       time.Hour,
	}
}

// Validate checks threshold and window.
func (c Config) Validate() error {
	if c.Threshold < 0 {
		return fmt.Errorf("threshold must not be negative")
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}
	if c.Interval < 0 {
		return fmt.Errorf("interval must not be negative")
	}
	return nil
}

// VolumeReason is the reason recorded for high-volume IPs, e.g. "Request volume > 100/hr".
func VolumeReason(threshold int, window time.Duration) string {
	unit := window.String()
	if window == time.Hour {
		unit = "hr"
	}
	return fmt.Sprintf("Request volume > %d/%s", threshold, unit)
}

// Report summarizes one run.
type Report struct {
	Since, Until time.Time
	// Volume and Sensitive list the IPs matched by each check, sorted.
	Volume    []string
	Sensitive []string
	// NewFlags counts rows that did not exist before this run.
	NewFlags int
}

// Detector flags IPs by request volume and by sensitive path access.
type Detector struct {
	logs    store.RequestLogStore
	flags   store.SuspiciousStore
	cfg     Config
	volume  string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Detector.
type Option func(*Detector)

// WithMetrics records flags, errors and run duration.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Detector) { d.metrics = m }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// New creates a detector reading logs and writing flags.
func New(logs store.RequestLogStore, flags store.SuspiciousStore, cfg Config, opts ...Option) *Detector {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	d := &Detector{
		logs:   logs,
		flags:  flags,
		cfg:    cfg,
		volume: VolumeReason(cfg.Threshold, cfg.Window),
		logger: logging.Detector(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run analyzes [now-Window, now]. See Analyze.
func (d *Detector) Run(ctx context.Context, now time.Time) error {
	_, err := d.Analyze(ctx, now)
	return err
}

// Analyze runs both checks over [now-Window, now] and upserts the flags.
//
// The checks are independent: a failing query in one does not skip the other,
// and a failing upsert does not stop the rest of the batch. All errors are
// joined into the returned error. Re-running over the same window creates no
// duplicate rows, so a failed run can simply be retried.
func (d *Detector) Analyze(ctx context.Context, now time.Time) (Report, error) {
	start := time.Now()
	rep := Report{Since: now.Add(-d.cfg.Window), Until: now}

	var errs []error
	if err := d.checkVolume(ctx, now, &rep); err != nil {
		errs = append(errs, err)
	}
	if err := d.checkSensitivePaths(ctx, now, &rep); err != nil {
		errs = append(errs, err)
	}

	d.metrics.DetectorRun(time.Since(start).Seconds())
	err := errors.Join(errs...)
	if err != nil {
		d.logger.Warn("detector_run_incomplete",
			"volume_ips", len(rep.Volume),
			"sensitive_ips", len(rep.Sensitive),
			"new_flags", rep.NewFlags,
			"error", err,
		)
		return rep, err
	}
	d.logger.Info("detector_run_completed",
		"since", rep.Since,
		"until", rep.Until,
		"volume_ips", len(rep.Volume),
		"sensitive_ips", len(rep.Sensitive),
		"new_flags", rep.NewFlags,
	)
	return rep, nil
}

func (d *Detector) checkVolume(ctx context.Context, now time.Time, rep *Report) error {
	counts, err := d.logs.CountByIPInRange(ctx, rep.Since, rep.Until)
	if err != nil {
		d.metrics.DetectorError()
		return fmt.Errorf("volume check: %w", err)
	}
	for ip, n := range counts {
		// Requests without a resolvable IP are logged with an empty address.
		if ip != "" && n > d.cfg.Threshold {
			rep.Volume = append(rep.Volume, ip)
		}
	}
	sort.Strings(rep.Volume)
	return d.flagAll(ctx, rep.Volume, d.volume, now, rep)
}

func (d *Detector) checkSensitivePaths(ctx context.Context, now time.Time, rep *Report) error {
	if len(d.cfg.SensitivePaths) == 0 {
		return nil
	}
	ips, err := d.logs.DistinctIPsForPaths(ctx, d.cfg.SensitivePaths, rep.Since, rep.Until)
	if err != nil {
		d.metrics.DetectorError()
		return fmt.Errorf("sensitive path check: %w", err)
	}
	for _, ip := range ips {
		if ip != "" {
			rep.Sensitive = append(rep.Sensitive, ip)
		}
	}
	return d.flagAll(ctx, rep.Sensitive, ReasonSensitivePath, now, rep)
}

func (d *Detector) flagAll(ctx context.Context, ips []string, reason string, now time.Time, rep *Report) error {
	var errs []error
	for _, ip := range ips {
		created, err := d.flags.UpsertSuspicious(ctx, store.SuspiciousIP{
			IPAddress:    ip,
			Reason:       reason,
			FirstFlagged: now,
		})
		if err != nil {
			d.metrics.DetectorError()
			errs = append(errs, fmt.Errorf("flag %s (%s): %w", ip, reason, err))
			continue
		}
		if created {
			rep.NewFlags++
			d.metrics.DetectorFlag(reason)
			d.logger.Warn("ip_flagged", "ip", ip, "reason", reason)
		}
	}
	return errors.Join(errs...)
}

// NewRunner schedules d on cfg.Interval.
func NewRunner(d *Detector, cfg Config) *periodic.Runner {
	r := periodic.New("detector", cfg.Interval, d.Run, d.logger)
	r.SetRunAtStart(cfg.RunAtStart)
	return r
}
