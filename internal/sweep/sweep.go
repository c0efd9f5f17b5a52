// Package sweep schedules the background maintenance jobs: role expiry,
// blacklist cleanup, cache garbage collection and audit retention.
package sweep

import (
	"context"
	"time"

	"github.com/robfig/cron"
	"golang.org/x/time/rate"

	"warden.org/internal/audit"
	"warden.org/internal/authz"
	"warden.org/internal/cache"
	"warden.org/internal/obs"
	"warden.org/internal/revocation"
)

// Job names used in logs and metrics.
const (
	JobExpireRoles    = "expire_roles"
	JobBlacklistGC    = "blacklist_gc"
	JobCacheGC        = "cache_gc"
	JobAuditRetention = "audit_retention"
)

const jobTimeout = 30 * time.Second

// Config carries the schedule of each job. Zero values fall back to the
// defaults; a Disabled schedule skips registration.
type Config struct {
	ExpireSpec    string
	BlacklistSpec string
	CacheGCSpec   string
	RetentionSpec string

	// AuditRetention is how long audit rows are kept. Zero disables the
	// retention job entirely.
	AuditRetention time.Duration
}

// Disabled turns a job off when used as its schedule.
const Disabled = "-"

func (c *Config) applyDefaults() {
	if c.ExpireSpec == "" {
		c.ExpireSpec = "@every 1m"
	}
	if c.BlacklistSpec == "" {
		c.BlacklistSpec = "@every 10m"
	}
	if c.CacheGCSpec == "" {
		c.CacheGCSpec = "@every 1m"
	}
	if c.RetentionSpec == "" {
		c.RetentionSpec = "@every 24h"
	}
}

// Runner owns the cron scheduler. Jobs are independent: one failing run is
// logged and retried on the next tick.
type Runner struct {
	cron     *cron.Cron
	assigns  *authz.Assignments
	registry *revocation.Registry
	local    *cache.Memory
	auditLog audit.Store
	cfg      Config

	// limit caps overall job starts so a misconfigured schedule cannot
	// hammer the store.
	limit *rate.Limiter
}

// New builds a runner over the given services. registry, local and auditLog
// may each be nil to skip their jobs.
func New(assigns *authz.Assignments, registry *revocation.Registry, local *cache.Memory, auditLog audit.Store, cfg Config) (*Runner, error) {
	cfg.applyDefaults()
	r := &Runner{
		cron:     cron.New(),
		assigns:  assigns,
		registry: registry,
		local:    local,
		auditLog: auditLog,
		cfg:      cfg,
		limit:    rate.NewLimiter(rate.Every(time.Second), 4),
	}

	if err := r.add(cfg.ExpireSpec, JobExpireRoles, r.expireRoles); err != nil {
		return nil, err
	}
	if registry != nil {
		if err := r.add(cfg.BlacklistSpec, JobBlacklistGC, r.blacklistGC); err != nil {
			return nil, err
		}
	}
	if local != nil {
		if err := r.add(cfg.CacheGCSpec, JobCacheGC, r.cacheGC); err != nil {
			return nil, err
		}
	}
	if auditLog != nil && cfg.AuditRetention > 0 {
		if err := r.add(cfg.RetentionSpec, JobAuditRetention, r.auditRetention); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Runner) add(spec, job string, fn func(ctx context.Context) (int, error)) error {
	if spec == Disabled {
		return nil
	}
	return r.cron.AddFunc(spec, func() { r.run(job, fn) })
}

func (r *Runner) run(job string, fn func(ctx context.Context) (int, error)) {
	if !r.limit.Allow() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	reaped, err := fn(ctx)
	obs.ObserveSweep(job, reaped)
	fields := map[string]any{
		"level":  "info",
		"msg":    "sweep run",
		"job":    job,
		"reaped": reaped,
	}
	if err != nil {
		fields["level"] = "error"
		fields["error"] = err.Error()
	}
	obs.LogEvent(fields)
}

func (r *Runner) expireRoles(ctx context.Context) (int, error) {
	res, err := r.assigns.ExpireRoles(ctx)
	return res.Expired, err
}

func (r *Runner) blacklistGC(ctx context.Context) (int, error) {
	return r.registry.CleanupExpired(ctx)
}

func (r *Runner) cacheGC(ctx context.Context) (int, error) {
	return r.local.GC(ctx), nil
}

func (r *Runner) auditRetention(ctx context.Context) (int, error) {
	return r.auditLog.Purge(ctx, time.Now().Add(-r.cfg.AuditRetention))
}

// Start begins running the schedule in its own goroutine.
func (r *Runner) Start() { r.cron.Start() }

// Stop halts the scheduler; running jobs finish on their own.
func (r *Runner) Stop() { r.cron.Stop() }
