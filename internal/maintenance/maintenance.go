// Package maintenance schedules the background housekeeping an orchestrator
// instance needs: expiring cached pass results, creating cost ledger
// partitions before a month rolls over, and failing runs orphaned by a
// crashed worker.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/deepthink-labs/deepthink-go/internal/platform/env"
)

// CacheSweeper deletes expired cache rows from a persistent backend.
type CacheSweeper interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// MemorySweeper drops expired entries from an in-process cache.
type MemorySweeper interface {
	Sweep(now time.Time) int
}

// PartitionProvisioner creates the ledger partitions covering now plus a
// number of future months.
type PartitionProvisioner interface {
	EnsurePartitions(ctx context.Context, now time.Time, monthsAhead int) error
}

// RunSweeper fails runs stuck in running since before the cutoff.
type RunSweeper interface {
	SweepStale(ctx context.Context, before time.Time) (int64, error)
}

type Config struct {
	CacheSweepSchedule string
	PartitionSchedule  string
	StaleRunSchedule   string

	// MaxRunAge is how long a run may sit in running before the sweeper
	// declares its worker dead.
	MaxRunAge time.Duration

	PartitionMonthsAhead int
	JobTimeout           time.Duration
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{
		CacheSweepSchedule: env.String("DEEPTHINK_MAINT_CACHE_SCHEDULE", "17 * * * *"),
		PartitionSchedule:  env.String("DEEPTHINK_MAINT_PARTITION_SCHEDULE", "40 2 * * *"),
		StaleRunSchedule:   env.String("DEEPTHINK_MAINT_STALE_RUN_SCHEDULE", "*/10 * * * *"),
	}
	var err error
	if cfg.MaxRunAge, err = env.Duration("DEEPTHINK_MAINT_MAX_RUN_AGE", 2*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.PartitionMonthsAhead, err = env.Int("DEEPTHINK_MAINT_PARTITION_MONTHS_AHEAD", 1); err != nil {
		return Config{}, err
	}
	if cfg.JobTimeout, err = env.Duration("DEEPTHINK_MAINT_JOB_TIMEOUT", 2*time.Minute); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.MaxRunAge <= 0 {
		return errors.New("max run age must be positive")
	}
	if c.PartitionMonthsAhead < 0 {
		return errors.New("partition months ahead must not be negative")
	}
	if c.JobTimeout <= 0 {
		return errors.New("job timeout must be positive")
	}
	return nil
}

// Deps are the stores the jobs act on. Ledger and Runs are required; Cache
// and Memory depend on which cache backend is wired. A redis backend expires
// its own keys, so both may be nil.
type Deps struct {
	Cache  CacheSweeper
	Memory MemorySweeper
	Ledger PartitionProvisioner
	Runs   RunSweeper
}

// Jobs owns the cron schedule. Construct with New, then Start once the
// stores are reachable and Stop during shutdown.
type Jobs struct {
	logger *slog.Logger
	cfg    Config
	cron   *cron.Cron

	cache  CacheSweeper
	memory MemorySweeper
	ledger PartitionProvisioner
	runs   RunSweeper
}

func New(logger *slog.Logger, cfg Config, deps Deps) (*Jobs, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Ledger == nil {
		return nil, errors.New("ledger partition provisioner is required")
	}
	if deps.Runs == nil {
		return nil, errors.New("run sweeper is required")
	}

	j := &Jobs{
		logger: logger,
		cfg:    cfg,
		cron:   cron.New(),
		cache:  deps.Cache,
		memory: deps.Memory,
		ledger: deps.Ledger,
		runs:   deps.Runs,
	}
	if j.cache != nil || j.memory != nil {
		if _, err := j.cron.AddFunc(cfg.CacheSweepSchedule, j.sweepCache); err != nil {
			return nil, fmt.Errorf("schedule cache sweep: %w", err)
		}
	}
	if _, err := j.cron.AddFunc(cfg.PartitionSchedule, j.provisionPartitionsJob); err != nil {
		return nil, fmt.Errorf("schedule partition provisioning: %w", err)
	}
	if _, err := j.cron.AddFunc(cfg.StaleRunSchedule, j.sweepStaleRuns); err != nil {
		return nil, fmt.Errorf("schedule stale run sweep: %w", err)
	}
	return j, nil
}

// Start provisions the current ledger partitions, then begins the schedule.
// Provisioning runs up front because a fresh deployment has no partitions at
// all and ledger appends fail until they exist.
func (j *Jobs) Start(ctx context.Context) error {
	if err := j.provisionPartitions(ctx); err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

// Stop halts the schedule and waits for any running job to finish.
func (j *Jobs) Stop() {
	<-j.cron.Stop().Done()
}

func (j *Jobs) sweepCache() {
	if j.memory != nil {
		if removed := j.memory.Sweep(time.Now()); removed > 0 {
			j.logger.Info("swept in-process cache", slog.Int("removed", removed))
		}
	}
	if j.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.JobTimeout)
	defer cancel()

	removed, err := j.cache.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		j.logger.Error("cache sweep failed", slog.String("error", err.Error()))
		return
	}
	if removed > 0 {
		j.logger.Info("swept pass cache", slog.Int64("removed", removed))
	}
}

func (j *Jobs) provisionPartitionsJob() {
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.JobTimeout)
	defer cancel()

	if err := j.provisionPartitions(ctx); err != nil {
		j.logger.Error("ledger partition provisioning failed", slog.String("error", err.Error()))
	}
}

func (j *Jobs) provisionPartitions(ctx context.Context) error {
	if err := j.ledger.EnsurePartitions(ctx, time.Now().UTC(), j.cfg.PartitionMonthsAhead); err != nil {
		return fmt.Errorf("provision ledger partitions: %w", err)
	}
	return nil
}

func (j *Jobs) sweepStaleRuns() {
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.JobTimeout)
	defer cancel()

	cutoff := time.Now().UTC().Add(-j.cfg.MaxRunAge)
	failed, err := j.runs.SweepStale(ctx, cutoff)
	if err != nil {
		j.logger.Error("stale run sweep failed", slog.String("error", err.Error()))
		return
	}
	if failed > 0 {
		j.logger.Warn("failed abandoned runs",
			slog.Int64("count", failed),
			slog.Duration("max_age", j.cfg.MaxRunAge),
		)
	}
}
