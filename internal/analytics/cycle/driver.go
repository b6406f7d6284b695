package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/collator/internal/analytics/compiler"
	"github.com/smallbiznis/collator/internal/analytics/domain"
	"github.com/smallbiznis/collator/internal/analytics/snapshot"
	"github.com/smallbiznis/collator/internal/clock"
	"github.com/smallbiznis/collator/internal/config"
	"github.com/smallbiznis/collator/internal/lock"
	obscontext "github.com/smallbiznis/collator/internal/observability/context"
	obslogger "github.com/smallbiznis/collator/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/collator/internal/observability/metrics"
	"github.com/smallbiznis/collator/internal/observability/tracing"
	"github.com/smallbiznis/collator/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	LockKey = "collator:cycle"

	defaultLockTTL    = 30 * time.Minute
	defaultRetryDelay = time.Minute
	releaseTimeout    = 5 * time.Second

	refreshViewSQL = `REFRESH MATERIALIZED VIEW activity_log_current_year`
)

// ErrLockHeld is returned by RunOnce when another replica owns the cycle.
var ErrLockHeld = errors.New("cycle lock held by another replica")

// Locker guards a cycle across replicas.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Config   config.Config
	Tuning   *config.CollationConfigHolder
	Cache    *snapshot.Cache
	Compiler *compiler.Compiler
	Locker   *lock.Locker `optional:"true"`
	GenID    *snowflake.Node
	Clock    clock.Clock
	Log      *zap.Logger
	Metrics  *obsmetrics.CollationMetrics `optional:"true"`
	Otel     *obsmetrics.Metrics          `optional:"true"`
}

// Driver runs collation cycles: fill raw snapshots, compile every period,
// purge temporary rows, then wait out the cycle floor.
type Driver struct {
	db        *gorm.DB
	tuning    *config.CollationConfigHolder
	cache     *snapshot.Cache
	compiler  *compiler.Compiler
	locker    Locker
	genID     *snowflake.Node
	clock     clock.Clock
	log       *zap.Logger
	metrics   *obsmetrics.CollationMetrics
	otel      *obsmetrics.Metrics
	zone      *time.Location
	threshold time.Time
	floor     time.Duration

	lockTTL    time.Duration
	retryDelay time.Duration

	cycle  atomic.Uint64
	status statusBoard
}

func New(p Params) (*Driver, error) {
	if p.DB == nil || p.Cache == nil || p.Compiler == nil || p.GenID == nil || p.Clock == nil || p.Log == nil {
		return nil, fmt.Errorf("%w: cycle driver dependencies missing", domain.ErrConfig)
	}
	tuning := p.Tuning
	if tuning == nil {
		tuning = config.NewStaticCollationConfigHolder(config.DefaultCollationTuning())
	}
	zone := p.Config.Collation.Zone
	if zone == nil {
		zone = time.UTC
	}
	d := &Driver{
		db:         p.DB,
		tuning:     tuning,
		cache:      p.Cache,
		compiler:   p.Compiler,
		genID:      p.GenID,
		clock:      p.Clock,
		log:        p.Log.Named("collator.cycle"),
		metrics:    p.Metrics,
		otel:       p.Otel,
		zone:       zone,
		threshold:  p.Config.Collation.Threshold,
		floor:      p.Config.Collation.CycleFloor,
		lockTTL:    defaultLockTTL,
		retryDelay: defaultRetryDelay,
	}
	if p.Locker != nil {
		d.locker = p.Locker
	}
	return d, nil
}

// Status returns the summary of the current or latest cycle.
func (d *Driver) Status() Status {
	return d.status.get()
}

// RunForever runs cycles until ctx is cancelled. A cycle that finishes
// early waits out the rest of the floor; a failed cycle is retried after a
// short delay instead.
func (d *Driver) RunForever(ctx context.Context) {
	for {
		start := d.clock.Now()
		_, err := d.RunOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		wait := d.floor - d.clock.Now().Sub(start)
		if err != nil && !errors.Is(err, ErrLockHeld) {
			d.log.Warn("collation cycle failed", zap.Error(err))
			wait = min(wait, d.retryDelay)
		}
		if wait <= 0 {
			continue
		}
		if err := d.clock.Sleep(ctx, wait); err != nil {
			return
		}
	}
}

// RunOnce executes one full cycle.
func (d *Driver) RunOnce(parent context.Context) (status Status, err error) {
	number := d.cycle.Add(1)
	runID := d.genID.Generate().String()
	ctx := obscontext.WithRunID(obscontext.WithCycle(parent, number), runID)
	ctx, span := tracing.StartSpan(ctx, "collator.cycle", attribute.Int64("cycle", int64(number)))
	defer func() { tracing.EndSpan(span, err) }()

	log := obslogger.WithContext(ctx, d.log)
	start := d.clock.Now()
	status = Status{Cycle: number, RunID: runID, StartedAt: start, Running: true}
	d.status.set(status)
	d.metrics.IncCycleRun()
	log.Info("collation.cycle.start")

	defer func() {
		finished := d.clock.Now()
		status.Running = false
		status.FinishedAt = &finished
		if err != nil && !status.Skipped {
			status.Errors = max(status.Errors, 1)
			status.LastError = err.Error()
		}
		d.status.set(status)
		d.metrics.ObserveCycle(finished.Sub(start), finished)
		d.otel.RecordCycle(ctx, finished.Sub(start), err != nil)
		log.Info("collation.cycle.finish",
			zap.Duration("duration", finished.Sub(start)),
			zap.Int("errors", status.Errors),
			zap.Bool("skipped", status.Skipped),
		)
	}()

	if d.locker != nil {
		release, lerr := d.acquire(ctx, log)
		if lerr != nil {
			if errors.Is(lerr, ErrLockHeld) {
				status.Skipped = true
			}
			return status, lerr
		}
		defer release()
	}

	// Temporary rows of an interrupted previous cycle must not leak into this one.
	status.Purged += d.purge(ctx, log)
	d.refreshActivityView(ctx, log)

	now := d.clock.Now()
	var errs []error
	for _, period := range domain.Periods() {
		if ctx.Err() != nil {
			break
		}
		ps, perr := d.runPeriod(ctx, period, now)
		status.Periods = append(status.Periods, ps)
		if perr != nil {
			status.Errors++
			errs = append(errs, fmt.Errorf("%s: %w", period, perr))
		}
		d.status.set(status)
	}
	if ctx.Err() != nil {
		errs = append(errs, ctx.Err())
		return status, errors.Join(errs...)
	}

	status.Purged += d.purge(ctx, log)
	return status, errors.Join(errs...)
}

func (d *Driver) acquire(ctx context.Context, log *zap.Logger) (func(), error) {
	token, ok, err := d.locker.TryLock(ctx, LockKey, d.lockTTL)
	if err != nil {
		d.metrics.IncCycleError(obsmetrics.StageLock, err)
		return nil, fmt.Errorf("acquire cycle lock: %w", err)
	}
	if !ok {
		log.Info("cycle lock held elsewhere, skipping cycle")
		return nil, ErrLockHeld
	}

	keepCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.keepLock(keepCtx, token, log)
	}()

	return func() {
		stop()
		wg.Wait()
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := d.locker.Release(releaseCtx, LockKey, token); err != nil {
			log.Warn("release cycle lock failed", zap.Error(err))
		}
	}, nil
}

// keepLock extends the lock TTL on wall time, since Redis expires it on wall time.
func (d *Driver) keepLock(ctx context.Context, token string, log *zap.Logger) {
	ticker := time.NewTicker(d.lockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		held, err := d.locker.Refresh(ctx, LockKey, token, d.lockTTL)
		switch {
		case err != nil && ctx.Err() == nil:
			d.metrics.IncCycleError(obsmetrics.StageLock, err)
			log.Warn("refresh cycle lock failed", zap.Error(err))
		case err == nil && !held:
			log.Warn("cycle lock lost")
			return
		}
	}
}

func (d *Driver) purge(ctx context.Context, log *zap.Logger) int64 {
	purged, err := d.cache.ClearCachedTemporary(ctx)
	if err != nil {
		d.metrics.IncCycleError(obsmetrics.StagePurge, err)
		log.Warn("purge temporary raw rows failed", zap.Error(err))
		return 0
	}
	return purged
}

// refreshActivityView rebuilds the current-year activity view on postgres.
func (d *Driver) refreshActivityView(ctx context.Context, log *zap.Logger) {
	if !db.IsPostgres(d.db) {
		return
	}
	err := db.RetryExec(ctx, db.DefaultRetryPolicy(), func(ctx context.Context) error {
		return d.db.WithContext(ctx).Exec(refreshViewSQL).Error
	})
	if err != nil {
		d.metrics.IncCycleError(obsmetrics.StageRefresh, err)
		log.Warn("refresh activity view failed", zap.Error(err))
	}
}

func (d *Driver) runPeriod(parent context.Context, period domain.RelativeTimePeriod, now time.Time) (ps PeriodStatus, err error) {
	ps = PeriodStatus{Period: period.String()}
	w, err := domain.Resolve(period, now, d.zone, d.threshold)
	if err != nil {
		d.metrics.IncCycleError(obsmetrics.StageResolve, err)
		ps.Error = err.Error()
		return ps, err
	}
	ps.Begin, ps.End, ps.Temporary = w.Begin, w.End, w.Temporary

	ctx := obscontext.WithPeriod(parent, period.String())
	ctx, span := tracing.StartSpan(ctx, "collator.period",
		attribute.String("period", period.String()),
		attribute.Bool("temporary", w.Temporary),
	)
	defer func() { tracing.EndSpan(span, err) }()

	log := obslogger.WithContext(ctx, d.log)
	log.Info("collation.period.start",
		zap.Time("begin", w.Begin),
		zap.Time("end", w.End),
		zap.Bool("temporary", w.Temporary),
	)

	if w.Begin.Before(w.End) {
		fetched, failed, ferr := d.fill(ctx, w, log)
		ps.Fetched, ps.FillErrors = fetched, failed
		if ferr != nil {
			ps.Error = ferr.Error()
			return ps, ferr
		}
	}

	summary, err := d.compiler.Compile(ctx, w)
	ps.Opportunities = summary.Opportunities
	ps.Cells = summary.Total()
	ps.CompileErrors = summary.Failed
	if err != nil {
		d.metrics.IncCycleError(obsmetrics.StageCompile, err)
		log.Warn("period compile failed", zap.Error(err))
		ps.Error = err.Error()
		return ps, err
	}
	return ps, nil
}

// fill ensures raw snapshots exist for every opportunity, partner, the site
// overview and search terms. Report failures are logged and counted; the
// period still compiles from whatever rows exist.
func (d *Driver) fill(ctx context.Context, w domain.Window, log *zap.Logger) (fetched, failed int, err error) {
	opps, err := d.compiler.CurrentOpportunities(ctx)
	if err != nil {
		d.metrics.IncCycleError(obsmetrics.StageRawFill, err)
		return 0, 0, fmt.Errorf("list opportunities: %w", err)
	}
	partners, err := d.compiler.Partners(ctx)
	if err != nil {
		d.metrics.IncCycleError(obsmetrics.StageRawFill, err)
		return 0, 0, fmt.Errorf("list partners: %w", err)
	}

	var fetchedN, failedN atomic.Int64
	record := func(ran bool, ferr error, fields ...zap.Field) {
		if ferr != nil {
			failedN.Add(1)
			d.metrics.IncCycleError(obsmetrics.StageRawFill, ferr)
			log.Warn("raw fill failed", append(fields,
				zap.String("error_type", obsmetrics.ClassifyReason(ferr)),
				zap.Bool("retryable", obsmetrics.IsRetryable(ferr)),
				zap.Error(ferr),
			)...)
			return
		}
		if ran {
			fetchedN.Add(1)
		}
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(max(d.tuning.Get().Workers, 1))
	for _, opp := range opps {
		group.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			ran, ferr := d.ensure(gctx,
				func(ctx context.Context) (bool, error) { return d.cache.IsCached(ctx, w.Begin, w.End, opp.UID) },
				func(ctx context.Context) (int, error) {
					return d.cache.CacheReport(ctx, w.Begin, w.End, snapshot.Filter{Opportunity: opp.UID}, w.Temporary)
				},
			)
			record(ran, ferr, zap.String("opportunity_uid", opp.UID.String()))
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return int(fetchedN.Load()), int(failedN.Load()), err
	}

	for _, partner := range partners {
		if err := ctx.Err(); err != nil {
			return int(fetchedN.Load()), int(failedN.Load()), err
		}
		ran, ferr := d.ensure(ctx,
			func(ctx context.Context) (bool, error) { return d.cache.IsPartnerCached(ctx, w.Begin, w.End, partner.UID) },
			func(ctx context.Context) (int, error) {
				return d.cache.CacheReport(ctx, w.Begin, w.End, snapshot.Filter{Partner: partner.UID}, w.Temporary)
			},
		)
		record(ran, ferr, zap.String("partner_uid", partner.UID.String()))
	}

	ran, ferr := d.ensure(ctx,
		func(ctx context.Context) (bool, error) { return d.cache.IsOverviewCached(ctx, w.Begin, w.End) },
		func(ctx context.Context) (int, error) { return d.cache.CacheOverview(ctx, w.Begin, w.End, w.Temporary) },
	)
	record(ran, ferr, zap.String("report", "overview"))

	ran, ferr = d.ensure(ctx,
		func(ctx context.Context) (bool, error) { return d.cache.IsSearchTermsCached(ctx, w.Begin, w.End) },
		func(ctx context.Context) (int, error) { return d.cache.CacheSearchTerms(ctx, w.Begin, w.End, w.Temporary) },
	)
	record(ran, ferr, zap.String("report", "search_terms"))

	return int(fetchedN.Load()), int(failedN.Load()), ctx.Err()
}

// ensure runs fetch unless cached reports the window as already stored.
func (d *Driver) ensure(ctx context.Context, cached func(context.Context) (bool, error), fetch func(context.Context) (int, error)) (bool, error) {
	ok, err := cached(ctx)
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}
	_, err = fetch(ctx)
	return true, err
}
