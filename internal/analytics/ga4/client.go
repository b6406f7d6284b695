package ga4

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/smallbiznis/collator/internal/analytics/domain"
	"github.com/smallbiznis/collator/internal/clock"
	obsmetrics "github.com/smallbiznis/collator/internal/observability/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	analyticsdata "google.golang.org/api/analyticsdata/v1beta"
	"google.golang.org/api/googleapi"
)

const (
	DefaultPageSize    int64 = 100_000
	DefaultCallTimeout       = 120 * time.Second

	dailyTokenQuota  = 25_000
	hourlyTokenQuota = 5_000
)

// Runner issues a single RunReport call.
type Runner interface {
	RunReport(ctx context.Context, property string, req *analyticsdata.RunReportRequest) (*analyticsdata.RunReportResponse, error)
}

type Config struct {
	Property          string
	PageSize          int64
	CallTimeout       time.Duration
	Zone              *time.Location
	RequestsPerSecond float64
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.Zone == nil {
		c.Zone = time.UTC
	}
	return c
}

// Client retrieves paginated, quota-throttled reports.
type Client struct {
	runner  Runner
	cfg     Config
	clock   clock.Clock
	log     *zap.Logger
	metrics *obsmetrics.CollationMetrics
	breaker *gobreaker.CircuitBreaker[*analyticsdata.RunReportResponse]
	limiter *rate.Limiter
}

func NewClient(runner Runner, cfg Config, clk clock.Clock, log *zap.Logger, metrics *obsmetrics.CollationMetrics) *Client {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("collator.ga4")

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	breaker := gobreaker.NewCircuitBreaker[*analyticsdata.RunReportResponse](gobreaker.Settings{
		Name:        "ga4.run_report",
		MaxRequests: 1,
		Timeout:     5 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// quota rejections and cancellations say nothing about provider health
			return err == nil || errors.Is(err, domain.ErrQuotaExceeded) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Client{
		runner:  runner,
		cfg:     cfg,
		clock:   clk,
		log:     log,
		metrics: metrics,
		breaker: breaker,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Zone is the fixed offset used to interpret report dates.
func (c *Client) Zone() *time.Location {
	return c.cfg.Zone
}

// RunReport lazily yields every row of the report, fetching pages on demand.
// Iteration stops at the first error, which is yielded with a zero Row.
func (c *Client) RunReport(ctx context.Context, req ReportRequest) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		if !req.End.After(req.Begin) {
			yield(Row{}, fmt.Errorf("%w: empty date range %s..%s", domain.ErrInvalidPeriod, req.Begin, req.End))
			return
		}

		var offset, accumulated int64
		for {
			resp, err := c.fetch(ctx, req, offset)
			if err != nil {
				yield(Row{}, err)
				return
			}

			dims := headerNames(resp.DimensionHeaders)
			mets := metricNames(resp.MetricHeaders)
			for _, raw := range resp.Rows {
				if !yield(c.decode(raw, dims, mets), nil) {
					return
				}
			}
			accumulated += int64(len(resp.Rows))

			if err := c.throttle(ctx, resp.PropertyQuota); err != nil {
				yield(Row{}, err)
				return
			}

			if resp.RowCount <= accumulated || len(resp.Rows) == 0 {
				return
			}
			offset = accumulated
		}
	}
}

func (c *Client) fetch(ctx context.Context, req ReportRequest, offset int64) (*analyticsdata.RunReportResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	page := req.page(c.cfg.PageSize, offset, c.cfg.Zone)
	resp, err := c.breaker.Execute(func() (*analyticsdata.RunReportResponse, error) {
		resp, err := c.runner.RunReport(callCtx, c.cfg.Property, page)
		if err != nil {
			return nil, classify(err)
		}
		if resp == nil {
			return nil, fmt.Errorf("%w: empty response", domain.ErrTransport)
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %w", domain.ErrTransport, err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return resp, nil
}

// QuotaDelay converts consumed tokens into the pause owed before the next
// request: 86400/25000 s per daily token, 3600/5000 s per hourly token, whichever is larger.
func QuotaDelay(quota *analyticsdata.PropertyQuota) time.Duration {
	if quota == nil {
		return 0
	}
	var day, hour float64
	if quota.TokensPerDay != nil {
		day = float64(quota.TokensPerDay.Consumed) * (24 * 60 * 60) / dailyTokenQuota
	}
	if quota.TokensPerHour != nil {
		hour = float64(quota.TokensPerHour.Consumed) * (60 * 60) / hourlyTokenQuota
	}
	return time.Duration(max(day, hour) * float64(time.Second))
}

func (c *Client) throttle(ctx context.Context, quota *analyticsdata.PropertyQuota) error {
	delay := QuotaDelay(quota)
	if delay <= 0 {
		return nil
	}
	c.metrics.ObserveQuotaSleep(delay)
	if delay >= time.Minute {
		c.log.Info("throttling for provider quota", zap.Duration("delay", delay))
	}
	return c.clock.Sleep(ctx, delay)
}

func (c *Client) decode(raw *analyticsdata.Row, dims, mets []string) Row {
	values := make(map[string]*string, len(dims)+len(mets))
	if raw == nil {
		return NewRow(values, c.cfg.Zone)
	}
	for i, v := range raw.DimensionValues {
		if i < len(dims) && v != nil {
			value := v.Value
			values[dims[i]] = &value
		}
	}
	for i, v := range raw.MetricValues {
		if i < len(mets) && v != nil {
			value := v.Value
			values[mets[i]] = &value
		}
	}
	return NewRow(values, c.cfg.Zone)
}

func headerNames(headers []*analyticsdata.DimensionHeader) []string {
	names := make([]string, len(headers))
	for i, h := range headers {
		if h != nil {
			names[i] = h.Name
		}
	}
	return names
}

func metricNames(headers []*analyticsdata.MetricHeader) []string {
	names := make([]string, len(headers))
	for i, h := range headers {
		if h != nil {
			names[i] = h.Name
		}
	}
	return names
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || strings.Contains(apiErr.Message, "RESOURCE_EXHAUSTED") {
			return fmt.Errorf("%w: %w: %v", domain.ErrTransport, domain.ErrQuotaExceeded, err)
		}
		return fmt.Errorf("%w: status %d: %v", domain.ErrTransport, apiErr.Code, err)
	}
	return fmt.Errorf("%w: %w", domain.ErrTransport, err)
}
