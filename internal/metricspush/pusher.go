package metricspush

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
	"github.com/smallbiznis/collator/internal/config"
	"github.com/smallbiznis/collator/internal/observability/tracing"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/protoadapt"
)

const (
	ExporterRemoteWrite = "prometheus_remote_write"
	ExporterPushgateway = "prometheus_pushgateway"

	defaultPushTimeout = 5 * time.Second
)

// Pusher ships the collation metrics of a one-shot run, which ends before
// any scraper would see them.
type Pusher interface {
	Push(ctx context.Context) error
}

// New builds a pusher from config. A missing or invalid setup is logged and
// yields nil so a compile run is never blocked on metrics.
func New(cfg config.Config, gatherer prometheus.Gatherer, logger *zap.Logger) Pusher {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("collator.metricspush")

	exporter := strings.ToLower(strings.TrimSpace(cfg.MetricPush.Exporter))
	endpoint := strings.TrimSpace(cfg.MetricPush.Endpoint)
	if exporter == "" {
		return nil
	}
	if endpoint == "" {
		logger.Warn("metrics push disabled", zap.Error(errors.New("METRICS_PUSH_ENDPOINT is required")))
		return nil
	}

	switch exporter {
	case ExporterRemoteWrite:
		if _, err := url.ParseRequestURI(endpoint); err != nil {
			logger.Warn("metrics push disabled", zap.Error(fmt.Errorf("invalid METRICS_PUSH_ENDPOINT: %w", err)))
			return nil
		}
		return NewRemoteWritePusher(endpoint, cfg.MetricPush.AuthToken, gatherer)
	case ExporterPushgateway:
		return NewPushgatewayPusher(endpoint, cfg.AppName, gatherer, map[string]string{
			"environment": strings.TrimSpace(cfg.Environment),
		})
	default:
		logger.Warn("metrics push disabled", zap.String("exporter", exporter))
		return nil
	}
}

// RemoteWritePusher sends samples to a Prometheus remote_write endpoint.
type RemoteWritePusher struct {
	endpoint   string
	authToken  string
	gatherer   prometheus.Gatherer
	httpClient *http.Client
	now        func() time.Time
}

func NewRemoteWritePusher(endpoint, authToken string, gatherer prometheus.Gatherer) *RemoteWritePusher {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &RemoteWritePusher{
		endpoint:  endpoint,
		authToken: strings.TrimSpace(authToken),
		gatherer:  gatherer,
		httpClient: tracing.WrapHTTPClient(&http.Client{
			Timeout: defaultPushTimeout,
		}),
		now: time.Now,
	}
}

func (p *RemoteWritePusher) Push(ctx context.Context) error {
	if p == nil {
		return nil
	}

	families, err := p.gatherer.Gather()
	if err != nil {
		return err
	}
	series := buildRemoteWriteSeries(families, p.now().UnixMilli())
	if len(series) == 0 {
		return nil
	}

	req := &prompb.WriteRequest{Timeseries: series}
	payload, err := proto.Marshal(protoadapt.MessageV2Of(req))
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(snappy.Encode(nil, payload)))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	httpReq.Header.Set("Content-Encoding", "snappy")
	httpReq.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if p.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.authToken)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("remote write returned %s", resp.Status)
	}
	return nil
}

// PushgatewayPusher replaces the job's group on a Prometheus Pushgateway.
type PushgatewayPusher struct {
	endpoint string
	job      string
	gatherer prometheus.Gatherer
	grouping map[string]string
}

func NewPushgatewayPusher(endpoint, job string, gatherer prometheus.Gatherer, grouping map[string]string) *PushgatewayPusher {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &PushgatewayPusher{
		endpoint: endpoint,
		job:      strings.TrimSpace(job),
		gatherer: gatherer,
		grouping: grouping,
	}
}

func (p *PushgatewayPusher) Push(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if p.job == "" {
		return errors.New("pushgateway job is required")
	}

	pusher := push.New(p.endpoint, p.job).Gatherer(p.gatherer)
	for key, value := range p.grouping {
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		pusher = pusher.Grouping(key, value)
	}
	return pusher.PushContext(ctx)
}

// buildRemoteWriteSeries flattens counters, gauges and histogram sum/count
// into one sample per series.
func buildRemoteWriteSeries(families []*dto.MetricFamily, timestampMs int64) []prompb.TimeSeries {
	var series []prompb.TimeSeries
	add := func(name string, metric *dto.Metric, value float64) {
		labels := make([]prompb.Label, 0, len(metric.GetLabel())+1)
		labels = append(labels, prompb.Label{Name: "__name__", Value: name})
		for _, label := range metric.GetLabel() {
			labels = append(labels, prompb.Label{Name: label.GetName(), Value: label.GetValue()})
		}
		sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })
		series = append(series, prompb.TimeSeries{
			Labels:  labels,
			Samples: []prompb.Sample{{Value: value, Timestamp: timestampMs}},
		})
	}

	for _, family := range families {
		if family == nil {
			continue
		}
		name := family.GetName()
		for _, metric := range family.GetMetric() {
			if metric == nil {
				continue
			}
			switch family.GetType() {
			case dto.MetricType_COUNTER:
				if metric.GetCounter() != nil {
					add(name, metric, metric.GetCounter().GetValue())
				}
			case dto.MetricType_GAUGE:
				if metric.GetGauge() != nil {
					add(name, metric, metric.GetGauge().GetValue())
				}
			case dto.MetricType_HISTOGRAM:
				if h := metric.GetHistogram(); h != nil {
					add(name+"_sum", metric, h.GetSampleSum())
					add(name+"_count", metric, float64(h.GetSampleCount()))
				}
			}
		}
	}
	return series
}
