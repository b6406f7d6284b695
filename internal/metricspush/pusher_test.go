package metricspush

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/prompb"
	"github.com/smallbiznis/collator/internal/config"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewDisabledWithoutExporter(t *testing.T) {
	require.Nil(t, New(config.Config{}, prometheus.NewRegistry(), zap.NewNop()))
	require.Nil(t, New(config.Config{MetricPush: config.MetricPushConfig{Exporter: ExporterRemoteWrite}}, nil, nil))
	require.Nil(t, New(config.Config{MetricPush: config.MetricPushConfig{Exporter: "statsd", Endpoint: "http://x"}}, nil, nil))
}

func TestRemoteWritePush(t *testing.T) {
	registry := prometheus.NewRegistry()
	cells := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "collator_cells_upserted_total"}, []string{"kind"})
	cells.WithLabelValues("opportunity").Add(27)
	cycle := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "collator_cycle_duration_seconds"})
	cycle.Observe(12)
	registry.MustRegister(cells, cycle)

	var (
		got    prompb.WriteRequest
		header http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		raw, err := snappy.Decode(nil, body)
		require.NoError(t, err)
		require.NoError(t, got.Unmarshal(raw))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := config.Config{MetricPush: config.MetricPushConfig{
		Exporter:  ExporterRemoteWrite,
		Endpoint:  srv.URL,
		AuthToken: "secret",
	}}
	pusher := New(cfg, registry, zap.NewNop())
	require.NotNil(t, pusher)
	rw := pusher.(*RemoteWritePusher)
	rw.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }

	require.NoError(t, pusher.Push(context.Background()))

	require.Equal(t, "Bearer secret", header.Get("Authorization"))
	require.Equal(t, "snappy", header.Get("Content-Encoding"))

	values := map[string]float64{}
	for _, ts := range got.Timeseries {
		for _, l := range ts.Labels {
			if l.Name == "__name__" {
				values[l.Value] = ts.Samples[0].Value
			}
		}
		require.EqualValues(t, 1_700_000_000_000, ts.Samples[0].Timestamp)
	}
	require.Equal(t, 27.0, values["collator_cells_upserted_total"])
	require.Equal(t, 12.0, values["collator_cycle_duration_seconds_sum"])
	require.Equal(t, 1.0, values["collator_cycle_duration_seconds_count"])
}

func TestRemoteWritePushReportsStatus(t *testing.T) {
	registry := prometheus.NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "collator_last_cycle"})
	gauge.Set(1)
	registry.MustRegister(gauge)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewRemoteWritePusher(srv.URL, "", registry).Push(context.Background())
	require.ErrorContains(t, err, "502")
}
