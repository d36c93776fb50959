package observability

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ratelimiter/internal/models"
	"ratelimiter/internal/ratelimit"
	"ratelimiter/internal/version"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsServer(t *testing.T) {
	metrics := models.MetricsConfig{
		Enabled: true,
		Path:    "/metrics",
		Port:    9090,
	}
	obs := models.ObservabilityConfig{
		ServiceName: "test",
		Tracing:     models.TracingConfig{Enabled: false},
	}

	provider, err := Setup(context.Background(), metrics, obs, version.Info{})
	require.NoError(t, err)
	defer provider.Shutdown(context.Background())

	ms := NewMetricsServer(metrics, provider)
	assert.NotNil(t, ms)
	assert.Equal(t, ":9090", ms.server.Addr)
}

func TestMetricsServer_ServesInstrumentedStore(t *testing.T) {
	metrics := models.MetricsConfig{Enabled: true, Path: "/metrics", Port: 9090}
	provider, err := Setup(context.Background(), metrics, models.ObservabilityConfig{ServiceName: "test"}, version.Info{Version: "test"})
	require.NoError(t, err)
	defer provider.Shutdown(context.Background())

	store := ratelimit.NewMemoryStore(ratelimit.WithCleanupInterval(0))
	defer store.Close()
	instrumented, err := NewInstrumentedStore(store)
	require.NoError(t, err)

	_, err = instrumented.RecordAndCheck(context.Background(), ratelimit.IPKey("1.2.3.4"),
		ratelimit.Policy{MaxRequests: 1, Window: time.Second}, time.Now())
	require.NoError(t, err)

	ms := NewMetricsServer(metrics, provider)
	rr := httptest.NewRecorder()
	ms.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "decisions_total")
}

func TestSetup_ExportsToDefaultGatherer(t *testing.T) {
	metrics := models.MetricsConfig{Enabled: true, Path: "/metrics", Port: 9090}
	provider, err := Setup(context.Background(), metrics, models.ObservabilityConfig{ServiceName: "test"}, version.Info{Version: "test"})
	require.NoError(t, err)
	defer provider.Shutdown(context.Background())

	store := ratelimit.NewMemoryStore(ratelimit.WithCleanupInterval(0))
	defer store.Close()
	instrumented, err := NewInstrumentedStore(store)
	require.NoError(t, err)

	policy := ratelimit.Policy{MaxRequests: 1, Window: time.Minute}
	for i := 0; i < 3; i++ {
		_, err := instrumented.RecordAndCheck(context.Background(), ratelimit.TokenKey("gather"), policy, time.Now())
		require.NoError(t, err)
	}

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	var decisions *dto.MetricFamily
	for _, mf := range families {
		if name := mf.GetName(); strings.Contains(name, "decisions") && strings.HasSuffix(name, "_total") {
			decisions = mf
		}
	}
	require.NotNil(t, decisions, "decision counter not exported")
	assert.Equal(t, dto.MetricType_COUNTER, decisions.GetType())

	var denied float64
	for _, m := range decisions.GetMetric() {
		labels := make(map[string]string)
		for _, lp := range m.GetLabel() {
			labels[strings.ReplaceAll(lp.GetName(), ".", "_")] = lp.GetValue()
		}
		if labels["ratelimit_scheme"] == "token" && labels["outcome"] == "denied" {
			denied += m.GetCounter().GetValue()
		}
	}
	assert.GreaterOrEqual(t, denied, 2.0)
}

func TestMetricsServer_StartAndShutdown(t *testing.T) {
	metrics := models.MetricsConfig{Enabled: true, Path: "/metrics"}
	obs := models.ObservabilityConfig{
		ServiceName: "test",
		Tracing:     models.TracingConfig{Enabled: false},
	}

	provider, err := Setup(context.Background(), metrics, obs, version.Info{})
	require.NoError(t, err)
	defer provider.Shutdown(context.Background())

	ms := NewMetricsServer(metrics, provider)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- ms.Serve(ln)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assert.NoError(t, ms.Shutdown(ctx))
	assert.Equal(t, http.ErrServerClosed, <-errCh)
}

func TestNewMetricsServer_NilProvider(t *testing.T) {
	ms := NewMetricsServer(models.MetricsConfig{Path: "/metrics", Port: 9090}, nil)
	require.NotNil(t, ms)

	rr := httptest.NewRecorder()
	ms.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
