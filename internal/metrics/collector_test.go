package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/mogilefs/pkg/errors"
	"github.com/objectfs/mogilefs/pkg/logging"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	c, err := NewCollector(cfg, logging.Nop())
	require.NoError(t, err)
	return c
}

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("nil config uses defaults", func(t *testing.T) {
		c, err := NewCollector(nil, nil)
		require.NoError(t, err)
		assert.Equal(t, ":9090", c.config.Addr)
		assert.Equal(t, "/metrics", c.config.Path)
		assert.Equal(t, "mogilefs", c.config.Namespace)
		assert.NotNil(t, c.Registry())
	})

	t.Run("disabled collector records nothing", func(t *testing.T) {
		c, err := NewCollector(&Config{Enabled: false}, logging.Nop())
		require.NoError(t, err)
		assert.Nil(t, c.Registry())

		c.RecordOperation("delete", time.Millisecond, true)
		c.RecordRetry("delete")
		c.RecordPool(1, 2)
		assert.Empty(t, c.GetMetrics())

		addr, err := c.Start(context.Background())
		require.NoError(t, err)
		assert.Empty(t, addr)
	})
}

func TestRecordOperation(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)

	c.RecordOperation("get_paths", 10*time.Millisecond, true)
	c.RecordOperation("get_paths", 30*time.Millisecond, false)
	c.RecordRetry("get_paths")
	c.RecordFailover("get_file")

	ops := c.GetMetrics()
	require.Contains(t, ops, "get_paths")
	assert.Equal(t, int64(2), ops["get_paths"].Count)
	assert.Equal(t, int64(1), ops["get_paths"].Errors)
	assert.Equal(t, int64(1), ops["get_paths"].Retries)
	assert.Equal(t, 20*time.Millisecond, ops["get_paths"].AvgDuration)
	assert.Equal(t, int64(1), ops["get_file"].Failovers)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.operationCounter.WithLabelValues("get_paths", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.operationCounter.WithLabelValues("get_paths", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.retryCounter.WithLabelValues("get_paths")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.failoverCounter.WithLabelValues("get_file")))

	c.ResetMetrics()
	assert.Empty(t, c.GetMetrics())
	assert.Equal(t, 1.0, testutil.ToFloat64(c.retryCounter.WithLabelValues("get_paths")))
}

func TestRecordBytesAndPool(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)

	c.RecordBytes("upload", 100)
	c.RecordBytes("upload", 28)
	c.RecordBytes("download", 0)
	c.RecordPool(3, 5)

	assert.Equal(t, 128.0, testutil.ToFloat64(c.bytesCounter.WithLabelValues("upload")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.bytesCounter.WithLabelValues("download")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.poolActive))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.poolIdle))
}

func TestRecordError(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)

	c.RecordError("store", errors.NewError(errors.ErrCodeNoTrackers, "down"))
	c.RecordError("store", fmt.Errorf("wrapped: %w", context.DeadlineExceeded))
	c.RecordError("store", io.ErrUnexpectedEOF)
	c.RecordError("store", nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.errorCounter.WithLabelValues("store", string(errors.ErrCodeNoTrackers))))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.errorCounter.WithLabelValues("store", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.errorCounter.WithLabelValues("store", "other")))
}

func TestHandler(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)
	c.RecordOperation("delete", time.Millisecond, true)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `mogilefs_operations_total{operation="delete",status="success"} 1`)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/debug/operations")
	require.NoError(t, err)
	defer resp.Body.Close()
	var summary struct {
		Operations []struct {
			Operation string `json:"operation"`
			Count     int64  `json:"count"`
		} `json:"operations"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summary))
	require.Len(t, summary.Operations, 1)
	assert.Equal(t, "delete", summary.Operations[0].Operation)
	assert.Equal(t, int64(1), summary.Operations[0].Count)
}

func TestSetHealthHandler(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)
	c.SetHealthHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStartAndStop(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, err := c.Start(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, c.Stop(context.Background()))

	bad := DefaultConfig()
	bad.Addr = "not-an-address"
	c2, err := NewCollector(bad, logging.Nop())
	require.NoError(t, err)
	_, err = c2.Start(ctx)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "listen"))
}
