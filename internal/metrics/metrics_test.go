package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCountersAccumulate(t *testing.T) {
	m := New()
	m.BlobPut(false)
	m.BlobPut(true)
	m.BlobPut(true)
	m.BlobMoved("hot", "warm", "ok", 10*time.Millisecond)
	m.BlobReclaimed(42)
	m.SweepRecord("files", "migrated")

	require.Equal(t, 1.0, testutil.ToFloat64(m.blobPuts.WithLabelValues("new")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.blobPuts.WithLabelValues("dedup")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.blobMoves.WithLabelValues("hot", "warm", "ok")))
	require.Equal(t, 42.0, testutil.ToFloat64(m.bytesReclaimed))
	require.Equal(t, 1.0, testutil.ToFloat64(m.sweepRecords.WithLabelValues("files", "migrated")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.BlobPut(true)
	m.BlobQuarantined()
	m.MaintenanceRun("prune", "succeeded", time.Second)
	m.TierBytes("hot", 1)
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.BackupSize(1024)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "strata_backup_size_bytes 1024"))
}
