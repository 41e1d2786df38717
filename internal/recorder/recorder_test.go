package recorder_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/hwuu/pylon/internal/metrics"
	"github.com/hwuu/pylon/internal/recorder"
	"github.com/hwuu/pylon/internal/storage"
)

func TestDropsOldestWhenFull(t *testing.T) {
	r := recorder.New(nil, 2, 10, time.Hour, zerolog.Nop())
	defer r.Stop()

	r.Record(recorder.Record{IdentityID: "a"})
	r.Record(recorder.Record{IdentityID: "b"})
	r.Record(recorder.Record{IdentityID: "c"}) // "a" should be dropped

	require.Eventually(t, func() bool { return r.Dropped() == 1 }, time.Second, time.Millisecond)
}

func TestDroppedRecordsAreCounted(t *testing.T) {
	r := recorder.New(nil, 2, 10, time.Hour, zerolog.Nop())
	reg := prometheus.NewPedanticRegistry()
	m := metrics.New(reg)
	r.Metrics = m
	defer r.Stop()

	r.Record(recorder.Record{IdentityID: "a"})
	r.Record(recorder.Record{IdentityID: "b"})
	r.Record(recorder.Record{IdentityID: "c"})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.RequestsDroppedTotal) == 1
	}, time.Second, time.Millisecond)
}

func TestFlushesToDatabase(t *testing.T) {
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	r := recorder.New(db.Write, 100, 1, 20*time.Millisecond, zerolog.Nop())
	r.Record(recorder.Record{
		IdentityID: "user-1",
		API:        "GET /v1/x",
		Status:     200,
		StartTime:  time.Now(),
		Duration:   50 * time.Millisecond,
		ClientAddr: "127.0.0.1",
	})
	r.Stop()

	var count int
	err = db.Read.QueryRow(`SELECT COUNT(*) FROM request_log WHERE identity_id = ?`, "user-1").Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
