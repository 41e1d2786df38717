package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/hwuu/pylon/internal/keystore"
	"github.com/hwuu/pylon/internal/metrics"
	"github.com/hwuu/pylon/internal/queue"
)

func admitOK() (bool, string) { return true, "" }

func TestAdmitsOnWake(t *testing.T) {
	q := queue.New(10)
	ctx := context.Background()

	done := make(chan queue.Result, 1)
	go func() {
		done <- q.Wait(ctx, "user-1", keystore.PriorityNormal, time.Second, admitOK)
	}()

	// give the waiter a moment to enqueue, then release a slot.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, q.Size())
	q.Wake()

	res := <-done
	require.Equal(t, queue.OutcomeAdmitted, res.Outcome)
	require.Equal(t, 0, q.Size())
}

func TestHigherPriorityAdmittedFirst(t *testing.T) {
	q := queue.New(10)
	ctx := context.Background()

	lowDone := make(chan queue.Result, 1)
	go func() {
		lowDone <- q.Wait(ctx, "low", keystore.PriorityLow, 5*time.Second, admitOK)
	}()
	time.Sleep(10 * time.Millisecond)

	highDone := make(chan queue.Result, 1)
	go func() {
		highDone <- q.Wait(ctx, "high", keystore.PriorityHigh, 5*time.Second, admitOK)
	}()
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 2, q.Size())

	q.Wake()
	select {
	case res := <-highDone:
		require.Equal(t, queue.OutcomeAdmitted, res.Outcome)
	case <-time.After(time.Second):
		t.Fatal("higher priority waiter should have woken first")
	}

	q.Wake()
	res := <-lowDone
	require.Equal(t, queue.OutcomeAdmitted, res.Outcome)
}

func TestTimeout(t *testing.T) {
	q := queue.New(10)
	res := q.Wait(context.Background(), "user-1", keystore.PriorityNormal, 20*time.Millisecond, admitOK)
	require.Equal(t, queue.OutcomeTimeout, res.Outcome)
	require.Equal(t, 0, q.Size())
}

func TestTimeoutAndDepthAreRecorded(t *testing.T) {
	q := queue.New(10)
	reg := prometheus.NewPedanticRegistry()
	m := metrics.New(reg)
	q.Metrics = m

	res := q.Wait(context.Background(), "user-1", keystore.PriorityNormal, 20*time.Millisecond, admitOK)
	require.Equal(t, queue.OutcomeTimeout, res.Outcome)

	require.InDelta(t, 0, testutil.ToFloat64(m.QueueDepth), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.QueueTimeouts), 0)
}

func TestCancellation(t *testing.T) {
	q := queue.New(10)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan queue.Result, 1)
	go func() {
		done <- q.Wait(ctx, "user-1", keystore.PriorityNormal, 5*time.Second, admitOK)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	res := <-done
	require.Equal(t, queue.OutcomeCancelled, res.Outcome)
	require.Equal(t, 0, q.Size())
}

func TestPreemptionWhenFull(t *testing.T) {
	q := queue.New(1)
	ctx := context.Background()

	lowDone := make(chan queue.Result, 1)
	go func() {
		lowDone <- q.Wait(ctx, "low", keystore.PriorityLow, 5*time.Second, admitOK)
	}()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, q.Size())

	highDone := make(chan queue.Result, 1)
	go func() {
		highDone <- q.Wait(ctx, "high", keystore.PriorityHigh, 5*time.Second, admitOK)
	}()

	res := <-lowDone
	require.Equal(t, queue.OutcomePreempted, res.Outcome, "the lower-priority tail entry must be evicted to make room")
	require.Equal(t, 1, q.Size())

	q.Wake()
	hi := <-highDone
	require.Equal(t, queue.OutcomeAdmitted, hi.Outcome)
}

func TestPreemptionIsRecorded(t *testing.T) {
	q := queue.New(1)
	reg := prometheus.NewPedanticRegistry()
	m := metrics.New(reg)
	q.Metrics = m
	ctx := context.Background()

	lowDone := make(chan queue.Result, 1)
	go func() {
		lowDone <- q.Wait(ctx, "low", keystore.PriorityLow, 5*time.Second, admitOK)
	}()
	time.Sleep(20 * time.Millisecond)

	highDone := make(chan queue.Result, 1)
	go func() {
		highDone <- q.Wait(ctx, "high", keystore.PriorityHigh, 5*time.Second, admitOK)
	}()

	<-lowDone
	require.InDelta(t, 1, testutil.ToFloat64(m.QueuePreemptions), 0)

	q.Wake()
	<-highDone
}

func TestQueueFullNoVictim(t *testing.T) {
	q := queue.New(1)
	ctx := context.Background()

	done := make(chan queue.Result, 1)
	go func() {
		done <- q.Wait(ctx, "high-1", keystore.PriorityHigh, 5*time.Second, admitOK)
	}()
	time.Sleep(20 * time.Millisecond)

	// a second high-priority arrival cannot preempt an equal-priority
	// entry, so it is rejected outright without ever entering the queue.
	res := q.Wait(ctx, "high-2", keystore.PriorityHigh, 5*time.Second, admitOK)
	require.Equal(t, queue.OutcomeQueueFull, res.Outcome)
	require.Equal(t, 1, q.Size())

	q.Wake()
	<-done
}

func TestRateLimitedOnWake(t *testing.T) {
	q := queue.New(10)
	ctx := context.Background()

	admitFail := func() (bool, string) { return false, "system_busy" }

	done := make(chan queue.Result, 1)
	go func() {
		done <- q.Wait(ctx, "user-1", keystore.PriorityNormal, 5*time.Second, admitFail)
	}()
	time.Sleep(20 * time.Millisecond)
	q.Wake()

	res := <-done
	require.Equal(t, queue.OutcomeRateLimited, res.Outcome)
	require.Equal(t, "system_busy", res.Reason)
}

func TestEachEntryResolvesExactlyOnce(t *testing.T) {
	q := queue.New(50)
	var wg sync.WaitGroup
	results := make([]queue.Result, 50)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()
			results[i] = q.Wait(ctx, "user-1", keystore.PriorityNormal, 200*time.Millisecond, admitOK)
		}(i)
	}

	// race several Wake calls against timeouts/cancellations.
	for i := 0; i < 50; i++ {
		go q.Wake()
	}
	wg.Wait()

	for _, res := range results {
		require.Contains(t, []queue.Outcome{
			queue.OutcomeAdmitted, queue.OutcomeTimeout, queue.OutcomeCancelled, queue.OutcomeRateLimited,
		}, res.Outcome)
	}
}
