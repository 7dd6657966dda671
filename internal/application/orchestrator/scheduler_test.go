package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/botfleet/internal/application/orchestrator"
)

func TestScheduler_StopReturnsWithoutContextCancel(t *testing.T) {
	f := newFixture(t)
	sched := orchestrator.NewScheduler(f.svc, orchestrator.SchedulerConfig{
		LifecycleCron:    "0 0 * * * *",
		DailyResetCron:   "0 0 0 * * *",
		ReallocationCron: "0 30 0 * * *",
		AnomalyInterval:  10 * time.Millisecond,
	})

	// The start context stays live the whole test: Stop alone must be
	// enough to drain the anomaly loop.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sched.Start(ctx))
	time.Sleep(25 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		sched.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while the start context was still live")
	}

	// A second Stop is a no-op, not a panic or a hang.
	sched.Stop()
}
