package sweeper

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/cryptohub-academy/enrollment-api/pkg/config"
)

type countingExpirer struct {
	calls int32
}

func (c *countingExpirer) ExpireStale(ctx context.Context, grace time.Duration, limit int) (int, error) {
	atomic.AddInt32(&c.calls, 1)
	return 1, nil
}

func TestSweeperRunsImmediatelyAndOnTicks(t *testing.T) {
	exp := &countingExpirer{}
	s := New(exp, config.SweepConfig{Interval: 10 * time.Millisecond, GracePeriod: time.Hour}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&exp.calls) >= 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	s.Wait()
	after := atomic.LoadInt32(&exp.calls)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&exp.calls))
}

func TestSweeperStopsOnCancel(t *testing.T) {
	exp := &countingExpirer{}
	s := New(exp, config.SweepConfig{Interval: time.Hour, GracePeriod: time.Hour}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
