package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"betsync-service/internal/config"
	"betsync-service/internal/store"
)

func TestScheduler_SkipsTriggerWhileOffline(t *testing.T) {
	fx := newFixture(t)
	fx.monitor.ReportChange(false)
	fx.enqueue(t, "bets", store.OpCreate, "b1", `{}`)

	s := NewScheduler(config.SchedulerConfig{Enabled: true, Interval: "@every 1h"}, fx.engine, fx.monitor)
	s.triggerSync("periodic")

	assert.Zero(t, fx.remote.createCalls)
}

func TestScheduler_TriggerDrainsQueue(t *testing.T) {
	fx := newFixture(t)
	fx.enqueue(t, "bets", store.OpCreate, "b1", `{}`)

	s := NewScheduler(config.SchedulerConfig{Enabled: true, Interval: "@every 1h"}, fx.engine, fx.monitor)
	s.triggerSync("periodic")

	count, err := fx.store.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Equal(t, 1, fx.remote.createCalls)
}

func TestScheduler_ReconnectTriggersSync(t *testing.T) {
	fx := newFixture(t)
	fx.monitor.ReportChange(false)
	fx.enqueue(t, "bets", store.OpCreate, "b1", `{}`)

	s := NewScheduler(config.SchedulerConfig{Enabled: true, Interval: "@every 1h"}, fx.engine, fx.monitor)
	s.Start()
	defer s.Stop()

	fx.monitor.ReportChange(true)

	// The reconnect trigger runs on its own goroutine.
	assert.Eventually(t, func() bool {
		count, err := fx.store.PendingCount(context.Background())
		return err == nil && count == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScheduler_StopWithoutStart(t *testing.T) {
	fx := newFixture(t)

	s := NewScheduler(config.SchedulerConfig{Enabled: false}, fx.engine, fx.monitor)
	s.Start()
	s.Stop()
}

func TestScheduler_StopUnsubscribesFromReconnect(t *testing.T) {
	fx := newFixture(t)
	fx.monitor.ReportChange(false)

	s := NewScheduler(config.SchedulerConfig{Enabled: true, Interval: "@every 1h"}, fx.engine, fx.monitor)
	s.Start()
	s.Stop()

	fx.enqueue(t, "bets", store.OpCreate, "b1", `{}`)
	fx.monitor.ReportChange(true)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, fx.remote.createCalls)
}
