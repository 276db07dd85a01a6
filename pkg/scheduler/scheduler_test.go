package scheduler

import (
	"context"
	"log"
	"sync/atomic"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
	"github.com/function61/gokit/logex"
)

var t0 = time.Date(2025, 11, 3, 12, 0, 0, 0, time.UTC)

func TestNewJobParsesSchedules(t *testing.T) {
	noop := func(ctx context.Context, logger *log.Logger) error { return nil }

	everyMinute, err := NewJob("tick", "scan cadence", "@every 1m", noop, t0)
	assert.Ok(t, err)
	assert.Assert(t, everyMinute.NextRun.Equal(t0.Add(time.Minute)))

	nightly, err := NewJob("sweep", "retention sweep", "0 0 * * *", noop, t0)
	assert.Ok(t, err)
	assert.Assert(t, nightly.NextRun.Equal(time.Date(2025, 11, 4, 0, 0, 0, 0, time.UTC)))

	_, err = NewJob("broken", "", "not a schedule", noop, t0)
	assert.Assert(t, err != nil)
}

func TestControllerRunsDueJobs(t *testing.T) {
	runs := int64(0)

	job, err := NewJob("tick", "test", "@every 1s", func(ctx context.Context, logger *log.Logger) error {
		atomic.AddInt64(&runs, 1)
		return nil
	}, time.Now())
	assert.Ok(t, err)

	controller := New([]*Job{job}, logex.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()

	assert.Ok(t, controller.Task()(ctx))

	assert.Assert(t, atomic.LoadInt64(&runs) >= 2)

	specs := controller.Snapshot()
	assert.Assert(t, len(specs) == 1)
	assert.Assert(t, specs[0].LastRun != nil)
	assert.EqualString(t, specs[0].LastRun.Error, "")
}

func TestTriggerRunsOutOfSchedule(t *testing.T) {
	runs := int64(0)

	// far-future schedule: only the trigger can make it run
	job, err := NewJob("manual", "test", "0 0 1 1 *", func(ctx context.Context, logger *log.Logger) error {
		atomic.AddInt64(&runs, 1)
		return nil
	}, time.Now())
	assert.Ok(t, err)

	controller := New([]*Job{job}, logex.Discard)
	controller.Trigger("manual")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.Ok(t, controller.Task()(ctx))

	assert.Assert(t, atomic.LoadInt64(&runs) == 1)
}

func TestJobErrorIsRecorded(t *testing.T) {
	job, err := NewJob("failing", "test", "@every 1s", func(ctx context.Context, logger *log.Logger) error {
		return context.DeadlineExceeded
	}, time.Now())
	assert.Ok(t, err)

	controller := New([]*Job{job}, logex.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	assert.Ok(t, controller.Task()(ctx))

	specs := controller.Snapshot()
	assert.Assert(t, specs[0].LastRun != nil)
	assert.EqualString(t, specs[0].LastRun.Error, "context deadline exceeded")
}
