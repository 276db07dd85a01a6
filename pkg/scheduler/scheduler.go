// Cron-driven job controller for the daemon's periodic work (scan cadence,
// history retention sweep). Jobs run one at a time in the controller's own
// task; operators can trigger a job out of schedule.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/robfig/cron/v3"
)

type JobFn func(ctx context.Context, logger *log.Logger) error

type JobLastRun struct {
	Started  time.Time
	Finished time.Time
	Error    string
}

type Job struct {
	ID          string
	Description string
	Schedule    cron.Schedule
	Run         JobFn
	NextRun     time.Time
	LastRun     *JobLastRun
}

type JobSpec struct {
	ID          string      `json:"id"`
	Description string      `json:"description"`
	NextRun     time.Time   `json:"next_run"`
	LastRun     *JobLastRun `json:"last_run,omitempty"`
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func NewJob(id string, description string, scheduleSpec string, run JobFn, now time.Time) (*Job, error) {
	schedule, err := cronParser.Parse(scheduleSpec)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}

	return &Job{
		ID:          id,
		Description: description,
		Schedule:    schedule,
		Run:         run,
		NextRun:     schedule.Next(now),
	}, nil
}

type Controller struct {
	jobs    []*Job
	trigger chan string
	logger  *log.Logger
	logl    *logex.Leveled

	mu sync.Mutex // guards job NextRun/LastRun for Snapshot()
}

func New(jobs []*Job, logger *log.Logger) *Controller {
	return &Controller{
		jobs:    jobs,
		trigger: make(chan string, 4),
		logger:  logger,
		logl:    logex.Levels(logex.NonNil(logger)),
	}
}

// run a job now, regardless of its schedule. Non-blocking; unknown IDs are
// ignored by the loop.
func (c *Controller) Trigger(jobID string) {
	select {
	case c.trigger <- jobID:
	default: // trigger queue is full; queued runs already cover this one
	}
}

func (c *Controller) Snapshot() []JobSpec {
	c.mu.Lock()
	defer c.mu.Unlock()

	specs := []JobSpec{}
	for _, job := range c.jobs {
		specs = append(specs, JobSpec{
			ID:          job.ID,
			Description: job.Description,
			NextRun:     job.NextRun,
			LastRun:     job.LastRun,
		})
	}

	return specs
}

// the controller's main loop, shaped for taskrunner
func (c *Controller) Task() func(context.Context) error {
	return func(ctx context.Context) error {
		for {
			job, wait := c.earliest(time.Now())

			var timer <-chan time.Time
			if job != nil {
				timer = time.After(wait)
			}

			select {
			case <-ctx.Done():
				return nil
			case <-timer:
				c.runJob(ctx, job, job.Schedule.Next(time.Now()))
			case jobID := <-c.trigger:
				if triggered := c.byID(jobID); triggered != nil {
					// schedule position is kept - a manual run doesn't shift
					// the cadence
					c.runJob(ctx, triggered, triggered.NextRun)
				}
			}
		}
	}
}

func (c *Controller) earliest(now time.Time) (*Job, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var earliest *Job
	for _, job := range c.jobs {
		if earliest == nil || job.NextRun.Before(earliest.NextRun) {
			earliest = job
		}
	}

	if earliest == nil {
		return nil, 0
	}

	return earliest, time.Until(earliest.NextRun)
}

func (c *Controller) byID(jobID string) *Job {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, job := range c.jobs {
		if job.ID == jobID {
			return job
		}
	}

	return nil
}

func (c *Controller) runJob(ctx context.Context, job *Job, nextRun time.Time) {
	started := time.Now()

	err := job.Run(ctx, logex.Prefix(job.ID, c.logger))

	lastRun := &JobLastRun{
		Started:  started,
		Finished: time.Now(),
	}
	if err != nil {
		lastRun.Error = err.Error()
		c.logl.Error.Printf("job %s: %v", job.ID, err)
	}

	c.mu.Lock()
	job.LastRun = lastRun
	job.NextRun = nextRun
	c.mu.Unlock()
}
