package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"InboxDigest/internal/ports"
)

// CronScheduler fires the job on a cron expression. Standard five-field expressions and
// descriptors such as "@every 30m" or "@hourly" are accepted.
type CronScheduler struct {
	spec       string
	loc        *time.Location
	runOnStart bool

	mu      sync.Mutex
	c       *cron.Cron
	quit    chan struct{}
	stopped chan struct{}
	// jobs tracks the run-on-start job; cron tracks its own.
	jobs sync.WaitGroup
}

var _ ports.Scheduler = (*CronScheduler)(nil)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewCronScheduler validates the expression up front so a typo fails at startup.
func NewCronScheduler(spec string, loc *time.Location, runOnStart bool) (*CronScheduler, error) {
	if _, err := parser.Parse(spec); err != nil {
		return nil, fmt.Errorf("cron expression %q: %w", spec, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &CronScheduler{spec: spec, loc: loc, runOnStart: runOnStart}, nil
}

// Start registers the job and starts the cron loop. Calling Start twice, or after Stop, is
// a no-op. Cancelling ctx stops the loop the same way Stop does.
func (c *CronScheduler) Start(ctx context.Context, job func(time.Time)) error {
	if job == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.c != nil {
		return nil
	}

	cr := cron.New(cron.WithParser(parser), cron.WithLocation(c.loc), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := cr.AddFunc(c.spec, func() { job(time.Now().In(c.loc)) }); err != nil {
		return fmt.Errorf("register job: %w", err)
	}
	cr.Start()
	c.c = cr
	c.quit = make(chan struct{})

	if c.runOnStart {
		c.jobs.Add(1)
		go func() {
			defer c.jobs.Done()
			job(time.Now().In(c.loc))
		}()
	}

	quit := c.quit
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Stop(context.Background())
		case <-quit:
		}
	}()
	return nil
}

// Stop halts the cron loop and waits for every running job to return, bounded by ctx.
// Repeated calls wait on the same shutdown.
func (c *CronScheduler) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.c == nil {
		c.mu.Unlock()
		return nil
	}
	if c.stopped == nil {
		cr := c.c
		done := make(chan struct{})
		c.stopped = done
		close(c.quit)
		go func() {
			<-cr.Stop().Done()
			c.jobs.Wait()
			close(done)
		}()
	}
	done := c.stopped
	c.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next reports the next activation time, for status output.
func (c *CronScheduler) Next(after time.Time) time.Time {
	sched, err := parser.Parse(c.spec)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(after.In(c.loc))
}
