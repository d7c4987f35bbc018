package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"InboxDigest/internal/domain"
	"InboxDigest/internal/ports"
)

type manualDriver struct {
	job     func(time.Time)
	stopped bool
}

func (d *manualDriver) Start(_ context.Context, job func(time.Time)) error {
	d.job = job
	return nil
}

func (d *manualDriver) Stop(context.Context) error {
	d.stopped = true
	return nil
}

func TestSchedulerRunsPipelineOnTrigger(t *testing.T) {
	t.Parallel()
	src := &fakeSource{key: "portal", msgs: scenarioMessages()}
	p, repo := newTestPipeline(t, PipelineDeps{Sources: []ports.MessageSource{src}}, PipelineConfig{})

	driver := &manualDriver{}
	s := NewScheduler(driver, p)
	require.NoError(t, s.Start(context.Background()))
	require.NotNil(t, driver.job)

	driver.job(time.Now())
	driver.job(time.Now())

	stats, err := repo.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, stats.ItemsByStatus[domain.StatusSent])
	require.Equal(t, 1, stats.Digests)
	require.Equal(t, int32(2), src.calls.Load())

	require.NoError(t, s.Stop(context.Background()))
	require.True(t, driver.stopped)
}

func TestSchedulerWithoutDriverIsInert(t *testing.T) {
	t.Parallel()
	s := NewScheduler(nil, nil)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
}

func TestSchedulerIgnoresTriggersAfterShutdown(t *testing.T) {
	t.Parallel()
	src := &fakeSource{key: "portal", msgs: scenarioMessages()}
	p, _ := newTestPipeline(t, PipelineDeps{Sources: []ports.MessageSource{src}}, PipelineConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	driver := &manualDriver{}
	require.NoError(t, NewScheduler(driver, p).Start(ctx))

	cancel()
	driver.job(time.Now())
	require.Equal(t, int32(0), src.calls.Load())
}
