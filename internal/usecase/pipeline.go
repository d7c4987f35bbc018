package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"InboxDigest/internal/classifier"
	"InboxDigest/internal/digest"
	"InboxDigest/internal/domain"
	"InboxDigest/internal/metrics"
	"InboxDigest/internal/ports"
	"InboxDigest/internal/resilience"
)

// ErrRunInProgress is returned when a trigger arrives while another run is active.
// The trigger is dropped, not queued.
var ErrRunInProgress = errors.New("pipeline run already in progress")

const defaultResolveLimit = 50

// PipelineDeps wires all driven adapters into the orchestration pipeline.
// Resolver, Sensors, Publisher and Deliverer are optional.
type PipelineDeps struct {
	Sources    []ports.MessageSource
	Repository ports.ItemRepository
	Resolver   ports.LinkResolver
	Sensors    ports.SecondaryReader
	Classifier *classifier.Batch
	Builder    *digest.Builder
	Publisher  ports.Publisher
	Deliverer  ports.Deliverer
	Logger     *slog.Logger
}

// PipelineConfig holds the per-process knobs of the orchestrator.
type PipelineConfig struct {
	ResolveTimeout time.Duration
	EnrichTimeout  time.Duration
	ResolveLimit   int
	// Deliver is true only when delivery is enabled in config and requested for this invocation.
	Deliver     bool
	FetchPolicy resilience.RetryPolicy
}

// RunState is passed through every stage of one run.
type RunState struct {
	ID          string
	StartedAt   time.Time
	NewItems    int
	Readings    []domain.Reading
	Digest      digest.Result
	Publication *domain.Publication
	Delivered   bool
	Results     []StageResult

	Logger *slog.Logger
}

// Result returns the recorded result of a stage.
func (s *RunState) Result(stage string) (StageResult, bool) {
	for _, r := range s.Results {
		if r.Stage == stage {
			return r, true
		}
	}
	return StageResult{}, false
}

type stage struct {
	name    string
	timeout time.Duration
	release ports.Releaser
	run     func(ctx context.Context, state *RunState) StageResult
}

// Pipeline runs Ingest, Resolve, Classify, Enrich, Build and Publish in order. A failing
// stage never stops the run.
type Pipeline struct {
	deps    PipelineDeps
	cfg     PipelineConfig
	logger  *slog.Logger
	running atomic.Bool
	now     func() time.Time
}

// NewPipeline constructs the orchestration component.
func NewPipeline(deps PipelineDeps, cfg PipelineConfig) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.ResolveLimit <= 0 {
		cfg.ResolveLimit = defaultResolveLimit
	}
	if cfg.FetchPolicy.MaxAttempts == 0 {
		cfg.FetchPolicy = resilience.DefaultRetryPolicy
	}
	if cfg.FetchPolicy.Retryable == nil {
		cfg.FetchPolicy.Retryable = domain.Retryable
	}
	if cfg.FetchPolicy.Logger == nil {
		cfg.FetchPolicy.Logger = logger
	}
	return &Pipeline{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With("component", "pipeline"),
		now:    time.Now,
	}
}

// Run executes one full pass. It returns ErrRunInProgress when another run holds the guard;
// stage failures are reported in the returned state, never as an error.
func (p *Pipeline) Run(ctx context.Context) (*RunState, error) {
	if !p.running.CompareAndSwap(false, true) {
		metrics.RunsTotal.WithLabelValues("dropped").Inc()
		p.logger.Warn("trigger dropped, previous run still active")
		return nil, ErrRunInProgress
	}
	defer p.running.Store(false)

	state := &RunState{ID: uuid.NewString(), StartedAt: p.now()}
	state.Logger = p.logger.With("run_id", state.ID)
	state.Logger.Info("run started", "sources", len(p.deps.Sources))

	for _, st := range p.stages() {
		res := p.runStage(ctx, st, state)
		state.Results = append(state.Results, res)
		p.report(state.Logger, res)
	}

	metrics.RunsTotal.WithLabelValues("completed").Inc()
	state.Logger.Info("run finished",
		"new_items", state.NewItems,
		"digest_id", state.Digest.Digest.ID,
		"took", p.now().Sub(state.StartedAt),
	)
	return state, nil
}

// Running reports whether a run currently holds the guard.
func (p *Pipeline) Running() bool {
	return p.running.Load()
}

func (p *Pipeline) stages() []stage {
	return []stage{
		{name: StageIngest, run: p.ingest},
		{name: StageResolve, timeout: p.cfg.ResolveTimeout, release: releaserOf(p.deps.Resolver), run: p.resolve},
		{name: StageClassify, run: p.classify},
		{name: StageEnrich, timeout: p.cfg.EnrichTimeout, release: releaserOf(p.deps.Sensors), run: p.enrich},
		{name: StageBuild, run: p.build},
		{name: StagePublish, run: p.publish},
	}
}

// runStage executes one stage. Timed stages work on a copy of the state that is only
// committed when the stage finishes inside its ceiling, so an abandoned stage can never
// write into a later one.
func (p *Pipeline) runStage(ctx context.Context, st stage, state *RunState) StageResult {
	started := p.now()

	var res StageResult
	if st.timeout > 0 {
		local := *state
		local.Results = nil
		var inner StageResult
		err := resilience.WithTimeout(ctx, st.timeout, func(ctx context.Context) error {
			inner = safeRun(ctx, st, &local)
			return nil
		})
		switch {
		case err == nil:
			res = inner
			local.Results = state.Results
			*state = local
		case errors.Is(err, resilience.ErrTimeout):
			res = failed(err, "timed out after %s", st.timeout)
		default:
			res = failed(err, "aborted")
		}
		if st.release != nil {
			st.release.Release()
		}
	} else {
		res = safeRun(ctx, st, state)
	}

	res.Stage = st.name
	res.Duration = p.now().Sub(started)
	return res
}

func safeRun(ctx context.Context, st stage, state *RunState) (res StageResult) {
	defer func() {
		if r := recover(); r != nil {
			res = failed(fmt.Errorf("panic: %v", r), "stage panicked")
		}
	}()
	return st.run(ctx, state)
}

func (p *Pipeline) report(logger *slog.Logger, res StageResult) {
	metrics.StageResults.WithLabelValues(res.Stage, string(res.Status)).Inc()
	metrics.StageDuration.WithLabelValues(res.Stage).Observe(res.Duration.Seconds())

	args := []any{"stage", res.Stage, "reason", res.Reason, "took", res.Duration}
	switch res.Status {
	case StageFailed:
		logger.Error("stage failed", append(args, "error", res.Err)...)
	case StageSkipped:
		logger.Info("stage skipped", args...)
	default:
		logger.Info("stage done", args...)
	}
}

func (p *Pipeline) ingest(ctx context.Context, state *RunState) StageResult {
	if len(p.deps.Sources) == 0 {
		return skipped("no sources configured")
	}

	var (
		failures int
		lastErr  error
	)
	for _, src := range p.deps.Sources {
		inserted, err := p.ingestSource(ctx, src, state.Logger)
		state.NewItems += inserted
		if err != nil {
			failures++
			lastErr = err
			metrics.SourceErrors.WithLabelValues(src.Key(), errorKind(err)).Inc()
			state.Logger.Warn("source failed", "source", src.Key(), "kind", errorKind(err), "error", err)
		}
	}

	if failures == len(p.deps.Sources) {
		return failed(lastErr, "all %d sources failed", failures)
	}
	return succeeded("%d new items, %d of %d sources failed", state.NewItems, failures, len(p.deps.Sources))
}

func (p *Pipeline) ingestSource(ctx context.Context, src ports.MessageSource, logger *slog.Logger) (int, error) {
	msgs, err := resilience.Retry(ctx, p.cfg.FetchPolicy, src.Fetch)
	if err != nil {
		return 0, err
	}

	inserted := 0
	for _, msg := range msgs {
		if msg.ExternalID == "" {
			logger.Warn("message without external id dropped", "source", src.Key(), "subject", msg.Subject)
			continue
		}
		if msg.SourceKey == "" {
			msg.SourceKey = src.Key()
		}

		exists, err := p.deps.Repository.Exists(ctx, msg.ExternalID)
		if err != nil {
			return inserted, fmt.Errorf("check %s: %w", msg.ExternalID, err)
		}
		if exists {
			continue
		}

		_, ok, err := p.deps.Repository.Insert(ctx, msg.ToItem())
		if err != nil {
			return inserted, fmt.Errorf("insert %s: %w", msg.ExternalID, err)
		}
		if ok {
			inserted++
		}
	}

	metrics.ItemsIngested.WithLabelValues(src.Key()).Add(float64(inserted))
	logger.Debug("source ingested", "source", src.Key(), "fetched", len(msgs), "inserted", inserted)
	return inserted, nil
}

func (p *Pipeline) resolve(ctx context.Context, state *RunState) StageResult {
	if p.deps.Resolver == nil {
		return skipped("no link resolver configured")
	}

	items, err := p.deps.Repository.ItemsNeedingResolution(ctx, p.cfg.ResolveLimit)
	if err != nil {
		return failed(err, "list unresolved items")
	}
	if len(items) == 0 {
		return skipped("nothing to resolve")
	}

	resolved := 0
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return failed(err, "resolved %d of %d before cancellation", resolved, len(items))
		}
		text, err := p.deps.Resolver.Resolve(ctx, item.LinkURL)
		if err != nil {
			state.Logger.Warn("resolve link", "item_id", item.ID, "url", item.LinkURL, "error", err)
			continue
		}
		if text == "" {
			continue
		}
		if err := p.deps.Repository.UpdateResolvedBody(ctx, item.ID, text); err != nil {
			state.Logger.Warn("store resolved body", "item_id", item.ID, "error", err)
			continue
		}
		resolved++
	}
	return succeeded("resolved %d of %d links", resolved, len(items))
}

func (p *Pipeline) classify(ctx context.Context, _ *RunState) StageResult {
	if p.deps.Classifier == nil {
		return skipped("no classifier configured")
	}
	report, err := p.deps.Classifier.Run(ctx)
	if err != nil {
		return failed(err, "classified %d before error", report.Classified)
	}
	if stats, err := p.deps.Repository.Stats(ctx); err == nil {
		metrics.PendingItems.Set(float64(stats.ItemsByStatus[domain.StatusPending]))
	}
	return succeeded("classified %d, skipped %d, quarantined %d, failed %d",
		report.Classified, report.Skipped, report.Quarantined, report.Failed)
}

func (p *Pipeline) enrich(ctx context.Context, state *RunState) StageResult {
	if p.deps.Sensors == nil {
		return skipped("no secondary reader configured")
	}
	readings, err := p.deps.Sensors.Readings(ctx)
	if err != nil {
		return failed(err, "read secondary data")
	}
	state.Readings = readings
	return succeeded("%d readings", len(readings))
}

func (p *Pipeline) build(ctx context.Context, state *RunState) StageResult {
	if p.deps.Builder == nil {
		return skipped("no digest builder configured")
	}
	res, err := p.deps.Builder.Build(ctx, digest.Request{NewItems: state.NewItems, Readings: state.Readings})
	if err != nil {
		return failed(err, "build digest")
	}
	state.Digest = res
	if res.NoOp {
		return skipped("%s", res.Reason)
	}
	return succeeded("digest %d with %d items", res.Digest.ID, res.Digest.ItemCount)
}

func (p *Pipeline) publish(ctx context.Context, state *RunState) StageResult {
	if state.Digest.NoOp || state.Digest.ReportPath == "" {
		return skipped("no new digest")
	}
	if p.deps.Publisher == nil && (p.deps.Deliverer == nil || !p.cfg.Deliver) {
		return skipped("publishing and delivery disabled")
	}

	if p.deps.Publisher != nil {
		pub, err := p.deps.Publisher.Publish(ctx, state.Digest.ReportPath)
		if err != nil {
			return failed(err, "publish %s", state.Digest.ReportPath)
		}
		state.Publication = &pub
	}

	if p.deps.Deliverer == nil || !p.cfg.Deliver {
		return succeeded("published, delivery disabled")
	}
	if err := p.deps.Deliverer.Deliver(ctx, state.Digest.Digest, state.Digest.Report); err != nil {
		return failed(err, "deliver digest %d", state.Digest.Digest.ID)
	}
	state.Delivered = true
	return succeeded("published and delivered")
}

func releaserOf(v any) ports.Releaser {
	if r, ok := v.(ports.Releaser); ok {
		return r
	}
	return nil
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrSchemaMismatch):
		return "schema_mismatch"
	case errors.Is(err, domain.ErrAuth):
		return "auth"
	case errors.Is(err, domain.ErrDataIntegrity):
		return "data_integrity"
	case errors.Is(err, domain.ErrTransient):
		return "transient"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "other"
	}
}
