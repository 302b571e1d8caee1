package healing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/healerd/internal/breaker"
	"github.com/fyrsmithlabs/healerd/internal/confidence"
	"github.com/fyrsmithlabs/healerd/internal/convergence"
	"github.com/fyrsmithlabs/healerd/internal/envelope"
	"github.com/fyrsmithlabs/healerd/internal/events"
	"github.com/fyrsmithlabs/healerd/internal/logging"
	"github.com/fyrsmithlabs/healerd/internal/patterns"
	"github.com/fyrsmithlabs/healerd/internal/secrets"
	"github.com/fyrsmithlabs/healerd/internal/watchdog"
)

const instrumentationName = "github.com/fyrsmithlabs/healerd/internal/healing"

// Scorer scores an executed attempt. *confidence.Scorer implements it.
type Scorer interface {
	Score(ctx context.Context, in confidence.Input) confidence.Score
}

// Deps are the collaborators of an Orchestrator. Proposer, Executor, Store
// and Scorer are required.
type Deps struct {
	Proposer  Proposer
	Executor  Executor
	Store     patterns.Store
	Scorer    Scorer
	Watchdog  *watchdog.Watchdog
	Publisher events.Publisher
	Windows   *convergence.WindowSet
	Ledger    *confidence.CalibrationLedger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithTracer sets the tracer for session and attempt spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithScrubber redacts secrets from fix descriptions and diffs before they
// are recorded on the envelope or persisted as patterns.
func WithScrubber(s *secrets.Scrubber) Option {
	return func(o *Orchestrator) {
		o.scrubber = s
	}
}

// Orchestrator runs healing sessions.
type Orchestrator struct {
	cfg        Config
	breakerCfg breaker.Config
	tracker    *convergence.Tracker
	windowSize int

	proposer  Proposer
	executor  Executor
	store     patterns.Store
	scorer    Scorer
	watchdog  *watchdog.Watchdog
	publisher events.Publisher
	windows   *convergence.WindowSet
	ledger    *confidence.CalibrationLedger
	registry  *Registry
	scrubber  *secrets.Scrubber

	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	closeMu    sync.RWMutex
	closed     bool
}

// New creates an orchestrator.
func New(cfg Config, breakerCfg breaker.Config, convCfg convergence.Config, deps Deps, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := breakerCfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Proposer == nil || deps.Executor == nil || deps.Store == nil || deps.Scorer == nil {
		return nil, errors.New("orchestrator requires a proposer, an executor, a store and a scorer")
	}
	if convCfg.WindowSize <= 0 {
		convCfg.WindowSize = convergence.DefaultWindowSize
	}

	o := &Orchestrator{
		cfg:        cfg,
		breakerCfg: breakerCfg,
		tracker:    convergence.NewTracker(convCfg.ImprovementWindow),
		windowSize: convCfg.WindowSize,
		proposer:   deps.Proposer,
		executor:   deps.Executor,
		store:      deps.Store,
		scorer:     deps.Scorer,
		watchdog:   deps.Watchdog,
		publisher:  deps.Publisher,
		windows:    deps.Windows,
		ledger:     deps.Ledger,
		registry:   NewRegistry(cfg.RetainSessions),
		logger:     zap.NewNop(),
		tracer:     otel.Tracer(instrumentationName),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.watchdog == nil {
		o.watchdog = watchdog.New(watchdog.DefaultConfig(), watchdog.WithLogger(o.logger))
	}
	if o.publisher == nil {
		o.publisher = events.Nop{}
	}
	if o.windows == nil {
		o.windows = convergence.NewWindowSet(o.windowSize)
	}
	if o.ledger == nil {
		o.ledger = confidence.NewCalibrationLedger()
	}
	o.baseCtx, o.baseCancel = context.WithCancel(context.Background())
	return o, nil
}

// run is the state of one session loop.
type run struct {
	sess          *session
	req           Request
	env           envelope.Envelope
	pair          *breaker.Pair
	kind          breaker.Kind
	current       int
	counts        breaker.Counts
	sessionWindow *convergence.Window
	clusterWindow *convergence.Window
	lastScore     float64
	scored        bool
}

// step is what one attempt decided.
type step struct {
	done     bool
	outcome  envelope.Outcome
	decision breaker.Decision
	reason   string
	pattern  *patterns.Pattern
	err      error
}

// Run runs one session to completion. It always returns a Result when the
// session could be started; the error is non-nil for fatal faults.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	r, err := o.prepare(req)
	if err != nil {
		return nil, err
	}
	return o.loop(ctx, r)
}

// Start validates the request, registers the session and runs it in the
// background. It returns the session id.
func (o *Orchestrator) Start(req Request) (string, error) {
	o.closeMu.RLock()
	defer o.closeMu.RUnlock()
	if o.closed {
		return "", ErrShuttingDown
	}

	r, err := o.prepare(req)
	if err != nil {
		return "", err
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.loop(o.baseCtx, r); err != nil {
			o.logger.Warn("session failed",
				zap.String("session.id", r.sess.id),
				zap.Error(err))
		}
	}()
	return r.sess.id, nil
}

// RunMany runs sessions concurrently, at most Concurrency at a time. Results
// are returned in request order; a nil entry means the session could not start.
func (o *Orchestrator) RunMany(ctx context.Context, reqs []Request) ([]*Result, error) {
	results := make([]*Result, len(reqs))
	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for i, req := range reqs {
		g.Go(func() error {
			res, err := o.Run(ctx, req)
			results[i] = res
			return err
		})
	}
	return results, g.Wait()
}

// Shutdown cancels background sessions and waits for them to finish.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.closeMu.Lock()
	o.closed = true
	o.closeMu.Unlock()
	o.baseCancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Session returns the registry view of a session.
func (o *Orchestrator) Session(id string) (SessionInfo, bool) {
	return o.registry.Session(id)
}

// Sessions lists running and retained sessions, newest first.
func (o *Orchestrator) Sessions() []SessionInfo {
	return o.registry.Sessions()
}

// Envelope returns a copy of a session's envelope.
func (o *Orchestrator) Envelope(id string) (envelope.Envelope, bool) {
	return o.registry.Envelope(id)
}

// Cancel requests cooperative cancellation of a running session.
func (o *Orchestrator) Cancel(id string) error {
	return o.registry.Cancel(id)
}

// Calibration returns the calibration ledger fed by finished sessions.
func (o *Orchestrator) Calibration() *confidence.CalibrationLedger {
	return o.ledger
}

func (o *Orchestrator) prepare(req Request) (*run, error) {
	if req.InitialErrorCount < 0 {
		return nil, fmt.Errorf("%w: initial error count must not be negative", ErrInvalidRequest)
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if err := logging.ValidateID(req.SessionID); err != nil {
		return nil, fmt.Errorf("%w: session id: %v", ErrInvalidRequest, err)
	}
	if req.Packet.Version == 0 {
		req.Packet.Version = envelope.CurrentPacketVersion
	}
	env, err := envelope.New(req.SessionID, req.Packet, o.now())
	if err != nil {
		return nil, err
	}

	kind := breaker.KindFor(env.Packet.ErrorCode, o.breakerCfg.StructuralFamilies)
	baseline := breaker.Attribute(req.InitialErrorCount, req.InitialByKind, kind)
	pair, err := breaker.NewPair(o.breakerCfg, baseline,
		breaker.WithLogger(o.logger.With(zap.String("session.id", req.SessionID))),
		breaker.WithTracker(o.tracker))
	if err != nil {
		return nil, err
	}

	sess, err := o.registry.start(env, pair, req.InitialErrorCount, o.now())
	if err != nil {
		return nil, err
	}
	return &run{
		sess:          sess,
		req:           req,
		env:           env,
		pair:          pair,
		kind:          kind,
		current:       req.InitialErrorCount,
		counts:        baseline,
		sessionWindow: convergence.NewWindow(o.windowSize),
		clusterWindow: o.windows.Get(env.Packet.ClusterID),
	}, nil
}

func (o *Orchestrator) loop(ctx context.Context, r *run) (*Result, error) {
	ctx, span := o.tracer.Start(ctx, "healing.session", trace.WithAttributes(
		attribute.String("session.id", r.sess.id),
		attribute.String("error.code", r.env.Packet.ErrorCode),
		attribute.String("cluster.id", r.env.Packet.ClusterID),
		attribute.String("breaker.kind", string(r.kind)),
	))
	defer span.End()

	ActiveSessions.Inc()
	defer ActiveSessions.Dec()

	ctx = logging.WithSessionID(ctx, r.sess.id)
	logger := o.logger.With(logging.ContextFields(ctx)...)
	logger.Info("session started",
		zap.String("error_code", r.env.Packet.ErrorCode),
		zap.String("cluster_id", r.env.Packet.ClusterID),
		zap.Int("initial_errors", r.current))

	for {
		if st, stop := o.preflight(ctx, r); stop {
			return o.finish(ctx, span, r, st)
		}
		st := o.attempt(ctx, r)
		if st.done {
			return o.finish(ctx, span, r, st)
		}
	}
}

// preflight runs the checks that precede every attempt.
func (o *Orchestrator) preflight(ctx context.Context, r *run) (step, bool) {
	if r.sess.cancelled.Load() {
		return step{done: true, outcome: envelope.OutcomeAbandoned, reason: "cancelled"}, true
	}
	if err := ctx.Err(); err != nil {
		return step{done: true, outcome: envelope.OutcomeAbandoned, reason: "context: " + err.Error()}, true
	}
	if err := r.env.Verify(); err != nil {
		return step{done: true, outcome: envelope.OutcomeAbandoned, reason: "integrity fault", err: err}, true
	}
	if len(r.env.Attempts) >= o.cfg.MaxAttempts {
		return step{
			done:     true,
			outcome:  envelope.OutcomeEscalated,
			decision: breaker.DecisionStop,
			reason:   "max attempts reached",
		}, true
	}
	admitCtx, cancel := r.sess.watch(ctx)
	err := r.pair.Admit(admitCtx)
	cancel()
	if err != nil {
		if r.sess.cancelled.Load() {
			return step{done: true, outcome: envelope.OutcomeAbandoned, reason: "cancelled"}, true
		}
		if ctx.Err() != nil {
			return step{done: true, outcome: envelope.OutcomeAbandoned, reason: "context: " + ctx.Err().Error()}, true
		}
		return step{done: true, outcome: envelope.OutcomeEscalated, decision: breaker.DecisionStop, reason: err.Error()}, true
	}
	return step{}, false
}

func (o *Orchestrator) attempt(ctx context.Context, r *run) step {
	index := len(r.env.Attempts) + 1
	ctx, span := o.tracer.Start(ctx, "healing.attempt", trace.WithAttributes(
		attribute.String("session.id", r.sess.id),
		attribute.Int("attempt", index),
	))
	defer span.End()

	started := o.now()
	key := r.sess.id + "/" + strconv.Itoa(index)
	o.watchdog.Begin(key)

	actx, cancel := context.WithTimeout(ctx, o.cfg.AttemptTimeout)
	defer cancel()

	raw, err := o.proposer.Propose(actx, o.snapshot(ctx, r))
	if err != nil {
		switch {
		case ctx.Err() != nil:
			o.discard(key)
			return step{done: true, outcome: envelope.OutcomeAbandoned, reason: "context: " + ctx.Err().Error()}
		case errors.Is(actx.Err(), context.DeadlineExceeded):
			return o.executed(ctx, span, r, key, started, Proposal{}, ExecutionReport{ErrorCount: r.current}, true)
		default:
			return o.protocolFault(ctx, span, r, key, fmt.Errorf("%w: proposer: %v", ErrProtocol, err))
		}
	}
	proposal, err := ParseProposal(raw)
	if err != nil {
		return o.protocolFault(ctx, span, r, key, err)
	}

	report, err := o.executor.Execute(actx, ExecutionRequest{
		SessionID:      r.sess.id,
		Attempt:        index,
		Packet:         r.env.Packet,
		Fix:            proposal.Fix,
		FixDescription: proposal.FixDescription,
		FixDiff:        proposal.FixDiff,
	})
	if err == nil && report.ErrorCount < 0 {
		err = fmt.Errorf("negative error count %d", report.ErrorCount)
	}
	if err != nil {
		switch {
		case ctx.Err() != nil:
			o.discard(key)
			return step{done: true, outcome: envelope.OutcomeAbandoned, reason: "context: " + ctx.Err().Error()}
		case errors.Is(actx.Err(), context.DeadlineExceeded):
			return o.executed(ctx, span, r, key, started, proposal, ExecutionReport{ErrorCount: r.current}, true)
		default:
			o.discard(key)
			err = fmt.Errorf("%w: %w", ErrExecutor, err)
			span.RecordError(err)
			return step{done: true, outcome: envelope.OutcomeAbandoned, reason: "executor failed", err: err}
		}
	}
	return o.executed(ctx, span, r, key, started, proposal, report, false)
}

func (o *Orchestrator) snapshot(ctx context.Context, r *run) Snapshot {
	matches, err := o.store.Query(ctx, patterns.Query{
		ErrorCode: r.env.Packet.ErrorCode,
		ClusterID: r.env.Packet.ClusterID,
		Limit:     o.cfg.PatternLimit,
	})
	if err != nil {
		o.logger.Warn("pattern query failed",
			zap.String("session.id", r.sess.id),
			zap.Error(err))
		matches = nil
	}
	return Snapshot{
		Envelope:          r.env.Snapshot(),
		Patterns:          matches,
		LastProtocolError: r.env.LastProtocolError(),
		BreakerStates:     r.pair.States(),
	}
}

func (o *Orchestrator) discard(key string) {
	if _, err := o.watchdog.End(key, watchdog.Observed{}); err != nil {
		o.logger.Debug("watchdog end", zap.String("key", key), zap.Error(err))
	}
}

func (o *Orchestrator) protocolFault(ctx context.Context, span trace.Span, r *run, key string, fault error) step {
	o.discard(key)
	span.RecordError(fault)
	AttemptsTotal.WithLabelValues("false").Inc()

	a := envelope.Attempt{
		Timestamp:     o.now().UTC(),
		ErrorsBefore:  r.current,
		ErrorsAfter:   r.current,
		Executed:      false,
		BreakerState:  string(r.pair.States()[r.kind]),
		ProtocolError: fault.Error(),
	}
	env, err := r.env.WithAttempt(a)
	if err != nil {
		return step{done: true, outcome: envelope.OutcomeAbandoned, reason: "append attempt", err: err}
	}
	r.env = env
	o.registry.update(r.sess, env, r.current, "")

	o.logger.Warn("protocol fault",
		zap.String("session.id", r.sess.id),
		zap.Int("attempt", len(env.Attempts)),
		zap.Error(fault))
	last, _ := env.LastAttempt()
	o.publishAttempt(ctx, r, last)
	return step{}
}

func (o *Orchestrator) executed(ctx context.Context, span trace.Span, r *run, key string, started time.Time, p Proposal, report ExecutionReport, timedOut bool) step {
	ev, err := o.watchdog.End(key, watchdog.Observed{
		CPUPercent:   report.CPUPercent,
		MemoryMB:     report.MemoryMB,
		HardLimitHit: report.HardLimitHit,
		TimedOut:     timedOut,
	})
	if err != nil {
		o.logger.Debug("watchdog end", zap.String("key", key), zap.Error(err))
	}
	if ev.Triggered {
		WatchdogTriggersTotal.WithLabelValues(string(ev.Suspicion)).Inc()
	}
	AttemptsTotal.WithLabelValues("true").Inc()
	AttemptDuration.Observe(o.now().Sub(started).Seconds())

	// a timed out attempt changes nothing, per kind included
	before, after := r.current, report.ErrorCount
	counts := r.counts
	if !timedOut {
		counts = breaker.Attribute(after, report.ByKind, r.kind)
	}

	coverage := report.TestCoverage
	if coverage == nil {
		coverage = r.req.TestCoverage
	}
	score := o.scorer.Score(ctx, confidence.Input{
		ModelConfidence: p.Confidence,
		ErrorCode:       r.env.Packet.ErrorCode,
		ClusterID:       r.env.Packet.ClusterID,
		Difficulty:      r.env.Packet.Difficulty,
		TestCoverage:    coverage,
		ClusterWindow:   r.clusterWindow,
	})
	verdict := r.pair.Evaluate(counts, score.Value, ev.Triggered)
	primary := verdict.Structural
	if r.kind == breaker.KindSemantic {
		primary = verdict.Semantic
	}

	now := o.now().UTC()
	a := envelope.Attempt{
		Timestamp:      now,
		FixDescription: o.scrub(r, "fix_description", p.FixDescription),
		ErrorsBefore:   before,
		ErrorsAfter:    after,
		Executed:       true,
		Confidence:     score.Value,
		BreakerState:   string(primary.State),
		Decision:       string(verdict.Decision),
		Watchdog: envelope.WatchdogFlag{
			Triggered: ev.Triggered,
			Suspicion: string(ev.Suspicion),
			Severity:  ev.Severity,
			Elapsed:   ev.Elapsed,
			Reasons:   ev.Reasons,
		},
	}
	if p.Fix != "" {
		a.FixRef = envelope.FixRef(p.Fix)
	}
	env, err := r.env.WithAttempt(a)
	if err != nil {
		return step{done: true, outcome: envelope.OutcomeAbandoned, reason: "append attempt", err: err}
	}
	r.env = env
	r.current = after
	r.counts = counts
	r.lastScore, r.scored = score.Value, true

	obs := o.tracker.Observe(env.ExecutedCounts())
	sample := convergence.Sample{
		ErrorCount:   after,
		Confidence:   score.Value,
		BreakerState: string(primary.State),
		Quality:      convergence.Quality(before, after),
		At:           now,
	}
	r.sessionWindow.Push(sample)
	o.registry.update(r.sess, env, after, verdict.Decision)

	span.SetAttributes(
		attribute.Int("errors.before", before),
		attribute.Int("errors.after", after),
		attribute.Float64("confidence", score.Value),
		attribute.String("decision", string(verdict.Decision)),
		attribute.String("trend", string(obs.Classification)),
		attribute.Bool("watchdog.triggered", ev.Triggered),
	)
	o.logger.Info("attempt evaluated",
		zap.String("session.id", r.sess.id),
		zap.Int("attempt", len(env.Attempts)),
		zap.Int("errors_before", before),
		zap.Int("errors_after", after),
		zap.Int("delta", convergence.Delta(before, after)),
		zap.String("trend", string(obs.Classification)),
		zap.Bool("oscillating", obs.Oscillating),
		zap.Float64("confidence", score.Value),
		zap.String("breaker_state", string(primary.State)),
		zap.String("decision", string(verdict.Decision)),
		zap.Bool("timed_out", timedOut),
		zap.String("suspicion", string(ev.Suspicion)))

	last, _ := env.LastAttempt()
	o.publishAttempt(ctx, r, last)

	switch verdict.Decision {
	case breaker.DecisionPromote:
		st := step{done: true, outcome: envelope.OutcomePromoted, decision: verdict.Decision, reason: "converged"}
		st.pattern = o.promote(ctx, r, p, score.Value)
		return st
	case breaker.DecisionRollback:
		if rb, ok := o.executor.(Rollbacker); ok {
			if err := rb.Rollback(ctx, r.sess.id); err != nil {
				o.logger.Warn("rollback failed", zap.String("session.id", r.sess.id), zap.Error(err))
			}
		}
		return step{done: true, outcome: envelope.OutcomeRolledBack, decision: verdict.Decision, reason: primary.Reason}
	case breaker.DecisionStop:
		reason := primary.Reason
		if reason == "" {
			reason = verdict.Structural.Reason + verdict.Semantic.Reason
		}
		return step{done: true, outcome: envelope.OutcomeEscalated, decision: verdict.Decision, reason: reason}
	}
	return step{}
}

// promote records the fix as a success pattern when the confidence allows it.
func (o *Orchestrator) promote(ctx context.Context, r *run, p Proposal, score float64) *patterns.Pattern {
	if score < patterns.MinPromotionConfidence {
		o.logger.Info("promotion below pattern threshold",
			zap.String("session.id", r.sess.id),
			zap.Float64("confidence", score))
		return nil
	}
	pat, err := o.store.Record(ctx, patterns.Promotion{
		ErrorCode:      r.env.Packet.ErrorCode,
		ClusterID:      r.env.Packet.ClusterID,
		FixDescription: o.scrub(r, "fix_description", p.FixDescription),
		FixDiff:        o.scrub(r, "fix_diff", p.FixDiff),
		Confidence:     score,
		At:             o.now(),
	})
	if err != nil {
		o.logger.Warn("record pattern failed", zap.String("session.id", r.sess.id), zap.Error(err))
		return nil
	}
	PromotionsTotal.Inc()
	if err := o.publisher.PublishPromoted(ctx, events.PromotedEvent{SessionID: r.sess.id, Pattern: pat}); err != nil {
		o.logger.Warn("publish promoted", zap.String("session.id", r.sess.id), zap.Error(err))
	}
	return &pat
}

func (o *Orchestrator) scrub(r *run, field, text string) string {
	res := o.scrubber.Scrub(text)
	if res.HasFindings() {
		o.logger.Warn("redacted secrets from fix text",
			zap.String("session.id", r.sess.id),
			zap.String("field", field),
			zap.Strings("rules", res.RuleIDs()))
	}
	return res.Text
}

func (o *Orchestrator) finish(ctx context.Context, span trace.Span, r *run, st step) (*Result, error) {
	switch {
	case st.outcome == envelope.OutcomePromoted:
		o.recordOutcome(ctx, r, true)
	case st.outcome == envelope.OutcomeEscalated && r.scored && r.current == 0:
		// resolved but never confident enough: not a failure of the fix
		o.ledger.Observe(r.lastScore, false)
	case st.outcome == envelope.OutcomeRolledBack, st.outcome == envelope.OutcomeEscalated:
		o.recordOutcome(ctx, r, false)
	}
	// the cluster window only learns from finished sessions
	for _, sample := range r.sessionWindow.All() {
		r.clusterWindow.Push(sample)
	}

	env, err := r.env.Close(st.outcome, o.now())
	if err != nil {
		st.err = errors.Join(st.err, err)
	} else {
		r.env = env
	}

	errMsg := ""
	if st.err != nil {
		errMsg = st.err.Error()
		span.RecordError(st.err)
		span.SetStatus(codes.Error, st.reason)
	}
	span.SetAttributes(
		attribute.String("outcome", string(st.outcome)),
		attribute.Int("attempts", len(r.env.Attempts)),
	)
	o.registry.finish(r.sess, r.env, errMsg, o.now())
	SessionsTotal.WithLabelValues(string(st.outcome)).Inc()

	// the caller's context may already be done
	pubCtx := context.WithoutCancel(ctx)
	closedAt := o.now().UTC()
	if r.env.ClosedAt != nil {
		closedAt = *r.env.ClosedAt
	}
	if err := o.publisher.PublishClosed(pubCtx, events.ClosedEvent{
		SessionID: r.sess.id,
		ErrorCode: r.env.Packet.ErrorCode,
		ClusterID: r.env.Packet.ClusterID,
		Outcome:   st.outcome,
		Attempts:  len(r.env.Attempts),
		Error:     errMsg,
		ClosedAt:  closedAt,
	}); err != nil {
		o.logger.Warn("publish closed", zap.String("session.id", r.sess.id), zap.Error(err))
	}

	fields := append(logging.ContextFields(ctx),
		zap.String("outcome", string(st.outcome)),
		zap.String("reason", st.reason),
		zap.Int("attempts", len(r.env.Attempts)),
		zap.Int("errors", r.current),
	)
	if st.err != nil {
		o.logger.Error("session ended with fault", append(fields, zap.Error(st.err))...)
	} else {
		o.logger.Info("session finished", fields...)
	}

	return &Result{
		SessionID: r.sess.id,
		Outcome:   st.outcome,
		Decision:  st.decision,
		Reason:    st.reason,
		Envelope:  r.env.Snapshot(),
		Pattern:   st.pattern,
		Err:       errMsg,
	}, st.err
}

func (o *Orchestrator) recordOutcome(ctx context.Context, r *run, promoted bool) {
	ctx = context.WithoutCancel(ctx)
	if err := o.store.RecordOutcome(ctx, r.env.Packet.ErrorCode, r.env.Packet.ClusterID, promoted); err != nil {
		o.logger.Warn("record outcome failed", zap.String("session.id", r.sess.id), zap.Error(err))
	}
	if r.scored {
		o.ledger.Observe(r.lastScore, promoted)
	}
}

func (o *Orchestrator) publishAttempt(ctx context.Context, r *run, a envelope.Attempt) {
	if err := o.publisher.PublishAttempt(ctx, events.AttemptEvent{
		SessionID: r.sess.id,
		ErrorCode: r.env.Packet.ErrorCode,
		ClusterID: r.env.Packet.ClusterID,
		Attempt:   a,
	}); err != nil {
		o.logger.Warn("publish attempt", zap.String("session.id", r.sess.id), zap.Error(err))
	}
}
