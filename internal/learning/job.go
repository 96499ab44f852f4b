// Package learning runs the deferred reward and policy update batch.
package learning

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"sage/internal/config"
	"sage/internal/domain"
	"sage/internal/feedback"
	"sage/internal/ledger"
	"sage/internal/logging"
	"sage/internal/policy"
	"sage/internal/repo"
	"sage/internal/reward"
	"sage/internal/update"
)

var tracer = otel.Tracer("sage/internal/learning")

// LockName is the job_locks row that keeps runs from overlapping.
const LockName = "learning"

var ErrJobRunning = errors.New("learning job already running")

// MetricsSource is the read side of behavioural telemetry.
type MetricsSource interface {
	Metrics(ctx context.Context, userID string, from, to time.Time) (map[string]float64, error)
}

// Expirer closes proposals that were never reviewed.
type Expirer interface {
	ExpireStale(ctx context.Context) (int, error)
}

type Job struct {
	Repo      repo.Repo
	Ledger    ledger.Ledger
	Consent   ledger.ConsentChecker
	Policy    policy.Store
	Shaper    reward.Shaper
	Updater   update.Updater
	Telemetry MetricsSource
	Feedback  feedback.Log
	Expirer   Expirer
	Config    config.JobConfig
	Log       *logging.Logger
	Now       func() time.Time
}

func (j Job) now() time.Time {
	if j.Now != nil {
		return j.Now().UTC()
	}
	return time.Now().UTC()
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeSkipped
	outcomeError
	// outcomeDeferred leaves the experience pending for a later run.
	outcomeDeferred
)

type tally struct {
	mu        sync.Mutex
	processed int
	skipped   int
	errors    int
	deferred  int
	rewardSum float64
}

func (t *tally) add(o outcome, r float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch o {
	case outcomeProcessed:
		t.processed++
		t.rewardSum += r
	case outcomeSkipped:
		t.skipped++
	default:
		t.errors++
	}
}

func (t *tally) deferN(n int) {
	t.mu.Lock()
	t.deferred += n
	t.mu.Unlock()
}

// Run executes one learning pass. Per-item failures are counted in the
// summary; only startup failures (lock, selection) return an error.
func (j Job) Run(ctx context.Context, trigger string) (domain.JobSummary, error) {
	log := logging.OrNop(j.Log)
	started := time.Now()
	summary := domain.JobSummary{ID: uuid.NewString(), Trigger: trigger, StartedAt: j.now()}
	ctx, span := tracer.Start(ctx, "learning.run", trace.WithAttributes(
		attribute.String("job_id", summary.ID),
		attribute.String("trigger", trigger),
	))
	defer span.End()

	fail := func(err error) (domain.JobSummary, error) {
		summary.Success = false
		summary.Error = err.Error()
		summary.DurationMS = time.Since(started).Milliseconds()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		j.persist(ctx, summary)
		log.Error("learning job failed", "job_id", summary.ID, "err", err)
		return summary, err
	}

	held, err := j.Repo.AcquireJobLock(ctx, LockName, summary.ID, j.now(), j.Config.LockTTL.Std())
	if err != nil {
		return fail(fmt.Errorf("acquire job lock: %w", err))
	}
	if !held {
		summary.Error = ErrJobRunning.Error()
		log.Warn("learning job skipped, another run holds the lock", "job_id", summary.ID)
		return summary, ErrJobRunning
	}
	defer func() {
		// Release with a fresh context so a canceled run still frees the lock.
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := j.Repo.ReleaseJobLock(relCtx, LockName, summary.ID); err != nil {
			log.Warn("release job lock", "job_id", summary.ID, "err", err)
		}
	}()

	if j.Expirer != nil {
		n, err := j.Expirer.ExpireStale(ctx)
		if err != nil {
			log.Warn("proposal expiry failed", "err", err)
		}
		summary.Expired = n
	}

	abandoned, err := j.Ledger.AbandonStale(ctx, j.Config.MaxAge.Std(), j.Config.BatchSize)
	if err != nil {
		return fail(err)
	}
	summary.Abandoned = abandoned

	batch, err := j.Ledger.SelectPending(ctx, j.Config.MinAge.Std(), j.Config.MaxAge.Std(), j.Config.BatchSize)
	if err != nil {
		return fail(fmt.Errorf("select pending experiences: %w", err))
	}
	log.Info("learning job started", "job_id", summary.ID, "trigger", trigger, "batch", len(batch), "abandoned", abandoned)

	budget := j.Config.Budget.Std()
	if budget <= 0 {
		budget = 15 * time.Minute
	}
	deadline := started.Add(budget)
	outOfBudget := func() bool {
		return ctx.Err() != nil || !time.Now().Before(deadline)
	}

	var t tally
	workers := j.Config.Workers
	if workers <= 0 {
		workers = 1
	}
	var eg errgroup.Group
	eg.SetLimit(workers)
	for _, items := range groupByUser(batch) {
		items := items
		eg.Go(func() error {
			for i, exp := range items {
				if outOfBudget() {
					t.deferN(len(items) - i)
					return nil
				}
				o, r := j.processItem(ctx, exp)
				if o == outcomeDeferred {
					// Later experiences of this user wait too, so updates stay in
					// creation order.
					t.deferN(len(items) - i)
					return nil
				}
				t.add(o, r)
			}
			return nil
		})
	}
	_ = eg.Wait()

	summary.Processed = t.processed
	summary.Skipped = t.skipped
	summary.Errors = t.errors
	summary.Deferred = t.deferred
	if t.processed > 0 {
		summary.AvgReward = t.rewardSum / float64(t.processed)
	}
	summary.Success = true
	summary.DurationMS = time.Since(started).Milliseconds()
	span.SetAttributes(
		attribute.Int("processed", summary.Processed),
		attribute.Int("skipped", summary.Skipped),
		attribute.Int("errors", summary.Errors),
		attribute.Int("deferred", summary.Deferred),
	)
	j.persist(ctx, summary)
	log.Info("learning job finished",
		"job_id", summary.ID,
		"processed", summary.Processed,
		"skipped", summary.Skipped,
		"errors", summary.Errors,
		"abandoned", summary.Abandoned,
		"deferred", summary.Deferred,
		"avg_reward", summary.AvgReward,
		"duration_ms", summary.DurationMS,
	)
	return summary, nil
}

// processItem is the per-experience state machine. Reward, policy write and
// finalize commit together, so a crash before commit leaves nothing to undo.
func (j Job) processItem(ctx context.Context, exp domain.Experience) (outcome, float64) {
	log := logging.OrNop(j.Log).With("experience_id", exp.ID, "user_id", exp.UserID, "run_id", exp.RunID)
	ctx, span := tracer.Start(ctx, "learning.item", trace.WithAttributes(
		attribute.String("experience_id", exp.ID),
		attribute.String("action", string(exp.Action)),
	))
	defer span.End()
	failed := func(stage string, err error) (outcome, float64) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ledger.ErrDoubleFinalize) {
			log.Error("double finalize detected", "stage", stage, "err", err)
		} else {
			log.Warn("learning item failed", "stage", stage, "err", err)
		}
		return outcomeError, 0
	}

	if j.Consent == nil || !j.Consent.LearningEnabled(ctx, exp.UserID) {
		if err := j.Ledger.DisableLearning(ctx, exp.ID); err != nil {
			return failed("disable_learning", err)
		}
		log.Info("consent revoked, experience excluded from learning")
		span.SetAttributes(attribute.Bool("skipped", true))
		return outcomeSkipped, 0
	}

	reviewing, err := j.underReview(ctx, exp.RunID)
	if err != nil {
		return failed("proposal", err)
	}
	if reviewing {
		log.Debug("proposal still pending, experience deferred")
		span.SetAttributes(attribute.Bool("deferred", true))
		return outcomeDeferred, 0
	}

	after, err := j.Telemetry.Metrics(ctx, exp.UserID, exp.CreatedAt, exp.CreatedAt.Add(j.Config.MinAge.Std()))
	if err != nil {
		return failed("metrics", err)
	}
	ft, err := j.Feedback.Resolve(ctx, exp.RunID)
	if err != nil {
		return failed("feedback", err)
	}
	r := j.Shaper.ForFeedback(ft, exp.MetricsBefore, after)

	_, err = j.Policy.Apply(ctx, policy.ApplyInput{
		UserID: exp.UserID,
		Action: exp.Action,
		Dim:    len(exp.ContextVector),
		Mutate: func(current []float64) ([]float64, error) {
			return j.Updater.Update(current, exp.ContextVector, r)
		},
		Within: func(tx *sql.Tx) error {
			return j.Ledger.FinalizeTx(ctx, tx, exp.ID, after, ft, r)
		},
		ActorID: "learning-job",
		RunID:   exp.RunID,
	})
	if errors.Is(err, ledger.ErrLearningDisabled) || errors.Is(err, ledger.ErrAbandoned) {
		log.Info("experience left the learnable set before finalize", "err", err)
		return outcomeSkipped, 0
	}
	if err != nil {
		return failed("update", err)
	}
	span.SetAttributes(attribute.Float64("reward", r), attribute.String("feedback", string(ft)))
	log.Debug("experience finalized", "reward", r, "feedback", ft)
	return outcomeProcessed, r
}

// underReview reports whether the decision run still has a pending proposal.
// Its review outcome is a feedback signal, so the reward has to wait for it.
func (j Job) underReview(ctx context.Context, runID string) (bool, error) {
	p, err := j.Repo.GetProposalByRunID(ctx, runID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.Status == domain.ProposalPending, nil
}

func (j Job) persist(ctx context.Context, s domain.JobSummary) {
	if err := j.Repo.InsertJobRun(context.WithoutCancel(ctx), s, j.now()); err != nil {
		logging.OrNop(j.Log).Warn("persist job summary", "job_id", s.ID, "err", err)
	}
}

// Runs lists recent job summaries.
func (j Job) Runs(ctx context.Context, limit int) ([]domain.JobSummary, error) {
	return j.Repo.ListJobRuns(ctx, limit)
}

// groupByUser keeps the batch's creation order within each user.
func groupByUser(batch []domain.Experience) [][]domain.Experience {
	index := map[string]int{}
	var groups [][]domain.Experience
	for _, exp := range batch {
		i, ok := index[exp.UserID]
		if !ok {
			i = len(groups)
			index[exp.UserID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], exp)
	}
	return groups
}
