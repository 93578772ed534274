package scheduler

import (
	"context"
	"time"

	obscontext "github.com/smallbiznis/loyalty/internal/observability/context"
	obslogger "github.com/smallbiznis/loyalty/internal/observability/logger"
	"go.uber.org/zap"
)

// runRecord collects the outcome of one job execution for the finish log
// line and the processed metric.
type runRecord struct {
	job       string
	id        string
	batch     int
	startedAt time.Time
	processed int
	failed    int
	corrected int
}

type runRecordKey struct{}

func (r *runRecord) addProcessed(n int) {
	if r != nil && n > 0 {
		r.processed += n
	}
}

func (r *runRecord) addFailed(n int) {
	if r != nil && n > 0 {
		r.failed += n
	}
}

func (r *runRecord) addCorrected(n int) {
	if r != nil && n > 0 {
		r.corrected += n
	}
}

// beginRun attaches a run record to ctx. Nested calls reuse the outer record
// and report owner=false so only the outermost call logs.
func (s *Scheduler) beginRun(ctx context.Context, job string, batch int) (context.Context, *runRecord, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if existing, ok := ctx.Value(runRecordKey{}).(*runRecord); ok && existing != nil {
		return ctx, existing, false
	}
	rec := &runRecord{
		job:       job,
		id:        s.genID.Generate().String(),
		batch:     batch,
		startedAt: s.clock.Now(),
	}
	ctx = context.WithValue(ctx, runRecordKey{}, rec)
	ctx = obscontext.WithActor(ctx, "system", "scheduler")
	return ctx, rec, true
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logRunStart(ctx context.Context, rec *runRecord) {
	s.logger(ctx).Info("scheduler job started",
		zap.String("job", rec.job),
		zap.String("run_id", rec.id),
		zap.Int("batch_size", rec.batch),
	)
}

func (s *Scheduler) logRunFinish(ctx context.Context, rec *runRecord) {
	fields := []zap.Field{
		zap.String("job", rec.job),
		zap.String("run_id", rec.id),
		zap.Int64("duration_ms", s.clock.Now().Sub(rec.startedAt).Milliseconds()),
		zap.Int("processed", rec.processed),
		zap.Int("failed", rec.failed),
	}
	if rec.corrected > 0 {
		fields = append(fields, zap.Int("corrected", rec.corrected))
	}

	log := s.logger(ctx)
	if rec.failed > 0 || rec.corrected > 0 {
		log.Warn("scheduler job finished", fields...)
		return
	}
	log.Info("scheduler job finished", fields...)
}
