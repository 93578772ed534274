// Package mirrorsync propagates committed balances to the storefront
// balance mirror in the background.
package mirrorsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	customerdomain "github.com/smallbiznis/loyalty/internal/customer/domain"
	"github.com/smallbiznis/loyalty/internal/discount"
	obsmetrics "github.com/smallbiznis/loyalty/internal/observability/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	ResultSynced    = "synced"
	ResultUnchanged = "unchanged"
	ResultFailed    = "failed"
	ResultNoSession = "no_session"
	ResultDropped   = "dropped"
)

// Job asks for the mirror of one customer to be refreshed. The balance is
// read when the job runs, so the latest committed value always wins.
type Job struct {
	ShopID     string
	CustomerID snowflake.ID
}

type Enqueuer interface {
	Enqueue(job Job) bool
}

type Options struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CallTimeout    time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	return o
}

// Queue is a bounded in-process work queue. Pending jobs are coalesced per
// customer and a customer is synced by at most one worker at a time; a job
// enqueued while its customer is in flight runs again once that sync ends.
type Queue struct {
	db        *gorm.DB
	customers customerdomain.Repository
	mirror    discount.BalanceMirror
	log       *zap.Logger
	metrics   *obsmetrics.Metrics
	opts      Options

	jobs    chan Job
	mu      sync.Mutex
	pending map[snowflake.ID]struct{}
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// inflight maps customers being synced to whether another run was
	// requested meanwhile.
	inflight map[snowflake.ID]bool
}

func NewQueue(conn *gorm.DB, customers customerdomain.Repository, mirror discount.BalanceMirror, log *zap.Logger, metrics *obsmetrics.Metrics, opts Options) *Queue {
	opts = opts.withDefaults()
	return &Queue{
		db:        conn,
		customers: customers,
		mirror:    mirror,
		log:       log.Named("mirrorsync"),
		metrics:   metrics,
		opts:      opts,
		jobs:      make(chan Job, opts.QueueSize),
		pending:   make(map[snowflake.ID]struct{}),
		inflight:  make(map[snowflake.ID]bool),
	}
}

// Enqueue schedules a sync without blocking. It reports false when the
// mirror is unavailable or the queue is full.
func (q *Queue) Enqueue(job Job) bool {
	if q == nil || q.mirror == nil || job.CustomerID == 0 {
		return false
	}

	q.mu.Lock()
	if _, ok := q.pending[job.CustomerID]; ok {
		q.mu.Unlock()
		return true
	}
	if _, ok := q.inflight[job.CustomerID]; ok {
		q.inflight[job.CustomerID] = true
		q.mu.Unlock()
		return true
	}
	select {
	case q.jobs <- job:
		q.pending[job.CustomerID] = struct{}{}
		q.mu.Unlock()
		return true
	default:
		q.mu.Unlock()
		q.log.Warn("mirror sync queue full; job dropped",
			zap.String("shop", job.ShopID),
			zap.String("customer_id", job.CustomerID.String()),
		)
		q.metrics.RecordMirrorSync(context.Background(), job.ShopID, ResultDropped)
		return false
	}
}

func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	q.log.Info("mirror sync workers started", zap.Int("workers", q.opts.Workers))
}

// Stop cancels in-flight retries and waits for workers until ctx expires.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = false
	cancel := q.cancel
	q.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			q.claim(job.CustomerID)
			result := q.Process(ctx, job)
			q.metrics.RecordMirrorSync(ctx, job.ShopID, result)
			q.finish(job)
		}
	}
}

// claim moves a customer from pending to in flight.
func (q *Queue) claim(id snowflake.ID) {
	q.mu.Lock()
	delete(q.pending, id)
	q.inflight[id] = false
	q.mu.Unlock()
}

// finish clears the in-flight marker and requeues the job when a newer
// request arrived during the sync.
func (q *Queue) finish(job Job) {
	q.mu.Lock()
	again := q.inflight[job.CustomerID]
	delete(q.inflight, job.CustomerID)
	q.mu.Unlock()
	if again {
		q.Enqueue(job)
	}
}

// Process runs one job with retries and returns its result label.
func (q *Queue) Process(ctx context.Context, job Job) string {
	log := q.log.With(
		zap.String("shop", job.ShopID),
		zap.String("customer_id", job.CustomerID.String()),
	)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = q.opts.InitialBackoff
	bo.MaxInterval = q.opts.MaxBackoff

	result, err := backoff.Retry(ctx, func() (string, error) {
		return q.syncOnce(ctx, job)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(q.opts.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Debug("mirror sync retry scheduled", zap.Error(err), zap.Duration("next", next))
		}),
	)
	if err != nil {
		if errors.Is(err, discount.ErrNoSession) {
			log.Info("mirror sync skipped; shop has no session")
			return ResultNoSession
		}
		log.Warn("mirror sync failed", zap.Error(err))
		return ResultFailed
	}
	return result
}

func (q *Queue) syncOnce(ctx context.Context, job Job) (string, error) {
	customer, err := q.customers.FindByID(ctx, q.db, job.CustomerID)
	if err != nil {
		return "", err
	}
	if customer == nil {
		return "", backoff.Permanent(customerdomain.ErrNotFound)
	}

	callCtx, cancel := context.WithTimeout(ctx, q.opts.CallTimeout)
	defer cancel()

	mirrored, err := q.mirror.ReadBalance(callCtx, customer.ShopID, customer.ExternalID)
	if err != nil {
		return "", classify(err)
	}
	if mirrored != nil && *mirrored == customer.CurrentBalance {
		return ResultUnchanged, nil
	}
	if err := q.mirror.SyncBalance(callCtx, customer.ShopID, customer.ExternalID, customer.CurrentBalance); err != nil {
		return "", classify(err)
	}
	return ResultSynced, nil
}

func classify(err error) error {
	if errors.Is(err, discount.ErrNoSession) || errors.Is(err, discount.ErrUnknownCustomer) {
		return backoff.Permanent(err)
	}
	return err
}
