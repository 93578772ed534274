package db

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"gorm.io/gorm"
)

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 15 * time.Millisecond
)

// UnitOfWork runs a function inside one all-or-nothing transaction and
// retries it when the database reports a serialization conflict.
type UnitOfWork struct {
	db          *gorm.DB
	maxAttempts int
	retryDelay  time.Duration
}

type UnitOfWorkOption func(*UnitOfWork)

func WithMaxAttempts(n int) UnitOfWorkOption {
	return func(u *UnitOfWork) {
		if n > 0 {
			u.maxAttempts = n
		}
	}
}

func WithRetryDelay(d time.Duration) UnitOfWorkOption {
	return func(u *UnitOfWork) {
		if d >= 0 {
			u.retryDelay = d
		}
	}
}

func NewUnitOfWork(conn *gorm.DB) *UnitOfWork {
	return NewUnitOfWorkWithOptions(conn)
}

func NewUnitOfWorkWithOptions(conn *gorm.DB, opts ...UnitOfWorkOption) *UnitOfWork {
	u := &UnitOfWork{
		db:          conn,
		maxAttempts: defaultMaxAttempts,
		retryDelay:  defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// DB returns the handle for reads outside a transaction.
func (u *UnitOfWork) DB() *gorm.DB {
	return u.db
}

// Do commits fn's writes atomically. Errors returned by fn roll the
// transaction back and are returned unchanged unless they are conflicts,
// which are retried and finally reported as ErrStorageConflict.
func (u *UnitOfWork) Do(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var lastErr error
	for attempt := 1; attempt <= u.maxAttempts; attempt++ {
		err := u.db.WithContext(ctx).Transaction(fn)
		if err == nil {
			return nil
		}
		if !IsConflictErr(err) {
			return err
		}
		lastErr = err
		if attempt == u.maxAttempts {
			break
		}
		if err := sleep(ctx, u.backoff(attempt)); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrStorageConflict, lastErr)
}

func (u *UnitOfWork) backoff(attempt int) time.Duration {
	if u.retryDelay <= 0 {
		return 0
	}
	base := u.retryDelay * time.Duration(1<<(attempt-1))
	return base + time.Duration(rand.Int64N(int64(u.retryDelay)))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
