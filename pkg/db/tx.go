package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/creditline/internal/errs"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrTxConflict is returned once a serializable transaction exhausted its retries.
var ErrTxConflict = errs.New(errs.ErrConcurrencyConflict, "transaction_conflict")

// TxPolicy bounds how a serializable transaction waits and retries.
type TxPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	LockTimeout time.Duration
}

func DefaultTxPolicy() TxPolicy {
	return TxPolicy{
		MaxAttempts: 3,
		Backoff:     25 * time.Millisecond,
		LockTimeout: 5 * time.Second,
	}
}

func (p TxPolicy) withDefaults() TxPolicy {
	defaults := DefaultTxPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.Backoff <= 0 {
		p.Backoff = defaults.Backoff
	}
	if p.LockTimeout <= 0 {
		p.LockTimeout = defaults.LockTimeout
	}
	return p
}

// Serializable runs fn in a serializable transaction with the default policy.
func Serializable(ctx context.Context, conn *gorm.DB, fn func(tx *gorm.DB) error) error {
	return SerializableWithPolicy(ctx, conn, DefaultTxPolicy(), fn)
}

// SerializableWithPolicy retries fn while the database reports a
// serialization conflict and surfaces ErrTxConflict when attempts run out.
// Errors returned by fn itself are passed through untouched.
func SerializableWithPolicy(ctx context.Context, conn *gorm.DB, policy TxPolicy, fn func(tx *gorm.DB) error) error {
	policy = policy.withDefaults()

	var opts *sql.TxOptions
	postgres := IsPostgres(conn)
	if postgres {
		opts = &sql.TxOptions{Isolation: sql.LevelSerializable}
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err := conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if postgres {
				if err := tx.Exec("SELECT set_config('lock_timeout', ?, true)", lockTimeoutSetting(policy.LockTimeout)).Error; err != nil {
					return err
				}
			}
			return fn(tx)
		}, opts)
		if err == nil {
			return nil
		}
		if !IsRetryableTxErr(err) {
			return err
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return errors.Join(ErrTxConflict, ctx.Err())
		case <-time.After(policy.Backoff * time.Duration(attempt)):
		}
	}
	return errors.Join(ErrTxConflict, lastErr)
}

// ForUpdate adds an exclusive row lock to the query. Dialects without row
// locks drop the clause.
func ForUpdate(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func lockTimeoutSetting(d time.Duration) string {
	return fmt.Sprintf("%dms", d.Milliseconds())
}
