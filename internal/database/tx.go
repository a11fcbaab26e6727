package database

import (
	"context"
	"errors"
	"hash/fnv"

	"license-authority/internal/apperr"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// AdvisoryLock 在 postgres 事务内按 key 加事务级咨询锁，其它驱动不做处理
func AdvisoryLock(tx *gorm.DB, key string) error {
	if tx.Dialector.Name() != "postgres" {
		return nil
	}
	h := fnv.New64a()
	h.Write([]byte(key))
	return tx.Exec("SELECT pg_advisory_xact_lock(?)", int64(h.Sum64())).Error
}

// sqlite 错误码
const (
	sqliteBusy             = 5
	sqliteLocked           = 6
	sqliteConstraintUnique = 2067
	sqliteConstraintPK     = 1555
)

// Classify 把存储层错误归类为 Conflict 或 Unavailable
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindUnavailable, op, err)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperr.Wrap(apperr.KindConflict, op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return apperr.Wrap(apperr.KindConflict, op, err)
		}
	}

	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		switch coded.Code() {
		case sqliteConstraintUnique, sqliteConstraintPK:
			return apperr.Wrap(apperr.KindConflict, op, err)
		}
		switch coded.Code() & 0xff {
		case sqliteBusy, sqliteLocked:
			return apperr.Wrap(apperr.KindConflict, op, err)
		}
	}

	return apperr.Wrap(apperr.KindUnavailable, op, err)
}
