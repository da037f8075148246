package db

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RowLock returns the exclusive row-lock clause for the current dialect.
// SQLite has no FOR UPDATE syntax; its single-writer model already
// serializes mutating transactions, so the clause is elided there.
func RowLock(tx *gorm.DB) clause.Expression {
	if tx.Dialector.Name() == "sqlite" {
		return nil
	}
	return clause.Locking{Strength: "UPDATE"}
}

// RowLockSkipLocked is RowLock with SKIP LOCKED, for work claiming where
// contended rows should be left to the holder instead of waited on.
func RowLockSkipLocked(tx *gorm.DB) clause.Expression {
	if tx.Dialector.Name() == "sqlite" {
		return nil
	}
	return clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}
}

// WithRowLock applies RowLock when the dialect supports it.
func WithRowLock(tx *gorm.DB) *gorm.DB {
	if expr := RowLock(tx); expr != nil {
		return tx.Clauses(expr)
	}
	return tx
}

// WithRowLockSkipLocked applies RowLockSkipLocked when the dialect supports it.
func WithRowLockSkipLocked(tx *gorm.DB) *gorm.DB {
	if expr := RowLockSkipLocked(tx); expr != nil {
		return tx.Clauses(expr)
	}
	return tx
}
