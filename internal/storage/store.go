// Package storage wraps gorm with the small transactional contract the edit
// queue stores rely on: conflict-policy inserts, batched inserts and
// all-or-nothing units of work.
package storage

import (
	"context"
	"errors"
	"reflect"

	"gorm.io/gorm"
)

const defaultBatchSize = 100

var errMissingDatabase = errors.New("storage: database handle is required")

// Transaction runs body inside one database transaction. Any error returned by
// body, or a panic, rolls back every write performed through tx.
func Transaction(ctx context.Context, db *gorm.DB, body func(tx *gorm.DB) error) error {
	if db == nil {
		return errMissingDatabase
	}
	return db.WithContext(ctx).Transaction(body)
}

// Insert writes a single row with the given conflict policy and reports how
// many rows were written. ConflictIgnore reports zero for a skipped row.
func Insert(tx *gorm.DB, value any, policy ConflictPolicy) (int64, error) {
	if tx == nil {
		return 0, errMissingDatabase
	}
	mustBePointer(value)
	result := tx.Clauses(policy.Clause()).Create(value)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// InsertMany writes all rows of a slice with one statement shape inside a
// single transaction. Either every batch commits or none does.
func InsertMany(ctx context.Context, db *gorm.DB, values any, policy ConflictPolicy) (int64, error) {
	if db == nil {
		return 0, errMissingDatabase
	}
	sliceValue := reflect.Indirect(reflect.ValueOf(values))
	if sliceValue.Kind() != reflect.Slice {
		panic("storage: InsertMany requires a slice of rows")
	}
	if sliceValue.Len() == 0 {
		return 0, nil
	}

	var written int64
	err := Transaction(ctx, db, func(tx *gorm.DB) error {
		result := tx.Clauses(policy.Clause()).CreateInBatches(values, defaultBatchSize)
		if result.Error != nil {
			return result.Error
		}
		written = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// Update applies values to the rows of model matching where and reports how
// many rows changed.
func Update(tx *gorm.DB, model any, values map[string]any, where string, args ...any) (int64, error) {
	if tx == nil {
		return 0, errMissingDatabase
	}
	mustBePointer(model)
	if len(values) == 0 {
		panic("storage: update requires at least one column")
	}
	result := tx.Model(model).Where(where, args...).Updates(values)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// Delete removes the rows of model matching where and reports how many were
// removed.
func Delete(tx *gorm.DB, model any, where string, args ...any) (int64, error) {
	if tx == nil {
		return 0, errMissingDatabase
	}
	mustBePointer(model)
	result := tx.Where(where, args...).Delete(model)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// mustBePointer rejects value bindings gorm would silently fail to populate.
func mustBePointer(value any) {
	if value == nil || reflect.ValueOf(value).Kind() != reflect.Pointer {
		panic("storage: insert requires a pointer to a row")
	}
}
