package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type settingRow struct {
	Name  string `gorm:"column:name;primaryKey;size:64"`
	Value int64  `gorm:"column:value;not null"`
}

func (settingRow) TableName() string {
	return "settings"
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "storage.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&settingRow{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func loadSetting(t *testing.T, db *gorm.DB, name string) settingRow {
	t.Helper()
	var row settingRow
	if err := db.Where("name = ?", name).Take(&row).Error; err != nil {
		t.Fatalf("failed to load %s: %v", name, err)
	}
	return row
}

func TestInsertIgnoreKeepsExistingRow(t *testing.T) {
	db := openTestDatabase(t)

	if written, err := Insert(db, &settingRow{Name: "a", Value: 1}, ConflictAbort); err != nil || written != 1 {
		t.Fatalf("unexpected first insert result: written=%d err=%v", written, err)
	}
	written, err := Insert(db, &settingRow{Name: "a", Value: 2}, ConflictIgnore)
	if err != nil {
		t.Fatalf("ignore insert failed: %v", err)
	}
	if written != 0 {
		t.Fatalf("expected ignored insert to write nothing, wrote %d", written)
	}
	if got := loadSetting(t, db, "a").Value; got != 1 {
		t.Fatalf("expected original value 1, got %d", got)
	}
}

func TestInsertReplaceOverwritesRow(t *testing.T) {
	db := openTestDatabase(t)

	if _, err := Insert(db, &settingRow{Name: "a", Value: 1}, ConflictReplace); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if _, err := Insert(db, &settingRow{Name: "a", Value: 7}, ConflictReplace); err != nil {
		t.Fatalf("replace insert failed: %v", err)
	}
	if got := loadSetting(t, db, "a").Value; got != 7 {
		t.Fatalf("expected replaced value 7, got %d", got)
	}
}

func TestInsertAbortReportsConstraintViolation(t *testing.T) {
	db := openTestDatabase(t)

	if _, err := Insert(db, &settingRow{Name: "a", Value: 1}, ConflictAbort); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if _, err := Insert(db, &settingRow{Name: "a", Value: 2}, ConflictAbort); err == nil {
		t.Fatalf("expected duplicate insert to fail under abort policy")
	}
}

func TestInsertManyWritesAllRows(t *testing.T) {
	db := openTestDatabase(t)

	rows := []settingRow{{Name: "a", Value: 1}, {Name: "b", Value: 2}, {Name: "c", Value: 3}}
	written, err := InsertMany(context.Background(), db, &rows, ConflictIgnore)
	if err != nil {
		t.Fatalf("insert many failed: %v", err)
	}
	if written != 3 {
		t.Fatalf("expected 3 rows written, got %d", written)
	}

	var count int64
	if err := db.Model(&settingRow{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 stored rows, got %d", count)
	}
}

func TestInsertManyEmptySliceIsNoop(t *testing.T) {
	db := openTestDatabase(t)

	written, err := InsertMany(context.Background(), db, []settingRow{}, ConflictIgnore)
	if err != nil || written != 0 {
		t.Fatalf("expected empty insert to be a no-op, written=%d err=%v", written, err)
	}
}

func TestTransactionRollsBackOnError(t *testing.T) {
	db := openTestDatabase(t)
	sentinel := errors.New("stop")

	err := Transaction(context.Background(), db, func(tx *gorm.DB) error {
		if _, err := Insert(tx, &settingRow{Name: "a", Value: 1}, ConflictAbort); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	var count int64
	if err := db.Model(&settingRow{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected rollback to discard the row, found %d", count)
	}
}

func TestParseConflictPolicy(t *testing.T) {
	tests := []struct {
		input    string
		expected ConflictPolicy
	}{
		{input: "abort", expected: ConflictAbort},
		{input: " Rollback ", expected: ConflictRollback},
		{input: "FAIL", expected: ConflictFail},
		{input: "ignore", expected: ConflictIgnore},
		{input: "replace", expected: ConflictReplace},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			policy, err := ParseConflictPolicy(tt.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if policy != tt.expected {
				t.Fatalf("expected %s, got %s", tt.expected, policy)
			}
		})
	}

	if _, err := ParseConflictPolicy("merge"); !errors.Is(err, ErrUnknownConflictPolicy) {
		t.Fatalf("expected unknown policy error, got %v", err)
	}
}

func TestConflictPolicyClause(t *testing.T) {
	if modifier := ConflictIgnore.Clause().Modifier; modifier != "OR IGNORE" {
		t.Fatalf("unexpected modifier %q", modifier)
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("expected undefined policy to panic")
		}
	}()
	ConflictPolicy(42).Clause()
}

func TestInsertRejectsNonPointerRow(t *testing.T) {
	db := openTestDatabase(t)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected non-pointer row to panic")
		}
	}()
	_, _ = Insert(db, settingRow{Name: "a"}, ConflictAbort)
}

func TestUpdateAndDeleteReportAffectedRows(t *testing.T) {
	db := openTestDatabase(t)
	if _, err := InsertMany(context.Background(), db, []settingRow{{Name: "a", Value: 1}, {Name: "b", Value: 1}}, ConflictAbort); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	changed, err := Update(db, &settingRow{}, map[string]any{"value": 5}, "value = ?", 1)
	if err != nil || changed != 2 {
		t.Fatalf("expected two updated rows, changed=%d err=%v", changed, err)
	}
	changed, err = Update(db, &settingRow{}, map[string]any{"value": 6}, "name = ?", "missing")
	if err != nil || changed != 0 {
		t.Fatalf("expected no updated rows, changed=%d err=%v", changed, err)
	}

	deleted, err := Delete(db, &settingRow{}, "name = ?", "a")
	if err != nil || deleted != 1 {
		t.Fatalf("expected one deleted row, deleted=%d err=%v", deleted, err)
	}
	if got := loadSetting(t, db, "b").Value; got != 5 {
		t.Fatalf("expected remaining row to be updated, got %d", got)
	}
}

func TestUpdatePanicsWithoutColumns(t *testing.T) {
	db := openTestDatabase(t)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for empty update")
		}
	}()
	_, _ = Update(db, &settingRow{}, map[string]any{}, "name = ?", "a")
}
