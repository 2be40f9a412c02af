// Package changesets caches which remote changeset is currently open for each
// quest type and contribution source, so consecutive uploads can share one.
package changesets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fieldqueue/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidKey indicates an empty quest type or source.
	ErrInvalidKey = errors.New("changesets: invalid key")
	// ErrInvalidChangesetID indicates a non-positive changeset id.
	ErrInvalidChangesetID = errors.New("changesets: invalid changeset id")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

const (
	opRegistryNew  = "changesets.registry.new"
	opGet          = "changesets.get"
	opPut          = "changesets.put"
	opDelete       = "changesets.delete"
	opGetAll       = "changesets.get_all"
	queryKey       = "quest_type = ? AND source = ?"
	fieldQuestType = "quest_type"
	fieldSource    = "source"
)

// Key identifies the changeset slot of one quest type and source.
type Key struct {
	QuestType string
	Source    string
}

// NewKey validates the parts and returns a Key.
func NewKey(questType, source string) (Key, error) {
	trimmedQuestType := strings.TrimSpace(questType)
	trimmedSource := strings.TrimSpace(source)
	if trimmedQuestType == "" || trimmedSource == "" {
		return Key{}, fmt.Errorf("%w: quest type %q, source %q", ErrInvalidKey, questType, source)
	}
	return Key{QuestType: trimmedQuestType, Source: trimmedSource}, nil
}

// OpenChangeset is the last known open remote changeset for a key.
type OpenChangeset struct {
	Key         Key
	ChangesetID int64
	LastUsedAt  time.Time
}

// OpenChangesetRecord models the persisted registry row.
type OpenChangesetRecord struct {
	QuestType        string `gorm:"column:quest_type;primaryKey;size:190"`
	Source           string `gorm:"column:source;primaryKey;size:190"`
	ChangesetID      int64  `gorm:"column:changeset_id;not null"`
	LastUsedAtMillis int64  `gorm:"column:last_used_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (OpenChangesetRecord) TableName() string {
	return "open_changesets"
}

func (record OpenChangesetRecord) toOpenChangeset() OpenChangeset {
	return OpenChangeset{
		Key:         Key{QuestType: record.QuestType, Source: record.Source},
		ChangesetID: record.ChangesetID,
		LastUsedAt:  time.UnixMilli(record.LastUsedAtMillis).UTC(),
	}
}

type RegistryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Registry holds at most one open changeset per key. It is a pure cache:
// deciding when an entry is too old to reuse is up to the caller.
type Registry struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opRegistryNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Registry{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Get returns the open changeset stored for key.
func (r *Registry) Get(ctx context.Context, key Key) (OpenChangeset, bool, error) {
	var record OpenChangesetRecord
	err := r.db.WithContext(ctx).Where(queryKey, key.QuestType, key.Source).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return OpenChangeset{}, false, nil
	}
	if err != nil {
		r.logError(opGet, "query_failed", err, key)
		return OpenChangeset{}, false, newServiceError(opGet, "query_failed", err)
	}
	return record.toOpenChangeset(), true, nil
}

// Put stores changesetID for key, replacing any previous value, and stamps
// it with the current time.
func (r *Registry) Put(ctx context.Context, key Key, changesetID int64) (OpenChangeset, error) {
	if _, err := NewKey(key.QuestType, key.Source); err != nil {
		return OpenChangeset{}, newServiceError(opPut, "invalid_key", err)
	}
	if changesetID <= 0 {
		return OpenChangeset{}, newServiceError(opPut, "invalid_changeset_id", fmt.Errorf("%w: %d", ErrInvalidChangesetID, changesetID))
	}
	record := OpenChangesetRecord{
		QuestType:        key.QuestType,
		Source:           key.Source,
		ChangesetID:      changesetID,
		LastUsedAtMillis: r.clock().UTC().UnixMilli(),
	}
	err := storage.Transaction(ctx, r.db, func(tx *gorm.DB) error {
		_, insertErr := storage.Insert(tx, &record, storage.ConflictReplace)
		return insertErr
	})
	if err != nil {
		r.logError(opPut, "insert_failed", err, key)
		return OpenChangeset{}, newServiceError(opPut, "insert_failed", err)
	}
	return record.toOpenChangeset(), nil
}

// Delete invalidates the entry for key and reports whether one existed.
func (r *Registry) Delete(ctx context.Context, key Key) (bool, error) {
	deleted, err := storage.Delete(r.db.WithContext(ctx), &OpenChangesetRecord{}, queryKey, key.QuestType, key.Source)
	if err != nil {
		r.logError(opDelete, "delete_failed", err, key)
		return false, newServiceError(opDelete, "delete_failed", err)
	}
	return deleted == 1, nil
}

// GetAll returns every cached entry ordered by key.
func (r *Registry) GetAll(ctx context.Context) ([]OpenChangeset, error) {
	var records []OpenChangesetRecord
	if err := r.db.WithContext(ctx).Order("quest_type ASC, source ASC").Find(&records).Error; err != nil {
		r.logError(opGetAll, "query_failed", err, Key{})
		return nil, newServiceError(opGetAll, "query_failed", err)
	}
	result := make([]OpenChangeset, 0, len(records))
	for _, record := range records {
		result = append(result, record.toOpenChangeset())
	}
	return result, nil
}

func (r *Registry) logError(operation, reason string, err error, key Key) {
	logger := r.logger
	if logger == nil {
		logger = noOpLogger
	}
	logger.Error("changeset registry error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String(fieldQuestType, key.QuestType),
		zap.String(fieldSource, key.Source),
		zap.Error(err),
	)
}
