package notes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/fieldqueue/internal/geo"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/observe"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
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

const (
	opServiceNew   = "notes.service.new"
	opPutAll       = "notes.put_all"
	opDelete       = "notes.delete"
	opGet          = "notes.get"
	opGetAll       = "notes.get_all"
	opGetAllByIDs  = "notes.get_all_by_ids"
	fieldNoteID    = "note_id"
	queryNoteIDIn  = "note_id IN ?"
	queryBoundsBox = "latitude BETWEEN ? AND ? AND longitude BETWEEN ? AND ?"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Listener is notified after a change to the note cache has been committed.
type Listener interface {
	OnUpdated(added []Note, updated []Note, deleted []int64)
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service is the local cache of map notes downloaded from the remote service.
// It is the note data source consumed by the quest visibility filter.
type Service struct {
	db        *gorm.DB
	clock     func() time.Time
	logger    *zap.Logger
	writeMu   sync.Mutex
	listeners observe.List[Listener]
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
	}, nil
}

// PutAll stores the given notes, replacing cached versions, and notifies
// listeners which of them were new and which replaced an existing note.
func (s *Service) PutAll(ctx context.Context, incoming []Note) error {
	if len(incoming) == 0 {
		return nil
	}

	records := make([]NoteRecord, 0, len(incoming))
	ids := make([]int64, 0, len(incoming))
	storedAt := s.clock().UTC()
	for _, note := range incoming {
		record, err := newNoteRecord(note, storedAt)
		if err != nil {
			s.logError(opPutAll, "invalid_note", err, zap.Int64(fieldNoteID, note.ID))
			return newServiceError(opPutAll, "invalid_note", err)
		}
		records = append(records, record)
		ids = append(ids, note.ID)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	existing := make(map[int64]struct{})
	txErr := storage.Transaction(ctx, s.db, func(tx *gorm.DB) error {
		var existingIDs []int64
		if err := tx.Model(&NoteRecord{}).Where(queryNoteIDIn, ids).Pluck("note_id", &existingIDs).Error; err != nil {
			return err
		}
		for _, id := range existingIDs {
			existing[id] = struct{}{}
		}
		for index := range records {
			if _, err := storage.Insert(tx, &records[index], storage.ConflictReplace); err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		s.logError(opPutAll, "transaction_failed", txErr)
		return newServiceError(opPutAll, "transaction_failed", txErr)
	}

	var added, updated []Note
	for _, note := range incoming {
		if _, ok := existing[note.ID]; ok {
			updated = append(updated, note)
		} else {
			added = append(added, note)
		}
	}
	s.notifyUpdated(added, updated, nil)
	return nil
}

// Delete removes the given notes and reports how many were cached.
func (s *Service) Delete(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var deleted []int64
	txErr := storage.Transaction(ctx, s.db, func(tx *gorm.DB) error {
		if err := tx.Model(&NoteRecord{}).Where(queryNoteIDIn, ids).Pluck("note_id", &deleted).Error; err != nil {
			return err
		}
		if len(deleted) == 0 {
			return nil
		}
		return tx.Where(queryNoteIDIn, deleted).Delete(&NoteRecord{}).Error
	})
	if txErr != nil {
		s.logError(opDelete, "transaction_failed", txErr)
		return 0, newServiceError(opDelete, "transaction_failed", txErr)
	}

	if len(deleted) > 0 {
		s.notifyUpdated(nil, nil, deleted)
	}
	return len(deleted), nil
}

// Get returns the cached note with the given id.
func (s *Service) Get(ctx context.Context, id int64) (Note, bool, error) {
	var record NoteRecord
	err := s.db.WithContext(ctx).Where("note_id = ?", id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Note{}, false, nil
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.Int64(fieldNoteID, id))
		return Note{}, false, newServiceError(opGet, "query_failed", err)
	}
	return record.toNote(), true, nil
}

// GetAll returns every cached note inside bbox.
func (s *Service) GetAll(ctx context.Context, bbox geo.BoundingBox) ([]Note, error) {
	var records []NoteRecord
	if err := s.db.WithContext(ctx).
		Where(queryBoundsBox, bbox.MinLatitude, bbox.MaxLatitude, bbox.MinLongitude, bbox.MaxLongitude).
		Order("note_id ASC").
		Find(&records).Error; err != nil {
		s.logError(opGetAll, "query_failed", err)
		return nil, newServiceError(opGetAll, "query_failed", err)
	}
	return toNotes(records), nil
}

// GetAllByIDs returns the cached notes among ids; unknown ids are skipped.
func (s *Service) GetAllByIDs(ctx context.Context, ids []int64) ([]Note, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var records []NoteRecord
	if err := s.db.WithContext(ctx).
		Where(queryNoteIDIn, ids).
		Order("note_id ASC").
		Find(&records).Error; err != nil {
		s.logError(opGetAllByIDs, "query_failed", err)
		return nil, newServiceError(opGetAllByIDs, "query_failed", err)
	}
	return toNotes(records), nil
}

// AddListener registers listener for committed cache changes.
func (s *Service) AddListener(listener Listener) {
	s.listeners.Add(listener)
}

// RemoveListener unregisters listener.
func (s *Service) RemoveListener(listener Listener) {
	s.listeners.Remove(listener)
}

func (s *Service) notifyUpdated(added, updated []Note, deleted []int64) {
	s.listeners.Each(func(listener Listener) {
		listener.OnUpdated(added, updated, deleted)
	})
}

func toNotes(records []NoteRecord) []Note {
	result := make([]Note, 0, len(records))
	for _, record := range records {
		result = append(result, record.toNote())
	}
	return result
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("notes service error", attrs...)
}
