package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/fieldqueue/internal/observe"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidUserID indicates a user id that is not a positive remote id.
var ErrInvalidUserID = errors.New("users: invalid user id")

// LoginStatusListener is notified after the login state changed.
type LoginStatusListener interface {
	OnLoggedIn()
	OnLoggedOut()
}

// ServiceConfig describes the dependencies required for login state tracking.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service tracks which contributor is logged in. The session is cached in
// memory so UserID can be consulted on hot paths without touching storage.
type Service struct {
	db        *gorm.DB
	now       func() time.Time
	logger    *zap.Logger
	writeMu   sync.Mutex
	cache     atomic.Pointer[Session]
	listeners observe.List[LoginStatusListener]
}

// NewService constructs the login state service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// Load hydrates the in-memory session from storage. It does not notify
// listeners.
func (s *Service) Load(ctx context.Context) error {
	var record SessionRecord
	err := s.db.WithContext(ctx).Where("slot = ?", currentSessionSlot).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.cache.Store(nil)
		return nil
	}
	if err != nil {
		s.logger.Error("users: failed to load session", zap.Error(err))
		return err
	}
	session := record.toSession()
	s.cache.Store(&session)
	return nil
}

// Login stores userID as the current contributor and notifies listeners.
func (s *Service) Login(ctx context.Context, userID int64, name string) (Session, error) {
	if userID <= 0 {
		return Session{}, fmt.Errorf("%w: %d", ErrInvalidUserID, userID)
	}
	record := SessionRecord{
		Slot:             currentSessionSlot,
		UserID:           userID,
		Name:             normalize(name),
		LoggedInAtMillis: s.now().UTC().UnixMilli(),
	}

	s.writeMu.Lock()
	err := storage.Transaction(ctx, s.db, func(tx *gorm.DB) error {
		_, insertErr := storage.Insert(tx, &record, storage.ConflictReplace)
		return insertErr
	})
	if err != nil {
		s.writeMu.Unlock()
		s.logger.Error("users: failed to store session", zap.Int64("user_id", userID), zap.Error(err))
		return Session{}, err
	}
	session := record.toSession()
	s.cache.Store(&session)
	s.writeMu.Unlock()

	s.logger.Info("users: logged in", zap.Int64("user_id", userID))
	s.listeners.Each(func(listener LoginStatusListener) {
		listener.OnLoggedIn()
	})
	return session, nil
}

// Logout removes the current session. Logging out while logged out is a no-op.
func (s *Service) Logout(ctx context.Context) error {
	s.writeMu.Lock()
	deleted, err := storage.Delete(s.db.WithContext(ctx), &SessionRecord{}, "slot = ?", currentSessionSlot)
	if err != nil {
		s.writeMu.Unlock()
		s.logger.Error("users: failed to delete session", zap.Error(err))
		return err
	}
	wasLoggedIn := s.cache.Swap(nil) != nil || deleted > 0
	s.writeMu.Unlock()

	if !wasLoggedIn {
		return nil
	}
	s.logger.Info("users: logged out")
	s.listeners.Each(func(listener LoginStatusListener) {
		listener.OnLoggedOut()
	})
	return nil
}

// Current returns the cached session.
func (s *Service) Current() (Session, bool) {
	session := s.cache.Load()
	if session == nil {
		return Session{}, false
	}
	return *session, true
}

// UserID returns the id of the logged in contributor.
func (s *Service) UserID() (int64, bool) {
	session, ok := s.Current()
	if !ok {
		return 0, false
	}
	return session.UserID, true
}

func (s *Service) AddLoginStatusListener(listener LoginStatusListener) {
	s.listeners.Add(listener)
}

func (s *Service) RemoveLoginStatusListener(listener LoginStatusListener) {
	s.listeners.Remove(listener)
}
