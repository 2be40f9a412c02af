package quests

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/fieldqueue/internal/geo"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/notes"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/observe"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/preferences"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/users"
	"go.uber.org/zap"
)

// NoteQuest asks the contributor to survey a map note.
type NoteQuest struct {
	NoteID   int64
	Position geo.LatLon
}

// NoteQuestListener receives changes of the visible note quest set.
type NoteQuestListener interface {
	// OnNoteQuestsUpdated delivers an incremental diff.
	OnNoteQuestsUpdated(added []NoteQuest, removedNoteIDs []int64)
	// OnNoteQuestsInvalidated signals that any previously fetched set is stale
	// and must be fetched again in full.
	OnNoteQuestsInvalidated()
}

// NoteSource is the note data the quests are derived from.
type NoteSource interface {
	Get(ctx context.Context, id int64) (notes.Note, bool, error)
	GetAll(ctx context.Context, bbox geo.BoundingBox) ([]notes.Note, error)
	GetAllByIDs(ctx context.Context, ids []int64) ([]notes.Note, error)
	AddListener(listener notes.Listener)
	RemoveListener(listener notes.Listener)
}

// LoginStatusSource exposes the logged in contributor.
type LoginStatusSource interface {
	UserID() (int64, bool)
	AddLoginStatusListener(listener users.LoginStatusListener)
	RemoveLoginStatusListener(listener users.LoginStatusListener)
}

// NotesPreferencesSource exposes the notes preferences.
type NotesPreferencesSource interface {
	OnlyQuestionPhrasedNotes() bool
	AddListener(listener preferences.Listener)
	RemoveListener(listener preferences.Listener)
}

type NoteQuestControllerConfig struct {
	Notes       NoteSource
	Hidden      *HiddenNoteQuestStore
	Users       LoginStatusSource
	Preferences NotesPreferencesSource
	Filter      NoteFilter
	Logger      *zap.Logger
}

// NoteQuestController derives the visible note quests from the note source,
// the hidden set, the login state and the notes preferences.
type NoteQuestController struct {
	mu          sync.Mutex
	notes       NoteSource
	hidden      *HiddenNoteQuestStore
	users       LoginStatusSource
	preferences NotesPreferencesSource
	filter      NoteFilter
	logger      *zap.Logger
	generation  atomic.Uint64
	listeners   observe.List[NoteQuestListener]
}

// NewNoteQuestController constructs the controller and subscribes it to its
// sources. Close undoes the subscriptions.
func NewNoteQuestController(cfg NoteQuestControllerConfig) (*NoteQuestController, error) {
	if cfg.Notes == nil || cfg.Hidden == nil || cfg.Users == nil || cfg.Preferences == nil {
		return nil, newServiceError(opControllerNew, reasonMissingSource, errMissingDependency)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	controller := &NoteQuestController{
		notes:       cfg.Notes,
		hidden:      cfg.Hidden,
		users:       cfg.Users,
		preferences: cfg.Preferences,
		filter:      cfg.Filter,
		logger:      logger,
	}
	cfg.Notes.AddListener(controller)
	cfg.Users.AddLoginStatusListener(controller)
	cfg.Preferences.AddListener(controller)
	return controller, nil
}

// Close unsubscribes the controller from its sources.
func (c *NoteQuestController) Close() {
	c.notes.RemoveListener(c)
	c.users.RemoveLoginStatusListener(c)
	c.preferences.RemoveListener(c)
}

// Generation increases every time the visible set was invalidated wholesale.
func (c *NoteQuestController) Generation() uint64 {
	return c.generation.Load()
}

// Get returns the quest for noteID if it is currently visible.
func (c *NoteQuestController) Get(ctx context.Context, noteID int64) (NoteQuest, bool, error) {
	hidden, err := c.hidden.Contains(ctx, noteID)
	if err != nil {
		c.logError(opControllerGet, reasonQueryFailed, err, zap.Int64(fieldNoteID, noteID))
		return NoteQuest{}, false, err
	}
	if hidden {
		return NoteQuest{}, false, nil
	}
	note, found, err := c.notes.Get(ctx, noteID)
	if err != nil {
		c.logError(opControllerGet, reasonQueryFailed, err, zap.Int64(fieldNoteID, noteID))
		return NoteQuest{}, false, err
	}
	if !found {
		return NoteQuest{}, false, nil
	}
	quest, visible := c.evaluate(note, nil)
	return quest, visible, nil
}

// GetAllVisibleInBBox returns the visible quests of the notes inside bbox.
func (c *NoteQuestController) GetAllVisibleInBBox(ctx context.Context, bbox geo.BoundingBox) ([]NoteQuest, error) {
	candidates, err := c.notes.GetAll(ctx, bbox)
	if err != nil {
		c.logError(opControllerGetAll, reasonQueryFailed, err)
		return nil, err
	}
	hidden, err := c.hiddenSet(ctx)
	if err != nil {
		c.logError(opControllerGetAll, reasonQueryFailed, err)
		return nil, err
	}
	return c.createQuests(candidates, hidden), nil
}

// Hide suppresses the quest of noteID. Hiding an already hidden quest changes
// nothing.
func (c *NoteQuestController) Hide(ctx context.Context, noteID int64) error {
	c.mu.Lock()
	added, err := c.hidden.Add(ctx, noteID)
	c.mu.Unlock()
	if err != nil {
		c.logError(opControllerHide, reasonInsertFailed, err, zap.Int64(fieldNoteID, noteID))
		return err
	}
	if added {
		c.notifyUpdated(nil, []int64{noteID})
	}
	return nil
}

// UnhideAll clears the hidden set and returns how many quests were hidden.
// Previously hidden notes reappear only if they qualify on their own.
func (c *NoteQuestController) UnhideAll(ctx context.Context) (int64, error) {
	c.mu.Lock()
	hiddenIDs, err := c.hidden.GetAll(ctx)
	if err != nil {
		c.mu.Unlock()
		c.logError(opControllerUnhideAll, reasonQueryFailed, err)
		return 0, err
	}
	previouslyHidden, err := c.notes.GetAllByIDs(ctx, hiddenIDs)
	if err != nil {
		c.mu.Unlock()
		c.logError(opControllerUnhideAll, reasonQueryFailed, err)
		return 0, err
	}
	cleared, err := c.hidden.DeleteAll(ctx)
	if err != nil {
		c.mu.Unlock()
		c.logError(opControllerUnhideAll, reasonDeleteFailed, err)
		return 0, err
	}
	unhidden := c.createQuests(previouslyHidden, nil)
	c.mu.Unlock()

	c.notifyUpdated(unhidden, nil)
	return cleared, nil
}

// OnUpdated re-evaluates the changed notes. Updated notes that no longer
// qualify and deleted notes become removals.
func (c *NoteQuestController) OnUpdated(added []notes.Note, updated []notes.Note, deleted []int64) {
	c.mu.Lock()
	hidden, err := c.hiddenSet(context.Background())
	if err != nil {
		c.mu.Unlock()
		c.logError(opControllerUpdated, reasonQueryFailed, err)
		c.invalidate()
		return
	}
	var quests []NoteQuest
	removed := append([]int64(nil), deleted...)
	for _, note := range added {
		if quest, ok := c.evaluate(note, hidden); ok {
			quests = append(quests, quest)
		}
	}
	for _, note := range updated {
		if quest, ok := c.evaluate(note, hidden); ok {
			quests = append(quests, quest)
		} else {
			removed = append(removed, note.ID)
		}
	}
	c.mu.Unlock()

	c.notifyUpdated(quests, removed)
}

// OnLoggedIn invalidates the visible set: notes the contributor commented on
// or created are no longer quests.
func (c *NoteQuestController) OnLoggedIn() {
	c.invalidate()
}

func (c *NoteQuestController) OnLoggedOut() {}

// OnNotesPreferencesChanged invalidates the visible set.
func (c *NoteQuestController) OnNotesPreferencesChanged() {
	c.invalidate()
}

func (c *NoteQuestController) AddListener(listener NoteQuestListener) {
	c.listeners.Add(listener)
}

func (c *NoteQuestController) RemoveListener(listener NoteQuestListener) {
	c.listeners.Remove(listener)
}

func (c *NoteQuestController) invalidate() {
	c.generation.Add(1)
	c.listeners.Each(func(listener NoteQuestListener) {
		listener.OnNoteQuestsInvalidated()
	})
}

func (c *NoteQuestController) notifyUpdated(added []NoteQuest, removed []int64) {
	if len(added) == 0 && len(removed) == 0 {
		return
	}
	c.listeners.Each(func(listener NoteQuestListener) {
		listener.OnNoteQuestsUpdated(added, removed)
	})
}

func (c *NoteQuestController) hiddenSet(ctx context.Context) (map[int64]struct{}, error) {
	ids, err := c.hidden.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

func (c *NoteQuestController) createQuests(candidates []notes.Note, hidden map[int64]struct{}) []NoteQuest {
	quests := make([]NoteQuest, 0, len(candidates))
	for _, note := range candidates {
		if quest, ok := c.evaluate(note, hidden); ok {
			quests = append(quests, quest)
		}
	}
	return quests
}

func (c *NoteQuestController) evaluate(note notes.Note, hidden map[int64]struct{}) (NoteQuest, bool) {
	var userID *int64
	if id, loggedIn := c.users.UserID(); loggedIn {
		userID = &id
	}
	if !c.filter.ShouldShow(note, userID, c.preferences.OnlyQuestionPhrasedNotes(), hidden) {
		return NoteQuest{}, false
	}
	return NoteQuest{NoteID: note.ID, Position: note.Position}, true
}

func (c *NoteQuestController) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("note quest controller error", attrs...)
}
