// Package preferences holds user preferences that change which quests are
// visible, and keeps them in sync with the configuration file.
package preferences

import (
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/fieldqueue/internal/observe"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// KeyOnlyQuestionPhrasedNotes is the configuration key backing
// NotesPreferences.
const KeyOnlyQuestionPhrasedNotes = "notes.only_questions"

// Listener is notified after a notes preference changed value.
type Listener interface {
	OnNotesPreferencesChanged()
}

// NotesPreferences controls which map notes are offered as quests.
type NotesPreferences struct {
	onlyQuestions atomic.Bool
	logger        *zap.Logger
	listeners     observe.List[Listener]
}

func NewNotesPreferences(onlyQuestions bool, logger *zap.Logger) *NotesPreferences {
	if logger == nil {
		logger = zap.NewNop()
	}
	preferences := &NotesPreferences{logger: logger}
	preferences.onlyQuestions.Store(onlyQuestions)
	return preferences
}

// OnlyQuestionPhrasedNotes reports whether only notes phrased as a question
// (or explicitly asking for a survey) should become quests.
func (p *NotesPreferences) OnlyQuestionPhrasedNotes() bool {
	return p.onlyQuestions.Load()
}

// SetOnlyQuestionPhrasedNotes stores value and notifies listeners if it
// differs from the previous one.
func (p *NotesPreferences) SetOnlyQuestionPhrasedNotes(value bool) bool {
	if p.onlyQuestions.Swap(value) == value {
		return false
	}
	p.logger.Info("preferences: notes preference changed", zap.Bool("only_questions", value))
	p.listeners.Each(func(listener Listener) {
		listener.OnNotesPreferencesChanged()
	})
	return true
}

func (p *NotesPreferences) AddListener(listener Listener) {
	p.listeners.Add(listener)
}

func (p *NotesPreferences) RemoveListener(listener Listener) {
	p.listeners.Remove(listener)
}

// WatchViper re-reads the preference whenever the configuration file backing
// v changes on disk. v must have a config file set.
func (p *NotesPreferences) WatchViper(v *viper.Viper) {
	v.OnConfigChange(func(event fsnotify.Event) {
		p.handleConfigChange(v, event)
	})
	v.WatchConfig()
}

func (p *NotesPreferences) handleConfigChange(v *viper.Viper, event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	p.logger.Debug("preferences: configuration file changed", zap.String("file", event.Name))
	p.SetOnlyQuestionPhrasedNotes(v.GetBool(KeyOnlyQuestionPhrasedNotes))
}
