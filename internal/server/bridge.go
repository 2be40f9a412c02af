package server

import (
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/edits"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/quests"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/upload"
)

// EventBridge republishes edit, quest and upload notifications on the event
// bus. Register it with every source whose changes clients should see.
type EventBridge struct {
	bus *EventBus
}

func NewEventBridge(bus *EventBus) *EventBridge {
	return &EventBridge{bus: bus}
}

func (b *EventBridge) OnAddedElementEdit(edit edits.ElementEdit) {
	b.bus.Publish(EventElementEditAdded, newElementEditPayload(edit))
}

func (b *EventBridge) OnSyncedElementEdit(edit edits.ElementEdit) {
	b.bus.Publish(EventElementEditSynced, newElementEditPayload(edit))
}

func (b *EventBridge) OnDeletedElementEdit(edit edits.ElementEdit) {
	b.bus.Publish(EventElementEditDeleted, newElementEditPayload(edit))
}

func (b *EventBridge) OnAddedNoteEdit(edit edits.NoteEdit) {
	b.bus.Publish(EventNoteEditAdded, newNoteEditPayload(edit))
}

func (b *EventBridge) OnSyncedNoteEdit(edit edits.NoteEdit) {
	b.bus.Publish(EventNoteEditSynced, newNoteEditPayload(edit))
}

func (b *EventBridge) OnDeletedNoteEdit(edit edits.NoteEdit) {
	b.bus.Publish(EventNoteEditDeleted, newNoteEditPayload(edit))
}

func (b *EventBridge) OnNoteQuestsUpdated(added []quests.NoteQuest, removedNoteIDs []int64) {
	removed := removedNoteIDs
	if removed == nil {
		removed = []int64{}
	}
	b.bus.Publish(EventNoteQuestsUpdated, noteQuestsUpdatedPayload{
		Added:   newNoteQuestPayloads(added),
		Removed: removed,
	})
}

func (b *EventBridge) OnNoteQuestsInvalidated() {
	b.bus.Publish(EventNoteQuestsInvalidated, struct{}{})
}

func (b *EventBridge) OnUploadStarted() {
	b.bus.Publish(EventUploadStarted, struct{}{})
}

func (b *EventBridge) OnUploadFinished(result upload.Result, err error) {
	b.bus.Publish(EventUploadFinished, newUploadFinishedPayload(result, err))
}

var (
	_ edits.ElementEditsListener = (*EventBridge)(nil)
	_ edits.NoteEditsListener    = (*EventBridge)(nil)
	_ quests.NoteQuestListener   = (*EventBridge)(nil)
	_ upload.Listener            = (*EventBridge)(nil)
)
