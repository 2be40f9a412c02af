package server

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/fieldqueue/internal/edits"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/quests"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/upload"
)

type elementEditPayload struct {
	ID          int64           `json:"id"`
	ElementType string          `json:"element_type"`
	ElementID   int64           `json:"element_id"`
	QuestType   string          `json:"quest_type"`
	Source      string          `json:"source"`
	Latitude    float64         `json:"lat"`
	Longitude   float64         `json:"lon"`
	Action      string          `json:"action"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	IsSynced    bool            `json:"is_synced"`
	IsBlocked   bool            `json:"is_blocked"`
}

func newElementEditPayload(edit edits.ElementEdit) elementEditPayload {
	return elementEditPayload{
		ID:          edit.ID,
		ElementType: string(edit.Element.Type),
		ElementID:   edit.Element.ID,
		QuestType:   edit.QuestType,
		Source:      edit.Source,
		Latitude:    edit.Position.Latitude,
		Longitude:   edit.Position.Longitude,
		Action:      string(edit.Action),
		Payload:     edit.Payload,
		CreatedAt:   edit.CreatedAt,
		IsSynced:    edit.IsSynced,
		IsBlocked:   edit.IsBlocked,
	}
}

type noteEditPayload struct {
	ID                        int64     `json:"id"`
	NoteID                    int64     `json:"note_id"`
	Latitude                  float64   `json:"lat"`
	Longitude                 float64   `json:"lon"`
	Action                    string    `json:"action"`
	Text                      string    `json:"text,omitempty"`
	AttachmentPaths           []string  `json:"attachment_paths,omitempty"`
	CreatedAt                 time.Time `json:"created_at"`
	IsSynced                  bool      `json:"is_synced"`
	AttachmentsNeedActivation bool      `json:"attachments_need_activation"`
}

func newNoteEditPayload(edit edits.NoteEdit) noteEditPayload {
	return noteEditPayload{
		ID:                        edit.ID,
		NoteID:                    edit.NoteID,
		Latitude:                  edit.Position.Latitude,
		Longitude:                 edit.Position.Longitude,
		Action:                    string(edit.Action),
		Text:                      edit.Text,
		AttachmentPaths:           edit.AttachmentPaths,
		CreatedAt:                 edit.CreatedAt,
		IsSynced:                  edit.IsSynced,
		AttachmentsNeedActivation: edit.AttachmentsNeedActivation,
	}
}

type noteQuestPayload struct {
	NoteID    int64   `json:"note_id"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

func newNoteQuestPayloads(noteQuests []quests.NoteQuest) []noteQuestPayload {
	payloads := make([]noteQuestPayload, 0, len(noteQuests))
	for _, quest := range noteQuests {
		payloads = append(payloads, noteQuestPayload{
			NoteID:    quest.NoteID,
			Latitude:  quest.Position.Latitude,
			Longitude: quest.Position.Longitude,
		})
	}
	return payloads
}

type noteQuestsUpdatedPayload struct {
	Added   []noteQuestPayload `json:"added"`
	Removed []int64            `json:"removed"`
}

type uploadFinishedPayload struct {
	NotesUploaded        int    `json:"notes_uploaded"`
	NotesDiscarded       int    `json:"notes_discarded"`
	AttachmentsActivated int    `json:"attachments_activated"`
	ElementsUploaded     int    `json:"elements_uploaded"`
	ElementsDiscarded    int    `json:"elements_discarded"`
	Error                string `json:"error,omitempty"`
}

func newUploadFinishedPayload(result upload.Result, err error) uploadFinishedPayload {
	payload := uploadFinishedPayload{
		NotesUploaded:        result.NotesUploaded,
		NotesDiscarded:       result.NotesDiscarded,
		AttachmentsActivated: result.AttachmentsActivated,
		ElementsUploaded:     result.ElementsUploaded,
		ElementsDiscarded:    result.ElementsDiscarded,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	return payload
}
