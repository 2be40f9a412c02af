package edits

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fieldqueue/internal/geo"
)

// NoteAction enumerates what a note edit does.
type NoteAction string

const (
	// NoteActionCreate opens a new note. Its NoteID is a negative placeholder
	// derived from the edit id until the remote service assigns the real id.
	NoteActionCreate NoteAction = "create"
	// NoteActionComment adds a comment to an existing or pending note.
	NoteActionComment NoteAction = "comment"
)

// ParseNoteAction validates raw input and returns a NoteAction.
func ParseNoteAction(rawInput string) (NoteAction, error) {
	switch NoteAction(strings.ToLower(strings.TrimSpace(rawInput))) {
	case NoteActionCreate:
		return NoteActionCreate, nil
	case NoteActionComment:
		return NoteActionComment, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, rawInput)
	}
}

// NoteEdit is a locally recorded note creation or comment.
type NoteEdit struct {
	ID              int64
	NoteID          int64
	Position        geo.LatLon
	Action          NoteAction
	Text            string
	AttachmentPaths []string
	CreatedAt       time.Time
	IsSynced        bool
	// AttachmentsNeedActivation is set while uploaded attachments still have
	// to be activated on the remote side after the edit was synced.
	AttachmentsNeedActivation bool
}

// NewNoteEdit describes the caller-provided part of a note edit.
type NewNoteEdit struct {
	NoteID          int64
	Action          NoteAction
	Position        geo.LatLon
	Text            string
	AttachmentPaths []string
}

func (input NewNoteEdit) validate() error {
	action, err := ParseNoteAction(string(input.Action))
	if err != nil {
		return err
	}
	switch action {
	case NoteActionCreate:
		if input.NoteID != 0 {
			return fmt.Errorf("%w: create must not reference a note", ErrInvalidNoteID)
		}
	case NoteActionComment:
		if input.NoteID == 0 {
			return fmt.Errorf("%w: comment requires a note", ErrInvalidNoteID)
		}
	}
	if strings.TrimSpace(input.Text) == "" && len(input.AttachmentPaths) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidText)
	}
	return nil
}

// NoteEditRecord models the persisted note edit row.
type NoteEditRecord struct {
	ID                        int64   `gorm:"column:id;primaryKey;autoIncrement"`
	NoteID                    int64   `gorm:"column:note_id;not null;index:idx_note_edits_note"`
	Latitude                  float64 `gorm:"column:latitude;not null"`
	Longitude                 float64 `gorm:"column:longitude;not null"`
	Action                    string  `gorm:"column:action;size:16;not null"`
	Text                      string  `gorm:"column:text;type:text;not null;default:''"`
	AttachmentsJSON           string  `gorm:"column:attachments_json;type:text;not null;default:'[]'"`
	CreatedAtMillis           int64   `gorm:"column:created_at_ms;not null;index:idx_note_edits_sync,priority:2"`
	IsSynced                  bool    `gorm:"column:is_synced;not null;default:false;index:idx_note_edits_sync,priority:1"`
	AttachmentsNeedActivation bool    `gorm:"column:attachments_need_activation;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (NoteEditRecord) TableName() string {
	return "note_edits"
}

func newNoteEditRecord(edit NoteEdit) (NoteEditRecord, error) {
	paths := edit.AttachmentPaths
	if paths == nil {
		paths = []string{}
	}
	encoded, err := json.Marshal(paths)
	if err != nil {
		return NoteEditRecord{}, err
	}
	return NoteEditRecord{
		ID:                        edit.ID,
		NoteID:                    edit.NoteID,
		Latitude:                  edit.Position.Latitude,
		Longitude:                 edit.Position.Longitude,
		Action:                    string(edit.Action),
		Text:                      edit.Text,
		AttachmentsJSON:           string(encoded),
		CreatedAtMillis:           edit.CreatedAt.UnixMilli(),
		IsSynced:                  edit.IsSynced,
		AttachmentsNeedActivation: edit.AttachmentsNeedActivation,
	}, nil
}

func (record NoteEditRecord) toEdit() NoteEdit {
	action, err := ParseNoteAction(record.Action)
	if err != nil {
		panic(fmt.Sprintf("edits: note edit %d has invalid action: %v", record.ID, err))
	}
	var paths []string
	if err := json.Unmarshal([]byte(record.AttachmentsJSON), &paths); err != nil {
		panic(fmt.Sprintf("edits: note edit %d has malformed attachments: %v", record.ID, err))
	}
	return NoteEdit{
		ID:                        record.ID,
		NoteID:                    record.NoteID,
		Position:                  geo.LatLon{Latitude: record.Latitude, Longitude: record.Longitude},
		Action:                    action,
		Text:                      record.Text,
		AttachmentPaths:           paths,
		CreatedAt:                 time.UnixMilli(record.CreatedAtMillis).UTC(),
		IsSynced:                  record.IsSynced,
		AttachmentsNeedActivation: record.AttachmentsNeedActivation,
	}
}

func toNoteEdits(records []NoteEditRecord) []NoteEdit {
	result := make([]NoteEdit, 0, len(records))
	for _, record := range records {
		result = append(result, record.toEdit())
	}
	return result
}
