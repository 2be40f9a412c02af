package edits

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fieldqueue/internal/geo"
)

// ElementEditAction enumerates the kinds of change an element edit carries.
type ElementEditAction string

const (
	// ActionUpdateTags changes tags of an existing element.
	ActionUpdateTags ElementEditAction = "update_tags"
	// ActionRevertUpdateTags restores tags changed by an earlier, already uploaded edit.
	ActionRevertUpdateTags ElementEditAction = "revert_update_tags"
	// ActionDeletePOI removes a point of interest.
	ActionDeletePOI ElementEditAction = "delete_poi"
	// ActionRevertDeletePOI restores a point of interest deleted by an uploaded edit.
	ActionRevertDeletePOI ElementEditAction = "revert_delete_poi"
	// ActionSplitWay splits a way at one or more positions.
	ActionSplitWay ElementEditAction = "split_way"
	// ActionCreateNode adds a new node.
	ActionCreateNode ElementEditAction = "create_node"
)

var elementEditActions = []ElementEditAction{
	ActionUpdateTags,
	ActionRevertUpdateTags,
	ActionDeletePOI,
	ActionRevertDeletePOI,
	ActionSplitWay,
	ActionCreateNode,
}

// ParseElementEditAction validates raw input and returns an ElementEditAction.
func ParseElementEditAction(rawInput string) (ElementEditAction, error) {
	normalized := ElementEditAction(strings.ToLower(strings.TrimSpace(rawInput)))
	for _, action := range elementEditActions {
		if action == normalized {
			return action, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAction, rawInput)
}

// IsRevert reports whether the action only reverses an earlier contribution.
func (action ElementEditAction) IsRevert() bool {
	return action == ActionRevertUpdateTags || action == ActionRevertDeletePOI
}

func revertActions() []string {
	var names []string
	for _, action := range elementEditActions {
		if action.IsRevert() {
			names = append(names, string(action))
		}
	}
	return names
}

// ElementEdit is a locally recorded change to one map element.
type ElementEdit struct {
	ID        int64
	Element   ElementKey
	QuestType string
	Source    string
	Position  geo.LatLon
	Action    ElementEditAction
	Payload   json.RawMessage
	CreatedAt time.Time
	IsSynced  bool
	// IsBlocked marks an edit that must not be uploaded yet.
	IsBlocked bool
}

// NewElementEdit describes the caller-provided part of an element edit.
type NewElementEdit struct {
	Element   ElementKey
	QuestType string
	Source    string
	Position  geo.LatLon
	Action    ElementEditAction
	Payload   json.RawMessage
	Blocked   bool
}

func (input NewElementEdit) validate() error {
	if _, err := ParseElementType(string(input.Element.Type)); err != nil {
		return err
	}
	if input.Element.ID == 0 {
		return fmt.Errorf("%w: zero", ErrInvalidElementID)
	}
	if strings.TrimSpace(input.QuestType) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidQuestType)
	}
	if strings.TrimSpace(input.Source) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSource)
	}
	if _, err := ParseElementEditAction(string(input.Action)); err != nil {
		return err
	}
	if len(input.Payload) > 0 && !json.Valid(input.Payload) {
		return fmt.Errorf("%w: not valid json", ErrInvalidPayload)
	}
	return nil
}

// ElementEditRecord models the persisted element edit row.
type ElementEditRecord struct {
	ID              int64   `gorm:"column:id;primaryKey;autoIncrement"`
	ElementType     string  `gorm:"column:element_type;size:16;not null;index:idx_element_edits_element,priority:1"`
	ElementID       int64   `gorm:"column:element_id;not null;index:idx_element_edits_element,priority:2"`
	QuestType       string  `gorm:"column:quest_type;size:190;not null"`
	Source          string  `gorm:"column:source;size:190;not null"`
	Latitude        float64 `gorm:"column:latitude;not null"`
	Longitude       float64 `gorm:"column:longitude;not null"`
	Action          string  `gorm:"column:action;size:32;not null"`
	PayloadJSON     string  `gorm:"column:payload_json;type:text;not null;default:''"`
	CreatedAtMillis int64   `gorm:"column:created_at_ms;not null;index:idx_element_edits_sync,priority:2"`
	IsSynced        bool    `gorm:"column:is_synced;not null;default:false;index:idx_element_edits_sync,priority:1"`
	IsBlocked       bool    `gorm:"column:is_blocked;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (ElementEditRecord) TableName() string {
	return "element_edits"
}

func newElementEditRecord(edit ElementEdit) ElementEditRecord {
	return ElementEditRecord{
		ID:              edit.ID,
		ElementType:     string(edit.Element.Type),
		ElementID:       edit.Element.ID,
		QuestType:       edit.QuestType,
		Source:          edit.Source,
		Latitude:        edit.Position.Latitude,
		Longitude:       edit.Position.Longitude,
		Action:          string(edit.Action),
		PayloadJSON:     string(edit.Payload),
		CreatedAtMillis: edit.CreatedAt.UnixMilli(),
		IsSynced:        edit.IsSynced,
		IsBlocked:       edit.IsBlocked,
	}
}

func (record ElementEditRecord) toEdit() ElementEdit {
	elementType, err := ParseElementType(record.ElementType)
	if err != nil {
		panic(fmt.Sprintf("edits: element edit %d has invalid element type: %v", record.ID, err))
	}
	action, err := ParseElementEditAction(record.Action)
	if err != nil {
		panic(fmt.Sprintf("edits: element edit %d has invalid action: %v", record.ID, err))
	}
	var payload json.RawMessage
	if record.PayloadJSON != "" {
		payload = json.RawMessage(record.PayloadJSON)
	}
	return ElementEdit{
		ID:        record.ID,
		Element:   ElementKey{Type: elementType, ID: record.ElementID},
		QuestType: record.QuestType,
		Source:    record.Source,
		Position:  geo.LatLon{Latitude: record.Latitude, Longitude: record.Longitude},
		Action:    action,
		Payload:   payload,
		CreatedAt: time.UnixMilli(record.CreatedAtMillis).UTC(),
		IsSynced:  record.IsSynced,
		IsBlocked: record.IsBlocked,
	}
}

func toElementEdits(records []ElementEditRecord) []ElementEdit {
	result := make([]ElementEdit, 0, len(records))
	for _, record := range records {
		result = append(result, record.toEdit())
	}
	return result
}
