// Package edits persists locally recorded map changes until they are uploaded
// and coordinates every mutation of that queue.
//
// Two edit kinds exist: element edits (tag or geometry changes on map
// elements, answered through quests) and note edits (creating or commenting
// on map notes). Each kind has a store owning its table and a controller that
// serializes mutations and notifies listeners after commit.
package edits

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// ElementType enumerates the kinds of map elements an edit can target.
type ElementType string

const (
	// ElementTypeNode is a single point.
	ElementTypeNode ElementType = "node"
	// ElementTypeWay is an ordered list of nodes.
	ElementTypeWay ElementType = "way"
	// ElementTypeRelation groups other elements.
	ElementTypeRelation ElementType = "relation"
)

var (
	// ErrInvalidElementType indicates an unknown element type.
	ErrInvalidElementType = errors.New("edits: invalid element type")
	// ErrInvalidElementID indicates a zero element id.
	ErrInvalidElementID = errors.New("edits: invalid element id")
	// ErrInvalidQuestType indicates an empty quest type identifier.
	ErrInvalidQuestType = errors.New("edits: invalid quest type")
	// ErrInvalidSource indicates an empty contribution source.
	ErrInvalidSource = errors.New("edits: invalid source")
	// ErrInvalidAction indicates an unknown edit action.
	ErrInvalidAction = errors.New("edits: invalid action")
	// ErrInvalidPayload indicates an element edit payload that is not valid JSON.
	ErrInvalidPayload = errors.New("edits: invalid payload")
	// ErrInvalidNoteID indicates a note id that does not fit the requested action.
	ErrInvalidNoteID = errors.New("edits: invalid note id")
	// ErrInvalidText indicates a note edit without text.
	ErrInvalidText = errors.New("edits: invalid text")
	// ErrInvalidIDUpdate indicates an id remapping that cannot be applied.
	ErrInvalidIDUpdate = errors.New("edits: invalid id update")

	errMissingStore    = errors.New("edit store is required")
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ParseElementType validates raw input and returns an ElementType.
func ParseElementType(rawInput string) (ElementType, error) {
	switch ElementType(strings.ToLower(strings.TrimSpace(rawInput))) {
	case ElementTypeNode:
		return ElementTypeNode, nil
	case ElementTypeWay:
		return ElementTypeWay, nil
	case ElementTypeRelation:
		return ElementTypeRelation, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidElementType, rawInput)
	}
}

// ElementKey identifies a map element. Negative ids are placeholders for
// elements created locally and not yet known to the remote service.
type ElementKey struct {
	Type ElementType
	ID   int64
}

// NewElementKey validates the parts and returns an ElementKey.
func NewElementKey(rawType string, id int64) (ElementKey, error) {
	elementType, err := ParseElementType(rawType)
	if err != nil {
		return ElementKey{}, err
	}
	if id == 0 {
		return ElementKey{}, fmt.Errorf("%w: zero", ErrInvalidElementID)
	}
	return ElementKey{Type: elementType, ID: id}, nil
}

// String renders the key as "type/id".
func (key ElementKey) String() string {
	return fmt.Sprintf("%s/%d", key.Type, key.ID)
}

// ElementIDUpdate maps a placeholder element id to the id assigned by the
// remote service once the element was created there.
type ElementIDUpdate struct {
	Type  ElementType
	OldID int64
	NewID int64
}

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
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

const (
	reasonMissingStore     = "missing_store"
	reasonMissingDatabase  = "missing_database"
	reasonInvalidInput     = "invalid_input"
	reasonInsertFailed     = "insert_failed"
	reasonQueryFailed      = "query_failed"
	reasonUpdateFailed     = "update_failed"
	reasonDeleteFailed     = "delete_failed"
	reasonTransactionError = "transaction_failed"
	fieldEditID            = "edit_id"
	fieldQuestType         = "quest_type"
	fieldNoteID            = "note_id"
	fieldElement           = "element"
	orderCreatedAsc        = "created_at_ms ASC, id ASC"
	orderCreatedDesc       = "created_at_ms DESC, id DESC"
	queryEditID            = "id = ?"
	queryUnsyncedEditID    = "id = ? AND is_synced = ?"
	queryUnsynced          = "is_synced = ?"
	queryBoundsBox         = "latitude BETWEEN ? AND ? AND longitude BETWEEN ? AND ?"
)

func logServiceError(logger *zap.Logger, message, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error(message, attrs...)
}
