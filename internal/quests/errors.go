// Package quests decides which map notes are offered to the contributor as
// quests and stores the quests the contributor chose to hide.
package quests

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingDependency = errors.New("dependency is required")
	noOpLogger           = zap.NewNop()
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
	opHiddenStoreNew      = "quests.hidden.new"
	opHiddenAdd           = "quests.hidden.add"
	opHiddenAddAll        = "quests.hidden.add_all"
	opHiddenContains      = "quests.hidden.contains"
	opHiddenGetAll        = "quests.hidden.get_all"
	opHiddenGetNewer      = "quests.hidden.get_newer_than"
	opHiddenDeleteAll     = "quests.hidden.delete_all"
	opVisibilityNew       = "quests.visibility.new"
	opVisibilityGet       = "quests.visibility.get"
	opVisibilityPut       = "quests.visibility.put"
	opVisibilityGetAll    = "quests.visibility.get_all"
	opVisibilityClear     = "quests.visibility.clear"
	opControllerNew       = "quests.note_controller.new"
	opControllerGet       = "quests.note_controller.get"
	opControllerGetAll    = "quests.note_controller.get_all_visible"
	opControllerHide      = "quests.note_controller.hide"
	opControllerUnhideAll = "quests.note_controller.unhide_all"
	opControllerUpdated   = "quests.note_controller.on_updated"
	reasonMissingDatabase = "missing_database"
	reasonMissingSource   = "missing_dependency"
	reasonInvalidInput    = "invalid_input"
	reasonInsertFailed    = "insert_failed"
	reasonQueryFailed     = "query_failed"
	reasonDeleteFailed    = "delete_failed"
	fieldNoteID           = "note_id"
)
