// Package upload drains the local edit queues into the remote service. It owns
// the "upload in progress" flag consulted before offering undo.
package upload

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/fieldqueue/internal/changesets"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/edits"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/observe"
	"go.uber.org/zap"
)

var (
	// ErrConflict is returned by a RemoteAPI when the remote data changed in a
	// way that makes the edit inapplicable. The edit is discarded.
	ErrConflict = errors.New("upload: conflict with remote data")
	// ErrChangesetClosed is returned by a RemoteAPI when the changeset an
	// element edit was uploaded into is no longer open.
	ErrChangesetClosed = errors.New("upload: changeset closed")
	// ErrUploadInProgress is returned by Upload while another run is active.
	ErrUploadInProgress = errors.New("upload: already in progress")

	errMissingDependency = errors.New("upload: dependency is required")
	noOpLogger           = zap.NewNop()
)

const (
	defaultChangesetMaxAge = 20 * time.Minute

	opUploaderNew       = "upload.uploader.new"
	opUploadNotes       = "upload.notes"
	opUploadAttachments = "upload.attachments"
	opUploadElements    = "upload.elements"
	opChangeset         = "upload.changeset"

	reasonMissingDependency = "missing_dependency"
	reasonQueueFailed       = "queue_failed"
	reasonRemoteFailed      = "remote_failed"
	reasonRegistryFailed    = "registry_failed"
	reasonCanceled          = "canceled"
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

// RemoteAPI is the boundary to the remote authoritative dataset.
type RemoteAPI interface {
	OpenChangeset(ctx context.Context, questType, source string) (int64, error)
	CloseChangeset(ctx context.Context, changesetID int64) error
	// UploadElementEdit applies edit inside changesetID and returns the ids the
	// remote service assigned to elements created with placeholder ids.
	UploadElementEdit(ctx context.Context, changesetID int64, edit edits.ElementEdit) ([]edits.ElementIDUpdate, error)
	// UploadNoteEdit creates or comments a note and returns the remote note id.
	UploadNoteEdit(ctx context.Context, edit edits.NoteEdit) (int64, error)
	ActivateAttachments(ctx context.Context, noteID int64, attachmentPaths []string) error
}

// ElementEditQueue is the part of the element edit controller the uploader
// drives.
type ElementEditQueue interface {
	GetOldestUnsynced(ctx context.Context) (edits.ElementEdit, bool, error)
	Synced(ctx context.Context, edit edits.ElementEdit, idUpdates []edits.ElementIDUpdate) error
	SyncFailed(ctx context.Context, edit edits.ElementEdit) error
}

// NoteEditQueue is the part of the note edit controller the uploader drives.
type NoteEditQueue interface {
	GetOldestUnsynced(ctx context.Context) (edits.NoteEdit, bool, error)
	GetOldestNeedingAttachmentActivation(ctx context.Context) (edits.NoteEdit, bool, error)
	Synced(ctx context.Context, edit edits.NoteEdit, remoteNoteID int64) error
	SyncFailed(ctx context.Context, edit edits.NoteEdit) error
	AttachmentsActivated(ctx context.Context, id int64) (bool, error)
}

// ChangesetRegistry remembers the open changeset per quest type and source.
type ChangesetRegistry interface {
	Get(ctx context.Context, key changesets.Key) (changesets.OpenChangeset, bool, error)
	Put(ctx context.Context, key changesets.Key, changesetID int64) (changesets.OpenChangeset, error)
	Delete(ctx context.Context, key changesets.Key) (bool, error)
}

// Listener observes upload runs.
type Listener interface {
	OnUploadStarted()
	OnUploadFinished(result Result, err error)
}

// Result counts what one upload run did.
type Result struct {
	NotesUploaded        int
	NotesDiscarded       int
	AttachmentsActivated int
	ElementsUploaded     int
	ElementsDiscarded    int
}

type UploaderConfig struct {
	Elements        ElementEditQueue
	Notes           NoteEditQueue
	Changesets      ChangesetRegistry
	Remote          RemoteAPI
	ChangesetMaxAge time.Duration
	Clock           func() time.Time
	Logger          *zap.Logger
}

// Uploader runs at most one upload at a time.
type Uploader struct {
	elements   ElementEditQueue
	notes      NoteEditQueue
	changesets ChangesetRegistry
	remote     RemoteAPI
	maxAge     time.Duration
	clock      func() time.Time
	logger     *zap.Logger
	inProgress atomic.Bool
	listeners  observe.List[Listener]
}

func NewUploader(cfg UploaderConfig) (*Uploader, error) {
	if cfg.Elements == nil || cfg.Notes == nil || cfg.Changesets == nil || cfg.Remote == nil {
		return nil, newServiceError(opUploaderNew, reasonMissingDependency, errMissingDependency)
	}
	maxAge := cfg.ChangesetMaxAge
	if maxAge <= 0 {
		maxAge = defaultChangesetMaxAge
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Uploader{
		elements:   cfg.Elements,
		notes:      cfg.Notes,
		changesets: cfg.Changesets,
		remote:     cfg.Remote,
		maxAge:     maxAge,
		clock:      clock,
		logger:     logger,
	}, nil
}

// IsUploadInProgress reports whether an upload run is active. Undo should not
// be offered while it is true.
func (u *Uploader) IsUploadInProgress() bool {
	return u.inProgress.Load()
}

func (u *Uploader) AddListener(listener Listener) {
	u.listeners.Add(listener)
}

func (u *Uploader) RemoveListener(listener Listener) {
	u.listeners.Remove(listener)
}

// Upload drains the note queue, activates pending attachments and then drains
// the element queue. Rejected edits are discarded. Any other failure stops the
// run and leaves the remaining edits queued for the next one.
func (u *Uploader) Upload(ctx context.Context) (Result, error) {
	if !u.inProgress.CompareAndSwap(false, true) {
		return Result{}, ErrUploadInProgress
	}
	u.listeners.Each(func(listener Listener) {
		listener.OnUploadStarted()
	})

	var result Result
	err := u.uploadNotes(ctx, &result)
	if err == nil {
		err = u.activateAttachments(ctx, &result)
	}
	if err == nil {
		err = u.uploadElements(ctx, &result)
	}

	u.inProgress.Store(false)
	u.logger.Info("upload finished",
		zap.Int("notes_uploaded", result.NotesUploaded),
		zap.Int("notes_discarded", result.NotesDiscarded),
		zap.Int("attachments_activated", result.AttachmentsActivated),
		zap.Int("elements_uploaded", result.ElementsUploaded),
		zap.Int("elements_discarded", result.ElementsDiscarded),
		zap.Bool("failed", err != nil),
	)
	u.listeners.Each(func(listener Listener) {
		listener.OnUploadFinished(result, err)
	})
	return result, err
}

func (u *Uploader) uploadNotes(ctx context.Context, result *Result) error {
	for {
		if err := ctx.Err(); err != nil {
			return newServiceError(opUploadNotes, reasonCanceled, err)
		}
		edit, found, err := u.notes.GetOldestUnsynced(ctx)
		if err != nil {
			return newServiceError(opUploadNotes, reasonQueueFailed, err)
		}
		if !found {
			return nil
		}
		remoteNoteID, uploadErr := u.remote.UploadNoteEdit(ctx, edit)
		switch {
		case errors.Is(uploadErr, ErrConflict):
			u.logger.Warn("note edit rejected", zap.Int64("edit_id", edit.ID), zap.Int64("note_id", edit.NoteID), zap.Error(uploadErr))
			if err := u.notes.SyncFailed(ctx, edit); err != nil {
				return newServiceError(opUploadNotes, reasonQueueFailed, err)
			}
			result.NotesDiscarded++
		case uploadErr != nil:
			u.logError(opUploadNotes, reasonRemoteFailed, uploadErr, zap.Int64("edit_id", edit.ID))
			return newServiceError(opUploadNotes, reasonRemoteFailed, uploadErr)
		default:
			if err := u.notes.Synced(ctx, edit, remoteNoteID); err != nil {
				return newServiceError(opUploadNotes, reasonQueueFailed, err)
			}
			result.NotesUploaded++
		}
	}
}

func (u *Uploader) activateAttachments(ctx context.Context, result *Result) error {
	for {
		if err := ctx.Err(); err != nil {
			return newServiceError(opUploadAttachments, reasonCanceled, err)
		}
		edit, found, err := u.notes.GetOldestNeedingAttachmentActivation(ctx)
		if err != nil {
			return newServiceError(opUploadAttachments, reasonQueueFailed, err)
		}
		if !found {
			return nil
		}
		activateErr := u.remote.ActivateAttachments(ctx, edit.NoteID, edit.AttachmentPaths)
		if activateErr != nil && !errors.Is(activateErr, ErrConflict) {
			u.logError(opUploadAttachments, reasonRemoteFailed, activateErr, zap.Int64("edit_id", edit.ID))
			return newServiceError(opUploadAttachments, reasonRemoteFailed, activateErr)
		}
		if activateErr != nil {
			u.logger.Warn("attachment activation rejected", zap.Int64("edit_id", edit.ID), zap.Error(activateErr))
		}
		if _, err := u.notes.AttachmentsActivated(ctx, edit.ID); err != nil {
			return newServiceError(opUploadAttachments, reasonQueueFailed, err)
		}
		if activateErr == nil {
			result.AttachmentsActivated++
		}
	}
}

func (u *Uploader) uploadElements(ctx context.Context, result *Result) error {
	for {
		if err := ctx.Err(); err != nil {
			return newServiceError(opUploadElements, reasonCanceled, err)
		}
		edit, found, err := u.elements.GetOldestUnsynced(ctx)
		if err != nil {
			return newServiceError(opUploadElements, reasonQueueFailed, err)
		}
		if !found {
			return nil
		}
		idUpdates, uploadErr := u.uploadElementEdit(ctx, edit)
		switch {
		case errors.Is(uploadErr, ErrConflict):
			u.logger.Warn("element edit rejected", zap.Int64("edit_id", edit.ID), zap.String("element", edit.Element.String()), zap.Error(uploadErr))
			if err := u.elements.SyncFailed(ctx, edit); err != nil {
				return newServiceError(opUploadElements, reasonQueueFailed, err)
			}
			result.ElementsDiscarded++
		case uploadErr != nil:
			return uploadErr
		default:
			if err := u.elements.Synced(ctx, edit, idUpdates); err != nil {
				return newServiceError(opUploadElements, reasonQueueFailed, err)
			}
			result.ElementsUploaded++
		}
	}
}

// uploadElementEdit uploads edit into the changeset of its quest type and
// source, replacing a changeset the remote service already closed once.
func (u *Uploader) uploadElementEdit(ctx context.Context, edit edits.ElementEdit) ([]edits.ElementIDUpdate, error) {
	key, err := changesets.NewKey(edit.QuestType, edit.Source)
	if err != nil {
		return nil, newServiceError(opChangeset, reasonQueueFailed, err)
	}
	changesetID, err := u.changesetFor(ctx, key)
	if err != nil {
		return nil, err
	}
	idUpdates, uploadErr := u.remote.UploadElementEdit(ctx, changesetID, edit)
	if errors.Is(uploadErr, ErrChangesetClosed) {
		u.logger.Info("changeset closed remotely, opening a new one", zap.Int64("changeset_id", changesetID), zap.String("quest_type", key.QuestType))
		if _, err := u.changesets.Delete(ctx, key); err != nil {
			u.logError(opChangeset, reasonRegistryFailed, err)
			return nil, newServiceError(opChangeset, reasonRegistryFailed, err)
		}
		changesetID, err = u.openChangeset(ctx, key)
		if err != nil {
			return nil, err
		}
		idUpdates, uploadErr = u.remote.UploadElementEdit(ctx, changesetID, edit)
	}
	if errors.Is(uploadErr, ErrConflict) {
		return nil, uploadErr
	}
	if uploadErr != nil {
		u.logError(opUploadElements, reasonRemoteFailed, uploadErr, zap.Int64("edit_id", edit.ID), zap.Int64("changeset_id", changesetID))
		return nil, newServiceError(opUploadElements, reasonRemoteFailed, uploadErr)
	}
	if _, err := u.changesets.Put(ctx, key, changesetID); err != nil {
		u.logError(opChangeset, reasonRegistryFailed, err)
		return nil, newServiceError(opChangeset, reasonRegistryFailed, err)
	}
	return idUpdates, nil
}

// changesetFor returns the registered changeset of key while it is younger
// than the reuse window, otherwise closes it and opens a fresh one.
func (u *Uploader) changesetFor(ctx context.Context, key changesets.Key) (int64, error) {
	open, found, err := u.changesets.Get(ctx, key)
	if err != nil {
		u.logError(opChangeset, reasonRegistryFailed, err)
		return 0, newServiceError(opChangeset, reasonRegistryFailed, err)
	}
	if found && u.clock().Sub(open.LastUsedAt) < u.maxAge {
		return open.ChangesetID, nil
	}
	if found {
		if err := u.remote.CloseChangeset(ctx, open.ChangesetID); err != nil && !errors.Is(err, ErrChangesetClosed) {
			u.logger.Warn("closing stale changeset failed", zap.Int64("changeset_id", open.ChangesetID), zap.Error(err))
		}
	}
	return u.openChangeset(ctx, key)
}

func (u *Uploader) openChangeset(ctx context.Context, key changesets.Key) (int64, error) {
	changesetID, err := u.remote.OpenChangeset(ctx, key.QuestType, key.Source)
	if err != nil {
		u.logError(opChangeset, reasonRemoteFailed, err)
		return 0, newServiceError(opChangeset, reasonRemoteFailed, err)
	}
	if _, err := u.changesets.Put(ctx, key, changesetID); err != nil {
		u.logError(opChangeset, reasonRegistryFailed, err)
		return 0, newServiceError(opChangeset, reasonRegistryFailed, err)
	}
	return changesetID, nil
}

func (u *Uploader) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	u.logger.Error("upload error", attrs...)
}
