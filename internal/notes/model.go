package notes

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fieldqueue/internal/geo"
)

// Status enumerates the lifecycle states of a map note.
type Status string

const (
	// StatusOpen marks a note that still awaits resolution.
	StatusOpen Status = "open"
	// StatusClosed marks a resolved note.
	StatusClosed Status = "closed"
	// StatusHidden marks a note hidden by a moderator.
	StatusHidden Status = "hidden"
)

// CommentAction enumerates what a note comment did to the discussion.
type CommentAction string

const (
	// CommentActionOpened is the first comment that created the note.
	CommentActionOpened CommentAction = "opened"
	// CommentActionCommented is a plain reply.
	CommentActionCommented CommentAction = "commented"
	// CommentActionClosed closed the note.
	CommentActionClosed CommentAction = "closed"
	// CommentActionReopened reopened a closed note.
	CommentActionReopened CommentAction = "reopened"
	// CommentActionHidden hid the note.
	CommentActionHidden CommentAction = "hidden"
)

var (
	// ErrInvalidNoteID indicates that a note identifier is not a positive server id.
	ErrInvalidNoteID = errors.New("notes: invalid note id")
	// ErrInvalidStatus indicates an unknown note status.
	ErrInvalidStatus = errors.New("notes: invalid status")
	// ErrInvalidCommentAction indicates an unknown comment action.
	ErrInvalidCommentAction = errors.New("notes: invalid comment action")
)

// ParseStatus validates raw input and returns a Status.
func ParseStatus(rawInput string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(rawInput))) {
	case StatusOpen:
		return StatusOpen, nil
	case StatusClosed:
		return StatusClosed, nil
	case StatusHidden:
		return StatusHidden, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, rawInput)
	}
}

// ParseCommentAction validates raw input and returns a CommentAction.
func ParseCommentAction(rawInput string) (CommentAction, error) {
	switch CommentAction(strings.ToLower(strings.TrimSpace(rawInput))) {
	case CommentActionOpened:
		return CommentActionOpened, nil
	case CommentActionCommented:
		return CommentActionCommented, nil
	case CommentActionClosed:
		return CommentActionClosed, nil
	case CommentActionReopened:
		return CommentActionReopened, nil
	case CommentActionHidden:
		return CommentActionHidden, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCommentAction, rawInput)
	}
}

// User identifies the author of a comment.
type User struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Comment is one entry of a note discussion. User is nil for anonymous comments.
type Comment struct {
	CreatedAt time.Time     `json:"created_at"`
	Text      string        `json:"text"`
	Action    CommentAction `json:"action"`
	User      *User         `json:"user,omitempty"`
}

// IsFromUser reports whether the comment was written by userID.
func (comment Comment) IsFromUser(userID int64) bool {
	return comment.User != nil && comment.User.ID == userID
}

// Note is a discussion thread attached to a map location.
type Note struct {
	ID        int64
	Position  geo.LatLon
	Status    Status
	CreatedAt time.Time
	Comments  []Comment
}

// FirstComment returns the opening comment of the note, if any.
func (note Note) FirstComment() (Comment, bool) {
	if len(note.Comments) == 0 {
		return Comment{}, false
	}
	return note.Comments[0], true
}

// NoteRecord models the persisted note row.
type NoteRecord struct {
	NoteID          int64   `gorm:"column:note_id;primaryKey;autoIncrement:false"`
	Latitude        float64 `gorm:"column:latitude;not null;index:idx_notes_position,priority:1"`
	Longitude       float64 `gorm:"column:longitude;not null;index:idx_notes_position,priority:2"`
	Status          string  `gorm:"column:status;size:16;not null"`
	CreatedAtMillis int64   `gorm:"column:created_at_ms;not null"`
	StoredAtMillis  int64   `gorm:"column:stored_at_ms;not null"`
	CommentsJSON    string  `gorm:"column:comments_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (NoteRecord) TableName() string {
	return "notes"
}

func newNoteRecord(note Note, storedAt time.Time) (NoteRecord, error) {
	if note.ID <= 0 {
		return NoteRecord{}, fmt.Errorf("%w: %d", ErrInvalidNoteID, note.ID)
	}
	if _, err := ParseStatus(string(note.Status)); err != nil {
		return NoteRecord{}, err
	}
	comments := note.Comments
	if comments == nil {
		comments = []Comment{}
	}
	encoded, err := json.Marshal(comments)
	if err != nil {
		return NoteRecord{}, err
	}
	return NoteRecord{
		NoteID:          note.ID,
		Latitude:        note.Position.Latitude,
		Longitude:       note.Position.Longitude,
		Status:          string(note.Status),
		CreatedAtMillis: note.CreatedAt.UnixMilli(),
		StoredAtMillis:  storedAt.UnixMilli(),
		CommentsJSON:    string(encoded),
	}, nil
}

func (record NoteRecord) toNote() Note {
	status, err := ParseStatus(record.Status)
	if err != nil {
		panic(fmt.Sprintf("notes: stored note %d has invalid status: %v", record.NoteID, err))
	}
	var comments []Comment
	if err := json.Unmarshal([]byte(record.CommentsJSON), &comments); err != nil {
		panic(fmt.Sprintf("notes: stored note %d has malformed comments: %v", record.NoteID, err))
	}
	return Note{
		ID:        record.NoteID,
		Position:  geo.LatLon{Latitude: record.Latitude, Longitude: record.Longitude},
		Status:    status,
		CreatedAt: time.UnixMilli(record.CreatedAtMillis).UTC(),
		Comments:  comments,
	}
}
